package session

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/emiago/sipgo/sip"
	"github.com/looplab/fsm"
	"github.com/pkg/errors"

	"github.com/coredial/callengine/pkg/dialog"
)

// referState is the REFER subscription's own small state machine (RFC
// 3515/3265, NOTIFY carrying message/sipfrag): no full subscription-dialog
// machinery, just enough to track the final outcome of one transfer
// attempt.
const (
	referStatePending    = "pending"
	referStateTrying     = "trying"
	referStateProceeding = "proceeding"
	referStateCompleted  = "completed"
	referStateFailed     = "failed"
	referStateTerminated = "terminated"
)

func newReferFSM() *fsm.FSM {
	return fsm.NewFSM(
		referStatePending,
		fsm.Events{
			{Name: "notify_100", Src: []string{referStatePending}, Dst: referStateTrying},
			{Name: "notify_1xx", Src: []string{referStateTrying, referStatePending}, Dst: referStateProceeding},
			{Name: "notify_success", Src: []string{referStateTrying, referStateProceeding, referStatePending}, Dst: referStateCompleted},
			{Name: "notify_failure", Src: []string{referStateTrying, referStateProceeding, referStatePending}, Dst: referStateFailed},
			{Name: "terminate", Src: []string{referStateCompleted, referStateFailed}, Dst: referStateTerminated},
		}, nil,
	)
}

// transferState tracks one in-flight transfer (blind or attended),
// carrying the replaced dialog for an attended transfer.
type transferState struct {
	mu sync.Mutex

	fsm       *fsm.FSM
	finalCode int
	done      chan struct{}

	replaced *dialog.Dialog // non-nil only for an attended (REFER+Replaces) transfer
}

func newTransferState(replaced *dialog.Dialog) *transferState {
	return &transferState{
		fsm:      newReferFSM(),
		done:     make(chan struct{}),
		replaced: replaced,
	}
}

// onNotify advances the subscription from a received NOTIFY's sipfrag
// status code.
func (t *transferState) onNotify(code int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch {
	case code == 100:
		_ = t.fsm.Event(context.Background(), "notify_100")
	case code >= 101 && code < 200:
		_ = t.fsm.Event(context.Background(), "notify_1xx")
	case code >= 200 && code < 300:
		t.finalCode = code
		_ = t.fsm.Event(context.Background(), "notify_success")
		close(t.done)
	case code >= 300:
		t.finalCode = code
		_ = t.fsm.Event(context.Background(), "notify_failure")
		close(t.done)
	}
}

// parseSipfragStatusCode extracts the SIP status code from a NOTIFY's
// message/sipfrag body ("SIP/2.0 200 OK" on its first line).
func parseSipfragStatusCode(body []byte) int {
	if len(body) == 0 {
		return 0
	}
	firstLine, _, _ := strings.Cut(string(body), "\n")
	parts := strings.Fields(firstLine)
	if len(parts) < 2 {
		return 0
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0
	}
	return code
}

// Transfer implements transfer(blind): sends REFER to the
// far end, moving Active -> Transferring, and resolves to Active or back
// to Active-with-error once the far end's NOTIFY stream reports a final
// sipfrag status.
func (s *Session) Transfer(ctx context.Context, target sip.Uri) error {
	s.mu.Lock()
	if s.State() != StateActive {
		s.mu.Unlock()
		return newInvalidStateErr(s.id, s.State())
	}
	if s.dlg == nil {
		s.mu.Unlock()
		return newInvalidStateErr(s.id, s.State())
	}
	req := s.dlg.ReferRequest(target, s.inviteCSeq)
	dest := s.dlg.RemoteTarget()
	s.transfer = newTransferState(nil)
	s.mu.Unlock()

	if err := s.fire(evReferReceived); err != nil {
		return errors.Wrap(err, "enter transferring state")
	}

	tx, err := s.txMgr.NewClientTransaction(req, dest, s.tk)
	if err != nil {
		s.failTransfer(err)
		return errors.Wrap(err, "send REFER")
	}
	if ct, ok := tx.(anyClientTx); ok {
		ct.OnResponse(func(resp *sip.Response) {
			if resp.StatusCode >= 300 {
				s.failTransfer(fmt.Errorf("REFER rejected: %d %s", resp.StatusCode, resp.Reason))
			}
		})
		ct.OnTimeout(func(string) {
			s.failTransfer(fmt.Errorf("REFER transaction timed out"))
		})
	}
	return nil
}

// AttendedTransfer implements transfer(attended): REFER with a Replaces
// header pointing at the dialog being bridged in.
func (s *Session) AttendedTransfer(ctx context.Context, replaced *Session) error {
	s.mu.Lock()
	if s.State() != StateActive {
		s.mu.Unlock()
		return newInvalidStateErr(s.id, s.State())
	}
	if s.dlg == nil || replaced.Dialog() == nil {
		s.mu.Unlock()
		return newInvalidStateErr(s.id, s.State())
	}
	req := s.dlg.ReferReplaceRequest(replaced.Dialog(), s.inviteCSeq)
	dest := s.dlg.RemoteTarget()
	s.transfer = newTransferState(replaced.Dialog())
	s.mu.Unlock()

	if err := s.fire(evReferReceived); err != nil {
		return errors.Wrap(err, "enter transferring state")
	}

	tx, err := s.txMgr.NewClientTransaction(req, dest, s.tk)
	if err != nil {
		s.failTransfer(err)
		return errors.Wrap(err, "send REFER")
	}
	if ct, ok := tx.(anyClientTx); ok {
		ct.OnResponse(func(resp *sip.Response) {
			if resp.StatusCode >= 300 {
				s.failTransfer(fmt.Errorf("REFER rejected: %d %s", resp.StatusCode, resp.Reason))
			}
		})
		ct.OnTimeout(func(string) {
			s.failTransfer(fmt.Errorf("REFER transaction timed out"))
		})
	}
	return nil
}

// HandleReferNotify feeds an in-dialog NOTIFY (Event: refer, Content-Type:
// message/sipfrag) to the active transfer subscription, completing or
// failing the transfer once the far end reports a final status.
func (s *Session) HandleReferNotify(serverTx anyServerTx, body []byte) error {
	s.mu.Lock()
	transfer := s.transfer
	s.mu.Unlock()

	resp := sip.NewResponse(200, "OK")
	if err := serverTx.SendResponse(resp); err != nil {
		return errors.Wrap(err, "accept NOTIFY")
	}
	if transfer == nil {
		return nil
	}

	code := parseSipfragStatusCode(body)
	transfer.onNotify(code)
	if code == 0 {
		return nil
	}
	if code >= 200 && code < 300 {
		s.completeTransfer()
	} else if code >= 300 {
		s.failTransfer(fmt.Errorf("transfer target rejected: %d", code))
	}
	return nil
}

func (s *Session) completeTransfer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transfer = nil
	_ = s.fire(evTransferComplete)
}

func (s *Session) failTransfer(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cb.OnError != nil {
		s.cb.OnError(errors.Wrap(err, "transfer failed"))
	}
	s.transfer = nil
	_ = s.fire(evTransferFailed)
}

// HandleIncomingRefer implements the transferee side of RFC 3515: an
// inbound REFER on an established dialog is accepted with 202 Accepted,
// then a new call is placed toward the Refer-To target via cb.Dial, its
// progress reported back to the referrer as NOTIFY/message-sipfrag (RFC
// 3265), completing or failing the transfer once the new call's outcome is
// known.
func (s *Session) HandleIncomingRefer(ctx context.Context, serverTx anyServerTx, req *sip.Request) error {
	s.mu.Lock()
	if s.State() != StateActive {
		s.mu.Unlock()
		return newInvalidStateErr(s.id, s.State())
	}
	referTo, err := parseReferTo(req)
	if err != nil {
		s.mu.Unlock()
		_ = serverTx.SendResponse(sip.NewResponse(400, "Bad Request"))
		return errors.Wrap(err, "parse Refer-To")
	}
	if s.cb.Dial == nil {
		s.mu.Unlock()
		_ = serverTx.SendResponse(sip.NewResponse(603, "Decline"))
		return fmt.Errorf("session %s: no dialer configured for inbound REFER", s.id)
	}
	dlg := s.dlg
	s.mu.Unlock()

	if err := s.fire(evReferReceived); err != nil {
		return errors.Wrap(err, "enter transferring state")
	}
	if err := serverTx.SendResponse(sip.NewResponse(202, "Accepted")); err != nil {
		return errors.Wrap(err, "accept REFER")
	}

	go s.runReferredCall(ctx, dlg, referTo)
	return nil
}

// parseReferTo extracts and parses the target URI from an inbound REFER's
// Refer-To header (angle-bracket quoting, RFC 3515 §2.1).
func parseReferTo(req *sip.Request) (sip.Uri, error) {
	hdrs := req.GetHeaders("Refer-To")
	if len(hdrs) == 0 {
		return sip.Uri{}, fmt.Errorf("missing Refer-To header")
	}
	gh, ok := hdrs[0].(*sip.GenericHeader)
	if !ok {
		return sip.Uri{}, fmt.Errorf("unexpected Refer-To header type")
	}
	raw := strings.TrimSpace(gh.Contents)
	raw = strings.TrimPrefix(raw, "<")
	raw = strings.TrimSuffix(raw, ">")
	target, err := sip.ParseUri(raw)
	if err != nil {
		return sip.Uri{}, errors.Wrap(err, "parse Refer-To target")
	}
	return target, nil
}

// runReferredCall places the new call toward target and streams its
// progress back to the referrer over dlg as NOTIFY/message-sipfrag,
// completing or failing this session's transfer once the outcome is known.
func (s *Session) runReferredCall(ctx context.Context, dlg *dialog.Dialog, target sip.Uri) {
	_ = s.sendReferNotify(dlg, 100, "Trying")

	if _, err := s.cb.Dial(ctx, target); err != nil {
		_ = s.sendReferNotify(dlg, 503, "Service Unavailable")
		s.failTransfer(errors.Wrap(err, "referred call failed"))
		return
	}

	_ = s.sendReferNotify(dlg, 200, "OK")
	s.completeTransfer()
}

// sendReferNotify builds and sends an in-dialog NOTIFY carrying a
// message/sipfrag body reporting the referred call's status, per RFC
// 3515 §2.4.4/RFC 3265.
func (s *Session) sendReferNotify(dlg *dialog.Dialog, code int, reason string) error {
	s.mu.RLock()
	seq := s.inviteCSeq
	dest := dlg.RemoteTarget()
	s.mu.RUnlock()

	req := dlg.BuildInDialogRequest(sip.NOTIFY, seq)
	req.AppendHeader(&sip.GenericHeader{HeaderName: "Event", Contents: "refer"})
	state := "active"
	if code >= 200 {
		state = "terminated"
	}
	req.AppendHeader(&sip.GenericHeader{HeaderName: "Subscription-State", Contents: state})
	req.AppendHeader(&sip.GenericHeader{HeaderName: "Content-Type", Contents: "message/sipfrag"})
	req.SetBody([]byte(fmt.Sprintf("SIP/2.0 %d %s\r\n", code, reason)))

	_, err := s.txMgr.NewClientTransaction(req, dest, s.tk)
	return err
}
