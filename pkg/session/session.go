// Package session implements the per-call coordinator: it translates
// application intents (make_call, answer, reject, hold, resume, transfer,
// hangup, send_dtmf) into dialog/transaction operations and dialog/
// transaction events into application callbacks, driven by an explicit
// looplab/fsm over the session's own state table.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/looplab/fsm"
	"github.com/pion/sdp/v3"
	"github.com/pkg/errors"

	"github.com/coredial/callengine/internal/config"
	"github.com/coredial/callengine/internal/metrics"
	"github.com/coredial/callengine/pkg/dialog"
	"github.com/coredial/callengine/pkg/eventbus"
	"github.com/coredial/callengine/pkg/idgen"
	"github.com/coredial/callengine/pkg/timerwheel"
	"github.com/coredial/callengine/pkg/transaction"
)

// Transport is the sending surface Session needs: everything
// transaction.Manager itself depends on, plus resolving the local Contact
// URI a freshly-built INVITE should advertise. ACK-to-2xx is sent directly
// through it (RFC 3261 §13.2.2.4: a 2xx ACK is end-to-end, never a
// transaction of its own).
type Transport interface {
	transaction.Transport
	LocalContact(tk config.TransportKind) sip.Uri
}

// anyClientTx is the subset of *transaction.ClientInvite/ClientNonInvite
// the session layer needs to observe.
type anyClientTx interface {
	OnResponse(h transaction.ResponseHandler)
	OnTimeout(h transaction.TimeoutHandler)
}

// anyServerTx is the subset of *transaction.ServerInvite/ServerNonInvite
// the session layer needs to drive.
type anyServerTx interface {
	SendResponse(resp *sip.Response) error
}

// tagParams builds a single-entry param set for a From tag. HeaderParams.Add
// takes a pointer receiver, so it cannot be chained directly off
// NewParams()'s return value.
func tagParams(tag string) sip.HeaderParams {
	p := sip.NewParams()
	p.Add("tag", tag)
	return p
}

// Callbacks are the application-facing notifications a Session emits.
type Callbacks struct {
	OnStateChanged func(from, to State)
	OnMediaStart   func(local, remote MediaDescriptor)
	OnMediaStop    func()
	OnDTMF         func(digit byte)
	OnError        func(err error)

	// Dial places a brand new outbound call toward target, used by the
	// transferee side of a REFER-initiated transfer to reach the
	// transfer target. Returns once the new call is Active or has failed.
	Dial func(ctx context.Context, target sip.Uri) (*Session, error)
}

// Session is one user-facing call: exactly one signaling dialog (two once
// a transfer is in flight) plus the negotiated media descriptor pair.
type Session struct {
	mu sync.RWMutex

	id          string
	isInitiator bool
	fsm         *fsm.FSM

	cfg   config.SessionConfig
	tk    config.TransportKind
	dlg   *dialog.Dialog
	txMgr *transaction.Manager
	tp    Transport
	bus   *eventbus.Bus
	stats *metrics.Collector
	cb    Callbacks

	localAddr          string
	localPort          int
	codecs             []uint8
	peerSessionExpires time.Duration

	localMedia, remoteMedia MediaDescriptor
	offerPending            bool // at most one concurrent offer/answer exchange
	havePreviousPT          bool
	previousPT              int

	inviteCSeq uint32       // CSeq of the dialog-creating INVITE, needed to build ACK
	inviteReq  *sip.Request // the dialog-creating INVITE, kept to build a CANCEL

	haveProvisional bool // a 1xx has been received for the pending INVITE
	cancelPending   bool // Cancel was called before any 1xx arrived

	transfer *transferState
	timer    *sessionTimer

	createdAt time.Time
}

// New constructs a Session not yet bound to any dialog; callers use
// MakeCall or Incoming to bind it.
func New(id string, cfg config.SessionConfig, tk config.TransportKind, txMgr *transaction.Manager, tp Transport, wheel *timerwheel.Wheel, bus *eventbus.Bus, stats *metrics.Collector, cb Callbacks) *Session {
	s := &Session{
		id: id, cfg: cfg, tk: tk, txMgr: txMgr, tp: tp, bus: bus, stats: stats, cb: cb,
		createdAt: time.Now(),
	}
	s.initFSM()
	s.timer = newSessionTimer(s, wheel, cfg)
	stats.ObserveSessionCreated()
	return s
}

// ID returns the session's opaque identifier (a string chosen by the
// caller, not tied to any one dialog's Call-ID since transfer swaps it).
func (s *Session) ID() string { return s.id }

// State returns the current user-facing lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return State(s.fsm.Current())
}

func (s *Session) initFSM() {
	s.fsm = fsm.NewFSM(
		string(StateInitiating),
		fsm.Events{
			{Name: evRinging, Src: []string{string(StateInitiating)}, Dst: string(StateRinging)},
			{Name: evAnswered, Src: []string{string(StateInitiating), string(StateRinging)}, Dst: string(StateActive)},
			{Name: evFailed, Src: []string{string(StateInitiating), string(StateRinging)}, Dst: string(StateFailed)},
			{Name: evHold, Src: []string{string(StateActive)}, Dst: string(StateOnHold)},
			{Name: evResume, Src: []string{string(StateOnHold)}, Dst: string(StateActive)},
			{Name: evReferReceived, Src: []string{string(StateActive)}, Dst: string(StateTransferring)},
			{Name: evTransferComplete, Src: []string{string(StateTransferring)}, Dst: string(StateActive)},
			{Name: evTransferFailed, Src: []string{string(StateTransferring)}, Dst: string(StateActive)},
			{Name: evHangup, Src: []string{
				string(StateInitiating), string(StateRinging), string(StateActive),
				string(StateOnHold), string(StateTransferring),
			}, Dst: string(StateTerminating)},
			{Name: evTerminated, Src: []string{string(StateTerminating), string(StateFailed)}, Dst: string(StateTerminated)},
		},
		fsm.Callbacks{"after_event": s.afterStateChange},
	)
}

func (s *Session) afterStateChange(_ context.Context, e *fsm.Event) {
	from, to := State(e.Src), State(e.Dst)
	if s.cb.OnStateChanged != nil {
		s.cb.OnStateChanged(from, to)
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.TopicSessionStateChanged, eventbus.SessionStateChangedEvent{
			SessionID: s.id, From: string(from), To: string(to),
		})
	}
	switch to {
	case StateTerminated, StateFailed:
		outcome := "terminated"
		if to == StateFailed {
			outcome = "failed"
		}
		s.stats.ObserveSessionOutcome(outcome, from != StateInitiating || to != StateFailed)
		s.timer.stop()
	}
}

func (s *Session) fire(event string) error {
	return s.fsm.Event(context.Background(), event)
}

// MakeCall implements make_call: builds and sends the dialog-creating
// INVITE carrying an SDP offer.
func (s *Session) MakeCall(ctx context.Context, target sip.Uri, codecs []uint8, localAddr string, localPort int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.isInitiator = true
	localTag := idgen.NewTag()
	callID := idgen.NewCallID()
	contact := s.tp.LocalContact(s.tk)

	offer := BuildOffer(s.id, localAddr, localPort, codecs, DirectionSendRecv, 101)
	body, err := offer.Marshal()
	if err != nil {
		return errors.Wrap(err, "marshal SDP offer")
	}
	desc, err := ExtractDescriptor(offer)
	if err != nil {
		return errors.Wrap(err, "extract local descriptor")
	}
	s.localMedia = desc
	s.offerPending = true
	s.localAddr, s.localPort, s.codecs = localAddr, localPort, codecs

	req := sip.NewRequest(sip.INVITE, target)
	cid := sip.CallID(callID)
	req.AppendHeader(&cid)
	req.AppendHeader(&sip.FromHeader{Address: contact, Params: tagParams(localTag)})
	req.AppendHeader(&sip.ToHeader{Address: target})
	req.AppendHeader(&sip.CSeq{SeqNo: 1, MethodName: sip.INVITE})
	req.AppendHeader(&sip.ContactHeader{Address: contact})
	maxFwd := sip.MaxForwards(70)
	req.AppendHeader(&maxFwd)
	via := &sip.ViaHeader{ProtocolName: "SIP", ProtocolVersion: "2.0", Host: contact.Host, Port: contact.Port, Params: sip.NewParams()}
	via.Params.Add("branch", idgen.NewBranch())
	req.AppendHeader(via)
	req.AppendHeader(&sip.GenericHeader{HeaderName: "Content-Type", Contents: "application/sdp"})
	refresher := refresherUAS
	if s.cfg.PreferUACRefresher {
		refresher = refresherUAC
	}
	req.AppendHeader(&sip.GenericHeader{HeaderName: "Session-Expires", Contents: sessionExpiresHeader(s.cfg.DefaultSessionExpires, refresher)})
	if s.cfg.Enable100rel {
		req.AppendHeader(&sip.GenericHeader{HeaderName: "Supported", Contents: "100rel, timer"})
	}
	req.SetBody(body)

	s.inviteCSeq = 1
	s.inviteReq = req

	tx, err := s.txMgr.NewClientTransaction(req, target, s.tk)
	if err != nil {
		return errors.Wrap(err, "create client INVITE transaction")
	}
	ct, ok := tx.(anyClientTx)
	if !ok {
		return fmt.Errorf("unexpected client transaction type for INVITE")
	}
	s.bindInviteResponses(ct, req)
	return nil
}

// bindInviteResponses wires the ICT's provisional/final responses into the
// session FSM.
func (s *Session) bindInviteResponses(tx anyClientTx, req *sip.Request) {
	tx.OnResponse(func(resp *sip.Response) {
		s.handleInviteResponse(req, resp)
	})
	tx.OnTimeout(func(string) {
		s.handleInviteFailure(fmt.Errorf("INVITE transaction timed out"))
	})
}

func (s *Session) handleInviteResponse(req *sip.Request, resp *sip.Response) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case resp.StatusCode < 200:
		if to, ok := resp.To(); ok {
			if _, hasTag := to.Params.Get("tag"); hasTag && s.dlg == nil {
				d, err := dialog.CreateUACDialogFromResponse(req, resp, s.bus)
				if err == nil {
					s.bindDialog(d)
				}
			}
		}
		if s.State() == StateInitiating {
			_ = s.fire(evRinging)
		}
		s.haveProvisional = true
		if s.cancelPending {
			s.cancelPending = false
			_ = s.sendCancelLocked()
		}
	case resp.StatusCode < 300:
		if s.dlg == nil {
			d, err := dialog.CreateUACDialogFromResponse(req, resp, s.bus)
			if err != nil {
				s.handleInviteFailureLocked(err)
				return
			}
			s.bindDialog(d)
		} else {
			_ = s.dlg.ApplyResponse(resp, s.cfg.AllowTargetRefresh)
		}
		s.applyRemoteSDPLocked(resp.Body())
		ack := s.dlg.BuildInDialogRequest(sip.ACK, s.inviteCSeq)
		if err := s.tp.Send(context.Background(), ack, s.dlg.RemoteTarget(), s.tk); err != nil {
			slog.Debug("session: ACK send failed", slog.String("error", err.Error()))
		}
		_ = s.fire(evAnswered)
		s.startMediaLocked()
		s.timer.onSessionEstablished(resp)
	default:
		s.handleInviteFailureLocked(fmt.Errorf("INVITE rejected: %d %s", resp.StatusCode, resp.Reason))
	}
}

func (s *Session) handleInviteFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handleInviteFailureLocked(err)
}

func (s *Session) handleInviteFailureLocked(err error) {
	if s.cb.OnError != nil {
		s.cb.OnError(err)
	}
	_ = s.fire(evFailed)
	_ = s.fire(evTerminated)
}

// Incoming implements the UAS construction path, binding an already-seen
// INVITE request to a fresh Session. The caller has already verified the
// request is dialog-creating and generated the local tag used on the
// provisional/final responses it will send.
func Incoming(id string, cfg config.SessionConfig, tk config.TransportKind, txMgr *transaction.Manager, tp Transport, wheel *timerwheel.Wheel, bus *eventbus.Bus, stats *metrics.Collector, cb Callbacks, req *sip.Request, localTag string) (*Session, error) {
	s := New(id, cfg, tk, txMgr, tp, wheel, bus, stats, cb)
	s.isInitiator = false

	d, err := dialog.CreateUASDialogFromRequest(req, localTag, bus)
	if err != nil {
		return nil, errors.Wrap(err, "build UAS dialog")
	}
	s.bindDialog(d)

	if cseq, ok := req.CSeq(); ok {
		s.inviteCSeq = cseq.SeqNo
	}
	if peer, _, ok := sessionExpiresFromMessage(req.Headers()); ok {
		s.peerSessionExpires = peer
	}
	if err := s.applyRemoteSDPLocked(req.Body()); err != nil {
		slog.Debug("session.Incoming: offer-less or unparsable initial INVITE", slog.String("error", err.Error()))
	}
	_ = s.fire(evRinging)
	return s, nil
}

func (s *Session) bindDialog(d *dialog.Dialog) {
	s.dlg = d
	d.OnStateChange(func(ds dialog.State) {
		if ds == dialog.StateTerminated {
			s.mu.Lock()
			if s.State() != StateTerminated {
				_ = s.fire(evHangup)
				_ = s.fire(evTerminated)
			}
			s.mu.Unlock()
		}
	})
}

func (s *Session) applyRemoteSDPLocked(body []byte) error {
	if len(body) == 0 {
		return fmt.Errorf("empty SDP body")
	}
	remote, err := parseSDP(body)
	if err != nil {
		return err
	}
	desc, err := ExtractDescriptor(remote)
	if err != nil {
		return err
	}
	s.remoteMedia = desc
	s.havePreviousPT = true
	if len(desc.Codecs) > 0 {
		s.previousPT = int(desc.Codecs[0])
	}
	s.offerPending = false
	return nil
}

func (s *Session) startMediaLocked() {
	if s.cb.OnMediaStart != nil {
		s.cb.OnMediaStart(s.localMedia, s.remoteMedia)
	}
	s.bus.Publish(eventbus.TopicMediaStarted, eventbus.MediaEvent{MediaSessionID: s.id, Direction: s.localMedia.Direction.String()})
}

// Accept implements answer (the UAS leg): builds a 200 OK
// carrying the SDP answer and sends it on the server transaction.
func (s *Session) Accept(ctx context.Context, serverTx anyServerTx, codecs []uint8, localAddr string, localPort int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() != StateRinging {
		return newInvalidStateErr(s.id, s.State())
	}

	pt, err := NegotiateCodec(codecs, s.previousPT, s.havePreviousPT)
	if err != nil {
		return errors.Wrap(err, "negotiate codec")
	}
	answer := BuildOffer(s.id, localAddr, localPort, []uint8{pt}, DirectionSendRecv, 101)
	body, err := answer.Marshal()
	if err != nil {
		return errors.Wrap(err, "marshal SDP answer")
	}
	desc, err := ExtractDescriptor(answer)
	if err != nil {
		return errors.Wrap(err, "extract local descriptor")
	}
	s.localMedia = desc
	s.localAddr, s.localPort, s.codecs = localAddr, localPort, codecs

	resp := sip.NewResponse(200, "OK")
	resp.AppendHeader(&sip.GenericHeader{HeaderName: "Content-Type", Contents: "application/sdp"})
	interval, refresher := negotiateSessionExpires(s.cfg.DefaultSessionExpires, s.peerSessionExpires, s.cfg.PreferUACRefresher)
	resp.AppendHeader(&sip.GenericHeader{HeaderName: "Session-Expires", Contents: sessionExpiresHeader(interval, refresher)})
	resp.SetBody(body)
	if err := serverTx.SendResponse(resp); err != nil {
		return errors.Wrap(err, "send 200 OK")
	}

	_ = s.fire(evAnswered)
	s.startMediaLocked()
	s.timer.onSessionEstablished(resp)
	return nil
}

// Reject implements reject: sends a final non-2xx response and fails the
// session.
func (s *Session) Reject(ctx context.Context, serverTx anyServerTx, code int, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() != StateRinging {
		return newInvalidStateErr(s.id, s.State())
	}
	resp := sip.NewResponse(code, reason)
	if err := serverTx.SendResponse(resp); err != nil {
		return errors.Wrap(err, "send rejection")
	}
	_ = s.fire(evFailed)
	_ = s.fire(evTerminated)
	return nil
}

// Cancel implements cancel: sends CANCEL per RFC 3261 §9 for a pending
// (not yet finally answered) outbound INVITE. If no provisional response
// has been received yet, the CANCEL is deferred and sent as soon as one
// arrives; the far end's eventual 487 (or the 2xx it races against) is
// handled the same way any other final response to the INVITE is.
func (s *Session) Cancel(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.State() {
	case StateInitiating, StateRinging:
	default:
		return newInvalidStateErr(s.id, s.State())
	}
	if s.inviteReq == nil {
		return newInvalidStateErr(s.id, s.State())
	}
	if !s.haveProvisional {
		s.cancelPending = true
		return nil
	}
	return s.sendCancelLocked()
}

func (s *Session) sendCancelLocked() error {
	cancelReq := buildCancelRequest(s.inviteReq)
	if _, err := s.txMgr.NewClientTransaction(cancelReq, s.inviteReq.Recipient, s.tk); err != nil {
		return errors.Wrap(err, "send CANCEL")
	}
	return nil
}

// buildCancelRequest constructs the CANCEL for a pending INVITE per RFC
// 3261 §9.1: identical Request-URI, top Via (same branch), Route set,
// From/To/Call-ID and CSeq number as the INVITE, with method CANCEL.
func buildCancelRequest(invite *sip.Request) *sip.Request {
	cancel := sip.NewRequest(sip.CANCEL, invite.Recipient)

	if via, ok := invite.Via(); ok {
		cancel.AppendHeader(&sip.ViaHeader{
			ProtocolName:    via.ProtocolName,
			ProtocolVersion: via.ProtocolVersion,
			Transport:       via.Transport,
			Host:            via.Host,
			Port:            via.Port,
			Params:          via.Params.Clone(),
		})
	}
	for _, r := range invite.GetHeaders("Route") {
		cancel.AppendHeader(r)
	}
	maxFwd := sip.MaxForwards(70)
	cancel.AppendHeader(&maxFwd)
	if from, ok := invite.From(); ok {
		cancel.AppendHeader(&sip.FromHeader{Address: from.Address, Params: from.Params.Clone()})
	}
	if to, ok := invite.To(); ok {
		cancel.AppendHeader(&sip.ToHeader{Address: to.Address, Params: to.Params.Clone()})
	}
	if callID, ok := invite.CallID(); ok {
		cid := sip.CallID(*callID)
		cancel.AppendHeader(&cid)
	}
	if cseq, ok := invite.CSeq(); ok {
		cancel.AppendHeader(&sip.CSeq{SeqNo: cseq.SeqNo, MethodName: sip.CANCEL})
	}
	return cancel
}

// HandleCancel reacts to the transaction layer auto-487ing this session's
// still-pending inbound INVITE (RFC 3261 §9.2): there is nothing left to
// answer, the final response has already gone out, so the session just
// fails.
func (s *Session) HandleCancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.fire(evFailed)
	_ = s.fire(evTerminated)
}

// Hangup implements hangup: sends an in-dialog BYE and moves to
// Terminating. A peer's BYE is accepted by HandleBye, not here.
func (s *Session) Hangup(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dlg == nil {
		return newInvalidStateErr(s.id, s.State())
	}
	if err := s.fire(evHangup); err != nil {
		return err
	}
	req := s.dlg.BuildInDialogRequest(sip.BYE, s.inviteCSeq)
	tx, err := s.txMgr.NewClientTransaction(req, s.dlg.RemoteTarget(), s.tk)
	if err != nil {
		return errors.Wrap(err, "create BYE transaction")
	}
	if ct, ok := tx.(anyClientTx); ok {
		ct.OnResponse(func(resp *sip.Response) {
			s.mu.Lock()
			defer s.mu.Unlock()
			_ = s.dlg.Terminate("BYE sent")
			_ = s.fire(evTerminated)
		})
	}
	if s.cb.OnMediaStop != nil {
		s.cb.OnMediaStop()
	}
	s.bus.Publish(eventbus.TopicMediaStopped, eventbus.MediaEvent{MediaSessionID: s.id})
	return nil
}

// HandleBye implements the peer-initiated half of the Hangup row: accepts
// an inbound BYE, stops media, and terminates.
func (s *Session) HandleBye(serverTx anyServerTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_ = s.fire(evHangup)
	resp := sip.NewResponse(200, "OK")
	if err := serverTx.SendResponse(resp); err != nil {
		return errors.Wrap(err, "accept BYE")
	}
	if s.dlg != nil {
		_ = s.dlg.Terminate("BYE received")
	}
	if s.cb.OnMediaStop != nil {
		s.cb.OnMediaStop()
	}
	return s.fire(evTerminated)
}

// Hold implements hold: re-INVITEs with the local direction downgraded to
// sendonly/inactive (the Active->OnHold transition).
func (s *Session) Hold(ctx context.Context, localAddr string, localPort int) error {
	return s.renegotiate(ctx, localAddr, localPort, s.localMedia.Direction.Hold(), evHold, StateActive)
}

// Resume implements resume: re-INVITEs back to sendrecv.
func (s *Session) Resume(ctx context.Context, localAddr string, localPort int) error {
	return s.renegotiate(ctx, localAddr, localPort, DirectionSendRecv, evResume, StateOnHold)
}

func (s *Session) renegotiate(ctx context.Context, localAddr string, localPort int, dir Direction, event string, requiredFrom State) error {
	s.mu.Lock()
	if s.State() != requiredFrom {
		s.mu.Unlock()
		return newInvalidStateErr(s.id, s.State())
	}
	if s.offerPending {
		s.mu.Unlock()
		return newGlareErr(s.id)
	}
	codecs := s.localMedia.Codecs
	if len(codecs) == 0 {
		codecs = []uint8{0}
	}
	offer := BuildOffer(s.id, localAddr, localPort, codecs, dir, -1)
	body, err := offer.Marshal()
	if err != nil {
		s.mu.Unlock()
		return errors.Wrap(err, "marshal re-INVITE SDP")
	}
	desc, _ := ExtractDescriptor(offer)
	s.localMedia = desc
	s.offerPending = true

	req := s.dlg.BuildInDialogRequest(sip.INVITE, s.inviteCSeq)
	req.AppendHeader(&sip.GenericHeader{HeaderName: "Content-Type", Contents: "application/sdp"})
	req.SetBody(body)
	dest := s.dlg.RemoteTarget()
	s.mu.Unlock()

	tx, err := s.txMgr.NewClientTransaction(req, dest, s.tk)
	if err != nil {
		return errors.Wrap(err, "create re-INVITE transaction")
	}
	if ct, ok := tx.(anyClientTx); ok {
		ct.OnResponse(func(resp *sip.Response) {
			s.mu.Lock()
			defer s.mu.Unlock()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				_ = s.applyRemoteSDPLocked(resp.Body())
				_ = s.fire(event)
			} else {
				// 488/491 etc: prior negotiated SDP stays intact.
				s.offerPending = false
			}
		})
	}
	return nil
}

// HandleReInvite answers an inbound in-dialog INVITE or UPDATE. An offer-less
// request (a session-timer refresh) is answered with a bare 200 OK. An
// offer carrying SDP is negotiated and answered with the complementary
// direction, moving Active<->OnHold to match the offered direction (RFC
// 3264's reuse of INVITE for hold/resume renegotiation).
func (s *Session) HandleReInvite(serverTx anyServerTx, req *sip.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.State() {
	case StateActive, StateOnHold:
	default:
		return newInvalidStateErr(s.id, s.State())
	}

	body := req.Body()
	if len(body) == 0 {
		return serverTx.SendResponse(sip.NewResponse(200, "OK"))
	}

	remote, err := parseSDP(body)
	if err != nil {
		_ = serverTx.SendResponse(sip.NewResponse(488, "Not Acceptable Here"))
		return errors.Wrap(err, "parse re-INVITE SDP")
	}
	desc, err := ExtractDescriptor(remote)
	if err != nil {
		_ = serverTx.SendResponse(sip.NewResponse(488, "Not Acceptable Here"))
		return errors.Wrap(err, "extract remote descriptor")
	}
	pt, err := NegotiateCodec(s.codecs, s.previousPT, s.havePreviousPT)
	if err != nil {
		_ = serverTx.SendResponse(sip.NewResponse(488, "Not Acceptable Here"))
		return errors.Wrap(err, "negotiate codec")
	}

	answerDir := complementDirection(desc.Direction)
	answer := BuildOffer(s.id, s.localAddr, s.localPort, []uint8{pt}, answerDir, s.localMedia.DTMFPT)
	respBody, err := answer.Marshal()
	if err != nil {
		return errors.Wrap(err, "marshal re-INVITE answer")
	}
	localDesc, err := ExtractDescriptor(answer)
	if err != nil {
		return errors.Wrap(err, "extract local descriptor")
	}

	wasOnHold := s.State() == StateOnHold
	s.remoteMedia = desc
	s.localMedia = localDesc
	s.havePreviousPT = true
	s.previousPT = int(pt)

	resp := sip.NewResponse(200, "OK")
	resp.AppendHeader(&sip.GenericHeader{HeaderName: "Content-Type", Contents: "application/sdp"})
	resp.SetBody(respBody)
	if err := serverTx.SendResponse(resp); err != nil {
		return errors.Wrap(err, "send re-INVITE answer")
	}

	nowOnHold := desc.Direction == DirectionSendOnly || desc.Direction == DirectionInactive
	switch {
	case nowOnHold && !wasOnHold:
		_ = s.fire(evHold)
	case !nowOnHold && wasOnHold:
		_ = s.fire(evResume)
	}
	if s.cb.OnMediaStart != nil {
		s.cb.OnMediaStart(s.localMedia, s.remoteMedia)
	}
	return nil
}

// complementDirection returns the local direction that answers an offer
// carrying remote: sendonly/recvonly invert (the peer wants to receive/send
// only, respectively), inactive stays inactive, and anything else (sendrecv)
// is answered in kind.
func complementDirection(remote Direction) Direction {
	switch remote {
	case DirectionSendOnly:
		return DirectionRecvOnly
	case DirectionRecvOnly:
		return DirectionSendOnly
	case DirectionInactive:
		return DirectionInactive
	default:
		return DirectionSendRecv
	}
}

// refreshSession sends the session-timer refresh: an in-dialog re-INVITE
// carrying the currently-negotiated SDP unchanged, reusing renegotiate's
// request-building but skipping any direction/codec change since a
// refresh is not itself an offer/answer renegotiation.
func (s *Session) refreshSession(ctx context.Context) {
	s.mu.Lock()
	if s.State() != StateActive && s.State() != StateOnHold {
		s.mu.Unlock()
		return
	}
	if s.offerPending || s.dlg == nil {
		s.mu.Unlock()
		return
	}
	offer := BuildOffer(s.id, s.localAddr, s.localPort, s.localMedia.Codecs, s.localMedia.Direction, s.localMedia.DTMFPT)
	body, err := offer.Marshal()
	if err != nil {
		s.mu.Unlock()
		return
	}
	s.offerPending = true
	req := s.dlg.BuildInDialogRequest(sip.INVITE, s.inviteCSeq)
	req.AppendHeader(&sip.GenericHeader{HeaderName: "Content-Type", Contents: "application/sdp"})
	req.AppendHeader(&sip.GenericHeader{HeaderName: "Session-Expires", Contents: sessionExpiresHeader(s.timer.interval, s.timer.refresher)})
	req.SetBody(body)
	dest := s.dlg.RemoteTarget()
	s.mu.Unlock()

	tx, err := s.txMgr.NewClientTransaction(req, dest, s.tk)
	if err != nil {
		slog.Debug("session: refresh re-INVITE failed", slog.String("error", err.Error()))
		s.mu.Lock()
		s.offerPending = false
		s.mu.Unlock()
		return
	}
	if ct, ok := tx.(anyClientTx); ok {
		ct.OnResponse(func(resp *sip.Response) {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.offerPending = false
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				s.timer.onSessionEstablished(resp)
			}
		})
		ct.OnTimeout(func(string) {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.cb.OnError != nil {
				s.cb.OnError(fmt.Errorf("session-timer refresh timed out"))
			}
			_ = s.fire(evHangup)
			_ = s.fire(evTerminated)
		})
	}
}

// SendDTMF implements send_dtmf, dual-path: RFC 2833 via
// the media layer if negotiated (DTMFPT >= 0), else SIP INFO.
func (s *Session) SendDTMF(ctx context.Context, digit byte, duration time.Duration, mediaSend func(digit byte, duration time.Duration) error) error {
	s.mu.RLock()
	negotiated := s.remoteMedia.DTMFPT >= 0
	dlg := s.dlg
	seq := s.inviteCSeq
	s.mu.RUnlock()

	if negotiated && mediaSend != nil {
		return mediaSend(digit, duration)
	}
	if dlg == nil {
		return newInvalidStateErr(s.id, s.State())
	}
	req := dlg.BuildInDialogRequest(sip.INFO, seq)
	req.AppendHeader(&sip.GenericHeader{HeaderName: "Content-Type", Contents: "application/dtmf-relay"})
	req.SetBody([]byte(fmt.Sprintf("Signal=%c\r\nDuration=%d\r\n", digit, duration.Milliseconds())))
	_, err := s.txMgr.NewClientTransaction(req, dlg.RemoteTarget(), s.tk)
	return err
}

// Dialog exposes the bound dialog for callers (e.g. transfer) that need
// direct access; returns nil before MakeCall/Incoming completes.
func (s *Session) Dialog() *dialog.Dialog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dlg
}

func parseSDP(body []byte) (*sdp.SessionDescription, error) {
	var desc sdp.SessionDescription
	if err := desc.UnmarshalString(string(body)); err != nil {
		return nil, errors.Wrap(err, "unmarshal SDP")
	}
	return &desc, nil
}
