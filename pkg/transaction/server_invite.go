package transaction

import (
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/coredial/callengine/internal/config"
	"github.com/coredial/callengine/internal/metrics"
	"github.com/coredial/callengine/pkg/eventbus"
	"github.com/coredial/callengine/pkg/timerwheel"
)

// ServerInvite is the INVITE server transaction (IST).
type ServerInvite struct {
	*Base

	currentG time.Duration
	onCancel RequestHandler
}

// NewServerInvite creates an IST in Proceeding for an inbound INVITE. The
// caller (dialog layer) drives state forward by calling SendResponse.
func NewServerInvite(key Key, req *sip.Request, src sip.Uri, tk config.TransportKind, tp Transport, wheel *timerwheel.Wheel, bus *eventbus.Bus, stats *metrics.Collector, timers config.TimerConfig) *ServerInvite {
	t := &ServerInvite{Base: newBase(key, KindInviteServer, req, src, tk, tp, wheel, bus, stats, timers), currentG: timers.T1}
	t.setState(StateProceeding)
	return t
}

// SendResponse lets the TU emit a 1xx (stays Proceeding), 2xx (Terminated,
// since the transaction layer's job ends there — the dialog layer
// retransmits 2xx end-to-end per RFC 6026), or 300-699 (Completed, starts
// G/H).
func (t *ServerInvite) SendResponse(resp *sip.Response) error {
	switch t.State() {
	case StateProceeding:
		switch {
		case resp.StatusCode < 200:
			if err := t.send(resp); err != nil {
				return err
			}
			t.mu.Lock()
			t.lastResponse = resp
			t.mu.Unlock()
			return nil
		case resp.StatusCode < 300:
			if err := t.send(resp); err != nil {
				return err
			}
			t.terminate()
			return nil
		default:
			return t.toCompleted(resp)
		}
	case StateCompleted:
		// Retransmission requested by TU (e.g. in response to a
		// retransmitted ACK-less request) — resend the stored final.
		return t.send(resp)
	}
	return newNoMatchErr(t.key.String())
}

func (t *ServerInvite) toCompleted(resp *sip.Response) error {
	if err := t.send(resp); err != nil {
		return err
	}
	t.setState(StateCompleted)
	t.mu.Lock()
	t.lastResponse = resp
	t.mu.Unlock()
	if !t.reliable() {
		t.startTimer("G", t.currentG, t.onTimerG)
	}
	t.startTimer("H", 64*t.timers.T1, t.onTimerH)
	return nil
}

func (t *ServerInvite) onTimerG() {
	if t.State() != StateCompleted {
		return
	}
	resp := t.LastResponse()
	if resp != nil {
		_ = t.send(resp)
	}
	t.currentG = timerwheel.NextInterval(t.currentG, t.timers.T2)
	t.resetTimer("G", t.currentG)
}

func (t *ServerInvite) onTimerH() {
	if t.State() == StateCompleted {
		t.notifyTimeout("H")
		t.terminate()
	}
}

func (t *ServerInvite) onTimerI() {
	t.terminate()
}

// OnCancel registers the handler invoked when an inbound CANCEL auto-487s
// this transaction's INVITE (RFC 3261 §9.2), so the dialog/session layer
// can tear down the call it never got to answer.
func (t *ServerInvite) OnCancel(h RequestHandler) {
	t.onCancel = h
}

// HandleCancel processes an inbound CANCEL naming this INVITE. While
// still Proceeding it auto-generates 487 Request Terminated (the same
// Completed/timer-G/H path a TU-sent non-2xx takes) and notifies the
// registered cancel handler; once a final response has already gone out
// there is nothing left to cancel.
func (t *ServerInvite) HandleCancel(cancel *sip.Request) error {
	if t.State() != StateProceeding {
		return newNoMatchErr(t.key.String())
	}
	resp := sip.NewResponseFromRequest(t.request, 487, "Request Terminated", nil)
	if err := t.toCompleted(resp); err != nil {
		return err
	}
	if t.onCancel != nil {
		t.onCancel(cancel)
	}
	return nil
}

// HandleRequest processes a retransmitted INVITE or the ACK that moves
// the transaction to Confirmed.
func (t *ServerInvite) HandleRequest(req *sip.Request) {
	switch t.State() {
	case StateProceeding:
		// Retransmitted INVITE: resend the last provisional, if any.
		if resp := t.LastResponse(); resp != nil {
			_ = t.send(resp)
		}
		t.passUpRequest(req)
	case StateCompleted:
		if req.Method == sip.ACK {
			t.stopTimer("G")
			t.stopTimer("H")
			t.setState(StateConfirmed)
			if t.reliable() {
				t.terminate()
				return
			}
			t.startTimer("I", t.timers.T4, t.onTimerI)
			return
		}
		// Retransmitted INVITE while Completed: resend final response.
		if resp := t.LastResponse(); resp != nil {
			_ = t.send(resp)
		}
	case StateConfirmed:
		// Absorb ACK retransmissions silently.
	}
}
