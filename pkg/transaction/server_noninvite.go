package transaction

import (
	"github.com/emiago/sipgo/sip"

	"github.com/coredial/callengine/internal/config"
	"github.com/coredial/callengine/internal/metrics"
	"github.com/coredial/callengine/pkg/eventbus"
	"github.com/coredial/callengine/pkg/timerwheel"
)

// ServerNonInvite is the non-INVITE server transaction (NIST).
type ServerNonInvite struct {
	*Base
}

// NewServerNonInvite creates a NIST in Trying for an inbound non-INVITE
// request.
func NewServerNonInvite(key Key, req *sip.Request, src sip.Uri, tk config.TransportKind, tp Transport, wheel *timerwheel.Wheel, bus *eventbus.Bus, stats *metrics.Collector, timers config.TimerConfig) *ServerNonInvite {
	t := &ServerNonInvite{Base: newBase(key, KindNonInviteServer, req, src, tk, tp, wheel, bus, stats, timers)}
	t.setState(StateTrying)
	return t
}

// SendResponse lets the TU emit a 1xx (Trying/Proceeding -> Proceeding) or
// a final response (-> Completed, starts J)
func (t *ServerNonInvite) SendResponse(resp *sip.Response) error {
	switch t.State() {
	case StateTrying, StateProceeding:
		if err := t.send(resp); err != nil {
			return err
		}
		t.mu.Lock()
		t.lastResponse = resp
		t.mu.Unlock()
		if resp.StatusCode < 200 {
			t.setState(StateProceeding)
			return nil
		}
		t.setState(StateCompleted)
		if t.reliable() {
			t.terminate()
			return nil
		}
		t.startTimer("J", 64*t.timers.T1, t.onTimerJ)
		return nil
	case StateCompleted:
		return t.send(resp)
	}
	return newNoMatchErr(t.key.String())
}

func (t *ServerNonInvite) onTimerJ() {
	t.terminate()
}

// HandleRequest absorbs a retransmitted request, resending the last
// provisional while Proceeding or the final response while Completed.
func (t *ServerNonInvite) HandleRequest(req *sip.Request) {
	switch t.State() {
	case StateTrying:
		t.passUpRequest(req)
	case StateProceeding, StateCompleted:
		if resp := t.LastResponse(); resp != nil {
			_ = t.send(resp)
		}
	}
}
