package transaction

import (
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/coredial/callengine/internal/config"
	"github.com/coredial/callengine/internal/metrics"
	"github.com/coredial/callengine/pkg/eventbus"
	"github.com/coredial/callengine/pkg/timerwheel"
)

// ClientNonInvite is the non-INVITE client transaction (NICT).
type ClientNonInvite struct {
	*Base

	currentE time.Duration
}

// NewClientNonInvite creates a NICT, sends the request, and starts timers
// E (retransmit) and F (timeout).
func NewClientNonInvite(key Key, req *sip.Request, dest sip.Uri, tk config.TransportKind, tp Transport, wheel *timerwheel.Wheel, bus *eventbus.Bus, stats *metrics.Collector, timers config.TimerConfig) *ClientNonInvite {
	t := &ClientNonInvite{Base: newBase(key, KindNonInviteClient, req, dest, tk, tp, wheel, bus, stats, timers), currentE: timers.T1}
	t.setState(StateTrying)
	go t.start()
	return t
}

func (t *ClientNonInvite) start() {
	if err := t.send(t.request); err != nil {
		t.terminate()
		return
	}
	if !t.reliable() {
		t.startTimer("E", t.currentE, t.onTimerE)
	}
	t.startTimer("F", 64*t.timers.T1, t.onTimerF)
}

func (t *ClientNonInvite) onTimerE() {
	switch t.State() {
	case StateTrying, StateProceeding:
	default:
		return
	}
	if err := t.send(t.request); err != nil {
		t.terminate()
		return
	}
	t.currentE = timerwheel.NextInterval(t.currentE, t.timers.T2)
	t.resetTimer("E", t.currentE)
}

func (t *ClientNonInvite) onTimerF() {
	switch t.State() {
	case StateTrying, StateProceeding:
		t.notifyTimeout("F")
		t.terminate()
	}
}

func (t *ClientNonInvite) onTimerK() {
	t.terminate()
}

// HandleResponse advances the NICT FSM on an inbound response.
func (t *ClientNonInvite) HandleResponse(resp *sip.Response) {
	switch t.State() {
	case StateTrying, StateProceeding:
		if resp.StatusCode < 200 {
			t.setState(StateProceeding)
			t.passUpResponse(resp)
			return
		}
		t.stopTimer("E")
		t.stopTimer("F")
		t.setState(StateCompleted)
		t.passUpResponse(resp)
		if t.reliable() {
			t.terminate()
			return
		}
		t.startTimer("K", t.timers.T4, t.onTimerK)
	case StateCompleted:
		// Retransmitted final response absorbed silently.
	}
}
