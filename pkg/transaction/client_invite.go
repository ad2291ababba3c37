package transaction

import (
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/coredial/callengine/internal/config"
	"github.com/coredial/callengine/internal/metrics"
	"github.com/coredial/callengine/pkg/eventbus"
	"github.com/coredial/callengine/pkg/timerwheel"
)

// timerDDuration is Timer D's unreliable-transport value:
// 32s, long enough to absorb final-response retransmissions (RFC 3261
// §17.1.1.2).
const timerDDuration = 32 * time.Second

// ClientInvite is the INVITE client transaction (ICT).
type ClientInvite struct {
	*Base

	currentA time.Duration

	// non2xxAck is the ACK built for a 300-699 final response, sent on
	// first entry to Completed and resent verbatim for every
	// retransmission of that same final response (RFC 3261 §17.1.1.3).
	non2xxAck *sip.Request
}

// NewClientInvite creates an ICT, sends the initial INVITE, and starts
// timers A (retransmit, unreliable only) and B (timeout).
func NewClientInvite(key Key, req *sip.Request, dest sip.Uri, tk config.TransportKind, tp Transport, wheel *timerwheel.Wheel, bus *eventbus.Bus, stats *metrics.Collector, timers config.TimerConfig) *ClientInvite {
	t := &ClientInvite{Base: newBase(key, KindInviteClient, req, dest, tk, tp, wheel, bus, stats, timers), currentA: timers.T1}
	t.setState(StateCalling)
	go t.start()
	return t
}

func (t *ClientInvite) start() {
	if err := t.send(t.request); err != nil {
		t.terminate()
		return
	}
	if !t.reliable() {
		t.startTimer("A", t.timers.T1, t.onTimerA)
	}
	t.startTimer("B", 64*t.timers.T1, t.onTimerB)
}

func (t *ClientInvite) onTimerA() {
	if t.State() != StateCalling {
		return
	}
	if err := t.send(t.request); err != nil {
		t.terminate()
		return
	}
	t.currentA = timerwheel.NextInterval(t.currentA, t.timers.T2)
	t.resetTimer("A", t.currentA)
}

func (t *ClientInvite) onTimerB() {
	switch t.State() {
	case StateCalling, StateProceeding:
		t.notifyTimeout("B")
		t.terminate()
	}
}

func (t *ClientInvite) onTimerD() {
	t.terminate()
}

// HandleResponse advances the ICT FSM on an inbound response, per the
// exact ICT transition table.
func (t *ClientInvite) HandleResponse(resp *sip.Response) {
	switch t.State() {
	case StateCalling:
		t.handleInCalling(resp)
	case StateProceeding:
		t.handleInProceeding(resp)
	case StateCompleted:
		t.handleInCompleted(resp)
	}
}

func (t *ClientInvite) handleInCalling(resp *sip.Response) {
	switch {
	case resp.StatusCode < 200:
		t.setState(StateProceeding)
		t.stopTimer("A")
		t.passUpResponse(resp)
	case resp.StatusCode < 300:
		t.stopTimer("A")
		t.stopTimer("B")
		t.passUpResponse(resp)
		t.terminate()
	default:
		t.toCompleted(resp)
	}
}

func (t *ClientInvite) handleInProceeding(resp *sip.Response) {
	switch {
	case resp.StatusCode < 200:
		t.passUpResponse(resp)
	case resp.StatusCode < 300:
		t.stopTimer("B")
		t.passUpResponse(resp)
		t.terminate()
	default:
		t.toCompleted(resp)
	}
}

// handleInCompleted absorbs retransmissions of the final response: per
// RFC 3261 §17.1.1.2 these are not passed to the TU again, only re-ACKed.
func (t *ClientInvite) handleInCompleted(resp *sip.Response) {
	if resp.StatusCode >= 300 && t.non2xxAck != nil {
		_ = t.send(t.non2xxAck)
	}
}

// toCompleted handles the 300-699 transition shared by Calling and
// Proceeding: move to Completed, build and send the ACK this final
// response requires (RFC 3261 §17.1.1.3 — for non-2xx, the client
// transaction itself generates the ACK, not the dialog layer), and start
// timer D.
func (t *ClientInvite) toCompleted(resp *sip.Response) {
	t.stopTimer("A")
	t.stopTimer("B")
	t.setState(StateCompleted)
	t.passUpResponse(resp)
	t.non2xxAck = t.buildNon2xxAck(resp)
	_ = t.send(t.non2xxAck)
	if t.reliable() {
		t.terminate()
		return
	}
	t.startTimer("D", timerDDuration, t.onTimerD)
}

// buildNon2xxAck constructs the ACK for a 300-699 final response per RFC
// 3261 §17.1.1.3: Call-ID, From, and Request-URI copied from the original
// INVITE; To taken from the response (carrying the remote tag); CSeq
// reusing the INVITE's sequence number with method ACK; a single Via
// equal to the INVITE's top Via (this ACK is hop-by-hop, unlike a 2xx
// ACK); and Route either copied from the INVITE, if it carried one, or
// derived from the response's Record-Route set.
func (t *ClientInvite) buildNon2xxAck(resp *sip.Response) *sip.Request {
	req := t.request
	ack := sip.NewRequest(sip.ACK, req.Recipient)

	if via, ok := req.Via(); ok {
		ack.AppendHeader(&sip.ViaHeader{
			ProtocolName:    via.ProtocolName,
			ProtocolVersion: via.ProtocolVersion,
			Transport:       via.Transport,
			Host:            via.Host,
			Port:            via.Port,
			Params:          via.Params.Clone(),
		})
	}

	if routes := req.GetHeaders("Route"); len(routes) > 0 {
		for _, r := range routes {
			ack.AppendHeader(r)
		}
	} else {
		hdrs := resp.GetHeaders("Record-Route")
		for i := len(hdrs) - 1; i >= 0; i-- {
			if rr, ok := hdrs[i].(*sip.RecordRouteHeader); ok {
				ack.AppendHeader(&sip.RouteHeader{Address: rr.Address})
			}
		}
	}

	maxFwd := sip.MaxForwards(70)
	ack.AppendHeader(&maxFwd)

	if from, ok := req.From(); ok {
		ack.AppendHeader(&sip.FromHeader{Address: from.Address, Params: from.Params.Clone()})
	}
	if to, ok := resp.To(); ok {
		ack.AppendHeader(&sip.ToHeader{Address: to.Address, Params: to.Params.Clone()})
	}
	if callID, ok := req.CallID(); ok {
		cid := sip.CallID(*callID)
		ack.AppendHeader(&cid)
	}
	if cseq, ok := req.CSeq(); ok {
		ack.AppendHeader(&sip.CSeq{SeqNo: cseq.SeqNo, MethodName: sip.ACK})
	}

	return ack
}
