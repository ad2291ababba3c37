// Package transaction implements the RFC 3261 §17 client/server INVITE and
// non-INVITE transaction state machines: timers A-K, retransmission, and
// reliable response delivery.
//
// Each kind is a Base plus a per-kind struct, with the
// state-function transition shape following emiago-sipgo's
// sip/transaction_client_tx_fsm.go / transaction_server_tx_fsm.go. This
// package consumes *sip.Request / *sip.Response from
// github.com/emiago/sipgo/sip directly instead of a hand-rolled message
// type, since SIP parsing is an external concern.
package transaction

import (
	"context"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/coredial/callengine/internal/config"
	"github.com/coredial/callengine/internal/metrics"
	"github.com/coredial/callengine/pkg/eventbus"
	"github.com/coredial/callengine/pkg/timerwheel"
)

// Transport is the narrow sending surface the transaction layer depends
// on; pkg/transportfacade implements it. Kept as a local interface (rather
// than importing transportfacade) so the dependency points the expected
// direction: transport is external to the transaction FSMs, never the
// other way round.
type Transport interface {
	Send(ctx context.Context, msg sip.Message, dest sip.Uri, kind config.TransportKind) error
	Reliable(kind config.TransportKind) bool
}

// ResponseHandler receives each response a client transaction passes up to
// the TU; retransmitted final responses absorbed in Completed are not
// passed up again.
type ResponseHandler func(resp *sip.Response)

// RequestHandler receives every in-state request a server transaction
// absorbs or re-dispatches (used by TU to resend the last provisional on a
// retransmitted request in Proceeding).
type RequestHandler func(req *sip.Request)

// TimeoutHandler is invoked when a timeout timer (B, F, H) fires.
type TimeoutHandler func(timer string)

// TransportErrorHandler is invoked when Transport.Send fails.
type TransportErrorHandler func(err error)

// Base holds the fields and synchronization shared by all four kinds.
type Base struct {
	mu sync.Mutex

	key    Key
	kind   Kind
	state  State
	wheel  *timerwheel.Wheel
	bus    *eventbus.Bus
	stats  *metrics.Collector
	tp     Transport

	request      *sip.Request
	lastResponse *sip.Response
	dest         sip.Uri
	transportKind config.TransportKind

	timers config.TimerConfig

	createdAt time.Time

	onResponse      ResponseHandler
	onRequest       RequestHandler
	onTimeout       TimeoutHandler
	onTransportErr  TransportErrorHandler

	ctx    context.Context
	cancel context.CancelFunc

	activeTimers map[string]timerwheel.ID
}

func newBase(key Key, kind Kind, req *sip.Request, dest sip.Uri, tk config.TransportKind, tp Transport, wheel *timerwheel.Wheel, bus *eventbus.Bus, stats *metrics.Collector, timers config.TimerConfig) *Base {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Base{
		key:           key,
		kind:          kind,
		request:       req,
		dest:          dest,
		transportKind: tk,
		tp:            tp,
		wheel:         wheel,
		bus:           bus,
		stats:         stats,
		timers:        timers,
		createdAt:     time.Now(),
		ctx:           ctx,
		cancel:        cancel,
		activeTimers:  make(map[string]timerwheel.ID),
	}
	stats.ObserveTransactionCreated(kind.String())
	return b
}

// Key returns the transaction's matching key.
func (b *Base) Key() Key { return b.key }

// Kind returns which of the four FSMs this transaction runs.
func (b *Base) Kind() Kind { return b.kind }

// State returns the current FSM state.
func (b *Base) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Request returns the request that created this transaction.
func (b *Base) Request() *sip.Request { return b.request }

// LastResponse returns the last response sent/received, if any.
func (b *Base) LastResponse() *sip.Response {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastResponse
}

// Context is canceled when the transaction reaches Terminated.
func (b *Base) Context() context.Context { return b.ctx }

func (b *Base) setState(s State) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
}

// OnResponse registers the handler invoked for every response the TU
// should observe.
func (b *Base) OnResponse(h ResponseHandler) { b.onResponse = h }

// OnRequest registers the handler invoked for in-state requests a server
// transaction re-dispatches to the TU.
func (b *Base) OnRequest(h RequestHandler) { b.onRequest = h }

// OnTimeout registers the handler invoked when a timeout timer fires.
func (b *Base) OnTimeout(h TimeoutHandler) { b.onTimeout = h }

// OnTransportError registers the handler invoked on send failure.
func (b *Base) OnTransportError(h TransportErrorHandler) { b.onTransportErr = h }

func (b *Base) passUpResponse(resp *sip.Response) {
	b.mu.Lock()
	b.lastResponse = resp
	b.mu.Unlock()
	if b.onResponse != nil {
		b.onResponse(resp)
	}
}

func (b *Base) passUpRequest(req *sip.Request) {
	if b.onRequest != nil {
		b.onRequest(req)
	}
}

func (b *Base) notifyTimeout(timer string) {
	if b.onTimeout != nil {
		b.onTimeout(timer)
	}
	b.bus.Publish(eventbus.TopicTransactionTimeout, eventbus.TransactionTimeoutEvent{
		Key: b.key.String(), Kind: b.kind.String(), Timer: timer,
	})
}

func (b *Base) notifyTransportErr(err error) {
	if b.onTransportErr != nil {
		b.onTransportErr(err)
	}
}

// terminate transitions to Terminated, cancels every running timer, and
// publishes TopicTransactionTerminated. It is idempotent.
func (b *Base) terminate() {
	b.mu.Lock()
	if b.state == StateTerminated {
		b.mu.Unlock()
		return
	}
	b.state = StateTerminated
	for name, id := range b.activeTimers {
		b.wheel.Cancel(id)
		delete(b.activeTimers, name)
	}
	b.mu.Unlock()

	b.cancel()
	b.stats.ObserveTransactionTerminated(b.kind.String(), "Terminated", time.Since(b.createdAt).Seconds())
	b.bus.Publish(eventbus.TopicTransactionTerminated, eventbus.TransactionTerminatedEvent{
		Key: b.key.String(), Kind: b.kind.String(), FinalState: "Terminated",
	})
}

func (b *Base) startTimer(name string, d time.Duration, fire func()) {
	if d <= 0 {
		return
	}
	id := b.wheel.Schedule(d, fire)
	b.mu.Lock()
	b.activeTimers[name] = id
	b.mu.Unlock()
}

func (b *Base) resetTimer(name string, d time.Duration) {
	b.mu.Lock()
	id, ok := b.activeTimers[name]
	b.mu.Unlock()
	if ok {
		b.wheel.Reset(id, d)
	}
}

func (b *Base) stopTimer(name string) {
	b.mu.Lock()
	id, ok := b.activeTimers[name]
	if ok {
		delete(b.activeTimers, name)
	}
	b.mu.Unlock()
	if ok {
		b.wheel.Cancel(id)
	}
}

func (b *Base) send(msg sip.Message) error {
	if err := b.tp.Send(b.ctx, msg, b.dest, b.transportKind); err != nil {
		b.notifyTransportErr(err)
		return err
	}
	return nil
}

func (b *Base) reliable() bool {
	return b.tp.Reliable(b.transportKind)
}
