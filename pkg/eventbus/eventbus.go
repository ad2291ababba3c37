// Package eventbus is the cross-layer notification mechanism: no layer
// calls upward by direct reference, and upward signaling happens via
// event subscription instead. It is a typed, topic-keyed pub/sub bus so
// the transaction/dialog/session/media layers can each publish without
// knowing who (if anyone) is listening.
package eventbus

import "sync"

// Topic names one class of cross-layer event.
type Topic string

const (
	TopicTransactionTerminated Topic = "transaction.terminated"
	TopicTransactionTimeout    Topic = "transaction.timeout"
	TopicDialogStateChanged    Topic = "dialog.state_changed"
	TopicSessionStateChanged   Topic = "session.state_changed"
	TopicMediaStarted          Topic = "media.started"
	TopicMediaStopped          Topic = "media.stopped"
	TopicMediaDirectionChanged Topic = "media.direction_changed"
)

// Handler receives an event payload. The concrete type of payload is
// topic-specific; handlers type-assert it themselves, the same way
// looplab/fsm callbacks receive a single *fsm.Event and inspect it.
type Handler func(payload any)

// Bus is a process-local, concurrency-safe pub/sub dispatcher. The zero
// value is not usable; use New.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Topic][]Handler
}

// New returns an empty, ready-to-use Bus.
func New() *Bus {
	return &Bus{handlers: make(map[Topic][]Handler)}
}

// Subscribe registers h to be called, synchronously and in registration
// order, on every Publish to topic. Returns an unsubscribe function.
func (b *Bus) Subscribe(topic Topic, h Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], h)
	idx := len(b.handlers[topic]) - 1
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		hs := b.handlers[topic]
		if idx < len(hs) {
			hs[idx] = nil
		}
	}
}

// Publish invokes every live handler registered for topic with payload.
// Handlers run synchronously on the publisher's goroutine, matching the
// direct-callback-invocation style; a handler that needs to do blocking
// work is expected to hand off to its own goroutine/channel.
func (b *Bus) Publish(topic Topic, payload any) {
	b.mu.RLock()
	hs := make([]Handler, len(b.handlers[topic]))
	copy(hs, b.handlers[topic])
	b.mu.RUnlock()

	for _, h := range hs {
		if h != nil {
			h(payload)
		}
	}
}

// TransactionTerminatedEvent is published on TopicTransactionTerminated.
type TransactionTerminatedEvent struct {
	Key        string
	Kind       string
	FinalState string
}

// TransactionTimeoutEvent is published on TopicTransactionTimeout.
type TransactionTimeoutEvent struct {
	Key    string
	Kind   string
	Timer  string
}

// DialogStateChangedEvent is published on TopicDialogStateChanged.
type DialogStateChangedEvent struct {
	DialogID string
	From     string
	To       string
}

// SessionStateChangedEvent is published on TopicSessionStateChanged.
type SessionStateChangedEvent struct {
	SessionID string
	From      string
	To        string
	Reason    string
}

// MediaEvent is published on TopicMediaStarted/TopicMediaStopped/
// TopicMediaDirectionChanged.
type MediaEvent struct {
	MediaSessionID string
	Direction      string
}
