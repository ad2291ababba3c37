package dialog

import (
	"sync"

	"github.com/emiago/sipgo/sip"

	"github.com/coredial/callengine/internal/metrics"
	"github.com/coredial/callengine/pkg/eventbus"
)

// Manager owns the process-wide dialog table, keyed by DialogId and
// concurrent-safe like the transaction table.
type Manager struct {
	table sync.Map // ID.String() -> *Dialog

	bus   *eventbus.Bus
	stats *metrics.Collector
}

// NewManager returns an empty, ready-to-use dialog table.
func NewManager(bus *eventbus.Bus, stats *metrics.Collector) *Manager {
	return &Manager{bus: bus, stats: stats}
}

// Register adds d to the table and arranges for its removal once it
// reaches Terminated. Subscribing on the event bus rather than setting
// d.OnStateChange directly leaves that single-handler slot free for the
// session layer's own subscriber.
func (m *Manager) Register(d *Dialog) {
	id := d.ID().String()
	m.table.Store(id, d)
	m.stats.ObserveDialogState(string(d.State()), true)
	if m.bus == nil {
		return
	}
	var unsubscribe func()
	unsubscribe = m.bus.Subscribe(eventbus.TopicDialogStateChanged, func(payload any) {
		ev, ok := payload.(eventbus.DialogStateChangedEvent)
		if !ok || ev.DialogID != id || ev.To != string(StateTerminated) {
			return
		}
		m.table.Delete(id)
		m.stats.ObserveDialogState(ev.To, false)
		unsubscribe()
	})
}

// Lookup returns the dialog stored for id, if any.
func (m *Manager) Lookup(id ID) (*Dialog, bool) {
	v, ok := m.table.Load(id.String())
	if !ok {
		return nil, false
	}
	return v.(*Dialog), true
}

// Match implements match_request end to end: computes req's ID and
// looks it up in the table.
func (m *Manager) Match(req *sip.Request) (*Dialog, error) {
	id, err := MatchRequest(req)
	if err != nil {
		return nil, err
	}
	d, ok := m.Lookup(id)
	if !ok {
		return nil, newNoMatchErr(id.String())
	}
	return d, nil
}

// Count returns the number of dialogs currently tracked.
func (m *Manager) Count() int {
	n := 0
	m.table.Range(func(_, _ any) bool { n++; return true })
	return n
}
