package session

import (
	"sync"

	"github.com/coredial/callengine/internal/metrics"
	"github.com/coredial/callengine/pkg/eventbus"
)

// Manager owns the process-wide session table, keyed by the session
// layer's own opaque ID.
type Manager struct {
	table sync.Map // id -> *Session

	bus   *eventbus.Bus
	stats *metrics.Collector
}

// NewManager returns an empty, ready-to-use session table.
func NewManager(bus *eventbus.Bus, stats *metrics.Collector) *Manager {
	return &Manager{bus: bus, stats: stats}
}

// Register adds s to the table and arranges for its removal once it
// reaches Terminated, mirroring dialog.Manager.Register.
func (m *Manager) Register(s *Session) {
	id := s.ID()
	m.table.Store(id, s)
	if m.bus == nil {
		return
	}
	var unsubscribe func()
	unsubscribe = m.bus.Subscribe(eventbus.TopicSessionStateChanged, func(payload any) {
		ev, ok := payload.(eventbus.SessionStateChangedEvent)
		if !ok || ev.SessionID != id || ev.To != string(StateTerminated) {
			return
		}
		m.table.Delete(id)
		unsubscribe()
	})
}

// Lookup returns the session stored for id, if any.
func (m *Manager) Lookup(id string) (*Session, bool) {
	v, ok := m.table.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Session), true
}

// LookupByDialog finds the session bound to a given dialog ID, scanning
// the table (sessions are few relative to dialogs and this is only used
// for routing in-dialog requests to their owning session).
func (m *Manager) LookupByDialog(dialogID string) (*Session, bool) {
	var found *Session
	m.table.Range(func(_, v any) bool {
		s := v.(*Session)
		if d := s.Dialog(); d != nil && d.ID().String() == dialogID {
			found = s
			return false
		}
		return true
	})
	return found, found != nil
}

// Count returns the number of sessions currently tracked.
func (m *Manager) Count() int {
	n := 0
	m.table.Range(func(_, _ any) bool { n++; return true })
	return n
}
