package transaction

import (
	"context"
	"fmt"
	"sync"

	"github.com/emiago/sipgo/sip"

	"github.com/coredial/callengine/internal/config"
	"github.com/coredial/callengine/internal/metrics"
	"github.com/coredial/callengine/pkg/eventbus"
	"github.com/coredial/callengine/pkg/idgen"
	"github.com/coredial/callengine/pkg/timerwheel"
)

// anyTx is implemented by all four concrete transaction kinds; it is the
// common surface the Manager's table stores and looks up.
type anyTx interface {
	Key() Key
	Kind() Kind
	State() State
	Request() *sip.Request
}

// Manager owns the process-wide, concurrent transaction table: entries
// are inserted/removed only by the transaction layer itself, and lookups
// are lock-free on the hot path.
type Manager struct {
	clients sync.Map // Key -> anyTx (ClientInvite | ClientNonInvite)
	servers sync.Map // Key -> anyTx (ServerInvite | ServerNonInvite)

	wheel *timerwheel.Wheel
	bus   *eventbus.Bus
	stats *metrics.Collector
	tp    Transport
	timers config.TimerConfig

	onServerRequest func(tx anyTx, req *sip.Request)
}

// NewManager constructs a Manager. wheel/bus/stats/tp are shared,
// process-scoped collaborators; there is no hidden global state.
func NewManager(tp Transport, wheel *timerwheel.Wheel, bus *eventbus.Bus, stats *metrics.Collector, timers config.TimerConfig) *Manager {
	return &Manager{wheel: wheel, bus: bus, stats: stats, tp: tp, timers: timers}
}

// OnNewServerTransaction registers the handler invoked whenever a fresh
// inbound request creates a new server transaction (the dialog layer's
// entry point data flow: "Transport → Transaction (match
// or create) → Dialog").
func (m *Manager) OnNewServerTransaction(h func(tx anyTx, req *sip.Request)) {
	m.onServerRequest = h
}

// NewClientTransaction creates and starts a client transaction (ICT for
// INVITE, NICT otherwise) for an outbound request to dest, branding it
// with a fresh branch if req doesn't already carry one.
func (m *Manager) NewClientTransaction(req *sip.Request, dest sip.Uri, tk config.TransportKind) (anyTx, error) {
	branch, err := ensureBranch(req)
	if err != nil {
		return nil, err
	}
	key := KeyFromRequest(req, branch, RoleClient)
	if _, exists := m.clients.Load(key); exists {
		return nil, newDuplicateErr(key.String())
	}

	var tx anyTx
	if req.Method == sip.INVITE {
		ict := NewClientInvite(key, req, dest, tk, m.tp, m.wheel, m.bus, m.stats, m.timers)
		ict.OnTimeout(func(string) { m.remove(&m.clients, key) })
		tx = ict
	} else {
		nict := NewClientNonInvite(key, req, dest, tk, m.tp, m.wheel, m.bus, m.stats, m.timers)
		tx = nict
	}
	m.clients.Store(key, tx)
	go m.reapOnTerminate(&m.clients, key, tx)
	return tx, nil
}

// HandleResponse matches an inbound response to its client transaction
// and feeds it the response. Returns false if no transaction matched (a
// stray/retransmitted response after cleanup).
func (m *Manager) HandleResponse(resp *sip.Response) bool {
	key, err := KeyFromResponseMatch(resp)
	if err != nil {
		return false
	}
	v, ok := m.clients.Load(key)
	if !ok {
		return false
	}
	switch tx := v.(type) {
	case *ClientInvite:
		tx.HandleResponse(resp)
	case *ClientNonInvite:
		tx.HandleResponse(resp)
	}
	return true
}

// HandleRequest matches an inbound request to an existing server
// transaction (retransmission, CANCEL, or ACK for a non-2xx final) or
// creates a new one.
func (m *Manager) HandleRequest(req *sip.Request, src sip.Uri, tk config.TransportKind) (anyTx, error) {
	key, err := KeyFromRequestMatch(req)
	if err != nil {
		return nil, err
	}

	if req.Method == sip.CANCEL {
		return m.handleCancel(req, key, src, tk)
	}

	if v, ok := m.servers.Load(key); ok {
		tx := v.(anyTx)
		switch concrete := tx.(type) {
		case *ServerInvite:
			concrete.HandleRequest(req)
		case *ServerNonInvite:
			concrete.HandleRequest(req)
		}
		return tx, nil
	}

	var tx anyTx
	if req.Method == sip.INVITE {
		ist := NewServerInvite(key, req, src, tk, m.tp, m.wheel, m.bus, m.stats, m.timers)
		tx = ist
	} else {
		nist := NewServerNonInvite(key, req, src, tk, m.tp, m.wheel, m.bus, m.stats, m.timers)
		tx = nist
	}
	m.servers.Store(key, tx)
	go m.reapOnTerminate(&m.servers, key, tx)

	if m.onServerRequest != nil {
		m.onServerRequest(tx, req)
	}
	return tx, nil
}

// handleCancel implements the UAS half of RFC 3261 §9.2: the CANCEL
// itself is always answered with 200 OK directly (it creates no
// transaction state of its own), and if the INVITE it names is still
// Proceeding, that transaction auto-generates 487 Request Terminated. A
// CANCEL naming no live INVITE gets 481 Call/Transaction Does Not Exist.
func (m *Manager) handleCancel(cancel *sip.Request, key Key, src sip.Uri, tk config.TransportKind) (anyTx, error) {
	tx, ok := m.Lookup(key)
	if !ok {
		resp := sip.NewResponseFromRequest(cancel, 481, "Call/Transaction Does Not Exist", nil)
		_ = m.tp.Send(context.Background(), resp, src, tk)
		return nil, newNoMatchErr(key.String())
	}
	ist, ok := tx.(*ServerInvite)
	if !ok {
		return nil, newNoMatchErr(key.String())
	}

	resp := sip.NewResponseFromRequest(cancel, 200, "OK", nil)
	_ = m.tp.Send(context.Background(), resp, src, tk)

	if err := ist.HandleCancel(cancel); err != nil {
		return ist, err
	}
	return ist, nil
}

// Lookup returns the transaction stored for key, if any — used by the
// CANCEL handling path to find the INVITE server transaction being
// canceled (same branch, normalized method).
func (m *Manager) Lookup(key Key) (anyTx, bool) {
	var table *sync.Map
	if key.Role == RoleClient {
		table = &m.clients
	} else {
		table = &m.servers
	}
	v, ok := table.Load(key)
	if !ok {
		return nil, false
	}
	return v.(anyTx), true
}

func (m *Manager) remove(table *sync.Map, key Key) {
	table.Delete(key)
}

// reapOnTerminate blocks until tx's context is canceled (i.e. it reaches
// Terminated) then removes it from table. A transaction is destroyed
// once Terminated plus its termination grace interval elapses; that
// grace interval is timers D/H/I/J/K themselves, already elapsed by the
// time Terminated is reached, so removal here is immediate and correct.
func (m *Manager) reapOnTerminate(table *sync.Map, key Key, tx anyTx) {
	ctx := contextOf(tx)
	if ctx == nil {
		return
	}
	<-ctx.Done()
	table.Delete(key)
}

func contextOf(tx anyTx) interface{ Done() <-chan struct{} } {
	switch concrete := tx.(type) {
	case *ClientInvite:
		return concrete.Context()
	case *ClientNonInvite:
		return concrete.Context()
	case *ServerInvite:
		return concrete.Context()
	case *ServerNonInvite:
		return concrete.Context()
	}
	return nil
}

func ensureBranch(req *sip.Request) (string, error) {
	via, ok := req.Via()
	if !ok {
		return "", fmt.Errorf("request missing Via header")
	}
	if branch, ok := via.Params.Get("branch"); ok && branch != "" {
		return branch, nil
	}
	branch := idgen.NewBranch()
	via.Params.Add("branch", branch)
	return branch, nil
}
