// Package dialog implements the RFC 3261 dialog layer: dialog
// identification, route-set construction, CSeq tracking, and the
// Early/Confirmed/Recovering/Terminated lifecycle, built directly against
// github.com/emiago/sipgo/sip's header types (FromHeader/ToHeader/
// ContactHeader/RouteHeader).
package dialog

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/looplab/fsm"
	"github.com/pkg/errors"

	"github.com/coredial/callengine/pkg/eventbus"
	"github.com/coredial/callengine/pkg/idgen"
)

// dialogCreatingMethods is the set of methods that may establish a
// dialog, per RFC 3261 §12 and the extensions that create one
// (SUBSCRIBE/NOTIFY per RFC 6665, REFER per RFC 3515).
var dialogCreatingMethods = map[sip.RequestMethod]bool{
	sip.INVITE:    true,
	sip.SUBSCRIBE: true,
	sip.REFER:     true,
	sip.NOTIFY:    true,
}

// IsDialogCreating reports whether method may establish a new dialog.
func IsDialogCreating(method sip.RequestMethod) bool {
	return dialogCreatingMethods[method]
}

// tagParams builds a single-entry param set for a From/To tag. HeaderParams.Add
// takes a pointer receiver, so it cannot be chained directly off NewParams()'s
// return value; every real sipgo call site builds the variable first.
func tagParams(tag string) sip.HeaderParams {
	p := sip.NewParams()
	p.Add("tag", tag)
	return p
}

// Dialog is one RFC 3261 dialog: the call-id/tag-pair-scoped context
// shared by every in-dialog request/response. A Dialog is fully
// constructed only once both tags are known, so ID() is always valid,
// rather than tracking a half-built ID string.
type Dialog struct {
	mu sync.RWMutex

	fsm *fsm.FSM

	id ID

	isInitiator bool
	secure      bool

	localURI, remoteURI     sip.Uri
	localTarget, remoteTarget sip.Uri

	localSeq  atomic.Uint32
	remoteSeq atomic.Uint32

	routeSet RouteSet

	createdAt    time.Time
	lastActivity time.Time

	bus *eventbus.Bus

	onStateChange func(State)
}

// buildParams bundles the fields needed to construct a Dialog; both
// constructors below fill it differently depending on which side is
// building the dialog.
type buildParams struct {
	id            ID
	isInitiator   bool
	secure        bool
	localURI      sip.Uri
	remoteURI     sip.Uri
	localTarget   sip.Uri
	remoteTarget  sip.Uri
	routeSet      RouteSet
	localSeq      uint32
	remoteSeq     uint32
	initialState  State
}

func newDialog(p buildParams, bus *eventbus.Bus) *Dialog {
	d := &Dialog{
		id:           p.id,
		isInitiator:  p.isInitiator,
		secure:       p.secure,
		localURI:     p.localURI,
		remoteURI:    p.remoteURI,
		localTarget:  p.localTarget,
		remoteTarget: p.remoteTarget,
		routeSet:     p.routeSet,
		createdAt:    time.Now(),
		bus:          bus,
	}
	d.lastActivity = d.createdAt
	d.localSeq.Store(p.localSeq)
	d.remoteSeq.Store(p.remoteSeq)
	d.initFSM(p.initialState)
	return d
}

func (d *Dialog) initFSM(initial State) {
	d.fsm = fsm.NewFSM(
		string(StateInitial),
		fsm.Events{
			{Name: eventName(StateInitial, StateEarly), Src: []string{string(StateInitial)}, Dst: string(StateEarly)},
			{Name: eventName(StateInitial, StateConfirmed), Src: []string{string(StateInitial)}, Dst: string(StateConfirmed)},
			{Name: eventName(StateEarly, StateConfirmed), Src: []string{string(StateEarly)}, Dst: string(StateConfirmed)},
			{Name: eventName(StateEarly, StateTerminated), Src: []string{string(StateEarly)}, Dst: string(StateTerminated)},
			{Name: eventName(StateConfirmed, StateTerminated), Src: []string{string(StateConfirmed)}, Dst: string(StateTerminated)},
			{Name: eventName(StateConfirmed, StateRecovering), Src: []string{string(StateConfirmed)}, Dst: string(StateRecovering)},
			{Name: eventName(StateRecovering, StateConfirmed), Src: []string{string(StateRecovering)}, Dst: string(StateConfirmed)},
			{Name: eventName(StateRecovering, StateTerminated), Src: []string{string(StateRecovering)}, Dst: string(StateTerminated)},
		},
		fsm.Callbacks{
			"after_event": d.afterStateChange,
		},
	)
	// Drive straight to the real initial state (Early or Confirmed); the
	// FSM's own zero state, Initial, exists only as a transient root so
	// every real transition has a declared source.
	_ = d.fsm.Event(context.Background(), eventName(StateInitial, initial))
}

func (d *Dialog) afterStateChange(_ context.Context, e *fsm.Event) {
	d.mu.Lock()
	d.lastActivity = time.Now()
	handler := d.onStateChange
	d.mu.Unlock()

	if handler != nil {
		handler(State(e.Dst))
	}
	if d.bus != nil {
		d.bus.Publish(eventbus.TopicDialogStateChanged, eventbus.DialogStateChangedEvent{
			DialogID: d.id.String(), From: e.Src, To: e.Dst,
		})
	}
}

// ID returns the dialog's (Call-ID, local-tag, remote-tag) identity.
func (d *Dialog) ID() ID { return d.id }

// State returns the current lifecycle state.
func (d *Dialog) State() State { return State(d.fsm.Current()) }

// IsInitiator reports whether this side sent the dialog-creating INVITE.
func (d *Dialog) IsInitiator() bool { return d.isInitiator }

// LocalSeq returns the last local CSeq number used for a non-ACK
// in-dialog request.
func (d *Dialog) LocalSeq() uint32 { return d.localSeq.Load() }

// RemoteSeq returns the last CSeq number seen on an inbound in-dialog
// request.
func (d *Dialog) RemoteSeq() uint32 { return d.remoteSeq.Load() }

// RemoteTarget returns the peer's Contact URI.
func (d *Dialog) RemoteTarget() sip.Uri {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.remoteTarget
}

// RouteSet returns the frozen (post-Confirmed) or in-progress route set.
func (d *Dialog) RouteSet() RouteSet {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.routeSet
}

// OnStateChange registers the handler invoked on every lifecycle
// transition (used by the session coordinator to react to Confirmed/
// Terminated).
func (d *Dialog) OnStateChange(h func(State)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onStateChange = h
}

// CreateUACDialogFromResponse implements create_uac_dialog_from_response:
// runs on the first 1xx-with-To-tag or 2xx to a
// dialog-creating request. localTag is From.tag(request); remoteTag,
// remote_target, and route_set are all derived from resp.
func CreateUACDialogFromResponse(req *sip.Request, resp *sip.Response, bus *eventbus.Bus) (*Dialog, error) {
	from, ok := req.From()
	if !ok {
		return nil, errors.New("request missing From header")
	}
	localTag, ok := from.Params.Get("tag")
	if !ok || localTag == "" {
		return nil, errors.New("request From header missing tag")
	}

	to, ok := resp.To()
	if !ok {
		return nil, errors.New("response missing To header")
	}
	remoteTag, ok := to.Params.Get("tag")
	if !ok || remoteTag == "" {
		return nil, errors.New("response To header carries no tag yet")
	}

	callID, ok := req.CallID()
	if !ok {
		return nil, errors.New("request missing Call-ID header")
	}

	remoteTarget := req.Recipient
	if contact, ok := resp.Contact(); ok {
		remoteTarget = contact.Address
	}

	cseq, ok := req.CSeq()
	if !ok {
		return nil, errors.New("request missing CSeq header")
	}

	initial := StateEarly
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		initial = StateConfirmed
	}

	d := newDialog(buildParams{
		id:           ID{CallID: string(*callID), LocalTag: localTag, RemoteTag: remoteTag},
		isInitiator:  true,
		secure:       req.Recipient.Encrypted,
		localURI:     from.Address,
		remoteURI:    to.Address,
		localTarget:  from.Address,
		remoteTarget: remoteTarget,
		routeSet:     buildRouteSet(resp, true),
		localSeq:     cseq.SeqNo,
		initialState: initial,
	}, bus)
	return d, nil
}

// CreateUASDialogFromRequest implements create_uas_dialog_from_request,
// the mirror image of the UAC constructor. remoteTag is
// read from the request's From header; localTag is freshly generated
// (the caller is expected to have placed it on the response it sends).
func CreateUASDialogFromRequest(req *sip.Request, localTag string, bus *eventbus.Bus) (*Dialog, error) {
	from, ok := req.From()
	if !ok {
		return nil, errors.New("request missing From header")
	}
	remoteTag, ok := from.Params.Get("tag")
	if !ok || remoteTag == "" {
		return nil, errors.New("request From header missing tag")
	}

	to, ok := req.To()
	if !ok {
		return nil, errors.New("request missing To header")
	}

	callID, ok := req.CallID()
	if !ok {
		return nil, errors.New("request missing Call-ID header")
	}

	remoteTarget := req.Recipient
	if contact, ok := req.Contact(); ok {
		remoteTarget = contact.Address
	}

	cseq, ok := req.CSeq()
	if !ok {
		return nil, errors.New("request missing CSeq header")
	}

	d := newDialog(buildParams{
		id:           ID{CallID: string(*callID), LocalTag: localTag, RemoteTag: remoteTag},
		isInitiator:  false,
		secure:       req.Recipient.Encrypted,
		localURI:     to.Address,
		remoteURI:    from.Address,
		localTarget:  to.Address,
		remoteTarget: remoteTarget,
		routeSet:     buildRouteSetFromRequest(req),
		remoteSeq:    cseq.SeqNo,
		initialState: StateEarly,
	}, bus)
	return d, nil
}

// MatchRequest implements match_request: computes the ID
// an inbound in-dialog request must carry, from the receiving side's
// perspective (our tag is To.tag, theirs is From.tag).
func MatchRequest(req *sip.Request) (ID, error) {
	to, ok := req.To()
	if !ok {
		return ID{}, errors.New("request missing To header")
	}
	from, ok := req.From()
	if !ok {
		return ID{}, errors.New("request missing From header")
	}
	callID, ok := req.CallID()
	if !ok {
		return ID{}, errors.New("request missing Call-ID header")
	}
	localTag, _ := to.Params.Get("tag")
	remoteTag, _ := from.Params.Get("tag")
	return ID{CallID: string(*callID), LocalTag: localTag, RemoteTag: remoteTag}, nil
}

// BuildInDialogRequest implements build_in_dialog_request: Request-URI
// and Route headers per the route set's loose/strict
// rule, From/To with tags, Call-ID, and CSeq (ACK reuses inviteCSeq;
// every other method gets local_seq+1).
func (d *Dialog) BuildInDialogRequest(method sip.RequestMethod, inviteCSeq uint32) *sip.Request {
	d.mu.RLock()
	routeSet := d.routeSet
	remoteTarget := d.remoteTarget
	localURI := d.localURI
	remoteURI := d.remoteURI
	d.mu.RUnlock()

	reqURI := routeSet.requestURI(remoteTarget)
	req := sip.NewRequest(method, reqURI)

	var seq uint32
	if method == sip.ACK {
		seq = inviteCSeq
	} else {
		seq = d.localSeq.Add(1)
	}

	req.AppendHeader(&sip.FromHeader{Address: localURI, Params: tagParams(d.id.LocalTag)})
	req.AppendHeader(&sip.ToHeader{Address: remoteURI, Params: tagParams(d.id.RemoteTag)})
	callID := sip.CallID(d.id.CallID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeq{SeqNo: seq, MethodName: method})
	maxFwd := sip.MaxForwards(70)
	req.AppendHeader(&maxFwd)

	for _, rh := range routeSet.routeHeaders(remoteTarget) {
		req.AppendHeader(rh)
	}

	// Host/Port/Transport are left blank here; the session layer fills
	// them in from its local listening transport immediately before
	// handing the request to the transaction layer, the same point at
	// which sipgo's own ClientRequestAddVia option would act.
	branch := idgen.NewBranch()
	via := &sip.ViaHeader{ProtocolName: "SIP", ProtocolVersion: "2.0", Params: sip.NewParams()}
	via.Params.Add("branch", branch)
	req.AppendHeader(via)

	return req
}

// ApplyResponse implements apply_response: advances
// Early→Confirmed on 2xx, updates remote_target on a fresh Contact per
// allowTargetRefresh, and tears the dialog down on 3xx-6xx while still
// Early.
func (d *Dialog) ApplyResponse(resp *sip.Response, allowTargetRefresh bool) error {
	d.mu.Lock()
	d.lastActivity = time.Now()
	if allowTargetRefresh && resp.StatusCode < 300 {
		if contact, ok := resp.Contact(); ok {
			d.remoteTarget = contact.Address
		}
	}
	d.mu.Unlock()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if d.State() == StateEarly {
			return d.fsm.Event(context.Background(), eventName(StateEarly, StateConfirmed))
		}
		return nil
	case resp.StatusCode >= 300:
		if d.State() == StateEarly {
			return d.fsm.Event(context.Background(), eventName(StateEarly, StateTerminated))
		}
		return nil
	default:
		return nil
	}
}

// CheckInOrder validates an inbound in-dialog request's CSeq against
// remote_seq (RFC 3261 §12.2.2); on success it advances remote_seq.
func (d *Dialog) CheckInOrder(cseq uint32) error {
	current := d.remoteSeq.Load()
	if cseq < current {
		return newOutOfOrderErr(d.id.String(), cseq, current)
	}
	d.remoteSeq.Store(cseq)
	return nil
}

// Terminate implements terminate: moves Confirmed (or
// Recovering) to Terminated, idempotently.
func (d *Dialog) Terminate(reason string) error {
	switch d.State() {
	case StateTerminated:
		return nil
	case StateConfirmed:
		return d.fsm.Event(context.Background(), eventName(StateConfirmed, StateTerminated))
	case StateRecovering:
		return d.fsm.Event(context.Background(), eventName(StateRecovering, StateTerminated))
	case StateEarly:
		return d.fsm.Event(context.Background(), eventName(StateEarly, StateTerminated))
	default:
		return newWrongStateErr(d.id.String(), d.State())
	}
}

// MarkRecovering transitions a Confirmed dialog into Recovering, used by
// the session layer when it detects a transient transport failure it
// wants to retry against rather than fail the call outright
//.
func (d *Dialog) MarkRecovering() error {
	if d.State() != StateConfirmed {
		return newWrongStateErr(d.id.String(), d.State())
	}
	return d.fsm.Event(context.Background(), eventName(StateConfirmed, StateRecovering))
}

// CompleteRecovery implements complete_recovery: Recovering → Confirmed.
func (d *Dialog) CompleteRecovery() error {
	if d.State() != StateRecovering {
		return newWrongStateErr(d.id.String(), d.State())
	}
	return d.fsm.Event(context.Background(), eventName(StateRecovering, StateConfirmed))
}

// AbandonRecovery implements abandon_recovery: Recovering → Terminated.
func (d *Dialog) AbandonRecovery() error {
	if d.State() != StateRecovering {
		return newWrongStateErr(d.id.String(), d.State())
	}
	return d.fsm.Event(context.Background(), eventName(StateRecovering, StateTerminated))
}

// ReferRequest builds a REFER request targeting target, used for blind
// transfer.
func (d *Dialog) ReferRequest(target sip.Uri, inviteCSeq uint32) *sip.Request {
	req := d.BuildInDialogRequest(sip.REFER, inviteCSeq)
	req.AppendHeader(&sip.GenericHeader{HeaderName: "Refer-To", Contents: "<" + target.String() + ">"})
	return req
}

// ReferReplaceRequest builds a REFER request carrying a Replaces header
// pointing at replaced, used for attended transfer.
func (d *Dialog) ReferReplaceRequest(replaced *Dialog, inviteCSeq uint32) *sip.Request {
	req := d.ReferRequest(replaced.RemoteTarget(), inviteCSeq)
	replaces := strings.Join([]string{
		replaced.id.CallID,
		"to-tag=" + replaced.id.RemoteTag,
		"from-tag=" + replaced.id.LocalTag,
	}, ";")
	req.AppendHeader(&sip.GenericHeader{HeaderName: "Replaces", Contents: replaces})
	return req
}

// CreatedAt returns dialog construction time.
func (d *Dialog) CreatedAt() time.Time { return d.createdAt }

// LastActivity returns the last time state changed or a response/request
// was processed.
func (d *Dialog) LastActivity() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastActivity
}
