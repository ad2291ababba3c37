package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coredial/callengine/internal/config"
	"github.com/coredial/callengine/internal/metrics"
	"github.com/coredial/callengine/pkg/eventbus"
	"github.com/coredial/callengine/pkg/timerwheel"
	"github.com/coredial/callengine/pkg/transaction"
)

// fakeTransport records sent messages and answers LocalContact with a
// fixed URI.
type fakeTransport struct {
	mu   sync.Mutex
	sent []sip.Message
}

func (f *fakeTransport) Send(_ context.Context, msg sip.Message, _ sip.Uri, _ config.TransportKind) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeTransport) Reliable(config.TransportKind) bool { return false }

func (f *fakeTransport) LocalContact(config.TransportKind) sip.Uri {
	return sip.Uri{User: "alice", Host: "10.0.0.1", Port: 5060}
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func testEnv(t *testing.T) (*fakeTransport, *transaction.Manager, *timerwheel.Wheel, *eventbus.Bus, *metrics.Collector) {
	tp := &fakeTransport{}
	wheel := timerwheel.New()
	t.Cleanup(wheel.Stop)
	bus := eventbus.New()
	stats := metrics.NewCollector(prometheus.NewRegistry())
	txMgr := transaction.NewManager(tp, wheel, bus, stats, config.TimerConfig{T1: 2 * time.Millisecond, T2: 8 * time.Millisecond, T4: 10 * time.Millisecond})
	return tp, txMgr, wheel, bus, stats
}

func sdpBody(addr string, port int, pt uint8) []byte {
	offer := BuildOffer("test", addr, port, []uint8{pt}, DirectionSendRecv, 101)
	body, _ := offer.Marshal()
	return body
}

func responseTo(req *sip.Request, code int, toTag string, body []byte) *sip.Response {
	resp := sip.NewResponse(code, "status")
	from, _ := req.From()
	resp.AppendHeader(&sip.FromHeader{Address: from.Address, Params: from.Params})
	resp.AppendHeader(&sip.ToHeader{Address: sip.Uri{User: "bob", Host: "example.com"}, Params: tagParams(toTag)})
	cid, _ := req.CallID()
	c := *cid
	resp.AppendHeader(&c)
	cseq, _ := req.CSeq()
	cs := *cseq
	resp.AppendHeader(&cs)
	resp.AppendHeader(&sip.ContactHeader{Address: sip.Uri{User: "bob", Host: "10.0.0.2", Port: 5060}})
	if body != nil {
		resp.AppendHeader(&sip.GenericHeader{HeaderName: "Content-Type", Contents: "application/sdp"})
		resp.SetBody(body)
	}
	return resp
}

func TestMakeCall_AnsweredAtOnce(t *testing.T) {
	tp, txMgr, wheel, bus, stats := testEnv(t)

	var changes []State
	var mu sync.Mutex
	cb := Callbacks{
		OnStateChanged: func(_, to State) {
			mu.Lock()
			changes = append(changes, to)
			mu.Unlock()
		},
	}
	s := New("sess-1", config.DefaultSessionConfig(), config.TransportUDP, txMgr, tp, wheel, bus, stats, cb)

	target := sip.Uri{User: "bob", Host: "example.com"}
	require.NoError(t, s.MakeCall(context.Background(), target, []uint8{0, 8}, "10.0.0.1", 20000))
	assert.Equal(t, StateInitiating, s.State())

	require.Eventually(t, func() bool { return tp.count() >= 1 }, 200*time.Millisecond, time.Millisecond)

	req := tp.sent[0].(*sip.Request)
	resp := responseTo(req, 200, "bobTag", sdpBody("10.0.0.2", 30000, 0))
	require.True(t, txMgr.HandleResponse(resp))

	require.Eventually(t, func() bool { return s.State() == StateActive }, 200*time.Millisecond, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, changes, StateActive)
}

func TestMakeCall_RingingThenAnswered(t *testing.T) {
	tp, txMgr, wheel, bus, stats := testEnv(t)
	s := New("sess-2", config.DefaultSessionConfig(), config.TransportUDP, txMgr, tp, wheel, bus, stats, Callbacks{})

	target := sip.Uri{User: "bob", Host: "example.com"}
	require.NoError(t, s.MakeCall(context.Background(), target, []uint8{0}, "10.0.0.1", 20000))
	require.Eventually(t, func() bool { return tp.count() >= 1 }, 200*time.Millisecond, time.Millisecond)
	req := tp.sent[0].(*sip.Request)

	ringing := responseTo(req, 180, "bobTag", nil)
	require.True(t, txMgr.HandleResponse(ringing))
	require.Eventually(t, func() bool { return s.State() == StateRinging }, 200*time.Millisecond, time.Millisecond)

	ok := responseTo(req, 200, "bobTag", sdpBody("10.0.0.2", 30000, 0))
	require.True(t, txMgr.HandleResponse(ok))
	require.Eventually(t, func() bool { return s.State() == StateActive }, 200*time.Millisecond, time.Millisecond)
}

func incomingInvite(callID, fromTag string, body []byte) *sip.Request {
	req := sip.NewRequest(sip.INVITE, sip.Uri{User: "alice", Host: "10.0.0.1"})
	req.AppendHeader(&sip.FromHeader{Address: sip.Uri{User: "bob", Host: "example.com"}, Params: tagParams(fromTag)})
	req.AppendHeader(&sip.ToHeader{Address: sip.Uri{User: "alice", Host: "10.0.0.1"}})
	cid := sip.CallID(callID)
	req.AppendHeader(&cid)
	req.AppendHeader(&sip.CSeq{SeqNo: 1, MethodName: sip.INVITE})
	req.AppendHeader(&sip.ContactHeader{Address: sip.Uri{User: "bob", Host: "10.0.0.2", Port: 5060}})
	via := &sip.ViaHeader{ProtocolName: "SIP", ProtocolVersion: "2.0", Host: "10.0.0.2", Port: 5060, Params: sip.NewParams()}
	via.Params.Add("branch", "z9hG4bKincoming1")
	req.AppendHeader(via)
	if body != nil {
		req.AppendHeader(&sip.GenericHeader{HeaderName: "Content-Type", Contents: "application/sdp"})
		req.SetBody(body)
	}
	return req
}

func TestIncoming_AcceptNegotiatesAndStartsMedia(t *testing.T) {
	tp, txMgr, wheel, bus, stats := testEnv(t)

	var started bool
	cb := Callbacks{OnMediaStart: func(local, remote MediaDescriptor) { started = true }}

	req := incomingInvite("call-in-1", "aliceTag", sdpBody("10.0.0.2", 30000, 0))
	s, err := Incoming("sess-3", config.DefaultSessionConfig(), config.TransportUDP, txMgr, tp, wheel, bus, stats, cb, req, "bobTag")
	require.NoError(t, err)
	assert.Equal(t, StateRinging, s.State())

	serverTx := transaction.NewServerInvite(
		transaction.Key{Branch: "z9hG4bKincoming1", Method: sip.INVITE, Role: transaction.RoleServer},
		req, req.Recipient, config.TransportUDP, tp, wheel, bus, stats, config.DefaultTimerConfig(),
	)

	require.NoError(t, s.Accept(context.Background(), serverTx, []uint8{0}, "10.0.0.1", 20000))
	assert.Equal(t, StateActive, s.State())
	assert.True(t, started)
}

func TestHold_ThenGlareOnConcurrentRenegotiate(t *testing.T) {
	tp, txMgr, wheel, bus, stats := testEnv(t)
	s := New("sess-4", config.DefaultSessionConfig(), config.TransportUDP, txMgr, tp, wheel, bus, stats, Callbacks{})

	target := sip.Uri{User: "bob", Host: "example.com"}
	require.NoError(t, s.MakeCall(context.Background(), target, []uint8{0}, "10.0.0.1", 20000))
	require.Eventually(t, func() bool { return tp.count() >= 1 }, 200*time.Millisecond, time.Millisecond)
	req := tp.sent[0].(*sip.Request)
	require.True(t, txMgr.HandleResponse(responseTo(req, 200, "bobTag", sdpBody("10.0.0.2", 30000, 0))))
	require.Eventually(t, func() bool { return s.State() == StateActive }, 200*time.Millisecond, time.Millisecond)

	require.NoError(t, s.Hold(context.Background(), "10.0.0.1", 20000))
	err := s.Hold(context.Background(), "10.0.0.1", 20000)
	require.Error(t, err)
	sessErr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, ErrGlare, sessErr.Kind)
}

func TestSendDTMF_FallsBackToInfoWhenNotNegotiated(t *testing.T) {
	tp, txMgr, wheel, bus, stats := testEnv(t)
	s := New("sess-5", config.DefaultSessionConfig(), config.TransportUDP, txMgr, tp, wheel, bus, stats, Callbacks{})

	target := sip.Uri{User: "bob", Host: "example.com"}
	require.NoError(t, s.MakeCall(context.Background(), target, []uint8{0}, "10.0.0.1", 20000))
	require.Eventually(t, func() bool { return tp.count() >= 1 }, 200*time.Millisecond, time.Millisecond)
	req := tp.sent[0].(*sip.Request)

	offer := BuildOffer("test", "10.0.0.2", 30000, []uint8{0}, DirectionSendRecv, -1)
	body, _ := offer.Marshal()
	require.True(t, txMgr.HandleResponse(responseTo(req, 200, "bobTag", body)))
	require.Eventually(t, func() bool { return s.State() == StateActive }, 200*time.Millisecond, time.Millisecond)

	before := tp.count()
	require.NoError(t, s.SendDTMF(context.Background(), '5', 100*time.Millisecond, nil))
	assert.Greater(t, tp.count(), before)
}

func TestNegotiateCodec_KeepsPreviousWhenStillOffered(t *testing.T) {
	pt, err := NegotiateCodec([]uint8{0, 8}, 8, true)
	require.NoError(t, err)
	assert.Equal(t, uint8(8), pt)

	pt, err = NegotiateCodec([]uint8{0, 8}, 9, true)
	require.NoError(t, err)
	assert.Equal(t, uint8(0), pt)
}

func TestDialogBinding_BYETerminatesSession(t *testing.T) {
	tp, txMgr, wheel, bus, stats := testEnv(t)
	s := New("sess-6", config.DefaultSessionConfig(), config.TransportUDP, txMgr, tp, wheel, bus, stats, Callbacks{})

	target := sip.Uri{User: "bob", Host: "example.com"}
	require.NoError(t, s.MakeCall(context.Background(), target, []uint8{0}, "10.0.0.1", 20000))
	require.Eventually(t, func() bool { return tp.count() >= 1 }, 200*time.Millisecond, time.Millisecond)
	req := tp.sent[0].(*sip.Request)
	require.True(t, txMgr.HandleResponse(responseTo(req, 200, "bobTag", sdpBody("10.0.0.2", 30000, 0))))
	require.Eventually(t, func() bool { return s.State() == StateActive }, 200*time.Millisecond, time.Millisecond)

	require.NoError(t, s.Dialog().Terminate("peer sent BYE"))
	require.Eventually(t, func() bool { return s.State() == StateTerminated }, 200*time.Millisecond, time.Millisecond)
}
