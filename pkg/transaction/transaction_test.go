package transaction

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
)

// fakeTransport records every message handed to Send.
type fakeTransport struct {
	mu       sync.Mutex
	sent     []sip.Message
	reliable bool
	fail     bool
}

func (f *fakeTransport) Send(_ context.Context, msg sip.Message, _ sip.Uri, _ config.TransportKind) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return assert.AnError
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeTransport) Reliable(config.TransportKind) bool { return f.reliable }

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func newInvite(branch string) *sip.Request {
	req := sip.NewRequest(sip.INVITE, sip.Uri{User: "bob", Host: "example.com"})
	via := &sip.ViaHeader{ProtocolName: "SIP", ProtocolVersion: "2.0", Transport: "UDP", Host: "127.0.0.1", Port: 5060, Params: sip.NewParams()}
	via.Params.Add("branch", branch)
	req.AppendHeader(via)
	req.AppendHeader(&sip.CSeq{SeqNo: 1, MethodName: sip.INVITE})
	return req
}

func testEnv(reliable bool) (*fakeTransport, *timerwheel.Wheel, *eventbus.Bus, *metrics.Collector) {
	return &fakeTransport{reliable: reliable}, timerwheel.New(), eventbus.New(), metrics.NewCollector(prometheus.NewRegistry())
}

func TestClientInvite_TimerAretransmitsUntilTimerB(t *testing.T) {
	tp, wheel, bus, stats := testEnv(false)
	defer wheel.Stop()

	timers := config.TimerConfig{T1: 2 * time.Millisecond, T2: 8 * time.Millisecond, T4: 10 * time.Millisecond}
	key := Key{Branch: "z9hG4bKtest1", Method: sip.INVITE, Role: RoleClient}
	req := newInvite(key.Branch)

	tx := NewClientInvite(key, req, req.Recipient, config.TransportUDP, tp, wheel, bus, stats, timers)

	require.Eventually(t, func() bool { return tp.count() >= 2 }, 200*time.Millisecond, time.Millisecond)
	assert.Equal(t, StateCalling, tx.State())
}

func TestClientInvite_2xxTerminatesImmediately(t *testing.T) {
	tp, wheel, bus, stats := testEnv(true)
	defer wheel.Stop()

	timers := config.DefaultTimerConfig()
	key := Key{Branch: "z9hG4bKtest2", Method: sip.INVITE, Role: RoleClient}
	req := newInvite(key.Branch)

	tx := NewClientInvite(key, req, req.Recipient, config.TransportTCP, tp, wheel, bus, stats, timers)
	require.Eventually(t, func() bool { return tp.count() >= 1 }, time.Second, time.Millisecond)

	var got *sip.Response
	tx.OnResponse(func(r *sip.Response) { got = r })

	resp := sip.NewResponse(200, "OK")
	tx.HandleResponse(resp)

	assert.Equal(t, StateTerminated, tx.State())
	require.NotNil(t, got)
	assert.Equal(t, 200, got.StatusCode)
}

func TestClientInvite_NonSuccessEntersCompletedAndStartsD(t *testing.T) {
	tp, wheel, bus, stats := testEnv(false)
	defer wheel.Stop()

	timers := config.DefaultTimerConfig()
	key := Key{Branch: "z9hG4bKtest3", Method: sip.INVITE, Role: RoleClient}
	req := newInvite(key.Branch)

	tx := NewClientInvite(key, req, req.Recipient, config.TransportUDP, tp, wheel, bus, stats, timers)
	require.Eventually(t, func() bool { return tp.count() >= 1 }, time.Second, time.Millisecond)

	tx.HandleResponse(sip.NewResponse(486, "Busy Here"))
	assert.Equal(t, StateCompleted, tx.State())
	tx.mu.Lock()
	_, dRunning := tx.activeTimers["D"]
	tx.mu.Unlock()
	assert.True(t, dRunning, "timer D should be running in Completed")
}

func TestServerNonInvite_RetransmitAbsorbedInCompleted(t *testing.T) {
	tp, wheel, bus, stats := testEnv(false)
	defer wheel.Stop()

	timers := config.TimerConfig{T1: 5 * time.Millisecond, T2: 20 * time.Millisecond, T4: 20 * time.Millisecond}
	branch := "z9hG4bKtest4"
	key := Key{Branch: branch, Method: sip.OPTIONS, Role: RoleServer}
	req := newInvite(branch)
	req.Method = sip.OPTIONS

	tx := NewServerNonInvite(key, req, req.Recipient, config.TransportUDP, tp, wheel, bus, stats, timers)
	require.NoError(t, tx.SendResponse(sip.NewResponse(200, "OK")))
	assert.Equal(t, StateCompleted, tx.State())

	before := tp.count()
	tx.HandleRequest(req)
	assert.Equal(t, before+1, tp.count(), "retransmitted request should resend the stored final response")
}

func TestKey_NormalizesCancelAndAckToInvite(t *testing.T) {
	branch := "z9hG4bKglare"
	cancel := newInvite(branch)
	cancel.Method = sip.CANCEL
	k, err := KeyFromRequestMatch(cancel)
	require.NoError(t, err)
	assert.Equal(t, sip.INVITE, k.Method)
}
