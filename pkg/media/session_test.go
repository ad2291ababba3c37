package media

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/coredial/callengine/internal/metrics"
	"github.com/coredial/callengine/pkg/eventbus"
	"github.com/coredial/callengine/pkg/timerwheel"
)

func testControllerEnv(t *testing.T) (*timerwheel.Wheel, *eventbus.Bus, *metrics.Collector) {
	wheel := timerwheel.New()
	t.Cleanup(wheel.Stop)
	bus := eventbus.New()
	stats := metrics.NewCollector(prometheus.NewRegistry())
	return wheel, bus, stats
}

func TestControllerCreateAllocatesPort(t *testing.T) {
	wheel, bus, stats := testControllerEnv(t)
	pool := NewPortPool(20000, 20010)

	c, err := Create("leg-1", "127.0.0.1", pool, DefaultConfig(), wheel, bus, stats, Callbacks{})
	require.NoError(t, err)
	require.NotZero(t, c.LocalPort())
	require.Equal(t, StateIdle, c.State())
	t.Cleanup(func() { c.Stop() })
}

func TestControllerCreateFailsWhenPoolExhausted(t *testing.T) {
	wheel, bus, stats := testControllerEnv(t)
	pool := NewPortPool(20100, 20100)
	_, err := pool.Allocate()
	require.NoError(t, err)

	_, err = Create("leg-2", "127.0.0.1", pool, DefaultConfig(), wheel, bus, stats, Callbacks{})
	require.Error(t, err)
	var mediaErr *Error
	require.ErrorAs(t, err, &mediaErr)
	require.Equal(t, ErrPortExhausted, mediaErr.Kind)
}

func TestControllerStartStopLifecycle(t *testing.T) {
	wheel, bus, stats := testControllerEnv(t)
	pool := NewPortPool(20200, 20210)

	var started, stopped bool
	unsubStart := bus.Subscribe(eventbus.TopicMediaStarted, func(any) { started = true })
	unsubStop := bus.Subscribe(eventbus.TopicMediaStopped, func(any) { stopped = true })
	defer unsubStart()
	defer unsubStop()

	c, err := Create("leg-3", "127.0.0.1", pool, DefaultConfig(), wheel, bus, stats, Callbacks{})
	require.NoError(t, err)

	require.NoError(t, c.Start())
	require.Equal(t, StateActive, c.State())
	require.Error(t, c.Start(), "starting twice must fail")

	require.NoError(t, c.Stop())
	require.Equal(t, StateClosed, c.State())
	require.NoError(t, c.Stop(), "stop is idempotent")

	require.True(t, started)
	require.True(t, stopped)
}

func TestControllerApplyNegotiatedSDPSetsDirectionAndRemote(t *testing.T) {
	wheel, bus, stats := testControllerEnv(t)
	pool := NewPortPool(20300, 20310)

	c, err := Create("leg-4", "127.0.0.1", pool, DefaultConfig(), wheel, bus, stats, Callbacks{})
	require.NoError(t, err)
	t.Cleanup(func() { c.Stop() })

	err = c.ApplyNegotiatedSDP(NegotiatedMedia{
		PayloadType: PayloadPCMA,
		RemoteAddr:  "127.0.0.1",
		RemotePort:  20400,
		Direction:   DirectionSendOnly,
		DTMFPT:      101,
	})
	require.NoError(t, err)
	require.Equal(t, DirectionSendOnly, c.Direction())
}

func TestControllerHoldAndResume(t *testing.T) {
	wheel, bus, stats := testControllerEnv(t)
	pool := NewPortPool(20500, 20510)

	c, err := Create("leg-5", "127.0.0.1", pool, DefaultConfig(), wheel, bus, stats, Callbacks{})
	require.NoError(t, err)
	require.NoError(t, c.Start())
	t.Cleanup(func() { c.Stop() })

	require.NoError(t, c.Hold())
	require.Equal(t, StatePaused, c.State())
	require.Equal(t, DirectionSendOnly, c.Direction())

	require.NoError(t, c.Resume(DirectionSendRecv))
	require.Equal(t, StateActive, c.State())
	require.Equal(t, DirectionSendRecv, c.Direction())
}

func TestControllerSendDTMFFailsWithoutNegotiation(t *testing.T) {
	wheel, bus, stats := testControllerEnv(t)
	pool := NewPortPool(20600, 20610)

	cfg := DefaultConfig()
	cfg.DTMFEnabled = false
	c, err := Create("leg-6", "127.0.0.1", pool, cfg, wheel, bus, stats, Callbacks{})
	require.NoError(t, err)
	require.NoError(t, c.Start())
	t.Cleanup(func() { c.Stop() })

	err = c.SendDTMF(Digit1, 100*time.Millisecond)
	require.Error(t, err)
	var mediaErr *Error
	require.ErrorAs(t, err, &mediaErr)
	require.Equal(t, ErrDTMFNotNegotiated, mediaErr.Kind)
}

func TestControllerSendsAndReceivesRTPBetweenTwoLegs(t *testing.T) {
	wheel, bus, stats := testControllerEnv(t)
	poolA := NewPortPool(20700, 20710)
	poolB := NewPortPool(20720, 20730)

	received := make(chan DecodedFrame, 1)
	cfgA := DefaultConfig()
	cfgA.JitterEnabled = false
	cfgB := cfgA

	a, err := Create("leg-a", "127.0.0.1", poolA, cfgA, wheel, bus, stats, Callbacks{})
	require.NoError(t, err)
	b, err := Create("leg-b", "127.0.0.1", poolB, cfgB, wheel, bus, stats, Callbacks{
		OnDecodedFrame: func(f DecodedFrame) { received <- f },
	})
	require.NoError(t, err)
	t.Cleanup(func() { a.Stop(); b.Stop() })

	require.NoError(t, a.ApplyNegotiatedSDP(NegotiatedMedia{PayloadType: PayloadPCMU, RemoteAddr: "127.0.0.1", RemotePort: int(b.LocalPort()), Direction: DirectionSendRecv, DTMFPT: -1}))
	require.NoError(t, b.ApplyNegotiatedSDP(NegotiatedMedia{PayloadType: PayloadPCMU, RemoteAddr: "127.0.0.1", RemotePort: int(a.LocalPort()), Direction: DirectionSendRecv, DTMFPT: -1}))

	require.NoError(t, a.Start())
	require.NoError(t, b.Start())

	require.NoError(t, a.SinkEncodedFrame(make([]byte, 160)))

	select {
	case frame := <-received:
		require.Equal(t, PayloadPCMU, frame.PayloadType)
		require.Len(t, frame.Payload, 160)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for decoded frame on the receiving leg")
	}
}
