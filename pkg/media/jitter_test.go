package media

import (
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"

	"github.com/coredial/callengine/pkg/timerwheel"
)

func newTestPacket(seq uint16, ts uint32) *rtp.Packet {
	return &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    uint8(PayloadPCMU),
			SequenceNumber: seq,
			Timestamp:      ts,
			SSRC:           0x1234,
		},
		Payload: make([]byte, 160),
	}
}

func TestJitterBufferReordersPackets(t *testing.T) {
	wheel := timerwheel.New()
	t.Cleanup(wheel.Stop)

	jb := NewJitterBuffer(DefaultJitterConfig(), 8000, wheel)
	t.Cleanup(jb.Stop)

	now := time.Now()
	jb.Put(newTestPacket(1002, 320), now)
	jb.Put(newTestPacket(1000, 0), now)
	jb.Put(newTestPacket(1001, 160), now)

	depth, _, received, _, _ := jb.Stats()
	require.EqualValues(t, 3, received)
	require.Equal(t, 3, depth)
}

func TestJitterBufferDrainsInTimestampOrder(t *testing.T) {
	wheel := timerwheel.New()
	t.Cleanup(wheel.Stop)

	cfg := DefaultJitterConfig()
	cfg.InitialDelay = 5 * time.Millisecond
	cfg.MaxDelay = 40 * time.Millisecond
	jb := NewJitterBuffer(cfg, 8000, wheel)
	t.Cleanup(jb.Stop)

	now := time.Now()
	jb.Put(newTestPacket(1002, 320), now)
	jb.Put(newTestPacket(1000, 0), now)
	jb.Put(newTestPacket(1001, 160), now)

	var out []uint32
	timeout := time.After(500 * time.Millisecond)
	for len(out) < 3 {
		select {
		case pkt := <-jb.Out():
			out = append(out, pkt.Timestamp)
		case <-timeout:
			t.Fatal("timed out waiting for jitter buffer output")
		}
	}
	require.Equal(t, []uint32{0, 160, 320}, out)
}

func TestJitterBufferOverflowDropsOldest(t *testing.T) {
	wheel := timerwheel.New()
	t.Cleanup(wheel.Stop)

	cfg := JitterConfig{Size: 2, InitialDelay: time.Hour, PacketTime: 20 * time.Millisecond, MaxDelay: time.Hour}
	jb := NewJitterBuffer(cfg, 8000, wheel)
	t.Cleanup(jb.Stop)

	now := time.Now()
	jb.Put(newTestPacket(1000, 0), now)
	jb.Put(newTestPacket(1001, 160), now)
	jb.Put(newTestPacket(1002, 320), now)

	_, _, received, dropped, _ := jb.Stats()
	require.EqualValues(t, 3, received)
	require.EqualValues(t, 1, dropped)
}

func TestJitterBufferStopIsIdempotentAndSafe(t *testing.T) {
	wheel := timerwheel.New()
	t.Cleanup(wheel.Stop)

	jb := NewJitterBuffer(DefaultJitterConfig(), 8000, wheel)
	jb.Stop()
	jb.Stop()

	select {
	case <-jb.Done():
	default:
		t.Fatal("Done channel should be closed after Stop")
	}
}
