package media

import (
	"container/heap"
	"sync"
	"time"

	"github.com/pion/rtp"

	"github.com/coredial/callengine/pkg/timerwheel"
)

// JitterConfig governs the adaptive jitter buffer and its defaults.
type JitterConfig struct {
	Size         int           // max buffered packets
	InitialDelay time.Duration // starting target playout delay
	PacketTime   time.Duration // nominal packetization interval (ptime)
	MaxDelay     time.Duration // ceiling on the adaptive delay
}

// DefaultJitterConfig matches a 60ms default target depth and
// BufferSize=10/PacketTime=20ms/MaxDelay=PacketTime*BufferSize.
func DefaultJitterConfig() JitterConfig {
	ptime := 20 * time.Millisecond
	size := 10
	return JitterConfig{
		Size:         size,
		InitialDelay: 60 * time.Millisecond,
		PacketTime:   ptime,
		MaxDelay:     ptime * time.Duration(size),
	}
}

type bufferedPacket struct {
	pkt      *rtp.Packet
	arrival  time.Time
	expected time.Time
	index    int
}

// packetHeap orders buffered packets by RTP timestamp as the playout-order
// key, so reordered network delivery is corrected before packets reach
// the output side.
type packetHeap []*bufferedPacket

func (h packetHeap) Len() int { return len(h) }
func (h packetHeap) Less(i, j int) bool {
	return h[i].pkt.Timestamp < h[j].pkt.Timestamp
}
func (h packetHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *packetHeap) Push(x any) {
	p := x.(*bufferedPacket)
	p.index = len(*h)
	*h = append(*h, p)
}
func (h *packetHeap) Pop() any {
	old := *h
	n := len(old)
	p := old[n-1]
	old[n-1] = nil
	p.index = -1
	*h = old[:n-1]
	return p
}

// JitterBuffer reorders and paces an inbound RTP stream, adapting its
// target delay toward a 50%-full heap, with the 5ms output tick scheduled
// through pkg/timerwheel rather than a raw time.Ticker so the engine
// keeps its single-timer-owner invariant across every
// layer, including media.
type JitterBuffer struct {
	config     JitterConfig
	clockRate  uint32
	wheel      *timerwheel.Wheel
	out        chan *rtp.Packet

	mu            sync.Mutex
	packets       packetHeap
	baseArrival   time.Time
	baseTimestamp uint32
	haveBase      bool

	currentDelay time.Duration
	targetDelay  time.Duration

	received uint64
	dropped  uint64
	late     uint64

	stopped bool
	tickID  timerwheel.ID
	done    chan struct{}
}

// NewJitterBuffer returns a buffer ready to accept packets at the given
// clock rate (RTP timestamp units per second).
func NewJitterBuffer(cfg JitterConfig, clockRate uint32, wheel *timerwheel.Wheel) *JitterBuffer {
	jb := &JitterBuffer{
		config:       cfg,
		clockRate:    clockRate,
		wheel:        wheel,
		out:          make(chan *rtp.Packet, cfg.Size*2),
		currentDelay: cfg.InitialDelay,
		targetDelay:  cfg.InitialDelay,
		done:         make(chan struct{}),
	}
	jb.scheduleTick()
	return jb
}

func (jb *JitterBuffer) scheduleTick() {
	jb.tickID = jb.wheel.Schedule(5*time.Millisecond, jb.tick)
}

// Put inserts a received packet, computing its expected playout time from
// the RTP-timestamp delta against the buffer's base packet plus the
// current adaptive delay. Returns false only if the buffer has been
// stopped; when the buffer is full the oldest entry is evicted to make room
// and the new packet is still accepted.
func (jb *JitterBuffer) Put(pkt *rtp.Packet, now time.Time) bool {
	jb.mu.Lock()
	defer jb.mu.Unlock()

	if jb.stopped {
		return false
	}
	jb.received++

	if !jb.haveBase {
		jb.baseArrival = now
		jb.baseTimestamp = pkt.Timestamp
		jb.haveBase = true
	}

	tsDelta := int64(int32(pkt.Timestamp - jb.baseTimestamp))
	offset := time.Duration(tsDelta) * time.Second / time.Duration(jb.clockRate)
	expected := jb.baseArrival.Add(offset).Add(jb.currentDelay)

	if expected.Before(now) {
		jb.late++
	}

	if len(jb.packets) >= jb.config.Size {
		jb.dropped++
		heap.Pop(&jb.packets)
	}

	heap.Push(&jb.packets, &bufferedPacket{pkt: pkt, arrival: now, expected: expected})
	jb.adaptDelay(now)
	return true
}

// Out returns the channel the paced, reordered output stream is delivered
// on.
func (jb *JitterBuffer) Out() <-chan *rtp.Packet {
	return jb.out
}

// tick releases every buffered packet whose expected playout time has
// passed and reschedules itself, mirroring an outputWorker ticker loop
// but through the shared timer wheel.
func (jb *JitterBuffer) tick() {
	jb.mu.Lock()
	now := time.Now()
	var ready []*rtp.Packet
	for len(jb.packets) > 0 && !jb.packets[0].expected.After(now) {
		bp := heap.Pop(&jb.packets).(*bufferedPacket)
		ready = append(ready, bp.pkt)
	}
	stopped := jb.stopped
	jb.mu.Unlock()

	for _, p := range ready {
		select {
		case jb.out <- p:
		default:
		}
	}

	if !stopped {
		jb.scheduleTick()
	}
}

// adaptDelay nudges targetDelay toward keeping the heap roughly half full,
// then smooths currentDelay toward targetDelay (±2ms steps, 1/10 growth /
// 1/5 shrink smoothing, bounded to
// [PacketTime, MaxDelay]). Caller holds jb.mu.
func (jb *JitterBuffer) adaptDelay(now time.Time) {
	fillTarget := jb.config.Size / 2
	switch {
	case len(jb.packets) > fillTarget:
		jb.targetDelay -= 2 * time.Millisecond
	case len(jb.packets) < fillTarget:
		jb.targetDelay += 2 * time.Millisecond
	}
	if jb.targetDelay < jb.config.PacketTime {
		jb.targetDelay = jb.config.PacketTime
	}
	if jb.targetDelay > jb.config.MaxDelay {
		jb.targetDelay = jb.config.MaxDelay
	}

	diff := jb.targetDelay - jb.currentDelay
	if diff > 0 {
		jb.currentDelay += diff / 10
	} else {
		jb.currentDelay += diff / 5
	}
}

// Stats returns a point-in-time snapshot of the buffer's loss/jitter/
// depth counters, consumed by the controller's 1Hz statistics publisher.
func (jb *JitterBuffer) Stats() (depth int, delayMS int, received, dropped, late uint64) {
	jb.mu.Lock()
	defer jb.mu.Unlock()
	return len(jb.packets), int(jb.currentDelay / time.Millisecond), jb.received, jb.dropped, jb.late
}

// Stop halts the output tick loop. The output channel itself is left open
// (never closed) since a concurrently running tick can still be mid-send
// when Stop returns; callers should stop reading once Done is closed
// rather than rely on a closed Out channel.
func (jb *JitterBuffer) Stop() {
	jb.mu.Lock()
	if jb.stopped {
		jb.mu.Unlock()
		return
	}
	jb.stopped = true
	jb.mu.Unlock()

	jb.wheel.Cancel(jb.tickID)
	close(jb.done)
}

// Done returns a channel closed once Stop has been called.
func (jb *JitterBuffer) Done() <-chan struct{} {
	return jb.done
}
