package media

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
	"time"
)

// generateSSRC draws a random SSRC per RFC 3550 Appendix A.6.
func generateSSRC() (uint32, error) {
	var ssrc uint32
	if err := binary.Read(rand.Reader, binary.BigEndian, &ssrc); err != nil {
		return 0, err
	}
	return ssrc, nil
}

// remoteSource tracks one inbound SSRC's sequence/loss/jitter state,
// narrowed to the fields the controller's own statistics and RTCP
// reports need.
type remoteSource struct {
	ssrc uint32

	baseSeq     uint16
	maxSeq      uint16
	cycles      uint32
	initialized bool

	expectedPrior uint32
	receivedPrior uint32
	received      uint32

	lastTransit int64
	jitter      float64

	lastSeen time.Time
}

// update folds one received packet's sequence number and arrival transit
// time into the source's running statistics, updating the jitter estimate
// (in clock-rate units, RFC 3550 Appendix A.8 formula) in place.
func (r *remoteSource) update(seq uint16, transit int64, now time.Time) {
	if !r.initialized {
		r.baseSeq = seq
		r.maxSeq = seq
		r.initialized = true
	} else if seqNewer(seq, r.maxSeq) {
		if seq < r.maxSeq {
			r.cycles += 1 << 16
		}
		r.maxSeq = seq
	}
	r.received++

	if r.lastTransit != 0 {
		r.jitter = jitterEstimate(transit, r.lastTransit, r.jitter)
	}
	r.lastTransit = transit
	r.lastSeen = now
}

// extendedMax returns the highest sequence number seen, extended across
// 16-bit wraps by the tracked cycle count.
func (r *remoteSource) extendedMax() uint32 {
	return r.cycles + uint32(r.maxSeq)
}

// expected returns the number of packets that should have arrived between
// the base and highest sequence numbers seen so far.
func (r *remoteSource) expected() uint32 {
	return r.extendedMax() - uint32(r.baseSeq) + 1
}

// lossInterval returns the fraction lost (RFC 3550 Appendix A.3, fixed
// point 0-255) and cumulative lost packet count since the last call.
func (r *remoteSource) lossInterval() (fraction uint8, cumulativeLost uint32) {
	expected := r.expected()
	expectedInterval := expected - r.expectedPrior
	receivedInterval := r.received - r.receivedPrior
	r.expectedPrior = expected
	r.receivedPrior = r.received

	lostInterval := int32(expectedInterval) - int32(receivedInterval)
	if lostInterval < 0 || expectedInterval == 0 {
		fraction = 0
	} else {
		fraction = uint8(min(255, (uint32(lostInterval)*256)/expectedInterval))
	}

	if expected > r.received {
		cumulativeLost = expected - r.received
	}
	return fraction, cumulativeLost
}

func seqNewer(a, b uint16) bool {
	return int16(a-b) > 0
}

// jitterEstimate applies RFC 3550 Appendix A.8: J(i) = J(i-1) +
// (|D(i-1,i)| - J(i-1))/16.
func jitterEstimate(transit, lastTransit int64, jitter float64) float64 {
	d := float64(transit - lastTransit)
	if d < 0 {
		d = -d
	}
	return jitter + (d-jitter)/16.0
}

// sourceTable is a concurrency-safe registry of remote sources keyed by
// SSRC, narrowed to the single-remote-stream case this controller handles
// (CSRC handles mixed-source attribution separately, in csrc.go).
type sourceTable struct {
	mu      sync.Mutex
	sources map[uint32]*remoteSource
}

func newSourceTable() *sourceTable {
	return &sourceTable{sources: make(map[uint32]*remoteSource)}
}

func (t *sourceTable) get(ssrc uint32) *remoteSource {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sources[ssrc]
	if !ok {
		s = &remoteSource{ssrc: ssrc}
		t.sources[ssrc] = s
	}
	return s
}

func (t *sourceTable) remove(ssrc uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sources, ssrc)
}
