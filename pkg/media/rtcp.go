package media

import (
	"sync"
	"time"

	"github.com/pion/rtcp"
)

// ntpEpoch is the NTP epoch (1900-01-01), the reference point RTCP
// sender reports encode timestamps against.
var ntpEpoch = time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC)

// ntpTimestamp converts t to a 64-bit NTP timestamp (32.32 fixed point).
func ntpTimestamp(t time.Time) uint64 {
	d := t.Sub(ntpEpoch)
	seconds := uint64(d / time.Second)
	frac := uint64((d%time.Second)*(1<<32)) / uint64(time.Second)
	return seconds<<32 | frac
}

// rtcpReporter builds and interprets RTCP sender/receiver reports for one
// RTP stream using pion/rtcp's wire types.
type rtcpReporter struct {
	mu sync.Mutex

	localSSRC  uint32
	clockRate  uint32
	sendOnly   bool // a=recvonly: never emit a SenderReport

	packetsSent uint32
	octetsSent  uint32
	lastPktTime time.Time
	lastPktTS   uint32

	source *remoteSource

	lastSRSent            uint64 // our own NTP-compact (middle 32 bits) at last SR we sent
	lastSRReceivedCompact uint32 // peer's NTP-compact at the last SR we received
	lastSRRecvTime        time.Time
	rttEstimate           time.Duration
}

func newRTCPReporter(localSSRC, clockRate uint32) *rtcpReporter {
	return &rtcpReporter{localSSRC: localSSRC, clockRate: clockRate}
}

// notePacketSent records one outbound RTP packet's size/timestamp for
// later Sender Report extrapolation.
func (r *rtcpReporter) notePacketSent(payloadLen int, ts uint32, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.packetsSent++
	r.octetsSent += uint32(payloadLen)
	r.lastPktTime = now
	r.lastPktTS = ts
}

// buildReport returns the RTCP packet to send this interval: a
// ReceiverReport if this leg never sends (a=recvonly) or hasn't sent yet,
// otherwise a SenderReport carrying an embedded reception report when a
// remote source has also been heard from — a sender report subsumes a
// receiver report, so only one is ever sent per interval.
func (r *rtcpReporter) buildReport(now time.Time) rtcp.Packet {
	r.mu.Lock()
	defer r.mu.Unlock()

	var rr *rtcp.ReceptionReport
	if r.source != nil {
		report := r.receptionReport(now)
		rr = &report
	}

	if r.sendOnly || r.packetsSent == 0 {
		if rr == nil {
			return nil
		}
		return &rtcp.ReceiverReport{SSRC: r.localSSRC, Reports: []rtcp.ReceptionReport{*rr}}
	}

	offsetSamples := now.Sub(r.lastPktTime).Seconds() * float64(r.clockRate)
	sr := &rtcp.SenderReport{
		SSRC:        r.localSSRC,
		NTPTime:     ntpTimestamp(now),
		RTPTime:     r.lastPktTS + uint32(offsetSamples),
		PacketCount: r.packetsSent,
		OctetCount:  r.octetsSent,
	}
	if rr != nil {
		sr.Reports = []rtcp.ReceptionReport{*rr}
	}
	r.lastSRSent = (sr.NTPTime >> 16) & 0xFFFFFFFF
	return sr
}

// receptionReport renders the tracked remote source into an RFC 3550
// §6.4.1 reception-report block. Caller holds r.mu.
func (r *rtcpReporter) receptionReport(now time.Time) rtcp.ReceptionReport {
	fraction, lost := r.source.lossInterval()

	var lsr, dlsr uint32
	if !r.lastSRRecvTime.IsZero() {
		lsr = uint32(r.lastSRReceivedCompact)
		dlsr = uint32(now.Sub(r.lastSRRecvTime).Seconds() * 65536)
	}

	return rtcp.ReceptionReport{
		SSRC:               r.source.ssrc,
		FractionLost:       fraction,
		TotalLost:          lost,
		LastSequenceNumber: r.source.extendedMax(),
		Jitter:             uint32(r.source.jitter),
		LastSenderReport:   lsr,
		Delay:              dlsr,
	}
}

// onSenderReport folds an inbound SenderReport's NTP timestamp into the
// "last SR" bookkeeping a future reception report will echo back as LSR,
// and returns the embedded reception reports (if any) describing how the
// peer sees our outbound stream.
func (r *rtcpReporter) onSenderReport(sr *rtcp.SenderReport, now time.Time) []rtcp.ReceptionReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastSRReceivedCompact = uint32(sr.NTPTime >> 16)
	r.lastSRRecvTime = now
	return sr.Reports
}

// onReceptionReportOfUs processes a reception report describing our own
// SSRC, updating the round-trip estimate per RFC 3550 Appendix A.8's
// DLSR/LSR formula.
func (r *rtcpReporter) onReceptionReportOfUs(rr rtcp.ReceptionReport, now time.Time) {
	if rr.SSRC != r.localSSRC || rr.LastSenderReport == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	nowCompact := uint32(ntpTimestamp(now) >> 16)
	rtt := nowCompact - rr.LastSenderReport - rr.Delay
	r.rttEstimate = time.Duration(rtt) * time.Second / (1 << 16)
}

func (r *rtcpReporter) setSource(s *remoteSource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.source = s
}
