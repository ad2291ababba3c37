package media

import (
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/stretchr/testify/require"
)

func TestRTCPReporterBuildsReceiverReportBeforeAnySend(t *testing.T) {
	r := newRTCPReporter(0xAAAA, 8000)
	source := &remoteSource{ssrc: 0xBBBB}
	source.update(0, 0, time.Now())
	r.setSource(source)

	pkt := r.buildReport(time.Now())
	rr, ok := pkt.(*rtcp.ReceiverReport)
	require.True(t, ok, "no packets sent yet, expected a ReceiverReport")
	require.Equal(t, uint32(0xAAAA), rr.SSRC)
	require.Len(t, rr.Reports, 1)
	require.Equal(t, uint32(0xBBBB), rr.Reports[0].SSRC)
}

func TestRTCPReporterBuildsSenderReportAfterSend(t *testing.T) {
	r := newRTCPReporter(0xAAAA, 8000)
	now := time.Now()
	r.notePacketSent(160, 0, now)

	pkt := r.buildReport(now.Add(20 * time.Millisecond))
	sr, ok := pkt.(*rtcp.SenderReport)
	require.True(t, ok, "packets sent, expected a SenderReport")
	require.Equal(t, uint32(0xAAAA), sr.SSRC)
	require.EqualValues(t, 1, sr.PacketCount)
	require.EqualValues(t, 160, sr.OctetCount)
}

func TestRTCPReporterRoundTripsSenderReportTiming(t *testing.T) {
	local := newRTCPReporter(0x1111, 8000)
	remote := newRTCPReporter(0x2222, 8000)

	now := time.Now()
	remote.notePacketSent(160, 0, now)
	sentPkt := remote.buildReport(now)
	sr := sentPkt.(*rtcp.SenderReport)

	reports := local.onSenderReport(sr, now.Add(5*time.Millisecond))
	require.Empty(t, reports)

	require.NotZero(t, local.lastSRReceivedCompact)
}

func TestNTPTimestampMonotonicWithWallClock(t *testing.T) {
	t1 := ntpTimestamp(time.Now())
	t2 := ntpTimestamp(time.Now().Add(time.Second))
	require.Greater(t, t2, t1)
}
