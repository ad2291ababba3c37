package media

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGenerateSSRCIsNonDeterministic(t *testing.T) {
	a, err := generateSSRC()
	require.NoError(t, err)
	b, err := generateSSRC()
	require.NoError(t, err)
	require.NotEqual(t, a, b, "two draws colliding is astronomically unlikely and signals a broken RNG")
}

func TestRemoteSourceTracksSequenceWraparound(t *testing.T) {
	src := &remoteSource{ssrc: 1}
	now := time.Now()
	src.update(65534, 0, now)
	src.update(65535, 0, now)
	src.update(0, 0, now)
	src.update(1, 0, now)

	require.EqualValues(t, 1<<16+1, src.extendedMax())
}

func TestRemoteSourceLossInterval(t *testing.T) {
	src := &remoteSource{ssrc: 1}
	now := time.Now()
	// Deliver 0,1,3 (sequence 2 lost).
	src.update(0, 0, now)
	src.update(1, 0, now)
	src.update(3, 0, now)

	fraction, lost := src.lossInterval()
	require.EqualValues(t, 1, lost)
	require.Greater(t, fraction, uint8(0))
}

func TestRemoteSourceJitterEstimate(t *testing.T) {
	j := jitterEstimate(100, 80, 0)
	require.InDelta(t, 20.0/16.0, j, 0.001)
}

func TestSourceTableLazilyCreatesAndRemoves(t *testing.T) {
	table := newSourceTable()
	s1 := table.get(42)
	s2 := table.get(42)
	require.Same(t, s1, s2)

	table.remove(42)
	s3 := table.get(42)
	require.NotSame(t, s1, s3)
}
