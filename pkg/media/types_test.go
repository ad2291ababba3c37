package media

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPayloadTypeExpectedPayloadSize(t *testing.T) {
	cases := []struct {
		pt   PayloadType
		dur  time.Duration
		want int
	}{
		{PayloadPCMU, 20 * time.Millisecond, 160},
		{PayloadPCMA, 20 * time.Millisecond, 160},
		{PayloadG729, 80 * time.Millisecond, 80},
		{PayloadGSM, 20 * time.Millisecond, 33},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, tc.pt.ExpectedPayloadSize(tc.dur), "payload type %s", tc.pt)
	}
}

func TestDirectionHold(t *testing.T) {
	require.Equal(t, DirectionSendOnly, DirectionSendRecv.Hold())
	require.Equal(t, DirectionSendOnly, DirectionRecvOnly.Hold())
	require.Equal(t, DirectionInactive, DirectionInactive.Hold())
}

func TestDirectionCanSendReceive(t *testing.T) {
	require.True(t, DirectionSendRecv.CanSend())
	require.True(t, DirectionSendRecv.CanReceive())
	require.True(t, DirectionSendOnly.CanSend())
	require.False(t, DirectionSendOnly.CanReceive())
	require.False(t, DirectionRecvOnly.CanSend())
	require.True(t, DirectionRecvOnly.CanReceive())
	require.False(t, DirectionInactive.CanSend())
	require.False(t, DirectionInactive.CanReceive())
}
