package media

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDTMFSenderGeneratesRedundantStartAndEndPackets(t *testing.T) {
	sender := NewDTMFSender(DefaultDTMFPayloadType, 0xABCD, 100, 8000)
	packets := sender.GeneratePackets(Digit5, 10, 1600)
	require.Len(t, packets, 6)

	for i, pkt := range packets {
		require.Equal(t, uint8(DefaultDTMFPayloadType), pkt.PayloadType)
		require.Equal(t, uint32(0xABCD), pkt.SSRC)
		if i == 0 {
			require.True(t, pkt.Marker, "first start packet must carry the marker bit")
		} else {
			require.False(t, pkt.Marker)
		}
	}

	for i := 0; i < 3; i++ {
		e, err := unmarshalEvent(packets[i].Payload)
		require.NoError(t, err)
		require.Equal(t, Digit5, e.digit)
		require.False(t, e.end)
	}
	for i := 3; i < 6; i++ {
		e, err := unmarshalEvent(packets[i].Payload)
		require.NoError(t, err)
		require.Equal(t, Digit5, e.digit)
		require.True(t, e.end)
	}
}

func TestDTMFReceiverFiresOncePerDigit(t *testing.T) {
	var fired []Digit
	recv := NewDTMFReceiver(DefaultDTMFPayloadType, func(d Digit, _ uint16) {
		fired = append(fired, d)
	})

	sender := NewDTMFSender(DefaultDTMFPayloadType, 0xABCD, 0, 0)
	packets := sender.GeneratePackets(DigitStar, 10, 1600)

	for _, pkt := range packets {
		handled, err := recv.Process(pkt)
		require.NoError(t, err)
		require.True(t, handled)
	}

	require.Equal(t, []Digit{DigitStar}, fired)
}

func TestDTMFReceiverIgnoresOtherPayloadTypes(t *testing.T) {
	recv := NewDTMFReceiver(DefaultDTMFPayloadType, func(Digit, uint16) {
		t.Fatal("callback should not fire for non-DTMF payload type")
	})
	pkt := newTestPacket(1, 0)
	handled, err := recv.Process(pkt)
	require.NoError(t, err)
	require.False(t, handled)
}

func TestParseDigit(t *testing.T) {
	cases := map[rune]Digit{
		'0': Digit0, '9': Digit9, '*': DigitStar, '#': DigitPound,
		'A': DigitA, 'd': DigitD,
	}
	for r, want := range cases {
		got, err := ParseDigit(r)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}

	_, err := ParseDigit('!')
	require.Error(t, err)
}
