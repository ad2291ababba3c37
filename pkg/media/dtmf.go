package media

import (
	"encoding/binary"
	"fmt"

	"github.com/pion/rtp"
)

// Digit is an RFC 4733/2833 telephone-event digit.
type Digit uint8

const (
	Digit0 Digit = 0
	Digit1 Digit = 1
	Digit2 Digit = 2
	Digit3 Digit = 3
	Digit4 Digit = 4
	Digit5 Digit = 5
	Digit6 Digit = 6
	Digit7 Digit = 7
	Digit8 Digit = 8
	Digit9 Digit = 9
	DigitStar Digit = 10
	DigitPound Digit = 11
	DigitA Digit = 12
	DigitB Digit = 13
	DigitC Digit = 14
	DigitD Digit = 15
)

func (d Digit) String() string {
	switch {
	case d <= Digit9:
		return fmt.Sprintf("%d", uint8(d))
	case d == DigitStar:
		return "*"
	case d == DigitPound:
		return "#"
	case d >= DigitA && d <= DigitD:
		return string(rune('A' + (d - DigitA)))
	default:
		return fmt.Sprintf("digit(%d)", uint8(d))
	}
}

// ParseDigit maps a dial-string rune to its RFC 4733 event code.
func ParseDigit(r rune) (Digit, error) {
	switch {
	case r >= '0' && r <= '9':
		return Digit(r - '0'), nil
	case r == '*':
		return DigitStar, nil
	case r == '#':
		return DigitPound, nil
	case r >= 'A' && r <= 'D':
		return DigitA + Digit(r-'A'), nil
	case r >= 'a' && r <= 'd':
		return DigitA + Digit(r-'a'), nil
	default:
		return 0, fmt.Errorf("media: invalid DTMF character %q", r)
	}
}

// DefaultDTMFPayloadType is the conventional dynamic payload type for
// telephone-event (RFC 4733), matching what pkg/session.BuildOffer offers.
const DefaultDTMFPayloadType = 101

// dtmfRepeatCount is how many times start and end packets are each sent,
// RFC 4733's recommended redundancy against packet loss.
const dtmfRepeatCount = 3

// dtmfFrameStep is the RTP timestamp advance between redundant packets of
// the same event at an 8kHz clock and 20ms packetization.
const dtmfFrameStep = 160

// event is the 4-byte RFC 4733 telephone-event payload:
//
//	0                   1                   2                   3
//	0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|     event     |E|R| volume  |          duration             |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
type event struct {
	digit    Digit
	end      bool
	volume   uint8 // 0-63 dBm0 below peak
	duration uint16
}

func (e event) marshal() [4]byte {
	var b [4]byte
	b[0] = uint8(e.digit)
	b[1] = e.volume & 0x3f
	if e.end {
		b[1] |= 0x80
	}
	binary.BigEndian.PutUint16(b[2:4], e.duration)
	return b
}

func unmarshalEvent(b []byte) (event, error) {
	if len(b) < 4 {
		return event{}, fmt.Errorf("media: DTMF payload too short (%d bytes)", len(b))
	}
	return event{
		digit:    Digit(b[0]),
		end:      b[1]&0x80 != 0,
		volume:   b[1] & 0x3f,
		duration: binary.BigEndian.Uint16(b[2:4]),
	}, nil
}

// DTMFSender builds the redundant RTP packet sequence for one telephone
// event (RFC 4733).
type DTMFSender struct {
	payloadType PayloadType
	ssrc        uint32
	seq         uint16
	baseTS      uint32
}

// NewDTMFSender returns a sender that stamps outgoing events starting from
// seq/baseTS, continuing this stream's existing RTP sequence/timestamp
// space (telephone-event packets share the audio stream's SSRC and
// sequence numbering).
func NewDTMFSender(pt PayloadType, ssrc uint32, seq uint16, baseTS uint32) *DTMFSender {
	return &DTMFSender{payloadType: pt, ssrc: ssrc, seq: seq, baseTS: baseTS}
}

// GeneratePackets returns the full packet sequence for one digit: three
// start packets (marker bit set on the first) followed by three end-marked
// packets at the same timestamp, per RFC 4733 §2.5.1's recommended
// transmission pattern.
func (s *DTMFSender) GeneratePackets(digit Digit, volume uint8, durationSamples uint16) []*rtp.Packet {
	packets := make([]*rtp.Packet, 0, dtmfRepeatCount*2)

	for i := 0; i < dtmfRepeatCount; i++ {
		e := event{digit: digit, end: false, volume: volume, duration: durationSamples}
		body := e.marshal()
		packets = append(packets, s.next(body[:], i == 0))
	}
	for i := 0; i < dtmfRepeatCount; i++ {
		e := event{digit: digit, end: true, volume: volume, duration: durationSamples}
		body := e.marshal()
		// The marker bit is set once per event, on the first start
		// packet only; end packets never carry it.
		packets = append(packets, s.next(body[:], false))
	}

	s.baseTS += dtmfFrameStep
	return packets
}

func (s *DTMFSender) next(payload []byte, marker bool) *rtp.Packet {
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         marker,
			PayloadType:    uint8(s.payloadType),
			SequenceNumber: s.seq,
			Timestamp:      s.baseTS,
			SSRC:           s.ssrc,
		},
		Payload: append([]byte(nil), payload...),
	}
	s.seq++
	return pkt
}

// DTMFReceiver decodes inbound telephone-event packets into digit-start
// notifications, de-duplicating the redundant start/end packets RFC 4733
// mandates so a digit fires its callback exactly once.
type DTMFReceiver struct {
	payloadType PayloadType
	onDigit     func(Digit, uint16)

	active bool
	last   Digit
}

// NewDTMFReceiver returns a receiver matching packets of the given payload
// type, invoking onDigit once per new digit start.
func NewDTMFReceiver(pt PayloadType, onDigit func(Digit, uint16)) *DTMFReceiver {
	return &DTMFReceiver{payloadType: pt, onDigit: onDigit}
}

// Process inspects one inbound RTP packet, reporting whether it was a
// telephone-event packet (regardless of whether it triggered a callback).
func (r *DTMFReceiver) Process(pkt *rtp.Packet) (bool, error) {
	if PayloadType(pkt.PayloadType) != r.payloadType {
		return false, nil
	}
	e, err := unmarshalEvent(pkt.Payload)
	if err != nil {
		return false, err
	}

	if e.end {
		if r.active && r.last == e.digit {
			r.active = false
		}
		return true, nil
	}

	if r.active && r.last == e.digit {
		// Continuation of a digit already reported.
		return true, nil
	}

	r.active = true
	r.last = e.digit
	if r.onDigit != nil {
		r.onDigit(e.digit, e.duration)
	}
	return true, nil
}
