// Package media implements the media controller: lifecycle
// and runtime control of the RTP/RTCP stream bound to one call leg. It owns
// SSRC/CSRC bookkeeping, the adaptive jitter buffer, RFC 4733 DTMF, and
// DTLS-SRTP key-state tracking. It is NOT responsible for codec DSP (left
// external) or payload-type negotiation (handled upstream by pkg/session's
// SDP glue, which calls ApplyNegotiatedSDP with the result).
//
// One self-contained package, the way pkg/session and pkg/dialog are
// each self-contained in this module.
package media

import (
	"fmt"
	"time"
)

// PayloadType is an RTP payload type number (RFC 3551 static assignments or
// a dynamically negotiated value).
type PayloadType uint8

// Static payload types this controller knows the clock rate and framing of.
const (
	PayloadPCMU PayloadType = 0
	PayloadGSM  PayloadType = 3
	PayloadPCMA PayloadType = 8
	PayloadG722 PayloadType = 9
	PayloadG728 PayloadType = 15
	PayloadG729 PayloadType = 18
)

// ClockRate returns the RTP timestamp clock rate for a static payload type,
// defaulting to 8000 Hz (true for every codec this controller names,
// including G.722's RFC 3551 §4.5.2 quirk of an 8kHz RTP clock despite
// 16kHz sampling).
func (pt PayloadType) ClockRate() uint32 {
	return 8000
}

func (pt PayloadType) String() string {
	switch pt {
	case PayloadPCMU:
		return "PCMU"
	case PayloadGSM:
		return "GSM"
	case PayloadPCMA:
		return "PCMA"
	case PayloadG722:
		return "G722"
	case PayloadG728:
		return "G728"
	case PayloadG729:
		return "G729"
	default:
		return fmt.Sprintf("PT%d", uint8(pt))
	}
}

// ExpectedPayloadSize returns the wire-size in bytes a packet carrying dur
// of audio at this payload type should have, per codec compression ratio.
func (pt PayloadType) ExpectedPayloadSize(dur time.Duration) int {
	samples := int(dur.Seconds() * float64(pt.ClockRate()))
	switch pt {
	case PayloadG729:
		return samples / 8 // 8:1, one 10-byte frame per 80 samples
	case PayloadGSM:
		return samples * 33 / 160 // 33-byte frame per 160 samples
	case PayloadG728:
		return samples / 4 // 16kbit/s at 8kHz clock
	default:
		return samples // G.711/PCMU/PCMA/G722: one octet per sample
	}
}

// Direction mirrors the negotiated SDP a=sendrecv/sendonly/recvonly/
// inactive attribute, redefined per-package following the repeated
// small-enum-per-package idiom of pkg/rtp.Direction and pkg/session.Direction.
type Direction int

const (
	DirectionSendRecv Direction = iota
	DirectionSendOnly
	DirectionRecvOnly
	DirectionInactive
)

func (d Direction) String() string {
	switch d {
	case DirectionSendOnly:
		return "sendonly"
	case DirectionRecvOnly:
		return "recvonly"
	case DirectionInactive:
		return "inactive"
	default:
		return "sendrecv"
	}
}

func (d Direction) CanSend() bool {
	return d == DirectionSendRecv || d == DirectionSendOnly
}

func (d Direction) CanReceive() bool {
	return d == DirectionSendRecv || d == DirectionRecvOnly
}

// Hold returns the direction that results from placing a stream currently
// in d on hold.
func (d Direction) Hold() Direction {
	if d == DirectionInactive {
		return DirectionInactive
	}
	return DirectionSendOnly
}

// State is the controller's own lifecycle, distinct from the session
// layer's call state.
type State int

const (
	StateIdle State = iota
	StateActive
	StatePaused
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateActive:
		return "Active"
	case StatePaused:
		return "Paused"
	case StateClosed:
		return "Closed"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// SRTPState is the controller's exposed DTLS-SRTP handshake state: the
// controller exposes only a state plus opaque keying references, while
// cryptographic operations are delegated to the external crypto component.
type SRTPState int

const (
	SRTPNone SRTPState = iota
	SRTPNegotiating
	SRTPActive
	SRTPFailed
)

func (s SRTPState) String() string {
	switch s {
	case SRTPNone:
		return "None"
	case SRTPNegotiating:
		return "Negotiating"
	case SRTPActive:
		return "Active"
	case SRTPFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// NegotiatedMedia is the small extracted record handed to ApplyNegotiatedSDP
// by the session layer, mirroring pkg/session.MediaDescriptor's fields plus
// the SRTP keying material the session layer does not itself parse.
type NegotiatedMedia struct {
	PayloadType PayloadType
	RemoteAddr  string
	RemotePort  int
	Direction   Direction
	DTMFPT      int // -1 if telephone-event was not negotiated

	// SRTP fields: zero value means no SRTP. SDESKey/SDESSalt carry SDES
	// keying material straight from SDP a=crypto; SetupRole carries the
	// SDP a=setup attribute ("active"/"passive"/"actpass") for DTLS-SRTP.
	SRTPMode  SRTPMode
	SDESKey   []byte
	SDESSalt  []byte
	SetupRole string
}

// SRTPMode selects how this leg secures its RTP, mirroring
// internal/config.SRTPMode at the granularity the controller needs.
type SRTPMode int

const (
	SRTPModeOff SRTPMode = iota
	SRTPModeSDES
	SRTPModeDTLS
)

// Statistics is the 1Hz loss/jitter/late-packet snapshot, flattened into
// one struct rather than split across parallel hierarchies.
type Statistics struct {
	SSRC uint32

	PacketsSent     uint64
	PacketsReceived uint64
	OctetsSent      uint64
	OctetsReceived  uint64

	PacketsLost  uint32
	FractionLost uint8
	JitterMS     float64

	JitterBufferDepth   int
	JitterBufferDelayMS int
	PacketsLate         uint64
	PacketsDropped      uint64

	ContributorCount int
	SRTPState        SRTPState
}
