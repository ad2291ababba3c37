package session

import (
	"fmt"
	"strconv"
	"time"

	"github.com/pion/sdp/v3"
)

// Direction mirrors the a=sendrecv/sendonly/recvonly/inactive attribute of
// an SDP media description.
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

// Hold returns the direction that results from placing a stream currently
// in d on hold: sendrecv/recvonly become sendonly, sendonly is unaffected.
func (d Direction) Hold() Direction {
	if d == DirectionInactive {
		return DirectionInactive
	}
	return DirectionSendOnly
}

// MediaDescriptor is the small extracted record the session coordinator
// keeps alongside the opaque SDP bytes: {direction, codec_list, rtp_addr,
// rtp_port}.
type MediaDescriptor struct {
	Direction Direction
	Codecs    []uint8 // RTP payload types, answerer order
	RTPAddr   string
	RTPPort   int
	DTMFPT    int // -1 if telephone-event was not offered
}

// BuildOffer constructs a minimal audio-only SDP offer for localAddr:port
// advertising codecs in preference order.
func BuildOffer(sessionID, localAddr string, port int, codecs []uint8, dir Direction, dtmfPT int) *sdp.SessionDescription {
	now := uint64(time.Now().Unix())
	offer := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username: "-", SessionID: now, SessionVersion: now,
			NetworkType: "IN", AddressType: "IP4", UnicastAddress: localAddr,
		},
		SessionName: sdp.SessionName(sessionID),
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN", AddressType: "IP4", Address: &sdp.Address{Address: localAddr},
		},
		TimeDescriptions: []sdp.TimeDescription{{Timing: sdp.Timing{}}},
	}

	formats := make([]string, 0, len(codecs)+1)
	for _, pt := range codecs {
		formats = append(formats, strconv.Itoa(int(pt)))
	}
	if dtmfPT >= 0 {
		formats = append(formats, strconv.Itoa(dtmfPT))
	}

	md := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media: "audio", Port: sdp.RangedPort{Value: port},
			Protos: []string{"RTP", "AVP"}, Formats: formats,
		},
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN", AddressType: "IP4", Address: &sdp.Address{Address: localAddr},
		},
		Attributes: []sdp.Attribute{sdp.NewPropertyAttribute(dir.String())},
	}
	for _, pt := range codecs {
		md.Attributes = append(md.Attributes, sdp.NewAttribute("rtpmap", rtpmap(pt)))
	}
	if dtmfPT >= 0 {
		md.Attributes = append(md.Attributes,
			sdp.NewAttribute("rtpmap", fmt.Sprintf("%d telephone-event/8000", dtmfPT)),
			sdp.NewAttribute("fmtp", fmt.Sprintf("%d 0-15", dtmfPT)))
	}

	offer.MediaDescriptions = []*sdp.MediaDescription{md}
	return offer
}

func rtpmap(pt uint8) string {
	name := codecName(pt)
	return fmt.Sprintf("%d %s/8000", pt, name)
}

func codecName(pt uint8) string {
	switch pt {
	case 0:
		return "PCMU"
	case 8:
		return "PCMA"
	case 9:
		return "G722"
	default:
		return fmt.Sprintf("codec%d", pt)
	}
}

// ExtractDescriptor reads the small opaque record out of a parsed SDP body:
// connection address/port plus direction and the codec list.
func ExtractDescriptor(desc *sdp.SessionDescription) (MediaDescriptor, error) {
	var audio *sdp.MediaDescription
	for _, m := range desc.MediaDescriptions {
		if m.MediaName.Media == "audio" {
			audio = m
			break
		}
	}
	if audio == nil {
		return MediaDescriptor{}, fmt.Errorf("no audio media description in SDP")
	}

	conn := audio.ConnectionInformation
	if conn == nil {
		conn = desc.ConnectionInformation
	}
	if conn == nil || conn.Address == nil {
		return MediaDescriptor{}, fmt.Errorf("no connection information in SDP")
	}

	md := MediaDescriptor{
		Direction: DirectionSendRecv,
		RTPAddr:   conn.Address.Address,
		RTPPort:   audio.MediaName.Port.Value,
		DTMFPT:    -1,
	}

	for _, attr := range audio.Attributes {
		switch attr.Key {
		case "sendonly":
			md.Direction = DirectionSendOnly
		case "recvonly":
			md.Direction = DirectionRecvOnly
		case "inactive":
			md.Direction = DirectionInactive
		case "sendrecv":
			md.Direction = DirectionSendRecv
		}
	}

	for _, f := range audio.MediaName.Formats {
		pt, err := strconv.Atoi(f)
		if err != nil {
			continue
		}
		if isTelephoneEvent(audio, pt) {
			md.DTMFPT = pt
			continue
		}
		md.Codecs = append(md.Codecs, uint8(pt))
	}

	return md, nil
}

func isTelephoneEvent(m *sdp.MediaDescription, pt int) bool {
	prefix := strconv.Itoa(pt) + " telephone-event"
	for _, attr := range m.Attributes {
		if attr.Key == "rtpmap" && len(attr.Value) >= len(prefix) && attr.Value[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}

// NegotiateCodec implements payload-type negotiation over a single list:
// for renegotiation it keeps previousPT if it is present in offered,
// otherwise it returns offered[0]. offered is not intersected with any
// other side's codec list, so the result is not checked for mutual support.
func NegotiateCodec(offered []uint8, previousPT int, hasPrevious bool) (uint8, error) {
	if hasPrevious {
		for _, pt := range offered {
			if int(pt) == previousPT {
				return pt, nil
			}
		}
	}
	if len(offered) == 0 {
		return 0, fmt.Errorf("no codecs offered")
	}
	return offered[0], nil
}
