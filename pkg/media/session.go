package media

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/srtp/v3"

	"github.com/coredial/callengine/internal/metrics"
	"github.com/coredial/callengine/pkg/eventbus"
	"github.com/coredial/callengine/pkg/timerwheel"
)

// Config governs one media Controller's RTP/RTCP/jitter/DTMF behavior.
// Jitter buffering is enabled by default, treating it as a standing
// feature of the media controller rather than an opt-in.
type Config struct {
	Ptime       time.Duration
	PayloadType PayloadType
	Direction   Direction

	JitterEnabled bool
	Jitter        JitterConfig

	DTMFEnabled     bool
	DTMFPayloadType PayloadType

	RTCPEnabled  bool
	RTCPInterval time.Duration
}

// DefaultConfig matches a 60ms jitter default and 20ms ptime/PCMU/5s
// RTCP interval defaults.
func DefaultConfig() Config {
	return Config{
		Ptime:           20 * time.Millisecond,
		PayloadType:     PayloadPCMU,
		Direction:       DirectionSendRecv,
		JitterEnabled:   true,
		Jitter:          DefaultJitterConfig(),
		DTMFEnabled:     true,
		DTMFPayloadType: DefaultDTMFPayloadType,
		RTCPEnabled:     true,
		RTCPInterval:    5 * time.Second,
	}
}

// DecodedFrame is one unit handed to a subscriber of decoded audio, the
// realization of subscribe_decoded_frames() → Stream
// operation: the controller itself does no codec DSP, it only demultiplexes
// RTP payload bytes per packet.
type DecodedFrame struct {
	PayloadType PayloadType
	Payload     []byte
	Timestamp   uint32
	Marker      bool
}

// Callbacks lets the owning session observe controller events without a
// pointer back-reference, matching pkg/session.Callbacks's style.
type Callbacks struct {
	OnDecodedFrame func(DecodedFrame)
	OnDTMF         func(Digit, uint16)
	OnStateChanged func(from, to State)
	OnSRTPState    func(SRTPState)
}

// Controller is the media controller: lifecycle and runtime control of
// the RTP session bound to one call leg, with SRTP and library-backed
// RTCP built in.
type Controller struct {
	id     string
	config Config

	wheel *timerwheel.Wheel
	bus   *eventbus.Bus
	stats *metrics.Collector
	cb    Callbacks

	transport Transport
	localPort uint16
	ssrc      uint32

	mu        sync.RWMutex
	state     State
	direction Direction
	payload   PayloadType

	seq       uint16
	timestamp uint32

	jitter      *JitterBuffer
	sources     *sourceTable
	contributors *ContributorList
	rtcp        *rtcpReporter
	dtmfSender  *DTMFSender
	dtmfRecv    *DTMFReceiver
	srtp        *SRTPSession

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	rtcpTickID  timerwheel.ID
	statsTickID timerwheel.ID
}

// Create allocates a local RTP port from pool and returns an Idle
// Controller bound to it, realizing
// create(local_addr_range) → MediaSession operation. Port exhaustion fails
// before any network resource is touched, matching the "local port
// exhaustion → session Failed before INVITE is sent" failure semantics.
func Create(id, bindAddr string, pool *PortPool, cfg Config, wheel *timerwheel.Wheel, bus *eventbus.Bus, stats *metrics.Collector, cb Callbacks) (*Controller, error) {
	port, err := pool.Allocate()
	if err != nil {
		return nil, newErr(ErrPortExhausted, id, err.Error())
	}

	ssrc, err := generateSSRC()
	if err != nil {
		pool.Release(port)
		return nil, newErr(ErrInvalidConfig, id, fmt.Sprintf("generate SSRC: %v", err))
	}

	transport, err := NewUDPTransport(fmt.Sprintf("%s:%d", bindAddr, port), "")
	if err != nil {
		pool.Release(port)
		return nil, newErr(ErrPortExhausted, id, err.Error())
	}

	c := &Controller{
		id:           id,
		config:       cfg,
		wheel:        wheel,
		bus:          bus,
		stats:        stats,
		cb:           cb,
		transport:    transport,
		localPort:    port,
		ssrc:         ssrc,
		state:        StateIdle,
		direction:    cfg.Direction,
		payload:      cfg.PayloadType,
		sources:      newSourceTable(),
		contributors: NewContributorList(),
	}
	return c, nil
}

// LocalPort returns the allocated RTP port (RTCP, if enabled, implicitly
// uses the next odd port per RFC 3550 §11 convention, tracked only by the
// pool — this controller multiplexes RTCP on the same socket instead,
// matching RFC 5761's RTP/RTCP multiplexing and the DTLS-SRTP-on-the-
// same-port requirement the controller already has to satisfy).
func (c *Controller) LocalPort() uint16 { return c.localPort }

func (c *Controller) SSRC() uint32 { return c.ssrc }

func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// ApplyNegotiatedSDP sets payload type, remote address, direction, and (if
// present) SRTP keying mode from the session layer's already-negotiated
// SDP, realizing apply_negotiated_sdp(local, remote).
func (c *Controller) ApplyNegotiatedSDP(neg NegotiatedMedia) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateClosed || c.state == StateFailed {
		return newErr(ErrClosed, c.id, "cannot apply SDP to a closed session")
	}

	c.payload = neg.PayloadType
	c.direction = neg.Direction

	udp, ok := c.transport.(*UDPTransport)
	if ok {
		remote := fmt.Sprintf("%s:%d", neg.RemoteAddr, neg.RemotePort)
		if err := udp.SetRemoteAddr(remote); err != nil {
			return newErr(ErrInvalidConfig, c.id, err.Error())
		}
	}

	if c.config.DTMFEnabled && neg.DTMFPT >= 0 {
		pt := PayloadType(neg.DTMFPT)
		c.dtmfSender = NewDTMFSender(pt, c.ssrc, c.seq, c.timestamp)
		c.dtmfRecv = NewDTMFReceiver(pt, func(d Digit, dur uint16) {
			if c.cb.OnDTMF != nil {
				c.cb.OnDTMF(d, dur)
			}
		})
	}

	switch neg.SRTPMode {
	case SRTPModeSDES:
		// Key derivation from SDES material is delegated to whatever
		// produced neg.SDESKey/SDESSalt; build contexts here.
		sess, err := NewSDESSRTPSession(neg.SDESKey, neg.SDESSalt, neg.SDESKey, neg.SDESSalt, srtp.ProtectionProfileAes128CmHmacSha1_80)
		if err != nil {
			return newErr(ErrSRTPFailed, c.id, err.Error())
		}
		c.srtp = sess
	case SRTPModeDTLS:
		// No SRTP context is built here and Start runs no handshake:
		// the controller never calls RunDTLSHandshake, so c.srtp stays
		// nil for this mode.
	}

	return nil
}

// Start transitions Idle → Active, launching the receive loop and (if
// enabled) the jitter buffer drain loop, RTCP send loop, and 1Hz
// statistics publisher.
func (c *Controller) Start() error {
	c.mu.Lock()
	if c.state == StateActive {
		c.mu.Unlock()
		return newErr(ErrAlreadyStarted, c.id, "already active")
	}
	if c.state == StateClosed || c.state == StateFailed {
		c.mu.Unlock()
		return newErr(ErrClosed, c.id, "cannot start a closed session")
	}

	from := c.state
	c.state = StateActive
	if c.config.JitterEnabled {
		c.jitter = NewJitterBuffer(c.config.Jitter, c.payload.ClockRate(), c.wheel)
	}
	if c.config.RTCPEnabled {
		c.rtcp = newRTCPReporter(c.ssrc, c.payload.ClockRate())
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.mu.Unlock()

	c.wg.Add(1)
	go c.receiveLoop()

	if c.config.JitterEnabled {
		c.wg.Add(1)
		go c.jitterDrainLoop()
	}
	if c.config.RTCPEnabled {
		c.rtcpTickID = c.wheel.Schedule(c.config.RTCPInterval, c.sendRTCPReport)
	}
	c.statsTickID = c.wheel.Schedule(time.Second, c.publishStatistics)

	if c.cb.OnStateChanged != nil {
		c.cb.OnStateChanged(from, StateActive)
	}
	if c.bus != nil {
		c.bus.Publish(eventbus.TopicMediaStarted, eventbus.MediaEvent{MediaSessionID: c.id, Direction: c.direction.String()})
	}
	return nil
}

// Stop transitions to Closed, halting every background loop and releasing
// the transport.
func (c *Controller) Stop() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	from := c.state
	c.state = StateClosed
	cancel := c.cancel
	jitter := c.jitter
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if jitter != nil {
		jitter.Stop()
	}
	c.wheel.Cancel(c.rtcpTickID)
	c.wheel.Cancel(c.statsTickID)
	c.wg.Wait()
	c.transport.Close()

	if c.cb.OnStateChanged != nil {
		c.cb.OnStateChanged(from, StateClosed)
	}
	if c.bus != nil {
		c.bus.Publish(eventbus.TopicMediaStopped, eventbus.MediaEvent{MediaSessionID: c.id, Direction: c.direction.String()})
	}
	return nil
}

// Hold switches direction to sendonly/inactive (via Direction.Hold) and
// Resume restores sendrecv, both realizing hold()/resume().
func (c *Controller) Hold() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed || c.state == StateFailed {
		return newErr(ErrClosed, c.id, "cannot hold a closed session")
	}
	c.direction = c.direction.Hold()
	c.state = StatePaused
	return nil
}

func (c *Controller) Resume(dir Direction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed || c.state == StateFailed {
		return newErr(ErrClosed, c.id, "cannot resume a closed session")
	}
	c.direction = dir
	c.state = StateActive
	return nil
}

// SetDirection realizes set_direction(dir), publishing
// TopicMediaDirectionChanged so subscribers (e.g. the session layer's call
// state machine) can react without polling.
func (c *Controller) SetDirection(dir Direction) {
	c.mu.Lock()
	c.direction = dir
	c.mu.Unlock()
	if c.bus != nil {
		c.bus.Publish(eventbus.TopicMediaDirectionChanged, eventbus.MediaEvent{MediaSessionID: c.id, Direction: dir.String()})
	}
}

func (c *Controller) Direction() Direction {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.direction
}

// SinkEncodedFrame sends one already-encoded audio frame as an RTP packet,
// realizing sink_encoded_frames(Stream<AudioFrame>) as a pull-free,
// one-call-per-frame API (in place of a SendAudioRaw/WriteAudioDirect
// pair); this controller exposes a single
// entry point since pacing is the caller's or an upstream ptime ticker's
// responsibility, not this controller's).
func (c *Controller) SinkEncodedFrame(payload []byte) error {
	c.mu.Lock()
	if c.state != StateActive && c.state != StatePaused {
		c.mu.Unlock()
		return newErr(ErrNotStarted, c.id, "session not active")
	}
	if !c.direction.CanSend() {
		c.mu.Unlock()
		return nil
	}
	pt := c.payload
	seq := c.seq
	c.seq++
	ts := c.timestamp
	c.timestamp += uint32(c.config.Ptime.Seconds() * float64(pt.ClockRate()))
	ssrc := c.ssrc
	csrcs := c.contributors.CSRCList()
	c.mu.Unlock()

	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    uint8(pt),
			SequenceNumber: seq,
			Timestamp:      ts,
			SSRC:           ssrc,
			CSRC:           csrcs,
		},
		Payload: payload,
	}
	return c.sendPacket(pkt, len(payload), ts)
}

func (c *Controller) sendPacket(pkt *rtp.Packet, payloadLen int, ts uint32) error {
	if c.srtp != nil && c.srtp.State() == SRTPActive {
		data, err := pkt.Marshal()
		if err != nil {
			return newErr(ErrSendFailed, c.id, err.Error())
		}
		enc, err := c.srtp.EncryptRTP(nil, data, &pkt.Header)
		if err != nil {
			return newErr(ErrSendFailed, c.id, err.Error())
		}
		encPkt := &rtp.Packet{}
		if err := encPkt.Unmarshal(enc); err != nil {
			return newErr(ErrSendFailed, c.id, err.Error())
		}
		pkt = encPkt
	}

	if err := c.transport.Send(pkt); err != nil {
		return newErr(ErrSendFailed, c.id, err.Error())
	}
	now := time.Now()
	if c.rtcp != nil {
		c.rtcp.notePacketSent(payloadLen, ts, now)
	}
	return nil
}

// SendDTMF realizes send_dtmf(digit, duration_ms), failing
// with ErrDTMFNotNegotiated if the peer never offered telephone-event.
func (c *Controller) SendDTMF(digit Digit, duration time.Duration) error {
	c.mu.Lock()
	sender := c.dtmfSender
	c.mu.Unlock()

	if sender == nil {
		return newErr(ErrDTMFNotNegotiated, c.id, "telephone-event payload type was not negotiated")
	}
	if digit > DigitD {
		return newErr(ErrDTMFInvalidDigit, c.id, fmt.Sprintf("invalid digit %d", digit))
	}

	durationSamples := uint16(duration.Seconds() * float64(c.payload.ClockRate()))
	packets := sender.GeneratePackets(digit, 10, durationSamples)
	for _, pkt := range packets {
		if err := c.sendPacket(pkt, len(pkt.Payload), pkt.Timestamp); err != nil {
			return err
		}
	}
	return nil
}

// AddContributor registers a mixed-in SSRC for CSRC attribution (conference
// mixing), bounded to 15 concurrent contributors per RFC 3550.
func (c *Controller) AddContributor(info ContributorInfo) error {
	return c.contributors.Add(c.id, info)
}

func (c *Controller) RemoveContributor(ssrc uint32) {
	c.contributors.Remove(ssrc)
}

// receiveLoop pulls inbound RTP packets off the transport, decrypting
// (if SRTP is active), diverting DTMF, and either handing the packet
// straight to the decoded-frame callback or through the jitter buffer.
func (c *Controller) receiveLoop() {
	defer c.wg.Done()
	for {
		c.mu.RLock()
		ctx := c.ctx
		c.mu.RUnlock()

		select {
		case <-ctx.Done():
			return
		default:
		}

		pkt, _, err := c.transport.Receive(ctx)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-ctx.Done():
				return
			default:
				continue
			}
		}
		c.handleInbound(pkt)
	}
}

func (c *Controller) handleInbound(pkt *rtp.Packet) {
	c.mu.RLock()
	srtpSess := c.srtp
	dtmfRecv := c.dtmfRecv
	canReceive := c.direction.CanReceive()
	jitter := c.jitter
	c.mu.RUnlock()

	if srtpSess != nil && srtpSess.State() == SRTPActive {
		data, err := pkt.Marshal()
		if err != nil {
			return
		}
		dec, err := srtpSess.DecryptRTP(nil, data, &pkt.Header)
		if err != nil {
			return
		}
		decoded := &rtp.Packet{}
		if err := decoded.Unmarshal(dec); err != nil {
			return
		}
		pkt = decoded
	}

	source := c.sources.get(pkt.SSRC)
	transit := time.Now().UnixNano()/int64(time.Second/time.Duration(c.payload.ClockRate())) - int64(pkt.Timestamp)
	source.update(pkt.SequenceNumber, transit, time.Now())
	if c.rtcp != nil {
		c.rtcp.setSource(source)
	}

	if !canReceive {
		return
	}

	if dtmfRecv != nil {
		handled, err := dtmfRecv.Process(pkt)
		if err == nil && handled {
			return
		}
	}

	if jitter != nil {
		jitter.Put(pkt, time.Now())
		return
	}
	c.deliverDecoded(pkt)
}

func (c *Controller) jitterDrainLoop() {
	defer c.wg.Done()
	for {
		select {
		case pkt, ok := <-c.jitter.Out():
			if !ok {
				return
			}
			c.deliverDecoded(pkt)
		case <-c.jitter.Done():
			return
		}
	}
}

func (c *Controller) deliverDecoded(pkt *rtp.Packet) {
	if c.cb.OnDecodedFrame == nil {
		return
	}
	c.cb.OnDecodedFrame(DecodedFrame{
		PayloadType: PayloadType(pkt.PayloadType),
		Payload:     pkt.Payload,
		Timestamp:   pkt.Timestamp,
		Marker:      pkt.Marker,
	})
}

// sendRTCPReport builds and sends one SR/RR for this interval, then
// reschedules itself through the shared timer wheel's single-timer-owner
// invariant, in place of a raw time.Ticker-driven rtcpSendLoop.
func (c *Controller) sendRTCPReport() {
	c.mu.RLock()
	state := c.state
	reporter := c.rtcp
	c.mu.RUnlock()

	if state == StateActive && reporter != nil {
		if pkt := reporter.buildReport(time.Now()); pkt != nil {
			if data, err := pkt.Marshal(); err == nil {
				c.transport.SendRaw(data)
			}
		}
	}

	c.mu.RLock()
	closed := c.state == StateClosed
	c.mu.RUnlock()
	if !closed {
		c.rtcpTickID = c.wheel.Schedule(c.config.RTCPInterval, c.sendRTCPReport)
	}
}

// publishStatistics takes the 1Hz Statistics snapshot, feeds its jitter and
// loss fields (which Statistics leaves at zero) to the wired
// metrics.Collector hooks, then reschedules itself.
func (c *Controller) publishStatistics() {
	stats := c.Statistics()
	if c.stats != nil {
		c.stats.ObserveJitter(stats.JitterMS)
		if stats.PacketsLost > 0 {
			c.stats.AddPacketsLost(int(stats.PacketsLost))
		}
	}

	c.mu.RLock()
	closed := c.state == StateClosed
	c.mu.RUnlock()
	if !closed {
		c.statsTickID = c.wheel.Schedule(time.Second, c.publishStatistics)
	}
}

// Statistics returns a point-in-time snapshot combining jitter-buffer
// counters, the SRTP state and the contributor count, flattened per this
// module's one-statistics-struct-per-layer convention. The RTCP-derived
// fields (PacketsSent, OctetsSent, OctetsReceived, PacketsLost,
// FractionLost, JitterMS) are not filled in and stay zero.
func (c *Controller) Statistics() Statistics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Statistics{
		SSRC:             c.ssrc,
		ContributorCount: c.contributors.Count(),
	}
	if c.srtp != nil {
		s.SRTPState = c.srtp.State()
	}
	if c.jitter != nil {
		depth, delayMS, received, dropped, late := c.jitter.Stats()
		s.JitterBufferDepth = depth
		s.JitterBufferDelayMS = delayMS
		s.PacketsReceived = received
		s.PacketsDropped = dropped
		s.PacketsLate = late
	}
	return s
}
