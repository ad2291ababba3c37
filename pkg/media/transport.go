package media

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pion/rtp"
)

// Transport abstracts the RTP packet I/O path.
type Transport interface {
	Send(*rtp.Packet) error
	// SendRaw writes pre-marshaled bytes to the current remote address,
	// used for RTCP reports multiplexed onto the same RTP socket (RFC
	// 5761).
	SendRaw(data []byte) error
	Receive(ctx context.Context) (*rtp.Packet, net.Addr, error)
	LocalAddr() net.Addr
	Close() error
}

// UDPTransport is the default Transport.
type UDPTransport struct {
	conn       *net.UDPConn
	remoteAddr *net.UDPAddr
	bufferSize int

	mu     sync.RWMutex
	active bool
}

// NewUDPTransport binds a UDP socket on localAddr ("host:port") for RTP
// I/O. remoteAddr may be empty, in which case it is learned from the first
// received packet.
func NewUDPTransport(localAddr, remoteAddr string) (*UDPTransport, error) {
	laddr, err := net.ResolveUDPAddr("udp", localAddr)
	if err != nil {
		return nil, fmt.Errorf("media: resolve local addr: %w", err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("media: listen udp: %w", err)
	}

	t := &UDPTransport{conn: conn, bufferSize: 1500, active: true}
	if remoteAddr != "" {
		raddr, err := net.ResolveUDPAddr("udp", remoteAddr)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("media: resolve remote addr: %w", err)
		}
		t.remoteAddr = raddr
	}
	return t, nil
}

func (t *UDPTransport) Send(pkt *rtp.Packet) error {
	t.mu.RLock()
	active, conn, remote := t.active, t.conn, t.remoteAddr
	t.mu.RUnlock()

	if !active {
		return fmt.Errorf("media: transport closed")
	}
	if remote == nil {
		return fmt.Errorf("media: no remote address set")
	}
	data, err := pkt.Marshal()
	if err != nil {
		return fmt.Errorf("media: marshal rtp packet: %w", err)
	}
	_, err = conn.WriteToUDP(data, remote)
	return err
}

// SendRaw writes already-marshaled bytes (an RTCP compound packet) to the
// current remote address, sharing the RTP socket per RFC 5761 RTCP-mux.
func (t *UDPTransport) SendRaw(data []byte) error {
	t.mu.RLock()
	active, conn, remote := t.active, t.conn, t.remoteAddr
	t.mu.RUnlock()

	if !active {
		return fmt.Errorf("media: transport closed")
	}
	if remote == nil {
		return fmt.Errorf("media: no remote address set")
	}
	_, err := conn.WriteToUDP(data, remote)
	return err
}

// Receive blocks (with a short internal poll deadline so ctx cancellation
// is honored promptly) until one RTP packet arrives or ctx is done.
func (t *UDPTransport) Receive(ctx context.Context) (*rtp.Packet, net.Addr, error) {
	t.mu.RLock()
	active, conn, bufSize := t.active, t.conn, t.bufferSize
	t.mu.RUnlock()

	if !active {
		return nil, nil, fmt.Errorf("media: transport closed")
	}
	select {
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	default:
	}

	buf := make([]byte, bufSize)
	conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	n, addr, err := conn.ReadFromUDP(buf)
	if err != nil {
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		default:
		}
		return nil, nil, err
	}

	t.mu.Lock()
	if t.remoteAddr == nil {
		t.remoteAddr = addr
	}
	t.mu.Unlock()

	pkt := &rtp.Packet{}
	if err := pkt.Unmarshal(buf[:n]); err != nil {
		return nil, nil, fmt.Errorf("media: unmarshal rtp packet: %w", err)
	}
	return pkt, addr, nil
}

func (t *UDPTransport) LocalAddr() net.Addr {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.conn == nil {
		return nil
	}
	return t.conn.LocalAddr()
}

// SetRemoteAddr updates the destination address packets are sent to.
func (t *UDPTransport) SetRemoteAddr(addr string) error {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.remoteAddr = raddr
	t.mu.Unlock()
	return nil
}

func (t *UDPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.active {
		return nil
	}
	t.active = false
	return t.conn.Close()
}
