package media

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/pion/dtls/v2"
	"github.com/pion/rtp"
	"github.com/pion/srtp/v3"
)

// DTLSConfig carries the certificate/role material needed to run a
// DTLS-SRTP handshake on the RTP port, narrowed to the fields this
// controller's handshake actually drives (cipher suite selection and SNI
// verification are left to pion/dtls's own defaults).
type DTLSConfig struct {
	Certificates     []tls.Certificate
	HandshakeTimeout time.Duration
}

// DefaultDTLSConfig returns the default DTLS-SRTP handshake timeout.
func DefaultDTLSConfig() DTLSConfig {
	return DTLSConfig{HandshakeTimeout: 30 * time.Second}
}

// SRTPSession holds the negotiated SRTP encrypt/decrypt contexts for one
// media leg, split into separate local/remote contexts derived from one
// DTLS ExportKeyingMaterial call.
type SRTPSession struct {
	state State2

	local  *srtp.Context // encrypts our outbound RTP
	remote *srtp.Context // decrypts inbound RTP
}

// State2 avoids colliding with the controller's own State name while still
// reusing SRTPState's three values; it is simply SRTPState under another
// name for this type's field.
type State2 = SRTPState

// NewSDESSRTPSession builds encrypt/decrypt contexts directly from SDES
// keying material carried in the SDP a=crypto line (no handshake needed).
func NewSDESSRTPSession(localKey, localSalt, remoteKey, remoteSalt []byte, profile srtp.ProtectionProfile) (*SRTPSession, error) {
	local, err := srtp.CreateContext(localKey, localSalt, profile)
	if err != nil {
		return nil, fmt.Errorf("media: create local SRTP context: %w", err)
	}
	remote, err := srtp.CreateContext(remoteKey, remoteSalt, profile)
	if err != nil {
		return nil, fmt.Errorf("media: create remote SRTP context: %w", err)
	}
	return &SRTPSession{state: SRTPActive, local: local, remote: remote}, nil
}

// RunDTLSHandshake performs a DTLS handshake over conn (already connected
// to the peer's RTP address via net.Dial), acting as client or server per
// the SDP a=setup attribute, then derives SRTP keying material via
// ExportKeyingMaterial (RFC 5764 §4.2) and builds the two SRTP contexts.
// setupRole is the peer's a=setup value: "actpass"/"passive" means we act
// as the DTLS client (the peer will be server); "active" means we act as
// server.
func RunDTLSHandshake(ctx context.Context, conn net.Conn, setupRole string, cfg DTLSConfig) (*SRTPSession, error) {
	dtlsConf := &dtls.Config{
		Certificates:         cfg.Certificates,
		SRTPProtectionProfiles: []dtls.SRTPProtectionProfile{dtls.SRTP_AES128_CM_HMAC_SHA1_80},
	}

	var dtlsConn *dtls.Conn
	var err error
	var weAreServer bool

	switch setupRole {
	case "actpass", "passive":
		dtlsConn, err = dtls.ClientWithContext(ctx, conn, dtlsConf)
	case "active":
		weAreServer = true
		dtlsConn, err = dtls.ServerWithContext(ctx, conn, dtlsConf)
	default:
		return nil, fmt.Errorf("media: unknown a=setup value %q", setupRole)
	}
	if err != nil {
		return nil, fmt.Errorf("media: dtls handshake: %w", err)
	}

	state, ok := dtlsConn.ConnectionState()
	if !ok {
		return nil, fmt.Errorf("media: dtls connection state unavailable after handshake")
	}
	selected, _ := dtlsConn.SelectedSRTPProtectionProfile()
	profile := srtp.ProtectionProfile(selected)

	keyLen, err := profile.KeyLen()
	if err != nil {
		return nil, fmt.Errorf("media: srtp key length: %w", err)
	}
	saltLen, err := profile.SaltLen()
	if err != nil {
		return nil, fmt.Errorf("media: srtp salt length: %w", err)
	}

	keying, err := state.ExportKeyingMaterial("EXTRACTOR-dtls_srtp", nil, 2*(keyLen+saltLen))
	if err != nil {
		return nil, fmt.Errorf("media: export keying material: %w", err)
	}

	clientKey := keying[:keyLen]
	serverKey := keying[keyLen : 2*keyLen]
	clientSalt := keying[2*keyLen : 2*keyLen+saltLen]
	serverSalt := keying[2*keyLen+saltLen:]

	localKey, remoteKey := clientKey, serverKey
	localSalt, remoteSalt := clientSalt, serverSalt
	if weAreServer {
		localKey, remoteKey = remoteKey, localKey
		localSalt, remoteSalt = remoteSalt, localSalt
	}

	local, err := srtp.CreateContext(localKey, localSalt, profile)
	if err != nil {
		return nil, fmt.Errorf("media: create local SRTP context: %w", err)
	}
	remoteCtx, err := srtp.CreateContext(remoteKey, remoteSalt, profile)
	if err != nil {
		return nil, fmt.Errorf("media: create remote SRTP context: %w", err)
	}

	return &SRTPSession{state: SRTPActive, local: local, remote: remoteCtx}, nil
}

// EncryptRTP encrypts an outbound RTP packet in place into dst.
func (s *SRTPSession) EncryptRTP(dst, plaintext []byte, header *rtp.Header) ([]byte, error) {
	return s.local.EncryptRTP(dst, plaintext, header)
}

// DecryptRTP decrypts an inbound RTP packet in place into dst.
func (s *SRTPSession) DecryptRTP(dst, ciphertext []byte, header *rtp.Header) ([]byte, error) {
	return s.remote.DecryptRTP(dst, ciphertext, header)
}

// State reports the SRTP session's current handshake state.
func (s *SRTPSession) State() SRTPState {
	if s == nil {
		return SRTPNone
	}
	return s.state
}
