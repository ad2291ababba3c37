// Package config holds the enumerated configuration surface of the
// signaling-to-media engine: transport, transaction timers, session
// timeouts, media negotiation defaults, and security posture.
package config

import "time"

// TransportKind is the wire transport a dialog or transaction runs over.
type TransportKind int

const (
	TransportUDP TransportKind = iota
	TransportTCP
	TransportTLS
)

func (k TransportKind) String() string {
	switch k {
	case TransportUDP:
		return "UDP"
	case TransportTCP:
		return "TCP"
	case TransportTLS:
		return "TLS"
	default:
		return "unknown"
	}
}

// Reliable reports whether the transport guarantees in-order delivery,
// which governs whether timers A/E/G retransmit at all (RFC 3261 §17).
func (k TransportKind) Reliable() bool {
	return k == TransportTCP || k == TransportTLS
}

// SRTPMode selects how (if at all) the media controller secures RTP.
type SRTPMode int

const (
	SRTPOff SRTPMode = iota
	SRTPSDES
	SRTPDTLS
	SRTPPreferDTLS
)

// TransportConfig describes the local signaling endpoint.
type TransportConfig struct {
	BindAddress string
	Kind        TransportKind
	FromURI     string
	ContactURI  string
	UserAgent   string
}

// TimerConfig carries the RFC 3261 §17.1.1.1 base timer values.
type TimerConfig struct {
	T1 time.Duration
	T2 time.Duration
	T4 time.Duration
}

// DefaultTimerConfig returns the RFC-mandated defaults (500/4000/5000ms).
func DefaultTimerConfig() TimerConfig {
	return TimerConfig{
		T1: 500 * time.Millisecond,
		T2: 4 * time.Second,
		T4: 5 * time.Second,
	}
}

// SessionConfig governs session-coordinator-level timeouts and features.
type SessionConfig struct {
	InviteTimeout          time.Duration
	RingingTimeout         time.Duration
	DefaultSessionExpires  time.Duration
	Enable100rel           bool
	PreferUACRefresher     bool
	AllowTargetRefresh     bool
	HoldMaxTimeout         time.Duration // not read by any package; no hold-max timer runs
}

// DefaultSessionConfig mirrors session-timer and no-answer timeout
// defaults discussed alongside RFC 4028.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		InviteTimeout:         180 * time.Second,
		RingingTimeout:        180 * time.Second,
		DefaultSessionExpires: 1800 * time.Second,
		Enable100rel:          false,
		PreferUACRefresher:    true,
		AllowTargetRefresh:    true,
	}
}

// MediaConfig governs RTP port allocation, jitter buffering, and SRTP.
type MediaConfig struct {
	RTPPortMin       uint16
	RTPPortMax       uint16
	JitterBufferMS   int
	SRTPMode         SRTPMode
	PreferredCodecs  []uint8 // ordered payload-type preference
}

// DefaultMediaConfig returns a sane default RTP port range and a 60ms
// default jitter target.
func DefaultMediaConfig() MediaConfig {
	return MediaConfig{
		RTPPortMin:      10000,
		RTPPortMax:      20000,
		JitterBufferMS:  60,
		SRTPMode:        SRTPOff,
		PreferredCodecs: []uint8{0, 8}, // PCMU, PCMA
	}
}

// SecurityConfig governs transport/media hardening requirements.
type SecurityConfig struct {
	RequireSIPS  bool
	RequireSRTP  bool
}

// Config is the top-level, fully enumerated configuration for one engine
// instance, one nested struct per concern; Default fills in the defaults
// and the With* options below override individual parts.
type Config struct {
	Transport TransportConfig
	Timers    TimerConfig
	Session   SessionConfig
	Media     MediaConfig
	Security  SecurityConfig
}

// Option mutates a Config during construction.
type Option func(*Config)

// Default returns a Config with every field set to its documented default.
func Default() Config {
	return Config{
		Timers:  DefaultTimerConfig(),
		Session: DefaultSessionConfig(),
		Media:   DefaultMediaConfig(),
	}
}

// New builds a Config from Default() plus the given options.
func New(opts ...Option) Config {
	cfg := Default()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

func WithTransport(bindAddr string, kind TransportKind, fromURI, contactURI, userAgent string) Option {
	return func(c *Config) {
		c.Transport = TransportConfig{
			BindAddress: bindAddr,
			Kind:        kind,
			FromURI:     fromURI,
			ContactURI:  contactURI,
			UserAgent:   userAgent,
		}
	}
}

func WithTimers(t1, t2, t4 time.Duration) Option {
	return func(c *Config) {
		c.Timers = TimerConfig{T1: t1, T2: t2, T4: t4}
	}
}

func WithRTPPortRange(min, max uint16) Option {
	return func(c *Config) {
		c.Media.RTPPortMin = min
		c.Media.RTPPortMax = max
	}
}

func WithSRTPMode(mode SRTPMode) Option {
	return func(c *Config) {
		c.Media.SRTPMode = mode
	}
}

func WithSecurity(requireSIPS, requireSRTP bool) Option {
	return func(c *Config) {
		c.Security.RequireSIPS = requireSIPS
		c.Security.RequireSRTP = requireSRTP
	}
}
