package media

import "fmt"

// ErrorKind is the media layer's closed error taxonomy, narrowed from a
// MediaErrorCode enum (session/audio/RTP/DTMF/RTCP/jitter-buffer families)
// down to the handful this controller's own operations can actually raise.
type ErrorKind string

const (
	ErrNotStarted       ErrorKind = "NotStarted"
	ErrAlreadyStarted   ErrorKind = "AlreadyStarted"
	ErrClosed           ErrorKind = "Closed"
	ErrInvalidConfig    ErrorKind = "InvalidConfig"
	ErrPortExhausted    ErrorKind = "PortExhausted"
	ErrDTMFNotNegotiated ErrorKind = "DTMFNotNegotiated"
	ErrDTMFInvalidDigit ErrorKind = "DTMFInvalidDigit"
	ErrSRTPFailed       ErrorKind = "SRTPFailed"
	ErrSendFailed       ErrorKind = "SendFailed"
	ErrCSRCFull         ErrorKind = "CSRCFull"
)

// Error is the media layer's typed error, matching the flat Error{Kind,
// ID, Message} shape pkg/session and pkg/dialog already use in this
// module, in place of a separate AudioError/DTMFError/RTPError/
// JitterBufferError subtype hierarchy.
type Error struct {
	Kind    ErrorKind
	ID      string // media session ID
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("media %s: %s: %s", e.ID, e.Kind, e.Message)
}

// Temporary reports whether the operation could succeed if retried, true
// only for transient send failures (port exhaustion and SRTP failure are
// both terminal for the current session).
func (e *Error) Temporary() bool {
	return e.Kind == ErrSendFailed
}

func newErr(kind ErrorKind, id, msg string) *Error {
	return &Error{Kind: kind, ID: id, Message: msg}
}
