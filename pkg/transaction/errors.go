package transaction

import "fmt"

// ErrorKind is the closed Transaction-layer error taxonomy.
type ErrorKind string

const (
	ErrTimeout              ErrorKind = "Timeout"
	ErrDuplicateRequest     ErrorKind = "DuplicateRequest"
	ErrNoMatchingTransaction ErrorKind = "NoMatchingTransaction"
)

// Error is the transaction layer's typed error, over its own closed
// taxonomy rather than one flat SIP-wide error type.
type Error struct {
	Kind    ErrorKind
	Key     string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("transaction %s: %s: %s", e.Key, e.Kind, e.Message)
}

// Temporary reports whether retrying the same transaction could succeed.
// Per the transaction layer never retries across transactions,
// so this is always false; it exists for symmetry with the other layers'
// error types and so callers can type-switch uniformly.
func (e *Error) Temporary() bool { return false }

func newTimeoutErr(key, timer string) *Error {
	return &Error{Kind: ErrTimeout, Key: key, Message: "timer " + timer + " fired"}
}

func newNoMatchErr(key string) *Error {
	return &Error{Kind: ErrNoMatchingTransaction, Key: key, Message: "no matching transaction"}
}

func newDuplicateErr(key string) *Error {
	return &Error{Kind: ErrDuplicateRequest, Key: key, Message: "retransmission absorbed"}
}
