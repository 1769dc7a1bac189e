package feed

import (
	"errors"
	"fmt"
)

var (
	// ErrRemote marks failures of a query or procedure call.
	ErrRemote = errors.New("remote operation failed")

	// ErrMalformedEvent marks change events that cannot be decoded.
	ErrMalformedEvent = errors.New("malformed change event")

	// ErrNotFound is returned when a single-row lookup matches nothing.
	ErrNotFound = errors.New("row not found")
)

// RemoteError describes a failed fetch or procedure call.
type RemoteError struct {
	Op      string // "fetch" or "call"
	Target  string // table or procedure name
	Status  int    // transport status code, 0 when unknown
	Message string
	Err     error
}

// Error implements the error interface.
func (e *RemoteError) Error() string {
	msg := fmt.Sprintf("%s %s", e.Op, e.Target)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes the cause; errors.Is(err, ErrRemote) always holds.
func (e *RemoteError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrRemote, e.Err}
	}
	return []error{ErrRemote}
}
