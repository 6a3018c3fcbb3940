package errs

import (
	"errors"
	"fmt"
)

var (
	ErrNotConnected    = errors.New("not connected to signaling server")
	ErrLeft            = errors.New("session left")
	ErrEngineClosed    = errors.New("media engine closed")
	ErrNoRelay         = errors.New("no relay server configured")
	ErrUnexpectedState = errors.New("unexpected signaling state")
	ErrBadSignal       = errors.New("malformed signal payload")
	ErrPeerLeft        = errors.New("partner left")
)

// Error is an operation failure with optional details, printed as
// "op: err (details)".
type Error struct {
	Op      string
	Err     error
	Details string
}

func (e *Error) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %v (%s)", e.Op, e.Err, e.Details)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(op string, err error) *Error {
	return &Error{Op: op, Err: err}
}

func Wrap(op string, err error, details string) *Error {
	return &Error{Op: op, Err: err, Details: details}
}
