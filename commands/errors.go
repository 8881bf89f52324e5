package commands

import (
	"errors"
	"fmt"
)

var (
	// ErrRequestPending is returned when a request awaiting a response of the
	// same kind is already outstanding
	ErrRequestPending = errors.New("request of this kind already pending")

	ErrShortPayload = errors.New("payload too short")
)

// UnknownCommandError reports a response identifier with no registered
// decoder, usually a firmware protocol mismatch
type UnknownCommandError struct {
	ID ID
}

func (e *UnknownCommandError) Error() string {
	return fmt.Sprintf("unknown command id %d", uint8(e.ID))
}

// DecodeError reports a malformed response payload
type DecodeError struct {
	ID  ID
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.ID, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
