package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrNotOpen is wrapped by link errors on transports that were never opened
	ErrNotOpen = errors.New("transport not open")

	// ErrClosed is wrapped by link errors on transports closed locally
	ErrClosed = errors.New("transport closed")
)

// LinkErrorKind classifies link failures
type LinkErrorKind int

const (
	// OpenFailed: the port or connection could not be opened
	OpenFailed LinkErrorKind = iota
	// TransportClosed: the link went away while in use
	TransportClosed
	// NotWritable: the device refused a write, e.g. an unplugged serial adapter
	NotWritable
)

func (k LinkErrorKind) String() string {
	switch k {
	case OpenFailed:
		return "open failed"
	case TransportClosed:
		return "transport closed"
	case NotWritable:
		return "not writable"
	default:
		return fmt.Sprintf("link error(%d)", int(k))
	}
}

// LinkError reports a failure of the link to target
type LinkError struct {
	Kind   LinkErrorKind
	Target Target
	Err    error
}

func (e *LinkError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Target.Name(), e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Target.Name(), e.Kind, e.Err)
}

func (e *LinkError) Unwrap() error {
	return e.Err
}

// IsNotWritable reports whether err is a NotWritable link error
func IsNotWritable(err error) bool {
	var le *LinkError
	return errors.As(err, &le) && le.Kind == NotWritable
}
