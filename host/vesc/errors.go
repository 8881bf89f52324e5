package vesc

import (
	"errors"
	"fmt"

	"vesclink/commands"
)

var (
	ErrNotRunning         = errors.New("manager not running")
	ErrAlreadyStarted     = errors.New("manager already started")
	ErrNotConnected       = errors.New("not connected")
	ErrNoPreviousTarget   = errors.New("no previous connection")
	ErrUploadOngoing      = errors.New("firmware upload ongoing")
	ErrNoUpload           = errors.New("no firmware upload ongoing")
	ErrEmptyImage         = errors.New("empty firmware image")
	ErrImageTooLarge      = errors.New("firmware image too large")
	ErrAutoconnectOngoing = errors.New("autoconnect ongoing")
	ErrNoAutoconnect      = errors.New("autoconnect not running")

	// ErrLimitedMode is returned for operations the connected firmware
	// cannot be trusted with
	ErrLimitedMode = errors.New("firmware not supported, limited mode")

	// ErrOutboxFull means the writer fell behind the loop
	ErrOutboxFull = errors.New("link outbox full")
)

// RequestTimeoutError reports a request that stayed unanswered after its
// retries
type RequestTimeoutError struct {
	ID      commands.ID
	Retries int
}

func (e *RequestTimeoutError) Error() string {
	return fmt.Sprintf("%s: no response after %d retries", e.ID, e.Retries)
}

// UploadError reports an aborted firmware upload
type UploadError struct {
	Offset  int
	Retries int
	Err     error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("firmware upload failed at offset %d after %d retries: %v", e.Offset, e.Retries, e.Err)
}

func (e *UploadError) Unwrap() error {
	return e.Err
}

// errLinkClosed is wrapped by UploadError when the link went away
var errLinkClosed = errors.New("connection closed")

// errChunkNak is wrapped by UploadError when the controller kept refusing
// a chunk
var errChunkNak = errors.New("chunk refused")
