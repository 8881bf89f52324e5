package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"vesclink/host/serial"
)

// SerialTransport is a Transport over a serial port
type SerialTransport struct {
	target Target
	opts   Options
	log    *zap.Logger

	mu     sync.Mutex
	port   serial.Port
	closed bool
}

// NewSerial creates a serial transport for target
func NewSerial(target Target, opts Options) *SerialTransport {
	return &SerialTransport{
		target: target,
		opts:   opts,
		log:    opts.Logger.Named("serial").With(zap.String("port", target.Port)),
	}
}

func (s *SerialTransport) Kind() Kind     { return KindSerial }
func (s *SerialTransport) Target() Target { return s.target }

// Open opens the port. The context is only checked before opening; opening
// a local device does not block for long.
func (s *SerialTransport) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return &LinkError{Kind: OpenFailed, Target: s.target, Err: err}
	}

	cfg := serial.DefaultConfig(s.target.Port)
	cfg.Baud = s.target.Baud
	cfg.ReadTimeout = s.opts.SerialReadTimeout

	port, err := s.opts.OpenSerial(cfg)
	if err != nil {
		return &LinkError{Kind: OpenFailed, Target: s.target, Err: err}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		port.Close()
		return &LinkError{Kind: OpenFailed, Target: s.target, Err: ErrClosed}
	}
	s.port = port
	s.mu.Unlock()

	s.log.Debug("serial port opened", zap.Int("baud", s.target.Baud))
	return nil
}

func (s *SerialTransport) getPort() (serial.Port, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port, s.closed
}

// Read reads from the port. An expired read timeout returns (0, nil).
func (s *SerialTransport) Read(p []byte) (int, error) {
	port, _ := s.getPort()
	if port == nil {
		return 0, &LinkError{Kind: TransportClosed, Target: s.target, Err: ErrNotOpen}
	}

	n, err := port.Read(p)
	if n > 0 {
		return n, nil
	}
	if _, closed := s.getPort(); closed {
		return 0, &LinkError{Kind: TransportClosed, Target: s.target, Err: ErrClosed}
	}
	if err == nil || errors.Is(err, io.EOF) {
		// Read timeout
		return 0, nil
	}
	return 0, &LinkError{Kind: TransportClosed, Target: s.target, Err: err}
}

// Write writes all of p. Any failure is reported as NotWritable.
func (s *SerialTransport) Write(p []byte) error {
	port, closed := s.getPort()
	if port == nil || closed {
		return &LinkError{Kind: NotWritable, Target: s.target, Err: ErrNotOpen}
	}

	n, err := port.Write(p)
	if err != nil {
		return &LinkError{Kind: NotWritable, Target: s.target, Err: err}
	}
	if n != len(p) {
		return &LinkError{Kind: NotWritable, Target: s.target, Err: fmt.Errorf("incomplete write: %d/%d bytes", n, len(p))}
	}
	return nil
}

// Close closes the port. It is safe to call more than once, and before or
// during Open.
func (s *SerialTransport) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	port := s.port
	s.mu.Unlock()

	if port == nil {
		return nil
	}
	s.log.Debug("serial port closed")
	return port.Close()
}
