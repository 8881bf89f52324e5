package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TCPTransport is a Transport over a TCP connection
type TCPTransport struct {
	target Target
	opts   Options
	log    *zap.Logger

	mu     sync.Mutex
	conn   net.Conn
	closed bool
}

// NewTCP creates a TCP transport for target
func NewTCP(target Target, opts Options) *TCPTransport {
	return &TCPTransport{
		target: target,
		opts:   opts,
		log:    opts.Logger.Named("tcp").With(zap.String("addr", target.Name())),
	}
}

func (t *TCPTransport) Kind() Kind     { return KindTCP }
func (t *TCPTransport) Target() Target { return t.target }

// Open dials the target, giving up after the dial timeout or when ctx ends
func (t *TCPTransport) Open(ctx context.Context) error {
	dialer := net.Dialer{Timeout: t.opts.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", t.target.Name())
	if err != nil {
		t.log.Debug("tcp: dial failed", zap.Error(err))
		return &LinkError{Kind: OpenFailed, Target: t.target, Err: err}
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		conn.Close()
		return &LinkError{Kind: OpenFailed, Target: t.target, Err: ErrClosed}
	}
	t.conn = conn
	t.mu.Unlock()

	t.log.Debug("tcp: connected")
	return nil
}

func (t *TCPTransport) getConn() (net.Conn, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn, t.closed
}

func (t *TCPTransport) Read(p []byte) (int, error) {
	conn, _ := t.getConn()
	if conn == nil {
		return 0, &LinkError{Kind: TransportClosed, Target: t.target, Err: ErrNotOpen}
	}

	n, err := conn.Read(p)
	if n > 0 {
		return n, nil
	}
	if err != nil {
		return 0, &LinkError{Kind: TransportClosed, Target: t.target, Err: err}
	}
	return 0, nil
}

// Write writes all of p within the write timeout
func (t *TCPTransport) Write(p []byte) error {
	conn, closed := t.getConn()
	if conn == nil || closed {
		return &LinkError{Kind: TransportClosed, Target: t.target, Err: ErrNotOpen}
	}

	if t.opts.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(t.opts.WriteTimeout))
	}
	n, err := conn.Write(p)
	if err != nil {
		return &LinkError{Kind: TransportClosed, Target: t.target, Err: err}
	}
	if n != len(p) {
		return &LinkError{Kind: TransportClosed, Target: t.target, Err: fmt.Errorf("incomplete write: %d/%d bytes", n, len(p))}
	}
	return nil
}

// Close closes the connection. It is safe to call more than once, and
// before or during Open.
func (t *TCPTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		return nil
	}
	t.log.Debug("tcp: closed")
	return conn.Close()
}
