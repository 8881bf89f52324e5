// Package transport provides the byte links to a controller: a serial port
// or a TCP connection (e.g. a WiFi bridge), behind one Transport interface.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"

	"vesclink/host/serial"
)

// Kind identifies a transport variant
type Kind int

const (
	KindSerial Kind = iota
	KindTCP
)

func (k Kind) String() string {
	switch k {
	case KindSerial:
		return "serial"
	case KindTCP:
		return "tcp"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Target is where to connect
type Target struct {
	Kind Kind

	// Serial
	Port string
	Baud int

	// TCP
	Host    string
	TCPPort int
}

// SerialTarget returns a serial target. A zero baud selects the default.
func SerialTarget(port string, baud int) Target {
	if baud <= 0 {
		baud = serial.DefaultBaud
	}
	return Target{Kind: KindSerial, Port: port, Baud: baud}
}

// TCPTarget returns a network target
func TCPTarget(host string, port int) Target {
	return Target{Kind: KindTCP, Host: host, TCPPort: port}
}

// Validate checks that the target can be connected to
func (t Target) Validate() error {
	switch t.Kind {
	case KindSerial:
		if t.Port == "" {
			return errors.New("serial target: empty port")
		}
		if t.Baud <= 0 {
			return fmt.Errorf("serial target %s: invalid baud rate %d", t.Port, t.Baud)
		}
	case KindTCP:
		if t.Host == "" {
			return errors.New("tcp target: empty host")
		}
		if t.TCPPort < 1 || t.TCPPort > 65535 {
			return fmt.Errorf("tcp target %s: invalid port %d", t.Host, t.TCPPort)
		}
	default:
		return fmt.Errorf("unknown transport kind %d", int(t.Kind))
	}
	return nil
}

// Name returns the port name or network address
func (t Target) Name() string {
	if t.Kind == KindTCP {
		return net.JoinHostPort(t.Host, strconv.Itoa(t.TCPPort))
	}
	return t.Port
}

func (t Target) String() string {
	if t.Kind == KindSerial {
		return fmt.Sprintf("%s@%d", t.Port, t.Baud)
	}
	return t.Name()
}

// Transport is an open-able, full duplex byte link.
//
// Read blocks until data arrives, the link fails or the transport is
// closed; it may return (0, nil). Errors from Read, Write and Open are
// *LinkError. Close unblocks a pending Read.
type Transport interface {
	Kind() Kind
	Target() Target
	Open(ctx context.Context) error
	Read(p []byte) (int, error)
	Write(p []byte) error
	Close() error
}

// Options configure transports created by New
type Options struct {
	DialTimeout  time.Duration
	WriteTimeout time.Duration

	// SerialReadTimeout is the serial read timeout in milliseconds
	SerialReadTimeout int

	// OpenSerial opens serial ports, serial.Open if nil
	OpenSerial func(*serial.Config) (serial.Port, error)

	Logger *zap.Logger
}

// DefaultOptions returns the options used for controller links
func DefaultOptions() Options {
	return Options{
		DialTimeout:       5 * time.Second,
		WriteTimeout:      2 * time.Second,
		SerialReadTimeout: 100,
		OpenSerial:        serial.Open,
		Logger:            zap.NewNop(),
	}
}

// New creates the transport variant matching target. The transport is not
// opened.
func New(target Target, opts Options) (Transport, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}

	def := DefaultOptions()
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = def.DialTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = def.WriteTimeout
	}
	if opts.SerialReadTimeout <= 0 {
		opts.SerialReadTimeout = def.SerialReadTimeout
	}
	if opts.OpenSerial == nil {
		opts.OpenSerial = def.OpenSerial
	}
	if opts.Logger == nil {
		opts.Logger = def.Logger
	}

	switch target.Kind {
	case KindSerial:
		return NewSerial(target, opts), nil
	case KindTCP:
		return NewTCP(target, opts), nil
	default:
		return nil, fmt.Errorf("unknown transport kind %d", int(target.Kind))
	}
}
