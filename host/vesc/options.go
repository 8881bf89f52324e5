package vesc

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"vesclink/host/serial"
	"vesclink/host/transport"
	"vesclink/protocol"
)

// FirmwarePair is a firmware major.minor version
type FirmwarePair struct {
	Major int
	Minor int
}

func (p FirmwarePair) String() string {
	return fmt.Sprintf("%d.%d", p.Major, p.Minor)
}

// DefaultSupportedFirmware lists the firmware versions the config layer
// understands. Other versions connect in limited mode.
var DefaultSupportedFirmware = []FirmwarePair{
	{Major: 3, Minor: 40},
	{Major: 3, Minor: 39},
	{Major: 3, Minor: 38},
	{Major: 3, Minor: 37},
}

// ConfigSink receives configuration blobs read from the controller
type ConfigSink interface {
	UpdateMotorConfig(blob []byte, isDefault bool)
	UpdateAppConfig(blob []byte, isDefault bool)
}

// Dialer creates an unopened transport for a target
type Dialer func(target transport.Target) (transport.Transport, error)

// PortLister enumerates serial ports for autoconnect
type PortLister func() ([]serial.PortInfo, error)

// Config holds the manager configuration
type Config struct {
	Logger *zap.Logger

	// TickInterval is the period of the manager timer
	TickInterval time.Duration

	// RequestTimeout is how long a request may stay unanswered
	RequestTimeout time.Duration

	// HandshakeRetries is how many times the firmware version request is
	// resent before the connection attempt is given up
	HandshakeRetries int

	SupportedFirmware []FirmwarePair

	// PollInterval is the telemetry polling period. Polling is off by
	// default (0); enable it with WithPollInterval.
	PollInterval time.Duration

	// LinkTimeout drops a connected link that received nothing for this
	// long. The controller only sends when asked, so the check is off by
	// default (0) and only makes sense together with polling.
	LinkTimeout time.Duration

	// AliveInterval is the period of ALIVE keepalives while connected, 0
	// disables them
	AliveInterval time.Duration

	// Firmware upload
	ChunkSize       int
	ChunkRetries    int
	Erase           bool
	EraseTimeout    time.Duration
	JumpAfterUpload bool

	// Autoconnect
	AutoconnectTimeout time.Duration
	AutoconnectBaud    int
	PortLister         PortLister

	Dialer     Dialer
	ConfigSink ConfigSink
	Decoder    protocol.DecoderConfig
}

// MaxImageSize is the largest firmware image the upload area takes
const MaxImageSize = 1 << 20

func defaultConfig() Config {
	return Config{
		Logger:             zap.NewNop(),
		TickInterval:       20 * time.Millisecond,
		RequestTimeout:     time.Second,
		HandshakeRetries:   5,
		SupportedFirmware:  DefaultSupportedFirmware,
		ChunkSize:          384,
		ChunkRetries:       3,
		Erase:              true,
		EraseTimeout:       10 * time.Second,
		AutoconnectTimeout: 2 * time.Second,
		AutoconnectBaud:    serial.DefaultBaud,
		PortLister:         serial.ListPorts,
		Decoder:            protocol.DefaultDecoderConfig(),
	}
}

// Option is a functional option for configuring the Manager
type Option func(*Config)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(c *Config) {
		if logger != nil {
			c.Logger = logger
		}
	}
}

// WithTickInterval sets the timer period
func WithTickInterval(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.TickInterval = d
		}
	}
}

// WithRequestTimeout sets the response timeout of requests
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.RequestTimeout = d
		}
	}
}

// WithHandshakeRetries sets how often the firmware version request is
// resent while connecting
func WithHandshakeRetries(n int) Option {
	return func(c *Config) {
		if n >= 0 {
			c.HandshakeRetries = n
		}
	}
}

// WithSupportedFirmware replaces the list of fully supported firmware
// versions
func WithSupportedFirmware(pairs ...FirmwarePair) Option {
	return func(c *Config) {
		c.SupportedFirmware = append([]FirmwarePair(nil), pairs...)
	}
}

// WithPollInterval enables telemetry polling while connected
func WithPollInterval(d time.Duration) Option {
	return func(c *Config) {
		c.PollInterval = d
	}
}

// WithAliveInterval sends an ALIVE keepalive every d while connected
func WithAliveInterval(d time.Duration) Option {
	return func(c *Config) {
		c.AliveInterval = d
	}
}

// WithLinkTimeout drops connected links that stay silent for d
func WithLinkTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.LinkTimeout = d
	}
}

// WithChunkSize sets the firmware upload chunk size
//
// Example:
//
//	m := vesc.New(vesc.WithChunkSize(256))
func WithChunkSize(size int) Option {
	return func(c *Config) {
		if size > 0 {
			c.ChunkSize = size
		}
	}
}

// WithChunkRetries sets how often a timed out or refused chunk is resent
func WithChunkRetries(n int) Option {
	return func(c *Config) {
		if n >= 0 {
			c.ChunkRetries = n
		}
	}
}

// WithErase enables or disables erasing the upload area first
func WithErase(enabled bool) Option {
	return func(c *Config) {
		c.Erase = enabled
	}
}

// WithEraseTimeout sets the response timeout of the erase request
func WithEraseTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.EraseTimeout = d
		}
	}
}

// WithJumpAfterUpload makes the controller start its bootloader after a
// successful upload
func WithJumpAfterUpload(enabled bool) Option {
	return func(c *Config) {
		c.JumpAfterUpload = enabled
	}
}

// WithAutoconnectTimeout sets how long each autoconnect candidate gets
func WithAutoconnectTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.AutoconnectTimeout = d
		}
	}
}

// WithPortLister replaces serial port enumeration
func WithPortLister(lister PortLister) Option {
	return func(c *Config) {
		if lister != nil {
			c.PortLister = lister
		}
	}
}

// WithDialer replaces transport creation
func WithDialer(dialer Dialer) Option {
	return func(c *Config) {
		c.Dialer = dialer
	}
}

// WithConfigSink forwards configuration blobs to sink
func WithConfigSink(sink ConfigSink) Option {
	return func(c *Config) {
		c.ConfigSink = sink
	}
}

// WithDecoderConfig sets the frame decoder limits
func WithDecoderConfig(cfg protocol.DecoderConfig) Option {
	return func(c *Config) {
		c.Decoder = cfg
	}
}
