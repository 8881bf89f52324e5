// Package commands maps controller operations to payloads and decodes the
// controller's responses into events.
//
// The wire format has no request ids. A response is matched to the last
// request with the same command id, so at most one awaited request per id
// may be outstanding.
package commands

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"vesclink/protocol"
)

// SendFunc hands an unframed payload to the link
type SendFunc func(payload []byte) error

// Handler receives decoded events
type Handler func(Event)

// DefaultTimeout is how long an awaited request may stay unanswered
const DefaultTimeout = time.Second

// PendingRequest is an awaited request that has not been answered yet
type PendingRequest struct {
	ID       ID
	Issued   time.Time
	Deadline time.Time
	// Retries counts earlier attempts of this id that timed out
	Retries int
}

// Config holds the command layer configuration
type Config struct {
	Timeout  time.Duration
	Timeouts map[ID]time.Duration
	Registry *Registry
	Clock    func() time.Time
}

// Option is a functional option for configuring Commands
type Option func(*Config)

// WithTimeout sets the default response timeout
func WithTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		if timeout > 0 {
			c.Timeout = timeout
		}
	}
}

// WithCommandTimeout overrides the response timeout for one command id
func WithCommandTimeout(id ID, timeout time.Duration) Option {
	return func(c *Config) {
		if timeout > 0 {
			c.Timeouts[id] = timeout
		}
	}
}

// WithRegistry replaces the response decoders
func WithRegistry(r *Registry) Option {
	return func(c *Config) {
		if r != nil {
			c.Registry = r
		}
	}
}

// WithClock sets the time source used for deadlines
func WithClock(clock func() time.Time) Option {
	return func(c *Config) {
		if clock != nil {
			c.Clock = clock
		}
	}
}

type subscription struct {
	id      int
	handler Handler
}

// Commands is the command layer. It is not safe for concurrent use; the
// owner serializes all calls.
type Commands struct {
	send    SendFunc
	cfg     Config
	pending map[ID]*PendingRequest
	retries map[ID]int

	subs    []subscription
	nextSub int

	sendCan bool
	canID   uint8
}

// New creates the command layer on top of send
func New(send SendFunc, opts ...Option) *Commands {
	cfg := Config{
		Timeout:  DefaultTimeout,
		Timeouts: make(map[ID]time.Duration),
		Registry: DefaultRegistry(),
		Clock:    time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Commands{
		send:    send,
		cfg:     cfg,
		pending: make(map[ID]*PendingRequest),
		retries: make(map[ID]int),
	}
}

// Subscribe registers h for every decoded event. The returned function
// removes the subscription.
func (c *Commands) Subscribe(h Handler) func() {
	id := c.nextSub
	c.nextSub++
	c.subs = append(c.subs, subscription{id: id, handler: h})

	return func() {
		for i, s := range c.subs {
			if s.id == id {
				c.subs = append(c.subs[:i], c.subs[i+1:]...)
				return
			}
		}
	}
}

// SetSendCan enables forwarding of every following command over CAN to the
// controller with the given id
func (c *Commands) SetSendCan(enabled bool, id int) {
	c.sendCan = enabled
	c.canID = uint8(id)
}

// SendCan reports the CAN forwarding setting
func (c *Commands) SendCan() (bool, int) {
	return c.sendCan, int(c.canID)
}

// GetFwVersion requests the firmware version
func (c *Commands) GetFwVersion() error {
	return c.request([]byte{byte(FWVersion)}, true, false)
}

// GetFwVersionLocal requests the firmware version of the directly connected
// controller, ignoring CAN forwarding
func (c *Commands) GetFwVersionLocal() error {
	return c.request([]byte{byte(FWVersion)}, true, true)
}

// GetValues requests a telemetry sample
func (c *Commands) GetValues() error {
	return c.request([]byte{byte(GetValues)}, true, false)
}

// GetMcconf requests the motor configuration
func (c *Commands) GetMcconf() error {
	return c.request([]byte{byte(GetMcconf)}, true, false)
}

// GetMcconfDefault requests the default motor configuration
func (c *Commands) GetMcconfDefault() error {
	return c.request([]byte{byte(GetMcconfDefault)}, true, false)
}

// SetMcconf writes a serialized motor configuration
func (c *Commands) SetMcconf(blob []byte) error {
	return c.request(append([]byte{byte(SetMcconf)}, blob...), true, false)
}

// GetAppconf requests the app configuration
func (c *Commands) GetAppconf() error {
	return c.request([]byte{byte(GetAppconf)}, true, false)
}

// GetAppconfDefault requests the default app configuration
func (c *Commands) GetAppconfDefault() error {
	return c.request([]byte{byte(GetAppconfDefault)}, true, false)
}

// SetAppconf writes a serialized app configuration
func (c *Commands) SetAppconf(blob []byte) error {
	return c.request(append([]byte{byte(SetAppconf)}, blob...), true, false)
}

// EraseNewApp erases the firmware upload area for an image of size bytes
func (c *Commands) EraseNewApp(size uint32) error {
	payload := make([]byte, 0, 5)
	payload = append(payload, byte(EraseNewApp))
	payload = protocol.AppendUint32(payload, size)
	return c.request(payload, true, false)
}

// WriteNewAppData writes one firmware chunk at offset
func (c *Commands) WriteNewAppData(offset uint32, data []byte) error {
	payload := make([]byte, 0, 5+len(data))
	payload = append(payload, byte(WriteNewAppData))
	payload = protocol.AppendUint32(payload, offset)
	payload = append(payload, data...)
	return c.request(payload, true, false)
}

// JumpToBootloader starts the bootloader, which installs the uploaded image
func (c *Commands) JumpToBootloader() error {
	return c.request([]byte{byte(JumpToBootloader)}, false, false)
}

// Reboot restarts the controller
func (c *Commands) Reboot() error {
	return c.request([]byte{byte(Reboot)}, false, false)
}

// SendAlive sends a keepalive
func (c *Commands) SendAlive() error {
	return c.request([]byte{byte(Alive)}, false, false)
}

// SendTerminalCmd runs a terminal command. Output arrives as PrintText events.
func (c *Commands) SendTerminalCmd(cmd string) error {
	return c.request(append([]byte{byte(TerminalCmd)}, cmd...), false, false)
}

func (c *Commands) request(payload []byte, await bool, local bool) error {
	id := ID(payload[0])
	if await {
		if _, ok := c.pending[id]; ok {
			return fmt.Errorf("%s: %w", id, ErrRequestPending)
		}
	}

	out := payload
	if c.sendCan && !local {
		out = make([]byte, 0, len(payload)+2)
		out = append(out, byte(ForwardCAN), c.canID)
		out = append(out, payload...)
	}

	if err := c.send(out); err != nil {
		return fmt.Errorf("send %s: %w", id, err)
	}

	if await {
		now := c.cfg.Clock()
		c.pending[id] = &PendingRequest{
			ID:       id,
			Issued:   now,
			Deadline: now.Add(c.timeout(id)),
			Retries:  c.retries[id],
		}
	}
	return nil
}

func (c *Commands) timeout(id ID) time.Duration {
	if d, ok := c.cfg.Timeouts[id]; ok {
		return d
	}
	return c.cfg.Timeout
}

// ProcessPacket decodes one payload, resolves the matching pending request
// and publishes the event. Unknown identifiers are published as
// UnknownCommand and reported as *UnknownCommandError.
func (c *Commands) ProcessPacket(payload []byte) error {
	ev, err := c.cfg.Registry.Dispatch(payload)
	if err != nil {
		var unknown *UnknownCommandError
		if errors.As(err, &unknown) && ev != nil {
			c.publish(ev)
		}
		return err
	}

	id := ev.CommandID()
	delete(c.pending, id)
	delete(c.retries, id)
	c.publish(ev)
	return nil
}

func (c *Commands) publish(ev Event) {
	// Handlers may unsubscribe while being called
	subs := append([]subscription(nil), c.subs...)
	for _, s := range subs {
		s.handler(ev)
	}
}

// Expire removes and returns the pending requests whose deadline passed,
// ordered by id
func (c *Commands) Expire(now time.Time) []PendingRequest {
	var expired []PendingRequest
	for id, p := range c.pending {
		if now.Before(p.Deadline) {
			continue
		}
		expired = append(expired, *p)
		delete(c.pending, id)
		c.retries[id] = p.Retries + 1
	}

	sort.Slice(expired, func(i, j int) bool { return expired[i].ID < expired[j].ID })
	return expired
}

// Pending returns the outstanding request for id
func (c *Commands) Pending(id ID) (PendingRequest, bool) {
	p, ok := c.pending[id]
	if !ok {
		return PendingRequest{}, false
	}
	return *p, true
}

// Outstanding returns the number of pending requests
func (c *Commands) Outstanding() int {
	return len(c.pending)
}

// Cancel drops the pending request for id and its retry count
func (c *Commands) Cancel(id ID) {
	delete(c.pending, id)
	delete(c.retries, id)
}

// Reset drops every pending request and retry count
func (c *Commands) Reset() {
	clear(c.pending)
	clear(c.retries)
}
