package vesc

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"vesclink/commands"
	"vesclink/host/serial"
	"vesclink/host/transport"
	"vesclink/protocol"
)

// device simulates a controller behind one port. handler answers decoded
// request payloads; a nil handler never answers.
type device struct {
	mu       sync.Mutex
	handler  func(payload []byte) [][]byte
	openErr  error
	writeErr error
	received [][]byte
	links    []*fakeTransport
}

func newDevice(major, minor int) *device {
	return &device{handler: vescHandler(major, minor)}
}

// vescHandler answers like a controller running firmware major.minor
func vescHandler(major, minor int) func([]byte) [][]byte {
	return func(p []byte) [][]byte {
		switch commands.ID(p[0]) {
		case commands.FWVersion:
			resp := []byte{0, byte(major), byte(minor)}
			resp = append(resp, "HW60"...)
			resp = append(resp, 0)
			resp = append(resp, make([]byte, commands.UUIDSize)...)
			return [][]byte{resp}
		case commands.EraseNewApp:
			return [][]byte{{2, 1}}
		case commands.WriteNewAppData:
			return [][]byte{append([]byte{3, 1}, p[1:5]...)}
		case commands.GetValues:
			return [][]byte{{4, 9, 9}}
		case commands.GetMcconf:
			return [][]byte{{14, 0xAA, 0xBB}}
		case commands.GetMcconfDefault:
			return [][]byte{{15, 0xCC}}
		case commands.GetAppconf:
			return [][]byte{{17, 0x01}}
		case commands.GetAppconfDefault:
			return [][]byte{{18, 0x02}}
		case commands.SetMcconf:
			return [][]byte{{13}}
		case commands.SetAppconf:
			return [][]byte{{16}}
		case commands.TerminalCmd:
			return [][]byte{append([]byte{21}, "ok: "+string(p[1:])...)}
		}
		return nil
	}
}

func (d *device) setHandler(h func([]byte) [][]byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handler = h
}

func (d *device) setWriteErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writeErr = err
}

func (d *device) handle(payload []byte) [][]byte {
	d.mu.Lock()
	d.received = append(d.received, append([]byte(nil), payload...))
	h := d.handler
	d.mu.Unlock()

	if h == nil {
		return nil
	}
	return h(payload)
}

// requests returns the received payloads starting with id
func (d *device) requests(id commands.ID) [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out [][]byte
	for _, p := range d.received {
		if commands.ID(p[0]) == id {
			out = append(out, p)
		}
	}
	return out
}

func (d *device) last() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.links) == 0 {
		return nil
	}
	return d.links[len(d.links)-1]
}

// inject sends payload to the host over the newest link
func (d *device) inject(t *testing.T, payload []byte) {
	t.Helper()
	l := d.last()
	if l == nil {
		t.Fatal("No link to inject into")
	}
	l.deliver(payload)
}

// hangup makes the newest link fail like an unplugged cable
func (d *device) hangup() {
	if l := d.last(); l != nil {
		l.Close()
	}
}

// fakeTransport connects the manager to a device
type fakeTransport struct {
	target  transport.Target
	dev     *device
	dec     *protocol.Decoder
	rx      chan []byte
	pending []byte
	closed  chan struct{}
	once    sync.Once
}

func (f *fakeTransport) Kind() transport.Kind     { return f.target.Kind }
func (f *fakeTransport) Target() transport.Target { return f.target }

func (f *fakeTransport) Open(ctx context.Context) error {
	f.dev.mu.Lock()
	err := f.dev.openErr
	f.dev.mu.Unlock()
	if err != nil {
		return &transport.LinkError{Kind: transport.OpenFailed, Target: f.target, Err: err}
	}
	return nil
}

func (f *fakeTransport) Read(p []byte) (int, error) {
	if len(f.pending) == 0 {
		select {
		case data := <-f.rx:
			f.pending = data
		case <-f.closed:
			return 0, &transport.LinkError{Kind: transport.TransportClosed, Target: f.target, Err: transport.ErrClosed}
		}
	}
	n := copy(p, f.pending)
	f.pending = f.pending[n:]
	return n, nil
}

func (f *fakeTransport) Write(p []byte) error {
	f.dev.mu.Lock()
	werr := f.dev.writeErr
	f.dev.mu.Unlock()
	if werr != nil {
		return &transport.LinkError{Kind: transport.NotWritable, Target: f.target, Err: werr}
	}

	for payload, err := range f.dec.Feed(p) {
		if err != nil {
			continue
		}
		for _, resp := range f.dev.handle(payload) {
			f.deliver(resp)
		}
	}
	return nil
}

func (f *fakeTransport) deliver(payload []byte) {
	frame, err := protocol.Encode(payload)
	if err != nil {
		return
	}
	f.deliverRaw(frame)
}

func (f *fakeTransport) deliverRaw(data []byte) {
	select {
	case f.rx <- data:
	case <-f.closed:
	}
}

func (f *fakeTransport) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

// bench routes dialed targets to devices by name. Unknown names get a
// silent device that opens but never answers.
type bench struct {
	mu      sync.Mutex
	devices map[string]*device
	dialed  []string
}

func newBench() *bench {
	return &bench{devices: make(map[string]*device)}
}

func (b *bench) add(name string, d *device) *device {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.devices[name] = d
	return d
}

func (b *bench) device(name string) *device {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.devices[name]
}

func (b *bench) dial(target transport.Target) (transport.Transport, error) {
	b.mu.Lock()
	b.dialed = append(b.dialed, target.Name())
	dev, ok := b.devices[target.Name()]
	if !ok {
		dev = &device{}
		b.devices[target.Name()] = dev
	}
	b.mu.Unlock()

	f := &fakeTransport{
		target: target,
		dev:    dev,
		dec:    protocol.NewDecoder(protocol.DefaultDecoderConfig()),
		rx:     make(chan []byte, 64),
		closed: make(chan struct{}),
	}
	dev.mu.Lock()
	dev.links = append(dev.links, f)
	dev.mu.Unlock()
	return f, nil
}

func (b *bench) dials() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.dialed...)
}

func (b *bench) lister(names ...string) PortLister {
	return func() ([]serial.PortInfo, error) {
		ports := make([]serial.PortInfo, 0, len(names))
		for _, n := range names {
			ports = append(ports, serial.PortInfo{Name: n})
		}
		return ports, nil
	}
}

// startManager starts a manager wired to the bench with fast timers
func startManager(t *testing.T, b *bench, opts ...Option) (*Manager, <-chan Event) {
	t.Helper()

	opts = append([]Option{
		WithDialer(b.dial),
		WithTickInterval(2 * time.Millisecond),
		WithRequestTimeout(40 * time.Millisecond),
		WithHandshakeRetries(2),
		WithSupportedFirmware(FirmwarePair{Major: 3, Minor: 40}),
		WithPortLister(b.lister()),
	}, opts...)

	m := New(opts...)
	events, unsub := m.Subscribe()
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		m.Shutdown()
		unsub()
	})
	return m, events
}

// connect connects to a device on name and waits for the handshake
func connect(t *testing.T, m *Manager, events <-chan Event, name string) {
	t.Helper()
	if err := m.ConnectSerial(name, 0); err != nil {
		t.Fatalf("ConnectSerial failed: %v", err)
	}
	waitEvent(t, events, isState(Connected))
}

const waitTimeout = 3 * time.Second

// waitEvent consumes events until one matches
func waitEvent(t *testing.T, events <-chan Event, match func(Event) bool) Event {
	t.Helper()
	timeout := time.After(waitTimeout)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatal("Event channel closed")
			}
			if match(ev) {
				return ev
			}
		case <-timeout:
			t.Fatal("Timed out waiting for event")
			return Event{}
		}
	}
}

// collect consumes events until one matches stop and returns all of them
func collect(t *testing.T, events <-chan Event, stop func(Event) bool) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(waitTimeout)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatal("Event channel closed")
			}
			out = append(out, ev)
			if stop(ev) {
				return out
			}
		case <-timeout:
			t.Fatalf("Timed out after %d events", len(out))
			return out
		}
	}
}

func isState(s State) func(Event) bool {
	return func(ev Event) bool {
		c, ok := ev.Data.(ConnectionStateChanged)
		return ok && c.To == s
	}
}

func isStatus(substr string) func(Event) bool {
	return func(ev Event) bool {
		s, ok := ev.Data.(StatusMessage)
		return ok && strings.Contains(s.Text, substr)
	}
}

func isType(typ EventType) func(Event) bool {
	return func(ev Event) bool { return ev.Type == typ }
}

// eventually polls cond until it holds
func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Condition never met: %s", msg)
		}
		time.Sleep(2 * time.Millisecond)
	}
}
