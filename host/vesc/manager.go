// Package vesc manages the connection to a VESC motor controller.
//
// A Manager owns at most one transport at a time and runs a single event
// loop that handles received bytes, timer ticks and API calls in order.
// API calls never wait for the controller: results arrive as events on the
// channel returned by Subscribe.
package vesc

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"vesclink/commands"
	"vesclink/host/serial"
	"vesclink/host/transport"
	"vesclink/protocol"
)

// Manager is the connection manager
type Manager struct {
	cfg Config
	log *zap.Logger
	bus *EventBus

	calls  chan func()
	rx     chan rxChunk
	faults chan linkFault
	opened chan openResult

	started atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}

	// Everything below is owned by the loop goroutine
	state      State
	link       *link
	gen        uint64
	target     transport.Target
	lastTarget *transport.Target
	dec        *protocol.Decoder
	cmds       *commands.Commands
	fw         firmwareState
	lastRx     time.Time
	nextPoll   time.Time
	nextAlive  time.Time

	auto         *autoconnectSession
	autoProgress float64
	upload       *uploadSession
}

type firmwareState struct {
	received bool
	limited  bool
	version  commands.FirmwareVersion
}

// New creates a manager. It does nothing until Start is called.
func New(opts ...Option) *Manager {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	m := &Manager{
		cfg:    cfg,
		log:    cfg.Logger.Named("vesc"),
		bus:    NewEventBus(),
		calls:  make(chan func()),
		rx:     make(chan rxChunk, 16),
		faults: make(chan linkFault, 4),
		opened: make(chan openResult, 1),
		done:   make(chan struct{}),
		dec:    protocol.NewDecoder(cfg.Decoder),
	}

	if m.cfg.Dialer == nil {
		topts := transport.DefaultOptions()
		topts.Logger = cfg.Logger.Named("transport")
		m.cfg.Dialer = func(target transport.Target) (transport.Transport, error) {
			return transport.New(target, topts)
		}
	}

	m.cmds = commands.New(m.sendPayload,
		commands.WithTimeout(cfg.RequestTimeout),
		commands.WithCommandTimeout(commands.EraseNewApp, cfg.EraseTimeout),
	)
	m.cmds.Subscribe(m.handleResponse)

	return m
}

// Start runs the event loop until ctx is done or Shutdown is called
func (m *Manager) Start(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	m.ctx, m.cancel = context.WithCancel(ctx)
	go m.run()
	return nil
}

// Shutdown stops the loop and closes the link. The manager cannot be
// restarted.
func (m *Manager) Shutdown() {
	if !m.started.Load() {
		return
	}
	m.cancel()
	<-m.done
}

// Subscribe returns a channel of manager events and a function that
// unsubscribes
func (m *Manager) Subscribe() (<-chan Event, func()) {
	return m.bus.Subscribe()
}

func (m *Manager) run() {
	defer close(m.done)

	ticker := time.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()

	m.log.Debug("event loop started")

	for {
		select {
		case <-m.ctx.Done():
			if m.auto != nil {
				m.cancelAutoconnect()
			}
			if m.upload != nil {
				m.abortUpload("FW upload cancelled", nil)
			}
			m.teardown()
			m.log.Debug("event loop stopped")
			return

		case fn := <-m.calls:
			fn()

		case res := <-m.opened:
			m.handleOpen(res)

		case chunk := <-m.rx:
			m.handleRx(chunk)

		case f := <-m.faults:
			m.handleFault(f)

		case now := <-ticker.C:
			m.tick(now)
		}
	}
}

// call runs fn on the loop and returns its result
func (m *Manager) call(fn func() error) error {
	if !m.started.Load() {
		return ErrNotRunning
	}

	errc := make(chan error, 1)
	select {
	case m.calls <- func() { errc <- fn() }:
	case <-m.done:
		return ErrNotRunning
	}
	return <-errc
}

func (m *Manager) publish(typ EventType, data any) {
	m.bus.Publish(Event{Type: typ, Time: time.Now(), Data: data})
}

func (m *Manager) status(text string, ok bool) {
	m.log.Info("status", zap.String("msg", text), zap.Bool("ok", ok))
	m.publish(EventStatus, StatusMessage{Text: text, OK: ok})
}

func (m *Manager) setState(s State) {
	if m.state == s {
		return
	}
	from := m.state
	m.state = s
	m.log.Info("connection state changed", zap.Stringer("from", from), zap.Stringer("to", s))
	m.publish(EventConnectionState, ConnectionStateChanged{From: from, To: s})
}

func (m *Manager) setFwRx(received, limited bool) {
	if m.fw.received == received && m.fw.limited == limited {
		return
	}
	m.fw.received = received
	m.fw.limited = limited
	m.publish(EventFwRxChanged, FwRxChanged{Received: received, Limited: limited})
}

// sendPayload frames payload and queues it on the link
func (m *Manager) sendPayload(payload []byte) error {
	if m.link == nil {
		return ErrNotConnected
	}
	frame, err := protocol.Encode(payload)
	if err != nil {
		return err
	}
	return m.link.send(frame)
}

// connect tears down the current link and starts opening target
func (m *Manager) connect(target transport.Target) error {
	if err := target.Validate(); err != nil {
		return err
	}

	tr, err := m.cfg.Dialer(target)
	if err != nil {
		m.status(fmt.Sprintf("Could not connect to %s: %v", target, err), false)
		return err
	}

	m.teardown()

	m.gen++
	m.link = newLink(m.ctx, m.gen, tr, m.log)
	m.target = target
	m.setState(Connecting)

	m.log.Info("connecting", zap.Stringer("target", target), zap.Stringer("kind", target.Kind))
	go m.link.open(m.opened)
	return nil
}

// teardown closes the link and drops every per-connection state
func (m *Manager) teardown() {
	if m.link != nil {
		m.link.close()
		m.link = nil

		st := m.dec.Stats()
		m.log.Debug("link closed",
			zap.Int("frames", st.Frames),
			zap.Int("corrupt", st.Corrupt),
			zap.Int("overflows", st.Overflows),
			zap.Int("timeouts", st.Timeouts))
	}
	m.cmds.Reset()
	m.dec.Reset()

	if m.upload != nil {
		m.abortUpload("FW upload failed", &UploadError{Offset: m.upload.acked, Retries: m.upload.retries, Err: errLinkClosed})
	}

	m.setFwRx(false, false)
	m.setState(Disconnected)
}

// dropLink tears the link down after a failure. A running autoconnect moves
// on to its next candidate.
func (m *Manager) dropLink() {
	m.teardown()
	if m.auto != nil {
		m.nextCandidate()
	}
}

func (m *Manager) current(gen uint64) bool {
	return m.link != nil && m.link.gen == gen
}

func (m *Manager) handleOpen(res openResult) {
	if !m.current(res.gen) {
		return
	}

	if res.err != nil {
		m.log.Warn("open failed", zap.Error(res.err))
		m.status(fmt.Sprintf("Could not open %s: %v", m.target, res.err), false)
		m.dropLink()
		return
	}

	m.link.start(m.rx, m.faults)
	m.lastRx = time.Now()
	m.log.Info("link open", zap.Stringer("target", m.target))
	m.sendHandshake()
}

func (m *Manager) sendHandshake() {
	if err := m.cmds.GetFwVersionLocal(); err != nil {
		m.log.Warn("firmware version request failed", zap.Error(err))
		m.status(fmt.Sprintf("Could not send to %s: %v", m.target, err), false)
		m.dropLink()
	}
}

func (m *Manager) handleFault(f linkFault) {
	if !m.current(f.gen) {
		return
	}

	if transport.IsNotWritable(f.err) {
		m.log.Warn("port not writable", zap.String("port", m.target.Name()), zap.Error(f.err))
		m.publish(EventPortNotWritable, PortNotWritable{Port: m.target.Name()})
		m.status(fmt.Sprintf("Serial port %s is not writable", m.target.Name()), false)
	} else {
		m.log.Warn("link lost", zap.Error(f.err))
		m.status(fmt.Sprintf("Connection to %s lost: %v", m.target.Name(), f.err), false)
	}
	m.dropLink()
}

func (m *Manager) handleRx(chunk rxChunk) {
	if !m.current(chunk.gen) {
		return
	}
	m.decode(chunk.gen, m.dec.Feed(chunk.data))
}

// decode processes the frames of one decoder pass for link gen
func (m *Manager) decode(gen uint64, frames iter.Seq2[[]byte, error]) {
	for payload, err := range frames {
		if err != nil {
			if errors.Is(err, protocol.ErrBufferOverflow) {
				m.log.Warn("receive buffer overflow, dropped buffered bytes")
			} else {
				m.log.Debug("frame error", zap.Error(err))
			}
			continue
		}

		m.lastRx = time.Now()
		m.processPacket(payload)

		// Handling may have torn the link down
		if !m.current(gen) {
			return
		}
	}
}

func (m *Manager) processPacket(payload []byte) {
	err := m.cmds.ProcessPacket(payload)
	if err == nil {
		return
	}

	var unknown *commands.UnknownCommandError
	if errors.As(err, &unknown) {
		m.log.Warn("unknown command received", zap.Stringer("id", unknown.ID))
		m.status(fmt.Sprintf("Unknown command %d received, firmware and tool may not match", uint8(unknown.ID)), false)
		return
	}
	m.log.Warn("malformed response", zap.Error(err))
}

// handleResponse is called by the command layer for every decoded event
func (m *Manager) handleResponse(ev commands.Event) {
	m.publish(responseEventType(ev), ev)

	switch e := ev.(type) {
	case commands.FirmwareVersion:
		m.onFirmwareVersion(e)

	case commands.MotorConfig:
		if m.cfg.ConfigSink != nil {
			m.cfg.ConfigSink.UpdateMotorConfig(e.Blob, e.Default)
		}

	case commands.AppConfig:
		if m.cfg.ConfigSink != nil {
			m.cfg.ConfigSink.UpdateAppConfig(e.Blob, e.Default)
		}

	case commands.Ack:
		switch e.Kind {
		case commands.AckEraseNewApp, commands.AckWriteNewAppData:
			m.onUploadAck(e)
		default:
			m.status(e.Kind.String(), e.OK)
		}
	}
}

func (m *Manager) onFirmwareVersion(v commands.FirmwareVersion) {
	m.fw.version = v
	supported := m.isSupported(v)
	m.setFwRx(true, !supported)

	if !supported {
		m.log.Warn("unsupported firmware", zap.Stringer("fw", v))
		m.publish(EventMessageDialog, MessageDialog{
			Title: "Unsupported firmware",
			Text: fmt.Sprintf("The connected VESC has firmware %s, which is not supported. "+
				"Only firmware upload and the terminal are available. Supported firmwares: %v",
				v, m.supportedFirmwares()),
			OK: false,
		})
	}

	if m.state != Connecting {
		return
	}

	target := m.target
	m.lastTarget = &target
	m.nextPoll = time.Now().Add(m.cfg.PollInterval)
	m.nextAlive = time.Now().Add(m.cfg.AliveInterval)
	m.setState(Connected)

	text := fmt.Sprintf("Connected (%s) to %s, FW %s", m.target.Kind, m.target.Name(), v)
	if v.HW != "" {
		text += ", HW " + v.HW
	}
	m.status(text, true)

	if m.auto != nil {
		m.finishAutoconnect(true)
	}
}

func (m *Manager) isSupported(v commands.FirmwareVersion) bool {
	for _, p := range m.cfg.SupportedFirmware {
		if p.Major == v.Major && p.Minor == v.Minor {
			return true
		}
	}
	return false
}

func (m *Manager) supportedFirmwares() []string {
	fws := make([]string, 0, len(m.cfg.SupportedFirmware))
	for _, p := range m.cfg.SupportedFirmware {
		fws = append(fws, p.String())
	}
	return fws
}

func (m *Manager) tick(now time.Time) {
	// A partial frame that stalled may be hiding complete frames
	if m.link != nil {
		m.decode(m.gen, m.dec.Poll())
	}

	gen := m.gen
	for _, p := range m.cmds.Expire(now) {
		// A timeout may drop the link or start the next autoconnect attempt
		if !m.current(gen) {
			break
		}
		m.onTimeout(p)
	}

	if m.auto != nil && m.link != nil && m.state != Connected && now.After(m.auto.deadline) {
		m.log.Debug("autoconnect candidate timed out", zap.Stringer("target", m.target))
		m.dropLink()
	}

	if m.state != Connected {
		return
	}

	if m.cfg.LinkTimeout > 0 && now.Sub(m.lastRx) > m.cfg.LinkTimeout {
		m.log.Warn("link silent, dropping", zap.Duration("timeout", m.cfg.LinkTimeout))
		m.status(fmt.Sprintf("No data from %s, connection lost", m.target.Name()), false)
		m.dropLink()
		return
	}

	if m.cfg.AliveInterval > 0 && m.upload == nil && !now.Before(m.nextAlive) {
		m.nextAlive = now.Add(m.cfg.AliveInterval)
		if err := m.cmds.SendAlive(); err != nil {
			m.log.Debug("keepalive failed", zap.Error(err))
		}
	}

	if m.cfg.PollInterval > 0 && m.upload == nil && !m.fw.limited && !now.Before(m.nextPoll) {
		m.nextPoll = now.Add(m.cfg.PollInterval)
		if _, pending := m.cmds.Pending(commands.GetValues); !pending {
			if err := m.cmds.GetValues(); err != nil {
				m.log.Debug("poll failed", zap.Error(err))
			}
		}
	}
}

func (m *Manager) onTimeout(p commands.PendingRequest) {
	switch p.ID {
	case commands.FWVersion:
		if m.state != Connecting {
			m.status((&RequestTimeoutError{ID: p.ID, Retries: p.Retries}).Error(), false)
			return
		}
		if p.Retries < m.cfg.HandshakeRetries {
			m.log.Debug("resending firmware version request", zap.Int("retry", p.Retries+1))
			m.sendHandshake()
			return
		}
		m.log.Warn("handshake failed", zap.Stringer("target", m.target), zap.Int("retries", p.Retries))
		m.status("No firmware read response", false)
		m.dropLink()

	case commands.EraseNewApp, commands.WriteNewAppData:
		if m.upload != nil {
			m.retryUpload(&RequestTimeoutError{ID: p.ID, Retries: m.upload.retries})
		}

	case commands.GetValues:
		m.log.Debug("telemetry request timed out")

	default:
		m.status((&RequestTimeoutError{ID: p.ID, Retries: p.Retries}).Error(), false)
	}
}

func (m *Manager) requireConnected(full bool) error {
	if m.state != Connected {
		return ErrNotConnected
	}
	if full && m.fw.limited {
		return ErrLimitedMode
	}
	return nil
}

// ListSerialPorts enumerates serial ports
func (m *Manager) ListSerialPorts() ([]serial.PortInfo, error) {
	return m.cfg.PortLister()
}

// ConnectSerial connects to a serial port. A baud rate of 0 selects
// 115200. The result is reported by events.
func (m *Manager) ConnectSerial(port string, baud int) error {
	return m.connectTarget(transport.SerialTarget(port, baud))
}

// ConnectTCP connects to a controller over TCP, e.g. through a WiFi bridge
func (m *Manager) ConnectTCP(host string, port int) error {
	return m.connectTarget(transport.TCPTarget(host, port))
}

func (m *Manager) connectTarget(target transport.Target) error {
	return m.call(func() error {
		if m.auto != nil {
			return ErrAutoconnectOngoing
		}
		if m.upload != nil {
			return ErrUploadOngoing
		}
		return m.connect(target)
	})
}

// Disconnect closes the link and stops a running autoconnect
func (m *Manager) Disconnect() error {
	return m.call(func() error {
		if m.auto != nil {
			m.cancelAutoconnect()
		}
		if m.link == nil && m.state == Disconnected {
			return nil
		}
		m.teardown()
		m.status("Disconnected", true)
		return nil
	})
}

// Reconnect connects again to the last target that completed a handshake
func (m *Manager) Reconnect() error {
	return m.call(func() error {
		if m.lastTarget == nil {
			m.status("No previous connection to reconnect to", false)
			return ErrNoPreviousTarget
		}
		if m.auto != nil {
			return ErrAutoconnectOngoing
		}
		if m.upload != nil {
			return ErrUploadOngoing
		}
		return m.connect(*m.lastTarget)
	})
}

// State returns the connection state
func (m *Manager) State() State {
	var s State
	if err := m.call(func() error { s = m.state; return nil }); err != nil {
		return Disconnected
	}
	return s
}

// IsConnected reports whether a handshake completed on the current link
func (m *Manager) IsConnected() bool {
	return m.State() == Connected
}

// ConnectedPortName returns the serial port or network address of the
// connected controller, or "" when not connected
func (m *Manager) ConnectedPortName() string {
	var name string
	m.call(func() error {
		if m.state == Connected {
			name = m.target.Name()
		}
		return nil
	})
	return name
}

// FirmwareNow returns the firmware version of the connected controller as
// "major.minor", or "" when none was received
func (m *Manager) FirmwareNow() string {
	v, ok := m.FirmwareVersion()
	if !ok {
		return ""
	}
	return v.String()
}

// FirmwareVersion returns the last firmware version received on the
// current link
func (m *Manager) FirmwareVersion() (commands.FirmwareVersion, bool) {
	var (
		v  commands.FirmwareVersion
		ok bool
	)
	m.call(func() error {
		v, ok = m.fw.version, m.fw.received
		return nil
	})
	return v, ok
}

// FwRx reports whether a firmware version was received and whether the
// controller is in limited mode
func (m *Manager) FwRx() (received, limited bool) {
	m.call(func() error {
		received, limited = m.fw.received, m.fw.limited
		return nil
	})
	return received, limited
}

// SupportedFirmwarePairs returns the fully supported firmware versions
func (m *Manager) SupportedFirmwarePairs() []FirmwarePair {
	return append([]FirmwarePair(nil), m.cfg.SupportedFirmware...)
}

// SupportedFirmwares returns the fully supported firmware versions as text
func (m *Manager) SupportedFirmwares() []string {
	return m.supportedFirmwares()
}

// RequestFirmwareVersion asks the controller for its firmware version
func (m *Manager) RequestFirmwareVersion() error {
	return m.call(func() error {
		if err := m.requireConnected(false); err != nil {
			return err
		}
		return m.cmds.GetFwVersion()
	})
}

// RequestMotorConfig reads the motor configuration, or its defaults
func (m *Manager) RequestMotorConfig(defaults bool) error {
	return m.call(func() error {
		if err := m.requireConnected(true); err != nil {
			return err
		}
		if defaults {
			return m.cmds.GetMcconfDefault()
		}
		return m.cmds.GetMcconf()
	})
}

// RequestAppConfig reads the app configuration, or its defaults
func (m *Manager) RequestAppConfig(defaults bool) error {
	return m.call(func() error {
		if err := m.requireConnected(true); err != nil {
			return err
		}
		if defaults {
			return m.cmds.GetAppconfDefault()
		}
		return m.cmds.GetAppconf()
	})
}

// WriteMotorConfig writes a serialized motor configuration
func (m *Manager) WriteMotorConfig(blob []byte) error {
	blob = append([]byte(nil), blob...)
	return m.call(func() error {
		if err := m.requireConnected(true); err != nil {
			return err
		}
		return m.cmds.SetMcconf(blob)
	})
}

// WriteAppConfig writes a serialized app configuration
func (m *Manager) WriteAppConfig(blob []byte) error {
	blob = append([]byte(nil), blob...)
	return m.call(func() error {
		if err := m.requireConnected(true); err != nil {
			return err
		}
		return m.cmds.SetAppconf(blob)
	})
}

// RequestValues requests one telemetry sample
func (m *Manager) RequestValues() error {
	return m.call(func() error {
		if err := m.requireConnected(true); err != nil {
			return err
		}
		return m.cmds.GetValues()
	})
}

// SendTerminalCmd runs a command on the controller terminal. Output
// arrives as EventPrint.
func (m *Manager) SendTerminalCmd(cmd string) error {
	return m.call(func() error {
		if err := m.requireConnected(false); err != nil {
			return err
		}
		return m.cmds.SendTerminalCmd(cmd)
	})
}

// Reboot restarts the controller. The link usually drops afterwards.
func (m *Manager) Reboot() error {
	return m.call(func() error {
		if err := m.requireConnected(false); err != nil {
			return err
		}
		return m.cmds.Reboot()
	})
}

// SetSendCan forwards the following commands over CAN to controller id.
// The handshake always addresses the directly connected controller.
func (m *Manager) SetSendCan(enabled bool, id int) error {
	return m.call(func() error {
		m.cmds.SetSendCan(enabled, id)
		return nil
	})
}
