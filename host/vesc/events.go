package vesc

import (
	"sync"
	"sync/atomic"
	"time"

	"vesclink/commands"
)

// EventType classifies a manager event
type EventType string

const (
	EventStatus              EventType = "status"
	EventMessageDialog       EventType = "message_dialog"
	EventFwUploadStatus      EventType = "fw_upload_status"
	EventPortNotWritable     EventType = "port_not_writable"
	EventFwRxChanged         EventType = "fw_rx_changed"
	EventConnectionState     EventType = "connection_state"
	EventAutoconnectProgress EventType = "autoconnect_progress"
	EventAutoconnectFinished EventType = "autoconnect_finished"

	// Decoded controller responses, Data is the commands event
	EventFirmwareVersion EventType = "firmware_version"
	EventMotorConfig     EventType = "motor_config"
	EventAppConfig       EventType = "app_config"
	EventAck             EventType = "ack"
	EventValues          EventType = "values"
	EventPrint           EventType = "print"
	EventUnknownCommand  EventType = "unknown_command"
)

// Event is published to subscribers. Data holds one of the payload types
// below or a commands.Event.
type Event struct {
	Type EventType
	Time time.Time
	Data any
}

// StatusMessage is a one-line status for the user
type StatusMessage struct {
	Text string
	OK   bool
}

// MessageDialog is a message important enough for a dialog
type MessageDialog struct {
	Title string
	Text  string
	OK    bool
}

// FwUploadStatus reports firmware upload progress in [0, 1]
type FwUploadStatus struct {
	Text     string
	Progress float64
	Ongoing  bool
}

// PortNotWritable reports a serial port that refused a write
type PortNotWritable struct {
	Port string
}

// FwRxChanged reports whether a firmware version was received and whether
// the firmware is only usable in limited mode
type FwRxChanged struct {
	Received bool
	Limited  bool
}

// ConnectionStateChanged reports a state transition
type ConnectionStateChanged struct {
	From State
	To   State
}

// AutoconnectProgress reports the fraction of candidates tried
type AutoconnectProgress struct {
	Progress float64
	Ongoing  bool
}

// AutoconnectFinished ends an autoconnect run. Port is the port connected
// to on success.
type AutoconnectFinished struct {
	Success bool
	Port    string
}

func responseEventType(ev commands.Event) EventType {
	switch ev.(type) {
	case commands.FirmwareVersion:
		return EventFirmwareVersion
	case commands.MotorConfig:
		return EventMotorConfig
	case commands.AppConfig:
		return EventAppConfig
	case commands.Ack:
		return EventAck
	case commands.Values:
		return EventValues
	case commands.PrintText:
		return EventPrint
	default:
		return EventUnknownCommand
	}
}

// lossy reports whether e only carries intermediate progress that a later
// event supersedes
func lossy(e Event) bool {
	switch d := e.Data.(type) {
	case FwUploadStatus:
		return d.Ongoing
	case AutoconnectProgress:
		return d.Ongoing
	case commands.Values:
		return true
	case commands.Ack:
		return d.Kind == commands.AckEraseNewApp || d.Kind == commands.AckWriteNewAppData
	}
	return false
}

// subscriberBuffer is how many events may queue for a subscriber before
// lossy events are dropped
const subscriberBuffer = 256

// subscriber queues events for one consumer. A pump goroutine moves them
// from queue to ch, so Publish never waits for the consumer.
type subscriber struct {
	ch     chan Event
	notify chan struct{}
	done   chan struct{}

	mu    sync.Mutex
	queue []Event
}

// push queues e, returning false if it was dropped
func (s *subscriber) push(e Event) bool {
	s.mu.Lock()
	if len(s.queue) >= subscriberBuffer && lossy(e) {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, e)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return true
}

func (s *subscriber) peek() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return Event{}, false
	}
	return s.queue[0], true
}

func (s *subscriber) pop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue[0] = Event{}
	s.queue = s.queue[1:]
	if len(s.queue) == 0 {
		s.queue = nil
	}
}

func (s *subscriber) pump() {
	defer close(s.ch)
	for {
		e, ok := s.peek()
		if !ok {
			select {
			case <-s.notify:
				continue
			case <-s.done:
				return
			}
		}

		select {
		case <-s.done:
			return
		default:
		}

		select {
		case s.ch <- e:
			s.pop()
		case <-s.done:
			return
		}
	}
}

// EventBus fans manager events out to subscribers. Publish never blocks.
// Each subscriber receives events in publish order; when a subscriber falls
// more than subscriberBuffer events behind, intermediate progress events
// are dropped for it, while state changes, status messages and final
// results are always delivered.
type EventBus struct {
	mu      sync.RWMutex
	subs    map[*subscriber]struct{}
	dropped atomic.Uint64
}

// NewEventBus constructs a ready EventBus
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[*subscriber]struct{})}
}

// Subscribe registers a subscriber. The returned function unsubscribes; the
// channel is closed once the subscriber has stopped.
func (b *EventBus) Subscribe() (<-chan Event, func()) {
	s := &subscriber{
		ch:     make(chan Event),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	go s.pump()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, s)
			b.mu.Unlock()
			close(s.done)
		})
	}
	return s.ch, unsub
}

// Publish queues e for every subscriber
func (b *EventBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if !s.push(e) {
			b.dropped.Add(1)
		}
	}
}

// Len returns the current subscriber count
func (b *EventBus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many progress events were skipped because a
// subscriber lagged
func (b *EventBus) Dropped() uint64 {
	return b.dropped.Load()
}
