package vesc

import (
	"strconv"
	"testing"
	"time"

	"vesclink/commands"
)

func TestEventBusPublishSubscribe(t *testing.T) {
	bus := NewEventBus()
	a, unsubA := bus.Subscribe()
	b, unsubB := bus.Subscribe()
	defer unsubB()

	if bus.Len() != 2 {
		t.Fatalf("Len = %d, expected 2", bus.Len())
	}

	bus.Publish(Event{Type: EventStatus, Data: StatusMessage{Text: "one", OK: true}})
	bus.Publish(Event{Type: EventStatus, Data: StatusMessage{Text: "two"}})

	for _, ch := range []<-chan Event{a, b} {
		first, second := <-ch, <-ch
		if first.Data.(StatusMessage).Text != "one" || second.Data.(StatusMessage).Text != "two" {
			t.Errorf("Events out of order: %+v, %+v", first, second)
		}
		if first.Time.IsZero() {
			t.Error("Publish did not stamp the event")
		}
	}

	unsubA()
	unsubA()
	if _, ok := <-a; ok {
		t.Error("Channel open after unsubscribe")
	}
	if bus.Len() != 1 {
		t.Errorf("Len = %d, expected 1", bus.Len())
	}
}

// drain reads n events from ch
func drain(t *testing.T, ch <-chan Event, n int) []Event {
	t.Helper()
	out := make([]Event, 0, n)
	for len(out) < n {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("Channel closed after %d events", len(out))
			}
			out = append(out, ev)
		case <-time.After(waitTimeout):
			t.Fatalf("Timed out after %d of %d events", len(out), n)
		}
	}
	return out
}

func TestEventBusDropsOnlyProgressForSlowSubscriber(t *testing.T) {
	bus := NewEventBus()
	ch, unsub := bus.Subscribe()
	defer unsub()

	for i := 0; i < subscriberBuffer+10; i++ {
		bus.Publish(Event{Type: EventFwUploadStatus, Data: FwUploadStatus{Progress: 0.5, Ongoing: true}})
	}
	bus.Publish(Event{Type: EventConnectionState, Data: ConnectionStateChanged{From: Connected, To: Disconnected}})
	bus.Publish(Event{Type: EventFwUploadStatus, Data: FwUploadStatus{Text: "FW upload failed", Progress: 0.5}})

	if bus.Dropped() != 10 {
		t.Errorf("Dropped = %d, expected 10", bus.Dropped())
	}

	evs := drain(t, ch, subscriberBuffer+2)
	if _, ok := evs[subscriberBuffer].Data.(ConnectionStateChanged); !ok {
		t.Errorf("Expected state change after the queued progress, got %+v", evs[subscriberBuffer])
	}
	if s, ok := evs[subscriberBuffer+1].Data.(FwUploadStatus); !ok || s.Ongoing {
		t.Errorf("Expected final upload status last, got %+v", evs[subscriberBuffer+1])
	}

	select {
	case ev := <-ch:
		t.Errorf("Unexpected extra event %+v", ev)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestEventBusNeverDropsStatus(t *testing.T) {
	bus := NewEventBus()
	ch, unsub := bus.Subscribe()
	defer unsub()

	const n = 3 * subscriberBuffer
	for i := 0; i < n; i++ {
		bus.Publish(Event{Type: EventStatus, Data: StatusMessage{Text: strconv.Itoa(i)}})
	}
	if bus.Dropped() != 0 {
		t.Errorf("Dropped = %d, expected 0", bus.Dropped())
	}

	for i, ev := range drain(t, ch, n) {
		if ev.Data.(StatusMessage).Text != strconv.Itoa(i) {
			t.Fatalf("Event %d out of order: %+v", i, ev)
		}
	}
}

func TestLossyEvents(t *testing.T) {
	testCases := []struct {
		data     any
		expected bool
	}{
		{FwUploadStatus{Ongoing: true}, true},
		{FwUploadStatus{Text: "FW upload done", Progress: 1}, false},
		{AutoconnectProgress{Progress: 0.5, Ongoing: true}, true},
		{AutoconnectProgress{Progress: 1}, false},
		{AutoconnectFinished{Success: true}, false},
		{commands.Values{}, true},
		{commands.Ack{Kind: commands.AckWriteNewAppData, OK: true}, true},
		{commands.Ack{Kind: commands.AckMcconfWrite, OK: true}, false},
		{StatusMessage{Text: "x"}, false},
		{ConnectionStateChanged{To: Connected}, false},
	}

	for _, tc := range testCases {
		if got := lossy(Event{Data: tc.data}); got != tc.expected {
			t.Errorf("lossy(%T %+v) = %v, expected %v", tc.data, tc.data, got, tc.expected)
		}
	}
}

func TestResponseEventType(t *testing.T) {
	testCases := []struct {
		ev       commands.Event
		expected EventType
	}{
		{commands.FirmwareVersion{Major: 3}, EventFirmwareVersion},
		{commands.MotorConfig{}, EventMotorConfig},
		{commands.AppConfig{Default: true}, EventAppConfig},
		{commands.Ack{Kind: commands.AckMcconfWrite}, EventAck},
		{commands.Values{}, EventValues},
		{commands.PrintText{Text: "x"}, EventPrint},
		{commands.UnknownCommand{ID: 99}, EventUnknownCommand},
	}

	for _, tc := range testCases {
		if got := responseEventType(tc.ev); got != tc.expected {
			t.Errorf("responseEventType(%T) = %s, expected %s", tc.ev, got, tc.expected)
		}
	}
}
