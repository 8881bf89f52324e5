package vesc

import (
	"errors"
	"testing"
	"time"

	"vesclink/host/serial"
)

func isAutoconnectFinished(ev Event) bool {
	return ev.Type == EventAutoconnectFinished
}

// checkProgress verifies that autoconnect progress never decreases, stays
// in [0, 1] and ends with want
func checkProgress(t *testing.T, evs []Event, want float64) {
	t.Helper()

	var progress []AutoconnectProgress
	for _, ev := range evs {
		if p, ok := ev.Data.(AutoconnectProgress); ok {
			progress = append(progress, p)
		}
	}
	if len(progress) == 0 {
		t.Fatal("No progress reported")
	}

	prev := 0.0
	for i, p := range progress {
		if p.Progress < 0 || p.Progress > 1 {
			t.Errorf("Progress[%d] = %v out of range", i, p.Progress)
		}
		if p.Progress < prev {
			t.Errorf("Progress decreased from %v to %v", prev, p.Progress)
		}
		prev = p.Progress
	}

	last := progress[len(progress)-1]
	if last.Progress != want || last.Ongoing {
		t.Errorf("Final progress = %+v, expected %v and not ongoing", last, want)
	}
}

func TestAutoconnectFindsDevice(t *testing.T) {
	b := newBench()
	b.add("/dev/ttyS0", &device{})
	closedPort := b.add("/dev/ttyUSB0", newDevice(3, 40))
	closedPort.openErr = errors.New("busy")
	b.add("/dev/ttyACM0", newDevice(3, 40))
	b.add("/dev/ttyACM1", newDevice(3, 40))

	m, events := startManager(t, b,
		WithAutoconnectTimeout(100*time.Millisecond),
		WithPortLister(b.lister("/dev/ttyS0", "/dev/ttyUSB0", "/dev/ttyACM0", "/dev/ttyACM1")))

	if err := m.StartAutoconnect(); err != nil {
		t.Fatal(err)
	}

	evs := collect(t, events, isAutoconnectFinished)
	finished := evs[len(evs)-1].Data.(AutoconnectFinished)
	if !finished.Success || finished.Port != "/dev/ttyACM0" {
		t.Errorf("Finished = %+v", finished)
	}
	checkProgress(t, evs, 1.0)

	if !m.IsConnected() || m.ConnectedPortName() != "/dev/ttyACM0" {
		t.Errorf("Connected = %v to %q", m.IsConnected(), m.ConnectedPortName())
	}

	dials := b.dials()
	expected := []string{"/dev/ttyS0", "/dev/ttyUSB0", "/dev/ttyACM0"}
	if len(dials) != len(expected) {
		t.Fatalf("Dialed %v, expected %v", dials, expected)
	}
	for i := range expected {
		if dials[i] != expected[i] {
			t.Errorf("Dial %d = %s, expected %s", i, dials[i], expected[i])
		}
	}

	if p, ongoing := m.AutoconnectProgress(); p != 1 || ongoing {
		t.Errorf("AutoconnectProgress = %v, %v", p, ongoing)
	}

	// The found port can be reconnected to
	if err := m.Reconnect(); err != nil {
		t.Errorf("Reconnect after autoconnect: %v", err)
	}
}

func TestAutoconnectExhausted(t *testing.T) {
	b := newBench()
	m, events := startManager(t, b,
		WithAutoconnectTimeout(30*time.Millisecond),
		WithHandshakeRetries(10),
		WithPortLister(b.lister("COM1", "COM2", "COM3")))

	if err := m.StartAutoconnect(); err != nil {
		t.Fatal(err)
	}

	evs := collect(t, events, isAutoconnectFinished)
	if finished := evs[len(evs)-1].Data.(AutoconnectFinished); finished.Success {
		t.Errorf("Finished = %+v", finished)
	}
	checkProgress(t, evs, 1.0)

	var fractions []float64
	for _, ev := range evs {
		if p, ok := ev.Data.(AutoconnectProgress); ok && p.Ongoing {
			fractions = append(fractions, p.Progress)
		}
	}
	expected := []float64{0, 1.0 / 3, 2.0 / 3, 1}
	if len(fractions) != len(expected) {
		t.Fatalf("Progress = %v, expected %v", fractions, expected)
	}
	for i := range expected {
		if fractions[i] != expected[i] {
			t.Errorf("Progress[%d] = %v, expected %v", i, fractions[i], expected[i])
		}
	}

	waitEvent(t, events, isStatus("No VESC found"))
	if m.State() != Disconnected {
		t.Errorf("State = %v", m.State())
	}
	if len(b.dials()) != 3 {
		t.Errorf("Dialed %v", b.dials())
	}
}

func TestAutoconnectHandshakeFailureMovesOn(t *testing.T) {
	b := newBench()
	b.add("COM2", newDevice(3, 40))

	// COM1 fails its handshake long before the candidate deadline
	m, events := startManager(t, b,
		WithAutoconnectTimeout(10*time.Second),
		WithHandshakeRetries(1),
		WithPortLister(b.lister("COM1", "COM2")))

	if err := m.StartAutoconnect(); err != nil {
		t.Fatal(err)
	}

	evs := collect(t, events, isAutoconnectFinished)
	if finished := evs[len(evs)-1].Data.(AutoconnectFinished); !finished.Success || finished.Port != "COM2" {
		t.Errorf("Finished = %+v", finished)
	}
}

func TestAutoconnectNoPorts(t *testing.T) {
	b := newBench()
	m, events := startManager(t, b)

	if err := m.StartAutoconnect(); err != nil {
		t.Fatal(err)
	}

	evs := collect(t, events, isAutoconnectFinished)
	if finished := evs[len(evs)-1].Data.(AutoconnectFinished); finished.Success {
		t.Errorf("Finished = %+v", finished)
	}
	checkProgress(t, evs, 1.0)
	if len(b.dials()) != 0 {
		t.Errorf("Dialed %v", b.dials())
	}
}

func TestAutoconnectLimitedFirmwareCounts(t *testing.T) {
	b := newBench()
	b.add("COM1", newDevice(2, 1))
	m, events := startManager(t, b, WithPortLister(b.lister("COM1")))

	if err := m.StartAutoconnect(); err != nil {
		t.Fatal(err)
	}

	evs := collect(t, events, isAutoconnectFinished)
	if finished := evs[len(evs)-1].Data.(AutoconnectFinished); !finished.Success {
		t.Errorf("Finished = %+v", finished)
	}
	if _, limited := m.FwRx(); !limited {
		t.Error("Expected limited mode")
	}
}

func TestAutoconnectCancel(t *testing.T) {
	b := newBench()
	dev := b.add("COM1", &device{})
	m, events := startManager(t, b,
		WithAutoconnectTimeout(10*time.Second),
		WithHandshakeRetries(1000),
		WithPortLister(b.lister("COM1", "COM2")))

	if err := m.CancelAutoconnect(); !errors.Is(err, ErrNoAutoconnect) {
		t.Errorf("Cancel without autoconnect: %v", err)
	}
	if err := m.StartAutoconnect(); err != nil {
		t.Fatal(err)
	}
	if err := m.StartAutoconnect(); !errors.Is(err, ErrAutoconnectOngoing) {
		t.Errorf("Second autoconnect: %v", err)
	}
	if err := m.ConnectSerial("COM2", 0); !errors.Is(err, ErrAutoconnectOngoing) {
		t.Errorf("Connect during autoconnect: %v", err)
	}
	if _, ongoing := m.AutoconnectProgress(); !ongoing {
		t.Error("Autoconnect not ongoing")
	}

	eventually(t, func() bool { return dev.last() != nil }, "first candidate dialed")
	if err := m.CancelAutoconnect(); err != nil {
		t.Fatal(err)
	}

	evs := collect(t, events, isAutoconnectFinished)
	if finished := evs[len(evs)-1].Data.(AutoconnectFinished); finished.Success {
		t.Errorf("Finished = %+v", finished)
	}
	if _, ongoing := m.AutoconnectProgress(); ongoing {
		t.Error("Autoconnect ongoing after cancel")
	}
	if m.State() != Disconnected {
		t.Errorf("State = %v", m.State())
	}

	select {
	case <-dev.last().closed:
	case <-time.After(waitTimeout):
		t.Fatal("Candidate link not closed")
	}
	if dials := b.dials(); len(dials) != 1 {
		t.Errorf("Dialed %v after cancel", dials)
	}
}

func TestDisconnectCancelsAutoconnect(t *testing.T) {
	b := newBench()
	m, events := startManager(t, b,
		WithAutoconnectTimeout(10*time.Second),
		WithHandshakeRetries(1000),
		WithPortLister(b.lister("COM1")))

	if err := m.StartAutoconnect(); err != nil {
		t.Fatal(err)
	}
	if err := m.Disconnect(); err != nil {
		t.Fatal(err)
	}
	waitEvent(t, events, isAutoconnectFinished)
	if _, ongoing := m.AutoconnectProgress(); ongoing {
		t.Error("Autoconnect ongoing after disconnect")
	}
}

func TestAutoconnectListError(t *testing.T) {
	b := newBench()
	listErr := errors.New("enumeration failed")
	m, events := startManager(t, b, WithPortLister(func() ([]serial.PortInfo, error) {
		return nil, listErr
	}))

	if err := m.StartAutoconnect(); !errors.Is(err, listErr) {
		t.Errorf("StartAutoconnect = %v", err)
	}
	waitEvent(t, events, isStatus("Could not list serial ports"))
	if _, ongoing := m.AutoconnectProgress(); ongoing {
		t.Error("Autoconnect ongoing after list error")
	}
}
