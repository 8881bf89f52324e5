package vesc

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"vesclink/host/serial"
	"vesclink/host/transport"
)

// autoconnectSession tries the candidates in order until one answers the
// firmware version request
type autoconnectSession struct {
	candidates []serial.PortInfo
	index      int
	deadline   time.Time
	progress   float64
}

// StartAutoconnect tries every serial port in enumeration order and stays
// connected to the first controller that answers. Progress and the result
// are reported by EventAutoconnectProgress and EventAutoconnectFinished.
func (m *Manager) StartAutoconnect() error {
	if !m.started.Load() {
		return ErrNotRunning
	}

	ports, listErr := m.cfg.PortLister()
	return m.call(func() error {
		if m.auto != nil {
			return ErrAutoconnectOngoing
		}
		if m.upload != nil {
			return ErrUploadOngoing
		}
		if listErr != nil {
			m.status(fmt.Sprintf("Could not list serial ports: %v", listErr), false)
			return fmt.Errorf("list serial ports: %w", listErr)
		}

		m.teardown()
		m.auto = &autoconnectSession{candidates: ports}
		m.autoProgress = 0
		m.log.Info("autoconnect started", zap.Int("candidates", len(ports)))
		m.publish(EventAutoconnectProgress, AutoconnectProgress{Progress: 0, Ongoing: true})
		m.tryCandidate()
		return nil
	})
}

// tryCandidate starts connecting to the current candidate, skipping those
// that cannot even be dialed
func (m *Manager) tryCandidate() {
	a := m.auto
	for a.index < len(a.candidates) {
		port := a.candidates[a.index]
		m.log.Debug("autoconnect trying", zap.String("port", port.Name))

		err := m.connect(transport.SerialTarget(port.Name, m.cfg.AutoconnectBaud))
		if err == nil {
			a.deadline = time.Now().Add(m.cfg.AutoconnectTimeout)
			return
		}

		m.log.Debug("autoconnect candidate failed", zap.String("port", port.Name), zap.Error(err))
		a.index++
		m.setAutoProgress(a)
	}
	m.finishAutoconnect(false)
}

// nextCandidate records a failed candidate and moves on
func (m *Manager) nextCandidate() {
	a := m.auto
	a.index++
	m.setAutoProgress(a)
	m.tryCandidate()
}

func (m *Manager) setAutoProgress(a *autoconnectSession) {
	p := 1.0
	if n := len(a.candidates); n > 0 {
		p = float64(a.index) / float64(n)
	}
	if p > 1 {
		p = 1
	}
	if p < a.progress {
		p = a.progress
	}
	a.progress = p
	m.autoProgress = p
	m.publish(EventAutoconnectProgress, AutoconnectProgress{Progress: p, Ongoing: true})
}

func (m *Manager) finishAutoconnect(success bool) {
	a := m.auto
	m.auto = nil

	port := ""
	if success || len(a.candidates) == 0 {
		a.progress = 1
	}
	if success {
		port = m.target.Name()
	}
	m.autoProgress = a.progress

	m.log.Info("autoconnect finished", zap.Bool("success", success), zap.String("port", port))
	m.publish(EventAutoconnectProgress, AutoconnectProgress{Progress: a.progress, Ongoing: false})
	m.publish(EventAutoconnectFinished, AutoconnectFinished{Success: success, Port: port})
	if !success {
		m.status("No VESC found", false)
	}
}

func (m *Manager) cancelAutoconnect() {
	a := m.auto
	m.auto = nil
	m.teardown()

	m.log.Info("autoconnect cancelled")
	m.publish(EventAutoconnectProgress, AutoconnectProgress{Progress: a.progress, Ongoing: false})
	m.publish(EventAutoconnectFinished, AutoconnectFinished{Success: false})
	m.status("Autoconnect cancelled", false)
}

// CancelAutoconnect aborts a running autoconnect and closes the link
// being tried
func (m *Manager) CancelAutoconnect() error {
	return m.call(func() error {
		if m.auto == nil {
			return ErrNoAutoconnect
		}
		m.cancelAutoconnect()
		return nil
	})
}

// AutoconnectProgress returns the progress of the running or last
// autoconnect and whether one is running
func (m *Manager) AutoconnectProgress() (progress float64, ongoing bool) {
	m.call(func() error {
		progress, ongoing = m.autoProgress, m.auto != nil
		return nil
	})
	return progress, ongoing
}
