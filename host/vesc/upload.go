package vesc

import (
	"fmt"

	"go.uber.org/zap"

	"vesclink/commands"
)

// uploadSession is a firmware upload in progress. Exactly one request
// (erase or chunk) is in flight at a time.
type uploadSession struct {
	image   []byte
	acked   int
	size    int // length of the chunk in flight
	retries int
	erasing bool
}

func (s *uploadSession) progress() float64 {
	return float64(s.acked) / float64(len(s.image))
}

// UploadFirmware uploads image to the controller's upload area. Progress
// and the result are reported by EventFwUploadStatus.
func (m *Manager) UploadFirmware(image []byte) error {
	image = append([]byte(nil), image...)
	return m.call(func() error {
		if err := m.requireConnected(false); err != nil {
			return err
		}
		if m.upload != nil {
			return ErrUploadOngoing
		}
		if len(image) == 0 {
			return ErrEmptyImage
		}
		if len(image) > MaxImageSize {
			return fmt.Errorf("%w: %d bytes", ErrImageTooLarge, len(image))
		}

		m.upload = &uploadSession{image: image, erasing: m.cfg.Erase}
		m.log.Info("firmware upload started",
			zap.Int("size", len(image)),
			zap.Int("chunk_size", m.cfg.ChunkSize),
			zap.Bool("erase", m.cfg.Erase))

		if m.cfg.Erase {
			m.fwStatus("Erasing buffer...", 0, true)
		} else {
			m.fwStatus("Uploading firmware...", 0, true)
		}
		return m.sendUploadStep()
	})
}

// sendUploadStep sends the erase request or the chunk at the acknowledged
// offset
func (m *Manager) sendUploadStep() error {
	s := m.upload

	var err error
	if s.erasing {
		err = m.cmds.EraseNewApp(uint32(len(s.image)))
	} else {
		end := min(s.acked+m.cfg.ChunkSize, len(s.image))
		s.size = end - s.acked
		err = m.cmds.WriteNewAppData(uint32(s.acked), s.image[s.acked:end])
	}

	if err != nil {
		m.abortUpload("FW upload failed", &UploadError{Offset: s.acked, Retries: s.retries, Err: err})
		return err
	}
	return nil
}

func (m *Manager) onUploadAck(a commands.Ack) {
	s := m.upload
	if s == nil {
		m.log.Debug("ack without upload", zap.Stringer("kind", a.Kind))
		return
	}

	switch {
	case s.erasing && a.Kind == commands.AckEraseNewApp:
		if !a.OK {
			m.retryUpload(errChunkNak)
			return
		}
		s.erasing = false
		s.retries = 0
		m.fwStatus("Uploading firmware...", 0, true)
		m.sendUploadStep()

	case !s.erasing && a.Kind == commands.AckWriteNewAppData:
		if !a.OK || (a.HasOffset && int(a.Offset) != s.acked) {
			m.retryUpload(errChunkNak)
			return
		}
		s.acked += s.size
		s.retries = 0

		if s.acked >= len(s.image) {
			m.completeUpload()
			return
		}
		m.fwStatus(fmt.Sprintf("Uploading firmware... %d/%d bytes", s.acked, len(s.image)), s.progress(), true)
		m.sendUploadStep()
	}
}

// retryUpload resends the request in flight, or aborts when its retries
// are used up
func (m *Manager) retryUpload(cause error) {
	s := m.upload
	if s.retries >= m.cfg.ChunkRetries {
		m.abortUpload("FW upload failed", &UploadError{Offset: s.acked, Retries: s.retries, Err: cause})
		return
	}

	s.retries++
	m.log.Debug("resending upload request",
		zap.Int("offset", s.acked),
		zap.Int("retry", s.retries),
		zap.Error(cause))
	m.sendUploadStep()
}

func (m *Manager) completeUpload() {
	m.upload = nil
	m.log.Info("firmware upload done")
	m.fwStatus("FW upload done", 1, false)

	if m.cfg.JumpAfterUpload {
		if err := m.cmds.JumpToBootloader(); err != nil {
			m.log.Warn("jump to bootloader failed", zap.Error(err))
		}
	}
}

// abortUpload ends the session with a terminal status. The link stays up.
func (m *Manager) abortUpload(text string, err error) {
	s := m.upload
	m.upload = nil
	m.cmds.Cancel(commands.EraseNewApp)
	m.cmds.Cancel(commands.WriteNewAppData)

	m.log.Warn("firmware upload aborted", zap.String("status", text), zap.Error(err))
	m.fwStatus(text, s.progress(), false)
	if err != nil {
		m.status(err.Error(), false)
	}
}

func (m *Manager) fwStatus(text string, progress float64, ongoing bool) {
	m.publish(EventFwUploadStatus, FwUploadStatus{Text: text, Progress: progress, Ongoing: ongoing})
}

// CancelUpload aborts a running firmware upload
func (m *Manager) CancelUpload() error {
	return m.call(func() error {
		if m.upload == nil {
			return ErrNoUpload
		}
		m.abortUpload("FW upload cancelled", nil)
		return nil
	})
}

// UploadProgress returns the progress of the running upload
func (m *Manager) UploadProgress() (progress float64, ongoing bool) {
	m.call(func() error {
		if m.upload != nil {
			progress, ongoing = m.upload.progress(), true
		}
		return nil
	})
	return progress, ongoing
}
