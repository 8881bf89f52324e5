package vesc

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"vesclink/host/transport"
)

// outboxSize bounds the frames queued for the writer
const outboxSize = 64

// link is one opened (or opening) transport. Its goroutines only move
// bytes; everything they observe is posted to the manager loop tagged with
// gen, so events of a torn down link are recognised and dropped.
type link struct {
	gen uint64
	tr  transport.Transport
	log *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	out    chan []byte

	closeOnce sync.Once
}

type rxChunk struct {
	gen  uint64
	data []byte
}

type linkFault struct {
	gen uint64
	err error
}

type openResult struct {
	gen uint64
	err error
}

func newLink(parent context.Context, gen uint64, tr transport.Transport, log *zap.Logger) *link {
	ctx, cancel := context.WithCancel(parent)
	return &link{
		gen:    gen,
		tr:     tr,
		log:    log.With(zap.Uint64("link", gen), zap.Stringer("target", tr.Target())),
		ctx:    ctx,
		cancel: cancel,
		out:    make(chan []byte, outboxSize),
	}
}

// open opens the transport and reports the result to the loop
func (l *link) open(results chan<- openResult) {
	err := l.tr.Open(l.ctx)
	select {
	case results <- openResult{gen: l.gen, err: err}:
	case <-l.ctx.Done():
		if err == nil {
			l.tr.Close()
		}
	}
}

// start runs the reader and writer
func (l *link) start(rx chan<- rxChunk, faults chan<- linkFault) {
	go l.readLoop(rx, faults)
	go l.writeLoop(faults)
}

// readLoop continuously reads from the transport and posts chunks
func (l *link) readLoop(rx chan<- rxChunk, faults chan<- linkFault) {
	buffer := make([]byte, 512)

	for {
		select {
		case <-l.ctx.Done():
			return
		default:
		}

		n, err := l.tr.Read(buffer)
		if err != nil {
			l.fault(faults, err)
			return
		}
		if n == 0 {
			continue
		}

		chunk := make([]byte, n)
		copy(chunk, buffer[:n])
		select {
		case rx <- rxChunk{gen: l.gen, data: chunk}:
		case <-l.ctx.Done():
			return
		}
	}
}

// writeLoop writes queued frames in order
func (l *link) writeLoop(faults chan<- linkFault) {
	for {
		select {
		case <-l.ctx.Done():
			return
		case frame := <-l.out:
			if err := l.tr.Write(frame); err != nil {
				l.fault(faults, err)
				return
			}
		}
	}
}

func (l *link) fault(faults chan<- linkFault, err error) {
	select {
	case faults <- linkFault{gen: l.gen, err: err}:
	case <-l.ctx.Done():
	}
}

// send queues a frame without blocking the loop
func (l *link) send(frame []byte) error {
	select {
	case l.out <- frame:
		return nil
	default:
		return ErrOutboxFull
	}
}

// close stops the goroutines and closes the transport
func (l *link) close() {
	l.closeOnce.Do(func() {
		l.cancel()
		if err := l.tr.Close(); err != nil {
			l.log.Debug("close failed", zap.Error(err))
		}
	})
}
