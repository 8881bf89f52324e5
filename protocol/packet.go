package protocol

import (
	"encoding/binary"
	"fmt"
	"iter"
	"time"
)

// Encode wraps payload in a frame. Payloads up to ShortPayloadMax bytes use
// the short length form.
func Encode(payload []byte) ([]byte, error) {
	n := len(payload)
	if n == 0 {
		return nil, ErrEmptyPayload
	}
	if n > LongPayloadMax {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrPayloadTooLarge, n, LongPayloadMax)
	}

	frame := make([]byte, 0, n+FrameOverhead)
	if n <= ShortPayloadMax {
		frame = append(frame, StartShort, byte(n))
	} else {
		frame = append(frame, StartLong)
		frame = AppendUint16(frame, uint16(n))
	}
	frame = append(frame, payload...)
	frame = AppendUint16(frame, CRC16(payload))
	return append(frame, EndMarker), nil
}

// DefaultRxTimeout is how long a partial frame may stall before it is dropped
const DefaultRxTimeout = 100 * time.Millisecond

// DecoderConfig bounds the memory and patience of a Decoder
type DecoderConfig struct {
	// MaxPayload is the largest payload accepted. Candidates declaring more
	// are treated as corrupt.
	MaxPayload int

	// MaxBuffer is the receive buffer bound. Exceeding it without producing a
	// frame clears the buffer, so frames larger than MaxBuffer are never
	// decoded.
	MaxBuffer int

	// RxTimeout drops a stale partial frame when no bytes arrived for this
	// long (0 = never). A frame start that has stalled this long is also the
	// only thing that lets the decoder skip ahead to a complete frame inside
	// the stalled frame's declared length.
	RxTimeout time.Duration
}

// DefaultDecoderConfig returns the configuration used for controller links
func DefaultDecoderConfig() DecoderConfig {
	return DecoderConfig{
		MaxPayload: DefaultMaxPayload,
		MaxBuffer:  DefaultMaxPayload + FrameOverhead + 1024,
		RxTimeout:  DefaultRxTimeout,
	}
}

// DecoderStats counts decoder outcomes since creation
type DecoderStats struct {
	Frames    int
	Corrupt   int
	Overflows int
	Timeouts  int
}

type candidate int

const (
	candidateValid candidate = iota
	candidateCorrupt
	candidateIncomplete
)

// Decoder turns a byte stream into validated payloads. It is restartable:
// bytes may arrive in arbitrary pieces across calls to Feed.
// A Decoder is not safe for concurrent use.
//
// A frame start reached on a clean boundary (after a valid frame, or after
// skipping bytes that hold no start marker) is waited for until it completes
// or stalls, so bytes inside its payload are never mistaken for frames. Only
// while resynchronising after a corrupt candidate may the decoder skip ahead
// to a complete frame without waiting.
type Decoder struct {
	cfg       DecoderConfig
	buf       *RxBuffer
	lastRx    time.Time
	now       func() time.Time
	stats     DecoderStats
	resyncing bool
}

// NewDecoder creates a Decoder. Zero fields of cfg take their defaults.
func NewDecoder(cfg DecoderConfig) *Decoder {
	def := DefaultDecoderConfig()
	if cfg.MaxPayload <= 0 || cfg.MaxPayload > LongPayloadMax {
		cfg.MaxPayload = def.MaxPayload
	}
	if cfg.MaxBuffer <= 0 {
		cfg.MaxBuffer = cfg.MaxPayload + FrameOverhead + 1024
	}

	return &Decoder{
		cfg: cfg,
		buf: NewRxBuffer(cfg.MaxBuffer),
		now: time.Now,
	}
}

// Feed appends data to the receive buffer and returns the sequence of
// payloads (or frame errors) that can now be decoded. The sequence is lazy:
// frames not pulled before the loop stops stay buffered for the next call.
//
// Yielded errors are ErrCorrupt, after which the decoder has skipped one byte
// (or up to the next valid frame), and ErrBufferOverflow, after which the
// buffer is empty. Incomplete frames are never yielded.
func (d *Decoder) Feed(data []byte) iter.Seq2[[]byte, error] {
	now := d.now()
	d.expire(now)
	d.lastRx = now
	d.buf.Write(data)
	return d.Frames()
}

// Poll drops a stalled partial frame without new input and returns the
// frames that this releases. Call it periodically when the link is quiet.
func (d *Decoder) Poll() iter.Seq2[[]byte, error] {
	d.expire(d.now())
	return d.Frames()
}

// expire drops the partial frame at the head of the buffer if no bytes
// arrived for RxTimeout. Complete frames already buffered behind it are kept.
func (d *Decoder) expire(now time.Time) {
	if d.cfg.RxTimeout <= 0 || d.buf.IsEmpty() || now.Sub(d.lastRx) <= d.cfg.RxTimeout {
		return
	}

	data := d.buf.Data()
	if _, _, c := d.check(data); c != candidateIncomplete {
		return
	}
	if skip := d.nextValid(data); skip > 0 {
		d.buf.Pop(skip)
	} else {
		d.buf.Reset()
		d.resyncing = false
	}
	d.stats.Timeouts++
}

// Frames returns the sequence of payloads decodable from already buffered bytes
func (d *Decoder) Frames() iter.Seq2[[]byte, error] {
	return d.frames
}

func (d *Decoder) frames(yield func([]byte, error) bool) {
	for {
		data := d.buf.Data()

		// Skip anything that cannot start a frame
		start := indexStart(data)
		if start < 0 {
			d.buf.Reset()
			return
		}
		if start > 0 {
			d.buf.Pop(start)
			data = d.buf.Data()
		}

		payload, size, c := d.check(data)
		switch c {
		case candidateValid:
			out := make([]byte, len(payload))
			copy(out, payload)
			d.buf.Pop(size)
			d.stats.Frames++
			d.resyncing = false
			if !yield(out, nil) {
				return
			}

		case candidateCorrupt:
			d.buf.Pop(1)
			d.stats.Corrupt++
			d.resyncing = true
			if !yield(nil, ErrCorrupt) {
				return
			}

		case candidateIncomplete:
			// Inside a corrupt region, or once the buffer is full, a complete
			// frame further on means this candidate was a false start
			if d.resyncing || d.buf.Overflowed() {
				if skip := d.nextValid(data); skip > 0 {
					d.buf.Pop(skip)
					d.stats.Corrupt++
					if !yield(nil, ErrCorrupt) {
						return
					}
					continue
				}
			}

			if d.buf.Overflowed() {
				d.buf.Reset()
				d.stats.Overflows++
				d.resyncing = true
				yield(nil, ErrBufferOverflow)
			}
			return
		}
	}
}

// check classifies the frame candidate at the start of data
func (d *Decoder) check(data []byte) (payload []byte, size int, c candidate) {
	if len(data) == 0 {
		return nil, 0, candidateIncomplete
	}

	var header, length int
	switch data[0] {
	case StartShort:
		if len(data) < 2 {
			return nil, 0, candidateIncomplete
		}
		header, length = 2, int(data[1])
	case StartLong:
		if len(data) < 3 {
			return nil, 0, candidateIncomplete
		}
		header, length = 3, int(binary.BigEndian.Uint16(data[1:3]))
	default:
		return nil, 0, candidateCorrupt
	}

	if length == 0 || length > d.cfg.MaxPayload {
		return nil, 0, candidateCorrupt
	}

	size = header + length + CRCSize + 1
	if len(data) < size {
		return nil, 0, candidateIncomplete
	}
	if data[size-1] != EndMarker {
		return nil, 0, candidateCorrupt
	}

	payload = data[header : header+length]
	if binary.BigEndian.Uint16(data[header+length:]) != CRC16(payload) {
		return nil, 0, candidateCorrupt
	}
	return payload, size, candidateValid
}

// nextValid returns the offset of the first complete valid frame after the
// start of data, or 0 if there is none
func (d *Decoder) nextValid(data []byte) int {
	for i := 1; i < len(data); i++ {
		if data[i] != StartShort && data[i] != StartLong {
			continue
		}
		if _, _, c := d.check(data[i:]); c == candidateValid {
			return i
		}
	}
	return 0
}

// Buffered returns the number of bytes waiting in the receive buffer
func (d *Decoder) Buffered() int {
	return d.buf.Available()
}

// Stats returns the decoder counters
func (d *Decoder) Stats() DecoderStats {
	return d.stats
}

// Reset drops any partially received frame
func (d *Decoder) Reset() {
	d.buf.Reset()
	d.lastRx = time.Time{}
	d.resyncing = false
}

func indexStart(data []byte) int {
	for i, b := range data {
		if b == StartShort || b == StartLong {
			return i
		}
	}
	return -1
}
