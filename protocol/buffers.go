package protocol

// RxBuffer accumulates received bytes until the decoder consumes them.
// Unlike a ring buffer, Data always returns a contiguous view so frames can be
// validated in place.
type RxBuffer struct {
	buf   []byte
	limit int
}

// NewRxBuffer creates an RxBuffer that reports overflow past limit bytes
func NewRxBuffer(limit int) *RxBuffer {
	return &RxBuffer{
		buf:   make([]byte, 0, 256),
		limit: limit,
	}
}

// Write appends data to the buffer
func (r *RxBuffer) Write(data []byte) int {
	r.buf = append(r.buf, data...)
	return len(data)
}

func (r *RxBuffer) Data() []byte {
	return r.buf
}

func (r *RxBuffer) Available() int {
	return len(r.buf)
}

// Pop removes n bytes from the front. Remaining bytes are moved to the start
// of the backing array so memory stays proportional to the pending frame.
func (r *RxBuffer) Pop(n int) {
	if n >= len(r.buf) {
		r.buf = r.buf[:0]
		return
	}
	if n <= 0 {
		return
	}
	rest := copy(r.buf, r.buf[n:])
	r.buf = r.buf[:rest]
}

// Overflowed reports whether the buffered data exceeds the limit
func (r *RxBuffer) Overflowed() bool {
	return r.limit > 0 && len(r.buf) > r.limit
}

// IsEmpty returns true if the buffer is empty
func (r *RxBuffer) IsEmpty() bool {
	return len(r.buf) == 0
}

// Reset clears the buffer
func (r *RxBuffer) Reset() {
	r.buf = r.buf[:0]
}
