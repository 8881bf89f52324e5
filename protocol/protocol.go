// Package protocol implements the framing used on the link to the motor controller.
//
// A frame is laid out as
//
//	[start][length][payload][crc16 hi][crc16 lo][end]
//
// where start is StartShort with a one byte length for payloads up to 255
// bytes, or StartLong with a two byte big-endian length otherwise. The CRC
// covers the payload only.
package protocol

import "errors"

// Frame markers and limits
const (
	StartShort = 0x02 // one byte length field follows
	StartLong  = 0x03 // two byte length field follows
	EndMarker  = 0x03

	ShortPayloadMax = 255
	LongPayloadMax  = 65535

	CRCPolynomial = 0x1021
	CRCSize       = 2

	// FrameOverhead is the largest framing overhead (long form)
	FrameOverhead = 3 + CRCSize + 1

	// DefaultMaxPayload matches the receive buffer of current controller firmware
	DefaultMaxPayload = 4096
)

var (
	// ErrCorrupt is yielded for a frame candidate whose checksum, end marker
	// or declared length is invalid. The decoder has already skipped past it.
	ErrCorrupt = errors.New("corrupt frame")

	// ErrBufferOverflow is yielded when the receive buffer grew past its
	// bound without producing a frame. The buffer has been cleared.
	ErrBufferOverflow = errors.New("receive buffer overflow")

	ErrEmptyPayload    = errors.New("empty payload")
	ErrPayloadTooLarge = errors.New("payload too large")
)
