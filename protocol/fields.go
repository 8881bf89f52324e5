package protocol

import (
	"encoding/binary"
	"errors"
)

var ErrBufferTooSmall = errors.New("buffer too small for field")

// The controller serialises every multi-byte field big-endian.

// AppendUint16 appends v big-endian
func AppendUint16(dst []byte, v uint16) []byte {
	return binary.BigEndian.AppendUint16(dst, v)
}

// AppendUint32 appends v big-endian
func AppendUint32(dst []byte, v uint32) []byte {
	return binary.BigEndian.AppendUint32(dst, v)
}

// DecodeUint8 decodes one byte, advancing data past it
func DecodeUint8(data *[]byte) (uint8, error) {
	if len(*data) < 1 {
		return 0, ErrBufferTooSmall
	}
	v := (*data)[0]
	*data = (*data)[1:]
	return v, nil
}

// DecodeUint16 decodes a big-endian uint16, advancing data past it
func DecodeUint16(data *[]byte) (uint16, error) {
	if len(*data) < 2 {
		return 0, ErrBufferTooSmall
	}
	v := binary.BigEndian.Uint16(*data)
	*data = (*data)[2:]
	return v, nil
}

// DecodeUint32 decodes a big-endian uint32, advancing data past it
func DecodeUint32(data *[]byte) (uint32, error) {
	if len(*data) < 4 {
		return 0, ErrBufferTooSmall
	}
	v := binary.BigEndian.Uint32(*data)
	*data = (*data)[4:]
	return v, nil
}

// DecodeCString decodes a NUL-terminated string. A missing terminator
// consumes the rest of data.
func DecodeCString(data *[]byte) string {
	for i, b := range *data {
		if b == 0 {
			s := string((*data)[:i])
			*data = (*data)[i+1:]
			return s
		}
	}
	s := string(*data)
	*data = (*data)[len(*data):]
	return s
}

// DecodeBytes decodes exactly n bytes, advancing data past them
func DecodeBytes(data *[]byte, n int) ([]byte, error) {
	if n < 0 || len(*data) < n {
		return nil, ErrBufferTooSmall
	}
	out := make([]byte, n)
	copy(out, (*data)[:n])
	*data = (*data)[n:]
	return out, nil
}
