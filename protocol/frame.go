// Package protocol implements the length-prefixed framing that delimits
// messages inside an HTTP request or response body.
//
// Frame format:
//
//	0      1                   5
//	┌──────┬───────────────────┬──────────────────┐
//	│ flag │  length (uint32)  │  payload ...     │
//	│ 0/1  │    big-endian     │  length bytes    │
//	└──────┴───────────────────┴──────────────────┘
//
// The flag byte marks a compressed payload. Compression is not implemented:
// encoded frames always carry 0 and decoded frames only record the flag.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/crazyfrankie/zrpcweb/mem"
)

const (
	// HeaderSize is the size of the fixed frame prefix.
	HeaderSize = 5

	flagNone       byte = 0x00
	flagCompressed byte = 0x01
)

var (
	ErrTruncatedFrame = errors.New("protocol: stream ended inside a frame")
	ErrFrameTooLarge  = errors.New("protocol: frame exceeds the maximum size")
)

// FramingError reports a body that could not be split into frames.
type FramingError struct {
	Err error
}

func (e *FramingError) Error() string {
	return fmt.Sprintf("protocol: framing error: %v", e.Err)
}

func (e *FramingError) Unwrap() error { return e.Err }

// Frame is one decoded message body together with its compression flag.
type Frame struct {
	Compressed bool
	Payload    []byte
}

// AppendFrame appends the encoding of payload to dst.
func AppendFrame(dst, payload []byte) []byte {
	var hdr [HeaderSize]byte
	hdr[0] = flagNone
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(payload)))

	dst = append(dst, hdr[:]...)
	return append(dst, payload...)
}

// EncodeFrame encodes payload into a single Buffer drawn from pool.
// The caller owns the returned Buffer and must Free it once written.
func EncodeFrame(pool mem.BufferPool, payload []byte) mem.Buffer {
	data := pool.Get(HeaderSize + len(payload))

	(*data)[0] = flagNone
	binary.BigEndian.PutUint32((*data)[1:HeaderSize], uint32(len(payload)))
	copy((*data)[HeaderSize:], payload)

	return mem.NewBuffer(data, pool)
}
