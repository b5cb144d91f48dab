package protocol

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/crazyfrankie/zrpcweb/mem"
)

// State is the parsing state of a Decoder.
type State int

const (
	// ReadFrameHeader waits for the 5 byte frame prefix.
	ReadFrameHeader State = iota
	// ReadFrame waits for the payload announced by the last header.
	ReadFrame
)

func (s State) String() string {
	switch s {
	case ReadFrameHeader:
		return "ReadFrameHeader"
	case ReadFrame:
		return "ReadFrame"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Decoder reassembles frames from chunks whose boundaries are unrelated to
// frame boundaries. It only ever consumes the exact number of bytes the
// current state needs.
type Decoder struct {
	state      State
	compressed bool
	length     int

	pending  mem.BufferSlice
	buffered int

	maxSize int
	pool    mem.BufferPool
}

type DecoderOption func(*Decoder)

// WithMaxFrameSize rejects frames whose announced payload is longer than n.
// Zero leaves only the math.MaxInt32 bound.
func WithMaxFrameSize(n int) DecoderOption {
	return func(d *Decoder) {
		d.maxSize = n
	}
}

// WithBufferPool sets the pool used to hold buffered chunks.
func WithBufferPool(pool mem.BufferPool) DecoderOption {
	return func(d *Decoder) {
		if pool != nil {
			d.pool = pool
		}
	}
}

func NewDecoder(opts ...DecoderOption) *Decoder {
	d := &Decoder{pool: mem.DefaultBufferPool()}
	for _, o := range opts {
		o(d)
	}
	return d
}

// State returns the current parsing state.
func (d *Decoder) State() State { return d.state }

// Need returns how many more bytes the current state requires before it can
// make progress.
func (d *Decoder) Need() int {
	return d.required() - d.buffered
}

func (d *Decoder) required() int {
	if d.state == ReadFrameHeader {
		return HeaderSize
	}
	return d.length
}

// Feed buffers chunk and returns every frame completed by it, in order.
// After an error the decoder holds no data and must not be fed again.
func (d *Decoder) Feed(chunk []byte) ([]Frame, error) {
	if len(chunk) > 0 {
		d.pending = append(d.pending, mem.Copy(chunk, d.pool))
		d.buffered += len(chunk)
	}

	var frames []Frame
	for d.buffered >= d.required() {
		switch d.state {
		case ReadFrameHeader:
			var hdr [HeaderSize]byte
			d.take(hdr[:])

			length := binary.BigEndian.Uint32(hdr[1:])
			if limit := d.limit(); uint64(length) > uint64(limit) {
				d.Release()
				return frames, &FramingError{Err: fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, length, limit)}
			}

			d.compressed = hdr[0] == flagCompressed
			d.length = int(length)
			d.state = ReadFrame
		case ReadFrame:
			payload := make([]byte, d.length)
			d.take(payload)
			frames = append(frames, Frame{Compressed: d.compressed, Payload: payload})

			d.state = ReadFrameHeader
			d.compressed = false
			d.length = 0
		}
	}

	return frames, nil
}

// limit is the largest payload accepted. Lengths past math.MaxInt32 are
// refused even without a max size, as they do not fit an int everywhere.
func (d *Decoder) limit() int64 {
	if d.maxSize > 0 && d.maxSize < math.MaxInt32 {
		return int64(d.maxSize)
	}
	return math.MaxInt32
}

// Close reports the end of the input. Ending is only clean between frames;
// anything buffered at that point belongs to a truncated frame.
func (d *Decoder) Close() error {
	if d.state == ReadFrameHeader && d.buffered == 0 {
		return nil
	}

	d.Release()
	return &FramingError{Err: ErrTruncatedFrame}
}

// Release drops any partially received frame and resets the decoder.
func (d *Decoder) Release() {
	d.pending.Free()
	d.pending = nil
	d.buffered = 0
	d.state = ReadFrameHeader
	d.compressed = false
	d.length = 0
}

// take fills dst from the front of the pending chunks.
func (d *Decoder) take(dst []byte) {
	off := 0
	for off < len(dst) {
		n, rest := mem.Read(d.pending[0], dst[off:])
		off += n
		if rest == nil {
			d.pending[0] = nil
			d.pending = d.pending[1:]
		} else {
			d.pending[0] = rest
		}
	}
	d.buffered -= len(dst)
}
