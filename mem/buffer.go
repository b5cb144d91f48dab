package mem

import (
	"sync"
	"sync/atomic"
)

var (
	bufferPoolingThreshold = 1 << 10

	bufferObjectPool = sync.Pool{New: func() any { return new(buffer) }}
	refObjectPool    = sync.Pool{New: func() any { return new(atomic.Int32) }}
)

// Buffer is a reference counted byte slice. Frames travel between the codec
// and the response writer as Buffers so their backing arrays can go back to
// a pool once written.
type Buffer interface {
	// ReadOnlyData returns the underlying byte slice,
	// note that it is immutable.
	ReadOnlyData() []byte
	// Ref increases the reference counter for this Buffer.
	Ref()
	// Free decrements this Buffer's reference counter and frees the underlying
	// byte slice if the counter reaches 0 as a result of this call.
	Free()
	// Len returns the Buffer's size.
	Len() int

	read([]byte) (int, Buffer)
}

// NewBuffer wraps data in a Buffer whose counter starts at 1. Once every
// reference is released data is returned to pool. Small slices without a
// pool are wrapped as a SliceBuffer and never counted.
func NewBuffer(data *[]byte, pool BufferPool) Buffer {
	if pool == nil && IsLessBufferPoolThreshold(cap(*data)) {
		return (SliceBuffer)(*data)
	}

	b := bufferObjectPool.Get().(*buffer)
	b.originData = data
	b.data = *data
	b.pool = pool
	b.refs = refObjectPool.Get().(*atomic.Int32)
	b.refs.Add(1)
	return b
}

// Read copies bytes from the front of buf into data. It returns the number of
// bytes copied and the unread remainder of buf, or nil when buf was consumed
// entirely, in which case buf has been freed.
func Read(buf Buffer, data []byte) (int, Buffer) {
	return buf.read(data)
}

type buffer struct {
	originData *[]byte
	data       []byte
	refs       *atomic.Int32
	pool       BufferPool
}

func (b *buffer) ReadOnlyData() []byte {
	if b.refs == nil {
		panic("mem: cannot read freed buffer")
	}
	return b.data
}

func (b *buffer) read(buf []byte) (int, Buffer) {
	if b.refs == nil {
		panic("mem: cannot read freed buffer")
	}

	n := copy(buf, b.data)
	if n == len(b.data) {
		b.Free()
		return n, nil
	}

	b.data = b.data[n:]
	return n, b
}

func (b *buffer) Ref() {
	if b.refs == nil {
		panic("mem: cannot ref freed buffer")
	}
	b.refs.Add(1)
}

func (b *buffer) Free() {
	if b.refs == nil {
		panic("mem: cannot free freed buffer")
	}

	refs := b.refs.Add(-1)
	switch {
	case refs > 0:
		return
	case refs == 0:
		if b.pool != nil {
			b.pool.Put(b.originData)
		}

		refObjectPool.Put(b.refs)
		b.originData = nil
		b.data = nil
		b.refs = nil
		b.pool = nil
		bufferObjectPool.Put(b)
	default:
		panic("mem: cannot free freed buffer")
	}
}

func (b *buffer) Len() int {
	return len(b.ReadOnlyData())
}

// IsLessBufferPoolThreshold reports whether size is small enough to skip
// pooling and reference counting.
func IsLessBufferPoolThreshold(size int) bool {
	return size <= bufferPoolingThreshold
}

// SliceBuffer is a Buffer over a plain byte slice. Ref and Free are no-ops.
type SliceBuffer []byte

func (s SliceBuffer) ReadOnlyData() []byte { return s }

func (s SliceBuffer) Ref() {}

func (s SliceBuffer) Free() {}

func (s SliceBuffer) Len() int { return len(s) }

func (s SliceBuffer) read(buf []byte) (int, Buffer) {
	n := copy(buf, s)
	if n == len(s) {
		return n, nil
	}

	return n, s[n:]
}
