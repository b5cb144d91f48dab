package mem

import (
	"sync"
)

// BufferPool is a self-managed pool with various buffer sizes.
type BufferPool interface {
	// Get returns a buffer with the size.
	Get(size int) *[]byte
	// Put returns the buffer back to the pool.
	Put(buffer *[]byte)
}

var defaultPool tieredBufferPool

var bufferPoolSizes = []int{
	1 << 7,  // 128B
	1 << 8,  // 256B
	1 << 9,  // 512B
	1 << 10, // 1KB
	1 << 11, // 2KB
	1 << 12, // 4KB
	1 << 13, // 8KB
	1 << 14, // 16KB
	1 << 15, // 32KB
	1 << 16, // 64KB
	1 << 17, // 128KB
	1 << 18, // 256KB
	1 << 19, // 512KB
	1 << 20, // 1MB
	1 << 21, // 2MB
	1 << 22, // 4MB
}

// tieredBufferPool keeps one sync.Pool per size class. A pooled slice always
// has a capacity of at least its class size.
type tieredBufferPool struct {
	pools   []*sync.Pool
	maxSize int
}

func init() {
	defaultPool.maxSize = bufferPoolSizes[len(bufferPoolSizes)-1]
	defaultPool.pools = make([]*sync.Pool, len(bufferPoolSizes))

	for i := range bufferPoolSizes {
		size := bufferPoolSizes[i]
		defaultPool.pools[i] = &sync.Pool{
			New: func() any {
				buf := make([]byte, 0, size)
				return &buf
			},
		}
	}
}

// DefaultBufferPool returns the default pool
func DefaultBufferPool() BufferPool {
	return &defaultPool
}

// Get returns a buffer of length size.
func (p *tieredBufferPool) Get(size int) *[]byte {
	if size <= 0 {
		return &[]byte{}
	}

	if index := p.findBestFitPool(size); index >= 0 {
		buf := p.pools[index].Get().(*[]byte)
		*buf = (*buf)[:size]
		return buf
	}

	buf := make([]byte, size)
	return &buf
}

// Put returns the buffer to the largest class its capacity can serve.
func (p *tieredBufferPool) Put(buffer *[]byte) {
	if buffer == nil {
		return
	}

	size := cap(*buffer)
	if size < bufferPoolSizes[0] || size > p.maxSize {
		return
	}

	*buffer = (*buffer)[:0]
	p.pools[p.findClosestPool(size)].Put(buffer)
}

func (p *tieredBufferPool) findBestFitPool(size int) int {
	for i, poolSize := range bufferPoolSizes {
		if size <= poolSize {
			return i
		}
	}
	return -1
}

func (p *tieredBufferPool) findClosestPool(size int) int {
	for i := len(bufferPoolSizes) - 1; i >= 0; i-- {
		if size >= bufferPoolSizes[i] {
			return i
		}
	}
	return 0
}
