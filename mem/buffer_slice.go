package mem

// BufferSlice is an ordered list of Buffers treated as one byte sequence.
type BufferSlice []Buffer

// Len returns the sum of the length of all the Buffers in this slice.
func (s BufferSlice) Len() int {
	length := 0
	for _, b := range s {
		length += b.Len()
	}

	return length
}

// Free invokes Buffer.Free() on each Buffer in the slice.
func (s BufferSlice) Free() {
	for _, b := range s {
		b.Free()
	}
}

// Materialize concatenates all the underlying Buffer's data into a single
// contiguous slice.
func (s BufferSlice) Materialize() []byte {
	l := s.Len()
	if l == 0 {
		return nil
	}

	out := make([]byte, l)
	off := 0
	for _, b := range s {
		off += copy(out[off:], b.ReadOnlyData())
	}
	return out
}

// Copy creates a Buffer holding a copy of data, drawing the backing array
// from pool when data is large enough to be worth pooling.
func Copy(data []byte, pool BufferPool) Buffer {
	if pool == nil || IsLessBufferPoolThreshold(len(data)) {
		buf := make(SliceBuffer, len(data))
		copy(buf, data)
		return buf
	}

	buf := pool.Get(len(data))
	copy(*buf, data)
	return NewBuffer(buf, pool)
}
