package protocol

import (
	"context"
	"errors"
	"io"

	"github.com/crazyfrankie/zrpcweb/mem"
	"github.com/crazyfrankie/zrpcweb/stream"
)

// ReadBufferSize caps a single read from the request body.
const ReadBufferSize = 32 * 1024

// ReadFrames decodes r into a stream of frames. Each read asks r for no more
// than the decoder currently needs. A body that ends inside a frame, or fails
// while being read, terminates the stream with a *FramingError.
// Cancelling ctx does not interrupt a blocked Read: the reading goroutine
// only exits once r returns, so the caller must eventually close r.
func ReadFrames(ctx context.Context, r io.Reader, opts ...DecoderOption) *stream.Stream[Frame] {
	return stream.Produce(ctx, func(ctx context.Context, send stream.SendFunc[Frame]) error {
		d := NewDecoder(opts...)
		defer d.Release()

		buf := make([]byte, ReadBufferSize)
		for {
			n, err := r.Read(buf[:min(d.Need(), len(buf))])
			if n > 0 {
				frames, ferr := d.Feed(buf[:n])
				for _, f := range frames {
					if err := send(f); err != nil {
						return err
					}
				}
				if ferr != nil {
					return ferr
				}
			}

			if errors.Is(err, io.EOF) {
				return d.Close()
			}
			if err != nil {
				return &FramingError{Err: err}
			}
		}
	})
}

// EncodeFrames frames every payload of in. The output has exactly one
// Buffer per input payload, in the same order.
func EncodeFrames(ctx context.Context, pool mem.BufferPool, in *stream.Stream[[]byte]) *stream.Stream[mem.Buffer] {
	return stream.Map(ctx, in, func(payload []byte) (mem.Buffer, error) {
		return EncodeFrame(pool, payload), nil
	})
}
