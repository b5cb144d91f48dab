// Package stream provides the channel-backed streams that connect the stages
// of a call pipeline. Every stage runs in its own goroutine and hands values
// to the next stage over a bounded channel, so a slow consumer holds back
// its producer.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
)

// bufferSize is the capacity of the channel between two stages.
const bufferSize = 1

type item[T any] struct {
	val T
	err error
}

// Stream is a sequence of values produced by another goroutine.
// It must be read by a single goroutine.
type Stream[T any] struct {
	ctx context.Context
	ch  <-chan item[T]
	err error
}

// Recv returns the next value of the stream. It returns io.EOF after the
// last value, the producer's error if the producer failed, and the context
// error once the stream's context is done.
func (s *Stream[T]) Recv() (T, error) {
	var zero T
	if s.err != nil {
		return zero, s.err
	}

	select {
	case it, ok := <-s.ch:
		if !ok {
			s.err = io.EOF
			return zero, s.err
		}
		if it.err != nil {
			s.err = it.err
			return zero, s.err
		}
		return it.val, nil
	case <-s.ctx.Done():
		s.err = s.ctx.Err()
		return zero, s.err
	}
}

// SendFunc hands one value to the consumer. It blocks while the consumer is
// behind and fails with the context error once the stream is abandoned.
type SendFunc[T any] func(T) error

// Produce starts fn in a new goroutine and returns the stream of values it
// sends. A non-nil error returned by fn terminates the stream with that error,
// a panic in fn terminates it with a *PanicError.
func Produce[T any](ctx context.Context, fn func(ctx context.Context, send SendFunc[T]) error) *Stream[T] {
	ch := make(chan item[T], bufferSize)

	go func() {
		defer close(ch)

		send := func(v T) error {
			select {
			case ch <- item[T]{val: v}:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if err := run(ctx, fn, send); err != nil {
			select {
			case ch <- item[T]{err: err}:
			case <-ctx.Done():
			}
		}
	}()

	return &Stream[T]{ctx: ctx, ch: ch}
}

func run[T any](ctx context.Context, fn func(context.Context, SendFunc[T]) error, send SendFunc[T]) (err error) {
	defer func() {
		if r := recover(); r != nil {
			const size = 64 << 10
			buf := make([]byte, size)
			buf = buf[:runtime.Stack(buf, false)]
			err = &PanicError{Value: r, Stack: buf}
		}
	}()

	return fn(ctx, send)
}

// Map returns a stream of f applied to every value of in, in order.
// The first error from in or f terminates the returned stream.
func Map[A, B any](ctx context.Context, in *Stream[A], f func(A) (B, error)) *Stream[B] {
	return Produce(ctx, func(ctx context.Context, send SendFunc[B]) error {
		for {
			a, err := in.Recv()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}

			b, err := f(a)
			if err != nil {
				return err
			}
			if err := send(b); err != nil {
				return err
			}
		}
	})
}

// Tap passes in through unchanged, calling onValue for every value and onEnd
// exactly once with the terminal error (nil for a clean end).
// Either callback may be nil.
func Tap[T any](ctx context.Context, in *Stream[T], onValue func(T), onEnd func(error)) *Stream[T] {
	return Produce(ctx, func(ctx context.Context, send SendFunc[T]) (err error) {
		if onEnd != nil {
			defer func() { onEnd(err) }()
		}
		for {
			v, err := in.Recv()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}

			if onValue != nil {
				onValue(v)
			}
			if err := send(v); err != nil {
				return err
			}
		}
	})
}

// Of returns a stream of the given values.
func Of[T any](vals ...T) *Stream[T] {
	ch := make(chan item[T], len(vals))
	for _, v := range vals {
		ch <- item[T]{val: v}
	}
	close(ch)

	return &Stream[T]{ctx: context.Background(), ch: ch}
}

// Empty returns a stream that ends immediately.
func Empty[T any]() *Stream[T] {
	return Of[T]()
}

// Fail returns a stream that terminates with err without producing a value.
func Fail[T any](err error) *Stream[T] {
	ch := make(chan item[T], 1)
	ch <- item[T]{err: err}
	close(ch)

	return &Stream[T]{ctx: context.Background(), ch: ch}
}

// Collect reads s to its end. On failure it returns the values read so far
// together with the error.
func Collect[T any](s *Stream[T]) ([]T, error) {
	var out []T
	for {
		v, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, v)
	}
}

// PanicError reports a panic recovered from a stream producer.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("stream: producer panicked: %v", e.Value)
}
