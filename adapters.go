package zrpcweb

import (
	"context"
	"errors"
	"io"

	"github.com/crazyfrankie/zrpcweb/codec"
	"github.com/crazyfrankie/zrpcweb/stream"
)

// BidiStream describes a method whose handler already maps a request
// stream to a response stream.
func BidiStream[S, Req, Resp any](
	name string,
	req codec.Serializer[Req],
	resp codec.Serializer[Resp],
	h func(srv S, ctx context.Context, in *stream.Stream[Req]) *stream.Stream[Resp],
) *MethodDesc[S, Req, Resp] {
	return &MethodDesc[S, Req, Resp]{
		Name:     name,
		Shape:    BidiStreaming,
		Request:  req,
		Response: resp,
		Handler: func(srv S) StreamFunc[Req, Resp] {
			return func(ctx context.Context, in *stream.Stream[Req]) *stream.Stream[Resp] {
				return stream.Produce(ctx, func(ctx context.Context, send stream.SendFunc[Resp]) error {
					return forward(h(srv, ctx, in), send)
				})
			}
		},
	}
}

// Unary describes a method taking one request and returning one response.
// Only the first message of the request body is consumed.
func Unary[S, Req, Resp any](
	name string,
	req codec.Serializer[Req],
	resp codec.Serializer[Resp],
	h func(srv S, ctx context.Context, req Req) (Resp, error),
) *MethodDesc[S, Req, Resp] {
	return &MethodDesc[S, Req, Resp]{
		Name:     name,
		Shape:    UnaryCall,
		Request:  req,
		Response: resp,
		Handler: func(srv S) StreamFunc[Req, Resp] {
			return func(ctx context.Context, in *stream.Stream[Req]) *stream.Stream[Resp] {
				return stream.Produce(ctx, func(ctx context.Context, send stream.SendFunc[Resp]) error {
					r, err := first(in)
					if err != nil {
						return err
					}
					out, err := h(srv, ctx, r)
					if err != nil {
						return err
					}
					return send(out)
				})
			}
		},
	}
}

// ServerStream describes a method taking one request and returning a
// stream of responses. The handler runs once the request has arrived.
func ServerStream[S, Req, Resp any](
	name string,
	req codec.Serializer[Req],
	resp codec.Serializer[Resp],
	h func(srv S, ctx context.Context, req Req) *stream.Stream[Resp],
) *MethodDesc[S, Req, Resp] {
	return &MethodDesc[S, Req, Resp]{
		Name:     name,
		Shape:    ServerStreaming,
		Request:  req,
		Response: resp,
		Handler: func(srv S) StreamFunc[Req, Resp] {
			return func(ctx context.Context, in *stream.Stream[Req]) *stream.Stream[Resp] {
				return stream.Produce(ctx, func(ctx context.Context, send stream.SendFunc[Resp]) error {
					r, err := first(in)
					if err != nil {
						return err
					}
					return forward(h(srv, ctx, r), send)
				})
			}
		},
	}
}

// ClientStream describes a method consuming a stream of requests and
// returning one response.
func ClientStream[S, Req, Resp any](
	name string,
	req codec.Serializer[Req],
	resp codec.Serializer[Resp],
	h func(srv S, ctx context.Context, in *stream.Stream[Req]) (Resp, error),
) *MethodDesc[S, Req, Resp] {
	return &MethodDesc[S, Req, Resp]{
		Name:     name,
		Shape:    ClientStreaming,
		Request:  req,
		Response: resp,
		Handler: func(srv S) StreamFunc[Req, Resp] {
			return func(ctx context.Context, in *stream.Stream[Req]) *stream.Stream[Resp] {
				return stream.Produce(ctx, func(ctx context.Context, send stream.SendFunc[Resp]) error {
					out, err := h(srv, ctx, in)
					if err != nil {
						return err
					}
					return send(out)
				})
			}
		},
	}
}

// first returns the first request of in, failing with ErrNoRequest when
// the stream ends without one.
func first[T any](in *stream.Stream[T]) (T, error) {
	v, err := in.Recv()
	if errors.Is(err, io.EOF) {
		return v, ErrNoRequest
	}
	return v, err
}

// forward sends every value of in. A nil stream is empty.
func forward[T any](in *stream.Stream[T], send stream.SendFunc[T]) error {
	if in == nil {
		return nil
	}
	for {
		v, err := in.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := send(v); err != nil {
			return err
		}
	}
}
