package zrpcweb

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/crazyfrankie/zrpcweb/codec"
	"github.com/crazyfrankie/zrpcweb/mem"
	"github.com/crazyfrankie/zrpcweb/protocol"
	"github.com/crazyfrankie/zrpcweb/stats"
	"github.com/crazyfrankie/zrpcweb/stream"
)

// StreamFunc is the form every method takes once adapted: a transform from
// the stream of requests to the stream of responses.
type StreamFunc[Req, Resp any] func(ctx context.Context, in *stream.Stream[Req]) *stream.Stream[Resp]

// CallShape is the cardinality of a method on each side.
type CallShape int

const (
	// BidiStreaming takes a stream of requests and returns a stream of responses.
	BidiStreaming CallShape = iota
	// UnaryCall takes one request and returns one response.
	UnaryCall
	// ServerStreaming takes one request and returns a stream of responses.
	ServerStreaming
	// ClientStreaming takes a stream of requests and returns one response.
	ClientStreaming
)

func (s CallShape) String() string {
	switch s {
	case BidiStreaming:
		return "bidi-streaming"
	case UnaryCall:
		return "unary"
	case ServerStreaming:
		return "server-streaming"
	case ClientStreaming:
		return "client-streaming"
	default:
		return "unknown"
	}
}

// IsClientStream reports whether the method accepts a stream of requests.
func (s CallShape) IsClientStream() bool {
	return s == BidiStreaming || s == ClientStreaming
}

// IsServerStream reports whether the method returns a stream of responses.
func (s CallShape) IsServerStream() bool {
	return s == BidiStreaming || s == ServerStreaming
}

// MethodDesc describes one method of a service implemented by S.
// It is normally built by Unary, ServerStream, ClientStream or BidiStream.
type MethodDesc[S, Req, Resp any] struct {
	Name  string
	Shape CallShape
	// Handler binds a service instance to the method's stream transform.
	Handler func(srv S) StreamFunc[Req, Resp]

	Request  codec.Serializer[Req]
	Response codec.Serializer[Resp]
}

// CallDesc is a MethodDesc with its message types erased, so that methods
// with different messages can be listed in one ServiceDesc.
type CallDesc[S any] interface {
	MethodName() string
	CallShape() CallShape

	bind(srv S, opt *serverOption) CallHandler
}

// ServiceDesc describes a service implemented by S.
type ServiceDesc[S any] struct {
	// Name is the first path segment of every method, e.g. "echo.Echo"
	// for requests to /echo.Echo/Say.
	Name  string
	Calls []CallDesc[S]
	// Metadata is reported by Server.GetServiceInfo.
	Metadata any
}

func (d *MethodDesc[S, Req, Resp]) MethodName() string { return d.Name }

func (d *MethodDesc[S, Req, Resp]) CallShape() CallShape { return d.Shape }

// bind curries srv into the method and wraps it with framing and
// serialization: body frames are decoded into requests, fed to the handler,
// and every response is serialized into one outgoing frame. The first
// failure at any stage terminates the returned stream.
func (d *MethodDesc[S, Req, Resp]) bind(srv S, opt *serverOption) CallHandler {
	invoke := d.Handler(srv)

	return func(ctx context.Context, body io.Reader) *stream.Stream[mem.Buffer] {
		frames := protocol.ReadFrames(ctx, body,
			protocol.WithMaxFrameSize(opt.maxReceiveMessageSize),
			protocol.WithBufferPool(opt.bufferPool),
		)

		reqs := stream.Map(ctx, frames, func(f protocol.Frame) (Req, error) {
			req, err := d.Request.Unmarshal(f.Payload)
			if err != nil {
				return req, err
			}
			for _, sh := range opt.statsHandlers {
				sh.HandleRPC(ctx, &stats.InPayload{
					Payload:    req,
					Length:     len(f.Payload),
					WireLength: len(f.Payload) + protocol.HeaderSize,
					Compressed: f.Compressed,
					RecvTime:   time.Now(),
				})
			}
			return req, nil
		})

		return stream.Map(ctx, invoke(ctx, reqs), func(resp Resp) (mem.Buffer, error) {
			data, err := d.Response.Marshal(resp)
			if err != nil {
				return nil, err
			}
			if len(data) > opt.maxSendMessageSize {
				return nil, fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, len(data), opt.maxSendMessageSize)
			}

			buf := protocol.EncodeFrame(opt.bufferPool, data)
			for _, sh := range opt.statsHandlers {
				sh.HandleRPC(ctx, &stats.OutPayload{
					Payload:    resp,
					Length:     len(data),
					WireLength: buf.Len(),
					SentTime:   time.Now(),
				})
			}
			return buf, nil
		})
	}
}
