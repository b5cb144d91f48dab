package zrpcweb

import (
	"context"
	"io"

	"github.com/crazyfrankie/zrpcweb/mem"
	"github.com/crazyfrankie/zrpcweb/stream"
)

// CallHandler runs one call: it reads framed requests from body and returns
// the stream of framed responses. The stream's terminal error decides the
// trailer status. body is read from another goroutine until it returns an
// error, which may be after the response stream has ended.
type CallHandler func(ctx context.Context, body io.Reader) *stream.Stream[mem.Buffer]

// ServerInfo consists of various information about a call on the server side.
type ServerInfo struct {
	// Server is the service implementation the user provides. This is read-only.
	Server any
	// FullMethod is the full method string, i.e., /package.service/method.
	FullMethod string
	// Shape is the cardinality of the method.
	Shape CallShape
}

// ServerMiddleware provides a hook to intercept the execution of a call on the server,
// info contains all the information of this call the middleware can operate on.
// It is the responsibility of the middleware to invoke next to run the call, or to
// return a stream of its own in place of it.
type ServerMiddleware func(ctx context.Context, body io.Reader, info *ServerInfo, next CallHandler) *stream.Stream[mem.Buffer]

// chainMiddlewares folds mws into one middleware running them in order,
// the first being outermost. It returns nil for an empty chain.
func chainMiddlewares(mws []ServerMiddleware) ServerMiddleware {
	switch len(mws) {
	case 0:
		return nil
	case 1:
		return mws[0]
	}
	return func(ctx context.Context, body io.Reader, info *ServerInfo, next CallHandler) *stream.Stream[mem.Buffer] {
		return mws[0](ctx, body, info, chainedHandler(mws, 0, info, next))
	}
}

func chainedHandler(mws []ServerMiddleware, curr int, info *ServerInfo, final CallHandler) CallHandler {
	if curr == len(mws)-1 {
		return final
	}
	return func(ctx context.Context, body io.Reader) *stream.Stream[mem.Buffer] {
		return mws[curr+1](ctx, body, info, chainedHandler(mws, curr+1, info, final))
	}
}
