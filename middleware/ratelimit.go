package middleware

import (
	"context"
	"errors"
	"io"
	"sync"

	"golang.org/x/time/rate"

	"github.com/crazyfrankie/zrpcweb"
	"github.com/crazyfrankie/zrpcweb/mem"
	"github.com/crazyfrankie/zrpcweb/stream"
)

var ErrRateLimited = errors.New("middleware: rate limit exceeded")

// RateLimit rejects calls beyond r per second, with bursts of up to burst
// calls, shared by every method.
func RateLimit(r rate.Limit, burst int) zrpcweb.ServerMiddleware {
	limiter := rate.NewLimiter(r, burst)
	return func(ctx context.Context, body io.Reader, info *zrpcweb.ServerInfo, next zrpcweb.CallHandler) *stream.Stream[mem.Buffer] {
		if !limiter.Allow() {
			return stream.Fail[mem.Buffer](ErrRateLimited)
		}
		return next(ctx, body)
	}
}

// MethodRateLimit is RateLimit with a separate limiter per method.
func MethodRateLimit(r rate.Limit, burst int) zrpcweb.ServerMiddleware {
	var limiters sync.Map // full method -> *rate.Limiter
	return func(ctx context.Context, body io.Reader, info *zrpcweb.ServerInfo, next zrpcweb.CallHandler) *stream.Stream[mem.Buffer] {
		v, ok := limiters.Load(info.FullMethod)
		if !ok {
			v, _ = limiters.LoadOrStore(info.FullMethod, rate.NewLimiter(r, burst))
		}
		if !v.(*rate.Limiter).Allow() {
			return stream.Fail[mem.Buffer](ErrRateLimited)
		}
		return next(ctx, body)
	}
}
