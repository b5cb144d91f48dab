// Package middleware provides server middlewares for zrpcweb.
package middleware

import (
	"context"
	"errors"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/crazyfrankie/zrpcweb"
	"github.com/crazyfrankie/zrpcweb/mem"
	"github.com/crazyfrankie/zrpcweb/peer"
	"github.com/crazyfrankie/zrpcweb/stream"
)

// Logging logs every call once its response stream has ended, with the
// number of response frames and bytes written. A nil logger uses zap.L().
func Logging(logger *zap.Logger) zrpcweb.ServerMiddleware {
	return func(ctx context.Context, body io.Reader, info *zrpcweb.ServerInfo, next zrpcweb.CallHandler) *stream.Stream[mem.Buffer] {
		l := logger
		if l == nil {
			l = zap.L()
		}
		fields := []zap.Field{
			zap.String("method", info.FullMethod),
			zap.Stringer("shape", info.Shape),
		}
		if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
			fields = append(fields, zap.String("peer", p.Addr.String()))
		}

		start := time.Now()
		var frames, size int
		return stream.Tap(ctx, next(ctx, body),
			func(buf mem.Buffer) {
				frames++
				size += buf.Len()
			},
			func(err error) {
				fields = append(fields,
					zap.Int("frames", frames),
					zap.Int("bytes", size),
					zap.Duration("elapsed", time.Since(start)),
				)
				switch {
				case err == nil:
					l.Info("call finished", fields...)
				case errors.Is(err, context.Canceled):
					l.Info("call cancelled", fields...)
				default:
					l.Warn("call failed", append(fields, zap.Error(err))...)
				}
			},
		)
	}
}
