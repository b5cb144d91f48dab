package tracing

import (
	"context"

	"go.opentelemetry.io/otel/propagation"

	"github.com/crazyfrankie/zrpcweb/metadata"
)

// mdCarrier exposes call metadata to otel propagators. Keys are
// case-insensitive as in metadata.MD.
type mdCarrier metadata.MD

var _ propagation.TextMapCarrier = mdCarrier(nil)

func (c mdCarrier) Get(key string) string {
	if vs := metadata.MD(c).Get(key); len(vs) > 0 {
		return vs[0]
	}
	return ""
}

func (c mdCarrier) Set(key, value string) {
	metadata.MD(c).Set(key, value)
}

func (c mdCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

// remoteContext returns ctx with the span context propagated in the
// request headers of the call, if any.
func remoteContext(ctx context.Context, p propagation.TextMapPropagator) context.Context {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ctx
	}
	return p.Extract(ctx, mdCarrier(md))
}
