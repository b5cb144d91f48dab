// Package tracing reports calls as OpenTelemetry spans and metrics.
package tracing

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/crazyfrankie/zrpcweb/stats"
)

type callContextKey struct{}

type callContext struct {
	inMessages  int64
	outMessages int64
	metricAttrs []attribute.KeyValue
	record      bool
}

type serverHandler struct {
	*config
	tracer trace.Tracer

	duration metric.Float64Histogram
	inSize   metric.Int64Histogram
	outSize  metric.Int64Histogram
	inMsg    metric.Int64Histogram
	outMsg   metric.Int64Histogram
}

// NewServerHandler creates a stats.Handler recording a server span per call.
func NewServerHandler(opts ...Option) stats.Handler {
	c := newConfig(opts)
	h := &serverHandler{config: c}

	h.tracer = c.TracerProvider.Tracer(
		ScopeName,
		trace.WithInstrumentationVersion(Version()),
	)

	meter := c.MeterProvider.Meter(
		ScopeName,
		metric.WithInstrumentationVersion(Version()),
	)

	var err error
	if h.duration, err = meter.Float64Histogram(
		"rpc.server.duration",
		metric.WithDescription("Measures the duration of inbound RPC."),
		metric.WithUnit("ms"),
	); err != nil {
		otel.Handle(err)
	}

	if h.inSize, err = meter.Int64Histogram(
		"rpc.server.request.size",
		metric.WithDescription("Measures size of RPC request messages."),
		metric.WithUnit("By"),
	); err != nil {
		otel.Handle(err)
	}

	if h.outSize, err = meter.Int64Histogram(
		"rpc.server.response.size",
		metric.WithDescription("Measures size of RPC response messages."),
		metric.WithUnit("By"),
	); err != nil {
		otel.Handle(err)
	}

	if h.inMsg, err = meter.Int64Histogram(
		"rpc.server.requests_per_rpc",
		metric.WithDescription("Measures the number of messages received per RPC."),
		metric.WithUnit("{count}"),
	); err != nil {
		otel.Handle(err)
	}

	if h.outMsg, err = meter.Int64Histogram(
		"rpc.server.responses_per_rpc",
		metric.WithDescription("Measures the number of messages sent per RPC."),
		metric.WithUnit("{count}"),
	); err != nil {
		otel.Handle(err)
	}

	return h
}

func (h *serverHandler) TagRPC(ctx context.Context, info *stats.RPCTagInfo) context.Context {
	ctx = remoteContext(ctx, h.Propagators)

	name, attrs := parseFullMethod(info.FullMethodName)
	attrs = append(attrs, semconv.RPCSystemKey.String(rpcSystem))

	record := h.Filter(ctx, info)
	if record {
		ctx, _ = h.tracer.Start(
			ctx,
			name,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(attrs...),
		)
	}

	return context.WithValue(ctx, callContextKey{}, &callContext{
		metricAttrs: attrs,
		record:      record,
	})
}

func (h *serverHandler) HandleRPC(ctx context.Context, rs stats.RPCStats) {
	cctx, _ := ctx.Value(callContextKey{}).(*callContext)
	if cctx != nil && !cctx.record {
		return
	}

	span := trace.SpanFromContext(ctx)
	var messageID int64

	switch rs := rs.(type) {
	case *stats.InPayload:
		if cctx != nil {
			messageID = atomic.AddInt64(&cctx.inMessages, 1)
			h.inSize.Record(ctx, int64(rs.Length), metric.WithAttributes(cctx.metricAttrs...))
		}

		if h.ReceivedEvent && span.IsRecording() {
			span.AddEvent("message",
				trace.WithAttributes(
					semconv.RPCMessageTypeReceived,
					semconv.RPCMessageIDKey.Int64(messageID),
					semconv.RPCMessageUncompressedSizeKey.Int(rs.Length),
				),
			)
		}
	case *stats.OutPayload:
		if cctx != nil {
			messageID = atomic.AddInt64(&cctx.outMessages, 1)
			h.outSize.Record(ctx, int64(rs.Length), metric.WithAttributes(cctx.metricAttrs...))
		}

		if h.SentEvent && span.IsRecording() {
			span.AddEvent("message",
				trace.WithAttributes(
					semconv.RPCMessageTypeSent,
					semconv.RPCMessageIDKey.Int64(messageID),
					semconv.RPCMessageUncompressedSizeKey.Int(rs.Length),
				),
			)
		}
	case *stats.End:
		if cctx != nil {
			attrs := metric.WithAttributes(cctx.metricAttrs...)
			h.inMsg.Record(ctx, atomic.LoadInt64(&cctx.inMessages), attrs)
			h.outMsg.Record(ctx, atomic.LoadInt64(&cctx.outMessages), attrs)

			elapsed := rs.EndTime.Sub(rs.BeginTime)
			h.duration.Record(ctx, float64(elapsed)/float64(time.Millisecond), attrs)
		}

		if span.IsRecording() {
			span.SetAttributes(attribute.Int("rpc.zrpcweb.status_code", rs.Code))
			if rs.Error != nil {
				span.RecordError(rs.Error)
				span.SetStatus(codes.Error, rs.Error.Error())
			} else {
				span.SetStatus(codes.Ok, "")
			}
		}
		span.End()
	}
}

func parseFullMethod(fullMethod string) (string, []attribute.KeyValue) {
	name := strings.TrimPrefix(fullMethod, "/")
	var attrs []attribute.KeyValue
	if pos := strings.LastIndex(name, "/"); pos >= 0 {
		attrs = []attribute.KeyValue{
			semconv.RPCServiceKey.String(name[:pos]),
			semconv.RPCMethodKey.String(name[pos+1:]),
		}
	}
	return name, attrs
}
