package tracing

import (
	"context"
	"strings"

	"github.com/crazyfrankie/zrpcweb/stats"
)

// Filter decides whether a call is traced and measured. It runs once per
// call before the span starts and must be safe for concurrent use.
type Filter func(ctx context.Context, info *stats.RPCTagInfo) bool

// AcceptAll traces every call.
func AcceptAll() Filter {
	return func(context.Context, *stats.RPCTagInfo) bool { return true }
}

// RejectAll traces nothing.
func RejectAll() Filter {
	return func(context.Context, *stats.RPCTagInfo) bool { return false }
}

// Methods traces calls to the given full methods, e.g. "/echo.Echo/Say".
func Methods(fullMethods ...string) Filter {
	set := toSet(fullMethods)
	return func(_ context.Context, info *stats.RPCTagInfo) bool {
		_, ok := set[info.FullMethodName]
		return ok
	}
}

// Services traces calls to any method of the named services.
func Services(names ...string) Filter {
	set := toSet(names)
	return func(_ context.Context, info *stats.RPCTagInfo) bool {
		_, ok := set[serviceOf(info.FullMethodName)]
		return ok
	}
}

// ExcludeServices traces every call except those to the named services,
// typically the reflection service.
func ExcludeServices(names ...string) Filter {
	set := toSet(names)
	return func(_ context.Context, info *stats.RPCTagInfo) bool {
		_, ok := set[serviceOf(info.FullMethodName)]
		return !ok
	}
}

// StreamingOnly traces calls that stream on at least one side.
func StreamingOnly() Filter {
	return func(_ context.Context, info *stats.RPCTagInfo) bool {
		return info.IsClientStream || info.IsServerStream
	}
}

func serviceOf(fullMethod string) string {
	service, _, _ := strings.Cut(strings.TrimPrefix(fullMethod, "/"), "/")
	return service
}

func toSet(vals []string) map[string]struct{} {
	set := make(map[string]struct{}, len(vals))
	for _, v := range vals {
		set[v] = struct{}{}
	}
	return set
}
