// Package reflection registers a service describing the services of a
// zrpcweb server, so that clients can discover what it serves.
//
// The service is named zrpcweb.reflection.v1.ServerReflection and has two
// unary methods:
//
//	ListServices(google.protobuf.Empty) returns (google.protobuf.Struct)
//	DescribeService(google.protobuf.StringValue) returns (google.protobuf.Struct)
package reflection

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/crazyfrankie/zrpcweb"
	"github.com/crazyfrankie/zrpcweb/codec"
)

// ServiceName is the name the reflection service is registered under.
const ServiceName = "zrpcweb.reflection.v1.ServerReflection"

var ErrUnknownService = errors.New("reflection: unknown service")

// ServiceInfoProvider is implemented by *zrpcweb.Server.
type ServiceInfoProvider interface {
	GetServiceInfo() map[string]zrpcweb.ServiceInfo
}

type serverReflection struct {
	p ServiceInfoProvider
}

// ServiceDesc describes the reflection service.
var ServiceDesc = zrpcweb.ServiceDesc[*serverReflection]{
	Name: ServiceName,
	Calls: []zrpcweb.CallDesc[*serverReflection]{
		zrpcweb.Unary("ListServices",
			codec.Proto[*emptypb.Empty](), codec.Proto[*structpb.Struct](),
			(*serverReflection).listServices),
		zrpcweb.Unary("DescribeService",
			codec.Proto[*wrapperspb.StringValue](), codec.Proto[*structpb.Struct](),
			(*serverReflection).describeService),
	},
}

// Register registers the reflection service on s. Services registered
// later are listed too.
func Register(s *zrpcweb.Server) {
	zrpcweb.RegisterService(s, &ServiceDesc, &serverReflection{p: s})
}

// NewRouter serves reflection for p on its own router.
func NewRouter(p ServiceInfoProvider, opts ...zrpcweb.ServerOption) *zrpcweb.Router {
	return ServiceDesc.Attach(&serverReflection{p: p}, opts...)
}

func (r *serverReflection) listServices(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	info := r.p.GetServiceInfo()
	names := make([]string, 0, len(info))
	for name := range info {
		names = append(names, name)
	}
	sort.Strings(names)

	services := make([]any, 0, len(names))
	for _, name := range names {
		services = append(services, describe(name, info[name]))
	}
	return structpb.NewStruct(map[string]any{"services": services})
}

func (r *serverReflection) describeService(_ context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	si, ok := r.p.GetServiceInfo()[req.GetValue()]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownService, req.GetValue())
	}
	return structpb.NewStruct(describe(req.GetValue(), si))
}

func describe(name string, si zrpcweb.ServiceInfo) map[string]any {
	methods := make([]any, 0, len(si.Methods))
	for _, m := range si.Methods {
		methods = append(methods, map[string]any{
			"name":            m.Name,
			"clientStreaming": m.IsClientStream,
			"serverStreaming": m.IsServerStream,
		})
	}
	out := map[string]any{
		"name":    name,
		"methods": methods,
	}
	if md, ok := si.Metadata.(string); ok && md != "" {
		out["metadata"] = md
	}
	return out
}
