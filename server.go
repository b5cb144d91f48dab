package zrpcweb

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/crazyfrankie/zrpcweb/share"
)

var ErrServerNotServing = errors.New("zrpcweb: the server is not serving")

// Server serves the services registered with it over HTTP/1.1, h2c or,
// with WithTLSConfig, HTTP/2 over TLS. It is also an http.Handler and can
// be mounted in any HTTP stack instead.
type Server struct {
	opt        *serverOption
	mu         sync.Mutex
	serviceMap sync.Map // service name -> *Router
	serve      bool
	httpSrv    *http.Server
	addr       net.Addr
}

// NewServer returns a new rpc server
func NewServer(opts ...ServerOption) *Server {
	return &Server{opt: newServerOption(opts)}
}

// RegisterService registers a service and its implementation to the server.
// It must be called before Serve; a second registration of the same service
// name is fatal.
func RegisterService[S any](s *Server, sd *ServiceDesc[S], impl S) {
	s.register(attach(sd, impl, s.opt))
}

func (s *Server) register(rt *Router) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.serve {
		zap.L().Fatal("zrpcweb: Server.RegisterService after Server.Serve", zap.String("name", rt.name))
	}
	if _, ok := s.serviceMap.Load(rt.name); ok {
		zap.L().Fatal("zrpcweb: Server.RegisterService found duplicate service registration", zap.String("name", rt.name))
	}
	s.serviceMap.Store(rt.name, rt)
}

// ServeHTTP dispatches r to the router of the service named by its first
// path segment. Requests for unregistered services get a 404.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if rt, ok := s.router(r.URL.Path); ok && rt.Handle(w, r) {
		return
	}
	http.NotFound(w, r)
}

// Handle is ServeHTTP for stacks that chain handlers: it reports false,
// leaving w untouched, for requests of unregistered services.
func (s *Server) Handle(w http.ResponseWriter, r *http.Request) bool {
	rt, ok := s.router(r.URL.Path)
	return ok && rt.Handle(w, r)
}

func (s *Server) router(path string) (*Router, bool) {
	service, _ := splitPath(path)
	v, ok := s.serviceMap.Load(service)
	if !ok {
		return nil, false
	}
	return v.(*Router), true
}

// Serve listens on the TCP address and serves requests until the server is
// stopped.
func (s *Server) Serve(address string) error {
	lis, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	return s.ServeListener(lis)
}

// ServeListener serves requests accepted on lis. It returns nil once the
// server has been stopped.
func (s *Server) ServeListener(lis net.Listener) error {
	s.mu.Lock()
	if s.httpSrv != nil {
		s.mu.Unlock()
		return errors.New("zrpcweb: Server.Serve called more than once")
	}
	h2s := &http2.Server{}
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: s.opt.readTimeout,
		WriteTimeout:      s.opt.writeTimeout,
		ConnContext:       share.SetConnection,
		ErrorLog:          zap.NewStdLog(zap.L()),
	}
	if s.opt.tlsConfig != nil {
		srv.TLSConfig = s.opt.tlsConfig.Clone()
		if err := http2.ConfigureServer(srv, h2s); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("zrpcweb: configure http2: %w", err)
		}
	} else {
		srv.Handler = h2c.NewHandler(s, h2s)
	}
	s.httpSrv = srv
	s.addr = lis.Addr()
	s.serve = true
	s.mu.Unlock()

	zap.L().Info("zrpcweb: serving", zap.String("addr", lis.Addr().String()), zap.Bool("tls", s.opt.tlsConfig != nil))

	var err error
	if srv.TLSConfig != nil {
		err = srv.Serve(tls.NewListener(lis, srv.TLSConfig))
	} else {
		err = srv.Serve(lis)
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Addr returns the address the server is listening on, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Stop closes the listener and every connection at once. In-flight calls are
// cancelled without a trailer.
func (s *Server) Stop() error {
	srv, err := s.stopping()
	if err != nil {
		return err
	}
	return srv.Close()
}

// GracefulStop stops accepting connections and waits for in-flight calls to
// finish, or for ctx to be done.
func (s *Server) GracefulStop(ctx context.Context) error {
	srv, err := s.stopping()
	if err != nil {
		return err
	}
	return srv.Shutdown(ctx)
}

func (s *Server) stopping() (*http.Server, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpSrv == nil {
		return nil, ErrServerNotServing
	}
	return s.httpSrv, nil
}

// MethodInfo contains the information of a method including its name and shape.
type MethodInfo struct {
	Name           string
	IsClientStream bool
	IsServerStream bool
}

type ServiceInfo struct {
	Methods []MethodInfo
	// Metadata is the metadata specified in ServiceDesc when registering service.
	Metadata any
}

// GetServiceInfo returns a map from service names to ServiceInfo.
func (s *Server) GetServiceInfo() map[string]ServiceInfo {
	ret := make(map[string]ServiceInfo)
	s.serviceMap.Range(func(key, value any) bool {
		rt := value.(*Router)
		ret[key.(string)] = rt.serviceInfo()
		return true
	})
	return ret
}

func (rt *Router) serviceInfo() ServiceInfo {
	methods := make([]MethodInfo, 0, len(rt.calls))
	for name, c := range rt.calls {
		methods = append(methods, MethodInfo{
			Name:           name,
			IsClientStream: c.info.Shape.IsClientStream(),
			IsServerStream: c.info.Shape.IsServerStream(),
		})
	}
	sort.Slice(methods, func(i, j int) bool { return methods[i].Name < methods[j].Name })
	return ServiceInfo{Methods: methods, Metadata: rt.meta}
}
