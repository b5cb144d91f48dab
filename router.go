package zrpcweb

import (
	"context"
	"errors"
	"io"
	"net/http"
	"runtime"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/crazyfrankie/zrpcweb/mem"
	"github.com/crazyfrankie/zrpcweb/metadata"
	"github.com/crazyfrankie/zrpcweb/peer"
	"github.com/crazyfrankie/zrpcweb/stats"
	"github.com/crazyfrankie/zrpcweb/stream"
)

// abandonedCode is reported to stats handlers for calls that ended without
// a trailer.
const abandonedCode = -1

type call struct {
	info    ServerInfo
	handler CallHandler
}

// Router serves the methods of one service instance. Its routing table is
// built once by Attach and never modified, so a Router is safe for
// concurrent use.
type Router struct {
	name  string
	impl  any
	meta  any
	calls map[string]*call
	opt   *serverOption
	mw    ServerMiddleware
}

// Attach binds srv to the methods of sd. When two methods share a name the
// later one shadows the earlier.
func (sd *ServiceDesc[S]) Attach(srv S, opts ...ServerOption) *Router {
	return attach(sd, srv, newServerOption(opts))
}

func attach[S any](sd *ServiceDesc[S], srv S, opt *serverOption) *Router {
	rt := &Router{
		name:  sd.Name,
		impl:  srv,
		meta:  sd.Metadata,
		calls: make(map[string]*call, len(sd.Calls)),
		opt:   opt,
		mw:    opt.middleware(),
	}

	for _, cd := range sd.Calls {
		name := cd.MethodName()
		if _, ok := rt.calls[name]; ok {
			zap.L().Warn("zrpcweb: duplicate method shadows an earlier one",
				zap.String("service", sd.Name), zap.String("method", name))
		}
		rt.calls[name] = &call{
			info: ServerInfo{
				Server:     srv,
				FullMethod: "/" + sd.Name + "/" + name,
				Shape:      cd.CallShape(),
			},
			handler: cd.bind(srv, opt),
		}
	}
	return rt
}

// ServiceName returns the first path segment served by the router.
func (rt *Router) ServiceName() string { return rt.name }

// Handle serves r if its path belongs to the router's service and reports
// whether it did. A path naming no method of the service is answered with
// status NotFound; other paths are declined and w is left untouched.
//
// A call may end before r.Body is drained, e.g. a unary call ignoring
// further requests. The body is still being read then, and the caller must
// close it once Handle returns. net/http does so for server requests.
func (rt *Router) Handle(w http.ResponseWriter, r *http.Request) bool {
	service, method := splitPath(r.URL.Path)
	if service != rt.name {
		return false
	}

	c, ok := rt.calls[method]
	if !ok {
		rt.notFound(w, r)
		return true
	}
	rt.serve(w, r, c)
	return true
}

// ServeHTTP implements http.Handler. Declined requests get a 404.
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !rt.Handle(w, r) {
		http.NotFound(w, r)
	}
}

// Chain returns a handler offering each request to routers in order and
// passing the requests they all decline to next. A nil next answers 404.
func Chain(next http.Handler, routers ...*Router) http.Handler {
	if next == nil {
		next = http.NotFoundHandler()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, rt := range routers {
			if rt.Handle(w, r) {
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// splitPath splits "/service/method" at its first separator.
func splitPath(path string) (service, method string) {
	path = strings.TrimPrefix(path, "/")
	service, method, _ = strings.Cut(path, "/")
	return service, method
}

func (rt *Router) notFound(w http.ResponseWriter, r *http.Request) {
	h := w.Header()
	h.Set("Content-Type", ContentType)
	declareTrailer(h)
	w.WriteHeader(http.StatusOK)
	flush(w)

	writeTrailer(w, NotFound, "method not found: "+r.URL.Path, nil)
	zap.L().Debug("zrpcweb: method not found", zap.String("path", r.URL.Path))
}

func (rt *Router) serve(w http.ResponseWriter, r *http.Request, c *call) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	md := metadata.FromHTTPHeader(r.Header)
	p := peer.FromRequest(r)
	ctx = metadata.NewIncomingContext(ctx, md)
	ctx = peer.NewContext(ctx, p)
	ctx, th := newTrailerContext(ctx)

	begin := time.Now()
	for _, sh := range rt.opt.statsHandlers {
		ctx = sh.TagRPC(ctx, &stats.RPCTagInfo{
			FullMethodName: c.info.FullMethod,
			IsClientStream: c.info.Shape.IsClientStream(),
			IsServerStream: c.info.Shape.IsServerStream(),
		})
	}
	rt.handleStats(ctx, &stats.Begin{
		BeginTime:      begin,
		IsClientStream: c.info.Shape.IsClientStream(),
		IsServerStream: c.info.Shape.IsServerStream(),
	})
	rt.handleStats(ctx, &stats.InHeader{
		Header:     md,
		FullMethod: c.info.FullMethod,
		RemoteAddr: p.Addr,
		LocalAddr:  p.LocalAddr,
	})

	if err := http.NewResponseController(w).EnableFullDuplex(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		zap.L().Debug("zrpcweb: full duplex unavailable", zap.Error(err))
	}
	info := c.info
	responses := rt.invoke(ctx, r.Body, &info, c.handler)

	h := w.Header()
	h.Set("Content-Type", ContentType)
	declareTrailer(h)
	w.WriteHeader(http.StatusOK)
	rt.handleStats(ctx, &stats.OutHeader{Header: h.Clone(), FullMethod: c.info.FullMethod})
	flush(w)

	var err error
	for {
		buf, rerr := responses.Recv()
		if rerr != nil {
			err = rerr
			break
		}

		_, werr := w.Write(buf.ReadOnlyData())
		buf.Free()
		if werr == nil {
			werr = flush(w)
		}
		if werr != nil {
			rt.abandon(ctx, begin, c, werr)
			return
		}
	}

	if r.Context().Err() != nil {
		rt.abandon(ctx, begin, c, r.Context().Err())
		return
	}

	code, msg := OK, ""
	if !errors.Is(err, io.EOF) {
		zap.L().Error("zrpcweb: call failed",
			zap.String("method", c.info.FullMethod),
			zap.Stringer("peer", p),
			zap.Error(err))
		code, msg = Unknown, rt.errorMessage(&info, err)
	} else {
		err = nil
	}

	trailer := writeTrailer(w, code, msg, th.get())
	rt.handleStats(ctx, &stats.OutTrailer{Trailer: trailer})
	rt.handleStats(ctx, &stats.End{
		BeginTime: begin,
		EndTime:   time.Now(),
		Trailer:   trailer,
		Code:      int(code),
		Error:     err,
	})
}

// abandon ends a call whose client is gone. No trailer can be delivered;
// the deferred cancel stops every stage of the pipeline.
func (rt *Router) abandon(ctx context.Context, begin time.Time, c *call, err error) {
	zap.L().Debug("zrpcweb: client went away",
		zap.String("method", c.info.FullMethod), zap.Error(err))
	rt.handleStats(ctx, &stats.End{
		BeginTime: begin,
		EndTime:   time.Now(),
		Code:      abandonedCode,
		Error:     err,
	})
}

// invoke starts the call through the middleware chain. A panicking
// middleware fails the call instead of the request goroutine.
func (rt *Router) invoke(ctx context.Context, body io.Reader, info *ServerInfo, handler CallHandler) (out *stream.Stream[mem.Buffer]) {
	defer func() {
		if r := recover(); r != nil {
			const size = 64 << 10
			buf := make([]byte, size)
			buf = buf[:runtime.Stack(buf, false)]
			out = stream.Fail[mem.Buffer](&stream.PanicError{Value: r, Stack: buf})
		}
	}()

	if rt.mw != nil {
		out = rt.mw(ctx, body, info, handler)
	} else {
		out = handler(ctx, body)
	}
	if out == nil {
		out = stream.Empty[mem.Buffer]()
	}
	return out
}

func (rt *Router) errorMessage(info *ServerInfo, err error) string {
	if rt.opt.ServerErrorFunc != nil {
		return rt.opt.ServerErrorFunc(info, err)
	}
	return internalErrorMessage
}

func (rt *Router) handleStats(ctx context.Context, rs stats.RPCStats) {
	for _, sh := range rt.opt.statsHandlers {
		sh.HandleRPC(ctx, rs)
	}
}

// flush pushes buffered response bytes to the client. Writers that cannot
// flush are left to buffer.
func flush(w http.ResponseWriter) error {
	err := http.NewResponseController(w).Flush()
	if errors.Is(err, http.ErrNotSupported) {
		return nil
	}
	return err
}
