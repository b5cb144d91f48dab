package zrpcweb

import (
	"crypto/tls"
	"math"
	"time"

	"github.com/crazyfrankie/zrpcweb/mem"
	"github.com/crazyfrankie/zrpcweb/stats"
)

const (
	defaultServerMaxReceiveMessageSize = 1024 * 1024 * 5
	defaultServerMaxSendMessageSize    = math.MaxInt32
)

type serverOption struct {
	srvMiddleware         ServerMiddleware
	chainMiddlewares      []ServerMiddleware
	tlsConfig             *tls.Config
	readTimeout           time.Duration
	writeTimeout          time.Duration
	maxReceiveMessageSize int
	maxSendMessageSize    int
	statsHandlers         []stats.Handler
	bufferPool            mem.BufferPool
	// ServerErrorFunc picks the Grpc-Message of a failed call.
	ServerErrorFunc func(info *ServerInfo, err error) string
}

func defaultServerOption() *serverOption {
	return &serverOption{
		readTimeout:           time.Second * 120,
		maxReceiveMessageSize: defaultServerMaxReceiveMessageSize,
		maxSendMessageSize:    defaultServerMaxSendMessageSize,
		bufferPool:            mem.DefaultBufferPool(),
	}
}

func newServerOption(opts []ServerOption) *serverOption {
	opt := defaultServerOption()
	for _, o := range opts {
		o(opt)
	}
	return opt
}

// middleware returns the configured middlewares as one, or nil.
func (opt *serverOption) middleware() ServerMiddleware {
	mws := opt.chainMiddlewares
	if opt.srvMiddleware != nil {
		mws = append([]ServerMiddleware{opt.srvMiddleware}, mws...)
	}
	return chainMiddlewares(mws)
}

type ServerOption func(*serverOption)

// WithMiddleware sets the outermost server middleware; it is called before any
// middleware added with WithChainMiddleware.
func WithMiddleware(mw ServerMiddleware) ServerOption {
	return func(opt *serverOption) {
		if opt.srvMiddleware != nil {
			panic("The server middleware was already set and may not be reset.")
		}
		opt.srvMiddleware = mw
	}
}

// WithChainMiddleware works like WithMiddleware
// in that it takes multiple middleware and adds them to chainMiddlewares at once.
func WithChainMiddleware(mws ...ServerMiddleware) ServerOption {
	return func(opt *serverOption) {
		opt.chainMiddlewares = append(opt.chainMiddlewares, mws...)
	}
}

// WithReadTimeout sets the time allowed to read the headers of a request.
func WithReadTimeout(duration time.Duration) ServerOption {
	return func(opt *serverOption) {
		opt.readTimeout = duration
	}
}

// WithWriteTimeout bounds the duration of a whole response. Zero, the default,
// leaves long-lived streams unbounded.
func WithWriteTimeout(duration time.Duration) ServerOption {
	return func(opt *serverOption) {
		opt.writeTimeout = duration
	}
}

// WithTLSConfig sets the TLS configuration used by Serve and ServeListener;
// if it is empty, cleartext HTTP/1.1 and h2c are served.
func WithTLSConfig(tls *tls.Config) ServerOption {
	return func(opt *serverOption) {
		opt.tlsConfig = tls
	}
}

// WithMaxReceiveMessageSize sets the maximum size of request messages the server can accept,
// otherwise the default value is used.
func WithMaxReceiveMessageSize(max int) ServerOption {
	return func(opt *serverOption) {
		opt.maxReceiveMessageSize = max
	}
}

// WithMaxSendMessageSize sets the size of the maximum message body that the server can send,
// otherwise it is the default value.
func WithMaxSendMessageSize(max int) ServerOption {
	return func(opt *serverOption) {
		opt.maxSendMessageSize = max
	}
}

// WithStatsHandler adds a stats handler notified of every call.
func WithStatsHandler(h stats.Handler) ServerOption {
	return func(opt *serverOption) {
		if h != nil {
			opt.statsHandlers = append(opt.statsHandlers, h)
		}
	}
}

// WithErrorFunc sets the function choosing the message sent with a failed
// call's trailer. By default the message is "internal error" and the
// error itself is only logged.
func WithErrorFunc(f func(info *ServerInfo, err error) string) ServerOption {
	return func(opt *serverOption) {
		opt.ServerErrorFunc = f
	}
}

// WithBufferPool sets the pool frames are encoded into and decoded from.
func WithBufferPool(pool mem.BufferPool) ServerOption {
	return func(opt *serverOption) {
		if pool != nil {
			opt.bufferPool = pool
		}
	}
}
