package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/time/rate"

	"github.com/crazyfrankie/zrpcweb"
	"github.com/crazyfrankie/zrpcweb/examples/echo"
	"github.com/crazyfrankie/zrpcweb/ginbind"
	"github.com/crazyfrankie/zrpcweb/middleware"
	"github.com/crazyfrankie/zrpcweb/reflection"
	"github.com/crazyfrankie/zrpcweb/registry/etcd"
	"github.com/crazyfrankie/zrpcweb/share"
	"github.com/crazyfrankie/zrpcweb/stats"
	"github.com/crazyfrankie/zrpcweb/tracing"
)

var (
	addr      = flag.String("addr", "localhost:8090", "address to listen on")
	logLevel  = flag.String("log", "info", "log level: debug, info, warn or error")
	useGin    = flag.Bool("gin", true, "serve through a gin engine exposing /healthz and /debug/latency")
	etcdAddrs = flag.String("etcd", "", "comma separated etcd endpoints; empty disables registration")
	name      = flag.String("name", "echo", "name registered in etcd")
	rps       = flag.Float64("rate", 0, "calls per second allowed per method; 0 disables limiting")
	burst     = flag.Int("burst", 50, "burst size of the rate limiter")
	prefix    = flag.String("prefix", "", "prefix prepended to every echoed string")
)

func main() {
	flag.Parse()

	logger, err := newLogger(*logLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	latency := stats.NewLatencyRecorder(0)
	mws := []zrpcweb.ServerMiddleware{middleware.Logging(logger)}
	if *rps > 0 {
		mws = append(mws, middleware.MethodRateLimit(rate.Limit(*rps), *burst))
	}

	s := zrpcweb.NewServer(
		zrpcweb.WithChainMiddleware(mws...),
		zrpcweb.WithStatsHandler(latency),
		zrpcweb.WithStatsHandler(tracing.NewServerHandler(
			tracing.WithFilter(tracing.ExcludeServices(reflection.ServiceName)),
		)),
	)
	echo.Register(s, &echo.Service{Prefix: *prefix})
	zrpcweb.RegisterService(s, &echo.JSONServiceDesc, &echo.Service{Prefix: *prefix})
	reflection.Register(s)

	lis, err := net.Listen("tcp", *addr)
	if err != nil {
		zap.L().Fatal("listen failed", zap.String("addr", *addr), zap.Error(err))
	}

	serveErr := make(chan error, 1)
	var stop func(context.Context) error
	if *useGin {
		srv := &http.Server{
			Handler:           h2c.NewHandler(newEngine(s, latency), &http2.Server{}),
			ReadHeaderTimeout: 10 * time.Second,
			ConnContext:       share.SetConnection,
		}
		go func() { serveErr <- srv.Serve(lis) }()
		stop = srv.Shutdown
		zap.L().Info("serving through gin", zap.String("addr", lis.Addr().String()))
	} else {
		go func() { serveErr <- s.ServeListener(lis) }()
		stop = s.GracefulStop
	}

	var reg *etcd.Registry
	if *etcdAddrs != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		reg, err = etcd.Register(ctx, etcd.Config{
			Endpoints: strings.Split(*etcdAddrs, ","),
			Name:      *name,
			Addr:      lis.Addr().String(),
			Metadata:  etcd.ServiceMetadata(s.GetServiceInfo()),
		})
		cancel()
		if err != nil {
			zap.L().Fatal("etcd registration failed", zap.Error(err))
		}
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			zap.L().Error("serve failed", zap.Error(err))
		}
	}

	zap.L().Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if reg != nil {
		if err := reg.Unregister(ctx); err != nil {
			zap.L().Warn("etcd unregister failed", zap.Error(err))
		}
	}
	if err := stop(ctx); err != nil {
		zap.L().Warn("graceful stop failed", zap.Error(err))
	}
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}
	return cfg.Build()
}

func newEngine(s *zrpcweb.Server, latency *stats.LatencyRecorder) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), ginbind.Middleware(s))

	engine.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	engine.GET("/debug/latency", func(c *gin.Context) {
		out := make(map[string]stats.LatencySummary)
		for _, m := range latency.Methods() {
			if sum, err := latency.Summary(m); err == nil {
				out[m] = sum
			}
		}
		c.JSON(http.StatusOK, out)
	})
	return engine
}
