// Package etcd announces the address of a serving zrpcweb server in etcd,
// under a lease kept alive for as long as the server runs.
package etcd

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/naming/endpoints"
	"go.uber.org/zap"

	"github.com/crazyfrankie/zrpcweb"
)

const (
	defaultPrefix      = "zrpcweb/services/"
	defaultTTL         = 60
	defaultDialTimeout = 5 * time.Second
	opTimeout          = 2 * time.Second
)

var ErrNoAddr = errors.New("etcd: the serving address is required")

// Config describes one registration.
type Config struct {
	// Endpoints are the etcd cluster members. Unused by RegisterWithClient.
	Endpoints   []string
	DialTimeout time.Duration

	// Name is the registered name; servers exposing several services
	// usually register under one application name.
	Name string
	// Addr is the address clients reach the server at.
	Addr     string
	Metadata map[string]string
	// TTL is the lease duration in seconds.
	TTL int64
	// Prefix is prepended to Name to form the endpoints target.
	Prefix string
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = defaultTTL
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.Prefix == "" {
		c.Prefix = defaultPrefix
	}
	return c
}

// Target is the endpoints target the registration is listed under.
func (c Config) Target() string {
	c = c.withDefaults()
	return c.Prefix + c.Name
}

// Key is the etcd key of the registration.
func (c Config) Key() string {
	return c.Target() + "/" + c.Addr
}

// Registry is a live registration.
type Registry struct {
	ctx    context.Context
	cancel context.CancelFunc

	client    *clientv3.Client
	ownClient bool
	em        endpoints.Manager

	mu      sync.Mutex
	leaseID clientv3.LeaseID

	cfg Config
	val endpoints.Endpoint
}

// Register dials etcd and registers cfg.
func Register(ctx context.Context, cfg Config) (*Registry, error) {
	cfg = cfg.withDefaults()
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, err
	}

	r, err := register(ctx, cli, cfg)
	if err != nil {
		cli.Close()
		return nil, err
	}
	r.ownClient = true
	return r, nil
}

// RegisterWithClient registers cfg through an existing client, which stays
// owned by the caller.
func RegisterWithClient(ctx context.Context, cli *clientv3.Client, cfg Config) (*Registry, error) {
	return register(ctx, cli, cfg.withDefaults())
}

func register(ctx context.Context, cli *clientv3.Client, cfg Config) (*Registry, error) {
	if cfg.Addr == "" {
		return nil, ErrNoAddr
	}

	em, err := endpoints.NewManager(cli, cfg.Target())
	if err != nil {
		return nil, err
	}

	rctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		ctx:    rctx,
		cancel: cancel,
		client: cli,
		em:     em,
		cfg:    cfg,
		val: endpoints.Endpoint{
			Addr:     cfg.Addr,
			Metadata: cfg.Metadata,
		},
	}
	if err := r.add(ctx); err != nil {
		cancel()
		return nil, err
	}

	go r.keepAlive()

	zap.L().Info("etcd: registered", zap.String("key", cfg.Key()), zap.Int64("ttl", cfg.TTL))
	return r, nil
}

// add grants a lease and puts the endpoint under it.
func (r *Registry) add(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	lease, err := r.client.Grant(ctx, r.cfg.TTL)
	if err != nil {
		return fmt.Errorf("etcd: create lease failed: %w", err)
	}
	if err := r.em.AddEndpoint(ctx, r.cfg.Key(), r.val, clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("etcd: add endpoint failed: %w", err)
	}

	r.mu.Lock()
	r.leaseID = lease.ID
	r.mu.Unlock()
	return nil
}

// keepAlive renews the lease, registering again once it has been lost.
func (r *Registry) keepAlive() {
	for {
		r.mu.Lock()
		id := r.leaseID
		r.mu.Unlock()

		ch, err := r.client.KeepAlive(r.ctx, id)
		if err != nil {
			zap.L().Error("etcd: create keep alive failed", zap.Error(err))
			return
		}
		for range ch {
		}

		if r.ctx.Err() != nil {
			return
		}
		zap.L().Warn("etcd: lease has expired or been revoked, re-register", zap.String("key", r.cfg.Key()))
		if err := r.add(r.ctx); err != nil {
			zap.L().Error("etcd: re-register failed", zap.String("key", r.cfg.Key()), zap.Error(err))
			return
		}
	}
}

// Key returns the etcd key of the registration.
func (r *Registry) Key() string { return r.cfg.Key() }

// Unregister removes the endpoint and revokes its lease.
func (r *Registry) Unregister(ctx context.Context) error {
	r.cancel()

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var errs []error
	if err := r.em.DeleteEndpoint(ctx, r.cfg.Key()); err != nil {
		zap.L().Warn("etcd: delete endpoint failed", zap.Error(err))
		errs = append(errs, err)
	}

	r.mu.Lock()
	id := r.leaseID
	r.mu.Unlock()
	if _, err := r.client.Revoke(ctx, id); err != nil {
		zap.L().Warn("etcd: revoke lease failed", zap.Error(err))
		errs = append(errs, err)
	}

	if r.ownClient {
		if err := r.client.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ServiceMetadata describes the services of a server as endpoint metadata:
// "services" lists the service names, comma separated and sorted.
func ServiceMetadata(info map[string]zrpcweb.ServiceInfo) map[string]string {
	names := make([]string, 0, len(info))
	for name := range info {
		names = append(names, name)
	}
	sort.Strings(names)
	return map[string]string{"services": strings.Join(names, ",")}
}
