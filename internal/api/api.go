// Package api implements the api/http component: a graphite style query
// API over the index and store, plus health and Prometheus endpoints.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/xtxerr/metricd/config"
	"github.com/xtxerr/metricd/internal/errors"
	"github.com/xtxerr/metricd/internal/logging"
	"github.com/xtxerr/metricd/internal/metric"
	"github.com/xtxerr/metricd/internal/queue"
	"github.com/xtxerr/metricd/internal/registry"
	"github.com/xtxerr/metricd/internal/retention"
)

// Name is the qualified factory name.
const Name = "api/http"

// Register adds the api/http factory.
func Register(r *registry.Registry) error {
	return r.Register(Name, New)
}

// Config is the http section overlaid with the api options.
type Config struct {
	Enabled       bool   `mapstructure:"enabled"`
	Host          string `mapstructure:"host"`
	Port          int    `mapstructure:"port" validate:"min=0,max=65535"`
	MaxDataPoints int    `mapstructure:"maxDataPoints" validate:"min=1"`

	RequestTimeout  time.Duration `mapstructure:"request_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gte=0"`
}

// DefaultConfig returns the documented http defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:         config.DefaultHTTPEnabled,
		Host:            config.DefaultHTTPHost,
		Port:            config.DefaultHTTPPort,
		MaxDataPoints:   config.DefaultMaxDataPoints,
		RequestTimeout:  config.DefaultHTTPRequestTimeout,
		ShutdownTimeout: config.DefaultHTTPShutdownTimeout,
	}
}

// opener is implemented by engines that report open buckets.
type opener interface {
	Open() int
}

// API serves HTTP queries.
type API struct {
	cfg    Config
	index  metric.Index
	store  metric.Store
	queues *queue.Set
	engine registry.Component

	// renders collapses identical concurrent render requests.
	renders singleflight.Group

	now func() time.Time

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	done     chan error
}

// New is the registry factory. It requires the index, store, queues and
// engine dependencies.
func New(f registry.Fragment) (registry.Component, error) {
	cfg := DefaultConfig()
	if err := f.Decode(&cfg); err != nil {
		return nil, err
	}

	index, err := registry.Dep[metric.Index](f, "index")
	if err != nil {
		return nil, err
	}
	store, err := registry.Dep[metric.Store](f, "store")
	if err != nil {
		return nil, err
	}
	queues, err := registry.Dep[*queue.Set](f, "queues")
	if err != nil {
		return nil, err
	}
	engine, err := registry.Dep[registry.Component](f, "engine")
	if err != nil {
		return nil, err
	}

	return &API{
		cfg:    cfg,
		index:  index,
		store:  store,
		queues: queues,
		engine: engine,
		now:    time.Now,
	}, nil
}

// Handler returns the router. It is usable without Start.
func (a *API) Handler() http.Handler {
	return a.router()
}

// specs returns the rollups served by the queues in configured order.
func (a *API) specs() []retention.RollupSpec {
	members := a.queues.Members()
	out := make([]retention.RollupSpec, len(members))
	for i, q := range members {
		out[i] = q.Spec()
	}
	return out
}

// Start binds the listener and serves in the background. A disabled API
// does nothing.
func (a *API) Start(ctx context.Context) error {
	log := logging.WithContext(ctx)
	if !a.cfg.Enabled {
		log.Info("http api disabled")
		return nil
	}

	addr := net.JoinHostPort(a.cfg.Host, strconv.Itoa(a.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           a.router(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	done := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Component("api").Error("http server failed", "error", err)
			done <- err
		}
		close(done)
	}()

	a.mu.Lock()
	a.server, a.listener, a.done = srv, ln, done
	a.mu.Unlock()

	log.Info("http api listening", "address", ln.Addr().String(), "maxDataPoints", a.cfg.MaxDataPoints)
	return nil
}

// Addr returns the bound address, or nil when not serving.
func (a *API) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

// Stop shuts the server down gracefully, bounded by shutdown_timeout.
func (a *API) Stop(ctx context.Context) error {
	a.mu.Lock()
	srv, done := a.server, a.done
	a.server, a.listener, a.done = nil, nil, nil
	a.mu.Unlock()

	if srv == nil {
		return nil
	}

	if a.cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.ShutdownTimeout)
		defer cancel()
	}
	if err := srv.Shutdown(ctx); err != nil {
		srv.Close()
		return fmt.Errorf("http shutdown: %w", err)
	}
	if err := <-done; err != nil {
		return err
	}
	logging.WithContext(ctx).Info("http api stopped")
	return nil
}

var _ registry.Component = (*API)(nil)
