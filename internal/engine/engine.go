// Package engine implements the engine/rollup component: one worker per
// rollup queue drains points into streaming bucket aggregates and writes
// closed buckets to the store.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xtxerr/metricd/config"
	"github.com/xtxerr/metricd/internal/aggregate"
	"github.com/xtxerr/metricd/internal/errors"
	"github.com/xtxerr/metricd/internal/logging"
	"github.com/xtxerr/metricd/internal/metric"
	"github.com/xtxerr/metricd/internal/queue"
	"github.com/xtxerr/metricd/internal/registry"
)

// Name is the qualified factory name.
const Name = "engine/rollup"

// Register adds the engine/rollup factory.
func Register(r *registry.Registry) error {
	return r.Register(Name, New)
}

// Config is the engine section.
type Config struct {
	BatchSize    int           `mapstructure:"batch_size" validate:"min=1"`
	TickInterval time.Duration `mapstructure:"tick_interval" validate:"gt=0"`
	Aggregation  string        `mapstructure:"aggregation"`
	Accuracy     float64       `mapstructure:"accuracy" validate:"gt=0,lt=1"`
	Grace        time.Duration `mapstructure:"grace" validate:"gte=0"`
}

// DefaultConfig returns the documented engine defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:    config.DefaultEngineBatchSize,
		TickInterval: config.DefaultEngineTickInterval,
		Aggregation:  config.DefaultEngineAggregation,
		Accuracy:     config.DefaultPercentileAccuracy,
		Grace:        config.DefaultEngineGrace,
	}
}

// Engine owns one worker per queue member.
type Engine struct {
	cfg    Config
	method aggregate.Method

	store  metric.Store
	index  metric.Index
	queues *queue.Set

	now func() time.Time

	mu      sync.Mutex
	workers []*worker
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// New is the registry factory. It requires the store, index and queues
// dependencies.
func New(f registry.Fragment) (registry.Component, error) {
	cfg := DefaultConfig()
	if err := f.Decode(&cfg); err != nil {
		return nil, err
	}
	method, err := aggregate.ParseMethod(cfg.Aggregation)
	if err != nil {
		return nil, fmt.Errorf("%s: %v: %w", Name, err, errors.ErrInvalidConfig)
	}

	store, err := registry.Dep[metric.Store](f, "store")
	if err != nil {
		return nil, err
	}
	index, err := registry.Dep[metric.Index](f, "index")
	if err != nil {
		return nil, err
	}
	queues, err := registry.Dep[*queue.Set](f, "queues")
	if err != nil {
		return nil, err
	}

	return &Engine{
		cfg:    cfg,
		method: method,
		store:  store,
		index:  index,
		queues: queues,
		now:    time.Now,
	}, nil
}

// Method returns the configured aggregation method.
func (e *Engine) Method() aggregate.Method {
	return e.method
}

// Start launches the workers. They run until Stop.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.group != nil {
		return fmt.Errorf("%s: %w", Name, errors.ErrInvalidTransition)
	}

	accuracy := 0.0
	if e.method.NeedsSketch() {
		accuracy = e.cfg.Accuracy
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	g, gctx := errgroup.WithContext(runCtx)

	e.workers = e.workers[:0]
	for _, q := range e.queues.Members() {
		w := newWorker(q, e, accuracy)
		e.workers = append(e.workers, w)
		g.Go(func() error { return w.run(gctx) })
	}
	e.cancel = cancel
	e.group = g

	logging.WithContext(ctx).Info("engine started",
		"workers", len(e.workers),
		"aggregation", string(e.method),
		"tick", e.cfg.TickInterval,
	)
	return nil
}

// Stop signals the workers, which drain their queue and write every open
// bucket before returning.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.group == nil {
		return nil
	}
	e.cancel()
	err := e.group.Wait()
	e.group = nil
	return err
}

// Open returns the number of buckets still being aggregated.
func (e *Engine) Open() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := 0
	for _, w := range e.workers {
		n += w.open()
	}
	return n
}

var _ registry.Component = (*Engine)(nil)
