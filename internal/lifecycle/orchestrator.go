// Package lifecycle starts a system graph in dependency order and stops it
// in reverse order on termination or reload.
//
// All transitions are serialized by one mutex. A Stop that arrives while
// another is running waits for it and returns its result; no node is ever
// stopped twice.
package lifecycle

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/metricd/internal/errors"
	"github.com/xtxerr/metricd/internal/logging"
	"github.com/xtxerr/metricd/internal/metrics"
	"github.com/xtxerr/metricd/internal/registry"
	"github.com/xtxerr/metricd/internal/system"
)

// Options configure an Orchestrator.
type Options struct {
	// StopTimeout bounds each node's Stop. Zero waits indefinitely.
	StopTimeout time.Duration

	// Logging is released after every node has stopped. May be nil.
	Logging io.Closer
}

type node struct {
	slot     string
	instance registry.Component
}

// Orchestrator owns a built graph for the rest of its life.
type Orchestrator struct {
	mu    sync.Mutex
	state atomic.Int32

	opts    Options
	nodes   []node // start order
	started []node

	stopErr error
}

// New orders the graph and returns an orchestrator in StateBuilt.
func New(g *system.Graph, opts Options) (*Orchestrator, error) {
	order, err := g.Order()
	if err != nil {
		return nil, err
	}

	o := &Orchestrator{opts: opts}
	for _, slot := range order {
		n, _ := g.Node(slot)
		o.nodes = append(o.nodes, node{slot: slot, instance: n.Instance})
	}
	o.setState(StateBuilt)
	return o, nil
}

// State returns the current state without waiting for a transition.
func (o *Orchestrator) State() State {
	return State(o.state.Load())
}

// Order returns the slots in start order.
func (o *Orchestrator) Order() []string {
	out := make([]string, len(o.nodes))
	for i, n := range o.nodes {
		out[i] = n.slot
	}
	return out
}

func (o *Orchestrator) setState(s State) {
	o.state.Store(int32(s))
	metrics.LifecycleState.Set(float64(s))
}

// Start starts every node, dependencies first. If a node fails, the nodes
// already started are stopped in reverse order, the orchestrator ends in
// StateStopped and the start error is returned.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if s := o.State(); s != StateBuilt {
		return fmt.Errorf("start from %s: %w", s, errors.ErrInvalidTransition)
	}

	log := logging.Component("lifecycle")
	o.setState(StateStarting)
	log.Info("starting", "nodes", len(o.nodes))

	for _, n := range o.nodes {
		begin := time.Now()
		err := n.instance.Start(logging.ContextWithSlot(ctx, n.slot))
		metrics.ComponentStartSeconds.WithLabelValues(n.slot).Observe(time.Since(begin).Seconds())

		if err != nil {
			metrics.ComponentErrors.WithLabelValues(n.slot, "start").Inc()
			log.Error("start failed", "slot", n.slot, "error", err)

			stopErr := o.stopStarted(context.WithoutCancel(ctx))
			o.stopErr = errors.Join(fmt.Errorf("start %s: %w", n.slot, err), stopErr)
			return o.stopErr
		}

		o.started = append(o.started, n)
		log.Debug("started", "slot", n.slot, "elapsed", time.Since(begin))
	}

	o.setState(StateRunning)
	log.Info("running")
	return nil
}

// Stop stops started nodes in reverse start order. Each node is stopped at
// most once; failures are logged and do not prevent the remaining stops.
// The logging handle is released last. Calling Stop again returns the
// first call's result.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch o.State() {
	case StateStopped:
		return o.stopErr
	case StateBuilt, StateRunning:
	default:
		// Unreachable while the mutex serializes transitions.
		return fmt.Errorf("stop from %s: %w", o.State(), errors.ErrInvalidState)
	}

	o.stopErr = o.stopStarted(ctx)
	return o.stopErr
}

// stopStarted runs the reverse-order stop and ends in StateStopped.
// Callers hold o.mu.
func (o *Orchestrator) stopStarted(ctx context.Context) error {
	log := logging.Component("lifecycle")
	o.setState(StateStopping)
	log.Info("stopping", "nodes", len(o.started))

	var errs []error
	for i := len(o.started) - 1; i >= 0; i-- {
		n := o.started[i]
		begin := time.Now()
		err := o.stopNode(ctx, n)
		metrics.ComponentStopSeconds.WithLabelValues(n.slot).Observe(time.Since(begin).Seconds())

		if err != nil {
			metrics.ComponentErrors.WithLabelValues(n.slot, "stop").Inc()
			log.Error("stop failed", "slot", n.slot, "error", err)
			errs = append(errs, fmt.Errorf("stop %s: %w", n.slot, err))
			continue
		}
		log.Debug("stopped", "slot", n.slot, "elapsed", time.Since(begin))
	}
	o.started = nil

	o.setState(StateStopped)
	log.Info("stopped")

	if o.opts.Logging != nil {
		if err := o.opts.Logging.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close logging: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (o *Orchestrator) stopNode(ctx context.Context, n node) error {
	ctx = logging.ContextWithSlot(ctx, n.slot)
	if o.opts.StopTimeout <= 0 {
		return n.instance.Stop(ctx)
	}

	ctx, cancel := context.WithTimeout(ctx, o.opts.StopTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- n.instance.Stop(ctx) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("gave up after %s: %w", o.opts.StopTimeout, ctx.Err())
	}
}

// Wait blocks until ctx is cancelled (termination) or reload delivers,
// then stops the graph and reports which one happened.
func (o *Orchestrator) Wait(ctx context.Context, reload <-chan struct{}) (Reason, error) {
	select {
	case <-ctx.Done():
		logging.Component("lifecycle").Info("termination requested")
		return ReasonTerminate, o.Stop(context.WithoutCancel(ctx))
	case <-reload:
		logging.Component("lifecycle").Info("reload requested")
		return ReasonReload, o.Stop(context.WithoutCancel(ctx))
	}
}
