// Package app ties loading, assembly, graph building and the lifecycle into
// the process run loop. A reload stops the running graph, reloads the
// configuration and starts a fresh graph.
package app

import (
	"context"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/xtxerr/metricd/internal/api"
	"github.com/xtxerr/metricd/internal/assembler"
	"github.com/xtxerr/metricd/internal/engine"
	"github.com/xtxerr/metricd/internal/errors"
	indexduckdb "github.com/xtxerr/metricd/internal/index/duckdb"
	indexmemory "github.com/xtxerr/metricd/internal/index/memory"
	"github.com/xtxerr/metricd/internal/input/carbon"
	"github.com/xtxerr/metricd/internal/input/snmptrap"
	"github.com/xtxerr/metricd/internal/lifecycle"
	"github.com/xtxerr/metricd/internal/loader"
	"github.com/xtxerr/metricd/internal/logging"
	"github.com/xtxerr/metricd/internal/metrics"
	"github.com/xtxerr/metricd/internal/registry"
	storememory "github.com/xtxerr/metricd/internal/store/memory"
	storeparquet "github.com/xtxerr/metricd/internal/store/parquet"
	"github.com/xtxerr/metricd/internal/system"
)

// Modules returns every built-in component package.
func Modules() []registry.Module {
	return []registry.Module{
		registry.ModuleFunc(storememory.Register),
		registry.ModuleFunc(storeparquet.Register),
		registry.ModuleFunc(indexmemory.Register),
		registry.ModuleFunc(indexduckdb.Register),
		registry.ModuleFunc(engine.Register),
		registry.ModuleFunc(api.Register),
		registry.ModuleFunc(carbon.Register),
		registry.ModuleFunc(snmptrap.Register),
	}
}

var (
	overrideMu sync.Mutex
	override   string
)

// SetConfigOverride sets a process-level config path that wins over the
// environment and the default path, but not over an explicit path.
func SetConfigOverride(path string) {
	overrideMu.Lock()
	defer overrideMu.Unlock()
	override = path
}

func configOverride() string {
	overrideMu.Lock()
	defer overrideMu.Unlock()
	return override
}

// Options control Run.
type Options struct {
	// Path is the explicit config path (-f/--path).
	Path string

	// Watch reloads when the config file changes.
	Watch bool

	// StopTimeout bounds each component stop. Zero waits indefinitely.
	StopTimeout time.Duration

	// Console replaces stdout as the console log destination.
	Console io.Writer

	// Registry defaults to a registry holding Modules.
	Registry *registry.Registry

	// Reload is an additional reload source, next to SIGHUP and the
	// watcher. May be nil.
	Reload <-chan struct{}

	// Started is called with each running orchestrator. May be nil.
	Started func(*lifecycle.Orchestrator)
}

// Run builds and starts the system and keeps it running until ctx is
// cancelled. Every reload request stops the graph and rebuilds it from a
// freshly loaded document. Construction and start failures are returned;
// stop failures are logged only.
func Run(ctx context.Context, opts Options) error {
	reg := opts.Registry
	if reg == nil {
		reg = registry.New()
		if err := reg.Use(Modules()...); err != nil {
			return err
		}
	}
	path := loader.ResolvePath(opts.Path, configOverride())

	// Reload requests are coalesced into one pending value.
	reload := make(chan struct{}, 1)
	request := func() {
		select {
		case reload <- struct{}{}:
		default:
		}
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	var changes <-chan struct{}
	if opts.Watch {
		w, err := loader.NewWatcher(path, loader.DefaultDebounce)
		if err != nil {
			return errors.Wrap(err, "watch config")
		}
		defer w.Close()
		changes = w.Changes()
	}

	forwardCtx, stopForward := context.WithCancel(ctx)
	defer stopForward()
	go func() {
		for {
			select {
			case <-forwardCtx.Done():
				return
			case <-hup:
				request()
			case <-changes:
				request()
			case <-opts.Reload:
				request()
			}
		}
	}()

	for generation := 1; ; generation++ {
		o, err := start(ctx, reg, path, opts)
		if err != nil {
			return err
		}
		if opts.Started != nil {
			opts.Started(o)
		}

		reason, err := o.Wait(ctx, reload)
		if err != nil {
			logging.Warn("graph stopped with errors", "generation", generation, "error", err)
		}
		// A termination that arrived while the reload stop ran wins over
		// the reload.
		if reason == lifecycle.ReasonTerminate || ctx.Err() != nil {
			return nil
		}
		metrics.Reloads.Inc()
		logging.Info("reloading", "path", path, "generation", generation+1)
	}
}

// start loads path, assembles and builds the graph and starts it. On
// failure everything acquired so far is released.
func start(ctx context.Context, reg *registry.Registry, path string, opts Options) (*lifecycle.Orchestrator, error) {
	doc, err := loader.Load(path)
	if err != nil {
		return nil, err
	}

	res, err := assembler.Assemble(doc, assembler.Options{Registry: reg, Console: opts.Console})
	if err != nil {
		return nil, err
	}

	g, err := system.Build(res, reg)
	if err != nil {
		_ = res.Close()
		return nil, err
	}

	o, err := lifecycle.New(g, lifecycle.Options{StopTimeout: opts.StopTimeout, Logging: res.Logging})
	if err != nil {
		_ = res.Close()
		return nil, err
	}
	logging.Info("system built", "path", path, "order", o.Order())

	if err := o.Start(ctx); err != nil {
		return nil, err
	}
	return o, nil
}
