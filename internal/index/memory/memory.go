// Package memory implements the index/memory component.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/xtxerr/metricd/internal/index"
	"github.com/xtxerr/metricd/internal/logging"
	"github.com/xtxerr/metricd/internal/metric"
	"github.com/xtxerr/metricd/internal/registry"
)

// Name is the qualified factory name.
const Name = "index/memory"

// Register adds the index/memory factory.
func Register(r *registry.Registry) error {
	return r.Register(Name, New)
}

// Index is a set of known paths.
type Index struct {
	mu    sync.RWMutex
	paths map[string]struct{}
}

// New is the registry factory. index/memory takes no options.
func New(f registry.Fragment) (registry.Component, error) {
	var cfg struct{}
	if err := f.Decode(&cfg); err != nil {
		return nil, err
	}
	return &Index{paths: make(map[string]struct{})}, nil
}

func (x *Index) Start(ctx context.Context) error {
	logging.WithContext(ctx).Debug("memory index ready")
	return nil
}

func (x *Index) Stop(ctx context.Context) error {
	return nil
}

// Add implements metric.Index.
func (x *Index) Add(ctx context.Context, paths ...string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, p := range paths {
		if p != "" {
			x.paths[p] = struct{}{}
		}
	}
	return nil
}

// Find implements metric.Index.
func (x *Index) Find(ctx context.Context, pattern string) ([]string, error) {
	p, err := index.Compile(pattern)
	if err != nil {
		return nil, err
	}
	prefix := p.Prefix()

	x.mu.RLock()
	defer x.mu.RUnlock()

	var out []string
	for name := range x.paths {
		if strings.HasPrefix(name, prefix) && p.Match(name) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Len returns the number of known paths.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.paths)
}

var _ metric.Index = (*Index)(nil)
