// Package memory implements the store/memory component: buckets are kept
// per rollup and series in bounded, time-ordered slices.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/xtxerr/metricd/internal/logging"
	"github.com/xtxerr/metricd/internal/metric"
	"github.com/xtxerr/metricd/internal/registry"
	"github.com/xtxerr/metricd/internal/retention"
)

// Name is the qualified factory name.
const Name = "store/memory"

// Register adds the store/memory factory.
func Register(r *registry.Registry) error {
	return r.Register(Name, New)
}

// Config is the store section for store/memory.
type Config struct {
	// MaxBuckets caps the buckets kept per series. Zero keeps the full
	// period of each rollup.
	MaxBuckets int `mapstructure:"max_buckets" validate:"min=0"`
}

// Store keeps buckets in memory. Contents do not survive a restart.
type Store struct {
	cfg Config

	mu     sync.RWMutex
	series map[int64]map[string][]metric.Bucket // rollup -> path -> buckets by Start
}

// New is the registry factory.
func New(f registry.Fragment) (registry.Component, error) {
	var cfg Config
	if err := f.Decode(&cfg); err != nil {
		return nil, err
	}
	return &Store{
		cfg:    cfg,
		series: make(map[int64]map[string][]metric.Bucket),
	}, nil
}

// Start implements registry.Component.
func (s *Store) Start(ctx context.Context) error {
	logging.WithContext(ctx).Info("memory store ready", "max_buckets", s.cfg.MaxBuckets)
	return nil
}

// Stop implements registry.Component.
func (s *Store) Stop(ctx context.Context) error {
	return nil
}

// Write implements metric.Store.
func (s *Store) Write(ctx context.Context, spec retention.RollupSpec, buckets []metric.Bucket) error {
	limit := int(spec.Period)
	if s.cfg.MaxBuckets > 0 && (limit <= 0 || s.cfg.MaxBuckets < limit) {
		limit = s.cfg.MaxBuckets
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	byPath, ok := s.series[spec.Rollup]
	if !ok {
		byPath = make(map[string][]metric.Bucket)
		s.series[spec.Rollup] = byPath
	}

	for _, b := range buckets {
		byPath[b.Path] = insert(byPath[b.Path], b, spec.TTL, limit)
	}
	return nil
}

// insert places b by Start, replacing an equal Start, then trims buckets
// outside the ttl window and beyond limit.
func insert(list []metric.Bucket, b metric.Bucket, ttl int64, limit int) []metric.Bucket {
	i := sort.Search(len(list), func(i int) bool { return list[i].Start >= b.Start })
	switch {
	case i < len(list) && list[i].Start == b.Start:
		list[i] = b
	default:
		list = append(list, metric.Bucket{})
		copy(list[i+1:], list[i:])
		list[i] = b
	}

	newest := list[len(list)-1].Start
	if ttl > 0 {
		cut := sort.Search(len(list), func(i int) bool { return list[i].Start > newest-ttl })
		list = list[cut:]
	}
	if limit > 0 && len(list) > limit {
		list = list[len(list)-limit:]
	}
	return list
}

// Fetch implements metric.Store.
func (s *Store) Fetch(ctx context.Context, path string, rollup, from, until int64) ([]metric.Bucket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.series[rollup][path]
	lo := sort.Search(len(list), func(i int) bool { return list[i].Start >= from })
	hi := sort.Search(len(list), func(i int) bool { return list[i].Start >= until })
	if lo >= hi {
		return nil, nil
	}
	return append([]metric.Bucket(nil), list[lo:hi]...), nil
}

// Len returns the number of buckets held for a rollup.
func (s *Store) Len(rollup int64) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, list := range s.series[rollup] {
		n += len(list)
	}
	return n
}

var _ metric.Store = (*Store)(nil)
