// Package parquet implements the store/parquet component.
//
// Buckets are buffered in memory per rollup and flushed to immutable
// segment files under <dir>/<rollup>s/ every flush interval and on Stop.
// Fetch reads the segments plus the pending buffer. A sweeper deletes
// segments that fell out of the rollup's ttl. Pending buckets are logged to
// a write-ahead log under <dir>/wal and replayed on Start.
package parquet

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/xtxerr/metricd/config"
	"github.com/xtxerr/metricd/internal/errors"
	"github.com/xtxerr/metricd/internal/logging"
	"github.com/xtxerr/metricd/internal/metric"
	"github.com/xtxerr/metricd/internal/metrics"
	"github.com/xtxerr/metricd/internal/registry"
	"github.com/xtxerr/metricd/internal/retention"
)

// Name is the qualified factory name.
const Name = "store/parquet"

// Register adds the store/parquet factory.
func Register(r *registry.Registry) error {
	return r.Register(Name, New)
}

// Config holds store/parquet options.
type Config struct {
	Dir           string        `mapstructure:"dir" validate:"required"`
	FlushInterval time.Duration `mapstructure:"flush_interval" validate:"gt=0"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" validate:"gte=0"`
	Compression   string        `mapstructure:"compression" validate:"omitempty,oneof=none snappy zstd lz4 gzip"`

	// WAL logs pending buckets so that a crash loses nothing written.
	WAL bool `mapstructure:"wal"`

	// Fsync syncs the wal after every write.
	Fsync bool `mapstructure:"fsync"`
}

// DefaultConfig returns a Config with sensible defaults. Dir has no default.
func DefaultConfig() Config {
	return Config{
		FlushInterval: config.DefaultParquetFlushInterval,
		SweepInterval: config.DefaultRetentionSweepInterval,
		Compression:   "zstd",
		WAL:           true,
	}
}

// Store is safe for concurrent use.
type Store struct {
	cfg         Config
	compression CompressionType
	sweeper     *Sweeper
	now         func() time.Time

	mu      sync.RWMutex
	wal     *wal
	pending map[int64][]metric.Bucket
	specs   map[int64]retention.RollupSpec
	seq     int64

	stop chan struct{}
	wg   sync.WaitGroup
}

// New is the registry factory.
func New(f registry.Fragment) (registry.Component, error) {
	cfg := DefaultConfig()
	if err := f.Decode(&cfg); err != nil {
		return nil, err
	}
	ct, err := ParseCompressionType(cfg.Compression)
	if err != nil {
		return nil, fmt.Errorf("%s: %v: %w", Name, err, errors.ErrInvalidConfig)
	}

	s := &Store{
		cfg:         cfg,
		compression: ct,
		now:         time.Now,
		pending:     make(map[int64][]metric.Bucket),
		specs:       make(map[int64]retention.RollupSpec),
	}
	s.sweeper = newSweeper(s.rollupDir)
	return s, nil
}

func (s *Store) rollupDir(rollup int64) string {
	return filepath.Join(s.cfg.Dir, fmt.Sprintf("%ds", rollup))
}

// Start creates the data directory and starts the flush and sweep loops.
func (s *Store) Start(ctx context.Context) error {
	if err := os.MkdirAll(s.cfg.Dir, 0755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	s.seq = s.now().UnixNano()
	if s.cfg.WAL {
		if err := s.openWAL(ctx); err != nil {
			return err
		}
	}
	s.stop = make(chan struct{})

	s.wg.Add(1)
	go s.loop(s.cfg.FlushInterval, func() {
		if err := s.Flush(); err != nil {
			logging.Component("store.parquet").Error("flush failed", "error", err)
		}
	})

	if s.cfg.SweepInterval > 0 {
		s.wg.Add(1)
		go s.loop(s.cfg.SweepInterval, s.Sweep)
	}

	logging.WithContext(ctx).Info("parquet store started",
		"dir", s.cfg.Dir,
		"flush_interval", s.cfg.FlushInterval,
		"compression", s.cfg.Compression,
	)
	return nil
}

// openWAL replays the log into the pending buffer.
func (s *Store) openWAL(ctx context.Context) error {
	l, records, err := openWAL(filepath.Join(s.cfg.Dir, "wal"), s.cfg.Fsync)
	if err != nil {
		return fmt.Errorf("open wal: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	replayed := 0
	for _, rec := range records {
		if _, ok := s.specs[rec.rollup]; !ok {
			specs, err := retention.Compile([]retention.RollupDef{retention.Structured(rec.rollup, rec.period)}, 0)
			if err != nil {
				l.Close()
				return fmt.Errorf("replay wal: %w", err)
			}
			s.specs[rec.rollup] = specs[0]
		}
		s.pending[rec.rollup] = append(s.pending[rec.rollup], rec.buckets...)
		replayed += len(rec.buckets)
	}
	s.wal = l

	if replayed > 0 {
		logging.WithContext(ctx).Info("wal replayed", "buckets", replayed)
	}
	return nil
}

func (s *Store) loop(every time.Duration, fn func()) {
	defer s.wg.Done()

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			fn()
		}
	}
}

// Stop ends the loops and flushes pending buckets.
func (s *Store) Stop(ctx context.Context) error {
	if s.stop != nil {
		close(s.stop)
		s.wg.Wait()
		s.stop = nil
	}
	err := s.Flush()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wal != nil {
		err = errors.Join(err, s.wal.Close())
		s.wal = nil
	}
	return err
}

// Write implements metric.Store. Buckets stay pending until the next flush.
func (s *Store) Write(ctx context.Context, spec retention.RollupSpec, buckets []metric.Bucket) error {
	if len(buckets) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.wal != nil {
		if err := s.wal.Append(spec.Rollup, spec.Period, buckets); err != nil {
			metrics.StoreErrors.WithLabelValues("wal").Inc()
			return fmt.Errorf("wal append: %w", err)
		}
	}
	s.specs[spec.Rollup] = spec
	s.pending[spec.Rollup] = append(s.pending[spec.Rollup], buckets...)
	return nil
}

// Flush writes every pending rollup to a new segment. Rollups that fail
// stay pending for the next attempt.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	flushed := 0
	for rollup, buckets := range s.pending {
		if len(buckets) == 0 {
			continue
		}

		rows := make([]BucketRow, len(buckets))
		newest := buckets[0].Start
		for i, b := range buckets {
			rows[i] = toRow(b)
			if b.Start > newest {
				newest = b.Start
			}
		}

		s.seq++
		path, err := writeSegment(s.rollupDir(rollup), rows, newest, s.seq, s.compression)
		if err != nil {
			metrics.StoreErrors.WithLabelValues("flush").Inc()
			errs = append(errs, fmt.Errorf("flush rollup %d: %w", rollup, err))
			continue
		}

		delete(s.pending, rollup)
		flushed++
		logging.Component("store.parquet").Debug("segment written", "path", path, "rows", len(rows))
	}

	// The log may only be cut once every pending bucket is in a segment.
	if flushed > 0 && len(errs) == 0 && s.wal != nil {
		if err := s.wal.Checkpoint(); err != nil {
			metrics.StoreErrors.WithLabelValues("wal").Inc()
			errs = append(errs, fmt.Errorf("wal checkpoint: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Sweep deletes expired segments of every rollup seen so far.
func (s *Store) Sweep() {
	s.mu.RLock()
	specs := make([]retention.RollupSpec, 0, len(s.specs))
	for _, spec := range s.specs {
		specs = append(specs, spec)
	}
	s.mu.RUnlock()

	sort.Slice(specs, func(i, j int) bool { return specs[i].Rollup < specs[j].Rollup })

	log := logging.Component("store.parquet")
	for _, r := range s.sweeper.Run(specs, s.now()) {
		for _, err := range r.Errors {
			log.Warn("sweep failed", "rollup", r.Rollup, "error", err)
		}
		if r.FilesDeleted > 0 {
			log.Info("expired segments deleted", "rollup", r.Rollup, "files", r.FilesDeleted, "bytes", r.BytesFreed)
		}
	}
}

// Fetch implements metric.Store. Later writes of the same start win.
func (s *Store) Fetch(ctx context.Context, path string, rollup, from, until int64) ([]metric.Bucket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keep := func(r *BucketRow) bool {
		return r.Path == path && r.Start >= from && r.Start < until
	}

	segments, err := listSegments(s.rollupDir(rollup))
	if err != nil {
		metrics.StoreErrors.WithLabelValues("fetch").Inc()
		return nil, fmt.Errorf("list segments: %w", err)
	}

	byStart := make(map[int64]metric.Bucket)
	for _, seg := range segments {
		if seg.newest < from {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rows, err := readSegment(seg.path, keep)
		if err != nil {
			metrics.StoreErrors.WithLabelValues("fetch").Inc()
			return nil, fmt.Errorf("read %s: %w", seg.path, err)
		}
		for _, r := range rows {
			byStart[r.Start] = fromRow(r, rollup)
		}
	}

	for _, b := range s.pending[rollup] {
		row := toRow(b)
		if keep(&row) {
			byStart[b.Start] = fromRow(row, rollup)
		}
	}

	if len(byStart) == 0 {
		return nil, nil
	}
	out := make([]metric.Bucket, 0, len(byStart))
	for _, b := range byStart {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out, nil
}

// Sweeper returns the retention sweeper.
func (s *Store) Sweeper() *Sweeper {
	return s.sweeper
}

var _ metric.Store = (*Store)(nil)
