package parquet

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/xtxerr/metricd/internal/metrics"
	"github.com/xtxerr/metricd/internal/retention"
)

// Sweeper deletes segments whose newest bucket is older than the rollup ttl.
type Sweeper struct {
	mu    sync.Mutex
	dir   func(rollup int64) string
	stats SweepStats
}

// SweepStats holds cumulative sweeper statistics.
type SweepStats struct {
	LastRunTime  time.Time
	FilesDeleted int64
	BytesFreed   int64
	FilesSkipped int64
	Errors       int64
}

// SweepResult holds the result of sweeping one rollup.
type SweepResult struct {
	Rollup       int64
	FilesDeleted int
	BytesFreed   int64
	FilesSkipped int
	Errors       []error
}

func newSweeper(dir func(rollup int64) string) *Sweeper {
	return &Sweeper{dir: dir}
}

// Run sweeps every rollup against now.
func (s *Sweeper) Run(specs []retention.RollupSpec, now time.Time) []SweepResult {
	return s.run(specs, now, false)
}

// DryRun reports what Run would delete without deleting.
func (s *Sweeper) DryRun(specs []retention.RollupSpec, now time.Time) []SweepResult {
	return s.run(specs, now, true)
}

func (s *Sweeper) run(specs []retention.RollupSpec, now time.Time, dryRun bool) []SweepResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !dryRun {
		s.stats.LastRunTime = now
	}

	results := make([]SweepResult, 0, len(specs))
	for _, spec := range specs {
		r := s.sweep(spec, now.Unix(), dryRun)
		results = append(results, r)

		if !dryRun {
			s.stats.FilesDeleted += int64(r.FilesDeleted)
			s.stats.BytesFreed += r.BytesFreed
			s.stats.FilesSkipped += int64(r.FilesSkipped)
			s.stats.Errors += int64(len(r.Errors))
			metrics.FilesExpired.Add(float64(r.FilesDeleted))
		}
	}
	return results
}

func (s *Sweeper) sweep(spec retention.RollupSpec, now int64, dryRun bool) SweepResult {
	result := SweepResult{Rollup: spec.Rollup}
	if spec.TTL <= 0 {
		return result
	}
	cutoff := now - spec.TTL

	segments, err := listSegments(s.dir(spec.Rollup))
	if err != nil {
		result.Errors = append(result.Errors, fmt.Errorf("list files: %w", err))
		return result
	}

	for _, seg := range segments {
		// A bucket starting at cutoff still overlaps the ttl window.
		if seg.newest >= cutoff {
			result.FilesSkipped++
			continue
		}

		var size int64
		if info, err := os.Stat(seg.path); err == nil {
			size = info.Size()
		}

		if !dryRun {
			if err := os.Remove(seg.path); err != nil {
				result.Errors = append(result.Errors, fmt.Errorf("delete %s: %w", seg.path, err))
				continue
			}
		}
		result.FilesDeleted++
		result.BytesFreed += size
	}
	return result
}

// Stats returns cumulative statistics.
func (s *Sweeper) Stats() SweepStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
