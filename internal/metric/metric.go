// Package metric defines the data units flowing through metricd and the
// contracts of the store and index components.
package metric

import (
	"context"
	"time"

	"github.com/xtxerr/metricd/internal/registry"
	"github.com/xtxerr/metricd/internal/retention"
)

// Point is a single measurement as received by an input.
type Point struct {
	Path      string  // Dotted series name (e.g., "servers.web01.cpu")
	Value     float64
	Timestamp int64 // Unix seconds
}

// Time returns the timestamp as a time.Time.
func (p Point) Time() time.Time {
	return time.Unix(p.Timestamp, 0)
}

// Bucket is the consolidated value of one series over one rollup interval.
type Bucket struct {
	Path   string
	Rollup int64 // bucket width in seconds
	Start  int64 // quantized unix seconds

	Count int64
	Sum   float64
	Min   float64
	Max   float64

	// Value is the bucket's consolidated value under the engine's
	// aggregation method.
	Value float64
}

// End returns the first timestamp after the bucket.
func (b Bucket) End() int64 {
	return b.Start + b.Rollup
}

// IsEmpty returns true if no points were aggregated.
func (b Bucket) IsEmpty() bool {
	return b.Count == 0
}

// Store persists buckets per rollup.
type Store interface {
	registry.Component

	// Write stores buckets of one rollup. Later writes for the same
	// (path, start) replace earlier ones. Data older than spec.TTL before
	// the newest bucket of a series may be discarded.
	Write(ctx context.Context, spec retention.RollupSpec, buckets []Bucket) error

	// Fetch returns the buckets of path at rollup with from <= Start < until,
	// ordered by Start.
	Fetch(ctx context.Context, path string, rollup, from, until int64) ([]Bucket, error)
}

// Index records known series paths.
type Index interface {
	registry.Component

	// Add records paths. Known paths are ignored.
	Add(ctx context.Context, paths ...string) error

	// Find returns the paths matching a graphite glob pattern, sorted.
	Find(ctx context.Context, pattern string) ([]string, error)
}

// Sink accepts points from inputs.
type Sink interface {
	// Push offers points and returns how many were accepted.
	Push(points []Point) int
}
