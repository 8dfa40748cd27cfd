// Package queue builds the ingestion queue set sitting between inputs and
// the engine: one bounded point queue per compiled rollup.
package queue

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/xtxerr/metricd/config"
	"github.com/xtxerr/metricd/internal/errors"
	"github.com/xtxerr/metricd/internal/logging"
	"github.com/xtxerr/metricd/internal/metric"
	"github.com/xtxerr/metricd/internal/metrics"
	"github.com/xtxerr/metricd/internal/registry"
	"github.com/xtxerr/metricd/internal/retention"
)

// Config is the queues section.
type Config struct {
	// Capacity is the number of points each rollup queue holds.
	Capacity int `mapstructure:"capacity" validate:"min=1"`

	// HighWatermark is the usage ratio at which new points are dropped.
	HighWatermark float64 `mapstructure:"high_watermark" validate:"gt=0,lte=1"`
}

// DefaultConfig returns the documented queue defaults.
func DefaultConfig() Config {
	return Config{
		Capacity:      config.DefaultQueueCapacity,
		HighWatermark: config.DefaultQueueHighWatermark,
	}
}

// Queue buffers points for one rollup.
type Queue struct {
	spec  retention.RollupSpec
	label string
	ring  *Ring
	ctrl  *Controller
}

func newQueue(spec retention.RollupSpec, cfg Config) *Queue {
	q := &Queue{
		spec:  spec,
		label: strconv.FormatInt(spec.Rollup, 10),
		ring:  NewRing(cfg.Capacity),
	}
	log := logging.Component("queue")
	q.ctrl = NewController(DefaultThresholds(cfg.HighWatermark), func(old, new Level) {
		log.Warn("backpressure level changed",
			"rollup", spec.String(),
			"from", old.String(),
			"to", new.String())
	})
	return q
}

// Spec returns the rollup this queue feeds.
func (q *Queue) Spec() retention.RollupSpec {
	return q.spec
}

// Push offers points and returns how many were accepted.
func (q *Queue) Push(points []metric.Point) int {
	accepted := 0
	for _, p := range points {
		if q.ctrl.Check(q.ring.UsageRatio()) == LevelEmergency || !q.ring.Push(p) {
			continue
		}
		accepted++
	}
	if dropped := len(points) - accepted; dropped > 0 {
		metrics.PointsDropped.WithLabelValues(q.label).Add(float64(dropped))
	}
	metrics.QueueDepth.WithLabelValues(q.label).Set(float64(q.ring.Len()))
	return accepted
}

// Pop removes up to n of the oldest points.
func (q *Queue) Pop(n int) []metric.Point {
	points := q.ring.PopN(n)
	if len(points) > 0 {
		q.ctrl.Check(q.ring.UsageRatio())
		metrics.QueueDepth.WithLabelValues(q.label).Set(float64(q.ring.Len()))
	}
	return points
}

// Len returns the number of queued points.
func (q *Queue) Len() int {
	return q.ring.Len()
}

// Level returns the current backpressure level.
func (q *Queue) Level() Level {
	return q.ctrl.CurrentLevel()
}

// Stats returns the underlying ring statistics.
func (q *Queue) Stats() RingStats {
	return q.ring.Stats()
}

// Set is the queues slot: every input point is fanned out to the queue of
// every rollup. After Stop, pushes are rejected while pops still drain.
type Set struct {
	members []*Queue
	open    atomic.Bool
}

// BuildSet creates one queue per rollup. opts is the queues section.
func BuildSet(rollups []retention.RollupSpec, opts registry.Options) (*Set, error) {
	if len(rollups) == 0 {
		return nil, errors.NewValidation("queues", "at least one rollup is required")
	}

	cfg := DefaultConfig()
	if err := opts.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("queues: %w", err)
	}

	s := &Set{members: make([]*Queue, 0, len(rollups))}
	for _, spec := range rollups {
		s.members = append(s.members, newQueue(spec, cfg))
	}
	return s, nil
}

// Start opens the set for pushes.
func (s *Set) Start(ctx context.Context) error {
	s.open.Store(true)
	logging.Component("queue").Info("queues open", "members", len(s.members))
	return nil
}

// Stop rejects further pushes. Queued points remain available to Pop.
func (s *Set) Stop(ctx context.Context) error {
	s.open.Store(false)
	return nil
}

// Push offers points to every member and returns the number accepted by
// the member that accepted the fewest.
func (s *Set) Push(points []metric.Point) int {
	if !s.open.Load() || len(points) == 0 {
		return 0
	}
	accepted := len(points)
	for _, q := range s.members {
		if n := q.Push(points); n < accepted {
			accepted = n
		}
	}
	return accepted
}

// Members returns the queues in rollup order.
func (s *Set) Members() []*Queue {
	return append([]*Queue(nil), s.members...)
}

// Len returns the total number of queued points across members.
func (s *Set) Len() int {
	total := 0
	for _, q := range s.members {
		total += q.Len()
	}
	return total
}

var _ metric.Sink = (*Set)(nil)
var _ registry.Component = (*Set)(nil)
