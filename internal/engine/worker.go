package engine

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/xtxerr/metricd/internal/aggregate"
	"github.com/xtxerr/metricd/internal/logging"
	"github.com/xtxerr/metricd/internal/metric"
	"github.com/xtxerr/metricd/internal/metrics"
	"github.com/xtxerr/metricd/internal/queue"
	"github.com/xtxerr/metricd/internal/retention"
)

type bucketKey struct {
	path  string
	start int64
}

// worker aggregates the points of one rollup queue.
type worker struct {
	q        *queue.Queue
	e        *Engine
	spec     retention.RollupSpec
	label    string
	accuracy float64

	mu      sync.Mutex
	buckets map[bucketKey]*aggregate.Streaming
	known   map[string]struct{}
}

func newWorker(q *queue.Queue, e *Engine, accuracy float64) *worker {
	spec := q.Spec()
	return &worker{
		q:        q,
		e:        e,
		spec:     spec,
		label:    strconv.FormatInt(spec.Rollup, 10),
		accuracy: accuracy,
		buckets:  make(map[bucketKey]*aggregate.Streaming),
		known:    make(map[string]struct{}),
	}
}

func (w *worker) run(ctx context.Context) error {
	log := logging.Component("engine").With("rollup", w.spec.String())
	ticker := time.NewTicker(w.e.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.drain()
			n := w.open()
			err := w.flush(context.Background(), nil)
			log.Debug("worker stopped", "flushed", n)
			return err
		case <-ticker.C:
			w.drain()
			now := w.e.now()
			if err := w.flush(ctx, &now); err != nil {
				log.Error("write buckets", "error", err)
			}
		}
	}
}

// drain moves every queued point into its bucket. Points already outside
// the retained span are dropped.
func (w *worker) drain() {
	w.mu.Lock()
	defer w.mu.Unlock()

	oldest := int64(-1 << 63)
	if w.spec.TTL > 0 {
		oldest = w.e.now().Unix() - w.spec.TTL
	}

	dropped := 0
	for {
		points := w.q.Pop(w.e.cfg.BatchSize)
		if len(points) == 0 {
			break
		}
		for _, p := range points {
			if p.Timestamp < oldest {
				dropped++
				continue
			}
			w.add(p)
		}
	}
	if dropped > 0 {
		metrics.PointsDropped.WithLabelValues(w.label).Add(float64(dropped))
	}
}

func (w *worker) add(p metric.Point) {
	key := bucketKey{path: p.Path, start: w.spec.Quantize(p.Timestamp)}
	agg, ok := w.buckets[key]
	if !ok {
		var err error
		agg, err = aggregate.New(p.Path, w.spec.Rollup, key.start, w.accuracy)
		if err != nil {
			// Only an invalid accuracy fails; fall back to plain statistics.
			agg, _ = aggregate.New(p.Path, w.spec.Rollup, key.start, 0)
		}
		w.buckets[key] = agg
	}
	agg.Add(p.Value, p.Timestamp)
}

// flush writes closed buckets, or every bucket when now is nil.
func (w *worker) flush(ctx context.Context, now *time.Time) error {
	w.mu.Lock()
	var closed []metric.Bucket
	var paths []string
	grace := int64(w.e.cfg.Grace / time.Second)
	for key, agg := range w.buckets {
		if now != nil && key.start+w.spec.Rollup+grace > now.Unix() {
			continue
		}
		closed = append(closed, agg.Bucket(w.e.method))
		delete(w.buckets, key)

		if _, ok := w.known[key.path]; !ok {
			w.known[key.path] = struct{}{}
			paths = append(paths, key.path)
		}
	}
	w.mu.Unlock()

	if len(closed) == 0 {
		return nil
	}
	sort.Slice(closed, func(i, j int) bool {
		if closed[i].Path != closed[j].Path {
			return closed[i].Path < closed[j].Path
		}
		return closed[i].Start < closed[j].Start
	})

	if err := w.e.store.Write(ctx, w.spec, closed); err != nil {
		metrics.StoreErrors.WithLabelValues("write").Inc()
		return fmt.Errorf("write %d buckets: %w", len(closed), err)
	}
	metrics.BucketsWritten.WithLabelValues(w.label).Add(float64(len(closed)))

	if len(paths) > 0 {
		sort.Strings(paths)
		if err := w.e.index.Add(ctx, paths...); err != nil {
			metrics.StoreErrors.WithLabelValues("index").Inc()
			w.forget(paths)
			return fmt.Errorf("index %d paths: %w", len(paths), err)
		}
	}
	return nil
}

// forget drops paths from the known set so the next flush retries them.
func (w *worker) forget(paths []string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, p := range paths {
		delete(w.known, p)
	}
}

func (w *worker) open() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.buckets)
}
