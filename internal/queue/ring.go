package queue

import (
	"sync"

	"github.com/xtxerr/metricd/internal/metric"
)

// Ring is a bounded FIFO of points. A push into a full ring is refused,
// never overwriting queued points.
type Ring struct {
	mu    sync.Mutex
	slots []metric.Point
	first int // index of the oldest point
	size  int

	pushed, popped, dropped int64
}

// NewRing returns a ring holding at most capacity points.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultConfig().Capacity
	}
	return &Ring{slots: make([]metric.Point, capacity)}
}

// Push appends p. It reports false when the ring is full.
func (r *Ring) Push(p metric.Point) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size == len(r.slots) {
		r.dropped++
		return false
	}
	r.slots[(r.first+r.size)%len(r.slots)] = p
	r.size++
	r.pushed++
	return true
}

// PopN removes up to n points, oldest first.
func (r *Ring) PopN(n int) []metric.Point {
	r.mu.Lock()
	defer r.mu.Unlock()

	n = min(n, r.size)
	if n <= 0 {
		return nil
	}

	out := make([]metric.Point, n)
	for i := range out {
		j := (r.first + i) % len(r.slots)
		out[i] = r.slots[j]
		r.slots[j] = metric.Point{}
	}
	r.first = (r.first + n) % len(r.slots)
	r.size -= n
	r.popped += int64(n)
	return out
}

// Len returns the number of queued points.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Cap returns the ring capacity.
func (r *Ring) Cap() int {
	return len(r.slots)
}

// UsageRatio returns Len/Cap.
func (r *Ring) UsageRatio() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return float64(r.size) / float64(len(r.slots))
}

// RingStats is a snapshot of a ring's counters.
type RingStats struct {
	Capacity   int
	Count      int
	UsageRatio float64
	PushCount  int64
	PopCount   int64
	DropCount  int64
}

// Stats returns a snapshot of the ring counters.
func (r *Ring) Stats() RingStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RingStats{
		Capacity:   len(r.slots),
		Count:      r.size,
		UsageRatio: float64(r.size) / float64(len(r.slots)),
		PushCount:  r.pushed,
		PopCount:   r.popped,
		DropCount:  r.dropped,
	}
}
