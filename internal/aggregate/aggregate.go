// Package aggregate consolidates points falling into one rollup bucket.
package aggregate

import (
	"fmt"
	"math"
	"strings"

	"github.com/DataDog/sketches-go/ddsketch"

	"github.com/xtxerr/metricd/internal/metric"
)

// Method selects how a bucket's points become its value.
type Method string

const (
	Avg   Method = "avg"
	Sum   Method = "sum"
	Min   Method = "min"
	Max   Method = "max"
	Last  Method = "last"
	Count Method = "count"
	P50   Method = "p50"
	P90   Method = "p90"
	P95   Method = "p95"
	P99   Method = "p99"
)

var quantiles = map[Method]float64{
	P50: 0.50,
	P90: 0.90,
	P95: 0.95,
	P99: 0.99,
}

// ParseMethod parses an aggregation method name. Empty means avg.
func ParseMethod(s string) (Method, error) {
	m := Method(strings.ToLower(s))
	switch m {
	case "":
		return Avg, nil
	case Avg, Sum, Min, Max, Last, Count, P50, P90, P95, P99:
		return m, nil
	default:
		return "", fmt.Errorf("unknown aggregation method %q", s)
	}
}

// NeedsSketch returns true if the method requires percentile tracking.
func (m Method) NeedsSketch() bool {
	_, ok := quantiles[m]
	return ok
}

// Streaming maintains running statistics for a single bucket.
// It is not safe for concurrent use; each engine worker owns its buckets.
type Streaming struct {
	path   string
	rollup int64
	start  int64

	count  int64
	sum    float64
	min    float64
	max    float64
	last   float64
	lastTs int64

	// DDSketch for percentiles (nil unless the method needs one)
	sketch *ddsketch.DDSketch
}

// New creates an aggregate for the bucket starting at start.
// accuracy is the sketch relative accuracy; zero disables percentiles.
func New(path string, rollup, start int64, accuracy float64) (*Streaming, error) {
	a := &Streaming{
		path:   path,
		rollup: rollup,
		start:  start,
		min:    math.MaxFloat64,
		max:    -math.MaxFloat64,
	}
	if accuracy > 0 {
		sketch, err := ddsketch.NewDefaultDDSketch(accuracy)
		if err != nil {
			return nil, fmt.Errorf("create sketch: %w", err)
		}
		a.sketch = sketch
	}
	return a, nil
}

// Add adds a value observed at ts.
func (a *Streaming) Add(value float64, ts int64) {
	a.count++
	a.sum += value

	if value < a.min {
		a.min = value
	}
	if value > a.max {
		a.max = value
	}
	if a.count == 1 || ts >= a.lastTs {
		a.last = value
		a.lastTs = ts
	}

	if a.sketch != nil {
		// Add only fails for values the sketch mapping cannot index.
		_ = a.sketch.Add(value)
	}
}

// Count returns the number of values added.
func (a *Streaming) Count() int64 {
	return a.count
}

// Start returns the bucket start.
func (a *Streaming) Start() int64 {
	return a.start
}

// Bucket returns the consolidated bucket under method m.
func (a *Streaming) Bucket(m Method) metric.Bucket {
	b := metric.Bucket{
		Path:   a.path,
		Rollup: a.rollup,
		Start:  a.start,
		Count:  a.count,
		Sum:    a.sum,
	}
	if a.count == 0 {
		return b
	}
	b.Min = a.min
	b.Max = a.max

	switch m {
	case Sum:
		b.Value = a.sum
	case Min:
		b.Value = a.min
	case Max:
		b.Value = a.max
	case Last:
		b.Value = a.last
	case Count:
		b.Value = float64(a.count)
	case P50, P90, P95, P99:
		if a.sketch != nil {
			if v, err := a.sketch.GetValueAtQuantile(quantiles[m]); err == nil {
				b.Value = v
				break
			}
		}
		b.Value = a.sum / float64(a.count)
	default:
		b.Value = a.sum / float64(a.count)
	}
	return b
}

// Merge combines another aggregate of the same bucket into this one.
func (a *Streaming) Merge(other *Streaming) error {
	if other == nil || other.count == 0 {
		return nil
	}
	if other.path != a.path || other.start != a.start || other.rollup != a.rollup {
		return fmt.Errorf("merge %s@%d into %s@%d: different buckets", other.path, other.start, a.path, a.start)
	}

	a.count += other.count
	a.sum += other.sum
	if other.min < a.min {
		a.min = other.min
	}
	if other.max > a.max {
		a.max = other.max
	}
	if other.lastTs >= a.lastTs {
		a.last = other.last
		a.lastTs = other.lastTs
	}

	if a.sketch != nil && other.sketch != nil {
		return a.sketch.MergeWith(other.sketch)
	}
	return nil
}

// Consolidate reduces buckets to at most maxPoints by averaging the values
// of runs of adjacent buckets. Buckets must be ordered by Start.
func Consolidate(buckets []metric.Bucket, maxPoints int) []metric.Bucket {
	if maxPoints <= 0 || len(buckets) <= maxPoints {
		return buckets
	}

	step := (len(buckets) + maxPoints - 1) / maxPoints
	out := make([]metric.Bucket, 0, maxPoints)
	for i := 0; i < len(buckets); i += step {
		end := i + step
		if end > len(buckets) {
			end = len(buckets)
		}

		merged := buckets[i]
		merged.Rollup = buckets[i].Rollup * int64(step)
		var total float64
		for _, b := range buckets[i+1 : end] {
			merged.Count += b.Count
			merged.Sum += b.Sum
			if b.Min < merged.Min {
				merged.Min = b.Min
			}
			if b.Max > merged.Max {
				merged.Max = b.Max
			}
		}
		for _, b := range buckets[i:end] {
			total += b.Value
		}
		merged.Value = total / float64(end-i)
		out = append(out, merged)
	}
	return out
}
