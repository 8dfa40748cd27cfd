package api

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/xtxerr/metricd/config"
	"github.com/xtxerr/metricd/internal/aggregate"
	"github.com/xtxerr/metricd/internal/errors"
	"github.com/xtxerr/metricd/internal/retention"
)

// =============================================================================
// Health
// =============================================================================

// Health is the /health payload.
type Health struct {
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
	Rollups     []string  `json:"rollups"`
	Queued      int       `json:"queued"`
	OpenBuckets int       `json:"open_buckets"`
}

func (a *API) health(w http.ResponseWriter, r *http.Request) {
	h := Health{
		Status:    "healthy",
		Timestamp: a.now().UTC(),
		Queued:    a.queues.Len(),
	}
	for _, spec := range a.specs() {
		h.Rollups = append(h.Rollups, spec.String())
	}
	if o, ok := a.engine.(opener); ok {
		h.OpenBuckets = o.Open()
	}
	writeJSON(w, http.StatusOK, h)
}

// =============================================================================
// Find
// =============================================================================

// Node is one /metrics/find result. The index only knows complete series,
// so every node is a leaf.
type Node struct {
	ID   string `json:"id"`
	Text string `json:"text"`
	Leaf bool   `json:"leaf"`
}

func (a *API) find(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("query")
	if query == "" {
		writeError(w, http.StatusBadRequest, errors.NewMissingField("query"))
		return
	}

	paths, err := a.index.Find(r.Context(), query)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	nodes := make([]Node, 0, len(paths))
	for _, p := range paths {
		nodes = append(nodes, Node{ID: p, Text: p[strings.LastIndexByte(p, '.')+1:], Leaf: true})
	}
	writeJSON(w, http.StatusOK, nodes)
}

// =============================================================================
// Render
// =============================================================================

// Series is one rendered path. Each datapoint is [value, unix seconds].
type Series struct {
	Target     string       `json:"target"`
	Step       int64        `json:"step"`
	Datapoints [][2]float64 `json:"datapoints"`
}

// renderRequest is a parsed /render query.
type renderRequest struct {
	targets   []string
	from      int64
	until     int64
	maxPoints int
}

// key identifies requests that produce the same response.
func (q renderRequest) key() string {
	return fmt.Sprintf("%s|%d|%d|%d", strings.Join(q.targets, ","), q.from, q.until, q.maxPoints)
}

func (a *API) render(w http.ResponseWriter, r *http.Request) {
	req, err := a.parseRender(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	v, err, _ := a.renders.Do(req.key(), func() (any, error) {
		return a.fetchSeries(r.Context(), req)
	})
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (a *API) parseRender(r *http.Request) (renderRequest, error) {
	q := r.URL.Query()
	req := renderRequest{targets: q["target"]}
	if len(req.targets) == 0 {
		return req, errors.NewMissingField("target")
	}
	sort.Strings(req.targets)

	now := a.now().Unix()
	var err error
	if req.from, err = ParseTime(q.Get("from"), config.DefaultRenderFrom, now); err != nil {
		return req, err
	}
	if req.until, err = ParseTime(q.Get("until"), "now", now); err != nil {
		return req, err
	}
	if req.from >= req.until {
		return req, errors.NewValidation("from", "must be before until")
	}

	if s := q.Get("maxDataPoints"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			return req, errors.NewInvalidValue("maxDataPoints", s, "expected a positive integer")
		}
		req.maxPoints = n
	}
	return req, nil
}

// fetchSeries expands the targets through the index and reads every path
// from the finest rollup whose ttl covers the range.
func (a *API) fetchSeries(ctx context.Context, req renderRequest) ([]Series, error) {
	spec, ok := retention.Finest(a.specs(), req.until-req.from)
	if !ok {
		return nil, errors.NewNotFound("rollup", "any")
	}

	maxPoints := req.maxPoints
	if maxPoints == 0 {
		maxPoints = spec.MaxDataPoints
	}
	if maxPoints <= 0 || maxPoints > a.cfg.MaxDataPoints {
		maxPoints = a.cfg.MaxDataPoints
	}

	seen := make(map[string]bool)
	out := []Series{}
	for _, target := range req.targets {
		paths, err := a.index.Find(ctx, target)
		if err != nil {
			return nil, err
		}
		for _, path := range paths {
			if seen[path] {
				continue
			}
			seen[path] = true

			buckets, err := a.store.Fetch(ctx, path, spec.Rollup, spec.Quantize(req.from), req.until)
			if err != nil {
				return nil, fmt.Errorf("fetch %s: %w", path, err)
			}
			buckets = aggregate.Consolidate(buckets, maxPoints)

			s := Series{Target: path, Step: spec.Rollup, Datapoints: make([][2]float64, len(buckets))}
			if len(buckets) > 0 {
				s.Step = buckets[0].Rollup
			}
			for i, b := range buckets {
				s.Datapoints[i] = [2]float64{b.Value, float64(b.Start)}
			}
			out = append(out, s)
		}
	}
	return out, nil
}

// ParseTime parses a render time: unix seconds, "now", or a relative
// offset such as "-1h" or "now-30m". An empty value uses def.
func ParseTime(s, def string, now int64) (int64, error) {
	if s == "" {
		s = def
	}
	if s == "now" {
		return now, nil
	}
	if rel, ok := strings.CutPrefix(s, "now"); ok {
		s = rel
	}
	if rel, ok := strings.CutPrefix(s, "-"); ok {
		d, err := retention.ParseDuration(rel)
		if err != nil {
			return 0, err
		}
		return now - d, nil
	}
	ts, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, errors.NewInvalidValue("time", s, "expected unix seconds, now or -<duration>")
	}
	return ts, nil
}

// statusFor maps query errors to a status code.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errors.ErrInvalidPattern), errors.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, errors.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errors.ErrNotRunning):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
