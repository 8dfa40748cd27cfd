package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/xtxerr/metricd/internal/engine"
	"github.com/xtxerr/metricd/internal/errors"
	indexmemory "github.com/xtxerr/metricd/internal/index/memory"
	"github.com/xtxerr/metricd/internal/logging"
	"github.com/xtxerr/metricd/internal/metric"
	"github.com/xtxerr/metricd/internal/queue"
	"github.com/xtxerr/metricd/internal/registry"
	"github.com/xtxerr/metricd/internal/retention"
	storememory "github.com/xtxerr/metricd/internal/store/memory"
)

func init() {
	logging.Discard()
}

type fixture struct {
	api   *API
	store metric.Store
	index metric.Index
	specs []retention.RollupSpec
}

func setup(t *testing.T, opts registry.Options) *fixture {
	t.Helper()

	r := registry.New()
	if err := r.Use(
		registry.ModuleFunc(storememory.Register),
		registry.ModuleFunc(indexmemory.Register),
		registry.ModuleFunc(engine.Register),
		registry.ModuleFunc(Register),
	); err != nil {
		t.Fatalf("Use: %v", err)
	}

	specs, err := retention.Compile([]retention.RollupDef{
		retention.Shorthand("10s:1h"),
		retention.Shorthand("60s:1d"),
	}, 100)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	queues, err := queue.BuildSet(specs, nil)
	if err != nil {
		t.Fatalf("BuildSet: %v", err)
	}

	store, err := r.Resolve(registry.Fragment{Slot: "store", Name: storememory.Name})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	index, err := r.Resolve(registry.Fragment{Slot: "index", Name: indexmemory.Name})
	if err != nil {
		t.Fatalf("index: %v", err)
	}
	deps := registry.Dependencies{"store": store, "index": index, "queues": queues}
	eng, err := r.Resolve(registry.Fragment{Slot: "engine", Name: engine.Name, Deps: deps})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}

	apiDeps := registry.Dependencies{"store": store, "index": index, "queues": queues, "engine": eng}
	c, err := r.Resolve(registry.Fragment{Slot: "api", Name: Name, Options: opts, Deps: apiDeps})
	if err != nil {
		t.Fatalf("api: %v", err)
	}

	f := &fixture{api: c.(*API), store: store.(metric.Store), index: index.(metric.Index), specs: specs}
	f.api.now = func() time.Time { return time.Unix(10000, 0) }
	return f
}

func (f *fixture) write(t *testing.T, spec retention.RollupSpec, path string, values map[int64]float64) {
	t.Helper()
	ctx := context.Background()
	var buckets []metric.Bucket
	for start, v := range values {
		buckets = append(buckets, metric.Bucket{Path: path, Rollup: spec.Rollup, Start: start, Count: 1, Sum: v, Min: v, Max: v, Value: v})
	}
	if err := f.store.Write(ctx, spec, buckets); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := f.index.Add(ctx, path); err != nil {
		t.Fatalf("Add: %v", err)
	}
}

func get(t *testing.T, h http.Handler, url string, out any) int {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, url, nil))
	if out != nil && rec.Code == http.StatusOK {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			t.Fatalf("decode %s: %v (%s)", url, err, rec.Body.String())
		}
	}
	return rec.Code
}

func TestHealth(t *testing.T) {
	f := setup(t, nil)

	var h Health
	if code := get(t, f.api.Handler(), "/health", &h); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if h.Status != "healthy" || len(h.Rollups) != 2 || h.Rollups[0] != "10s:1h" {
		t.Errorf("health = %+v", h)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := setup(t, nil)
	rec := httptest.NewRecorder()
	f.api.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestFind(t *testing.T) {
	f := setup(t, nil)
	_ = f.index.Add(context.Background(), "a.b", "a.c", "x.y")
	h := f.api.Handler()

	var nodes []Node
	if code := get(t, h, "/metrics/find?query=a.*", &nodes); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if len(nodes) != 2 || nodes[0].ID != "a.b" || nodes[0].Text != "b" || !nodes[0].Leaf {
		t.Errorf("nodes = %+v", nodes)
	}

	if code := get(t, h, "/metrics/find", nil); code != http.StatusBadRequest {
		t.Errorf("missing query status = %d", code)
	}
	if code := get(t, h, "/metrics/find?query=a.%7Bb", nil); code != http.StatusBadRequest {
		t.Errorf("invalid pattern status = %d", code)
	}
}

func TestRender(t *testing.T) {
	f := setup(t, nil)
	f.write(t, f.specs[0], "a.b", map[int64]float64{9000: 1, 9010: 2, 9020: 3})
	f.write(t, f.specs[1], "a.b", map[int64]float64{9000: 7})
	h := f.api.Handler()

	tests := []struct {
		name string
		url  string
		step int64
		want [][2]float64
	}{
		{
			name: "finest rollup",
			url:  "/render?target=a.b&from=8990&until=9030",
			step: 10,
			want: [][2]float64{{1, 9000}, {2, 9010}, {3, 9020}},
		},
		{
			name: "consolidated",
			url:  "/render?target=a.*&from=8990&until=9030&maxDataPoints=2",
			step: 20,
			want: [][2]float64{{1.5, 9000}, {3, 9020}},
		},
		{
			name: "coarser rollup for a longer range",
			url:  "/render?target=a.b&from=-2h",
			step: 60,
			want: [][2]float64{{7, 9000}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var series []Series
			if code := get(t, h, tt.url, &series); code != http.StatusOK {
				t.Fatalf("status = %d", code)
			}
			if len(series) != 1 || series[0].Target != "a.b" || series[0].Step != tt.step {
				t.Fatalf("series = %+v", series)
			}
			got := series[0].Datapoints
			if len(got) != len(tt.want) {
				t.Fatalf("datapoints = %v, want %v", got, tt.want)
			}
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Errorf("datapoint %d = %v, want %v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestRender_UnknownTarget(t *testing.T) {
	f := setup(t, nil)
	var series []Series
	if code := get(t, f.api.Handler(), "/render?target=nothing.here", &series); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if len(series) != 0 {
		t.Errorf("series = %+v", series)
	}
}

func TestRender_BadRequest(t *testing.T) {
	f := setup(t, nil)
	h := f.api.Handler()
	for _, url := range []string{
		"/render",
		"/render?target=a&from=9000&until=9000",
		"/render?target=a&from=abc",
		"/render?target=a&maxDataPoints=0",
		"/render?target=a.%7Bb",
	} {
		if code := get(t, h, url, nil); code != http.StatusBadRequest {
			t.Errorf("%s status = %d, want 400", url, code)
		}
	}
}

func TestAPI_StartStop(t *testing.T) {
	f := setup(t, registry.Options{"host": "127.0.0.1", "port": 0})
	ctx := context.Background()
	if err := f.api.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	resp, err := http.Get("http://" + f.api.Addr().String() + "/health")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}

	if err := f.api.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if f.api.Addr() != nil {
		t.Errorf("still serving after stop")
	}
	if err := f.api.Stop(ctx); err != nil {
		t.Errorf("second Stop: %v", err)
	}
}

func TestAPI_Disabled(t *testing.T) {
	f := setup(t, registry.Options{"enabled": false})
	if err := f.api.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if f.api.Addr() != nil {
		t.Errorf("disabled api is listening")
	}
}

func TestNew_Errors(t *testing.T) {
	r := registry.New()
	_ = Register(r)

	_, err := r.Resolve(registry.Fragment{Slot: "api", Name: Name})
	if !errors.Is(err, errors.ErrUnknownDependency) {
		t.Errorf("missing deps err = %v", err)
	}

	_, err = r.Resolve(registry.Fragment{Slot: "api", Name: Name, Options: registry.Options{"maxDataPoints": 0}})
	if !errors.Is(err, errors.ErrInvalidConfig) {
		t.Errorf("bad maxDataPoints err = %v", err)
	}
}

func TestParseTime(t *testing.T) {
	const now = 100000
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{in: "", want: now - 86400},
		{in: "now", want: now},
		{in: "-1h", want: now - 3600},
		{in: "now-30m", want: now - 1800},
		{in: "12345", want: 12345},
		{in: "-1x", wantErr: true},
		{in: "yesterday", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseTime(tt.in, "-1d", now)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseTime(%q) err = %v", tt.in, err)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseTime(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
