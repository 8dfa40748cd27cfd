package queue

import (
	"context"
	"testing"

	"github.com/xtxerr/metricd/internal/errors"
	"github.com/xtxerr/metricd/internal/logging"
	"github.com/xtxerr/metricd/internal/metric"
	"github.com/xtxerr/metricd/internal/registry"
	"github.com/xtxerr/metricd/internal/retention"
)

func init() {
	logging.Discard()
}

func rollups(t *testing.T, defs ...string) []retention.RollupSpec {
	t.Helper()
	var rd []retention.RollupDef
	for _, d := range defs {
		rd = append(rd, retention.Shorthand(d))
	}
	specs, err := retention.Compile(rd, 100)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	return specs
}

func points(n int) []metric.Point {
	out := make([]metric.Point, n)
	for i := range out {
		out[i] = metric.Point{Path: "a.b", Value: float64(i), Timestamp: int64(i)}
	}
	return out
}

func TestRing_PushPop(t *testing.T) {
	r := NewRing(3)
	for i, p := range points(4) {
		ok := r.Push(p)
		if ok != (i < 3) {
			t.Errorf("Push %d = %v", i, ok)
		}
	}
	if r.UsageRatio() != 1 {
		t.Errorf("UsageRatio = %f", r.UsageRatio())
	}

	got := r.PopN(2)
	if len(got) != 2 || got[0].Value != 0 || got[1].Value != 1 {
		t.Errorf("PopN = %+v", got)
	}
	if !r.Push(metric.Point{Value: 9}) {
		t.Error("push after pop should succeed")
	}
	got = r.PopN(10)
	if len(got) != 2 || got[0].Value != 2 || got[1].Value != 9 {
		t.Errorf("wraparound PopN = %+v", got)
	}

	s := r.Stats()
	if s.PushCount != 4 || s.PopCount != 4 || s.DropCount != 1 || s.Count != 0 {
		t.Errorf("Stats = %+v", s)
	}
}

func TestController_Levels(t *testing.T) {
	var changes []Level
	c := NewController(DefaultThresholds(1.0), func(_, new Level) {
		changes = append(changes, new)
	})

	steps := []struct {
		usage float64
		want  Level
	}{
		{0.1, LevelNormal},
		{0.72, LevelWarning},
		{0.9, LevelCritical},
		{1.0, LevelEmergency},
		{0.97, LevelEmergency}, // within hysteresis
		{0.9, LevelCritical},
		{0.5, LevelWarning}, // falls one level per check
		{0.5, LevelNormal},
	}
	for i, s := range steps {
		if got := c.Check(s.usage); got != s.want {
			t.Errorf("step %d usage %.2f: level = %s, want %s", i, s.usage, got, s.want)
		}
	}
	if len(changes) != 6 {
		t.Errorf("level changes = %v", changes)
	}
}

func TestBuildSet(t *testing.T) {
	s, err := BuildSet(rollups(t, "10s:1h", "1m:1d"), nil)
	if err != nil {
		t.Fatalf("BuildSet: %v", err)
	}
	members := s.Members()
	if len(members) != 2 || members[0].Spec().Rollup != 10 || members[1].Spec().Rollup != 60 {
		t.Errorf("members = %v", members)
	}
	if members[0].Stats().Capacity != DefaultConfig().Capacity {
		t.Errorf("capacity = %d", members[0].Stats().Capacity)
	}

	if _, err := BuildSet(nil, nil); err == nil {
		t.Error("expected error without rollups")
	}
	if _, err := BuildSet(rollups(t, "10s:1h"), registry.Options{"capacity": 0}); !errors.Is(err, errors.ErrInvalidConfig) {
		t.Errorf("err = %v, want ErrInvalidConfig", err)
	}
}

func TestSet_FanOutAndClose(t *testing.T) {
	s, err := BuildSet(rollups(t, "10s:1h", "1m:1d"), registry.Options{"capacity": 100})
	if err != nil {
		t.Fatalf("BuildSet: %v", err)
	}

	if n := s.Push(points(5)); n != 0 {
		t.Errorf("push before Start accepted %d", n)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if n := s.Push(points(5)); n != 5 {
		t.Errorf("accepted = %d, want 5", n)
	}
	for _, q := range s.Members() {
		if q.Len() != 5 {
			t.Errorf("rollup %d len = %d, want 5", q.Spec().Rollup, q.Len())
		}
	}
	if s.Len() != 10 {
		t.Errorf("Len = %d", s.Len())
	}

	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if n := s.Push(points(1)); n != 0 {
		t.Errorf("push after Stop accepted %d", n)
	}
	if got := s.Members()[0].Pop(10); len(got) != 5 {
		t.Errorf("drain after Stop = %d points", len(got))
	}
}

func TestQueue_DropsAtHighWatermark(t *testing.T) {
	s, err := BuildSet(rollups(t, "10s:1h"), registry.Options{"capacity": 10, "high_watermark": 0.5})
	if err != nil {
		t.Fatalf("BuildSet: %v", err)
	}
	_ = s.Start(context.Background())

	if n := s.Push(points(10)); n != 5 {
		t.Errorf("accepted = %d, want 5", n)
	}
	q := s.Members()[0]
	if q.Level() != LevelEmergency {
		t.Errorf("level = %s, want emergency", q.Level())
	}

	q.Pop(5)
	if q.Level() == LevelEmergency {
		t.Error("level should fall after draining")
	}
}
