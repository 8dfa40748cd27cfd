package carbon

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/xtxerr/metricd/internal/errors"
	"github.com/xtxerr/metricd/internal/logging"
	"github.com/xtxerr/metricd/internal/metric"
	"github.com/xtxerr/metricd/internal/registry"
)

func init() {
	logging.Discard()
}

// recorder is a metric.Sink that keeps every point.
type recorder struct {
	mu     sync.Mutex
	points []metric.Point
}

func (r *recorder) Start(ctx context.Context) error { return nil }
func (r *recorder) Stop(ctx context.Context) error  { return nil }

func (r *recorder) Push(points []metric.Point) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.points = append(r.points, points...)
	return len(points)
}

func (r *recorder) snapshot() []metric.Point {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]metric.Point(nil), r.points...)
}

func (r *recorder) waitFor(t *testing.T, n int) []metric.Point {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := r.snapshot(); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("received %d points, want %d", len(r.snapshot()), n)
	return nil
}

func newInput(t *testing.T, opts registry.Options) (*Input, *recorder) {
	t.Helper()
	r := registry.New()
	if err := Register(r); err != nil {
		t.Fatalf("Register: %v", err)
	}
	base := registry.Options{"host": "127.0.0.1", "port": 0}
	rec := &recorder{}
	c, err := r.Resolve(registry.Fragment{
		Slot:    "input[0]",
		Name:    Name,
		Options: base.Merge(opts),
		Deps:    registry.Dependencies{"queues": rec},
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	return c.(*Input), rec
}

func TestInput_ReceivesLines(t *testing.T) {
	in, rec := newInput(t, nil)
	in.now = func() time.Time { return time.Unix(5000, 0) }
	ctx := context.Background()

	if err := in.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer in.Stop(ctx)

	conn, err := net.Dial("tcp", in.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	fmt.Fprint(conn, "a.b 1.5 1000\n")
	fmt.Fprint(conn, "garbage line\n")
	fmt.Fprint(conn, "a.c 2 -1\r\n")
	fmt.Fprint(conn, "a.d 3 1001.9")
	conn.Close()

	got := rec.waitFor(t, 3)
	want := []metric.Point{
		{Path: "a.b", Value: 1.5, Timestamp: 1000},
		{Path: "a.c", Value: 2, Timestamp: 5000},
		{Path: "a.d", Value: 3, Timestamp: 1001},
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("point %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestInput_SkipsOverlongLines(t *testing.T) {
	in, rec := newInput(t, nil)
	ctx := context.Background()
	if err := in.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer in.Stop(ctx)

	conn, err := net.Dial("tcp", in.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	fmt.Fprintf(conn, "%s 1 1000\n", strings.Repeat("x", 3*maxLineLength))
	fmt.Fprint(conn, "a.b 2 1000\n")
	conn.Close()

	got := rec.waitFor(t, 1)
	time.Sleep(50 * time.Millisecond)
	if got = rec.snapshot(); len(got) != 1 || got[0].Path != "a.b" {
		t.Errorf("points = %+v, want only a.b", got)
	}
}

func TestReadLine(t *testing.T) {
	long := strings.Repeat("y", 64)
	tests := []struct {
		name    string
		input   string
		lines   []string
		tooLong []bool
	}{
		{name: "short lines", input: "a 1 1\nb 2 2\n", lines: []string{"a 1 1\n", "b 2 2\n"}, tooLong: []bool{false, false}},
		{name: "overlong then short", input: long + "\nc 3 3\n", lines: []string{"", "c 3 3\n"}, tooLong: []bool{true, false}},
		{name: "overlong without newline", input: long, lines: []string{""}, tooLong: []bool{true}},
		{name: "final line without newline", input: "d 4 4", lines: []string{"d 4 4"}, tooLong: []bool{false}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := bufio.NewReaderSize(strings.NewReader(tt.input), 16)
			for i := range tt.lines {
				line, tooLong, err := readLine(r)
				if err != nil && err != io.EOF {
					t.Fatalf("line %d: %v", i, err)
				}
				if line != tt.lines[i] || tooLong != tt.tooLong[i] {
					t.Errorf("line %d = %q, %v; want %q, %v", i, line, tooLong, tt.lines[i], tt.tooLong[i])
				}
			}
			if line, _, err := readLine(r); err != io.EOF || line != "" {
				t.Errorf("trailing read = %q, %v; want EOF", line, err)
			}
		})
	}
}

func TestInput_StopClosesConnections(t *testing.T) {
	in, _ := newInput(t, nil)
	ctx := context.Background()
	if err := in.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	conn, err := net.Dial("tcp", in.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	fmt.Fprint(conn, "a 1 1\n")

	done := make(chan error, 1)
	go func() { done <- in.Stop(ctx) }()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Stop: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked on an open connection")
	}

	// EOF or a reset, depending on whether the line was consumed first.
	conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil || errors.Is(err, os.ErrDeadlineExceeded) {
		t.Errorf("read after stop = %v, want closed connection", err)
	}
	if in.Addr() != nil {
		t.Errorf("still listening after stop")
	}
}

func TestInput_ReadTimeout(t *testing.T) {
	in, _ := newInput(t, registry.Options{"readtimeout": "50ms"})
	ctx := context.Background()
	if err := in.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer in.Stop(ctx)

	conn, err := net.Dial("tcp", in.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err != io.EOF {
		t.Errorf("idle connection read = %v, want EOF", err)
	}
}

func TestInput_Disabled(t *testing.T) {
	in, _ := newInput(t, registry.Options{"enabled": false})
	ctx := context.Background()
	if err := in.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if in.Addr() != nil {
		t.Errorf("disabled input is listening")
	}
	if err := in.Stop(ctx); err != nil {
		t.Errorf("Stop: %v", err)
	}
}

func TestInput_RateLimitCapsBatch(t *testing.T) {
	in, _ := newInput(t, registry.Options{"rate_limit": 10})
	if in.limiter == nil || in.cfg.BatchSize != 10 {
		t.Errorf("limiter = %v, batch = %d", in.limiter, in.cfg.BatchSize)
	}
}

func TestNew_Errors(t *testing.T) {
	r := registry.New()
	_ = Register(r)
	deps := registry.Dependencies{"queues": &recorder{}}

	_, err := r.Resolve(registry.Fragment{Slot: "input[0]", Name: Name, Options: registry.Options{"readtimeout": "soon"}, Deps: deps})
	if !errors.Is(err, errors.ErrInvalidConfig) {
		t.Errorf("bad readtimeout err = %v", err)
	}

	_, err = r.Resolve(registry.Fragment{Slot: "input[0]", Name: Name, Options: registry.Options{"port": 70000}, Deps: deps})
	if !errors.Is(err, errors.ErrInvalidConfig) {
		t.Errorf("bad port err = %v", err)
	}

	_, err = r.Resolve(registry.Fragment{Slot: "input[0]", Name: Name})
	if !errors.Is(err, errors.ErrUnknownDependency) {
		t.Errorf("missing queues err = %v", err)
	}
}

func TestParseLine(t *testing.T) {
	now := func() time.Time { return time.Unix(42, 0) }
	tests := []struct {
		line    string
		want    metric.Point
		wantErr bool
	}{
		{line: "x.y 1 100", want: metric.Point{Path: "x.y", Value: 1, Timestamp: 100}},
		{line: "x.y  -2.5e3   100", want: metric.Point{Path: "x.y", Value: -2500, Timestamp: 100}},
		{line: "x.y 1 -1", want: metric.Point{Path: "x.y", Value: 1, Timestamp: 42}},
		{line: "x.y 1", wantErr: true},
		{line: "x.y nan 100", wantErr: true},
		{line: "x.y 1 abc", wantErr: true},
		{line: "x.y 1 2 3", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseLine(tt.line, now)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLine(%q) err = %v", tt.line, err)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseLine(%q) = %+v, want %+v", tt.line, got, tt.want)
		}
	}
}
