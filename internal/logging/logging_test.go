package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestInit_ComponentOverrides(t *testing.T) {
	var buf bytes.Buffer
	h, err := InitWithWriter(Config{
		Pattern: "text",
		Console: true,
		Level:   "warn",
		Levels:  map[string]string{"engine": "debug"},
	}, &buf)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer h.Close()
	defer Discard()

	Component("engine").Debug("engine detail")
	Component("api").Info("api chatter")
	Component("api").Warn("api warning")

	out := buf.String()
	if !strings.Contains(out, "engine detail") {
		t.Errorf("engine override should allow debug, got:\n%s", out)
	}
	if strings.Contains(out, "api chatter") {
		t.Errorf("api info should be filtered at warn level, got:\n%s", out)
	}
	if !strings.Contains(out, "api warning") {
		t.Errorf("api warning missing, got:\n%s", out)
	}
}

func TestInit_JSONPattern(t *testing.T) {
	var buf bytes.Buffer
	h, err := InitWithWriter(Config{Pattern: "json", Console: true}, &buf)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer h.Close()
	defer Discard()

	Info("hello", "k", "v")
	if !strings.HasPrefix(strings.TrimSpace(buf.String()), "{") {
		t.Errorf("expected JSON record, got %q", buf.String())
	}
}

func TestInit_ExternalFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metricd.log")
	h, err := InitWithWriter(Config{Pattern: "text", External: path}, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer Discard()

	Info("to file")
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "to file") {
		t.Errorf("log file missing record: %q", data)
	}
}

func TestClose_FallsBackToConsole(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metricd.log")
	var console bytes.Buffer
	h, err := InitWithWriter(Config{Pattern: "text", External: path}, &console)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer Discard()

	Info("before close")
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	Component("app").Warn("after close")

	if !strings.Contains(console.String(), "after close") {
		t.Errorf("record after Close lost, console = %q", console.String())
	}
	if strings.Contains(console.String(), "before close") {
		t.Errorf("file-only record reached the console: %q", console.String())
	}
}

func TestInit_InvalidLevel(t *testing.T) {
	if _, err := InitWithWriter(Config{Level: "loud"}, &bytes.Buffer{}); err == nil {
		t.Fatal("expected error for unknown level")
	}
	if _, err := InitWithWriter(Config{Levels: map[string]string{"x": "nope"}}, &bytes.Buffer{}); err == nil {
		t.Fatal("expected error for unknown override level")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		wantErr bool
	}{
		{"debug", false},
		{"INFO", false},
		{"", false},
		{"warning", false},
		{"error", false},
		{"trace", true},
	}
	for _, tt := range tests {
		if _, err := ParseLevel(tt.in); (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) err=%v, wantErr=%v", tt.in, err, tt.wantErr)
		}
	}
}
