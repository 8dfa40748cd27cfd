package loader

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/xtxerr/metricd/config"
	"github.com/xtxerr/metricd/internal/errors"
	"github.com/xtxerr/metricd/internal/logging"
)

func init() {
	logging.Discard()
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoad_PreservesSectionOrder(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.yaml", `
store:
  use: store/memory
carbon:
  rollups: ["10s:1h"]
http:
  port: 9090
logging:
  level: debug
`)

	doc, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	want := []string{"store", "carbon", "http", "logging"}
	got := doc.Sections()
	if len(got) != len(want) {
		t.Fatalf("sections = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sections[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if doc.Path != path {
		t.Errorf("Path = %q, want %q", doc.Path, path)
	}
}

func TestLoad_ExpandsEnv(t *testing.T) {
	t.Setenv("METRICD_TEST_PORT", "2004")
	path := writeFile(t, t.TempDir(), "config.yaml", "carbon:\n  port: ${METRICD_TEST_PORT}\n")

	doc, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	carbon, err := doc.Map("carbon")
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if carbon["port"] != 2004 {
		t.Errorf("port = %v (%T), want 2004", carbon["port"], carbon["port"])
	}
}

func TestLoad_Includes(t *testing.T) {
	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, "conf.d"), 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, dir, "conf.d/http.yaml", "http:\n  port: 9999\n")
	writeFile(t, dir, "conf.d/engine.yaml", "engine:\n  aggregation: max\n")
	path := writeFile(t, dir, "config.yaml", `
include:
  - conf.d/*.yaml
http:
  host: 127.0.0.1
  port: 8080
`)

	doc, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	http, _ := doc.Map("http")
	if http["host"] != "127.0.0.1" || http["port"] != 9999 {
		t.Errorf("http = %v, want host kept and port overridden", http)
	}
	engine, _ := doc.Map("engine")
	if engine["aggregation"] != "max" {
		t.Errorf("engine = %v", engine)
	}
}

func TestLoad_Errors(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name string
		path string
	}{
		{"missing file", filepath.Join(dir, "absent.yaml")},
		{"bad yaml", writeFile(t, dir, "bad.yaml", "store: [unclosed\n")},
		{"scalar top level", writeFile(t, dir, "scalar.yaml", "just a string\n")},
		{"bad include", writeFile(t, dir, "inc.yaml", "include: 42\n")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(tt.path); !errors.Is(err, errors.ErrConfigLoad) {
				t.Errorf("err = %v, want ErrConfigLoad", err)
			}
		})
	}
}

func TestParse_Empty(t *testing.T) {
	for _, in := range []string{"", "   \n", "~\n"} {
		doc, err := Parse([]byte(in))
		if err != nil {
			t.Fatalf("Parse(%q): %v", in, err)
		}
		if len(doc.Sections()) != 0 {
			t.Errorf("Parse(%q) sections = %v", in, doc.Sections())
		}
	}
}

func TestDocument_Immutable(t *testing.T) {
	doc, err := Parse([]byte("carbon:\n  rollups: [\"10s:1h\"]\n  tags: {a: 1}\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	carbon, _ := doc.Map("carbon")
	carbon["rollups"].([]any)[0] = "changed"
	carbon["tags"].(map[string]any)["a"] = 2
	carbon["new"] = true

	again, _ := doc.Map("carbon")
	if again["rollups"].([]any)[0] != "10s:1h" {
		t.Error("sequence in document was mutated through a copy")
	}
	if again["tags"].(map[string]any)["a"] != 1 {
		t.Error("nested mapping in document was mutated through a copy")
	}
	if _, ok := again["new"]; ok {
		t.Error("key added to copy leaked into document")
	}

	replaced := doc.With("carbon", map[string]any{"enabled": false})
	if c, _ := doc.Map("carbon"); c["enabled"] != nil {
		t.Error("With modified the original document")
	}
	if c, _ := replaced.Map("carbon"); c["enabled"] != false {
		t.Error("With did not replace the section")
	}
}

func TestDocument_MapAbsentAndWrongType(t *testing.T) {
	doc, err := Parse([]byte("input:\n  - type: input/carbon\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	m, err := doc.Map("store")
	if err != nil || m == nil || len(m) != 0 {
		t.Errorf("absent section: m=%v err=%v, want empty mapping", m, err)
	}
	if _, err := doc.Map("input"); err == nil {
		t.Error("expected error for sequence section read as mapping")
	}
}

func TestMerge(t *testing.T) {
	base := map[string]any{
		"host": "0.0.0.0",
		"port": 2003,
		"tls":  map[string]any{"enabled": false, "cert": "a.pem"},
	}
	over := map[string]any{
		"port": 2004,
		"tls":  map[string]any{"enabled": true},
	}

	got := Merge(base, over)
	if got["host"] != "0.0.0.0" || got["port"] != 2004 {
		t.Errorf("scalars: %v", got)
	}
	tls := got["tls"].(map[string]any)
	if tls["enabled"] != true || tls["cert"] != "a.pem" {
		t.Errorf("nested merge: %v", tls)
	}
	if base["port"] != 2003 || base["tls"].(map[string]any)["enabled"] != false {
		t.Error("Merge modified its base")
	}

	if got := Merge(nil, map[string]any{"a": 1}); got["a"] != 1 {
		t.Errorf("Merge(nil, ...) = %v", got)
	}
}

func TestResolvePath(t *testing.T) {
	t.Setenv(config.ConfigPathEnv, "")
	if got := ResolvePath("", ""); got != config.DefaultConfigPath {
		t.Errorf("default: got %q", got)
	}

	t.Setenv(config.ConfigPathEnv, "/from/env.yaml")
	if got := ResolvePath("", ""); got != "/from/env.yaml" {
		t.Errorf("env: got %q", got)
	}
	if got := ResolvePath("", "/override.yaml"); got != "/override.yaml" {
		t.Errorf("override: got %q", got)
	}
	if got := ResolvePath("/explicit.yaml", "/override.yaml"); got != "/explicit.yaml" {
		t.Errorf("explicit: got %q", got)
	}
}

func TestWatcher_SignalsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", "http:\n  port: 8080\n")
	writeFile(t, dir, "other.yaml", "x: 1\n")

	w, err := NewWatcher(path, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Close()

	writeFile(t, dir, "config.yaml", "http:\n  port: 9090\n")

	select {
	case <-w.Changes():
	case <-time.After(5 * time.Second):
		t.Fatal("no change signalled")
	}

	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
