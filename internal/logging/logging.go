// Package logging provides structured logging for metricd.
//
// This package wraps the standard library's log/slog package to provide
// consistent logging across all components. It supports text and JSON
// output, console and file destinations, and per-component level overrides.
//
// Usage:
//
//	// Initialize at startup, before any component is constructed
//	h, err := logging.Init(logging.Config{Pattern: "json", Console: true, Level: "info"})
//	defer h.Close()
//
//	// Get a component logger
//	log := logging.Component("engine")
//	log.Info("engine started", "workers", 3)
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// Logger is the global logger instance.
var Logger *slog.Logger

var mu sync.Mutex

// Config is the logging section of the configuration document.
type Config struct {
	// Pattern selects the output format: text, json or auto.
	Pattern string `mapstructure:"pattern"`

	// Console writes records to stdout.
	Console bool `mapstructure:"console"`

	// External is a file path records are appended to. Empty disables it.
	External string `mapstructure:"external"`

	// Level is the default minimum level.
	Level string `mapstructure:"level"`

	// Levels overrides the level per component name.
	Levels map[string]string `mapstructure:"levels"`
}

// Handle owns the outputs opened by Init.
type Handle struct {
	logger *slog.Logger
	file   *os.File
	once   sync.Once

	// fallback takes over the global logger when the file is closed.
	fallback slog.Handler
}

// Logger returns the logger configured by Init.
func (h *Handle) Logger() *slog.Logger {
	return h.logger
}

// Close releases the external log file, if any. Records logged afterwards
// go to the console instead of the closed file. Safe to call twice.
func (h *Handle) Close() error {
	var err error
	h.once.Do(func() {
		if h.file == nil {
			return
		}
		mu.Lock()
		if Logger != nil && Logger.Handler() == h.logger.Handler() {
			Logger = slog.New(h.fallback)
			slog.SetDefault(Logger)
		}
		mu.Unlock()
		err = h.file.Close()
	})
	return err
}

// Init configures the global logger from cfg and returns a handle that
// must be closed on shutdown.
func Init(cfg Config) (*Handle, error) {
	return InitWithWriter(cfg, os.Stdout)
}

// InitWithWriter is Init with the console destination replaced by w.
func InitWithWriter(cfg Config, console io.Writer) (*Handle, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	overrides := make(map[string]slog.Level, len(cfg.Levels))
	for name, lvl := range cfg.Levels {
		l, err := ParseLevel(lvl)
		if err != nil {
			return nil, fmt.Errorf("levels.%s: %w", name, err)
		}
		overrides[name] = l
	}

	h := &Handle{}
	var writers []io.Writer
	if cfg.Console {
		writers = append(writers, console)
	}
	if cfg.External != "" {
		f, err := os.OpenFile(cfg.External, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		h.file = f
		writers = append(writers, f)
	}

	var out io.Writer
	switch len(writers) {
	case 0:
		out = io.Discard
	case 1:
		out = writers[0]
	default:
		out = io.MultiWriter(writers...)
	}

	// The handler itself passes everything; the component filter decides.
	opts := &slog.HandlerOptions{
		Level:     slog.LevelDebug,
		AddSource: level == slog.LevelDebug,
	}

	useJSON := jsonFormat(cfg.Pattern, console)
	filtered := func(w io.Writer) slog.Handler {
		var next slog.Handler = slog.NewTextHandler(w, opts)
		if useJSON {
			next = slog.NewJSONHandler(w, opts)
		}
		return &levelFilter{next: next, level: level, overrides: overrides, effective: level}
	}

	h.logger = slog.New(filtered(out))
	h.fallback = filtered(console)
	InitWithHandler(h.logger.Handler())
	return h, nil
}

// InitWithHandler initializes the global logger with a custom handler.
// This is useful for testing or custom output destinations.
func InitWithHandler(handler slog.Handler) {
	mu.Lock()
	defer mu.Unlock()
	Logger = slog.New(handler)
	slog.SetDefault(Logger)
}

// Discard routes all logging to io.Discard. Tests call it to keep output quiet.
func Discard() {
	InitWithHandler(slog.NewTextHandler(io.Discard, nil))
}

func jsonFormat(pattern string, console io.Writer) bool {
	switch strings.ToLower(pattern) {
	case "json":
		return true
	case "text":
		return false
	}
	// auto: text for humans, json for collectors
	if f, ok := console.(*os.File); ok {
		return !term.IsTerminal(int(f.Fd()))
	}
	return false
}

// ParseLevel parses debug, info, warn or error. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

func global() *slog.Logger {
	mu.Lock()
	defer mu.Unlock()
	if Logger == nil {
		Logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return Logger
}

// With returns a new logger with additional attributes.
// These attributes are included in every log entry from the returned logger.
func With(args ...any) *slog.Logger {
	return global().With(args...)
}

// Component returns a logger for a specific component.
// The component name is added as an attribute to all log entries and
// selects the level override, if one is configured.
//
// Example:
//
//	log := logging.Component("engine")
//	log.Info("started") // Output: time=... level=INFO component=engine msg=started
func Component(name string) *slog.Logger {
	return global().With("component", name)
}

// Context key types for type-safe context value extraction.
type contextKey int

const (
	contextKeySlot contextKey = iota
)

// ContextWithSlot adds a graph slot name to the context for logging.
func ContextWithSlot(ctx context.Context, slot string) context.Context {
	return context.WithValue(ctx, contextKeySlot, slot)
}

// WithContext returns a logger that includes context values.
func WithContext(ctx context.Context) *slog.Logger {
	logger := global()
	if slot, ok := ctx.Value(contextKeySlot).(string); ok {
		logger = logger.With("slot", slot)
	}
	return logger
}

// =============================================================================
// Convenience Functions
// =============================================================================

// Debug logs at debug level.
func Debug(msg string, args ...any) { global().Debug(msg, args...) }

// Info logs at info level.
func Info(msg string, args ...any) { global().Info(msg, args...) }

// Warn logs at warning level.
func Warn(msg string, args ...any) { global().Warn(msg, args...) }

// Error logs at error level.
func Error(msg string, args ...any) { global().Error(msg, args...) }
