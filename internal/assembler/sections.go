package assembler

import (
	"fmt"
	"io"

	"github.com/xtxerr/metricd/config"
	"github.com/xtxerr/metricd/internal/errors"
	"github.com/xtxerr/metricd/internal/loader"
	"github.com/xtxerr/metricd/internal/logging"
	"github.com/xtxerr/metricd/internal/registry"
	"github.com/xtxerr/metricd/internal/retention"
)

// =============================================================================
// Built-in section defaults
// =============================================================================

func loggingDefaults() map[string]any {
	return map[string]any{
		"pattern":  config.DefaultLogPattern,
		"console":  config.DefaultLogConsole,
		"external": "",
		"level":    config.DefaultLogLevel,
		"levels":   map[string]any{},
	}
}

func carbonDefaults() map[string]any {
	return map[string]any{
		"enabled":     config.DefaultCarbonEnabled,
		"host":        config.DefaultCarbonHost,
		"port":        config.DefaultCarbonPort,
		"readtimeout": config.DefaultCarbonReadTimeout,
		"rollups":     []any{config.DefaultRollup},
	}
}

func httpDefaults() map[string]any {
	return map[string]any{
		"enabled":       config.DefaultHTTPEnabled,
		"host":          config.DefaultHTTPHost,
		"port":          config.DefaultHTTPPort,
		"maxDataPoints": config.DefaultMaxDataPoints,
	}
}

// =============================================================================
// Logging
// =============================================================================

// initLogging merges the logging defaults and initialises logging. A bad
// logging section does not abort assembly: the default console logger is
// installed instead and the problem is reported as a warning.
func initLogging(doc *loader.Document, console io.Writer) (logging.Config, *logging.Handle) {
	var cfg logging.Config
	h, err := func() (*logging.Handle, error) {
		sec, err := section(doc, SectionLogging, loggingDefaults())
		if err != nil {
			return nil, err
		}
		if err := sec.Decode(&cfg); err != nil {
			return nil, err
		}
		return startLogging(cfg, console)
	}()
	if err == nil {
		return cfg, h
	}

	cfg = logging.Config{
		Pattern: config.DefaultLogPattern,
		Console: config.DefaultLogConsole,
		Level:   config.DefaultLogLevel,
	}
	h, fallbackErr := startLogging(cfg, console)
	if fallbackErr != nil {
		// Only reachable if the defaults themselves are broken.
		panic(fmt.Sprintf("default logging config rejected: %v", fallbackErr))
	}
	logging.Component("assembler").Warn("invalid logging configuration, using defaults", "error", err)
	return cfg, h
}

func startLogging(cfg logging.Config, console io.Writer) (*logging.Handle, error) {
	if console == nil {
		return logging.Init(cfg)
	}
	return logging.InitWithWriter(cfg, console)
}

// =============================================================================
// Carbon
// =============================================================================

type carbonConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Host        string `mapstructure:"host" validate:"required"`
	Port        int    `mapstructure:"port" validate:"min=0,max=65535"`
	ReadTimeout any    `mapstructure:"readtimeout"`
	Rollups     any    `mapstructure:"rollups"`
}

func decodeCarbon(sec registry.Options, defaultMaxDataPoints int) (Carbon, error) {
	var cc carbonConfig
	if err := sec.Decode(&cc); err != nil {
		return Carbon{}, errors.Wrap(err, SectionCarbon)
	}

	timeout, err := retention.Duration(cc.ReadTimeout)
	if err != nil {
		return Carbon{}, errors.Wrap(err, "carbon.readtimeout")
	}

	defs, err := retention.ParseDefs(cc.Rollups)
	if err != nil {
		return Carbon{}, errors.Wrap(err, "carbon")
	}
	if len(defs) == 0 {
		defs = []retention.RollupDef{retention.Shorthand(config.DefaultRollup)}
	}
	specs, err := retention.Compile(defs, defaultMaxDataPoints)
	if err != nil {
		return Carbon{}, errors.Wrap(err, "carbon.rollups")
	}

	return Carbon{
		Enabled:     cc.Enabled,
		Host:        cc.Host,
		Port:        cc.Port,
		ReadTimeout: timeout,
		Rollups:     specs,
		Options:     sec,
	}, nil
}

// =============================================================================
// HTTP
// =============================================================================

type httpConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	Host          string `mapstructure:"host" validate:"required"`
	Port          int    `mapstructure:"port" validate:"min=0,max=65535"`
	MaxDataPoints int    `mapstructure:"maxDataPoints" validate:"min=1"`
}

func decodeHTTP(sec registry.Options) (HTTP, error) {
	var hc httpConfig
	if err := sec.Decode(&hc); err != nil {
		return HTTP{}, errors.Wrap(err, SectionHTTP)
	}
	return HTTP{
		Enabled:       hc.Enabled,
		Host:          hc.Host,
		Port:          hc.Port,
		MaxDataPoints: hc.MaxDataPoints,
		Options:       sec,
	}, nil
}
