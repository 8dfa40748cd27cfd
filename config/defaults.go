// Package config provides configuration defaults for metricd.
//
// This package defines all configurable constants with documented defaults.
// Users can override these values via config.yaml or environment variables.
package config

import "time"

// =============================================================================
// Configuration Document
// =============================================================================

const (
	// DefaultConfigPath is used when neither a path argument, a process-level
	// override nor the METRICD_CONFIG environment variable is set.
	DefaultConfigPath = "/etc/metricd/config.yaml"

	// ConfigPathEnv names the environment variable holding the config path.
	ConfigPathEnv = "METRICD_CONFIG"
)

// =============================================================================
// Logging Defaults
// =============================================================================

const (
	// DefaultLogPattern selects the log output format.
	// Values: text, json, auto (text on a terminal, json otherwise).
	// Override via config: logging.pattern
	DefaultLogPattern = "auto"

	// DefaultLogLevel is the level applied to components without an override.
	// Override via config: logging.level, logging.levels.<component>
	DefaultLogLevel = "info"

	// DefaultLogConsole writes log records to stdout.
	// Override via config: logging.console
	DefaultLogConsole = true
)

// =============================================================================
// Pluggable Slot Defaults
// =============================================================================

const (
	// DefaultStore is the factory used when the store section is absent.
	// Override via config: store.use
	DefaultStore = "store/memory"

	// DefaultIndex is the factory used when the index section is absent.
	// Override via config: index.use
	DefaultIndex = "index/memory"

	// DefaultInput is the listener built when the input section is absent.
	// Override via config: input[].type
	DefaultInput = "input/carbon"

	// DefaultEngine is the processing engine factory.
	// Override via config: engine.use
	DefaultEngine = "engine/rollup"

	// DefaultAPI is the query API factory.
	// Override via config: api.use
	DefaultAPI = "api/http"
)

// =============================================================================
// Carbon Defaults
// =============================================================================

const (
	// DefaultCarbonHost is the carbon listener bind address.
	// Override via config: carbon.host
	DefaultCarbonHost = "0.0.0.0"

	// DefaultCarbonPort is the carbon plaintext port.
	// Override via config: carbon.port
	DefaultCarbonPort = 2003

	// DefaultCarbonReadTimeout closes idle carbon connections.
	// Override via config: carbon.readtimeout
	DefaultCarbonReadTimeout = "30s"

	// DefaultCarbonEnabled enables the carbon listener.
	// Override via config: carbon.enabled
	DefaultCarbonEnabled = true

	// DefaultRollup is compiled when carbon.rollups is not configured.
	// One minute resolution kept for one day.
	DefaultRollup = "60s:1d"
)

// =============================================================================
// HTTP Defaults
// =============================================================================

const (
	// DefaultHTTPHost is the API bind address.
	// Override via config: http.host
	DefaultHTTPHost = "0.0.0.0"

	// DefaultHTTPPort is the API port.
	// Override via config: http.port
	DefaultHTTPPort = 8080

	// DefaultHTTPEnabled enables the API listener.
	// Override via config: http.enabled
	DefaultHTTPEnabled = true

	// DefaultMaxDataPoints caps the points returned per series by the API
	// and is the fallback for rollups without an explicit maxDataPoints.
	// Override via config: http.maxDataPoints
	DefaultMaxDataPoints = 1680

	// DefaultHTTPShutdownTimeout bounds graceful API shutdown.
	DefaultHTTPShutdownTimeout = 10 * time.Second

	// DefaultHTTPRequestTimeout aborts API requests that run longer.
	DefaultHTTPRequestTimeout = 30 * time.Second

	// DefaultRenderFrom is how far back /render looks without a from
	// parameter.
	DefaultRenderFrom = "-1d"
)

// =============================================================================
// Queue Defaults
// =============================================================================

const (
	// DefaultQueueCapacity is the per-rollup point queue capacity.
	// Override via config: queues.capacity
	DefaultQueueCapacity = 100000

	// DefaultQueueHighWatermark is the usage ratio above which new points
	// are dropped.
	// Override via config: queues.high_watermark
	DefaultQueueHighWatermark = 0.95
)

// =============================================================================
// Engine Defaults
// =============================================================================

const (
	// DefaultEngineBatchSize is the number of points drained per iteration.
	// Override via config: engine.batch_size
	DefaultEngineBatchSize = 1000

	// DefaultEngineTickInterval is how often workers drain their queue.
	// Override via config: engine.tick_interval
	DefaultEngineTickInterval = 100 * time.Millisecond

	// DefaultEngineAggregation consolidates points inside one rollup bucket.
	// Override via config: engine.aggregation
	DefaultEngineAggregation = "avg"

	// DefaultPercentileAccuracy is the DDSketch relative accuracy.
	// Override via config: engine.accuracy
	DefaultPercentileAccuracy = 0.01

	// DefaultEngineGrace delays closing a bucket past its end so that
	// slightly late points still land in it.
	// Override via config: engine.grace
	DefaultEngineGrace = 5 * time.Second
)

// =============================================================================
// Store Defaults
// =============================================================================

const (
	// DefaultParquetFlushInterval is how often buffered buckets are written.
	// Override via config: store.flush_interval
	DefaultParquetFlushInterval = time.Minute

	// DefaultRetentionSweepInterval is how often expired files are removed.
	// Override via config: store.sweep_interval
	DefaultRetentionSweepInterval = time.Hour
)

// =============================================================================
// Shutdown Defaults
// =============================================================================

const (
	// DefaultStopTimeout bounds a single component stop. Zero waits forever.
	// Override via config: lifecycle.stop_timeout
	DefaultStopTimeout = 0 * time.Second
)
