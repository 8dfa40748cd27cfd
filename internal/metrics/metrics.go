// Package metrics holds the Prometheus collectors metricd exports about
// itself. They are registered with the default registry and served by the
// API at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Lifecycle metrics
	LifecycleState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "metricd_lifecycle_state",
			Help: "Current lifecycle state (0=built 1=starting 2=running 3=stopping 4=stopped)",
		},
	)

	ComponentStartSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "metricd_component_start_seconds",
			Help:    "Time taken to start a graph node",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"slot"},
	)

	ComponentStopSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "metricd_component_stop_seconds",
			Help:    "Time taken to stop a graph node",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"slot"},
	)

	ComponentErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metricd_component_errors_total",
			Help: "Start and stop failures per graph node",
		},
		[]string{"slot", "phase"},
	)

	Reloads = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "metricd_reloads_total",
			Help: "Number of graph rebuilds triggered by reload",
		},
	)

	// Ingestion metrics
	PointsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metricd_points_received_total",
			Help: "Points accepted by an input",
		},
		[]string{"input"},
	)

	PointsInvalid = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metricd_points_invalid_total",
			Help: "Input lines or varbinds that could not be parsed",
		},
		[]string{"input"},
	)

	PointsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metricd_points_dropped_total",
			Help: "Points dropped by a queue under backpressure",
		},
		[]string{"rollup"},
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "metricd_queue_depth",
			Help: "Points waiting in a rollup queue",
		},
		[]string{"rollup"},
	)

	// Engine and storage metrics
	BucketsWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metricd_buckets_written_total",
			Help: "Buckets written to the store",
		},
		[]string{"rollup"},
	)

	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metricd_store_errors_total",
			Help: "Failed store or index operations",
		},
		[]string{"op"},
	)

	FilesExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "metricd_files_expired_total",
			Help: "Data files deleted by the retention sweeper",
		},
	)

	// API metrics
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metricd_api_requests_total",
			Help: "Total number of API requests processed",
		},
		[]string{"endpoint", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "metricd_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)
)
