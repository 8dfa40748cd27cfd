package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xtxerr/metricd/internal/logging"
	"github.com/xtxerr/metricd/internal/metrics"
)

// router builds the chi router.
//
// Routes:
//   - GET /health: liveness with queue and engine figures
//   - GET /metrics: Prometheus exposition
//   - GET /metrics/find?query=: series paths matching a glob
//   - GET /render?target=&from=&until=&maxDataPoints=: datapoints
func (a *API) router() http.Handler {
	r := chi.NewRouter()

	// Middleware stack - order matters
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(a.cfg.RequestTimeout))

	r.Get("/health", a.health)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/metrics/find", a.find)
	r.Get("/render", a.render)

	return r
}

// requestLogger logs every request and records the request metrics under
// the matched route pattern.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		log := logging.Component("api")

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		endpoint := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			endpoint = rc.RoutePattern()
		}
		duration := time.Since(start)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		metrics.RequestsTotal.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
		metrics.RequestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())

		log.Debug("request completed",
			"request_id", middleware.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"bytes", ww.BytesWritten(),
			"duration", duration.String(),
		)
	})
}

// errorResponse is the body of every non-2xx reply.
type errorResponse struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

// writeJSON writes data with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logging.Component("api").Warn("encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Status: "error", Error: err.Error()})
}
