// Package metrics holds the Prometheus collectors for the terminal server.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Session metrics
var (
	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "labterm_sessions_active",
			Help: "Number of terminal sessions currently holding a sandbox",
		},
	)

	SessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "labterm_sessions_total",
			Help: "Terminal sessions by final outcome",
		},
		[]string{"outcome"}, // terminated, failed
	)

	SessionSetupDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "labterm_session_setup_duration_seconds",
			Help:    "Time from connect until the sandbox shell is attached",
			Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0, 120.0},
		},
	)

	CleanupErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "labterm_cleanup_errors_total",
			Help: "Sandbox teardown steps that failed",
		},
	)
)

// Validation metrics
var (
	ValidationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "labterm_validations_total",
			Help: "Validation runs by result",
		},
		[]string{"result"}, // success, failure, timeout, error
	)

	ValidationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "labterm_validation_duration_seconds",
			Help:    "Time to run a validation command in a sandbox",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 30.0, 60.0},
		},
	)
)

// Image and HTTP metrics
var (
	ImageBuildsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "labterm_image_builds_total",
			Help: "Sandbox image builds by result",
		},
		[]string{"result"}, // success, failure
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "labterm_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "route", "status"},
	)
)

func init() {
	prometheus.MustRegister(
		SessionsActive,
		SessionsTotal,
		SessionSetupDuration,
		CleanupErrorsTotal,
		ValidationsTotal,
		ValidationDuration,
		ImageBuildsTotal,
		HTTPRequestsTotal,
	)
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware counts requests by chi route pattern, so path parameters
// do not explode label cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
	})
}
