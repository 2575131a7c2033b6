// Package metrics provides Prometheus instrumentation for the farm engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OpensTotal counts successful position opens.
	OpensTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "farm_position_opens_total",
		Help: "Total number of positions opened",
	})

	// ClosesTotal counts close operations, partitioned by kind
	// (partial or full).
	ClosesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "farm_position_closes_total",
		Help: "Total number of close operations",
	}, []string{"kind"})

	// OperationFailures counts aborted open/close operations.
	OperationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "farm_operation_failures_total",
		Help: "Open/close operations aborted and rolled back",
	}, []string{"op"})

	// FlashLoanVolume accumulates flash loan principal borrowed.
	FlashLoanVolume = promauto.NewCounter(prometheus.CounterOpts{
		Name: "farm_flash_loan_volume_total",
		Help: "Cumulative flash loan principal in base asset units",
	})

	// SuppliedBalance tracks the position's supplied balance.
	SuppliedBalance = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "farm_supplied_balance",
		Help: "Current supplied balance in base asset units",
	})

	// BorrowedBalance tracks the position's borrowed balance.
	BorrowedBalance = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "farm_borrowed_balance",
		Help: "Current borrowed balance in base asset units",
	})

	// AchievedLeverage tracks the open position's achieved leverage ratio.
	AchievedLeverage = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "farm_achieved_leverage",
		Help: "Achieved leverage ratio of the open position",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "farm_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "farm_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "farm_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
