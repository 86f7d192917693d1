// Package metrics provides Prometheus instrumentation for the settlement engine.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "walletd",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "walletd",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// TransactionsTotal counts ledger transactions by type and status.
	TransactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "walletd",
			Name:      "transactions_total",
			Help:      "Total ledger transactions recorded by type and status.",
		},
		[]string{"type", "status"},
	)

	// EscrowTransitionsTotal counts escrow state transitions by outcome.
	EscrowTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "walletd",
			Name:      "escrow_transitions_total",
			Help:      "Total escrow state transitions by target status.",
		},
		[]string{"status"},
	)

	// EscrowsHeld tracks the number of currently open escrows.
	EscrowsHeld = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "walletd",
			Name:      "escrows_held",
			Help:      "Escrows currently in held or disputed state.",
		},
	)

	// SweepRunsTotal counts sweep invocations by job and result.
	SweepRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "walletd",
			Name:      "sweep_runs_total",
			Help:      "Total sweep job invocations by job name and result.",
		},
		[]string{"job", "result"},
	)

	// SweepItemsTotal counts items processed by sweep jobs.
	SweepItemsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "walletd",
			Name:      "sweep_items_total",
			Help:      "Total items affected or failed by sweep jobs.",
		},
		[]string{"job", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		TransactionsTotal,
		EscrowTransitionsTotal,
		EscrowsHeld,
		SweepRunsTotal,
		SweepItemsTotal,
	)
}

// Middleware records request counts and latency per route pattern.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		// Use the route pattern, not the raw URL, to keep cardinality bounded.
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		status := strconv.Itoa(c.Writer.Status())
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		HTTPRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// Handler returns the /metrics endpoint handler.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordTransaction increments the transaction counter.
func RecordTransaction(txType, status string) {
	TransactionsTotal.WithLabelValues(txType, status).Inc()
}

// RecordEscrowTransition increments the escrow transition counter.
func RecordEscrowTransition(status string) {
	EscrowTransitionsTotal.WithLabelValues(status).Inc()
}

// RecordSweep records a sweep run and its item outcomes.
func RecordSweep(job string, affected, failed int) {
	result := "ok"
	if failed > 0 {
		result = "partial"
	}
	SweepRunsTotal.WithLabelValues(job, result).Inc()
	SweepItemsTotal.WithLabelValues(job, "affected").Add(float64(affected))
	SweepItemsTotal.WithLabelValues(job, "failed").Add(float64(failed))
}
