// Package metrics exposes Prometheus instrumentation for the connection
// pool and query path, adapted from the teacher's per-tenant collector but
// scoped to the single backend a Pool manages.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds all Prometheus metrics for the pool and its queries.
type Collector struct {
	Registry *prometheus.Registry

	connectionsIdle  prometheus.Gauge
	connectionsTotal *prometheus.CounterVec
	queryDuration    *prometheus.HistogramVec
	backendHealth    prometheus.Gauge

	authFailures        *prometheus.CounterVec
	healthCheckDuration *prometheus.HistogramVec
	healthCheckErrors   *prometheus.CounterVec

	transactionsTotal   *prometheus.CounterVec
	transactionDuration prometheus.Histogram
	busyRejections      prometheus.Counter
}

// New creates and registers all Prometheus metrics using a custom registry.
// Safe to call multiple times (e.g., in tests or on config reload) — each
// call creates an independent registry that doesn't conflict with others.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		connectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mysqlclient_pool_idle_connections",
				Help: "Number of idle connections currently cached by the pool",
			},
		),
		connectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mysqlclient_connections_opened_total",
				Help: "Total connections dialed, by outcome",
			},
			[]string{"outcome"},
		),
		queryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mysqlclient_query_duration_seconds",
				Help:    "Duration of Query calls in seconds",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
			},
			[]string{"outcome"},
		),
		backendHealth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mysqlclient_backend_health",
				Help: "Health status of the configured backend (1=healthy, 0=unhealthy)",
			},
		),
		authFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mysqlclient_auth_failures_total",
				Help: "Authentication failures during handshake, by reason",
			},
			[]string{"reason"},
		),
		healthCheckDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mysqlclient_health_check_duration_seconds",
				Help:    "Duration of ping-based health check probes",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
			},
			[]string{"status"},
		),
		healthCheckErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mysqlclient_health_check_errors_total",
				Help: "Health check errors by type",
			},
			[]string{"error_type"},
		),
		transactionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mysqlclient_transactions_total",
				Help: "Completed transactions, by outcome",
			},
			[]string{"outcome"},
		),
		transactionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "mysqlclient_transaction_duration_seconds",
				Help:    "Duration from Begin to Commit/Rollback",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
			},
		),
		busyRejections: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "mysqlclient_busy_rejections_total",
				Help: "Synchronous Query calls rejected with BusyError",
			},
		),
	}

	reg.MustRegister(
		c.connectionsIdle,
		c.connectionsTotal,
		c.queryDuration,
		c.backendHealth,
		c.authFailures,
		c.healthCheckDuration,
		c.healthCheckErrors,
		c.transactionsTotal,
		c.transactionDuration,
		c.busyRejections,
	)

	return c
}

// QueryCompleted observes a query's duration, labeled "ok" or "error".
func (c *Collector) QueryCompleted(d time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.queryDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// SetBackendHealth sets the backend health gauge.
func (c *Collector) SetBackendHealth(healthy bool) {
	val := 0.0
	if healthy {
		val = 1.0
	}
	c.backendHealth.Set(val)
}

// ConnectionOpened records a dial attempt's outcome ("ok" or "error").
func (c *Collector) ConnectionOpened(err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.connectionsTotal.WithLabelValues(outcome).Inc()
}

// SetIdleConnections sets the idle-connection gauge from Pool.Idle().
func (c *Collector) SetIdleConnections(n int) {
	c.connectionsIdle.Set(float64(n))
}

// AuthFailure increments the auth failure counter by reason.
func (c *Collector) AuthFailure(reason string) {
	c.authFailures.WithLabelValues(reason).Inc()
}

// HealthCheckCompleted records a health check probe duration and result.
func (c *Collector) HealthCheckCompleted(d time.Duration, healthy bool) {
	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}
	c.healthCheckDuration.WithLabelValues(status).Observe(d.Seconds())
}

// HealthCheckError records a health check error by type.
func (c *Collector) HealthCheckError(errorType string) {
	c.healthCheckErrors.WithLabelValues(errorType).Inc()
}

// TransactionCompleted records a completed transaction's duration and
// whether it ended in COMMIT (committed=true) or ROLLBACK (false) — the
// outcome is the caller's choice of statement, not whether that statement
// itself errored.
func (c *Collector) TransactionCompleted(d time.Duration, committed bool) {
	outcome := "rollback"
	if committed {
		outcome = "commit"
	}
	c.transactionsTotal.WithLabelValues(outcome).Inc()
	c.transactionDuration.Observe(d.Seconds())
}

// BusyRejection increments the BusyError rejection counter.
func (c *Collector) BusyRejection() {
	c.busyRejections.Inc()
}
