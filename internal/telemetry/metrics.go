// Package telemetry provides application-level observability for the audit subsystem.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and are
// automatically available on the side-channel HTTP server started by main.go:
//
//	GET http(s)://<host>:<PLT_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// Default port: 9090.  The endpoint returns data in the Prometheus text exposition
// format and is intended to be scraped by a Prometheus server every 15–60 seconds.
// It is NOT served by the Gin router, so it never competes with the audit API.
//
// # Metric Groups
//
//   - HTTP request counters and latency histograms (labelled by route template, not raw URL)
//   - Audit ledger write counters (by action and severity) and write failure counter
//   - Security monitor trigger and alert dispatch counters
//   - Database connection pool gauge (polled every 30 s)
//
// # Label Cardinality
//
// HTTP metrics use c.FullPath() (route template such as /api/v1/audit/:id) rather than
// the raw request URL to prevent unbounded label cardinality from user-supplied path
// segments. Audit metrics are labelled by the closed action/severity enumerations, which
// are finite by construction.
package telemetry

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics — labelled by method, route template, and status code.
//
// Example PromQL queries:
//   - Request rate (req/s, 5 m window):  rate(http_requests_total[5m])
//   - Error rate (%):                    sum(rate(http_requests_total{status=~"5.."}[5m])) / sum(rate(http_requests_total[5m])) * 100
//   - p99 latency per route:             histogram_quantile(0.99, sum by (path, le) (rate(http_request_duration_seconds_bucket[5m])))
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed, by method, route template, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, by method and route template.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)
)

// Audit ledger metrics.
//
// AuditEntriesTotal is a CounterVec with labels {action, severity} incremented once per
// successfully persisted ledger entry. Both label sets are closed enumerations.
//
// Example PromQL queries:
//   - Write rate by action:        sum by (action) (rate(audit_entries_total[5m]))
//   - Critical entries per hour:   increase(audit_entries_total{severity="critical"}[1h])
//
// AuditWriteFailuresTotal counts inserts that failed at the storage layer. Any sustained
// non-zero rate means audit coverage is degraded and should page.
var (
	AuditEntriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_entries_total",
			Help: "Total number of audit ledger entries written, by action and severity.",
		},
		[]string{"action", "severity"},
	)

	AuditWriteFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_write_failures_total",
			Help: "Total number of audit ledger writes that failed at the storage layer.",
		},
	)
)

// Security monitor metrics.
//
// SecurityAlertsTotal is a CounterVec with label {alert_type} incremented once per
// evaluator trigger (failed_login_burst, bulk_export, permission_change).
//
// Example PromQL queries:
//   - Triggers per day by type:  increase(security_alerts_total[24h])
//   - Alert expression:          increase(security_alerts_total{alert_type="failed_login_burst"}[1h]) > 0
//
// AlertDispatchFailuresTotal counts notification sends that failed. A stalled
// SecurityAlertsTotal with rising dispatch failures means operators are flying blind.
var (
	SecurityAlertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "security_alerts_total",
			Help: "Total number of security monitor triggers, by alert type.",
		},
		[]string{"alert_type"},
	)

	AlertDispatchFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "alert_dispatch_failures_total",
			Help: "Total number of security alert notifications that failed to send.",
		},
	)
)

// DBOpenConnections is a Gauge that tracks the number of open connections currently
// held by the sql.DB connection pool.  It is sampled every 30 seconds by
// StartDBStatsCollector rather than per-request to avoid the overhead of sql.DB.Stats().
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open database connections in the pool.",
	},
)

// StartDBStatsCollector launches a background goroutine that samples sql.DB connection
// pool statistics every 30 seconds and updates the DBOpenConnections gauge.
// The goroutine exits cleanly when the database becomes unreachable (db.Ping fails),
// which happens automatically when the application shuts down and defers db.Close().
//
// Call this once, immediately after db.Connect() succeeds in main.go:
//
//	telemetry.StartDBStatsCollector(database.DB)
func StartDBStatsCollector(db *sql.DB) {
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			if err := db.Ping(); err != nil {
				slog.Warn("db stats collector: database unreachable, stopping collector", "error", err)
				return
			}
			DBOpenConnections.Set(float64(db.Stats().OpenConnections))
		}
	}()
}
