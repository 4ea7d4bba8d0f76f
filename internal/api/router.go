// Package api wires together the HTTP surface of the audit service.
//
// Route grouping philosophy:
//   - /api/v1/audit and /api/v1/security are read-only query endpoints for the
//     reporting and dashboard frontends. Writes never arrive over HTTP; the host
//     application records entries through the in-process ledger, so access control
//     on these routes is the gateway's concern, not ours.
//   - /health and /ready are unauthenticated probes for the orchestrator.
package api

import (
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"

	"github.com/plotline-software/plotline/internal/api/auditlog"
	"github.com/plotline-software/plotline/internal/audit"
	"github.com/plotline-software/plotline/internal/config"
	"github.com/plotline-software/plotline/internal/db/repositories"
	"github.com/plotline-software/plotline/internal/middleware"
	"github.com/plotline-software/plotline/internal/security"
)

// Subsystem holds the wired audit components the host application records through,
// plus the resources that must be released during graceful shutdown. The caller
// (cmd/server) is responsible for calling Shutdown() after the HTTP server has
// drained in-flight requests.
type Subsystem struct {
	// Ledger is the write and query entry point for audit entries.
	Ledger *audit.Ledger
	// Monitor evaluates security anomaly rules. The host calls its Check methods
	// after recording the corresponding actions.
	Monitor *security.Monitor

	shipper *audit.MultiShipper
}

// Shutdown flushes and closes the external audit destinations. Entries already
// accepted by the ledger are not lost; only unflushed shipper batches are at risk,
// which is why this runs after the listener stops accepting requests.
func (s *Subsystem) Shutdown() {
	slog.Info("stopping audit subsystem")
	if s.shipper != nil {
		if err := s.shipper.Close(); err != nil {
			slog.Error("failed to close audit shippers", "error", err)
		}
	}
	slog.Info("audit subsystem stopped")
}

// NewRouter creates and configures the Gin router and the audit subsystem behind it.
//
// resolver supplies actor display names when callers log with only an ID; sessions
// extracts a session reference from an authenticated request. Both are boundaries to
// the host application and may be nil when the deployment has no user or session layer.
func NewRouter(cfg *config.Config, db *sqlx.DB, resolver audit.PrincipalResolver, sessions middleware.SessionResolver) (*gin.Engine, *Subsystem, error) {
	router := gin.New()

	auditRepo := repositories.NewAuditRepository(db)

	shipper, err := audit.NewMultiShipper(shipperConfigs(cfg.Audit.Shippers))
	if err != nil {
		return nil, nil, err
	}

	ledgerOpts := []audit.Option{audit.WithShipper(shipper)}
	if resolver != nil {
		ledgerOpts = append(ledgerOpts, audit.WithPrincipalResolver(resolver))
	}
	ledger := audit.NewLedger(auditRepo, ledgerOpts...)

	alerts := security.NewDispatcher(&cfg.Notifications)
	monitor := security.NewMonitor(ledger, alerts, cfg.Monitoring)
	dashboard := security.NewDashboard(auditRepo)

	// Add middleware
	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.RequestContextMiddleware(sessions))
	router.Use(middleware.MetricsMiddleware())
	router.Use(LoggerMiddleware(cfg))
	router.Use(CORSMiddleware(cfg))
	router.Use(middleware.SecurityHeadersMiddleware(middleware.APISecurityHeadersConfig()))

	// Health check endpoint
	router.GET("/health", healthCheckHandler(db.DB))

	// Readiness check endpoint
	router.GET("/ready", readinessHandler(db.DB))

	// API version
	router.GET("/version", versionHandler())

	// Audit query endpoints
	apiV1 := router.Group("/api/v1")
	auditlog.NewHandler(ledger, dashboard).RegisterRoutes(apiV1)

	sub := &Subsystem{
		Ledger:  ledger,
		Monitor: monitor,
		shipper: shipper,
	}

	return router, sub, nil
}

// shipperConfigs converts the configuration file's shipper entries to the audit
// package's form, widening the integer second counts to durations.
func shipperConfigs(entries []config.AuditShipperConfig) []audit.ShipperConfig {
	configs := make([]audit.ShipperConfig, 0, len(entries))
	for _, e := range entries {
		sc := audit.ShipperConfig{
			Enabled: e.Enabled,
			Type:    e.Type,
		}
		if e.Webhook != nil {
			sc.Webhook = &audit.WebhookConfig{
				URL:           e.Webhook.URL,
				Headers:       e.Webhook.Headers,
				Timeout:       time.Duration(e.Webhook.TimeoutSecs) * time.Second,
				BatchSize:     e.Webhook.BatchSize,
				FlushInterval: time.Duration(e.Webhook.FlushInterval) * time.Second,
			}
		}
		if e.File != nil {
			sc.File = &audit.FileConfig{
				Path:       e.File.Path,
				MaxSizeMB:  e.File.MaxSizeMB,
				MaxBackups: e.File.MaxBackups,
			}
		}
		configs = append(configs, sc)
	}
	return configs
}

// healthCheckHandler returns the health status of the service
func healthCheckHandler(db *sql.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check database connection
		if err := db.Ping(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  "database connection failed",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// readinessHandler returns the readiness status of the service. The ledger has no
// dependency beyond Postgres, so readiness and liveness differ only in shape: this
// probe reports per-dependency checks for the orchestrator's gate.
func readinessHandler(db *sql.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		checks := gin.H{}

		if err := db.Ping(); err != nil {
			checks["database"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  "database not ready",
			})
			return
		}
		checks["database"] = "healthy"

		c.JSON(http.StatusOK, gin.H{
			"ready":  true,
			"checks": checks,
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// versionHandler returns the API version
func versionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"service":     "plotline-audit",
			"version":     "0.1.0",
			"api_version": "v1",
		})
	}
}

// LoggerMiddleware provides structured logging
func LoggerMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)

		// Log the request
		if cfg.Logging.Format == "json" {
			logJSON(c, latency, path, query)
		} else {
			logText(c, latency, path, query)
		}
	}
}

// logJSON logs a request as a JSON-structured slog record.
func logJSON(c *gin.Context, latency time.Duration, path, query string) {
	requestID, _ := c.Get(middleware.RequestIDKey)
	slog.LogAttrs(
		c.Request.Context(),
		slog.LevelInfo,
		"http request",
		slog.String("method", c.Request.Method),
		slog.String("path", path),
		slog.String("query", query),
		slog.Int("status", c.Writer.Status()),
		slog.Int("size", c.Writer.Size()),
		slog.Duration("latency", latency),
		slog.String("ip", c.ClientIP()),
		slog.Any("request_id", requestID),
		slog.String("user_agent", c.Request.UserAgent()),
	)
}

// logText logs a request as a human-readable slog text record.
func logText(c *gin.Context, latency time.Duration, path, query string) {
	// reuse the same structured output; slog will emit text format when the global
	// handler is a TextHandler (configured in telemetry.SetupLogger).
	logJSON(c, latency, path, query)
}

// CORSMiddleware handles CORS
func CORSMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		// Check if origin is allowed
		allowed := false
		for _, allowedOrigin := range cfg.Security.CORS.AllowedOrigins {
			if allowedOrigin == "*" || allowedOrigin == origin {
				allowed = true
				break
			}
		}

		if allowed {
			if origin == "" {
				c.Header("Access-Control-Allow-Origin", "*")
			} else {
				c.Header("Access-Control-Allow-Origin", origin)
			}
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Allow-Methods", "GET, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Requested-With")
			c.Header("Access-Control-Max-Age", "3600")
		}

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
