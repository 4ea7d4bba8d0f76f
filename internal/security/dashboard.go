// dashboard.go implements the read-side rollups consumed by the operational security
// dashboard. The aggregator is pure read: it never writes entries, never alerts, and
// tolerates partial query failures so a degraded database still produces a usable
// (if incomplete) snapshot.
package security

import (
	"context"
	"log/slog"
	"time"

	"github.com/plotline-software/plotline/internal/db/models"
)

// recentCriticalLimit caps the critical-event list included in a snapshot.
const recentCriticalLimit = 10

// DashboardStore is the subset of the audit ledger the dashboard reads from.
// *audit.Ledger is the production implementation.
type DashboardStore interface {
	CountBySeveritySince(ctx context.Context, severity models.Severity, since time.Time) (int, error)
	CountByActionSince(ctx context.Context, action models.Action, since time.Time) (int, error)
	DistinctFailedLoginOriginsSince(ctx context.Context, since time.Time) (int, error)
	CriticalEvents(ctx context.Context, limit int) ([]*models.AuditEntry, error)
}

// Snapshot is one point-in-time security rollup over a trailing window. Error carries
// the first query failure encountered; counts touched by a failed query are zero.
type Snapshot struct {
	Window                   string               `json:"window"`
	CriticalCount            int                  `json:"critical_count"`
	FailedLoginCount         int                  `json:"failed_login_count"`
	ExportCount              int                  `json:"export_count"`
	UniqueFailedLoginOrigins int                  `json:"unique_failed_login_origins"`
	RecentCriticalEvents     []*models.AuditEntry `json:"recent_critical_events"`
	Error                    string               `json:"error,omitempty"`
}

// Dashboard aggregates ledger statistics for operational visibility.
type Dashboard struct {
	store DashboardStore
}

// NewDashboard creates a Dashboard over the given ledger.
func NewDashboard(store DashboardStore) *Dashboard {
	return &Dashboard{store: store}
}

// Snapshot computes the security rollup for the trailing window ending now. Query
// failures zero the affected figure and are reported via the Error field rather than
// returned, so a partially degraded store still yields a snapshot.
func (d *Dashboard) Snapshot(ctx context.Context, window time.Duration) Snapshot {
	since := time.Now().UTC().Add(-window)
	snap := Snapshot{
		Window:               window.String(),
		RecentCriticalEvents: []*models.AuditEntry{},
	}

	record := func(what string, err error) {
		slog.Error("security dashboard: query failed", "what", what, "error", err)
		if snap.Error == "" {
			snap.Error = err.Error()
		}
	}

	if n, err := d.store.CountBySeveritySince(ctx, models.SeverityCritical, since); err != nil {
		record("critical count", err)
	} else {
		snap.CriticalCount = n
	}

	if n, err := d.store.CountByActionSince(ctx, models.ActionLoginFailed, since); err != nil {
		record("failed login count", err)
	} else {
		snap.FailedLoginCount = n
	}

	if n, err := d.store.CountByActionSince(ctx, models.ActionExport, since); err != nil {
		record("export count", err)
	} else {
		snap.ExportCount = n
	}

	if n, err := d.store.DistinctFailedLoginOriginsSince(ctx, since); err != nil {
		record("unique failed login origins", err)
	} else {
		snap.UniqueFailedLoginOrigins = n
	}

	if events, err := d.store.CriticalEvents(ctx, recentCriticalLimit); err != nil {
		record("recent critical events", err)
	} else if events != nil {
		snap.RecentCriticalEvents = events
	}

	return snap
}
