package security

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/plotline-software/plotline/internal/db/models"
)

// fakeDashboardStore implements DashboardStore with injectable results.
type fakeDashboardStore struct {
	criticalCount     int
	criticalCountErr  error
	failedLoginCount  int
	exportCount       int
	actionCountErr    error
	uniqueOrigins     int
	uniqueOriginsErr  error
	criticalEvents    []*models.AuditEntry
	criticalEventsErr error
}

func (f *fakeDashboardStore) CountBySeveritySince(context.Context, models.Severity, time.Time) (int, error) {
	return f.criticalCount, f.criticalCountErr
}

func (f *fakeDashboardStore) CountByActionSince(_ context.Context, action models.Action, _ time.Time) (int, error) {
	if f.actionCountErr != nil {
		return 0, f.actionCountErr
	}
	switch action {
	case models.ActionLoginFailed:
		return f.failedLoginCount, nil
	case models.ActionExport:
		return f.exportCount, nil
	}
	return 0, nil
}

func (f *fakeDashboardStore) DistinctFailedLoginOriginsSince(context.Context, time.Time) (int, error) {
	return f.uniqueOrigins, f.uniqueOriginsErr
}

func (f *fakeDashboardStore) CriticalEvents(context.Context, int) ([]*models.AuditEntry, error) {
	return f.criticalEvents, f.criticalEventsErr
}

func TestSnapshot_AggregatesAllFigures(t *testing.T) {
	store := &fakeDashboardStore{
		criticalCount:    3,
		failedLoginCount: 12,
		exportCount:      4,
		uniqueOrigins:    2,
		criticalEvents: []*models.AuditEntry{
			{Severity: models.SeverityCritical, Message: "failed login burst"},
		},
	}
	d := NewDashboard(store)

	snap := d.Snapshot(context.Background(), 24*time.Hour)

	if snap.CriticalCount != 3 {
		t.Errorf("critical_count = %d, want 3", snap.CriticalCount)
	}
	if snap.FailedLoginCount != 12 {
		t.Errorf("failed_login_count = %d, want 12", snap.FailedLoginCount)
	}
	if snap.ExportCount != 4 {
		t.Errorf("export_count = %d, want 4", snap.ExportCount)
	}
	if snap.UniqueFailedLoginOrigins != 2 {
		t.Errorf("unique_failed_login_origins = %d, want 2", snap.UniqueFailedLoginOrigins)
	}
	if len(snap.RecentCriticalEvents) != 1 {
		t.Errorf("recent_critical_events length = %d, want 1", len(snap.RecentCriticalEvents))
	}
	if snap.Window != "24h0m0s" {
		t.Errorf("window = %q, want 24h0m0s", snap.Window)
	}
	if snap.Error != "" {
		t.Errorf("error marker set without failures: %q", snap.Error)
	}
}

func TestSnapshot_PartialFailureZerosAffectedFigure(t *testing.T) {
	store := &fakeDashboardStore{
		criticalCountErr: errors.New("relation locked"),
		failedLoginCount: 9,
		exportCount:      1,
		uniqueOrigins:    3,
	}
	d := NewDashboard(store)

	snap := d.Snapshot(context.Background(), time.Hour)

	if snap.CriticalCount != 0 {
		t.Errorf("critical_count = %d, want zeroed on failure", snap.CriticalCount)
	}
	// Other figures survive the partial failure.
	if snap.FailedLoginCount != 9 {
		t.Errorf("failed_login_count = %d, want 9", snap.FailedLoginCount)
	}
	if snap.Error == "" {
		t.Error("error marker missing after query failure")
	}
}

func TestSnapshot_TotalFailureYieldsZeroedSnapshot(t *testing.T) {
	queryErr := errors.New("database unreachable")
	store := &fakeDashboardStore{
		criticalCountErr:  queryErr,
		actionCountErr:    queryErr,
		uniqueOriginsErr:  queryErr,
		criticalEventsErr: queryErr,
	}
	d := NewDashboard(store)

	snap := d.Snapshot(context.Background(), time.Hour)

	if snap.CriticalCount != 0 || snap.FailedLoginCount != 0 || snap.ExportCount != 0 || snap.UniqueFailedLoginOrigins != 0 {
		t.Errorf("counts not zeroed: %+v", snap)
	}
	if len(snap.RecentCriticalEvents) != 0 {
		t.Errorf("recent_critical_events = %v, want empty", snap.RecentCriticalEvents)
	}
	if snap.Error != "database unreachable" {
		t.Errorf("error = %q, want first failure", snap.Error)
	}
}

func TestSnapshot_NilEventsBecomeEmptySlice(t *testing.T) {
	d := NewDashboard(&fakeDashboardStore{criticalEvents: nil})
	snap := d.Snapshot(context.Background(), time.Hour)
	if snap.RecentCriticalEvents == nil {
		t.Error("recent_critical_events is nil, want empty slice for JSON rendering")
	}
}
