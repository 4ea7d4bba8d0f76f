// Package security implements the anomaly detectors that watch the audit ledger for
// abnormal activity patterns: credential-stuffing bursts, bulk data exfiltration, and
// privilege changes. Each evaluator counts qualifying ledger entries in a trailing window,
// compares against a configured threshold, and on trigger writes a new ledger entry and
// notifies operators. Evaluators are invoked synchronously by the flows they watch (the
// authentication flow after a failed login, the export flow after a completed export) and
// are fail-open: a broken detector must never break the action it is monitoring.
package security

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/plotline-software/plotline/internal/audit"
	"github.com/plotline-software/plotline/internal/config"
	"github.com/plotline-software/plotline/internal/db/models"
	"github.com/plotline-software/plotline/internal/telemetry"
)

// Alert types recorded in trigger-entry metadata and used as the alert_type metric label.
const (
	AlertTypeFailedLoginBurst = "failed_login_burst"
	AlertTypeBulkExport       = "bulk_export"
	AlertTypePermissionChange = "permission_change"
)

// exportDetailLimit caps how many recent export details are attached to a bulk-export
// alert for operator triage.
const exportDetailLimit = 5

// Ledger is the subset of the audit ledger the monitor consumes. *audit.Ledger is the
// production implementation.
type Ledger interface {
	LogAction(ctx context.Context, rec audit.Record) (*models.AuditEntry, error)
	FailedLoginsSince(ctx context.Context, originIP string, since time.Time) ([]*models.AuditEntry, error)
	ExportsByActorSince(ctx context.Context, actorID string, since time.Time) ([]*models.AuditEntry, error)
	PermissionChangesByActorSince(ctx context.Context, actorID string, since time.Time) ([]*models.AuditEntry, error)
}

// Alerter delivers operator notifications for triggered evaluations. *Dispatcher is the
// production implementation.
type Alerter interface {
	Send(subject, message string, details map[string]interface{}) bool
}

// FailedLoginResult is the outcome of one failed-login evaluation.
type FailedLoginResult struct {
	Triggered bool                   `json:"triggered"`
	Count     int                    `json:"count"`
	LastTime  *time.Time             `json:"last_time,omitempty"`
	Metadata  map[string]interface{} `json:"metadata"`
}

// ExportActivityResult is the outcome of one bulk-export evaluation.
type ExportActivityResult struct {
	Triggered    bool                   `json:"triggered"`
	ExportCount  int                    `json:"export_count"`
	TotalRecords int                    `json:"total_records"`
	Metadata     map[string]interface{} `json:"metadata"`
}

// PermissionChangeResult is the outcome of one privilege-escalation evaluation.
type PermissionChangeResult struct {
	Triggered bool                   `json:"triggered"`
	Count     int                    `json:"count"`
	Metadata  map[string]interface{} `json:"metadata"`
}

// Monitor evaluates recent ledger activity against the configured thresholds.
// Thresholds and windows come from config.MonitoringConfig so operators can tune
// sensitivity without code changes.
type Monitor struct {
	ledger Ledger
	alerts Alerter
	cfg    config.MonitoringConfig
}

// NewMonitor creates a Monitor. alerts may be nil when no notification channel is
// configured; triggers then still write ledger entries but send nothing.
func NewMonitor(ledger Ledger, alerts Alerter, cfg config.MonitoringConfig) *Monitor {
	return &Monitor{ledger: ledger, alerts: alerts, cfg: cfg}
}

// CheckFailedLogins evaluates failed-login volume from one origin over the configured
// window. username is the identifier attempted in the current failure and is folded into
// the distinct-username set reported on trigger; it may be empty.
//
// The count is read without locking against concurrent writers, so two requests failing
// simultaneously near the threshold can both observe it crossed and both trigger. That is
// accepted: duplicate alerts for a real burst are preferable to a serialized write path.
func (m *Monitor) CheckFailedLogins(ctx context.Context, originIP, username string) FailedLoginResult {
	since := time.Now().UTC().Add(-m.cfg.FailedLoginWindow)

	entries, err := m.ledger.FailedLoginsSince(ctx, originIP, since)
	if err != nil {
		slog.Error("failed-login evaluator: ledger query failed", "origin_ip", originIP, "error", err)
		return FailedLoginResult{Metadata: map[string]interface{}{"error": err.Error()}}
	}

	result := FailedLoginResult{
		Count:    len(entries),
		Metadata: map[string]interface{}{},
	}
	if len(entries) > 0 {
		// Entries come back newest-first.
		last := entries[0].Timestamp
		result.LastTime = &last
	}

	if result.Count < m.cfg.FailedLoginThreshold {
		return result
	}
	result.Triggered = true

	usernames := attemptedUsernames(entries, username)
	result.Metadata["attempted_usernames"] = usernames

	message := fmt.Sprintf(
		"Failed login burst detected: %d failed logins from %s within %s (attempted usernames: %s)",
		result.Count, originIP, m.cfg.FailedLoginWindow, strings.Join(usernames, ", "),
	)

	m.recordTrigger(ctx, AlertTypeFailedLoginBurst, models.SeverityCritical, message, models.Metadata{
		"alert_type":          AlertTypeFailedLoginBurst,
		"origin_ip":           originIP,
		"failed_login_count":  result.Count,
		"window":              m.cfg.FailedLoginWindow.String(),
		"attempted_usernames": usernames,
	})

	if m.alerts != nil {
		m.alerts.Send(
			"Security alert: failed login burst",
			message,
			map[string]interface{}{
				"origin_ip":           originIP,
				"failed_login_count":  result.Count,
				"window":              m.cfg.FailedLoginWindow.String(),
				"attempted_usernames": strings.Join(usernames, ", "),
			},
		)
	}

	return result
}

// CheckExportActivity evaluates export volume by one actor over the configured window.
// Record counts are summed from each entry's record_count metadata field; absent or
// non-numeric values contribute zero.
func (m *Monitor) CheckExportActivity(ctx context.Context, actor audit.Principal) ExportActivityResult {
	since := time.Now().UTC().Add(-m.cfg.ExportWindow)

	entries, err := m.ledger.ExportsByActorSince(ctx, actor.ID, since)
	if err != nil {
		slog.Error("export evaluator: ledger query failed", "actor_id", actor.ID, "error", err)
		return ExportActivityResult{Metadata: map[string]interface{}{"error": err.Error()}}
	}

	result := ExportActivityResult{
		ExportCount: len(entries),
		Metadata:    map[string]interface{}{},
	}
	for _, e := range entries {
		result.TotalRecords += recordCount(e.Metadata)
	}

	if result.ExportCount < m.cfg.ExportThreshold {
		return result
	}
	result.Triggered = true

	details := exportDetails(entries, exportDetailLimit)
	result.Metadata["recent_exports"] = details

	actorName := actor.Display
	if actorName == "" {
		actorName = actor.ID
	}
	message := fmt.Sprintf(
		"Bulk export activity detected: %s performed %d exports (%d records) within %s",
		actorName, result.ExportCount, result.TotalRecords, m.cfg.ExportWindow,
	)

	m.recordTrigger(ctx, AlertTypeBulkExport, models.SeverityCritical, message, models.Metadata{
		"alert_type":     AlertTypeBulkExport,
		"actor_id":       actor.ID,
		"actor_display":  actorName,
		"export_count":   result.ExportCount,
		"total_records":  result.TotalRecords,
		"window":         m.cfg.ExportWindow.String(),
		"recent_exports": details,
	})

	if m.alerts != nil {
		m.alerts.Send(
			"Security alert: bulk export activity",
			message,
			map[string]interface{}{
				"actor":          actorName,
				"export_count":   result.ExportCount,
				"total_records":  result.TotalRecords,
				"window":         m.cfg.ExportWindow.String(),
				"recent_exports": formatExportDetails(details),
			},
		)
	}

	return result
}

// CheckPermissionChanges evaluates permission-change activity by one actor over the
// configured window. Any non-zero count is noteworthy: it writes a WARNING entry but
// does not page operators, since legitimate role administration looks identical to the
// first step of privilege escalation and only volume over time distinguishes them.
func (m *Monitor) CheckPermissionChanges(ctx context.Context, actor audit.Principal) PermissionChangeResult {
	since := time.Now().UTC().Add(-m.cfg.PermissionChangeWindow)

	entries, err := m.ledger.PermissionChangesByActorSince(ctx, actor.ID, since)
	if err != nil {
		slog.Error("permission-change evaluator: ledger query failed", "actor_id", actor.ID, "error", err)
		return PermissionChangeResult{Metadata: map[string]interface{}{"error": err.Error()}}
	}

	result := PermissionChangeResult{
		Count:    len(entries),
		Metadata: map[string]interface{}{},
	}
	if result.Count == 0 {
		return result
	}
	result.Triggered = true

	actorName := actor.Display
	if actorName == "" {
		actorName = actor.ID
	}
	message := fmt.Sprintf(
		"Permission changes detected: %s made %d permission changes within %s",
		actorName, result.Count, m.cfg.PermissionChangeWindow,
	)

	m.recordTrigger(ctx, AlertTypePermissionChange, models.SeverityWarning, message, models.Metadata{
		"alert_type":              AlertTypePermissionChange,
		"actor_id":                actor.ID,
		"actor_display":           actorName,
		"permission_change_count": result.Count,
		"window":                  m.cfg.PermissionChangeWindow.String(),
	})

	return result
}

// recordTrigger writes the trigger entry and counts the trigger. The entry deliberately
// carries no actor or origin: evaluator queries filter on those columns, and a trigger
// entry that matched its own query would re-trigger on every subsequent evaluation.
func (m *Monitor) recordTrigger(ctx context.Context, alertType string, severity models.Severity, message string, metadata models.Metadata) {
	telemetry.SecurityAlertsTotal.WithLabelValues(alertType).Inc()

	_, err := m.ledger.LogAction(ctx, audit.Record{
		Action:   models.ActionCreate,
		Category: models.CategorySecurity,
		Severity: severity,
		Message:  message,
		Metadata: metadata,
	})
	if err != nil {
		// Fail-open: the trigger entry is evidence, not a precondition for alerting.
		slog.Error("security monitor: failed to write trigger entry", "alert_type", alertType, "error", err)
	}
}

// attemptedUsernames collects the distinct usernames seen across failed-login entries,
// sorted for stable messages. current is the username from the in-flight failure.
// LOGIN_FAILED entries carry the identifier under the username_attempted metadata key;
// the bare username key is also accepted for callers that log it that way.
func attemptedUsernames(entries []*models.AuditEntry, current string) []string {
	seen := make(map[string]bool)
	if current != "" {
		seen[current] = true
	}
	for _, e := range entries {
		if u, ok := e.Metadata["username_attempted"].(string); ok && u != "" {
			seen[u] = true
		} else if u, ok := e.Metadata["username"].(string); ok && u != "" {
			seen[u] = true
		}
	}
	usernames := make([]string, 0, len(seen))
	for u := range seen {
		usernames = append(usernames, u)
	}
	sort.Strings(usernames)
	return usernames
}

// exportDetails extracts triage details from the most recent export entries.
func exportDetails(entries []*models.AuditEntry, limit int) []map[string]interface{} {
	if len(entries) > limit {
		entries = entries[:limit]
	}
	details := make([]map[string]interface{}, 0, len(entries))
	for _, e := range entries {
		d := map[string]interface{}{
			"time":         e.Timestamp.Format(time.RFC3339),
			"record_count": recordCount(e.Metadata),
		}
		if t, ok := e.Metadata["export_type"].(string); ok {
			d["export_type"] = t
		}
		if f, ok := e.Metadata["filters"]; ok {
			d["filters"] = f
		}
		details = append(details, d)
	}
	return details
}

// formatExportDetails renders export details as one line per export for email bodies.
func formatExportDetails(details []map[string]interface{}) string {
	lines := make([]string, 0, len(details))
	for _, d := range details {
		line := fmt.Sprintf("%v: %v records", d["time"], d["record_count"])
		if t, ok := d["export_type"]; ok {
			line += fmt.Sprintf(" (%v)", t)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "; ")
}

// recordCount reads the record_count metadata field, tolerating the numeric types JSON
// round-tripping produces. Absent or non-numeric values count as zero.
func recordCount(metadata models.Metadata) int {
	switch v := metadata["record_count"].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return 0
}
