// Package repositories implements the data access layer (repository pattern) for the
// audit service. Handlers never issue SQL directly — all database access goes through
// this layer, which makes query logic testable in isolation.
//
// AuditRepository is the append-only storage layer of the audit ledger. The only write
// operation is a single-row INSERT; Update and Delete exist solely to fail loudly, and the
// backing table carries a trigger that rejects both, so the ledger cannot be mutated even
// by code that bypasses this type.
package repositories

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/plotline-software/plotline/internal/db/models"
)

// auditColumns is the canonical column list for audit_entries; every SELECT uses it so
// row scanning stays aligned with the model's db tags.
const auditColumns = `id, created_at, actor_id, actor_display, action, category, severity,
	target_type, target_id, target_display, changes, origin_ip, user_agent, session_ref,
	message, metadata, search_text`

// AuditRepository handles audit ledger database operations.
type AuditRepository struct {
	db *sqlx.DB
}

// NewAuditRepository creates a new AuditRepository.
func NewAuditRepository(db *sqlx.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Insert persists exactly one new audit entry as a single atomic statement. It assigns
// the entry ID and timestamp, never retries, and never partially writes. After a nil
// return the entry is durably visible to all subsequent queries.
func (r *AuditRepository) Insert(ctx context.Context, entry *models.AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if entry.Changes == nil {
		entry.Changes = models.ChangeSet{}
	}
	if entry.Metadata == nil {
		entry.Metadata = models.Metadata{}
	}

	query := `
		INSERT INTO audit_entries (` + auditColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`

	_, err := r.db.ExecContext(ctx, query,
		entry.ID,
		entry.Timestamp,
		entry.ActorID,
		entry.ActorDisplay,
		entry.Action,
		entry.Category,
		entry.Severity,
		entry.TargetType,
		entry.TargetID,
		entry.TargetDisplay,
		entry.Changes,
		entry.OriginIP,
		entry.UserAgent,
		entry.SessionRef,
		entry.Message,
		entry.Metadata,
		entry.SearchText,
	)
	return err
}

// Update always fails with ErrImmutableEntry. Audit entries cannot be modified after
// creation; the method exists so callers attempting mutation get a loud, typed error
// instead of silently missing functionality.
func (r *AuditRepository) Update(ctx context.Context, entry *models.AuditEntry) error {
	return models.ErrImmutableEntry
}

// Delete always fails with ErrImmutableEntry. See Update.
func (r *AuditRepository) Delete(ctx context.Context, entryID string) error {
	return models.ErrImmutableEntry
}

// GetByID retrieves a single audit entry, or nil when no entry matches.
func (r *AuditRepository) GetByID(ctx context.Context, entryID string) (*models.AuditEntry, error) {
	query := `SELECT ` + auditColumns + ` FROM audit_entries WHERE id = $1`

	var entry models.AuditEntry
	err := r.db.GetContext(ctx, &entry, query, entryID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// Filters contains optional filters for listing audit entries. All set filters compose
// with AND; every listing is ordered newest-first.
type Filters struct {
	ActorID    *string
	Action     *models.Action
	Category   *models.Category
	Severity   *models.Severity
	TargetType *string
	TargetID   *string
	StartDate  *time.Time
	EndDate    *time.Time
	Search     *string
}

// List retrieves audit entries matching the filters with pagination, plus the total
// matching count.
func (r *AuditRepository) List(ctx context.Context, filters Filters, limit, offset int) ([]*models.AuditEntry, int, error) {
	countQuery := `SELECT COUNT(*) FROM audit_entries WHERE 1=1`
	query := `SELECT ` + auditColumns + ` FROM audit_entries WHERE 1=1`

	args := make([]interface{}, 0)
	paramIndex := 1

	addFilter := func(clause string, value interface{}) {
		cond := fmt.Sprintf(clause, paramIndex)
		countQuery += cond
		query += cond
		args = append(args, value)
		paramIndex++
	}

	if filters.ActorID != nil {
		addFilter(` AND actor_id = $%d`, *filters.ActorID)
	}
	if filters.Action != nil {
		addFilter(` AND action = $%d`, *filters.Action)
	}
	if filters.Category != nil {
		addFilter(` AND category = $%d`, *filters.Category)
	}
	if filters.Severity != nil {
		addFilter(` AND severity = $%d`, *filters.Severity)
	}
	if filters.TargetType != nil {
		addFilter(` AND target_type = $%d`, *filters.TargetType)
	}
	if filters.TargetID != nil {
		addFilter(` AND target_id = $%d`, *filters.TargetID)
	}
	if filters.StartDate != nil {
		addFilter(` AND created_at >= $%d`, *filters.StartDate)
	}
	if filters.EndDate != nil {
		addFilter(` AND created_at <= $%d`, *filters.EndDate)
	}
	if filters.Search != nil {
		// search_text is stored lowercase, so lowering the needle makes the match
		// case-insensitive without an ILIKE scan.
		addFilter(` AND search_text LIKE '%%' || lower($%d) || '%%'`, *filters.Search)
	}

	var total int
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, paramIndex, paramIndex+1)
	args = append(args, limit, offset)

	entries := make([]*models.AuditEntry, 0)
	if err := r.db.SelectContext(ctx, &entries, query, args...); err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

// selectEntries runs a newest-first entry query and scans all rows.
func (r *AuditRepository) selectEntries(ctx context.Context, where string, limit int, args ...interface{}) ([]*models.AuditEntry, error) {
	query := fmt.Sprintf(
		`SELECT %s FROM audit_entries WHERE %s ORDER BY created_at DESC LIMIT $%d`,
		auditColumns, where, len(args)+1,
	)
	args = append(args, limit)

	entries := make([]*models.AuditEntry, 0)
	if err := r.db.SelectContext(ctx, &entries, query, args...); err != nil {
		return nil, err
	}
	return entries, nil
}

// ForTarget returns the history of a single entity, newest first.
func (r *AuditRepository) ForTarget(ctx context.Context, targetType, targetID string, limit int) ([]*models.AuditEntry, error) {
	return r.selectEntries(ctx, `target_type = $1 AND target_id = $2`, limit, targetType, targetID)
}

// ByActor returns entries recorded for a single acting principal, newest first.
func (r *AuditRepository) ByActor(ctx context.Context, actorID string, limit int) ([]*models.AuditEntry, error) {
	return r.selectEntries(ctx, `actor_id = $1`, limit, actorID)
}

// ByDateRange returns entries created within [from, to], newest first.
func (r *AuditRepository) ByDateRange(ctx context.Context, from, to time.Time, limit int) ([]*models.AuditEntry, error) {
	return r.selectEntries(ctx, `created_at >= $1 AND created_at <= $2`, limit, from, to)
}

// ByAction returns entries for one action kind, newest first.
func (r *AuditRepository) ByAction(ctx context.Context, action models.Action, limit int) ([]*models.AuditEntry, error) {
	return r.selectEntries(ctx, `action = $1`, limit, action)
}

// ByCategory returns entries for one category, newest first.
func (r *AuditRepository) ByCategory(ctx context.Context, category models.Category, limit int) ([]*models.AuditEntry, error) {
	return r.selectEntries(ctx, `category = $1`, limit, category)
}

// Search returns entries whose derived search text contains the given text,
// case-insensitively, newest first.
func (r *AuditRepository) Search(ctx context.Context, text string, limit int) ([]*models.AuditEntry, error) {
	return r.selectEntries(ctx, `search_text LIKE '%' || lower($1) || '%'`, limit, text)
}

// CriticalEvents returns the most recent CRITICAL entries.
func (r *AuditRepository) CriticalEvents(ctx context.Context, limit int) ([]*models.AuditEntry, error) {
	return r.selectEntries(ctx, `severity = $1`, limit, models.SeverityCritical)
}

// RecentActivity returns entries created within the trailing window ending now.
func (r *AuditRepository) RecentActivity(ctx context.Context, window time.Duration, limit int) ([]*models.AuditEntry, error) {
	since := time.Now().UTC().Add(-window)
	return r.selectEntries(ctx, `created_at >= $1`, limit, since)
}

// ---------------------------------------------------------------------------
// Trailing-window queries used by the security monitor and dashboard
// ---------------------------------------------------------------------------

// evaluatorFetchLimit bounds how many entries a window query returns to the evaluators.
// Thresholds are single-digit to low double-digit counts; anything beyond this limit is
// already far past any configured trigger point.
const evaluatorFetchLimit = 1000

// FailedLoginsSince returns LOGIN_FAILED entries from the given origin IP created at or
// after since, newest first.
func (r *AuditRepository) FailedLoginsSince(ctx context.Context, originIP string, since time.Time) ([]*models.AuditEntry, error) {
	return r.selectEntries(ctx, `action = $1 AND origin_ip = $2 AND created_at >= $3`,
		evaluatorFetchLimit, models.ActionLoginFailed, originIP, since)
}

// ExportsByActorSince returns EXPORT entries by the given actor created at or after
// since, newest first.
func (r *AuditRepository) ExportsByActorSince(ctx context.Context, actorID string, since time.Time) ([]*models.AuditEntry, error) {
	return r.selectEntries(ctx, `action = $1 AND actor_id = $2 AND created_at >= $3`,
		evaluatorFetchLimit, models.ActionExport, actorID, since)
}

// PermissionChangesByActorSince returns PERMISSION_CHANGE entries by the given actor
// created at or after since, newest first.
func (r *AuditRepository) PermissionChangesByActorSince(ctx context.Context, actorID string, since time.Time) ([]*models.AuditEntry, error) {
	return r.selectEntries(ctx, `action = $1 AND actor_id = $2 AND created_at >= $3`,
		evaluatorFetchLimit, models.ActionPermissionChange, actorID, since)
}

// CountBySeveritySince counts entries of the given severity created at or after since.
func (r *AuditRepository) CountBySeveritySince(ctx context.Context, severity models.Severity, since time.Time) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM audit_entries WHERE severity = $1 AND created_at >= $2`,
		severity, since)
	return count, err
}

// CountByActionSince counts entries of the given action created at or after since.
func (r *AuditRepository) CountByActionSince(ctx context.Context, action models.Action, since time.Time) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM audit_entries WHERE action = $1 AND created_at >= $2`,
		action, since)
	return count, err
}

// DistinctFailedLoginOriginsSince counts the distinct origin IPs that produced
// LOGIN_FAILED entries at or after since.
func (r *AuditRepository) DistinctFailedLoginOriginsSince(ctx context.Context, since time.Time) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count,
		`SELECT COUNT(DISTINCT origin_ip) FROM audit_entries
		 WHERE action = $1 AND created_at >= $2 AND origin_ip IS NOT NULL`,
		models.ActionLoginFailed, since)
	return count, err
}
