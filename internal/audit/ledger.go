// Package audit implements the append-only audit ledger: structured, tamper-resistant
// records of every state-changing action in the system, plus the change-diff engine and
// the request-context plumbing that attributes entries to a caller. Audit entries are
// intentionally separate from application logs because they have different consumers and
// retention requirements — application logs are ephemeral debug output consumed by on-call
// engineers, while audit entries are immutable records consumed by security and compliance
// reviews. Entries can additionally be shipped to external destinations (SIEM, log
// aggregator) via the Shipper interface without touching the application logging pipeline.
package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/plotline-software/plotline/internal/db/models"
	"github.com/plotline-software/plotline/internal/db/repositories"
	"github.com/plotline-software/plotline/internal/safego"
	"github.com/plotline-software/plotline/internal/telemetry"
)

// Validation errors returned by LogAction. Invalid values are rejected before anything
// is persisted.
var (
	ErrInvalidAction   = errors.New("invalid audit action")
	ErrInvalidCategory = errors.New("invalid audit category")
	ErrInvalidSeverity = errors.New("invalid audit severity")
)

// Principal identifies an acting user or service account. Display is the textual
// representation frozen onto the entry; when empty, the ledger consults its
// PrincipalResolver (if configured) so the snapshot is taken at write time.
type Principal struct {
	ID      string
	Display string
}

// PrincipalResolver resolves a principal identifier to its displayable representation.
// The host's user service implements this at the subsystem boundary.
type PrincipalResolver interface {
	DisplayName(ctx context.Context, id string) (string, error)
}

// Store is the persistence contract the ledger writes to and reads from.
// *repositories.AuditRepository is the production implementation.
type Store interface {
	Insert(ctx context.Context, entry *models.AuditEntry) error
	GetByID(ctx context.Context, entryID string) (*models.AuditEntry, error)
	List(ctx context.Context, filters repositories.Filters, limit, offset int) ([]*models.AuditEntry, int, error)
	ForTarget(ctx context.Context, targetType, targetID string, limit int) ([]*models.AuditEntry, error)
	ByActor(ctx context.Context, actorID string, limit int) ([]*models.AuditEntry, error)
	ByDateRange(ctx context.Context, from, to time.Time, limit int) ([]*models.AuditEntry, error)
	ByAction(ctx context.Context, action models.Action, limit int) ([]*models.AuditEntry, error)
	ByCategory(ctx context.Context, category models.Category, limit int) ([]*models.AuditEntry, error)
	Search(ctx context.Context, text string, limit int) ([]*models.AuditEntry, error)
	CriticalEvents(ctx context.Context, limit int) ([]*models.AuditEntry, error)
	RecentActivity(ctx context.Context, window time.Duration, limit int) ([]*models.AuditEntry, error)
	FailedLoginsSince(ctx context.Context, originIP string, since time.Time) ([]*models.AuditEntry, error)
	ExportsByActorSince(ctx context.Context, actorID string, since time.Time) ([]*models.AuditEntry, error)
	PermissionChangesByActorSince(ctx context.Context, actorID string, since time.Time) ([]*models.AuditEntry, error)
	CountBySeveritySince(ctx context.Context, severity models.Severity, since time.Time) (int, error)
	CountByActionSince(ctx context.Context, action models.Action, since time.Time) (int, error)
	DistinctFailedLoginOriginsSince(ctx context.Context, since time.Time) (int, error)
}

// Record describes one action to be written to the ledger. Action is the only required
// field; everything else defaults as documented on LogAction.
type Record struct {
	Action  models.Action
	Actor   *Principal
	Target  *models.EntityRef
	Changes models.ChangeSet
	Message string

	// Category defaults to the category derived from the target's entity type,
	// or SYSTEM when there is no target. Severity defaults to INFO and is subject
	// to the WARNING floor for destructive/credential actions.
	Category models.Category
	Severity models.Severity

	// Origin fields default from the request context carried on ctx when left empty.
	OriginIP   string
	UserAgent  string
	SessionRef string

	Metadata models.Metadata
}

// Ledger is the single entry point for recording actions and the query facade over the
// stored entries.
type Ledger struct {
	store    Store
	resolver PrincipalResolver
	shipper  Shipper
}

// Option configures optional ledger collaborators.
type Option func(*Ledger)

// WithPrincipalResolver installs the host's principal lookup, used to snapshot an actor
// display name when the caller supplies only an ID.
func WithPrincipalResolver(r PrincipalResolver) Option {
	return func(l *Ledger) { l.resolver = r }
}

// WithShipper installs an external audit destination. Entries are shipped after a
// successful insert, asynchronously; shipping failures never affect the write path.
func WithShipper(s Shipper) Option {
	return func(l *Ledger) { l.shipper = s }
}

// NewLedger creates a Ledger over the given store.
func NewLedger(store Store, opts ...Option) *Ledger {
	l := &Ledger{store: store}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// categoryByTargetType derives an entry's category from the affected entity type when the
// caller did not supply one. Types absent from the table fall back to SYSTEM.
var categoryByTargetType = map[string]models.Category{
	"record":     models.CategoryDomainData,
	"parcel":     models.CategoryDomainData,
	"document":   models.CategoryDomainData,
	"contact":    models.CategoryContact,
	"user":       models.CategoryAuth,
	"session":    models.CategoryAuth,
	"role":       models.CategoryAdmin,
	"permission": models.CategoryAdmin,
	"setting":    models.CategoryAdmin,
}

// CategoryForTarget returns the derived category for a target reference; SYSTEM when the
// reference is nil or its type is unmapped.
func CategoryForTarget(target *models.EntityRef) models.Category {
	if target == nil {
		return models.CategorySystem
	}
	if c, ok := categoryByTargetType[target.Type]; ok {
		return c
	}
	return models.CategorySystem
}

// LogAction validates and persists exactly one audit entry.
//
// Defaults: category is derived from the target type (SYSTEM when absent), severity is
// INFO, changes and metadata are empty maps, and origin/user-agent/session fall back to
// the request context carried on ctx. The severity floor for DELETE, PERMISSION_CHANGE,
// PASSWORD_CHANGE, and LOGIN_FAILED is applied before the write; search text is derived
// here and is not caller-settable. The write is a single atomic insert with no retries;
// a storage failure is returned to the caller, who owns the policy of whether to abort
// its own operation.
func (l *Ledger) LogAction(ctx context.Context, rec Record) (*models.AuditEntry, error) {
	if !rec.Action.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAction, rec.Action)
	}
	if rec.Category != "" && !rec.Category.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCategory, rec.Category)
	}
	if rec.Severity != "" && !rec.Severity.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSeverity, rec.Severity)
	}

	category := rec.Category
	if category == "" {
		category = CategoryForTarget(rec.Target)
	}
	severity := models.EscalatedSeverity(rec.Action, rec.Severity)

	changes := rec.Changes
	if changes == nil {
		changes = models.ChangeSet{}
	}
	metadata := rec.Metadata
	if metadata == nil {
		metadata = models.Metadata{}
	}

	entry := &models.AuditEntry{
		Action:   rec.Action,
		Category: category,
		Severity: severity,
		Changes:  changes,
		Message:  rec.Message,
		Metadata: metadata,
	}

	if rec.Actor != nil {
		actorID := rec.Actor.ID
		entry.ActorID = &actorID
		entry.ActorDisplay = rec.Actor.Display
		if entry.ActorDisplay == "" && l.resolver != nil {
			if display, err := l.resolver.DisplayName(ctx, actorID); err == nil {
				entry.ActorDisplay = display
			}
		}
	}

	if rec.Target != nil {
		targetType, targetID := rec.Target.Type, rec.Target.ID
		entry.TargetType = &targetType
		entry.TargetID = &targetID
		entry.TargetDisplay = rec.Target.Display
	}

	originIP, userAgent, sessionRef := rec.OriginIP, rec.UserAgent, rec.SessionRef
	if rc, ok := RequestContextFrom(ctx); ok {
		if originIP == "" {
			originIP = rc.OriginIP
		}
		if userAgent == "" {
			userAgent = rc.UserAgent
		}
		if sessionRef == "" {
			sessionRef = rc.SessionRef()
		}
	}
	if originIP != "" {
		entry.OriginIP = &originIP
	}
	if userAgent != "" {
		ua := TruncateUserAgent(userAgent)
		entry.UserAgent = &ua
	}
	if sessionRef != "" {
		entry.SessionRef = &sessionRef
	}

	entry.SearchText = models.BuildSearchText(entry)

	if err := l.store.Insert(ctx, entry); err != nil {
		telemetry.AuditWriteFailuresTotal.Inc()
		return nil, fmt.Errorf("failed to persist audit entry: %w", err)
	}
	telemetry.AuditEntriesTotal.WithLabelValues(string(entry.Action), string(entry.Severity)).Inc()

	if l.shipper != nil {
		shipped := *entry
		safego.Go("audit-ship", func() {
			shipCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = l.shipper.Ship(shipCtx, &shipped)
		})
	}

	return entry, nil
}

// ---------------------------------------------------------------------------
// Query facade — read-only, newest-first, composable by callers
// ---------------------------------------------------------------------------

// GetByID returns a single entry, or nil when none matches.
func (l *Ledger) GetByID(ctx context.Context, id string) (*models.AuditEntry, error) {
	return l.store.GetByID(ctx, id)
}

// List returns entries matching the filters with pagination, plus the total count.
func (l *Ledger) List(ctx context.Context, filters repositories.Filters, limit, offset int) ([]*models.AuditEntry, int, error) {
	return l.store.List(ctx, filters, limit, offset)
}

// ForTarget returns the audit history of one entity.
func (l *Ledger) ForTarget(ctx context.Context, targetType, targetID string, limit int) ([]*models.AuditEntry, error) {
	return l.store.ForTarget(ctx, targetType, targetID, limit)
}

// ByActor returns entries recorded for one acting principal.
func (l *Ledger) ByActor(ctx context.Context, actorID string, limit int) ([]*models.AuditEntry, error) {
	return l.store.ByActor(ctx, actorID, limit)
}

// ByDateRange returns entries created within [from, to].
func (l *Ledger) ByDateRange(ctx context.Context, from, to time.Time, limit int) ([]*models.AuditEntry, error) {
	return l.store.ByDateRange(ctx, from, to, limit)
}

// ByAction returns entries of one action kind.
func (l *Ledger) ByAction(ctx context.Context, action models.Action, limit int) ([]*models.AuditEntry, error) {
	return l.store.ByAction(ctx, action, limit)
}

// ByCategory returns entries of one category.
func (l *Ledger) ByCategory(ctx context.Context, category models.Category, limit int) ([]*models.AuditEntry, error) {
	return l.store.ByCategory(ctx, category, limit)
}

// Search returns entries whose derived search text contains text, case-insensitively.
func (l *Ledger) Search(ctx context.Context, text string, limit int) ([]*models.AuditEntry, error) {
	return l.store.Search(ctx, text, limit)
}

// CriticalEvents returns the most recent CRITICAL entries.
func (l *Ledger) CriticalEvents(ctx context.Context, limit int) ([]*models.AuditEntry, error) {
	return l.store.CriticalEvents(ctx, limit)
}

// RecentActivity returns entries within the trailing window ending now.
func (l *Ledger) RecentActivity(ctx context.Context, window time.Duration, limit int) ([]*models.AuditEntry, error) {
	return l.store.RecentActivity(ctx, window, limit)
}

// FailedLoginsSince returns LOGIN_FAILED entries from one origin within a window.
func (l *Ledger) FailedLoginsSince(ctx context.Context, originIP string, since time.Time) ([]*models.AuditEntry, error) {
	return l.store.FailedLoginsSince(ctx, originIP, since)
}

// ExportsByActorSince returns EXPORT entries by one actor within a window.
func (l *Ledger) ExportsByActorSince(ctx context.Context, actorID string, since time.Time) ([]*models.AuditEntry, error) {
	return l.store.ExportsByActorSince(ctx, actorID, since)
}

// PermissionChangesByActorSince returns PERMISSION_CHANGE entries by one actor within a window.
func (l *Ledger) PermissionChangesByActorSince(ctx context.Context, actorID string, since time.Time) ([]*models.AuditEntry, error) {
	return l.store.PermissionChangesByActorSince(ctx, actorID, since)
}

// CountBySeveritySince counts entries of one severity within a window.
func (l *Ledger) CountBySeveritySince(ctx context.Context, severity models.Severity, since time.Time) (int, error) {
	return l.store.CountBySeveritySince(ctx, severity, since)
}

// CountByActionSince counts entries of one action within a window.
func (l *Ledger) CountByActionSince(ctx context.Context, action models.Action, since time.Time) (int, error) {
	return l.store.CountByActionSince(ctx, action, since)
}

// DistinctFailedLoginOriginsSince counts distinct offending origins within a window.
func (l *Ledger) DistinctFailedLoginOriginsSince(ctx context.Context, since time.Time) (int, error) {
	return l.store.DistinctFailedLoginOriginsSince(ctx, since)
}
