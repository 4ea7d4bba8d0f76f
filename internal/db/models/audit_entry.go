// Package models - audit_entry.go defines the AuditEntry model: one immutable record of a
// state-changing action in the system, capturing actor, action, affected entity, field-level
// changes, request origin, and arbitrary metadata. Entries are append-only; the value sets of
// the action/category/severity enumerations are a persisted compatibility surface and must not
// be renamed.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ErrImmutableEntry is returned by any attempt to modify or delete a persisted audit entry.
// The ledger is append-only; this error is never silently swallowed because it protects the
// evidentiary value of the record.
var ErrImmutableEntry = errors.New("audit entries are immutable and cannot be modified or deleted")

// Action is the closed set of recordable action kinds.
type Action string

// Action values. These strings are stored in the database and filtered on by consumers;
// they must remain stable.
const (
	ActionCreate           Action = "create"
	ActionUpdate           Action = "update"
	ActionDelete           Action = "delete"
	ActionSoftDelete       Action = "soft_delete"
	ActionRestore          Action = "restore"
	ActionLogin            Action = "login"
	ActionLogout           Action = "logout"
	ActionLoginFailed      Action = "login_failed"
	ActionExport           Action = "export"
	ActionImport           Action = "import"
	ActionView             Action = "view"
	ActionPermissionChange Action = "permission_change"
	ActionPasswordChange   Action = "password_change"
	ActionPasswordReset    Action = "password_reset"
)

var validActions = map[Action]bool{
	ActionCreate: true, ActionUpdate: true, ActionDelete: true,
	ActionSoftDelete: true, ActionRestore: true,
	ActionLogin: true, ActionLogout: true, ActionLoginFailed: true,
	ActionExport: true, ActionImport: true, ActionView: true,
	ActionPermissionChange: true, ActionPasswordChange: true, ActionPasswordReset: true,
}

// Valid reports whether a is a member of the closed action enumeration.
func (a Action) Valid() bool { return validActions[a] }

// Category is the closed set of audit entry categories.
type Category string

// Category values.
const (
	CategoryDomainData Category = "domain_data"
	CategoryAuth       Category = "auth"
	CategorySystem     Category = "system"
	CategoryContact    Category = "contact"
	CategoryAdmin      Category = "admin"
	CategorySecurity   Category = "security"
)

var validCategories = map[Category]bool{
	CategoryDomainData: true, CategoryAuth: true, CategorySystem: true,
	CategoryContact: true, CategoryAdmin: true, CategorySecurity: true,
}

// Valid reports whether c is a member of the closed category enumeration.
func (c Category) Valid() bool { return validCategories[c] }

// Severity is the closed set of audit entry severities.
type Severity string

// Severity values, ordered info < warning < error < critical.
const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityInfo:     0,
	SeverityWarning:  1,
	SeverityError:    2,
	SeverityCritical: 3,
}

// Valid reports whether s is a member of the closed severity enumeration.
func (s Severity) Valid() bool { _, ok := severityRank[s]; return ok }

// Rank returns the ordinal position of s in the severity ordering (info=0 ... critical=3).
func (s Severity) Rank() int { return severityRank[s] }

// severityFloorActions are actions whose recorded severity is never lower than WARNING.
var severityFloorActions = map[Action]bool{
	ActionDelete:           true,
	ActionPermissionChange: true,
	ActionPasswordChange:   true,
	ActionLoginFailed:      true,
}

// EscalatedSeverity applies the severity floor: DELETE, PERMISSION_CHANGE, PASSWORD_CHANGE,
// and LOGIN_FAILED entries are recorded at WARNING unless a higher severity was requested.
// An explicitly requested higher severity is never downgraded, and no escalation beyond the
// floor is ever inferred.
func EscalatedSeverity(action Action, requested Severity) Severity {
	if !requested.Valid() {
		requested = SeverityInfo
	}
	if severityFloorActions[action] && requested.Rank() < SeverityWarning.Rank() {
		return SeverityWarning
	}
	return requested
}

// Change records the before/after values of a single field. Old is nil for
// fields on a newly created object.
type Change struct {
	Old *string `json:"old"`
	New *string `json:"new"`
}

// ChangeSet maps field names to their recorded changes. It is stored as JSONB.
type ChangeSet map[string]Change

// Value implements driver.Valuer so a ChangeSet can be written to a JSONB column.
func (cs ChangeSet) Value() (driver.Value, error) {
	if len(cs) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(cs)
}

// Scan implements sql.Scanner so a ChangeSet can be read from a JSONB column.
func (cs *ChangeSet) Scan(src interface{}) error {
	if src == nil {
		*cs = ChangeSet{}
		return nil
	}
	b, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("cannot scan %T into ChangeSet", src)
	}
	return json.Unmarshal(b, cs)
}

// Metadata is an open key→value map for action-specific structured context
// (record_count, export_type, username_attempted, alert_type, ...). Stored as JSONB.
type Metadata map[string]interface{}

// Value implements driver.Valuer so Metadata can be written to a JSONB column.
func (m Metadata) Value() (driver.Value, error) {
	if len(m) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner so Metadata can be read from a JSONB column.
func (m *Metadata) Scan(src interface{}) error {
	if src == nil {
		*m = Metadata{}
		return nil
	}
	b, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("cannot scan %T into Metadata", src)
	}
	return json.Unmarshal(b, m)
}

// EntityRef is a polymorphic reference to a domain entity: a stable type tag plus the
// entity's identifier, with a display string frozen at reference time. Resolution back to
// the live object (when a consumer needs it) goes through an explicit per-type lookup on
// the host side, never runtime reflection.
type EntityRef struct {
	Type    string
	ID      string
	Display string
}

// String returns the canonical "type:id" form used in diffs and search text.
func (r EntityRef) String() string {
	return r.Type + ":" + r.ID
}

// AuditEntry is one immutable recorded action. Once persisted it is never updated or
// deleted through the application write path; retention is an external operational concern.
type AuditEntry struct {
	ID        string    `db:"id" json:"id"`
	Timestamp time.Time `db:"created_at" json:"timestamp"`

	// ActorID is nullable for system-level events. ActorDisplay is a frozen snapshot of
	// the acting principal at write time so the entry stays meaningful if the principal
	// is later renamed or deleted.
	ActorID      *string `db:"actor_id" json:"actor_id,omitempty"`
	ActorDisplay string  `db:"actor_display" json:"actor_display,omitempty"`

	Action   Action   `db:"action" json:"action"`
	Category Category `db:"category" json:"category"`
	Severity Severity `db:"severity" json:"severity"`

	// Target* identify the affected entity; nil for system-level events.
	// TargetDisplay is frozen at write time like ActorDisplay.
	TargetType    *string `db:"target_type" json:"target_type,omitempty"`
	TargetID      *string `db:"target_id" json:"target_id,omitempty"`
	TargetDisplay string  `db:"target_display" json:"target_display,omitempty"`

	Changes ChangeSet `db:"changes" json:"changes,omitempty"`

	// Origin of the request that produced the entry.
	OriginIP   *string `db:"origin_ip" json:"origin_ip,omitempty"`
	UserAgent  *string `db:"user_agent" json:"user_agent,omitempty"`
	SessionRef *string `db:"session_ref" json:"session_ref,omitempty"`

	Message  string   `db:"message" json:"message,omitempty"`
	Metadata Metadata `db:"metadata" json:"metadata,omitempty"`

	// SearchText is derived at write time by BuildSearchText and never independently set.
	SearchText string `db:"search_text" json:"-"`
}

// Target returns the entry's polymorphic target reference, or nil for system-level entries.
func (e *AuditEntry) Target() *EntityRef {
	if e.TargetType == nil || e.TargetID == nil {
		return nil
	}
	return &EntityRef{Type: *e.TargetType, ID: *e.TargetID, Display: e.TargetDisplay}
}

// BuildSearchText derives the lowercase searchable text for an entry: target display,
// actor display, message, action, category, and the names of changed fields. Change keys
// are sorted so the derived value is deterministic.
func BuildSearchText(e *AuditEntry) string {
	parts := make([]string, 0, 5+len(e.Changes))
	for _, p := range []string{e.TargetDisplay, e.ActorDisplay, e.Message, string(e.Action), string(e.Category)} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	keys := make([]string, 0, len(e.Changes))
	for k := range e.Changes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts = append(parts, keys...)
	return strings.ToLower(strings.Join(parts, " "))
}
