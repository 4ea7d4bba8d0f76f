// diff.go implements the change-diff engine: given before/after snapshots of a record's
// fields, it produces the field-level ChangeSet persisted on an audit entry. The diff is a
// pure function over the supplied maps — no I/O, no reflection into live objects — which is
// what keeps it independently unit-testable.
package audit

import (
	"fmt"
	"strconv"
	"time"

	"github.com/plotline-software/plotline/internal/db/models"
)

// Diff compares two field snapshots and returns the per-field changes.
//
// For a newly created object pass a nil (or empty) before map: every after field is
// reported as {old: null, new: value}. For an update, only fields whose canonical string
// representation differs are reported; fields named in excluded are always skipped so
// bookkeeping columns (e.g. a last-modified timestamp) never show up as noise. Fields
// present in before but removed in after are reported as {old: value, new: null}.
func Diff(before, after map[string]interface{}, excluded ...string) models.ChangeSet {
	skip := make(map[string]bool, len(excluded))
	for _, f := range excluded {
		skip[f] = true
	}

	changes := models.ChangeSet{}

	for field, afterVal := range after {
		if skip[field] {
			continue
		}
		newStr := canonical(afterVal)

		beforeVal, existed := before[field]
		if !existed {
			changes[field] = models.Change{Old: nil, New: newStr}
			continue
		}
		oldStr := canonical(beforeVal)
		if !equalCanonical(oldStr, newStr) {
			changes[field] = models.Change{Old: oldStr, New: newStr}
		}
	}

	// Fields dropped between snapshots.
	for field, beforeVal := range before {
		if skip[field] {
			continue
		}
		if _, still := after[field]; !still {
			changes[field] = models.Change{Old: canonical(beforeVal), New: nil}
		}
	}

	return changes
}

func equalCanonical(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// canonical normalizes a field value to its comparable string form. Timestamps collapse
// to UTC RFC3339 and entity references to "type:id" so equivalent values never surface
// as spurious diffs. nil stays nil so JSON renders it as null.
func canonical(v interface{}) *string {
	if v == nil {
		return nil
	}

	var s string
	switch val := v.(type) {
	case string:
		s = val
	case *string:
		if val == nil {
			return nil
		}
		s = *val
	case bool:
		s = strconv.FormatBool(val)
	case int:
		s = strconv.Itoa(val)
	case int32:
		s = strconv.FormatInt(int64(val), 10)
	case int64:
		s = strconv.FormatInt(val, 10)
	case float32:
		s = strconv.FormatFloat(float64(val), 'f', -1, 32)
	case float64:
		s = strconv.FormatFloat(val, 'f', -1, 64)
	case time.Time:
		s = val.UTC().Format(time.RFC3339)
	case *time.Time:
		if val == nil {
			return nil
		}
		s = val.UTC().Format(time.RFC3339)
	case models.EntityRef:
		s = val.String()
	case *models.EntityRef:
		if val == nil {
			return nil
		}
		s = val.String()
	case []byte:
		s = string(val)
	case fmt.Stringer:
		s = val.String()
	default:
		s = fmt.Sprintf("%v", val)
	}
	return &s
}
