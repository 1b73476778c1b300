package merge

import (
	"fmt"
	"time"

	"github.com/tbd-sync/tbd/internal/types"
)

// TimestampError means a record's timestamps cannot order the merge.
// It fails that record only.
type TimestampError struct {
	ID     string
	Source types.Source
	Field  string
	Value  time.Time
}

func (e *TimestampError) Error() string {
	if e.Value.IsZero() {
		return fmt.Sprintf("cannot merge %s: %s copy has no %s", e.ID, e.Source, e.Field)
	}
	return fmt.Sprintf("cannot merge %s: %s copy has invalid %s %s",
		e.ID, e.Source, e.Field, e.Value.Format(time.RFC3339))
}

// MismatchError means the three inputs are not copies of the same record.
type MismatchError struct {
	BaseID   string
	LocalID  string
	RemoteID string
}

func (e *MismatchError) Error() string {
	if e.BaseID != "" && e.BaseID != e.LocalID {
		return fmt.Sprintf("cannot merge: base %s does not match local %s", e.BaseID, e.LocalID)
	}
	return fmt.Sprintf("cannot merge: local %s does not match remote %s", e.LocalID, e.RemoteID)
}
