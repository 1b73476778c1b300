package types

import (
	"strings"
	"time"
)

// Source identifies which side of a sync a value came from.
type Source string

// Source constants
const (
	SourceLocal  Source = "local"
	SourceRemote Source = "remote"
)

// Other returns the opposite side.
func (s Source) Other() Source {
	if s == SourceLocal {
		return SourceRemote
	}
	return SourceLocal
}

// WholeRecord is the field label used in attic keys when an entire record
// lost a concurrent-creation collision.
const WholeRecord = "record"

// AtticKeyLayout formats attic timestamps for use in file names.
// Colons are avoided so keys are valid on every filesystem.
const AtticKeyLayout = "20060102T150405.000000000Z"

// AtticEntry is one value discarded during merge conflict resolution.
// Entries are append-only and never rewritten.
type AtticEntry struct {
	EntityID     string          `yaml:"entity_id" json:"entity_id"`
	Timestamp    time.Time       `yaml:"timestamp" json:"timestamp"`
	Field        string          `yaml:"field,omitempty" json:"field,omitempty"` // Empty means the whole record
	LostValue    any             `yaml:"lost_value" json:"lost_value"`
	WinnerSource Source          `yaml:"winner_source" json:"winner_source"`
	LoserSource  Source          `yaml:"loser_source" json:"loser_source"`
	Context      ConflictContext `yaml:"context" json:"context"`
}

// ConflictContext snapshots both sides of the merge that produced an entry.
type ConflictContext struct {
	LocalVersion    int       `yaml:"local_version" json:"local_version"`
	RemoteVersion   int       `yaml:"remote_version" json:"remote_version"`
	LocalUpdatedAt  time.Time `yaml:"local_updated_at" json:"local_updated_at"`
	RemoteUpdatedAt time.Time `yaml:"remote_updated_at" json:"remote_updated_at"`
}

// IsWholeRecord reports whether the entry archives an entire record.
func (e *AtticEntry) IsWholeRecord() bool {
	return e.Field == ""
}

// Key returns the entry's file stem: <timestamp>_<field>.
func (e *AtticEntry) Key() string {
	field := e.Field
	if field == "" {
		field = WholeRecord
	}
	return e.Timestamp.UTC().Format(AtticKeyLayout) + "_" + field
}

// ParseAtticKey splits a key produced by Key into its timestamp and field.
func ParseAtticKey(key string) (time.Time, string, bool) {
	stamp, field, ok := strings.Cut(key, "_")
	if !ok {
		return time.Time{}, "", false
	}
	t, err := time.Parse(AtticKeyLayout, stamp)
	if err != nil {
		return time.Time{}, "", false
	}
	if field == WholeRecord {
		field = ""
	}
	return t, field, true
}

// Meta is the sync branch's schema marker (meta.yml).
type Meta struct {
	SchemaVersion int       `yaml:"schema_version" json:"schema_version"`
	CreatedAt     time.Time `yaml:"created_at" json:"created_at"`
}

// CurrentSchemaVersion is written into meta.yml on new sync branches.
const CurrentSchemaVersion = 1
