// Package types defines core data structures for the tbd issue tracker.
package types

import (
	"crypto/rand"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// TypeIssue is the record type discriminator stored in every issue file.
const TypeIssue = "is"

// IDPrefix prefixes every issue identifier.
const IDPrefix = TypeIssue + "-"

var idPattern = regexp.MustCompile(`^is-[0-9a-z]{26}$`)

// Issue represents a synchronized issue record.
//
// UpdatedAt is authoritative for conflict resolution. Version is an
// informational edit counter and must never be used to detect conflicts.
type Issue struct {
	Type          string         `yaml:"type" json:"type"`
	ID            string         `yaml:"id" json:"id"`
	Version       int            `yaml:"version" json:"version"`
	Kind          Kind           `yaml:"kind" json:"kind"`
	Title         string         `yaml:"title" json:"title"`
	Status        Status         `yaml:"status" json:"status"`
	Priority      int            `yaml:"priority" json:"priority"` // No omitempty: 0 is valid (P0)
	Assignee      string         `yaml:"assignee,omitempty" json:"assignee,omitempty"`
	Labels        []string       `yaml:"labels" json:"labels"`
	Dependencies  []Dependency   `yaml:"dependencies" json:"dependencies"`
	ParentID      string         `yaml:"parent_id,omitempty" json:"parent_id,omitempty"`
	DueDate       *time.Time     `yaml:"due_date,omitempty" json:"due_date,omitempty"`
	DeferredUntil *time.Time     `yaml:"deferred_until,omitempty" json:"deferred_until,omitempty"`
	CreatedAt     time.Time      `yaml:"created_at" json:"created_at"`
	UpdatedAt     time.Time      `yaml:"updated_at" json:"updated_at"`
	CreatedBy     string         `yaml:"created_by,omitempty" json:"created_by,omitempty"`
	ClosedAt      *time.Time     `yaml:"closed_at,omitempty" json:"closed_at,omitempty"`
	CloseReason   string         `yaml:"close_reason,omitempty" json:"close_reason,omitempty"`
	Extensions    map[string]any `yaml:"extensions,omitempty" json:"extensions,omitempty"`

	// Description and Notes live in the Markdown body, not the frontmatter.
	Description string `yaml:"-" json:"description,omitempty"`
	Notes       string `yaml:"-" json:"notes,omitempty"`
}

// Dependency is a directed relationship from the owning issue to Target.
type Dependency struct {
	Type   DependencyType `yaml:"type" json:"type"`
	Target string         `yaml:"target" json:"target"`
}

// DependencyType categorizes a dependency edge.
type DependencyType string

// Dependency type constants
const (
	DepBlocks DependencyType = "blocks"
)

// IsValid checks if the dependency type value is valid
func (d DependencyType) IsValid() bool {
	return d == DepBlocks
}

// Status represents the current state of an issue
type Status string

// Issue status constants
const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusBlocked    Status = "blocked"
	StatusDeferred   Status = "deferred"
	StatusClosed     Status = "closed"
)

// IsValid checks if the status value is valid
func (s Status) IsValid() bool {
	switch s {
	case StatusOpen, StatusInProgress, StatusBlocked, StatusDeferred, StatusClosed:
		return true
	}
	return false
}

// Kind categorizes the nature of work
type Kind string

// Kind constants
const (
	KindBug     Kind = "bug"
	KindFeature Kind = "feature"
	KindTask    Kind = "task"
	KindEpic    Kind = "epic"
	KindChore   Kind = "chore"
)

// IsValid checks if the kind value is valid
func (k Kind) IsValid() bool {
	switch k {
	case KindBug, KindFeature, KindTask, KindEpic, KindChore:
		return true
	}
	return false
}

// DefaultPriority is applied to new issues that do not set one.
const DefaultPriority = 2

// NewIssueID returns a fresh identifier of the form is-<lowercase ULID>.
func NewIssueID() string {
	return IDPrefix + strings.ToLower(ulid.MustNew(ulid.Now(), rand.Reader).String())
}

// IsValidID reports whether id is a well-formed issue identifier.
func IsValidID(id string) bool {
	return idPattern.MatchString(id)
}

// NewIssue creates an issue with defaults applied and both timestamps set to now.
func NewIssue(title string, now time.Time) *Issue {
	now = now.UTC()
	return &Issue{
		Type:      TypeIssue,
		ID:        NewIssueID(),
		Version:   1,
		Kind:      KindTask,
		Title:     title,
		Status:    StatusOpen,
		Priority:  DefaultPriority,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// SetDefaults fills fields that older or hand-edited files may omit.
//   - Type: "is"
//   - Kind: task
//   - Status: open
//   - Labels/Dependencies: empty, never nil
func (i *Issue) SetDefaults() {
	if i.Type == "" {
		i.Type = TypeIssue
	}
	if i.Kind == "" {
		i.Kind = KindTask
	}
	if i.Status == "" {
		i.Status = StatusOpen
	}
	if i.Labels == nil {
		i.Labels = []string{}
	}
	if i.Dependencies == nil {
		i.Dependencies = []Dependency{}
	}
}

// Validate checks if the issue has valid field values
func (i *Issue) Validate() error {
	if i.Type != TypeIssue {
		return fmt.Errorf("invalid record type: %q", i.Type)
	}
	if !IsValidID(i.ID) {
		return fmt.Errorf("invalid issue id: %q", i.ID)
	}
	if len(i.Title) == 0 {
		return fmt.Errorf("title is required")
	}
	if len(i.Title) > 500 {
		return fmt.Errorf("title must be 500 characters or less (got %d)", len(i.Title))
	}
	if i.Priority < 0 || i.Priority > 4 {
		return fmt.Errorf("priority must be between 0 and 4 (got %d)", i.Priority)
	}
	if !i.Status.IsValid() {
		return fmt.Errorf("invalid status: %s", i.Status)
	}
	if !i.Kind.IsValid() {
		return fmt.Errorf("invalid kind: %s", i.Kind)
	}
	if i.Version < 0 {
		return fmt.Errorf("version cannot be negative")
	}
	if i.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	if i.UpdatedAt.IsZero() {
		return fmt.Errorf("updated_at is required")
	}
	for _, dep := range i.Dependencies {
		if !dep.Type.IsValid() {
			return fmt.Errorf("invalid dependency type: %s", dep.Type)
		}
		if dep.Target == "" {
			return fmt.Errorf("dependency target is required")
		}
	}
	return nil
}

// Touch records a local edit: bumps the version and sets UpdatedAt.
// UpdatedAt never moves backwards.
func (i *Issue) Touch(now time.Time) {
	i.Version++
	now = now.UTC()
	if now.Before(i.UpdatedAt) {
		now = i.UpdatedAt
	}
	i.UpdatedAt = now
}

// Clone returns a deep copy of the issue.
func (i *Issue) Clone() *Issue {
	if i == nil {
		return nil
	}
	c := *i
	if i.Labels != nil {
		c.Labels = append([]string{}, i.Labels...)
	}
	if i.Dependencies != nil {
		c.Dependencies = append([]Dependency{}, i.Dependencies...)
	}
	c.DueDate = cloneTime(i.DueDate)
	c.DeferredUntil = cloneTime(i.DeferredUntil)
	c.ClosedAt = cloneTime(i.ClosedAt)
	c.Extensions = cloneMap(i.Extensions)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch vv := v.(type) {
		case map[string]any:
			out[k] = cloneMap(vv)
		case []any:
			out[k] = append([]any{}, vv...)
		default:
			out[k] = v
		}
	}
	return out
}
