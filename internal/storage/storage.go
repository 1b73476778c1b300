// Package storage reads and writes issue records as files under a data
// directory.
//
// Each issue is one Markdown file with YAML frontmatter. Writes are atomic
// per file, and a listing reflects the filesystem at call time.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/tbd-sync/tbd/internal/types"
)

// ErrNotFound is returned when a requested issue does not exist.
var ErrNotFound = errors.New("not found")

// IssueStore is the record-level contract the sync engine depends on.
// dir is always a data-sync directory (the parent of issues/).
type IssueStore interface {
	WriteIssue(ctx context.Context, dir string, issue *types.Issue) error
	ReadIssue(ctx context.Context, dir, id string) (*types.Issue, error)
	ListIssues(ctx context.Context, dir string) ([]*types.Issue, error)
	DeleteIssue(ctx context.Context, dir, id string) error
}

// ParseError is a file that could not be decoded as an issue.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("invalid issue file: %v", e.Err)
	}
	return fmt.Sprintf("invalid issue file %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// MergeConflictError is a file containing unresolved git conflict markers.
// It is distinct from ParseError: the fix is manual resolution or
// `tbd doctor --fix`, not editing YAML.
type MergeConflictError struct {
	Path string
}

func (e *MergeConflictError) Error() string {
	location := ""
	if e.Path != "" {
		location = " " + e.Path
	}
	return fmt.Sprintf("file%s contains unresolved git merge conflict markers; "+
		"resolve the conflict manually or run 'tbd doctor --fix'", location)
}

// IsMergeConflict reports whether err is (or wraps) a *MergeConflictError.
func IsMergeConflict(err error) bool {
	var mc *MergeConflictError
	return errors.As(err, &mc)
}
