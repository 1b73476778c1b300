package storage

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tbd-sync/tbd/internal/paths"
	"github.com/tbd-sync/tbd/internal/types"
)

// FileStore implements IssueStore on the local filesystem.
type FileStore struct{}

// NewFileStore returns a filesystem-backed store.
func NewFileStore() *FileStore {
	return &FileStore{}
}

var _ IssueStore = (*FileStore)(nil)

// WriteIssue atomically replaces the issue's file.
func (s *FileStore) WriteIssue(ctx context.Context, dir string, issue *types.Issue) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !types.IsValidID(issue.ID) {
		return fmt.Errorf("refusing to write issue with invalid id %q", issue.ID)
	}
	data, err := FormatIssue(issue)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(paths.IssuesDir(dir), 0o755); err != nil {
		return fmt.Errorf("creating issues directory: %w", err)
	}
	return AtomicWriteFile(paths.IssuePath(dir, issue.ID), data, 0o644)
}

// ReadIssue loads one issue by id.
func (s *FileStore) ReadIssue(ctx context.Context, dir, id string) (*types.Issue, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return readIssueFile(paths.IssuePath(dir, id))
}

// ListIssues loads every issue file, sorted by id. Files that are not
// issues (.gitkeep, editor backups) are skipped; a malformed issue file
// fails the listing.
func (s *FileStore) ListIssues(ctx context.Context, dir string) ([]*types.Issue, error) {
	entries, err := os.ReadDir(paths.IssuesDir(dir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing issues: %w", err)
	}

	var issues []*types.Issue
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".md") || strings.HasPrefix(name, ".") {
			continue
		}
		issue, err := readIssueFile(filepath.Join(paths.IssuesDir(dir), name))
		if err != nil {
			return nil, err
		}
		issues = append(issues, issue)
	}
	sort.Slice(issues, func(i, j int) bool { return issues[i].ID < issues[j].ID })
	return issues, nil
}

// DeleteIssue removes an issue file. Deleting a missing issue is not an error.
func (s *FileStore) DeleteIssue(ctx context.Context, dir, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := os.Remove(paths.IssuePath(dir, id))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting issue %s: %w", id, err)
	}
	return nil
}

func readIssueFile(path string) (*types.Issue, error) {
	data, err := os.ReadFile(path) // #nosec G304 - path is built from the data directory
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", filepath.Base(path), ErrNotFound)
		}
		return nil, err
	}
	issue, err := ParseIssue(data)
	if err != nil {
		var mc *MergeConflictError
		if errors.As(err, &mc) {
			mc.Path = path
			return nil, mc
		}
		var pe *ParseError
		if errors.As(err, &pe) {
			pe.Path = path
			return nil, pe
		}
		return nil, err
	}
	return issue, nil
}

// AtomicWriteFile writes data to a uniquely named temp file beside path,
// fsyncs it, and renames it into place so readers never observe a partial
// write.
func AtomicWriteFile(path string, data []byte, perm os.FileMode) error {
	randBytes := make([]byte, 8)
	if _, err := rand.Read(randBytes); err != nil {
		return fmt.Errorf("generating random suffix: %w", err)
	}
	tmp := path + ".tmp." + hex.EncodeToString(randBytes)

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_EXCL, perm) // #nosec G304
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
