// Package attic archives values lost during merge conflict resolution.
//
// Entries live under attic/conflicts/<entity-id>/<timestamp>_<field>.yml in
// the data-sync directory. They are created exclusively and never rewritten;
// restoring an entry applies its value to the live record as a new edit.
package attic

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tbd-sync/tbd/internal/paths"
	"github.com/tbd-sync/tbd/internal/storage"
	"github.com/tbd-sync/tbd/internal/types"
)

const entryExt = ".yml"

var (
	// ErrEntryExists is returned when recording an entry whose key is taken.
	ErrEntryExists = errors.New("attic entry already exists")
	// ErrEntryNotFound is returned when no entry matches a lookup.
	ErrEntryNotFound = errors.New("attic entry not found")
)

// AmbiguousEntryError means a bare timestamp matched several fields.
type AmbiguousEntryError struct {
	EntityID   string
	Timestamp  string
	Candidates []string
}

func (e *AmbiguousEntryError) Error() string {
	return fmt.Sprintf("timestamp %s matches %d attic entries for %s; use one of: %s",
		e.Timestamp, len(e.Candidates), e.EntityID, strings.Join(e.Candidates, ", "))
}

// Store reads and writes attic entries below one data-sync directory.
type Store struct {
	dataDir string
}

// NewStore returns a Store rooted at dataDir (the parent of attic/).
func NewStore(dataDir string) *Store {
	return &Store{dataDir: dataDir}
}

// Record persists one entry. An entry with the same entity, timestamp and
// field is never overwritten.
func (s *Store) Record(entry types.AtticEntry) error {
	if !types.IsValidID(entry.EntityID) {
		return fmt.Errorf("invalid attic entity id %q", entry.EntityID)
	}
	if entry.Timestamp.IsZero() {
		return errors.New("attic entry has no timestamp")
	}
	entry.Timestamp = entry.Timestamp.UTC()

	data, err := yaml.Marshal(&entry)
	if err != nil {
		return fmt.Errorf("encoding attic entry: %w", err)
	}

	dir := paths.AtticEntryDir(s.dataDir, entry.EntityID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating attic directory: %w", err)
	}
	path := filepath.Join(dir, entry.Key()+entryExt)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644) // #nosec G304
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("%s: %w", entry.Key(), ErrEntryExists)
		}
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}

// List returns every entry, or only entityID's when it is non-empty,
// ordered by entity, then timestamp, then field.
func (s *Store) List(entityID string) ([]types.AtticEntry, error) {
	var ids []string
	if entityID != "" {
		ids = []string{entityID}
	} else {
		dirs, err := os.ReadDir(paths.AtticDir(s.dataDir))
		if err != nil {
			if os.IsNotExist(err) {
				return nil, nil
			}
			return nil, err
		}
		for _, d := range dirs {
			if d.IsDir() && types.IsValidID(d.Name()) {
				ids = append(ids, d.Name())
			}
		}
	}

	var entries []types.AtticEntry
	for _, id := range ids {
		keys, err := s.keys(id)
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			entry, err := s.read(id, key)
			if err != nil {
				return nil, err
			}
			entries = append(entries, *entry)
		}
	}
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.EntityID != b.EntityID {
			return a.EntityID < b.EntityID
		}
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		return a.Field < b.Field
	})
	return entries, nil
}

// Get returns one entry. timestamp is either a full entry key
// ("20250101T000000.000000000Z_title"), a bare key timestamp, or an RFC 3339
// time. A bare timestamp matching several fields is ambiguous.
func (s *Store) Get(entityID, timestamp string) (*types.AtticEntry, error) {
	keys, err := s.keys(entityID)
	if err != nil {
		return nil, err
	}

	if _, _, ok := types.ParseAtticKey(timestamp); ok {
		for _, k := range keys {
			if k == timestamp {
				return s.read(entityID, k)
			}
		}
		return nil, fmt.Errorf("%s %s: %w", entityID, timestamp, ErrEntryNotFound)
	}

	want, err := parseTimestamp(timestamp)
	if err != nil {
		return nil, err
	}
	var matches []string
	for _, k := range keys {
		ts, _, ok := types.ParseAtticKey(k)
		if ok && ts.Equal(want) {
			matches = append(matches, k)
		}
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%s %s: %w", entityID, timestamp, ErrEntryNotFound)
	case 1:
		return s.read(entityID, matches[0])
	default:
		return nil, &AmbiguousEntryError{EntityID: entityID, Timestamp: timestamp, Candidates: matches}
	}
}

// Restore re-applies an archived value to the live record in dataDir and
// returns the updated record. The restore is a fresh edit: the version is
// bumped and updated_at set to now. The archive itself is not modified.
func (s *Store) Restore(ctx context.Context, entityID, timestamp string, issues storage.IssueStore, now time.Time) (*types.Issue, error) {
	entry, err := s.Get(entityID, timestamp)
	if err != nil {
		return nil, err
	}
	current, err := issues.ReadIssue(ctx, s.dataDir, entityID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	restored, err := Apply(entry, current, now)
	if err != nil {
		return nil, err
	}
	if err := issues.WriteIssue(ctx, s.dataDir, restored); err != nil {
		return nil, err
	}
	return restored, nil
}

// Apply returns a copy of current with the entry's lost value applied as a
// new edit. current may be nil only for whole-record entries, in which case
// the record is recreated.
func Apply(entry *types.AtticEntry, current *types.Issue, now time.Time) (*types.Issue, error) {
	var issue *types.Issue
	switch {
	case current != nil:
		issue = current.Clone()
	case entry.IsWholeRecord():
		issue = &types.Issue{Type: types.TypeIssue, ID: entry.EntityID, CreatedAt: now.UTC()}
		if lost, ok := entry.LostValue.(map[string]any); ok {
			if v, ok := lost["created_at"]; ok {
				if ts, err := toTime(v); err == nil {
					issue.CreatedAt = ts
				}
			}
		}
	default:
		return nil, fmt.Errorf("cannot restore %s on %s: %w", entry.Field, entry.EntityID, storage.ErrNotFound)
	}

	if entry.IsWholeRecord() {
		lost, ok := entry.LostValue.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("attic entry %s: whole-record value is not a mapping", entry.Key())
		}
		if err := issue.ApplyFields(lost); err != nil {
			return nil, fmt.Errorf("restoring %s: %w", entry.Key(), err)
		}
	} else if err := issue.SetFieldValue(entry.Field, entry.LostValue); err != nil {
		return nil, fmt.Errorf("restoring %s: %w", entry.Key(), err)
	}

	issue.SetDefaults()
	issue.Touch(now)
	return issue, nil
}

func (s *Store) keys(entityID string) ([]string, error) {
	if !types.IsValidID(entityID) {
		return nil, fmt.Errorf("invalid attic entity id %q", entityID)
	}
	files, err := os.ReadDir(paths.AtticEntryDir(s.dataDir, entityID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var keys []string
	for _, f := range files {
		name := f.Name()
		if f.IsDir() || !strings.HasSuffix(name, entryExt) {
			continue
		}
		key := strings.TrimSuffix(name, entryExt)
		if _, _, ok := types.ParseAtticKey(key); ok {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *Store) read(entityID, key string) (*types.AtticEntry, error) {
	path := filepath.Join(paths.AtticEntryDir(s.dataDir, entityID), key+entryExt)
	data, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s %s: %w", entityID, key, ErrEntryNotFound)
		}
		return nil, err
	}
	if storage.HasConflictMarkers(data) {
		return nil, &storage.MergeConflictError{Path: path}
	}
	var entry types.AtticEntry
	if err := yaml.Unmarshal(data, &entry); err != nil {
		return nil, &storage.ParseError{Path: path, Err: err}
	}
	return &entry, nil
}

func parseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(types.AtticKeyLayout, s); err == nil {
		return t, nil
	}
	t, err := types.ParseTimestamp(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid attic timestamp %q", s)
	}
	return t, nil
}

func toTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case string:
		return types.ParseTimestamp(t)
	}
	return time.Time{}, fmt.Errorf("not a timestamp: %v", v)
}
