// Package merge implements field-level three-way merging of issue records.
//
// Merge is pure: it never touches the filesystem or git, so independent
// records can be merged concurrently (see MergeAll).
package merge

import (
	"errors"
	"reflect"
	"slices"
	"time"

	"github.com/tbd-sync/tbd/internal/types"
)

// Result is the outcome of merging one record.
type Result struct {
	Merged *types.Issue
	// Conflicts holds every value discarded by the merge, ready for the attic.
	Conflicts []types.AtticEntry
}

// Merger merges issue records. The zero value is ready to use.
type Merger struct {
	// Now stamps conflict entries. Defaults to time.Now.
	Now func() time.Time
}

// New returns a Merger using the wall clock.
func New() *Merger {
	return &Merger{Now: time.Now}
}

// Merge merges with a default Merger.
func Merge(base, local, remote *types.Issue) (*Result, error) {
	return New().Merge(base, local, remote)
}

func (m *Merger) now() time.Time {
	if m.Now == nil {
		return time.Now().UTC()
	}
	return m.Now().UTC()
}

// Merge combines two independently edited copies of a record against their
// common ancestor. base is nil when both sides created the record
// independently.
//
// Labels and dependencies are unioned. Every other mutable field is resolved
// by last-writer-wins on UpdatedAt; on an exact tie local wins.
func (m *Merger) Merge(base, local, remote *types.Issue) (*Result, error) {
	if local == nil || remote == nil {
		return nil, errors.New("merge requires both a local and a remote record")
	}
	if local.ID != remote.ID || (base != nil && base.ID != local.ID) {
		mm := &MismatchError{LocalID: local.ID, RemoteID: remote.ID}
		if base != nil {
			mm.BaseID = base.ID
		}
		return nil, mm
	}

	// Identical copies need no merge and no version bump.
	if reflect.DeepEqual(local, remote) {
		return &Result{Merged: local.Clone()}, nil
	}

	if err := checkTimestamp(local, types.SourceLocal, "updated_at", local.UpdatedAt); err != nil {
		return nil, err
	}
	if err := checkTimestamp(remote, types.SourceRemote, "updated_at", remote.UpdatedAt); err != nil {
		return nil, err
	}

	if base == nil {
		return m.mergeConcurrentCreation(local, remote)
	}

	now := m.now()
	merged := local.Clone()
	var conflicts []types.AtticEntry

	for _, field := range types.ScalarFields {
		value, conflict, err := mergeScalar(field, base, local, remote)
		if err != nil {
			return nil, err
		}
		if err := merged.SetFieldValue(field, value); err != nil {
			return nil, err
		}
		if conflict != nil {
			conflict.Timestamp = now
			conflict.Context = conflictContext(local, remote)
			conflicts = append(conflicts, *conflict)
		}
	}

	merged.Labels = mergeLabels(local.Labels, remote.Labels)
	merged.Dependencies = mergeDependencies(local.Dependencies, remote.Dependencies)
	merged.CreatedAt = base.CreatedAt
	merged.Version = max(local.Version, remote.Version) + 1
	merged.UpdatedAt = maxTime(local.UpdatedAt, remote.UpdatedAt)

	return &Result{Merged: merged, Conflicts: conflicts}, nil
}

// mergeConcurrentCreation resolves two records created independently with the
// same id. Creation order decides: the earlier copy wins wholesale and the
// later one is archived in full.
func (m *Merger) mergeConcurrentCreation(local, remote *types.Issue) (*Result, error) {
	if sameContent(local, remote) {
		return &Result{Merged: local.Clone()}, nil
	}
	if err := checkTimestamp(local, types.SourceLocal, "created_at", local.CreatedAt); err != nil {
		return nil, err
	}
	if err := checkTimestamp(remote, types.SourceRemote, "created_at", remote.CreatedAt); err != nil {
		return nil, err
	}

	winner, loser := local, remote
	winnerSource := types.SourceLocal
	if remote.CreatedAt.Before(local.CreatedAt) {
		winner, loser = remote, local
		winnerSource = types.SourceRemote
	}

	merged := winner.Clone()
	merged.Version = max(local.Version, remote.Version) + 1
	merged.UpdatedAt = maxTime(local.UpdatedAt, remote.UpdatedAt)

	lost := loser.Fields()
	lost["created_at"] = loser.CreatedAt.UTC()
	lost["updated_at"] = loser.UpdatedAt.UTC()

	conflict := types.AtticEntry{
		EntityID:     local.ID,
		Timestamp:    m.now(),
		LostValue:    lost,
		WinnerSource: winnerSource,
		LoserSource:  winnerSource.Other(),
		Context:      conflictContext(local, remote),
	}
	return &Result{Merged: merged, Conflicts: []types.AtticEntry{conflict}}, nil
}

// mergeScalar resolves one last-writer-wins field. A non-nil entry is
// returned when a value was discarded.
func mergeScalar(field string, base, local, remote *types.Issue) (any, *types.AtticEntry, error) {
	bv, err := base.FieldValue(field)
	if err != nil {
		return nil, nil, err
	}
	lv, err := local.FieldValue(field)
	if err != nil {
		return nil, nil, err
	}
	rv, err := remote.FieldValue(field)
	if err != nil {
		return nil, nil, err
	}

	switch {
	case valuesEqual(lv, rv):
		return lv, nil, nil
	case valuesEqual(bv, lv):
		return rv, nil, nil // only remote changed
	case valuesEqual(bv, rv):
		return lv, nil, nil // only local changed
	}

	entry := &types.AtticEntry{EntityID: local.ID, Field: field}
	if isTimeAfter(remote.UpdatedAt, local.UpdatedAt) {
		entry.LostValue = lv
		entry.WinnerSource = types.SourceRemote
		entry.LoserSource = types.SourceLocal
		return rv, entry, nil
	}
	entry.LostValue = rv
	entry.WinnerSource = types.SourceLocal
	entry.LoserSource = types.SourceRemote
	return lv, entry, nil
}

// mergeLabels returns the sorted union of both sides.
func mergeLabels(local, remote []string) []string {
	seen := make(map[string]bool, len(local)+len(remote))
	result := make([]string, 0, len(local)+len(remote))
	for _, l := range slices.Concat(local, remote) {
		if l == "" || seen[l] {
			continue
		}
		seen[l] = true
		result = append(result, l)
	}
	slices.Sort(result)
	return result
}

// mergeDependencies unions both sides, de-duplicated by (type, target).
// Local order is kept; remote-only edges follow in remote order.
func mergeDependencies(local, remote []types.Dependency) []types.Dependency {
	seen := make(map[types.Dependency]bool, len(local)+len(remote))
	result := make([]types.Dependency, 0, len(local)+len(remote))
	for _, dep := range slices.Concat(local, remote) {
		if seen[dep] {
			continue
		}
		seen[dep] = true
		result = append(result, dep)
	}
	return result
}

// isTimeAfter reports whether t1 is strictly after t2.
func isTimeAfter(t1, t2 time.Time) bool {
	return t1.After(t2)
}

func maxTime(t1, t2 time.Time) time.Time {
	if t2.After(t1) {
		return t2
	}
	return t1
}

func valuesEqual(a, b any) bool {
	ta, aok := a.(time.Time)
	tb, bok := b.(time.Time)
	if aok && bok {
		return ta.Equal(tb)
	}
	return reflect.DeepEqual(a, b)
}

// sameContent compares every mutable field, ignoring bookkeeping.
func sameContent(a, b *types.Issue) bool {
	fa, fb := a.Fields(), b.Fields()
	for k, va := range fa {
		if k == types.FieldLabels {
			if !slices.Equal(mergeLabels(a.Labels, nil), mergeLabels(b.Labels, nil)) {
				return false
			}
			continue
		}
		if !valuesEqual(va, fb[k]) {
			return false
		}
	}
	return true
}

func conflictContext(local, remote *types.Issue) types.ConflictContext {
	return types.ConflictContext{
		LocalVersion:    local.Version,
		RemoteVersion:   remote.Version,
		LocalUpdatedAt:  local.UpdatedAt.UTC(),
		RemoteUpdatedAt: remote.UpdatedAt.UTC(),
	}
}

func checkTimestamp(issue *types.Issue, source types.Source, field string, ts time.Time) error {
	if ts.IsZero() || ts.Year() < 1970 {
		return &TimestampError{ID: issue.ID, Source: source, Field: field, Value: ts}
	}
	return nil
}
