package syncer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tbd-sync/tbd/internal/attic"
	"github.com/tbd-sync/tbd/internal/debug"
	"github.com/tbd-sync/tbd/internal/merge"
	"github.com/tbd-sync/tbd/internal/paths"
	"github.com/tbd-sync/tbd/internal/storage"
	"github.com/tbd-sync/tbd/internal/syncbranch"
	"github.com/tbd-sync/tbd/internal/telemetry"
	"github.com/tbd-sync/tbd/internal/types"
)

// mergeOutcome is what one content merge produced.
type mergeOutcome struct {
	merged    int
	conflicts []types.AtticEntry
	failures  map[string]error
}

// snapshot is the data directory as of one commit, keyed by path relative
// to the data directory (slash separated).
type snapshot map[string][]byte

// recordChange is one issue file's fate in a merge.
type recordChange struct {
	write []byte // raw file contents to write
	issue *types.Issue
	drop  bool
}

// mergeRemote merges remoteHead into the local sync branch record by
// record. git records the merge with the "ours" strategy so it never
// produces textual conflicts; the resolved content is written on top and
// committed as the merge result.
func (s *Syncer) mergeRemote(ctx context.Context, sess *syncbranch.Session, dataDir, remoteHead string) (out *mergeOutcome, err error) {
	ctx, span := s.tracer.Start(ctx, "syncer.merge")
	defer func() { telemetry.EndSpan(span, err) }()

	localHead, err := sess.Head(ctx)
	if err != nil {
		return nil, err
	}
	baseRev, related, err := sess.MergeBase(ctx, localHead, remoteHead)
	if err != nil {
		return nil, err
	}

	local, err := s.snapshot(ctx, sess, localHead)
	if err != nil {
		return nil, err
	}
	remote, err := s.snapshot(ctx, sess, remoteHead)
	if err != nil {
		return nil, err
	}
	base := snapshot{}
	if related {
		if base, err = s.snapshot(ctx, sess, baseRev); err != nil {
			return nil, err
		}
	}

	out = &mergeOutcome{failures: map[string]error{}}
	changes, triples := planIssues(base, local, remote, out.failures)

	batch, err := s.merger.MergeAll(ctx, triples, s.cfg.Sync.MergeWorkers)
	if err != nil {
		return nil, err
	}
	for id, ferr := range batch.Failures {
		out.failures[id] = ferr
	}
	for id, r := range batch.Results {
		changes[id] = recordChange{issue: r.Merged}
		out.conflicts = append(out.conflicts, r.Conflicts...)
	}
	out.merged = len(batch.Results)
	sort.Slice(out.conflicts, func(i, j int) bool {
		a, b := out.conflicts[i], out.conflicts[j]
		if a.EntityID != b.EntityID {
			return a.EntityID < b.EntityID
		}
		return a.Field < b.Field
	})

	if err := sess.BeginMerge(ctx, remoteHead); err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			if abortErr := sess.AbortMerge(context.WithoutCancel(ctx)); abortErr != nil {
				debug.Logf("sync: aborting merge: %v\n", abortErr)
			}
		}
	}()

	if err := s.applyIssues(ctx, dataDir, changes); err != nil {
		return nil, err
	}
	if err := applyMappings(dataDir, base, local, remote, out.failures); err != nil {
		return nil, err
	}
	if err := applyOther(dataDir, local, remote); err != nil {
		return nil, err
	}

	store := attic.NewStore(dataDir)
	cacheDir := paths.CacheDir(s.manager.RepoRoot())
	for _, c := range out.conflicts {
		if err := store.Record(c); err != nil && !errors.Is(err, attic.ErrEntryExists) {
			return nil, fmt.Errorf("archiving conflict for %s: %w", c.EntityID, err)
		}
		debug.LogEvent(cacheDir, debug.EventConflict, c.EntityID, fieldLabel(c.Field))
	}
	for id, ferr := range out.failures {
		debug.LogEvent(cacheDir, debug.EventFailure, id, ferr.Error())
	}

	msg := fmt.Sprintf("tbd sync: merge %s (%d merged, %d conflicts)", short(remoteHead), out.merged, len(out.conflicts))
	if _, err := sess.CommitAll(ctx, msg); err != nil {
		return nil, err
	}
	s.metrics.RecordMerge(ctx, out.merged, len(out.conflicts), len(out.failures))
	return out, nil
}

// snapshot reads every file of the data directory at rev.
func (s *Syncer) snapshot(ctx context.Context, sess *syncbranch.Session, rev string) (snapshot, error) {
	root := filepath.ToSlash(paths.DataSyncRel)
	files, err := sess.ListFilesAt(ctx, rev, root)
	if err != nil {
		return nil, err
	}
	snap := make(snapshot, len(files))
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rel, ok := strings.CutPrefix(f, root+"/")
		if !ok {
			continue
		}
		data, found, err := sess.ShowFile(ctx, rev, f)
		if err != nil {
			return nil, err
		}
		if found {
			snap[rel] = data
		}
	}
	return snap, nil
}

// planIssues decides every issue file's outcome. Records changed on both
// sides become merge triples; one-sided changes are taken as is. A record
// deleted on one side is deleted unless the other side edited it, in which
// case the edit wins.
func planIssues(base, local, remote snapshot, failures map[string]error) (map[string]recordChange, []merge.Triple) {
	changes := make(map[string]recordChange)
	var triples []merge.Triple

	for _, id := range issueIDs(base, local, remote) {
		rel := issueRel(id)
		b, inBase := base[rel]
		l, inLocal := local[rel]
		r, inRemote := remote[rel]

		switch {
		case inLocal && inRemote:
			if bytes.Equal(l, r) || (inBase && bytes.Equal(b, r)) {
				continue
			}
			if inBase && bytes.Equal(b, l) {
				changes[id] = recordChange{write: r}
				continue
			}
			tr, err := parseTriple(id, b, inBase, l, r)
			if err != nil {
				failures[id] = err
				continue
			}
			triples = append(triples, tr)
		case inLocal:
			if inBase && bytes.Equal(b, l) {
				changes[id] = recordChange{drop: true}
			}
		case inRemote:
			if !inBase || !bytes.Equal(b, r) {
				changes[id] = recordChange{write: r}
			}
		}
	}
	return changes, triples
}

func parseTriple(id string, b []byte, inBase bool, l, r []byte) (merge.Triple, error) {
	tr := merge.Triple{ID: id}
	var err error
	if inBase {
		if tr.Base, err = storage.ParseIssue(b); err != nil {
			return tr, fmt.Errorf("base version: %w", err)
		}
	}
	if tr.Local, err = storage.ParseIssue(l); err != nil {
		return tr, fmt.Errorf("local version: %w", err)
	}
	if tr.Remote, err = storage.ParseIssue(r); err != nil {
		return tr, fmt.Errorf("remote version: %w", err)
	}
	return tr, nil
}

func (s *Syncer) applyIssues(ctx context.Context, dataDir string, changes map[string]recordChange) error {
	for id, ch := range changes {
		switch {
		case ch.drop:
			if err := s.issues.DeleteIssue(ctx, dataDir, id); err != nil {
				return err
			}
		case ch.issue != nil:
			if err := s.issues.WriteIssue(ctx, dataDir, ch.issue); err != nil {
				return err
			}
		default:
			if err := writeRaw(dataDir, issueRel(id), ch.write); err != nil {
				return err
			}
		}
	}
	return nil
}

// applyMappings three-way merges every mapping file.
func applyMappings(dataDir string, base, local, remote snapshot, failures map[string]error) error {
	names := map[string]bool{}
	for _, snap := range []snapshot{local, remote} {
		for rel := range snap {
			if name, ok := mappingName(rel); ok {
				names[name] = true
			}
		}
	}
	for name := range names {
		rel := path.Join(paths.MappingsDirName, name+".yml")
		if bytes.Equal(local[rel], remote[rel]) {
			continue
		}
		parse := func(snap snapshot) (storage.Mapping, error) {
			data, ok := snap[rel]
			if !ok {
				return storage.Mapping{}, nil
			}
			return storage.ParseMapping(data)
		}
		b, errB := parse(base)
		l, errL := parse(local)
		r, errR := parse(remote)
		if err := firstErr(errB, errL, errR); err != nil {
			failures[path.Join(paths.MappingsDirName, name)] = err
			continue
		}
		if err := storage.SaveMapping(dataDir, name, merge.MergeMappings(b, l, r)); err != nil {
			return err
		}
	}
	return nil
}

// applyOther adds files that only the remote has, such as attic entries
// and meta.yml. Existing local files are kept.
func applyOther(dataDir string, local, remote snapshot) error {
	for rel, data := range remote {
		if _, isIssue := issueID(rel); isIssue {
			continue
		}
		if _, isMapping := mappingName(rel); isMapping {
			continue
		}
		if _, ok := local[rel]; ok {
			continue
		}
		if err := writeRaw(dataDir, rel, data); err != nil {
			return err
		}
	}
	return nil
}

func writeRaw(dataDir, rel string, data []byte) error {
	target := filepath.Join(dataDir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	return storage.AtomicWriteFile(target, data, 0o644)
}

func issueIDs(snaps ...snapshot) []string {
	seen := map[string]bool{}
	for _, snap := range snaps {
		for rel := range snap {
			if id, ok := issueID(rel); ok {
				seen[id] = true
			}
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func issueRel(id string) string {
	return path.Join(paths.IssuesDirName, id+".md")
}

func issueID(rel string) (string, bool) {
	name, ok := strings.CutPrefix(rel, paths.IssuesDirName+"/")
	if !ok || strings.Contains(name, "/") {
		return "", false
	}
	id, ok := strings.CutSuffix(name, ".md")
	if !ok || !types.IsValidID(id) {
		return "", false
	}
	return id, true
}

func mappingName(rel string) (string, bool) {
	name, ok := strings.CutPrefix(rel, paths.MappingsDirName+"/")
	if !ok || strings.Contains(name, "/") || strings.HasPrefix(name, ".") {
		return "", false
	}
	return strings.CutSuffix(name, ".yml")
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func fieldLabel(field string) string {
	if field == "" {
		return types.WholeRecord
	}
	return field
}
