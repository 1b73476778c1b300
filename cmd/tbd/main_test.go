package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbd-sync/tbd/internal/config"
	"github.com/tbd-sync/tbd/internal/git"
	"github.com/tbd-sync/tbd/internal/lockfile"
	"github.com/tbd-sync/tbd/internal/paths"
	"github.com/tbd-sync/tbd/internal/storage"
	"github.com/tbd-sync/tbd/internal/syncbranch"
	"github.com/tbd-sync/tbd/internal/syncer"
	"github.com/tbd-sync/tbd/internal/testutil/gitrepo"
	"github.com/tbd-sync/tbd/internal/types"
)

func TestErrorHintsAndCodes(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode string
		wantHint bool
	}{
		{"integrity", &syncbranch.IntegrityError{Status: syncbranch.StatusCorrupted}, "worktree_corrupted", true},
		{"wrapped integrity", fmt.Errorf("sync: %w", &syncbranch.IntegrityError{Status: syncbranch.StatusMissing}), "worktree_missing", true},
		{"push conflict", &syncer.PushConflictError{Attempts: 4, Err: git.ErrPushRejected}, "push_conflict", true},
		{"remote ahead", syncer.ErrRemoteAhead, "remote_ahead", true},
		{"lock busy", fmt.Errorf("sync: %w", lockfile.ErrLockBusy), "lock_busy", true},
		{"not initialized", config.ErrNotInitialized, "not_initialized", true},
		{"merge conflict", &storage.MergeConflictError{Path: "x.md"}, "merge_conflict", true},
		{"other", errors.New("boom"), "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantCode, errorCode(tt.err))
			assert.Equal(t, tt.wantHint, errorHint(tt.err) != "")
		})
	}
}

func TestIntegrityHintPreferred(t *testing.T) {
	err := &syncbranch.IntegrityError{Status: syncbranch.StatusCorrupted, Hint: "remove it by hand"}
	assert.Equal(t, "remove it by hand", errorHint(err))
}

func TestConflictLabel(t *testing.T) {
	e := types.AtticEntry{EntityID: "is-01", Field: "title", WinnerSource: types.SourceLocal, LoserSource: types.SourceRemote}
	assert.Equal(t, "is-01: title kept from local, remote version saved to attic", conflictLabel(e))

	e.Field = ""
	assert.Contains(t, conflictLabel(e), "is-01: "+types.WholeRecord+" kept")
}

func TestDescribeAction(t *testing.T) {
	tests := []struct {
		c    syncbranch.SyncConsistency
		want string
	}{
		{syncbranch.SyncConsistency{LocalHead: "a", RemoteHead: "a"}, "Up to date with remote"},
		{syncbranch.SyncConsistency{LocalHead: "a"}, "Remote sync branch not created yet"},
		{syncbranch.SyncConsistency{LocalHead: "a", RemoteHead: "b", LocalAhead: 2}, "2 commit(s) to push"},
		{syncbranch.SyncConsistency{LocalHead: "a", RemoteHead: "b", LocalBehind: 3}, "3 commit(s) to pull"},
		{syncbranch.SyncConsistency{LocalHead: "a", RemoteHead: "b", LocalAhead: 1, LocalBehind: 1}, "Diverged: 1 local, 1 remote commit(s) to merge"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, describeAction(&tt.c))
	}
}

func TestSyncJSONStringifiesFailures(t *testing.T) {
	res := &syncer.Result{Failures: map[string]error{"is-01": errors.New("bad yaml")}}
	out := syncJSON(res)
	assert.Equal(t, map[string]string{"is-01": "bad yaml"}, out.Failures)
	assert.Nil(t, syncJSON(&syncer.Result{}).Failures)
}

func initProject(t *testing.T) *project {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping git integration test in short mode")
	}
	env := gitrepo.New(t)
	cfg := config.Default()
	require.NoError(t, config.Save(env.Work, cfg))
	p, err := newProject(git.NewExecRunner(), env.Work, cfg)
	require.NoError(t, err)
	res, err := p.manager.InitWorktree(context.Background())
	require.NoError(t, err)
	require.True(t, res.Success, res.Reason)
	return p
}

func checkNamed(t *testing.T, res *doctorResult, name string) doctorCheck {
	t.Helper()
	for _, c := range res.Checks {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("no %q check in %+v", name, res.Checks)
	return doctorCheck{}
}

func TestDoctorHealthy(t *testing.T) {
	p := initProject(t)
	res, err := runDoctor(context.Background(), p, false)
	require.NoError(t, err)

	assert.True(t, res.OK)
	assert.Equal(t, statusOK, checkNamed(t, res, "Sync worktree").Status)
	assert.Equal(t, statusOK, checkNamed(t, res, "Local sync branch").Status)
	assert.Equal(t, statusOK, checkNamed(t, res, "Issue files").Status)
	assert.Equal(t, "free", checkNamed(t, res, "Worktree lock").Message)
	assert.Nil(t, res.Repair)
}

func TestDoctorFixRebuildsMissingWorktree(t *testing.T) {
	p := initProject(t)
	ctx := context.Background()
	require.NoError(t, os.RemoveAll(p.manager.WorktreePath()))

	res, err := runDoctor(ctx, p, false)
	require.NoError(t, err)
	assert.False(t, res.OK)
	wt := checkNamed(t, res, "Sync worktree")
	assert.Equal(t, statusError, wt.Status)
	assert.Equal(t, string(syncbranch.StatusPrunable), wt.Message)

	res, err = runDoctor(ctx, p, true)
	require.NoError(t, err)
	assert.True(t, res.OK)
	require.NotNil(t, res.Repair)
	assert.True(t, res.Repair.Repaired)
	assert.True(t, res.Health.Valid)
}

func TestDoctorFixMigratesLegacyData(t *testing.T) {
	p := initProject(t)
	ctx := context.Background()

	issue := types.NewIssue("legacy", time.Now())
	legacy := paths.DirectDataDir(p.root)
	require.NoError(t, storage.NewFileStore().WriteIssue(ctx, legacy, issue))

	res, err := runDoctor(ctx, p, false)
	require.NoError(t, err)
	assert.Equal(t, statusWarning, checkNamed(t, res, "Legacy data").Status)

	res, err = runDoctor(ctx, p, true)
	require.NoError(t, err)
	require.NotNil(t, res.Migrate)
	assert.Equal(t, 1, res.Migrate.Migrated)
	assert.True(t, res.Migrate.SourceRemoved)
	assert.FileExists(t, paths.IssuePath(p.manager.DataDir(), issue.ID))
	assert.NoDirExists(t, legacy)
}

func TestDoctorReportsConflictMarkers(t *testing.T) {
	p := initProject(t)
	bad := filepath.Join(paths.IssuesDir(p.manager.DataDir()), types.NewIssueID()+".md")
	require.NoError(t, os.WriteFile(bad, []byte("<<<<<<< HEAD\na\n=======\nb\n>>>>>>> theirs\n"), 0o644))

	res, err := runDoctor(context.Background(), p, false)
	require.NoError(t, err)
	assert.False(t, res.OK)
	c := checkNamed(t, res, "Issue files")
	assert.Equal(t, statusError, c.Status)
	assert.Equal(t, "unresolved conflict markers", c.Message)
}
