package syncer

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbd-sync/tbd/internal/attic"
	"github.com/tbd-sync/tbd/internal/config"
	"github.com/tbd-sync/tbd/internal/git"
	"github.com/tbd-sync/tbd/internal/paths"
	"github.com/tbd-sync/tbd/internal/storage"
	"github.com/tbd-sync/tbd/internal/syncbranch"
	"github.com/tbd-sync/tbd/internal/testutil/gitrepo"
	"github.com/tbd-sync/tbd/internal/types"
)

var epoch = time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC)

// hookRunner runs real git, calling before (when set) ahead of every
// invocation. A non-nil error from before replaces the git call.
type hookRunner struct {
	git.Runner
	before func(ctx context.Context, args []string) error
}

func (r *hookRunner) Run(ctx context.Context, dir string, args ...string) (*git.Result, error) {
	if r.before != nil {
		if err := r.before(ctx, args); err != nil {
			return nil, err
		}
	}
	return r.Runner.Run(ctx, dir, args...)
}

// clone is one working copy with its own worktree and syncer.
type clone struct {
	t      *testing.T
	dir    string
	mgr    *syncbranch.Manager
	syncer *Syncer
	store  *storage.FileStore
	runner *hookRunner
	cfg    *config.Config
}

func newClone(t *testing.T, dir string) *clone {
	t.Helper()
	runner := &hookRunner{Runner: git.NewExecRunner()}
	mgr, err := syncbranch.NewManager(runner, dir, syncbranch.Options{FetchTimeout: 30 * time.Second})
	require.NoError(t, err)
	res, err := mgr.InitWorktree(context.Background())
	require.NoError(t, err)
	require.True(t, res.Success, res.Reason)

	store := storage.NewFileStore()
	cfg := config.Default()
	s := New(mgr, runner, cfg, Deps{
		Issues:     store,
		Now:        func() time.Time { return epoch.Add(time.Hour) },
		NewBackOff: func() backoff.BackOff { return &backoff.ZeroBackOff{} },
	})
	return &clone{t: t, dir: dir, mgr: mgr, syncer: s, store: store, runner: runner, cfg: cfg}
}

func (c *clone) sync(opts Options) *Result {
	c.t.Helper()
	res, err := c.syncer.Sync(context.Background(), opts)
	require.NoError(c.t, err)
	return res
}

func (c *clone) write(issue *types.Issue) {
	c.t.Helper()
	require.NoError(c.t, c.store.WriteIssue(context.Background(), c.mgr.DataDir(), issue))
}

func (c *clone) read(id string) *types.Issue {
	c.t.Helper()
	issue, err := c.store.ReadIssue(context.Background(), c.mgr.DataDir(), id)
	require.NoError(c.t, err)
	return issue
}

func (c *clone) edit(id string, at time.Time, fn func(*types.Issue)) {
	c.t.Helper()
	issue := c.read(id)
	fn(issue)
	issue.Touch(at)
	c.write(issue)
}

func (c *clone) raw(id string) []byte {
	c.t.Helper()
	data, err := os.ReadFile(paths.IssuePath(c.mgr.DataDir(), id))
	require.NoError(c.t, err)
	return data
}

// pair returns two clones of one origin; the first has already pushed an
// initialized sync branch.
func pair(t *testing.T) (*clone, *clone) {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	env := gitrepo.New(t)
	a := newClone(t, env.Work)
	a.sync(Options{})
	b := newClone(t, env.Clone(t, "b"))
	return a, b
}

// shared creates an issue in a and syncs it to b.
func shared(t *testing.T, a, b *clone, title string) *types.Issue {
	t.Helper()
	issue := types.NewIssue(title, epoch)
	a.write(issue)
	a.sync(Options{})
	b.sync(Options{})
	return issue
}

func TestSyncPushThenPull(t *testing.T) {
	a, b := pair(t)
	issue := types.NewIssue("First issue", epoch)
	issue.Description = "Body with ünïcode"
	a.write(issue)

	sent := a.sync(Options{})
	assert.Equal(t, 1, sent.Summary.Sent.New)
	assert.True(t, sent.Pushed)
	assert.Equal(t, "sent 1 new", sent.Summary.String())

	got := b.sync(Options{})
	assert.Equal(t, syncbranch.ActionFastForward, got.Action)
	assert.Equal(t, 1, got.Summary.Received.New)
	assert.True(t, got.Pulled)
	assert.Equal(t, a.raw(issue.ID), b.raw(issue.ID))

	again := b.sync(Options{})
	assert.Equal(t, syncbranch.ActionNoop, again.Action)
	assert.True(t, again.Summary.IsEmpty())
}

func TestSyncConcurrentEditsLastWriterWins(t *testing.T) {
	a, b := pair(t)
	issue := shared(t, a, b, "Original")

	a.edit(issue.ID, epoch.Add(1*time.Minute), func(i *types.Issue) { i.Title = "Title from A" })
	b.edit(issue.ID, epoch.Add(2*time.Minute), func(i *types.Issue) {
		i.Title = "Title from B"
		i.Status = types.StatusInProgress
	})

	a.sync(Options{})
	res := b.sync(Options{})
	assert.Empty(t, res.Failures)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, "title", res.Conflicts[0].Field)
	assert.Equal(t, "Title from A", res.Conflicts[0].LostValue)
	assert.Equal(t, types.SourceLocal, res.Conflicts[0].WinnerSource)
	assert.Equal(t, 1, res.Summary.Conflicts)
	assert.True(t, res.Pushed)

	merged := b.read(issue.ID)
	assert.Equal(t, "Title from B", merged.Title)
	assert.Equal(t, types.StatusInProgress, merged.Status)
	assert.Equal(t, 3, merged.Version)
	assert.True(t, merged.UpdatedAt.Equal(epoch.Add(2*time.Minute)))

	entries, err := attic.NewStore(b.mgr.DataDir()).List(issue.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "Title from A", entries[0].LostValue)

	back := a.sync(Options{})
	assert.Equal(t, syncbranch.ActionFastForward, back.Action)
	assert.Equal(t, b.raw(issue.ID), a.raw(issue.ID), "both clones converge")

	aEntries, err := attic.NewStore(a.mgr.DataDir()).List(issue.ID)
	require.NoError(t, err)
	assert.Len(t, aEntries, 1, "attic entries travel with the branch")
}

func TestSyncUnionsLabelsWithoutConflict(t *testing.T) {
	a, b := pair(t)
	issue := shared(t, a, b, "Labels")

	a.edit(issue.ID, epoch.Add(time.Minute), func(i *types.Issue) { i.Labels = []string{"backend"} })
	b.edit(issue.ID, epoch.Add(2*time.Minute), func(i *types.Issue) { i.Labels = []string{"urgent"} })

	a.sync(Options{})
	res := b.sync(Options{})
	assert.Empty(t, res.Conflicts)
	assert.Equal(t, []string{"backend", "urgent"}, b.read(issue.ID).Labels)
}

func TestSyncDisjointEditsMergeCleanly(t *testing.T) {
	a, b := pair(t)
	first := shared(t, a, b, "First")

	second := types.NewIssue("Second from A", epoch.Add(time.Minute))
	a.write(second)
	b.edit(first.ID, epoch.Add(2*time.Minute), func(i *types.Issue) { i.Priority = 0 })

	a.sync(Options{})
	res := b.sync(Options{})
	assert.Empty(t, res.Conflicts)
	assert.Equal(t, 1, res.Summary.Received.New)
	assert.Equal(t, "Second from A", b.read(second.ID).Title)
	assert.Equal(t, 0, b.read(first.ID).Priority)
}

func TestSyncDeletion(t *testing.T) {
	t.Run("delete of an untouched record wins", func(t *testing.T) {
		a, b := pair(t)
		doomed := shared(t, a, b, "Doomed")
		other := shared(t, a, b, "Other")

		require.NoError(t, a.store.DeleteIssue(context.Background(), a.mgr.DataDir(), doomed.ID))
		b.edit(other.ID, epoch.Add(time.Minute), func(i *types.Issue) { i.Assignee = "bob" })

		a.sync(Options{})
		res := b.sync(Options{})
		assert.Equal(t, 1, res.Summary.Received.Deleted)
		_, err := b.store.ReadIssue(context.Background(), b.mgr.DataDir(), doomed.ID)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("edit wins over delete", func(t *testing.T) {
		a, b := pair(t)
		kept := shared(t, a, b, "Kept")
		other := shared(t, a, b, "Other")

		require.NoError(t, a.store.DeleteIssue(context.Background(), a.mgr.DataDir(), kept.ID))
		a.edit(other.ID, epoch.Add(time.Minute), func(i *types.Issue) { i.Assignee = "alice" })
		b.edit(kept.ID, epoch.Add(2*time.Minute), func(i *types.Issue) { i.Title = "Still needed" })

		a.sync(Options{})
		b.sync(Options{})
		assert.Equal(t, "Still needed", b.read(kept.ID).Title)
	})
}

func TestSyncConcurrentCreationSameID(t *testing.T) {
	a, b := pair(t)
	early := types.NewIssue("Created first", epoch)
	late := early.Clone()
	late.Title = "Created second"
	late.CreatedAt = epoch.Add(time.Minute)
	late.UpdatedAt = epoch.Add(time.Minute)

	a.write(early)
	b.write(late)
	a.sync(Options{})
	res := b.sync(Options{})

	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, "", res.Conflicts[0].Field)
	assert.Equal(t, types.SourceRemote, res.Conflicts[0].WinnerSource)
	assert.Equal(t, "Created first", b.read(early.ID).Title)
}

func TestSyncMergesMappings(t *testing.T) {
	a, b := pair(t)
	shared(t, a, b, "Anchor")

	require.NoError(t, storage.SaveMapping(a.mgr.DataDir(), "ids", storage.Mapping{"a1": "is-a"}))
	require.NoError(t, storage.SaveMapping(b.mgr.DataDir(), "ids", storage.Mapping{"b1": "is-b"}))

	a.sync(Options{})
	b.sync(Options{})

	m, err := storage.LoadMapping(b.mgr.DataDir(), "ids")
	require.NoError(t, err)
	assert.Equal(t, storage.Mapping{"a1": "is-a", "b1": "is-b"}, m)
}

func TestSyncWithoutRemote(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	dir := t.TempDir()
	gitrepo.Init(t, dir)
	c := newClone(t, dir)
	c.write(types.NewIssue("Offline", epoch))

	res := c.sync(Options{})
	assert.True(t, res.LocalOnly)
	assert.False(t, res.Pushed)
	assert.Equal(t, 1, res.Summary.Sent.New)
	assert.Equal(t, "", gitrepo.Git(t, c.mgr.WorktreePath(), "status", "--porcelain"))

	st, err := config.LoadState(dir)
	require.NoError(t, err)
	assert.Equal(t, res.Commit, st.LastSyncedCommit)
	require.NotNil(t, st.LastSync)
	assert.Nil(t, st.LastPush)
}

func TestSyncWorktreeMissing(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	env := gitrepo.New(t)
	c := newClone(t, env.Work)
	require.NoError(t, os.RemoveAll(c.mgr.WorktreePath()))
	c.mgr.Resolver().Invalidate()

	_, err := c.syncer.Sync(context.Background(), Options{})
	var integrity *syncbranch.IntegrityError
	require.ErrorAs(t, err, &integrity)
	assert.Equal(t, syncbranch.StatusPrunable, integrity.Status)

	res := c.sync(Options{AutoRepair: true})
	require.NotNil(t, res.Repair)
	assert.True(t, res.Repair.Repaired)
	assert.DirExists(t, c.mgr.DataDir())
}

func TestSyncPushOnlyWhenRemoteAhead(t *testing.T) {
	a, b := pair(t)
	shared(t, a, b, "Base")
	a.write(types.NewIssue("New on A", epoch))
	a.sync(Options{})

	_, err := b.syncer.Sync(context.Background(), Options{Push: true})
	assert.True(t, errors.Is(err, ErrRemoteAhead), "got %v", err)
}

func TestSyncPullOnlyDoesNotPush(t *testing.T) {
	a, b := pair(t)
	b.write(types.NewIssue("Unpushed", epoch))
	res := b.sync(Options{Pull: true})
	assert.False(t, res.Pushed)
	assert.Equal(t, 1, res.Summary.Sent.New, "committed locally")

	st, err := a.syncer.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, syncbranch.ActionNoop, st.Action)
}

func TestStatus(t *testing.T) {
	a, _ := pair(t)
	a.write(types.NewIssue("Pending", epoch))

	st, err := a.syncer.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, st.Health.Valid)
	assert.Equal(t, paths.SyncBranch, st.Health.Branch)
	assert.True(t, st.RemoteConfigured)
	assert.Equal(t, 1, st.Pending.New)
	assert.Zero(t, st.Pending.Updated)

	require.NotNil(t, st.Consistency)
	assert.True(t, st.Consistency.WorktreeMatchesLocal)
	assert.Equal(t, st.Consistency.LocalHead, st.Consistency.RemoteHead)
	assert.Equal(t, syncbranch.ActionNoop, st.Action)

	require.NotNil(t, st.State)
	assert.NotEmpty(t, st.State.NodeID)
	assert.NotEmpty(t, st.State.LastSyncedCommit)
	require.NotNil(t, st.State.LastPush)
	assert.True(t, st.State.LastPush.Equal(epoch.Add(time.Hour)))
}

func TestPushConflictErrorUnwraps(t *testing.T) {
	err := &PushConflictError{Attempts: 4, Err: git.ErrPushRejected}
	assert.ErrorIs(t, err, git.ErrPushRejected)
	assert.Contains(t, err.Error(), "4 attempts")
}

func TestSyncNetworkCallsHaveDeadlines(t *testing.T) {
	a, _ := pair(t)
	a.write(types.NewIssue("Needs a push", epoch))

	calls := map[string]int{}
	var unbounded []string
	a.runner.before = func(ctx context.Context, args []string) error {
		if args[0] != "push" && args[0] != "fetch" {
			return nil
		}
		calls[args[0]]++
		if _, ok := ctx.Deadline(); !ok {
			unbounded = append(unbounded, args[0])
		}
		return nil
	}

	res := a.sync(Options{})
	assert.True(t, res.Pushed)
	assert.Equal(t, 1, calls["push"])
	assert.Equal(t, 2, calls["fetch"], "fetch before merging and after pushing")
	assert.Empty(t, unbounded, "every network call must carry a deadline")
}

func TestSyncRetriesTransientFetchFailure(t *testing.T) {
	a, b := pair(t)
	a.write(types.NewIssue("From A", epoch))
	a.sync(Options{})

	failed := 0
	b.runner.before = func(_ context.Context, args []string) error {
		if args[0] == "fetch" && failed == 0 {
			failed++
			return &git.TimeoutError{Args: args, Timeout: time.Second}
		}
		return nil
	}

	res := b.sync(Options{})
	assert.Equal(t, 1, failed)
	assert.Equal(t, syncbranch.ActionFastForward, res.Action)
	assert.Equal(t, 1, res.Summary.Received.New)
}

func TestSyncFetchFailsWhenRetriesRunOut(t *testing.T) {
	_, b := pair(t)
	b.cfg.Sync.PushRetries = 1
	attempts := 0
	b.runner.before = func(_ context.Context, args []string) error {
		if args[0] == "fetch" {
			attempts++
			return &git.TimeoutError{Args: args, Timeout: time.Second}
		}
		return nil
	}

	_, err := b.syncer.Sync(context.Background(), Options{})
	var timeout *git.TimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, 2, attempts, "one attempt plus one retry")
}

func TestSyncMergesAgainAfterRejectedPush(t *testing.T) {
	a, b := pair(t)
	fromA := types.NewIssue("Raced in from A", epoch)
	fromB := types.NewIssue("Written on B", epoch)
	a.write(fromA)
	b.write(fromB)

	pushes := 0
	b.runner.before = func(_ context.Context, args []string) error {
		if args[0] != "push" {
			return nil
		}
		pushes++
		if pushes == 1 {
			// A publishes between B's fetch and B's push.
			a.sync(Options{})
		}
		return nil
	}

	res := b.sync(Options{})
	assert.Equal(t, 2, pushes, "rejected push is retried after merging")
	assert.True(t, res.Pushed)
	assert.Equal(t, "sent 1 new, received 1 new", res.Summary.String())
	assert.Equal(t, fromA.Title, b.read(fromA.ID).Title)

	a.sync(Options{})
	assert.Equal(t, fromB.Title, a.read(fromB.ID).Title)
}

func TestSyncPushConflictWhenRemoteKeepsMoving(t *testing.T) {
	a, b := pair(t)
	b.cfg.Sync.PushRetries = 0
	b.write(types.NewIssue("Never lands", epoch))

	pushes := 0
	b.runner.before = func(_ context.Context, args []string) error {
		if args[0] != "push" {
			return nil
		}
		pushes++
		a.write(types.NewIssue("Another from A", epoch))
		a.sync(Options{})
		return nil
	}

	_, err := b.syncer.Sync(context.Background(), Options{})
	var conflict *PushConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, 1, conflict.Attempts)
	assert.ErrorIs(t, err, git.ErrPushRejected)
	assert.Equal(t, 1, pushes)
}
