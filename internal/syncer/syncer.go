// Package syncer runs a sync pass: commit local edits in the hidden
// worktree, fetch the remote sync branch, reconcile (fast-forward or
// field-level content merge), and push.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbd-sync/tbd/internal/config"
	"github.com/tbd-sync/tbd/internal/debug"
	"github.com/tbd-sync/tbd/internal/git"
	"github.com/tbd-sync/tbd/internal/merge"
	"github.com/tbd-sync/tbd/internal/paths"
	"github.com/tbd-sync/tbd/internal/storage"
	"github.com/tbd-sync/tbd/internal/syncbranch"
	"github.com/tbd-sync/tbd/internal/syncsummary"
	"github.com/tbd-sync/tbd/internal/telemetry"
	"github.com/tbd-sync/tbd/internal/types"
)

const scopeName = "github.com/tbd-sync/tbd/syncer"

// ErrRemoteAhead is returned by a push-only sync when the remote has
// commits that must be pulled first.
var ErrRemoteAhead = errors.New("remote sync branch has changes that are not merged locally; run 'tbd sync' without --push")

// PushConflictError means the remote kept moving while we merged and
// pushed, and retries ran out. It needs an operator.
type PushConflictError struct {
	Attempts int
	Err      error
}

func (e *PushConflictError) Error() string {
	return fmt.Sprintf("push still rejected after %d attempts; another clone is syncing continuously, retry later: %v", e.Attempts, e.Err)
}

func (e *PushConflictError) Unwrap() error { return e.Err }

// Options selects what a sync pass does. With neither Push nor Pull set,
// both happen.
type Options struct {
	Push bool
	Pull bool
	// AutoRepair repairs a missing, prunable or corrupted worktree instead
	// of failing.
	AutoRepair bool
}

func (o Options) pull() bool { return o.Pull || !o.Push }
func (o Options) push() bool { return o.Push || !o.Pull }

// Result reports one sync pass.
type Result struct {
	Summary   syncsummary.Summary      `json:"summary"`
	Action    syncbranch.SyncAction    `json:"action"`
	Conflicts []types.AtticEntry       `json:"conflicts,omitempty"`
	Failures  map[string]error         `json:"-"`
	Commit    string                   `json:"commit,omitempty"`
	Pushed    bool                     `json:"pushed"`
	Pulled    bool                     `json:"pulled"`
	LocalOnly bool                     `json:"local_only"`
	Repair    *syncbranch.RepairResult `json:"repair,omitempty"`
}

// Syncer drives sync passes for one repository.
type Syncer struct {
	manager *syncbranch.Manager
	runner  git.Runner
	cfg     *config.Config
	issues  storage.IssueStore
	merger  *merge.Merger
	metrics *telemetry.SyncMetrics
	tracer  trace.Tracer
	now     func() time.Time

	// newBackOff builds the retry policy for one network operation.
	newBackOff func() backoff.BackOff
}

// Deps are optional collaborators; zero values get production defaults.
type Deps struct {
	Issues     storage.IssueStore
	Now        func() time.Time
	NewBackOff func() backoff.BackOff
}

// New returns a Syncer for the manager's repository.
func New(manager *syncbranch.Manager, runner git.Runner, cfg *config.Config, deps Deps) *Syncer {
	if deps.Issues == nil {
		deps.Issues = telemetry.WrapIssueStore(storage.NewFileStore())
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.NewBackOff == nil {
		deps.NewBackOff = defaultBackOff
	}
	return &Syncer{
		manager:    manager,
		runner:     runner,
		cfg:        cfg,
		issues:     deps.Issues,
		merger:     &merge.Merger{Now: deps.Now},
		metrics:    telemetry.NewSyncMetrics(),
		tracer:     telemetry.Tracer(scopeName),
		now:        deps.Now,
		newBackOff: deps.NewBackOff,
	}
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 2 * time.Minute
	return b
}

// Sync runs one pass.
func (s *Syncer) Sync(ctx context.Context, opts Options) (res *Result, err error) {
	ctx, span := s.tracer.Start(ctx, "syncer.sync", trace.WithAttributes(
		attribute.Bool("tbd.sync.push", opts.push()),
		attribute.Bool("tbd.sync.pull", opts.pull()),
	))
	defer func() { telemetry.EndSpan(span, err) }()

	sess, err := s.manager.Begin(ctx, "sync")
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	res = &Result{Action: syncbranch.ActionNoop, Failures: map[string]error{}}
	if res.Repair, err = s.ensureWorktree(ctx, sess, opts.AutoRepair); err != nil {
		return nil, err
	}
	dataDir, err := s.manager.Resolver().Resolve(s.manager.RepoRoot(), paths.Options{AllowFallback: false})
	if err != nil {
		return nil, err
	}

	status, err := sess.StatusPorcelain(ctx)
	if err != nil {
		return nil, err
	}
	pending := syncsummary.ParseGitStatusFunc(status, isIssuePath)
	if _, err := sess.CommitAll(ctx, "tbd sync: record local changes"); err != nil {
		return nil, err
	}

	if !git.HasRemote(ctx, s.runner, s.manager.RepoRoot(), s.manager.Remote()) {
		debug.Logf("sync: remote %s not configured, committing locally only\n", s.manager.Remote())
		res.LocalOnly = true
		res.Summary.Sent = pending
		return s.finish(ctx, sess, res)
	}

	if err := s.fetch(ctx, sess); err != nil {
		return nil, err
	}

	c, err := sess.CheckSyncConsistency(ctx, s.manager.Branch(), s.manager.Remote())
	if err != nil {
		return nil, err
	}
	res.Action = c.Action()
	debug.Logf("sync: local=%s remote=%s ahead=%d behind=%d action=%s\n",
		short(c.LocalHead), short(c.RemoteHead), c.LocalAhead, c.LocalBehind, res.Action)

	if opts.pull() {
		if err := s.integrate(ctx, sess, dataDir, c, res); err != nil {
			return nil, err
		}
	} else if res.Action == syncbranch.ActionFastForward || res.Action == syncbranch.ActionMerge {
		return nil, ErrRemoteAhead
	}

	if opts.push() {
		if err := s.pushWithRetry(ctx, sess, dataDir, res); err != nil {
			return nil, err
		}
	} else {
		res.Summary.Sent = pending
	}
	return s.finish(ctx, sess, res)
}

// ensureWorktree makes sure the hidden worktree is valid, repairing it when
// allowed.
func (s *Syncer) ensureWorktree(ctx context.Context, sess *syncbranch.Session, autoRepair bool) (*syncbranch.RepairResult, error) {
	health, err := sess.CheckWorktreeHealth(ctx)
	if err != nil {
		return nil, err
	}
	if health.Valid {
		return nil, nil
	}
	if !autoRepair {
		return nil, &syncbranch.IntegrityError{
			Status: health.Status,
			Detail: health.Detail,
			Hint:   "run 'tbd doctor --fix' to repair the sync worktree",
		}
	}
	debug.Logf("sync: worktree is %s, repairing\n", health.Status)
	return sess.RepairWorktree(ctx, health.Status)
}

// integrate brings remote commits into the local sync branch.
func (s *Syncer) integrate(ctx context.Context, sess *syncbranch.Session, dataDir string, c *syncbranch.SyncConsistency, res *Result) error {
	switch c.Action() {
	case syncbranch.ActionFastForward:
		before := c.LocalHead
		if err := sess.FastForward(ctx, sess.RemoteRef()); err != nil {
			return err
		}
		received, err := s.diffTallies(ctx, sess, before, "HEAD")
		if err != nil {
			return err
		}
		res.Summary.Received.Add(received)
		res.Pulled = true
	case syncbranch.ActionMerge:
		before := c.LocalHead
		out, err := s.mergeRemote(ctx, sess, dataDir, c.RemoteHead)
		if err != nil {
			return err
		}
		received, err := s.diffTallies(ctx, sess, before, "HEAD")
		if err != nil {
			return err
		}
		res.Summary.Received.Add(received)
		res.Summary.Conflicts += len(out.conflicts)
		res.Conflicts = append(res.Conflicts, out.conflicts...)
		for id, ferr := range out.failures {
			res.Failures[id] = ferr
		}
		res.Pulled = true
	}
	return nil
}

// pushWithRetry publishes local commits. A rejected push means the remote
// moved: fetch, merge again, and retry up to the configured limit.
func (s *Syncer) pushWithRetry(ctx context.Context, sess *syncbranch.Session, dataDir string, res *Result) error {
	attempts := 0
	for {
		c, err := sess.CheckSyncConsistency(ctx, s.manager.Branch(), s.manager.Remote())
		if err != nil {
			return err
		}
		if c.Action() != syncbranch.ActionPush {
			return nil
		}

		sent, err := s.outgoing(ctx, sess, c.RemoteHead)
		if err != nil {
			return err
		}
		attempts++
		err = s.push(ctx, sess)
		if err == nil {
			res.Summary.Sent = sent
			res.Pushed = true
			s.refresh(ctx, sess)
			return nil
		}
		if !errors.Is(err, git.ErrPushRejected) {
			return err
		}
		if attempts > s.cfg.Sync.PushRetries {
			return &PushConflictError{Attempts: attempts, Err: err}
		}
		debug.Logf("sync: push rejected (attempt %d), merging remote changes again\n", attempts)
		s.metrics.RecordRetry(ctx, "push-merge")
		if err := s.fetch(ctx, sess); err != nil {
			return err
		}
		c, err = sess.CheckSyncConsistency(ctx, s.manager.Branch(), s.manager.Remote())
		if err != nil {
			return err
		}
		if err := s.integrate(ctx, sess, dataDir, c, res); err != nil {
			return err
		}
	}
}

// fetch updates the remote-tracking ref with a per-attempt timeout. A
// remote without the sync branch is not an error.
func (s *Syncer) fetch(ctx context.Context, sess *syncbranch.Session) error {
	err := s.retry(ctx, "fetch", func(ctx context.Context) error {
		fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.Sync.FetchTimeout)
		defer cancel()
		return sess.Fetch(fetchCtx)
	})
	if errors.Is(err, git.ErrNoRemoteBranch) {
		debug.Logf("sync: %s has no %s branch yet\n", s.manager.Remote(), s.manager.Branch())
		return nil
	}
	return err
}

// push publishes HEAD with a per-attempt timeout. A timed-out attempt is
// retried like any transient failure.
func (s *Syncer) push(ctx context.Context, sess *syncbranch.Session) error {
	return s.retry(ctx, "push", func(ctx context.Context) error {
		pushCtx, cancel := context.WithTimeout(ctx, s.cfg.Sync.PushTimeout)
		defer cancel()
		return sess.Push(pushCtx)
	})
}

// refresh updates the remote-tracking ref after a successful push. Failure
// only leaves the ref stale until the next fetch.
func (s *Syncer) refresh(ctx context.Context, sess *syncbranch.Session) {
	fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.Sync.FetchTimeout)
	defer cancel()
	if err := sess.Fetch(fetchCtx); err != nil && !errors.Is(err, git.ErrNoRemoteBranch) {
		debug.Logf("sync: refreshing remote-tracking ref after push: %v\n", err)
	}
}

// retry runs fn with bounded exponential backoff, retrying only transient
// failures. Push rejections are returned at once; they need a merge, not a
// repeat.
func (s *Syncer) retry(ctx context.Context, op string, fn func(context.Context) error) error {
	b := backoff.WithContext(backoff.WithMaxRetries(s.newBackOff(), uint64(max(s.cfg.Sync.PushRetries, 0))), ctx)
	return backoff.RetryNotify(func() error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, git.ErrPushRejected) || !git.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, wait time.Duration) {
		debug.Logf("sync: %s failed, retrying in %v: %v\n", op, wait, err)
		s.metrics.RecordRetry(ctx, op)
	})
}

// outgoing tallies what a push from HEAD would send to remoteHead.
func (s *Syncer) outgoing(ctx context.Context, sess *syncbranch.Session, remoteHead string) (syncsummary.Tallies, error) {
	if remoteHead != "" {
		return s.diffTallies(ctx, sess, remoteHead, "HEAD")
	}
	files, err := sess.ListFilesAt(ctx, "HEAD", issuesRel())
	if err != nil {
		return syncsummary.Tallies{}, err
	}
	var t syncsummary.Tallies
	for _, f := range files {
		if isIssuePath(f) {
			t.New++
		}
	}
	return t, nil
}

func (s *Syncer) diffTallies(ctx context.Context, sess *syncbranch.Session, from, to string) (syncsummary.Tallies, error) {
	out, err := sess.DiffNameStatus(ctx, from, to)
	if err != nil {
		return syncsummary.Tallies{}, err
	}
	return syncsummary.ParseGitDiffFunc(out, isIssuePath), nil
}

// finish records local state and the event log entry.
func (s *Syncer) finish(ctx context.Context, sess *syncbranch.Session, res *Result) (*Result, error) {
	head, err := sess.Head(ctx)
	if err != nil {
		return nil, err
	}
	res.Commit = head

	root := s.manager.RepoRoot()
	st, err := config.LoadState(root)
	if err != nil {
		debug.Logf("sync: ignoring unreadable local state: %v\n", err)
		st = &config.LocalState{}
	}
	now := s.now().UTC()
	st.LastSync = &now
	if res.Pulled {
		st.LastPull = &now
	}
	if res.Pushed {
		st.LastPush = &now
	}
	st.LastSyncedCommit = head
	if err := config.SaveState(root, st); err != nil {
		return nil, fmt.Errorf("saving sync state: %w", err)
	}

	if !res.Summary.IsEmpty() {
		debug.LogEvent(paths.CacheDir(root), debug.EventSync, "", res.Summary.String())
	}
	return res, nil
}

// issuesRel is the issues directory relative to the sync branch root.
func issuesRel() string {
	return path.Join(filepath.ToSlash(paths.DataSyncRel), paths.IssuesDirName)
}

// isIssuePath reports whether a repository-relative path is an issue file.
func isIssuePath(p string) bool {
	p = filepath.ToSlash(p)
	return strings.HasPrefix(p, issuesRel()+"/") && strings.HasSuffix(p, ".md")
}

func short(hash string) string {
	if len(hash) > 8 {
		return hash[:8]
	}
	if hash == "" {
		return "-"
	}
	return hash
}
