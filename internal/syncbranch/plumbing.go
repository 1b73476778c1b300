package syncbranch

import (
	"context"
	"fmt"

	"github.com/tbd-sync/tbd/internal/debug"
	"github.com/tbd-sync/tbd/internal/git"
)

// Worktree-scoped git operations used by the syncer. Paths are relative to
// the worktree root.

// Head returns the commit checked out in the worktree.
func (s *Session) Head(ctx context.Context) (string, error) {
	head, ok, err := git.RevParse(ctx, s.m.runner, s.m.WorktreePath(), "HEAD")
	if err != nil {
		return "", err
	}
	if !ok {
		return "", &IntegrityError{Status: StatusCorrupted, Detail: "worktree HEAD does not resolve"}
	}
	return head, nil
}

// Fetch updates the remote-tracking ref of the sync branch.
func (s *Session) Fetch(ctx context.Context) error {
	return git.Fetch(ctx, s.m.runner, s.m.repoRoot, s.m.remote, s.m.branch)
}

// Push publishes the worktree HEAD to the remote sync branch.
func (s *Session) Push(ctx context.Context) error {
	return git.Push(ctx, s.m.runner, s.m.WorktreePath(), s.m.remote, s.m.branch)
}

// RemoteRef is the remote-tracking ref of the sync branch.
func (s *Session) RemoteRef() string {
	return "refs/remotes/" + s.m.remote + "/" + s.m.branch
}

// StatusPorcelain returns `git status --porcelain` for the worktree,
// including untracked files.
func (s *Session) StatusPorcelain(ctx context.Context) (string, error) {
	return git.RawOutput(ctx, s.m.runner, s.m.WorktreePath(), "status", "--porcelain", "--untracked-files=all")
}

// DiffNameStatus returns `git diff --name-status from to`.
func (s *Session) DiffNameStatus(ctx context.Context, from, to string) (string, error) {
	return git.RawOutput(ctx, s.m.runner, s.m.WorktreePath(), "diff", "--name-status", "--no-renames", from, to)
}

// ShowFile reads path at rev.
func (s *Session) ShowFile(ctx context.Context, rev, path string) ([]byte, bool, error) {
	return git.ShowFile(ctx, s.m.runner, s.m.WorktreePath(), rev, path)
}

// ListFilesAt lists files under dir at rev.
func (s *Session) ListFilesAt(ctx context.Context, rev, dir string) ([]string, error) {
	return git.ListFiles(ctx, s.m.runner, s.m.WorktreePath(), rev, dir)
}

// MergeBase returns the common ancestor of a and b; ok is false for
// unrelated histories.
func (s *Session) MergeBase(ctx context.Context, a, b string) (string, bool, error) {
	return git.MergeBase(ctx, s.m.runner, s.m.WorktreePath(), a, b)
}

// FastForward advances the sync branch to rev.
func (s *Session) FastForward(ctx context.Context, rev string) error {
	if err := git.Exec(ctx, s.m.runner, s.m.WorktreePath(), "merge", "--ff-only", "--quiet", rev); err != nil {
		return fmt.Errorf("fast-forwarding sync branch: %w", err)
	}
	return nil
}

// BeginMerge starts a merge of rev that keeps the local tree, leaving the
// caller to write resolved content before CommitAll records the merge.
func (s *Session) BeginMerge(ctx context.Context, rev string) error {
	wt := s.m.WorktreePath()
	args := append(git.IdentityArgs(ctx, s.m.runner, wt),
		"merge", "-s", "ours", "--no-commit", "--no-ff", "--allow-unrelated-histories", rev)
	if err := git.Exec(ctx, s.m.runner, wt, args...); err != nil {
		return fmt.Errorf("starting merge of %s: %w", rev, err)
	}
	return nil
}

// AbortMerge abandons an in-progress merge. It is safe to call when no
// merge is in progress.
func (s *Session) AbortMerge(ctx context.Context) error {
	if !s.mergeInProgress(ctx) {
		return nil
	}
	return git.Exec(ctx, s.m.runner, s.m.WorktreePath(), "merge", "--abort")
}

func (s *Session) mergeInProgress(ctx context.Context) bool {
	_, ok, err := git.RevParse(ctx, s.m.runner, s.m.WorktreePath(), "MERGE_HEAD")
	return err == nil && ok
}

// CommitAll stages everything in the worktree and commits it. It reports
// false when there was nothing to commit. A pending merge is always
// committed.
func (s *Session) CommitAll(ctx context.Context, message string) (bool, error) {
	wt := s.m.WorktreePath()
	if err := git.Exec(ctx, s.m.runner, wt, "add", "-A"); err != nil {
		return false, fmt.Errorf("staging worktree changes: %w", err)
	}
	if !s.mergeInProgress(ctx) {
		res, err := s.m.runner.Run(ctx, wt, "diff", "--cached", "--quiet")
		if err != nil {
			return false, err
		}
		if res.OK() {
			return false, nil
		}
	}
	args := append(git.IdentityArgs(ctx, s.m.runner, wt), "commit", "--no-verify", "--quiet", "-m", message)
	if err := git.Exec(ctx, s.m.runner, wt, args...); err != nil {
		return false, fmt.Errorf("committing to %s: %w", s.m.branch, err)
	}
	debug.Logf("committed to %s: %s\n", s.m.branch, message)
	return true, nil
}
