package syncbranch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tbd-sync/tbd/internal/git"
	"github.com/tbd-sync/tbd/internal/telemetry"
)

// WorktreeStatus classifies the hidden worktree.
type WorktreeStatus string

// Worktree statuses
const (
	StatusValid     WorktreeStatus = "valid"
	StatusMissing   WorktreeStatus = "missing"
	StatusPrunable  WorktreeStatus = "prunable"
	StatusCorrupted WorktreeStatus = "corrupted"
)

// WorktreeHealth is a point-in-time view of the hidden worktree.
type WorktreeHealth struct {
	Status WorktreeStatus `json:"status"`
	Exists bool           `json:"exists"`
	Valid  bool           `json:"valid"`
	Branch string         `json:"branch,omitempty"`
	Commit string         `json:"commit,omitempty"`
	Path   string         `json:"path"`
	Detail string         `json:"detail,omitempty"`
}

// BranchHealth reports whether a branch ref exists and where it points.
type BranchHealth struct {
	Exists bool   `json:"exists"`
	Head   string `json:"head,omitempty"`
}

// SyncAction is what a sync pass must do to reconcile local and remote.
type SyncAction string

// Sync actions
const (
	ActionNoop        SyncAction = "noop"
	ActionPush        SyncAction = "push"
	ActionFastForward SyncAction = "fast-forward"
	ActionMerge       SyncAction = "merge"
)

// SyncConsistency compares the worktree HEAD, the local sync branch and its
// remote-tracking ref.
type SyncConsistency struct {
	WorktreeHead         string `json:"worktree_head,omitempty"`
	LocalHead            string `json:"local_head,omitempty"`
	RemoteHead           string `json:"remote_head,omitempty"`
	WorktreeMatchesLocal bool   `json:"worktree_matches_local"`
	LocalAhead           int    `json:"local_ahead"`
	LocalBehind          int    `json:"local_behind"`
}

// Action derives the reconciliation step from the counts.
func (c *SyncConsistency) Action() SyncAction {
	if c.RemoteHead == "" {
		if c.LocalHead != "" {
			return ActionPush
		}
		return ActionNoop
	}
	if c.LocalHead == "" {
		return ActionFastForward
	}
	switch {
	case c.LocalAhead == 0 && c.LocalBehind == 0:
		return ActionNoop
	case c.LocalBehind == 0:
		return ActionPush
	case c.LocalAhead == 0:
		return ActionFastForward
	default:
		return ActionMerge
	}
}

// CheckWorktreeHealth cross-references git's worktree registry with the
// filesystem.
func (s *Session) CheckWorktreeHealth(ctx context.Context) (health *WorktreeHealth, err error) {
	m := s.m
	ctx, span := m.span(ctx, "health")
	defer func() { telemetry.EndSpan(span, err) }()

	wtPath := m.WorktreePath()
	health = &WorktreeHealth{Path: wtPath}

	entries, err := git.ListWorktrees(ctx, m.runner, m.repoRoot)
	if err != nil {
		return nil, fmt.Errorf("listing worktrees: %w", err)
	}
	entry, registered := git.FindWorktree(entries, wtPath)

	info, statErr := os.Stat(wtPath)
	present := statErr == nil && info.IsDir()
	health.Exists = present

	if !present {
		if registered {
			health.Status = StatusPrunable
			health.Detail = "worktree directory is gone but still registered with git"
			if entry.PruneNote != "" {
				health.Detail = entry.PruneNote
			}
		} else {
			health.Status = StatusMissing
			health.Detail = "worktree has not been created"
		}
		return health, nil
	}

	corrupt := func(format string, args ...any) (*WorktreeHealth, error) {
		health.Status = StatusCorrupted
		health.Detail = fmt.Sprintf(format, args...)
		return health, nil
	}

	if !registered {
		return corrupt("directory exists but is not a registered git worktree")
	}
	// The .git link is checked first: newer git also flags a worktree whose
	// link was deleted as prunable, which would hide the precise cause.
	if detail := checkGitFile(wtPath); detail != "" {
		return corrupt("%s", detail)
	}
	if entry.Prunable {
		return corrupt("git reports the worktree as prunable: %s", entry.PruneNote)
	}
	head, ok, err := git.RevParse(ctx, m.runner, wtPath, "HEAD")
	if err != nil {
		return nil, err
	}
	if !ok {
		return corrupt("git cannot resolve HEAD in the worktree")
	}
	health.Commit = head
	health.Branch = entry.Branch
	if entry.Detached || entry.Branch == "" {
		return corrupt("worktree HEAD is detached; expected branch %s", m.branch)
	}
	if entry.Branch != m.branch {
		return corrupt("worktree is on branch %s; expected %s", entry.Branch, m.branch)
	}

	health.Status = StatusValid
	health.Valid = true
	return health, nil
}

// checkGitFile validates a linked worktree's .git file and returns a
// problem description, or "" when it is sound.
func checkGitFile(wtPath string) string {
	gitFile := filepath.Join(wtPath, ".git")
	info, err := os.Stat(gitFile)
	if err != nil {
		return ".git file is missing"
	}
	if info.IsDir() {
		return ".git is a directory; expected a linked worktree"
	}
	data, err := os.ReadFile(gitFile) // #nosec G304 - fixed path inside the worktree
	if err != nil {
		return fmt.Sprintf(".git file is unreadable: %v", err)
	}
	line := strings.TrimSpace(string(data))
	gitdir, ok := strings.CutPrefix(line, "gitdir:")
	if !ok {
		return ".git file does not contain a gitdir pointer"
	}
	gitdir = strings.TrimSpace(gitdir)
	if !filepath.IsAbs(gitdir) {
		gitdir = filepath.Join(wtPath, gitdir)
	}
	if _, err := os.Stat(gitdir); err != nil {
		return fmt.Sprintf(".git file points at missing gitdir %s", gitdir)
	}
	return ""
}

// CheckSyncConsistency resolves the three heads and counts divergence
// between the local branch and remote/branch. It reads refs as of the last
// fetch.
func (s *Session) CheckSyncConsistency(ctx context.Context, branch, remote string) (*SyncConsistency, error) {
	m := s.m
	c := &SyncConsistency{}

	if head, ok, err := git.RevParse(ctx, m.runner, m.WorktreePath(), "HEAD"); err == nil && ok {
		c.WorktreeHead = head
	}
	local, localOK, err := git.BranchHead(ctx, m.runner, m.repoRoot, branch)
	if err != nil {
		return nil, err
	}
	remoteHead, remoteOK, err := git.RemoteBranchHead(ctx, m.runner, m.repoRoot, remote, branch)
	if err != nil {
		return nil, err
	}
	if localOK {
		c.LocalHead = local
	}
	if remoteOK {
		c.RemoteHead = remoteHead
	}
	c.WorktreeMatchesLocal = c.WorktreeHead != "" && c.WorktreeHead == c.LocalHead

	if localOK && remoteOK && local != remoteHead {
		ahead, behind, err := git.AheadBehind(ctx, m.runner, m.repoRoot,
			"refs/heads/"+branch, "refs/remotes/"+remote+"/"+branch)
		if err != nil {
			return nil, err
		}
		c.LocalAhead, c.LocalBehind = ahead, behind
	}
	return c, nil
}
