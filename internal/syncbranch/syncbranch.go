// Package syncbranch manages the hidden worktree checked out to the sync
// branch: creation, health checks, repair, legacy data migration, and the
// git plumbing the syncer drives inside it.
//
// All worktree operations are mutually exclusive. Within a process they
// serialize on a per-Manager semaphore; across processes they take an advisory
// lock at .tbd/cache/worktree.lock. Use Manager methods for one-shot
// operations, or Begin a Session to hold the lock across several.
package syncbranch

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbd-sync/tbd/internal/git"
	"github.com/tbd-sync/tbd/internal/lockfile"
	"github.com/tbd-sync/tbd/internal/paths"
	"github.com/tbd-sync/tbd/internal/telemetry"
)

// DefaultLockTimeout bounds how long an operation waits for another tbd
// process to release the worktree.
const DefaultLockTimeout = 30 * time.Second

const scopeName = "github.com/tbd-sync/tbd/syncbranch"

// branchNamePattern validates git branch names
// Based on git-check-ref-format rules
var branchNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._/-]*[a-zA-Z0-9]$`)

// ValidateBranchName checks if a branch name is valid according to git rules
func ValidateBranchName(name string) error {
	if name == "" {
		return fmt.Errorf("branch name is required")
	}

	// Basic length check
	if len(name) > 255 {
		return fmt.Errorf("branch name too long (max 255 characters)")
	}

	// Check pattern
	if !branchNamePattern.MatchString(name) {
		return fmt.Errorf("invalid branch name: must start and end with alphanumeric, can contain .-_/ in middle")
	}

	// Disallow certain patterns
	if name == "HEAD" {
		return fmt.Errorf("invalid branch name: %s is reserved", name)
	}

	// No consecutive dots or slashes
	if strings.Contains(name, "..") || strings.Contains(name, "//") {
		return fmt.Errorf("invalid branch name: cannot contain '..' or '//'")
	}

	if strings.HasSuffix(name, ".lock") {
		return fmt.Errorf("invalid branch name: cannot end with '.lock'")
	}

	return nil
}

// Options configures a Manager.
type Options struct {
	Branch      string // defaults to paths.SyncBranch
	Remote      string // defaults to paths.DefaultRemote
	Resolver    *paths.Resolver
	LockTimeout time.Duration // defaults to DefaultLockTimeout
	// FetchTimeout bounds the best-effort fetch during init. Zero skips it.
	FetchTimeout time.Duration
	Now          func() time.Time
}

// Manager owns the hidden worktree of one repository.
type Manager struct {
	runner   git.Runner
	repoRoot string
	branch   string
	remote   string
	resolver *paths.Resolver
	opts     Options
	tracer   trace.Tracer

	// sem holds one token while a Session is open in this process.
	sem chan struct{}
}

// NewManager returns a Manager for the repository at repoRoot.
func NewManager(runner git.Runner, repoRoot string, opts Options) (*Manager, error) {
	if opts.Branch == "" {
		opts.Branch = paths.SyncBranch
	}
	if opts.Remote == "" {
		opts.Remote = paths.DefaultRemote
	}
	if err := ValidateBranchName(opts.Branch); err != nil {
		return nil, err
	}
	if opts.Resolver == nil {
		opts.Resolver = paths.NewResolver()
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = DefaultLockTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		runner:   runner,
		repoRoot: repoRoot,
		branch:   opts.Branch,
		remote:   opts.Remote,
		resolver: opts.Resolver,
		opts:     opts,
		tracer:   telemetry.Tracer(scopeName),
		sem:      make(chan struct{}, 1),
	}, nil
}

// RepoRoot returns the main repository root.
func (m *Manager) RepoRoot() string { return m.repoRoot }

// Branch returns the sync branch name.
func (m *Manager) Branch() string { return m.branch }

// Remote returns the sync remote name.
func (m *Manager) Remote() string { return m.remote }

// WorktreePath returns the hidden worktree directory.
func (m *Manager) WorktreePath() string { return paths.WorktreeDir(m.repoRoot) }

// DataDir returns the data-sync directory inside the worktree.
func (m *Manager) DataDir() string { return paths.WorktreeDataDir(m.repoRoot) }

// Resolver returns the path resolver this manager invalidates.
func (m *Manager) Resolver() *paths.Resolver { return m.resolver }

// Session is exclusive access to the worktree. Close it exactly once.
type Session struct {
	m    *Manager
	lock *lockfile.Lock
}

// Begin waits for exclusive access to the worktree, first within this
// process and then across processes. Both waits share LockTimeout and stop
// when ctx is done. command is recorded in the lock file for diagnostics.
func (m *Manager) Begin(ctx context.Context, command string) (*Session, error) {
	lockCtx, cancel := context.WithTimeout(ctx, m.opts.LockTimeout)
	defer cancel()
	select {
	case m.sem <- struct{}{}:
	case <-lockCtx.Done():
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("another operation in this process is using the sync worktree: %w", lockfile.ErrLockBusy)
	}
	lock, err := lockfile.Acquire(lockCtx, paths.LockPath(m.repoRoot), command)
	if err != nil {
		<-m.sem
		if errors.Is(err, lockfile.ErrLockBusy) {
			return nil, fmt.Errorf("another tbd process is using the sync worktree: %w", err)
		}
		return nil, err
	}
	return &Session{m: m, lock: lock}, nil
}

// Close releases the session's locks.
func (s *Session) Close() error {
	err := s.lock.Release()
	<-s.m.sem
	return err
}

// Manager returns the session's manager.
func (s *Session) Manager() *Manager { return s.m }

func (m *Manager) span(ctx context.Context, name string) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, "syncbranch."+name, trace.WithAttributes(
		attribute.String("tbd.sync.branch", m.branch),
	))
}

// with runs fn inside a one-shot session.
func with[T any](ctx context.Context, m *Manager, command string, fn func(*Session) (T, error)) (T, error) {
	var zero T
	s, err := m.Begin(ctx, command)
	if err != nil {
		return zero, err
	}
	defer s.Close()
	return fn(s)
}

// InitWorktree creates the hidden worktree if needed. See Session.InitWorktree.
func (m *Manager) InitWorktree(ctx context.Context) (*InitResult, error) {
	if res := m.checkEnvironment(ctx); res != nil {
		return res, nil
	}
	return with(ctx, m, "init", func(s *Session) (*InitResult, error) { return s.InitWorktree(ctx) })
}

// CheckWorktreeHealth inspects the hidden worktree.
func (m *Manager) CheckWorktreeHealth(ctx context.Context) (*WorktreeHealth, error) {
	return with(ctx, m, "health", func(s *Session) (*WorktreeHealth, error) { return s.CheckWorktreeHealth(ctx) })
}

// RepairWorktree restores a valid worktree from the given status. An empty
// status is detected first.
func (m *Manager) RepairWorktree(ctx context.Context, status WorktreeStatus) (*RepairResult, error) {
	return with(ctx, m, "repair", func(s *Session) (*RepairResult, error) { return s.RepairWorktree(ctx, status) })
}

// MigrateDataToWorktree moves legacy data into the worktree.
func (m *Manager) MigrateDataToWorktree(ctx context.Context, removeSource bool) (*MigrateResult, error) {
	return with(ctx, m, "migrate", func(s *Session) (*MigrateResult, error) {
		return s.MigrateDataToWorktree(ctx, removeSource)
	})
}

// CheckSyncConsistency compares the worktree, local branch and remote-tracking branch.
func (m *Manager) CheckSyncConsistency(ctx context.Context) (*SyncConsistency, error) {
	return with(ctx, m, "status", func(s *Session) (*SyncConsistency, error) {
		return s.CheckSyncConsistency(ctx, m.branch, m.remote)
	})
}

// CheckLocalBranchHealth reports whether a local branch exists. It only
// reads refs and takes no lock.
func (m *Manager) CheckLocalBranchHealth(ctx context.Context, branch string) (*BranchHealth, error) {
	head, ok, err := git.BranchHead(ctx, m.runner, m.repoRoot, branch)
	if err != nil {
		return nil, err
	}
	return &BranchHealth{Exists: ok, Head: head}, nil
}

// CheckRemoteBranchHealth reports whether remote/branch exists as of the
// last fetch. It never touches the network.
func (m *Manager) CheckRemoteBranchHealth(ctx context.Context, remote, branch string) (*BranchHealth, error) {
	head, ok, err := git.RemoteBranchHead(ctx, m.runner, m.repoRoot, remote, branch)
	if err != nil {
		return nil, err
	}
	return &BranchHealth{Exists: ok, Head: head}, nil
}

// checkEnvironment returns a failed InitResult when git cannot be used in
// repoRoot, or nil when it can.
func (m *Manager) checkEnvironment(ctx context.Context) *InitResult {
	if _, err := git.CheckVersion(ctx, m.runner); err != nil {
		return &InitResult{Reason: err.Error()}
	}
	if _, err := git.RepoRoot(ctx, m.runner, m.repoRoot); err != nil {
		return &InitResult{Reason: err.Error()}
	}
	return nil
}
