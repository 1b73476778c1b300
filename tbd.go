// Package tbd provides a minimal public API for embedding tbd's sync engine.
//
// Programs that want to read or write issues and synchronize them with the
// remote sync branch open a Repo. Everything else lives in internal
// packages and may change without notice.
package tbd

import (
	"context"
	"errors"
	"fmt"

	"github.com/tbd-sync/tbd/internal/config"
	"github.com/tbd-sync/tbd/internal/git"
	"github.com/tbd-sync/tbd/internal/paths"
	"github.com/tbd-sync/tbd/internal/storage"
	"github.com/tbd-sync/tbd/internal/syncbranch"
	"github.com/tbd-sync/tbd/internal/syncer"
	"github.com/tbd-sync/tbd/internal/telemetry"
	"github.com/tbd-sync/tbd/internal/types"
)

// Core types for working with issues
type (
	Issue      = types.Issue
	Status     = types.Status
	Kind       = types.Kind
	AtticEntry = types.AtticEntry
)

// Status constants
const (
	StatusOpen       = types.StatusOpen
	StatusInProgress = types.StatusInProgress
	StatusBlocked    = types.StatusBlocked
	StatusDeferred   = types.StatusDeferred
	StatusClosed     = types.StatusClosed
)

// Kind constants
const (
	KindBug     = types.KindBug
	KindFeature = types.KindFeature
	KindTask    = types.KindTask
	KindEpic    = types.KindEpic
	KindChore   = types.KindChore
)

// Sync types
type (
	SyncOptions = syncer.Options
	SyncResult  = syncer.Result
)

// ErrNotInitialized is returned by Open for a repository without .tbd/config.yml.
var ErrNotInitialized = config.ErrNotInitialized

// ErrNotFound is returned when an issue does not exist.
var ErrNotFound = storage.ErrNotFound

// Repo is an initialized tbd repository.
type Repo struct {
	root    string
	cfg     *config.Config
	runner  git.Runner
	manager *syncbranch.Manager
	issues  storage.IssueStore
}

// Open loads the tbd repository containing dir.
func Open(ctx context.Context, dir string) (*Repo, error) {
	runner := git.NewExecRunner()
	root, err := git.MainRepoRoot(ctx, runner, dir)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(root)
	if err != nil {
		return nil, err
	}
	return newRepo(runner, root, cfg)
}

// Init initializes tbd in the repository containing dir with default
// settings and returns it opened. An already initialized repository is
// opened unchanged.
func Init(ctx context.Context, dir string) (*Repo, error) {
	runner := git.NewExecRunner()
	root, err := git.MainRepoRoot(ctx, runner, dir)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(root)
	if errors.Is(err, config.ErrNotInitialized) {
		cfg = config.Default()
	} else if err != nil {
		return nil, err
	}
	r, err := newRepo(runner, root, cfg)
	if err != nil {
		return nil, err
	}
	res, err := r.manager.InitWorktree(ctx)
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, fmt.Errorf("initializing tbd: %s", res.Reason)
	}
	if err := config.Save(root, cfg); err != nil {
		return nil, err
	}
	return r, nil
}

func newRepo(runner git.Runner, root string, cfg *config.Config) (*Repo, error) {
	mgr, err := syncbranch.NewManager(runner, root, syncbranch.Options{
		Branch:       cfg.Sync.Branch,
		Remote:       cfg.Sync.Remote,
		FetchTimeout: cfg.Sync.FetchTimeout,
	})
	if err != nil {
		return nil, err
	}
	return &Repo{
		root:    root,
		cfg:     cfg,
		runner:  runner,
		manager: mgr,
		issues:  telemetry.WrapIssueStore(storage.NewFileStore()),
	}, nil
}

// Root returns the main repository root.
func (r *Repo) Root() string { return r.root }

// DataDir returns the directory issues are read from. Repositories that
// predate the hidden worktree fall back to .tbd/data-sync.
func (r *Repo) DataDir() (string, error) {
	return r.manager.Resolver().Resolve(r.root, paths.DefaultOptions)
}

// ListIssues returns every issue, sorted by id.
func (r *Repo) ListIssues(ctx context.Context) ([]*Issue, error) {
	dir, err := r.DataDir()
	if err != nil {
		return nil, err
	}
	return r.issues.ListIssues(ctx, dir)
}

// GetIssue loads one issue by id.
func (r *Repo) GetIssue(ctx context.Context, id string) (*Issue, error) {
	dir, err := r.DataDir()
	if err != nil {
		return nil, err
	}
	return r.issues.ReadIssue(ctx, dir, id)
}

// SaveIssue writes an issue. The change is shared on the next Sync.
func (r *Repo) SaveIssue(ctx context.Context, issue *Issue) error {
	dir, err := r.DataDir()
	if err != nil {
		return err
	}
	return r.issues.WriteIssue(ctx, dir, issue)
}

// Sync commits local changes, merges the remote sync branch and pushes.
func (r *Repo) Sync(ctx context.Context, opts SyncOptions) (*SyncResult, error) {
	return syncer.New(r.manager, r.runner, r.cfg, syncer.Deps{Issues: r.issues}).Sync(ctx, opts)
}
