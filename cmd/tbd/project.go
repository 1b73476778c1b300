package main

import (
	"context"
	"fmt"
	"os"

	"github.com/tbd-sync/tbd/internal/config"
	"github.com/tbd-sync/tbd/internal/git"
	"github.com/tbd-sync/tbd/internal/syncbranch"
	"github.com/tbd-sync/tbd/internal/syncer"
)

// project bundles what every command needs for one repository.
type project struct {
	root    string
	cfg     *config.Config
	runner  git.Runner
	manager *syncbranch.Manager
}

// findRoot returns the main repository root for the working directory,
// even when run from inside the hidden worktree.
func findRoot(ctx context.Context, runner git.Runner) (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("getting working directory: %w", err)
	}
	return git.MainRepoRoot(ctx, runner, cwd)
}

// openProject loads the configuration of an initialized repository.
func openProject(ctx context.Context) (*project, error) {
	runner := git.NewExecRunner()
	root, err := findRoot(ctx, runner)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(root)
	if err != nil {
		return nil, err
	}
	return newProject(runner, root, cfg)
}

func newProject(runner git.Runner, root string, cfg *config.Config) (*project, error) {
	mgr, err := syncbranch.NewManager(runner, root, managerOptions(cfg))
	if err != nil {
		return nil, err
	}
	return &project{root: root, cfg: cfg, runner: runner, manager: mgr}, nil
}

func managerOptions(cfg *config.Config) syncbranch.Options {
	return syncbranch.Options{
		Branch:       cfg.Sync.Branch,
		Remote:       cfg.Sync.Remote,
		FetchTimeout: cfg.Sync.FetchTimeout,
	}
}

func (p *project) syncer() *syncer.Syncer {
	return syncer.New(p.manager, p.runner, p.cfg, syncer.Deps{})
}

// mustOpenProject is openProject for commands that cannot proceed without one.
func mustOpenProject(ctx context.Context) *project {
	p, err := openProject(ctx)
	if err != nil {
		if jsonOutput {
			outputJSONError(err, errorCode(err))
		}
		reportError(err)
		os.Exit(1)
	}
	return p
}
