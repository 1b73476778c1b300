package syncer

import (
	"context"

	"github.com/tbd-sync/tbd/internal/config"
	"github.com/tbd-sync/tbd/internal/git"
	"github.com/tbd-sync/tbd/internal/syncbranch"
	"github.com/tbd-sync/tbd/internal/syncsummary"
)

// StatusReport describes the sync state without changing anything. Remote
// information is as of the last fetch.
type StatusReport struct {
	Health           *syncbranch.WorktreeHealth  `json:"health"`
	Consistency      *syncbranch.SyncConsistency `json:"consistency,omitempty"`
	Action           syncbranch.SyncAction       `json:"action,omitempty"`
	Pending          syncsummary.Tallies         `json:"pending"`
	RemoteConfigured bool                        `json:"remote_configured"`
	State            *config.LocalState          `json:"state,omitempty"`
}

// Status reports worktree health, divergence from the remote and
// uncommitted local changes.
func (s *Syncer) Status(ctx context.Context) (*StatusReport, error) {
	sess, err := s.manager.Begin(ctx, "status")
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	report := &StatusReport{
		RemoteConfigured: git.HasRemote(ctx, s.runner, s.manager.RepoRoot(), s.manager.Remote()),
	}
	if report.Health, err = sess.CheckWorktreeHealth(ctx); err != nil {
		return nil, err
	}
	if st, err := config.LoadState(s.manager.RepoRoot()); err == nil {
		report.State = st
	}
	if !report.Health.Valid {
		return report, nil
	}

	status, err := sess.StatusPorcelain(ctx)
	if err != nil {
		return nil, err
	}
	report.Pending = syncsummary.ParseGitStatusFunc(status, isIssuePath)

	if report.Consistency, err = sess.CheckSyncConsistency(ctx, s.manager.Branch(), s.manager.Remote()); err != nil {
		return nil, err
	}
	report.Action = report.Consistency.Action()
	return report, nil
}
