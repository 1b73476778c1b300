package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/tbd-sync/tbd/internal/debug"
	"github.com/tbd-sync/tbd/internal/syncbranch"
	"github.com/tbd-sync/tbd/internal/syncer"
	"github.com/tbd-sync/tbd/internal/syncsummary"
	"github.com/tbd-sync/tbd/internal/types"
	"github.com/tbd-sync/tbd/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Synchronize issues with the remote sync branch",
	Long: `Commit local issue changes, merge the remote sync branch and push.

Concurrent edits are merged field by field. Values that lose a conflict are
kept in the attic; see 'tbd attic list'.

  tbd sync            # pull then push
  tbd sync --pull     # only bring in remote changes
  tbd sync --push     # only publish local changes
  tbd sync --status   # report without changing anything`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := getRootContext()
		push, _ := cmd.Flags().GetBool("push")
		pull, _ := cmd.Flags().GetBool("pull")
		status, _ := cmd.Flags().GetBool("status")

		p := mustOpenProject(ctx)
		s := p.syncer()

		if status {
			report, err := s.Status(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(report)
				return nil
			}
			printStatus(report)
			return nil
		}

		res, err := s.Sync(ctx, syncer.Options{Push: push, Pull: pull, AutoRepair: p.cfg.Sync.AutoRepair})
		if err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(syncJSON(res))
			return nil
		}
		printSyncResult(res)
		return nil
	},
}

func init() {
	syncCmd.Flags().Bool("push", false, "Only push local changes")
	syncCmd.Flags().Bool("pull", false, "Only pull remote changes")
	syncCmd.Flags().Bool("status", false, "Show sync status without changing anything")
	syncCmd.MarkFlagsMutuallyExclusive("status", "push")
	syncCmd.MarkFlagsMutuallyExclusive("status", "pull")
	rootCmd.AddCommand(syncCmd)
}

// syncResultJSON adds printable failures to a sync result.
type syncResultJSON struct {
	*syncer.Result
	Failures map[string]string `json:"failures,omitempty"`
}

func syncJSON(res *syncer.Result) syncResultJSON {
	out := syncResultJSON{Result: res}
	if len(res.Failures) > 0 {
		out.Failures = make(map[string]string, len(res.Failures))
		for id, err := range res.Failures {
			out.Failures[id] = err.Error()
		}
	}
	return out
}

func printSyncResult(res *syncer.Result) {
	if res.Repair != nil && res.Repair.Repaired {
		debug.PrintlnNormal(ui.StatusLine(ui.IconWarn,
			fmt.Sprintf("Repaired %s sync worktree", res.Repair.From), res.Repair.BackupPath))
	}

	summary := syncsummary.Format(res.Summary)
	switch {
	case res.LocalOnly:
		label := "Committed locally; no remote configured"
		debug.PrintlnNormal(ui.StatusLine(ui.IconInfo, label, summary))
	case res.Summary.IsEmpty():
		debug.PrintlnNormal(ui.StatusLine(ui.IconPass, "Already in sync", ""))
	default:
		debug.PrintlnNormal(ui.StatusLine(ui.IconPass, "Synced: "+summary, ""))
	}

	for _, c := range res.Conflicts {
		fmt.Println(ui.StatusLine(ui.IconWarn, conflictLabel(c),
			fmt.Sprintf("tbd attic show %s %s", c.EntityID, c.Key())))
	}

	ids := make([]string, 0, len(res.Failures))
	for id := range res.Failures {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Println(ui.StatusLine(ui.IconFail, "Could not merge "+id, res.Failures[id].Error()))
	}
}

func conflictLabel(c types.AtticEntry) string {
	field := c.Field
	if field == "" {
		field = types.WholeRecord
	}
	return fmt.Sprintf("%s: %s kept from %s, %s version saved to attic", c.EntityID, field, c.WinnerSource, c.LoserSource)
}

func printStatus(r *syncer.StatusReport) {
	fmt.Println(ui.RenderCategory("Worktree"))
	printWorktreeHealth(r.Health)

	if r.State != nil && r.State.LastSync != nil {
		fmt.Printf("  Last sync: %s\n", r.State.LastSync.Local().Format(time.RFC1123))
	}
	if !r.Health.Valid {
		return
	}

	fmt.Println()
	fmt.Println(ui.RenderCategory("Sync"))
	if r.Pending.HasTallies() {
		fmt.Println(ui.StatusLine(ui.IconInfo, "Local changes: "+syncsummary.FormatTallies(r.Pending), ""))
	} else {
		fmt.Println(ui.StatusLine(ui.IconPass, "No uncommitted changes", ""))
	}
	if !r.RemoteConfigured {
		fmt.Println(ui.StatusLine(ui.IconInfo, "No remote configured", "changes stay local"))
		return
	}
	fmt.Println(ui.StatusLine(actionIcon(r.Action), describeAction(r.Consistency), "as of the last fetch"))
}

func printWorktreeHealth(h *syncbranch.WorktreeHealth) {
	if h.Valid {
		fmt.Println(ui.StatusLine(ui.IconPass,
			fmt.Sprintf("Sync worktree on %s at %s", h.Branch, shortHash(h.Commit)), h.Path))
		return
	}
	detail := h.Detail
	if detail == "" {
		detail = h.Path
	}
	fmt.Println(ui.StatusLine(ui.IconFail, fmt.Sprintf("Sync worktree is %s", h.Status), detail))
}

func actionIcon(a syncbranch.SyncAction) string {
	if a == syncbranch.ActionNoop {
		return ui.IconPass
	}
	return ui.IconInfo
}

func describeAction(c *syncbranch.SyncConsistency) string {
	switch c.Action() {
	case syncbranch.ActionNoop:
		return "Up to date with remote"
	case syncbranch.ActionPush:
		if c.RemoteHead == "" {
			return "Remote sync branch not created yet"
		}
		return fmt.Sprintf("%d commit(s) to push", c.LocalAhead)
	case syncbranch.ActionFastForward:
		return fmt.Sprintf("%d commit(s) to pull", c.LocalBehind)
	default:
		return fmt.Sprintf("Diverged: %d local, %d remote commit(s) to merge", c.LocalAhead, c.LocalBehind)
	}
}

func shortHash(h string) string {
	if len(h) > 8 {
		return h[:8]
	}
	return h
}
