package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tbd-sync/tbd/internal/lockfile"
	"github.com/tbd-sync/tbd/internal/paths"
	"github.com/tbd-sync/tbd/internal/storage"
	"github.com/tbd-sync/tbd/internal/syncbranch"
	"github.com/tbd-sync/tbd/internal/ui"
)

// doctorCheck is one diagnostic line.
type doctorCheck struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // ok, warning, error
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
	Fix     string `json:"fix,omitempty"`
}

const (
	statusOK      = "ok"
	statusWarning = "warning"
	statusError   = "error"
)

type doctorResult struct {
	Checks  []doctorCheck              `json:"checks"`
	Repair  *syncbranch.RepairResult   `json:"repair,omitempty"`
	Migrate *syncbranch.MigrateResult  `json:"migrate,omitempty"`
	Health  *syncbranch.WorktreeHealth `json:"health,omitempty"`
	OK      bool                       `json:"ok"`
}

var doctorCmd = &cobra.Command{
	Use:     "doctor",
	GroupID: "maint",
	Short:   "Check and optionally repair the sync worktree",
	Long: `Diagnose the hidden sync worktree, the sync branch and leftover data.

With --fix, a missing, prunable or corrupted worktree is rebuilt (corrupted
contents are backed up under .tbd/cache/backups first) and data left in the
legacy .tbd/data-sync directory is migrated onto the sync branch.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := getRootContext()
		fix, _ := cmd.Flags().GetBool("fix")
		p := mustOpenProject(ctx)

		result, err := runDoctor(ctx, p, fix)
		if err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(result)
		} else {
			printDoctor(result, fix)
		}
		if !result.OK {
			os.Exit(1)
		}
		return nil
	},
}

func init() {
	doctorCmd.Flags().Bool("fix", false, "Repair the worktree and migrate legacy data")
	rootCmd.AddCommand(doctorCmd)
}

func runDoctor(ctx context.Context, p *project, fix bool) (*doctorResult, error) {
	res := &doctorResult{}
	add := func(c doctorCheck) { res.Checks = append(res.Checks, c) }

	health, err := p.manager.CheckWorktreeHealth(ctx)
	if err != nil {
		return nil, err
	}
	if fix && !health.Valid {
		if res.Repair, err = p.manager.RepairWorktree(ctx, health.Status); err != nil {
			return nil, err
		}
		if health, err = p.manager.CheckWorktreeHealth(ctx); err != nil {
			return nil, err
		}
	}
	res.Health = health
	add(worktreeCheck(health))

	local, err := p.manager.CheckLocalBranchHealth(ctx, p.manager.Branch())
	if err != nil {
		return nil, err
	}
	if local.Exists {
		add(doctorCheck{Name: "Local sync branch", Status: statusOK, Message: p.manager.Branch() + " at " + shortHash(local.Head)})
	} else {
		add(doctorCheck{Name: "Local sync branch", Status: statusError, Message: p.manager.Branch() + " does not exist", Fix: "tbd doctor --fix"})
	}

	remote, err := p.manager.CheckRemoteBranchHealth(ctx, p.manager.Remote(), p.manager.Branch())
	if err != nil {
		return nil, err
	}
	if remote.Exists {
		add(doctorCheck{Name: "Remote sync branch", Status: statusOK, Message: p.manager.Remote() + "/" + p.manager.Branch() + " at " + shortHash(remote.Head)})
	} else {
		add(doctorCheck{Name: "Remote sync branch", Status: statusWarning, Message: "not fetched or not pushed yet", Fix: "tbd sync"})
	}

	legacy := paths.DirectDataDir(p.root)
	if hasEntries(legacy) {
		if fix && health.Valid {
			if res.Migrate, err = p.manager.MigrateDataToWorktree(ctx, true); err != nil {
				return nil, err
			}
			add(doctorCheck{Name: "Legacy data", Status: statusOK,
				Message: fmt.Sprintf("migrated %d file(s), %d already present", res.Migrate.Migrated, res.Migrate.Skipped),
				Detail:  res.Migrate.BackupPath})
		} else {
			add(doctorCheck{Name: "Legacy data", Status: statusWarning, Message: "data found in " + legacy, Fix: "tbd doctor --fix"})
		}
	}

	if health.Valid {
		add(issueFilesCheck(ctx, p.manager.DataDir()))
	}

	add(lockCheck(paths.LockPath(p.root)))

	res.OK = true
	for _, c := range res.Checks {
		if c.Status == statusError {
			res.OK = false
		}
	}
	return res, nil
}

func worktreeCheck(h *syncbranch.WorktreeHealth) doctorCheck {
	if h.Valid {
		return doctorCheck{Name: "Sync worktree", Status: statusOK, Message: "on " + h.Branch, Detail: h.Path}
	}
	return doctorCheck{Name: "Sync worktree", Status: statusError, Message: string(h.Status), Detail: h.Detail, Fix: "tbd doctor --fix"}
}

// issueFilesCheck parses every issue so conflict markers and broken YAML
// surface before the next sync.
func issueFilesCheck(ctx context.Context, dataDir string) doctorCheck {
	issues, err := storage.NewFileStore().ListIssues(ctx, dataDir)
	switch {
	case err == nil:
		return doctorCheck{Name: "Issue files", Status: statusOK, Message: fmt.Sprintf("%d issue(s) readable", len(issues))}
	case storage.IsMergeConflict(err):
		return doctorCheck{Name: "Issue files", Status: statusError, Message: "unresolved conflict markers", Detail: err.Error()}
	default:
		var pe *storage.ParseError
		if errors.As(err, &pe) {
			return doctorCheck{Name: "Issue files", Status: statusError, Message: "unparseable issue file", Detail: err.Error()}
		}
		return doctorCheck{Name: "Issue files", Status: statusError, Message: err.Error()}
	}
}

func lockCheck(path string) doctorCheck {
	st, err := lockfile.Inspect(path)
	switch {
	case err != nil:
		return doctorCheck{Name: "Worktree lock", Status: statusWarning, Message: err.Error()}
	case st.Held && st.Info != nil:
		return doctorCheck{Name: "Worktree lock", Status: statusWarning,
			Message: fmt.Sprintf("held by pid %d (%s)", st.Info.PID, st.Info.Command)}
	case st.Held:
		return doctorCheck{Name: "Worktree lock", Status: statusWarning, Message: "held by another process"}
	case st.Stale:
		return doctorCheck{Name: "Worktree lock", Status: statusOK, Message: "free (stale lock file from an exited process)"}
	}
	return doctorCheck{Name: "Worktree lock", Status: statusOK, Message: "free"}
}

func hasEntries(dir string) bool {
	entries, err := os.ReadDir(dir)
	return err == nil && len(entries) > 0
}

func printDoctor(res *doctorResult, fix bool) {
	if res.Repair != nil && res.Repair.Repaired {
		fmt.Println(ui.StatusLine(ui.IconPass, fmt.Sprintf("Rebuilt %s sync worktree", res.Repair.From), res.Repair.BackupPath))
		fmt.Println()
	}
	fmt.Println(ui.RenderCategory("Diagnostics"))
	for _, c := range res.Checks {
		icon := ui.IconPass
		switch c.Status {
		case statusWarning:
			icon = ui.IconWarn
		case statusError:
			icon = ui.IconFail
		}
		detail := c.Detail
		if c.Fix != "" && !fix {
			if detail != "" {
				detail += "; "
			}
			detail += "fix: " + c.Fix
		}
		fmt.Println(ui.StatusLine(icon, c.Name+": "+c.Message, detail))
	}

	var passed, warnings, errs int
	for _, c := range res.Checks {
		switch c.Status {
		case statusOK:
			passed++
		case statusWarning:
			warnings++
		case statusError:
			errs++
		}
	}
	fmt.Println()
	fmt.Printf("%s  %s  %s\n",
		ui.RenderPass(fmt.Sprintf("%d passed", passed)),
		ui.RenderWarn(fmt.Sprintf("%d warnings", warnings)),
		ui.RenderFail(fmt.Sprintf("%d errors", errs)))
}
