package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tbd-sync/tbd/internal/debug"
	"github.com/tbd-sync/tbd/internal/paths"
	"github.com/tbd-sync/tbd/internal/ui"
)

var migrateCmd = &cobra.Command{
	Use:     "migrate",
	GroupID: "maint",
	Short:   "Move data from .tbd/data-sync onto the sync branch",
	Long: `Copy issue data written by older versions into the hidden sync worktree
and commit it. A backup of the legacy directory is taken first. Files
already present with identical content are skipped, so the command can be
re-run after an interruption.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := getRootContext()
		removeSource, _ := cmd.Flags().GetBool("remove-source")
		p := mustOpenProject(ctx)

		res, err := p.manager.MigrateDataToWorktree(ctx, removeSource)
		if err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(res)
			return nil
		}
		if res.Migrated == 0 && res.Skipped == 0 {
			debug.PrintlnNormal(ui.StatusLine(ui.IconPass, "Nothing to migrate", paths.DirectDataDir(p.root)))
			return nil
		}
		debug.PrintlnNormal(ui.StatusLine(ui.IconPass,
			fmt.Sprintf("Migrated %d file(s), %d already present", res.Migrated, res.Skipped),
			"backup: "+res.BackupPath))
		if res.SourceRemoved {
			debug.PrintlnNormal(ui.StatusLine(ui.IconInfo, "Removed "+paths.DirectDataDir(p.root), ""))
		}
		return nil
	},
}

func init() {
	migrateCmd.Flags().Bool("remove-source", false, "Delete the legacy directory after a successful migration")
	rootCmd.AddCommand(migrateCmd)
}
