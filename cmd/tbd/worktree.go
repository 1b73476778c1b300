package main

import (
	"github.com/spf13/cobra"
)

var worktreeCmd = &cobra.Command{
	Use:     "worktree",
	GroupID: "maint",
	Short:   "Inspect the hidden sync worktree",
}

var worktreeStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the sync worktree's health",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := getRootContext()
		p := mustOpenProject(ctx)
		health, err := p.manager.CheckWorktreeHealth(ctx)
		if err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(health)
			return nil
		}
		printWorktreeHealth(health)
		return nil
	},
}

func init() {
	worktreeCmd.AddCommand(worktreeStatusCmd)
	rootCmd.AddCommand(worktreeCmd)
}
