package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tbd-sync/tbd/internal/attic"
	"github.com/tbd-sync/tbd/internal/debug"
	"github.com/tbd-sync/tbd/internal/paths"
	"github.com/tbd-sync/tbd/internal/storage"
	"github.com/tbd-sync/tbd/internal/telemetry"
	"github.com/tbd-sync/tbd/internal/types"
	"github.com/tbd-sync/tbd/internal/ui"
)

var atticCmd = &cobra.Command{
	Use:     "attic",
	GroupID: "sync",
	Short:   "Inspect and restore values lost in merge conflicts",
}

var atticListCmd = &cobra.Command{
	Use:   "list [issue-id]",
	Short: "List attic entries, optionally for one issue",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p := mustOpenProject(getRootContext())
		id := ""
		if len(args) == 1 {
			id = args[0]
		}
		entries, err := attic.NewStore(p.manager.DataDir()).List(id)
		if err != nil {
			return err
		}
		if jsonOutput {
			if entries == nil {
				entries = []types.AtticEntry{}
			}
			outputJSON(entries)
			return nil
		}
		if len(entries) == 0 {
			debug.PrintNormal("%s\n", ui.RenderMuted("No attic entries"))
			return nil
		}
		for _, e := range entries {
			field := e.Field
			if field == "" {
				field = types.WholeRecord
			}
			fmt.Printf("%s  %s  %s %s\n", e.EntityID, ui.RenderAccent(e.Key()), field,
				ui.RenderMuted(fmt.Sprintf("(%s lost to %s)", e.LoserSource, e.WinnerSource)))
		}
		return nil
	},
}

var atticShowCmd = &cobra.Command{
	Use:   "show <issue-id> <timestamp>",
	Short: "Show one attic entry",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		p := mustOpenProject(getRootContext())
		entry, err := attic.NewStore(p.manager.DataDir()).Get(args[0], args[1])
		if err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(entry)
			return nil
		}
		data, err := yaml.Marshal(entry)
		if err != nil {
			return err
		}
		fmt.Print(string(data))
		return nil
	},
}

var atticRestoreCmd = &cobra.Command{
	Use:   "restore <issue-id> <timestamp>",
	Short: "Re-apply a lost value as a new edit",
	Long: `Re-apply an attic entry's value to the live issue. The restore is an
ordinary edit: the issue's version is bumped and the change is shared on
the next 'tbd sync'. The attic entry itself is kept.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := getRootContext()
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		p := mustOpenProject(ctx)

		sess, err := p.manager.Begin(ctx, "attic restore")
		if err != nil {
			return err
		}
		defer sess.Close()

		store := attic.NewStore(p.manager.DataDir())
		issues := telemetry.WrapIssueStore(storage.NewFileStore())
		now := time.Now()

		var restored *types.Issue
		if dryRun {
			entry, err := store.Get(args[0], args[1])
			if err != nil {
				return err
			}
			current, err := issues.ReadIssue(ctx, p.manager.DataDir(), entry.EntityID)
			if err != nil && !errors.Is(err, storage.ErrNotFound) {
				return err
			}
			if restored, err = attic.Apply(entry, current, now); err != nil {
				return err
			}
		} else {
			if restored, err = store.Restore(ctx, args[0], args[1], issues, now); err != nil {
				return err
			}
			debug.LogEvent(paths.CacheDir(p.root), debug.EventRestore, restored.ID, args[1])
		}

		if jsonOutput {
			outputJSON(restored)
			return nil
		}
		verb := "Restored"
		if dryRun {
			verb = "Would restore"
		}
		fmt.Println(ui.StatusLine(ui.IconPass,
			fmt.Sprintf("%s %s from %s (version %d)", verb, restored.ID, args[1], restored.Version),
			"run 'tbd sync' to share the change"))
		return nil
	},
}

func init() {
	atticRestoreCmd.Flags().Bool("dry-run", false, "Show the result without writing it")
	atticCmd.AddCommand(atticListCmd, atticShowCmd, atticRestoreCmd)
	rootCmd.AddCommand(atticCmd)
}
