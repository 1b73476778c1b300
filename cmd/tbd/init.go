package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tbd-sync/tbd/internal/config"
	"github.com/tbd-sync/tbd/internal/debug"
	"github.com/tbd-sync/tbd/internal/git"
	"github.com/tbd-sync/tbd/internal/ui"
)

var initCmd = &cobra.Command{
	Use:     "init",
	GroupID: "sync",
	Short:   "Initialize tbd in the current repository",
	Long: `Create .tbd/config.yml and the hidden sync worktree.

The sync branch is taken from a local branch if one exists, tracked from
the remote if it has one, or created as an empty orphan branch. Running
init again on a healthy repository changes nothing.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := getRootContext()
		branch, _ := cmd.Flags().GetString("sync-branch")
		remote, _ := cmd.Flags().GetString("remote")

		runner := git.NewExecRunner()
		root, err := findRoot(ctx, runner)
		if err != nil {
			// InitWorktree reports the environment problem below.
			if root, err = os.Getwd(); err != nil {
				return err
			}
		}

		cfg, err := config.Load(root)
		switch {
		case err == nil:
		case errors.Is(err, config.ErrNotInitialized):
			cfg = config.Default()
			cfg.TbdVersion = Version
		default:
			return err
		}
		if cmd.Flags().Changed("sync-branch") {
			cfg.Sync.Branch = branch
		}
		if cmd.Flags().Changed("remote") {
			cfg.Sync.Remote = remote
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		p, err := newProject(runner, root, cfg)
		if err != nil {
			return err
		}
		res, err := p.manager.InitWorktree(ctx)
		if err != nil {
			return err
		}
		if !res.Success {
			if jsonOutput {
				outputJSON(res)
				os.Exit(1)
			}
			FatalErrorWithHint(res.Reason, "Run tbd init inside a git repository with git 2.25 or newer")
		}
		if err := config.Save(root, cfg); err != nil {
			return fmt.Errorf("saving config: %w", err)
		}

		if jsonOutput {
			outputJSON(res)
			return nil
		}
		if !res.Created {
			debug.PrintlnNormal(ui.StatusLine(ui.IconPass, "tbd is already initialized", res.Path))
			return nil
		}
		debug.PrintlnNormal(ui.StatusLine(ui.IconPass,
			fmt.Sprintf("Initialized sync branch %s (%s)", ui.RenderAccent(res.Branch), res.Source),
			res.Path))
		return nil
	},
}

func init() {
	initCmd.Flags().String("sync-branch", "", "Branch that stores issue data (default tbd-sync)")
	initCmd.Flags().String("remote", "", "Remote to sync with (default origin)")
	rootCmd.AddCommand(initCmd)
}
