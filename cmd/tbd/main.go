package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tbd-sync/tbd/internal/debug"
	"github.com/tbd-sync/tbd/internal/telemetry"
	"github.com/tbd-sync/tbd/internal/ui"
)

var (
	jsonOutput  bool
	verboseFlag bool // Enable verbose/debug output
	quietFlag   bool // Suppress non-essential output
	noColorFlag bool

	// Signal-aware context for graceful cancellation
	rootCtx    context.Context
	rootCancel context.CancelFunc
)

var (
	// Version is the current version of tbd (overridden by ldflags at build time)
	Version = "0.1.0"
	// Build can be set via ldflags at compile time
	Build = "dev"
)

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Enable verbose/debug output")
	rootCmd.PersistentFlags().BoolVarP(&quietFlag, "quiet", "q", false, "Suppress non-essential output (errors only)")
	rootCmd.PersistentFlags().BoolVar(&noColorFlag, "no-color", false, "Disable colored output")

	rootCmd.Flags().BoolP("version", "V", false, "Print version information")

	rootCmd.AddGroup(&cobra.Group{ID: "sync", Title: "Sync & Data:"})
	rootCmd.AddGroup(&cobra.Group{ID: "maint", Title: "Maintenance:"})
}

var rootCmd = &cobra.Command{
	Use:           "tbd",
	Short:         "tbd - git-backed issue tracking that syncs offline",
	Long:          `Issues live as Markdown files on a dedicated sync branch, checked out in a hidden worktree and merged field by field.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	Run: func(cmd *cobra.Command, args []string) {
		if v, _ := cmd.Flags().GetBool("version"); v {
			fmt.Printf("tbd version %s (%s)\n", Version, Build)
			return
		}
		_ = cmd.Help()
	},
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupSignalContext()
		debug.SetVerbose(verboseFlag)
		debug.SetQuiet(quietFlag)
		ui.Init(noColorFlag)
		if err := telemetry.Init(rootCtx, "tbd", Version); err != nil {
			WarnError("telemetry disabled: %v", err)
		}
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.Shutdown(shutdownCtx)
		if rootCancel != nil {
			rootCancel()
		}
	},
}

func setupSignalContext() {
	rootCtx, rootCancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// getRootContext returns the signal-aware context, or Background before
// PersistentPreRun has run.
func getRootContext() context.Context {
	if rootCtx == nil {
		return context.Background()
	}
	return rootCtx
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if jsonOutput {
			outputJSONError(err, errorCode(err))
		}
		reportError(err)
		os.Exit(1)
	}
}
