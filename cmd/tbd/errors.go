package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/tbd-sync/tbd/internal/config"
	"github.com/tbd-sync/tbd/internal/git"
	"github.com/tbd-sync/tbd/internal/lockfile"
	"github.com/tbd-sync/tbd/internal/storage"
	"github.com/tbd-sync/tbd/internal/syncbranch"
	"github.com/tbd-sync/tbd/internal/syncer"
)

// FatalError writes an error message to stderr and exits with code 1.
func FatalError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

// FatalErrorWithHint writes an error message with a hint to stderr and exits.
//
// Example:
//
//	FatalErrorWithHint("tbd is not initialized", "Run 'tbd init' first")
func FatalErrorWithHint(message, hint string) {
	fmt.Fprintf(os.Stderr, "Error: %s\n", message)
	fmt.Fprintf(os.Stderr, "Hint: %s\n", hint)
	os.Exit(1)
}

// WarnError writes a warning message to stderr and returns.
// Use this for optional operations that enhance functionality but aren't required.
func WarnError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Warning: "+format+"\n", args...)
}

// reportError prints err with an actionable hint when one is known.
func reportError(err error) {
	if hint := errorHint(err); hint != "" {
		fmt.Fprintf(os.Stderr, "Error: %v\nHint: %s\n", err, hint)
		return
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
}

func errorHint(err error) string {
	var integrity *syncbranch.IntegrityError
	var pushConflict *syncer.PushConflictError
	var envErr *git.EnvironmentError
	switch {
	case errors.As(err, &integrity):
		if integrity.Hint != "" {
			return integrity.Hint
		}
		return "Run 'tbd doctor --fix' to repair the sync worktree"
	case errors.As(err, &pushConflict):
		return "Another clone keeps pushing; run 'tbd sync' again"
	case errors.Is(err, syncer.ErrRemoteAhead):
		return "Run 'tbd sync --pull' first, or plain 'tbd sync'"
	case errors.Is(err, lockfile.ErrLockBusy):
		return "Another tbd command is using the sync worktree; wait for it to finish"
	case errors.Is(err, config.ErrNotInitialized):
		return "Run 'tbd init' in the repository root"
	case storage.IsMergeConflict(err):
		return "Resolve the conflict markers by hand or run 'tbd doctor --fix'"
	case errors.As(err, &envErr):
		return "tbd needs git 2.25 or newer and must run inside a git repository"
	}
	return ""
}

// errorCode is the machine-readable code used in --json error output.
func errorCode(err error) string {
	var integrity *syncbranch.IntegrityError
	var pushConflict *syncer.PushConflictError
	switch {
	case errors.As(err, &integrity):
		return "worktree_" + string(integrity.Status)
	case errors.As(err, &pushConflict):
		return "push_conflict"
	case errors.Is(err, syncer.ErrRemoteAhead):
		return "remote_ahead"
	case errors.Is(err, lockfile.ErrLockBusy):
		return "lock_busy"
	case errors.Is(err, config.ErrNotInitialized):
		return "not_initialized"
	case storage.IsMergeConflict(err):
		return "merge_conflict"
	}
	return ""
}
