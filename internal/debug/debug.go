// Package debug provides opt-in diagnostic logging and the local sync
// event log.
//
// Diagnostics go to stderr when TBD_DEBUG is set or --verbose is passed.
// Core packages log decisions here and never print user-facing output.
package debug

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var (
	enabled     = os.Getenv("TBD_DEBUG") != ""
	verboseMode = false
	quietMode   = false

	// stderr and stdout are swapped out by tests.
	stderr io.Writer = os.Stderr
	stdout io.Writer = os.Stdout

	eventMu sync.Mutex
)

// Enabled reports whether diagnostic logging is on.
func Enabled() bool {
	return enabled || verboseMode
}

// SetVerbose turns diagnostic logging on for the rest of the process.
func SetVerbose(verbose bool) {
	verboseMode = verbose
}

// SetQuiet suppresses non-essential output.
func SetQuiet(quiet bool) {
	quietMode = quiet
}

// IsQuiet reports whether quiet mode is on.
func IsQuiet() bool {
	return quietMode
}

// Logf writes a diagnostic line to stderr when logging is enabled.
func Logf(format string, args ...interface{}) {
	if Enabled() {
		fmt.Fprintf(stderr, format, args...)
	}
}

// PrintNormal prints output unless quiet mode is enabled
func PrintNormal(format string, args ...interface{}) {
	if !quietMode {
		fmt.Fprintf(stdout, format, args...)
	}
}

// PrintlnNormal prints a line unless quiet mode is enabled
func PrintlnNormal(args ...interface{}) {
	if !quietMode {
		fmt.Fprintln(stdout, args...)
	}
}

// Event codes written to the sync event log.
const (
	EventSync     = "SYNC"
	EventConflict = "CONFLICT"
	EventRepair   = "REPAIR"
	EventMigrate  = "MIGRATE"
	EventRestore  = "RESTORE"
	EventFailure  = "MERGE_FAILED"
)

// EventLogName is the event log's file name inside the cache directory.
const EventLogName = "events.log"

// LogEvent appends one line to <cacheDir>/events.log:
//
//	TIMESTAMP|EVENT_CODE|ISSUE_ID|ACTOR|DETAILS
//
// The log is local to the clone and best effort; write failures are
// ignored so they never interrupt a sync.
func LogEvent(cacheDir, eventCode, issueID, details string) {
	if cacheDir == "" {
		return
	}
	if issueID == "" {
		issueID = "none"
	}
	line := fmt.Sprintf("%s|%s|%s|%s|%s\n",
		time.Now().UTC().Format(time.RFC3339), eventCode, issueID, actor(), details)

	eventMu.Lock()
	defer eventMu.Unlock()

	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return
	}
	f, err := os.OpenFile(filepath.Join(cacheDir, EventLogName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644) // #nosec G304
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = f.WriteString(line)
}

// actor names who triggered an event: $TBD_ACTOR, then $USER.
func actor() string {
	for _, key := range []string{"TBD_ACTOR", "USER"} {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return "unknown"
}
