package debug

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// capture redirects stdout and stderr into buffers for one test.
func capture(t *testing.T) (out, errOut *bytes.Buffer) {
	t.Helper()
	out, errOut = &bytes.Buffer{}, &bytes.Buffer{}
	oldOut, oldErr := stdout, stderr
	oldEnabled, oldVerbose, oldQuiet := enabled, verboseMode, quietMode
	stdout, stderr = out, errOut
	t.Cleanup(func() {
		stdout, stderr = oldOut, oldErr
		enabled, verboseMode, quietMode = oldEnabled, oldVerbose, oldQuiet
	})
	return out, errOut
}

func TestLogfHonoursEnabledAndVerbose(t *testing.T) {
	tests := []struct {
		name    string
		env     bool
		verbose bool
		want    string
	}{
		{"off", false, false, ""},
		{"TBD_DEBUG", true, false, "sync: noop\n"},
		{"--verbose", false, true, "sync: noop\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, errOut := capture(t)
			enabled = tt.env
			SetVerbose(tt.verbose)

			Logf("sync: %s\n", "noop")
			assert.Equal(t, tt.want, errOut.String())
			assert.Equal(t, tt.want != "", Enabled())
		})
	}
}

func TestQuietSuppressesNormalOutput(t *testing.T) {
	out, _ := capture(t)

	PrintNormal("sent %d new\n", 1)
	PrintlnNormal("received", "2 updated")
	assert.Equal(t, "sent 1 new\nreceived 2 updated\n", out.String())

	out.Reset()
	SetQuiet(true)
	require.True(t, IsQuiet())
	PrintNormal("sent %d new\n", 1)
	PrintlnNormal("hidden")
	assert.Empty(t, out.String())
}

func TestLogEvent(t *testing.T) {
	cacheDir := filepath.Join(t.TempDir(), "cache")
	t.Setenv("TBD_ACTOR", "alice")

	LogEvent(cacheDir, EventConflict, "is-abc", "title")
	LogEvent(cacheDir, EventSync, "", "sent 1 new")

	data, err := os.ReadFile(filepath.Join(cacheDir, EventLogName))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)

	fields := strings.Split(lines[0], "|")
	require.Len(t, fields, 5)
	assert.Equal(t, []string{EventConflict, "is-abc", "alice", "title"}, fields[1:])
	assert.Contains(t, lines[1], "|SYNC|none|alice|sent 1 new")
}

func TestLogEventActorFallback(t *testing.T) {
	cacheDir := t.TempDir()
	t.Setenv("TBD_ACTOR", "")
	t.Setenv("USER", "bob")

	LogEvent(cacheDir, EventRepair, "", "prunable")
	data, err := os.ReadFile(filepath.Join(cacheDir, EventLogName))
	require.NoError(t, err)
	assert.Contains(t, string(data), "|REPAIR|none|bob|prunable")
}

func TestLogEventConcurrentAppends(t *testing.T) {
	cacheDir := t.TempDir()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			LogEvent(cacheDir, EventConflict, "is-x", "labels")
		}()
	}
	wg.Wait()

	data, err := os.ReadFile(filepath.Join(cacheDir, EventLogName))
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(string(data)), "\n"), 20)
}

func TestLogEventNoCacheDir(t *testing.T) {
	// Must not panic or create files relative to the working directory.
	LogEvent("", EventSync, "", "ignored")
}
