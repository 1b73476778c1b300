package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, ".tbd"), 0o755); err != nil {
		t.Fatalf("creating .tbd: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".tbd", "config.yml"), []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return dir
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	tests := []struct {
		name string
		got  any
		want any
	}{
		{"sync.branch", cfg.Sync.Branch, "tbd-sync"},
		{"sync.remote", cfg.Sync.Remote, "origin"},
		{"sync.fetch_timeout", cfg.Sync.FetchTimeout, 30 * time.Second},
		{"sync.push_timeout", cfg.Sync.PushTimeout, 60 * time.Second},
		{"sync.push_retries", cfg.Sync.PushRetries, 3},
		{"sync.merge_workers", cfg.Sync.MergeWorkers, 4},
		{"sync.auto_repair", cfg.Sync.AutoRepair, true},
		{"display.id_prefix", cfg.Display.IDPrefix, "bd"},
		{"settings.auto_sync", cfg.Settings.AutoSync, false},
		{"settings.index_enabled", cfg.Settings.IndexEnabled, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
			}
		})
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults must validate: %v", err)
	}
}

func TestLoadFile(t *testing.T) {
	dir := writeConfig(t, `
tbd_version: 0.1.0
sync:
  branch: team-sync
  fetch_timeout: 5s
  push_timeout: 20s
  push_retries: 1
display:
  id_prefix: proj
`)
	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "0.1.0", cfg.TbdVersion)
	assert.Equal(t, "team-sync", cfg.Sync.Branch)
	assert.Equal(t, "origin", cfg.Sync.Remote, "unset keys keep defaults")
	assert.Equal(t, 5*time.Second, cfg.Sync.FetchTimeout)
	assert.Equal(t, 20*time.Second, cfg.Sync.PushTimeout)
	assert.Equal(t, 1, cfg.Sync.PushRetries)
	assert.Equal(t, "proj", cfg.Display.IDPrefix)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	dir := writeConfig(t, "sync:\n  branch: from-file\n")
	t.Setenv("TBD_SYNC_BRANCH", "from-env")
	t.Setenv("TBD_SYNC_REMOTE", "upstream")
	t.Setenv("TBD_SYNC_AUTO_REPAIR", "false")

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Sync.Branch)
	assert.Equal(t, "upstream", cfg.Sync.Remote)
	assert.False(t, cfg.Sync.AutoRepair)
}

func TestLoadMissing(t *testing.T) {
	_, err := Load(t.TempDir())
	if !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"bad branch", "sync:\n  branch: bad..branch\n", "sync.branch"},
		{"zero workers", "sync:\n  merge_workers: 0\n", "sync.merge_workers"},
		{"negative retries", "sync:\n  push_retries: -1\n", "sync.push_retries"},
		{"zero push timeout", "sync:\n  push_timeout: 0s\n", "sync.push_timeout"},
		{"bad prefix", "display:\n  id_prefix: Not-Valid\n", "display.id_prefix"},
		{"bad yaml", "sync: [unclosed\n", "reading"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Load() error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestSaveThenLoad(t *testing.T) {
	dir := t.TempDir()
	cfg := Default()
	cfg.TbdVersion = "0.2.0"
	cfg.Sync.Branch = "shared"
	cfg.Sync.FetchTimeout = 90 * time.Second
	cfg.Settings.AutoSync = true
	require.NoError(t, Save(dir, cfg))

	data, err := os.ReadFile(filepath.Join(dir, ".tbd", "config.yml"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "fetch_timeout: 1m30s")

	loaded, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestSaveRejectsInvalid(t *testing.T) {
	cfg := Default()
	cfg.Sync.Remote = " "
	assert.Error(t, Save(t.TempDir(), cfg))
}
