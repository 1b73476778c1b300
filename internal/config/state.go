package config

import (
	"crypto/rand"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"gopkg.in/yaml.v3"

	"github.com/tbd-sync/tbd/internal/paths"
	"github.com/tbd-sync/tbd/internal/storage"
)

// LocalState is per-clone bookkeeping kept in .tbd/cache/state.yml. It is
// never committed.
type LocalState struct {
	NodeID           string     `yaml:"node_id"`
	LastSync         *time.Time `yaml:"last_sync,omitempty"`
	LastPush         *time.Time `yaml:"last_push,omitempty"`
	LastPull         *time.Time `yaml:"last_pull,omitempty"`
	LastSyncedCommit string     `yaml:"last_synced_commit,omitempty"`
}

// LoadState reads the local state. A missing file yields a fresh state
// with a new node id.
func LoadState(baseDir string) (*LocalState, error) {
	path := paths.StatePath(baseDir)
	data, err := os.ReadFile(path) // #nosec G304 - fixed path under .tbd/cache
	if err != nil {
		if os.IsNotExist(err) {
			return &LocalState{NodeID: newNodeID()}, nil
		}
		return nil, err
	}
	var st LocalState
	if err := yaml.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if st.NodeID == "" {
		st.NodeID = newNodeID()
	}
	return &st, nil
}

// SaveState atomically writes the local state.
func SaveState(baseDir string, st *LocalState) error {
	data, err := yaml.Marshal(st)
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}
	if err := os.MkdirAll(paths.CacheDir(baseDir), 0o755); err != nil {
		return err
	}
	return storage.AtomicWriteFile(paths.StatePath(baseDir), data, 0o644)
}

func newNodeID() string {
	return strings.ToLower(ulid.MustNew(ulid.Now(), rand.Reader).String())
}
