// Package paths locates tbd's on-disk state.
//
// Layout on the working branch:
//
//	.tbd/config.yml                      tracked project config
//	.tbd/cache/                          gitignored local state
//	.tbd/data-sync-worktree/             gitignored hidden worktree
//	  .tbd/data-sync/{issues,mappings,attic}/, meta.yml
//
// On the sync branch itself the tree root is .tbd/data-sync/.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const (
	TbdDir           = ".tbd"
	ConfigFileName   = "config.yml"
	CacheDirName     = "cache"
	WorktreeDirName  = "data-sync-worktree"
	DataSyncDirName  = "data-sync"
	IssuesDirName    = "issues"
	MappingsDirName  = "mappings"
	AtticDirName     = "attic"
	ConflictsDirName = "conflicts"
	MetaFileName     = "meta.yml"
	StateFileName    = "state.yml"
	LockFileName     = "worktree.lock"
	BackupsDirName   = "backups"

	// SyncBranch is the default branch holding synchronized data.
	SyncBranch = "tbd-sync"
	// DefaultRemote is the default remote for sync.
	DefaultRemote = "origin"
)

// DataSyncRel is the data directory relative to the sync branch root.
var DataSyncRel = filepath.Join(TbdDir, DataSyncDirName)

// ConfigPath returns <base>/.tbd/config.yml.
func ConfigPath(baseDir string) string {
	return filepath.Join(baseDir, TbdDir, ConfigFileName)
}

// CacheDir returns <base>/.tbd/cache.
func CacheDir(baseDir string) string {
	return filepath.Join(baseDir, TbdDir, CacheDirName)
}

// StatePath returns the local-only sync state file.
func StatePath(baseDir string) string {
	return filepath.Join(CacheDir(baseDir), StateFileName)
}

// LockPath returns the cross-process worktree lock file.
func LockPath(baseDir string) string {
	return filepath.Join(CacheDir(baseDir), LockFileName)
}

// BackupsDir returns the directory holding timestamped backups.
func BackupsDir(baseDir string) string {
	return filepath.Join(CacheDir(baseDir), BackupsDirName)
}

// WorktreeDir returns <base>/.tbd/data-sync-worktree.
func WorktreeDir(baseDir string) string {
	return filepath.Join(baseDir, TbdDir, WorktreeDirName)
}

// WorktreeDataDir returns the data directory inside the hidden worktree.
func WorktreeDataDir(baseDir string) string {
	return filepath.Join(WorktreeDir(baseDir), DataSyncRel)
}

// DirectDataDir returns the legacy data directory outside the worktree.
func DirectDataDir(baseDir string) string {
	return filepath.Join(baseDir, DataSyncRel)
}

// IssuesDir returns the issues directory under a data directory.
func IssuesDir(dataDir string) string {
	return filepath.Join(dataDir, IssuesDirName)
}

// MappingsDir returns the mappings directory under a data directory.
func MappingsDir(dataDir string) string {
	return filepath.Join(dataDir, MappingsDirName)
}

// AtticDir returns the attic conflicts directory under a data directory.
func AtticDir(dataDir string) string {
	return filepath.Join(dataDir, AtticDirName, ConflictsDirName)
}

// AtticEntryDir returns the attic directory for one entity.
func AtticEntryDir(dataDir, entityID string) string {
	return filepath.Join(AtticDir(dataDir), entityID)
}

// IssuePath returns the file holding one issue.
func IssuePath(dataDir, id string) string {
	return filepath.Join(IssuesDir(dataDir), id+".md")
}

// MappingPath returns the file holding one named mapping.
func MappingPath(dataDir, name string) string {
	return filepath.Join(MappingsDir(dataDir), name+".yml")
}

// MetaPath returns the meta.yml path under a data directory.
func MetaPath(dataDir string) string {
	return filepath.Join(dataDir, MetaFileName)
}

// WorktreeMissingError is returned when the hidden worktree's data
// directory is absent and the caller did not allow a fallback.
type WorktreeMissingError struct {
	BaseDir string
	Path    string
}

func (e *WorktreeMissingError) Error() string {
	return fmt.Sprintf("sync worktree not found at %s (run 'tbd doctor --fix' to repair)", e.Path)
}

// Options controls Resolve.
type Options struct {
	// AllowFallback returns the legacy direct path when the worktree is
	// absent instead of failing.
	AllowFallback bool
}

// DefaultOptions allows fallback to the direct path.
var DefaultOptions = Options{AllowFallback: true}

// Resolver answers "where do synchronized records live right now",
// memoizing per base directory. Operations that create, repair or migrate
// the worktree must call Invalidate afterwards.
type Resolver struct {
	mu    sync.Mutex
	cache map[string]string
}

// NewResolver returns an empty resolver.
func NewResolver() *Resolver {
	return &Resolver{cache: make(map[string]string)}
}

// Resolve returns the data-sync directory for baseDir.
func (r *Resolver) Resolve(baseDir string, opts Options) (string, error) {
	base, err := filepath.Abs(baseDir)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", baseDir, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if cached, ok := r.cache[base]; ok {
		if cached == WorktreeDataDir(base) || opts.AllowFallback {
			return cached, nil
		}
	}

	worktreeData := WorktreeDataDir(base)
	if info, err := os.Stat(worktreeData); err == nil && info.IsDir() {
		r.cache[base] = worktreeData
		return worktreeData, nil
	}

	if !opts.AllowFallback {
		return "", &WorktreeMissingError{BaseDir: base, Path: worktreeData}
	}

	direct := DirectDataDir(base)
	r.cache[base] = direct
	return direct, nil
}

// Invalidate clears every cached answer.
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[string]string)
}

// InvalidateDir clears the cached answer for one base directory.
func (r *Resolver) InvalidateDir(baseDir string) {
	base, err := filepath.Abs(baseDir)
	if err != nil {
		base = baseDir
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, base)
}
