package syncbranch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/tbd-sync/tbd/internal/debug"
	"github.com/tbd-sync/tbd/internal/git"
	"github.com/tbd-sync/tbd/internal/paths"
	"github.com/tbd-sync/tbd/internal/storage"
	"github.com/tbd-sync/tbd/internal/telemetry"
	"github.com/tbd-sync/tbd/internal/types"
)

// backupStampLayout names backup directories; sub-second precision keeps
// repeated repairs from colliding.
const backupStampLayout = "20060102T150405.000000000Z"

// gitignoreEntries are the paths under .tbd that must never be committed to
// the working branch.
var gitignoreEntries = []string{
	paths.CacheDirName + "/",
	paths.WorktreeDirName + "/",
	paths.DataSyncDirName + "/",
}

// InitResult describes the outcome of InitWorktree.
type InitResult struct {
	Success bool   `json:"success"`
	Created bool   `json:"created"`
	Reason  string `json:"reason,omitempty"`
	Path    string `json:"path,omitempty"`
	Branch  string `json:"branch,omitempty"`
	Commit  string `json:"commit,omitempty"`
	// Source is how the sync branch was obtained: existing, local, remote or orphan.
	Source string `json:"source,omitempty"`
}

// RepairResult describes the outcome of RepairWorktree.
type RepairResult struct {
	Repaired   bool           `json:"repaired"`
	From       WorktreeStatus `json:"from"`
	BackupPath string         `json:"backup_path,omitempty"`
	Init       *InitResult    `json:"init,omitempty"`
}

// MigrateResult describes the outcome of MigrateDataToWorktree.
type MigrateResult struct {
	Migrated      int    `json:"migrated"`
	Skipped       int    `json:"skipped"`
	BackupPath    string `json:"backup_path,omitempty"`
	SourceRemoved bool   `json:"source_removed"`
}

// IntegrityError means the worktree or sync branch is in a state the
// current operation cannot proceed from.
type IntegrityError struct {
	Status WorktreeStatus
	Detail string
	Hint   string
}

func (e *IntegrityError) Error() string {
	msg := fmt.Sprintf("sync worktree is %s", e.Status)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// RepairFailedError means a repair completed but the worktree is still not
// valid.
type RepairFailedError struct {
	From   WorktreeStatus
	Health *WorktreeHealth
}

func (e *RepairFailedError) Error() string {
	status, detail := WorktreeStatus("unknown"), ""
	if e.Health != nil {
		status, detail = e.Health.Status, e.Health.Detail
	}
	msg := fmt.Sprintf("worktree repair from %s left it %s", e.From, status)
	if detail != "" {
		msg += ": " + detail
	}
	return msg
}

// InitWorktree creates the hidden worktree checked out to the sync branch,
// creating the branch from the remote or as an orphan when needed. A valid
// worktree is left untouched.
func (s *Session) InitWorktree(ctx context.Context) (res *InitResult, err error) {
	m := s.m
	ctx, span := m.span(ctx, "init")
	defer func() { telemetry.EndSpan(span, err) }()

	if r := m.checkEnvironment(ctx); r != nil {
		return r, nil
	}

	health, err := s.CheckWorktreeHealth(ctx)
	if err != nil {
		return nil, err
	}
	switch health.Status {
	case StatusValid:
		if err := m.ensureGitignore(); err != nil {
			return nil, err
		}
		return &InitResult{
			Success: true,
			Path:    health.Path,
			Branch:  m.branch,
			Commit:  health.Commit,
			Source:  "existing",
		}, nil
	case StatusPrunable:
		if err := git.Exec(ctx, m.runner, m.repoRoot, "worktree", "prune"); err != nil {
			return nil, fmt.Errorf("pruning stale worktree: %w", err)
		}
	case StatusCorrupted:
		return nil, &IntegrityError{
			Status: health.Status,
			Detail: health.Detail,
			Hint:   "run 'tbd doctor --fix' to back up and recreate the worktree",
		}
	}
	return s.createWorktree(ctx)
}

func (s *Session) createWorktree(ctx context.Context) (*InitResult, error) {
	m := s.m
	wtPath := m.WorktreePath()

	if err := m.ensureGitignore(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(wtPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating %s: %w", filepath.Dir(wtPath), err)
	}

	if m.opts.FetchTimeout > 0 && git.HasRemote(ctx, m.runner, m.repoRoot, m.remote) {
		fetchCtx, cancel := context.WithTimeout(ctx, m.opts.FetchTimeout)
		if err := git.Fetch(fetchCtx, m.runner, m.repoRoot, m.remote, m.branch); err != nil {
			debug.Logf("init: fetch %s/%s skipped: %v\n", m.remote, m.branch, err)
		}
		cancel()
	}

	_, localOK, err := git.BranchHead(ctx, m.runner, m.repoRoot, m.branch)
	if err != nil {
		return nil, err
	}
	source := "local"
	if !localOK {
		_, remoteOK, err := git.RemoteBranchHead(ctx, m.runner, m.repoRoot, m.remote, m.branch)
		if err != nil {
			return nil, err
		}
		if remoteOK {
			source = "remote"
			if err := git.Exec(ctx, m.runner, m.repoRoot, "branch", "--track", m.branch, m.remote+"/"+m.branch); err != nil {
				return nil, fmt.Errorf("creating tracking branch %s: %w", m.branch, err)
			}
		} else {
			source = "orphan"
			if err := s.createOrphanBranch(ctx); err != nil {
				return nil, err
			}
		}
	}

	if err := git.Exec(ctx, m.runner, m.repoRoot, "worktree", "add", wtPath, m.branch); err != nil {
		return nil, fmt.Errorf("adding worktree: %w", err)
	}
	if err := s.writeSkeleton(ctx); err != nil {
		return nil, err
	}
	m.resolver.InvalidateDir(m.repoRoot)

	head, _, err := git.RevParse(ctx, m.runner, wtPath, "HEAD")
	if err != nil {
		return nil, err
	}
	debug.Logf("init: created worktree at %s from %s branch %s\n", wtPath, source, m.branch)
	return &InitResult{
		Success: true,
		Created: true,
		Path:    wtPath,
		Branch:  m.branch,
		Commit:  head,
		Source:  source,
	}, nil
}

// createOrphanBranch points the sync branch at a parentless commit of the
// empty tree. Plumbing works on every supported git version and never
// touches the user's checkout.
func (s *Session) createOrphanBranch(ctx context.Context) error {
	m := s.m
	empty := filepath.Join(paths.CacheDir(m.repoRoot), "empty-tree")
	if err := os.MkdirAll(filepath.Dir(empty), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(empty, nil, 0o644); err != nil {
		return err
	}
	defer os.Remove(empty)

	tree, err := git.Output(ctx, m.runner, m.repoRoot, "hash-object", "-w", "-t", "tree", empty)
	if err != nil {
		return fmt.Errorf("writing empty tree: %w", err)
	}
	args := append(git.IdentityArgs(ctx, m.runner, m.repoRoot),
		"commit-tree", tree, "-m", "tbd: initialize sync branch")
	commit, err := git.Output(ctx, m.runner, m.repoRoot, args...)
	if err != nil {
		return fmt.Errorf("creating root commit: %w", err)
	}
	if err := git.Exec(ctx, m.runner, m.repoRoot, "branch", m.branch, commit); err != nil {
		return fmt.Errorf("creating branch %s: %w", m.branch, err)
	}
	return nil
}

// writeSkeleton creates the data directory layout and meta.yml in the
// worktree and commits whatever is new.
func (s *Session) writeSkeleton(ctx context.Context) error {
	m := s.m
	dataDir := m.DataDir()
	for _, dir := range []string{
		paths.IssuesDir(dataDir),
		paths.MappingsDir(dataDir),
		filepath.Join(dataDir, paths.AtticDirName),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
		keep := filepath.Join(dir, ".gitkeep")
		if _, err := os.Stat(keep); os.IsNotExist(err) {
			if err := os.WriteFile(keep, nil, 0o644); err != nil {
				return err
			}
		}
	}
	if _, err := storage.ReadMeta(dataDir); errors.Is(err, storage.ErrNotFound) {
		meta := &types.Meta{SchemaVersion: types.CurrentSchemaVersion, CreatedAt: m.opts.Now().UTC()}
		if err := storage.WriteMeta(dataDir, meta); err != nil {
			return err
		}
	}
	_, err := s.CommitAll(ctx, "tbd: initialize data layout")
	return err
}

// ensureGitignore makes sure .tbd/.gitignore excludes local-only state.
func (m *Manager) ensureGitignore() error {
	path := filepath.Join(m.repoRoot, paths.TbdDir, ".gitignore")
	existing, err := os.ReadFile(path) // #nosec G304
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	have := make(map[string]bool)
	for _, line := range strings.Split(string(existing), "\n") {
		have[strings.TrimSpace(line)] = true
	}
	var missing []string
	for _, e := range gitignoreEntries {
		if !have[e] {
			missing = append(missing, e)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	var buf bytes.Buffer
	buf.Write(existing)
	if len(existing) > 0 && !bytes.HasSuffix(existing, []byte("\n")) {
		buf.WriteByte('\n')
	}
	for _, e := range missing {
		buf.WriteString(e + "\n")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return storage.AtomicWriteFile(path, buf.Bytes(), 0o644)
}

// RepairWorktree brings the worktree back to valid. Pass an empty status to
// have it detected. A corrupted worktree is backed up before removal.
func (s *Session) RepairWorktree(ctx context.Context, status WorktreeStatus) (res *RepairResult, err error) {
	m := s.m
	ctx, span := m.span(ctx, "repair")
	defer func() { telemetry.EndSpan(span, err) }()

	if status == "" {
		health, err := s.CheckWorktreeHealth(ctx)
		if err != nil {
			return nil, err
		}
		status = health.Status
	}
	res = &RepairResult{From: status}
	wtPath := m.WorktreePath()

	switch status {
	case StatusValid:
		return res, nil
	case StatusMissing:
	case StatusPrunable:
		if err := git.Exec(ctx, m.runner, m.repoRoot, "worktree", "prune"); err != nil {
			return nil, fmt.Errorf("pruning worktree: %w", err)
		}
	case StatusCorrupted:
		backup := filepath.Join(paths.BackupsDir(m.repoRoot), "worktree-"+m.stamp())
		if err := copyTree(ctx, wtPath, backup); err != nil {
			return nil, fmt.Errorf("backing up corrupted worktree: %w", err)
		}
		res.BackupPath = backup
		if err := git.Exec(ctx, m.runner, m.repoRoot, "worktree", "remove", "--force", wtPath); err != nil {
			debug.Logf("repair: worktree remove failed, deleting directly: %v\n", err)
		}
		if err := os.RemoveAll(wtPath); err != nil {
			return nil, fmt.Errorf("removing corrupted worktree: %w", err)
		}
		if err := git.Exec(ctx, m.runner, m.repoRoot, "worktree", "prune"); err != nil {
			return nil, fmt.Errorf("pruning worktree: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown worktree status %q", status)
	}

	m.resolver.InvalidateDir(m.repoRoot)
	initRes, err := s.createWorktree(ctx)
	if err != nil {
		return nil, err
	}
	res.Init = initRes

	after, err := s.CheckWorktreeHealth(ctx)
	if err != nil {
		return nil, err
	}
	if after.Status != StatusValid {
		return nil, &RepairFailedError{From: status, Health: after}
	}
	res.Repaired = true
	details := fmt.Sprintf("from=%s", status)
	if res.BackupPath != "" {
		details += " backup=" + res.BackupPath
	}
	debug.LogEvent(paths.CacheDir(m.repoRoot), debug.EventRepair, "", details)
	return res, nil
}

// MigrateDataToWorktree copies every file under the legacy .tbd/data-sync
// directory into the worktree byte for byte. Targets that already match are
// skipped, so an interrupted migration can simply be run again.
func (s *Session) MigrateDataToWorktree(ctx context.Context, removeSource bool) (res *MigrateResult, err error) {
	m := s.m
	ctx, span := m.span(ctx, "migrate")
	defer func() { telemetry.EndSpan(span, err) }()

	legacy := paths.DirectDataDir(m.repoRoot)
	files, err := listFiles(legacy)
	if err != nil {
		return nil, err
	}
	res = &MigrateResult{}
	if len(files) == 0 {
		return res, nil
	}

	health, err := s.CheckWorktreeHealth(ctx)
	if err != nil {
		return nil, err
	}
	switch health.Status {
	case StatusValid:
	case StatusMissing, StatusPrunable:
		if _, err := s.RepairWorktree(ctx, health.Status); err != nil {
			return nil, err
		}
	default:
		return nil, &IntegrityError{
			Status: health.Status,
			Detail: health.Detail,
			Hint:   "run 'tbd doctor --fix' before migrating",
		}
	}

	backup := filepath.Join(paths.BackupsDir(m.repoRoot), "data-sync-"+m.stamp())
	if err := copyTree(ctx, legacy, backup); err != nil {
		return nil, fmt.Errorf("backing up legacy data: %w", err)
	}
	res.BackupPath = backup

	dataDir := m.DataDir()
	for _, rel := range files {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		src := filepath.Join(legacy, rel)
		dst := filepath.Join(dataDir, rel)
		data, err := os.ReadFile(src) // #nosec G304 - walked from the legacy data dir
		if err != nil {
			return res, err
		}
		if existing, err := os.ReadFile(dst); err == nil && bytes.Equal(existing, data) { // #nosec G304
			res.Skipped++
			continue
		}
		info, err := os.Stat(src)
		if err != nil {
			return res, err
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return res, err
		}
		if err := storage.AtomicWriteFile(dst, data, info.Mode().Perm()); err != nil {
			return res, fmt.Errorf("migrating %s: %w", rel, err)
		}
		res.Migrated++
	}

	if res.Migrated > 0 {
		if _, err := s.CommitAll(ctx, fmt.Sprintf("tbd: migrate %d files to sync worktree", res.Migrated)); err != nil {
			return res, err
		}
	}
	if removeSource {
		if err := os.RemoveAll(legacy); err != nil {
			return res, fmt.Errorf("removing legacy data: %w", err)
		}
		res.SourceRemoved = true
	}
	m.resolver.InvalidateDir(m.repoRoot)
	debug.LogEvent(paths.CacheDir(m.repoRoot), debug.EventMigrate, "",
		fmt.Sprintf("migrated=%d skipped=%d", res.Migrated, res.Skipped))
	return res, nil
}

func (m *Manager) stamp() string {
	return m.opts.Now().UTC().Format(backupStampLayout)
}

// listFiles returns every regular file under root as slash-free relative
// paths, or nil when root does not exist.
func listFiles(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path == root {
				return filepath.SkipDir
			}
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// copyTree copies regular files and directories from src into dst,
// preserving permissions. Symlinks and special files are skipped.
func copyTree(ctx context.Context, src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		info, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case d.IsDir():
			return os.MkdirAll(target, info.Mode().Perm()|0o700)
		case d.Type().IsRegular():
			return copyFile(path, target, info.Mode().Perm())
		default:
			return nil
		}
	})
}

func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src) // #nosec G304
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm) // #nosec G304
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
