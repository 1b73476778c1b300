package git

import (
	"context"
	"path/filepath"
	"strings"
)

// WorktreeEntry is one record from `git worktree list --porcelain`.
type WorktreeEntry struct {
	Path      string
	Head      string
	Branch    string // short name, empty when detached
	Bare      bool
	Detached  bool
	Locked    bool
	Prunable  bool
	PruneNote string
}

// ParseWorktreeList parses porcelain worktree output. Records are separated
// by blank lines; unknown attributes are ignored.
func ParseWorktreeList(out string) []WorktreeEntry {
	var entries []WorktreeEntry
	var cur *WorktreeEntry
	flush := func() {
		if cur != nil {
			entries = append(entries, *cur)
			cur = nil
		}
	}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			flush()
			continue
		}
		key, value, _ := strings.Cut(line, " ")
		if key == "worktree" {
			flush()
			cur = &WorktreeEntry{Path: filepath.Clean(value)}
			continue
		}
		if cur == nil {
			continue
		}
		switch key {
		case "HEAD":
			cur.Head = value
		case "branch":
			cur.Branch = strings.TrimPrefix(value, "refs/heads/")
		case "bare":
			cur.Bare = true
		case "detached":
			cur.Detached = true
		case "locked":
			cur.Locked = true
		case "prunable":
			cur.Prunable = true
			cur.PruneNote = value
		}
	}
	flush()
	return entries
}

// ListWorktrees returns git's worktree registry for the repository at dir.
func ListWorktrees(ctx context.Context, r Runner, dir string) ([]WorktreeEntry, error) {
	out, err := RawOutput(ctx, r, dir, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	return ParseWorktreeList(out), nil
}

// FindWorktree returns the registry entry for path, comparing cleaned and
// symlink-resolved paths.
func FindWorktree(entries []WorktreeEntry, path string) (WorktreeEntry, bool) {
	want := canonicalPath(path)
	for _, e := range entries {
		if canonicalPath(e.Path) == want {
			return e, true
		}
	}
	return WorktreeEntry{}, false
}

func canonicalPath(p string) string {
	p = filepath.Clean(p)
	if resolved, err := filepath.EvalSymlinks(p); err == nil {
		return resolved
	}
	// The leaf may be gone (prunable worktree); resolve the parent instead.
	if parent, err := filepath.EvalSymlinks(filepath.Dir(p)); err == nil {
		return filepath.Join(parent, filepath.Base(p))
	}
	return p
}
