package git

import (
	"testing"
)

func TestParseWorktreeList(t *testing.T) {
	out := `worktree /repo
HEAD 1111111111111111111111111111111111111111
branch refs/heads/main

worktree /repo/.tbd/data-sync-worktree
HEAD 2222222222222222222222222222222222222222
branch refs/heads/tbd-sync

worktree /tmp/gone
HEAD 3333333333333333333333333333333333333333
detached
prunable gitdir file points to non-existent location

`
	entries := ParseWorktreeList(out)
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	if entries[0].Branch != "main" || entries[0].Prunable {
		t.Errorf("entry 0 = %+v", entries[0])
	}
	if entries[1].Branch != "tbd-sync" || entries[1].Head != "2222222222222222222222222222222222222222" {
		t.Errorf("entry 1 = %+v", entries[1])
	}
	if !entries[2].Detached || !entries[2].Prunable || entries[2].PruneNote == "" {
		t.Errorf("entry 2 = %+v", entries[2])
	}

	if e, ok := FindWorktree(entries, "/repo/.tbd/data-sync-worktree/"); !ok || e.Branch != "tbd-sync" {
		t.Errorf("FindWorktree did not match trailing-slash path: %+v %v", e, ok)
	}
	if _, ok := FindWorktree(entries, "/elsewhere"); ok {
		t.Error("FindWorktree matched an unregistered path")
	}
}

func TestParseWorktreeListIgnoresNoise(t *testing.T) {
	entries := ParseWorktreeList("garbage line\n\nworktree /a\nlocked reason\nfuture-attr x\n")
	if len(entries) != 1 || !entries[0].Locked || entries[0].Path != "/a" {
		t.Errorf("unexpected entries: %+v", entries)
	}
}
