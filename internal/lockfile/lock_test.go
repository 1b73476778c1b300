//go:build unix

package lockfile

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestReadLockInfo(t *testing.T) {
	tmpDir := t.TempDir()
	lockPath := filepath.Join(tmpDir, "worktree.lock")

	t.Run("JSON format", func(t *testing.T) {
		lockInfo := &LockInfo{PID: 12345, Command: "sync", StartedAt: time.Now().UTC()}
		data, err := json.Marshal(lockInfo)
		if err != nil {
			t.Fatalf("failed to marshal lock info: %v", err)
		}
		if err := os.WriteFile(lockPath, data, 0644); err != nil {
			t.Fatalf("failed to write lock file: %v", err)
		}

		result, err := ReadLockInfo(lockPath)
		if err != nil {
			t.Fatalf("ReadLockInfo failed: %v", err)
		}
		if result.PID != lockInfo.PID {
			t.Errorf("PID mismatch: got %d, want %d", result.PID, lockInfo.PID)
		}
		if result.Command != "sync" {
			t.Errorf("Command mismatch: got %s, want sync", result.Command)
		}
	})

	t.Run("plain PID", func(t *testing.T) {
		if err := os.WriteFile(lockPath, []byte("98765\n"), 0644); err != nil {
			t.Fatalf("failed to write lock file: %v", err)
		}
		result, err := ReadLockInfo(lockPath)
		if err != nil {
			t.Fatalf("ReadLockInfo failed: %v", err)
		}
		if result.PID != 98765 {
			t.Errorf("PID mismatch: got %d, want %d", result.PID, 98765)
		}
	})

	t.Run("file not found", func(t *testing.T) {
		if _, err := ReadLockInfo(filepath.Join(tmpDir, "nonexistent")); err == nil {
			t.Error("expected error for non-existent file")
		}
	})

	t.Run("invalid format", func(t *testing.T) {
		if err := os.WriteFile(lockPath, []byte("invalid json"), 0644); err != nil {
			t.Fatalf("failed to write lock file: %v", err)
		}
		if _, err := ReadLockInfo(lockPath); err == nil {
			t.Error("expected error for invalid format")
		}
	})
}

func TestTryAcquireExcludesSecondHolder(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "cache", "worktree.lock")

	first, err := TryAcquire(lockPath, "sync")
	if err != nil {
		t.Fatalf("first TryAcquire failed: %v", err)
	}

	if _, err := TryAcquire(lockPath, "doctor"); !errors.Is(err, ErrLockBusy) {
		t.Fatalf("second TryAcquire: expected ErrLockBusy, got %v", err)
	}

	info, err := ReadLockInfo(lockPath)
	if err != nil {
		t.Fatalf("ReadLockInfo failed: %v", err)
	}
	if info.PID != os.Getpid() || info.Command != "sync" {
		t.Errorf("unexpected holder info: %+v", info)
	}

	status, err := Inspect(lockPath)
	if err != nil {
		t.Fatalf("Inspect failed: %v", err)
	}
	if !status.Held {
		t.Error("Inspect should report the lock as held")
	}

	if err := first.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	second, err := TryAcquire(lockPath, "doctor")
	if err != nil {
		t.Fatalf("TryAcquire after release failed: %v", err)
	}
	_ = second.Release()
}

func TestAcquireWaitsForRelease(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "worktree.lock")

	first, err := TryAcquire(lockPath, "sync")
	if err != nil {
		t.Fatalf("TryAcquire failed: %v", err)
	}
	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = first.Release()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	second, err := Acquire(ctx, lockPath, "doctor")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	_ = second.Release()
}

func TestAcquireTimesOut(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "worktree.lock")

	first, err := TryAcquire(lockPath, "sync")
	if err != nil {
		t.Fatalf("TryAcquire failed: %v", err)
	}
	defer first.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	if _, err := Acquire(ctx, lockPath, "doctor"); !errors.Is(err, ErrLockBusy) {
		t.Fatalf("expected ErrLockBusy, got %v", err)
	}
}

func TestInspectStale(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "worktree.lock")
	if err := os.WriteFile(lockPath, []byte("99999"), 0644); err != nil {
		t.Fatalf("failed to write lock file: %v", err)
	}
	status, err := Inspect(lockPath)
	if err != nil {
		t.Fatalf("Inspect failed: %v", err)
	}
	if status.Held {
		t.Error("unheld lock reported as held")
	}
	if !status.Stale {
		t.Error("lock naming a dead PID should be stale")
	}

	missing, err := Inspect(filepath.Join(t.TempDir(), "none.lock"))
	if err != nil || missing.Held || missing.Stale {
		t.Errorf("missing lock file: %+v, %v", missing, err)
	}
}

func TestFlockFunctions(t *testing.T) {
	t.Run("FlockExclusiveBlocking and FlockUnlock", func(t *testing.T) {
		lockPath := filepath.Join(t.TempDir(), "test.lock")
		if err := os.WriteFile(lockPath, []byte("test"), 0644); err != nil {
			t.Fatalf("failed to create lock file: %v", err)
		}
		f, err := os.OpenFile(lockPath, os.O_RDWR, 0644)
		if err != nil {
			t.Fatalf("failed to open lock file: %v", err)
		}
		defer f.Close()

		if err := FlockExclusiveBlocking(f); err != nil {
			t.Errorf("FlockExclusiveBlocking failed: %v", err)
		}
		if err := FlockUnlock(f); err != nil {
			t.Errorf("FlockUnlock failed: %v", err)
		}
	})

	t.Run("flockExclusive returns ErrLockBusy when already locked", func(t *testing.T) {
		lockPath := filepath.Join(t.TempDir(), "test.lock")
		if err := os.WriteFile(lockPath, []byte("test"), 0644); err != nil {
			t.Fatalf("failed to create lock file: %v", err)
		}
		f1, err := os.OpenFile(lockPath, os.O_RDWR, 0644)
		if err != nil {
			t.Fatalf("failed to open lock file: %v", err)
		}
		defer f1.Close()
		if err := FlockExclusiveBlocking(f1); err != nil {
			t.Fatalf("failed to acquire first lock: %v", err)
		}
		defer FlockUnlock(f1)

		f2, err := os.OpenFile(lockPath, os.O_RDWR, 0644)
		if err != nil {
			t.Fatalf("failed to open second lock file handle: %v", err)
		}
		defer f2.Close()

		if err := flockExclusive(f2); err != ErrLockBusy {
			t.Errorf("expected ErrLockBusy, got %v", err)
		}
	})
}

func TestIsProcessRunning(t *testing.T) {
	if !isProcessRunning(os.Getpid()) {
		t.Error("expected current process to be running")
	}
	if isProcessRunning(0) {
		t.Error("pid 0 must not be treated as running")
	}
}
