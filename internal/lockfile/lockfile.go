// Package lockfile serializes worktree operations across processes with an
// advisory file lock. The lock file also records who holds it.
package lockfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ErrLockBusy is returned when another process holds the lock.
var ErrLockBusy = errors.New("lock is held by another process")

// pollInterval is how often Acquire retries a busy lock.
var pollInterval = 50 * time.Millisecond

// LockInfo describes the current holder of a lock.
type LockInfo struct {
	PID       int       `json:"pid"`
	Command   string    `json:"command,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// Lock is a held exclusive lock. Release it exactly once.
type Lock struct {
	path string
	f    *os.File
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// TryAcquire takes the lock without waiting. It returns ErrLockBusy when
// another process holds it.
func TryAcquire(path, command string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}
	if err := flockExclusive(f); err != nil {
		_ = f.Close()
		return nil, err
	}

	info := LockInfo{PID: os.Getpid(), Command: command, StartedAt: time.Now().UTC()}
	if data, err := json.Marshal(info); err == nil {
		_ = f.Truncate(0)
		_, _ = f.WriteAt(data, 0)
		_ = f.Sync()
	}
	return &Lock{path: path, f: f}, nil
}

// Acquire waits for the lock until ctx is done. A busy lock when ctx
// expires yields ErrLockBusy wrapped with holder details when available.
func Acquire(ctx context.Context, path, command string) (*Lock, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		lock, err := TryAcquire(path, command)
		if err == nil {
			return lock, nil
		}
		if !errors.Is(err, ErrLockBusy) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			if info, infoErr := ReadLockInfo(path); infoErr == nil {
				return nil, fmt.Errorf("%w (pid %d, %s, since %s)", ErrLockBusy, info.PID, info.Command, info.StartedAt.Format(time.RFC3339))
			}
			return nil, ErrLockBusy
		case <-ticker.C:
		}
	}
}

// Release unlocks and closes the lock file. The file itself is left in
// place; removing it would race with a waiter that already opened it.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = l.f.Truncate(0)
	unlockErr := FlockUnlock(l.f)
	closeErr := l.f.Close()
	l.f = nil
	if unlockErr != nil {
		return unlockErr
	}
	return closeErr
}

// ReadLockInfo reads holder details from a lock file. Both the JSON format
// and a bare PID are accepted.
func ReadLockInfo(path string) (*LockInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil, fmt.Errorf("lock file %s is empty", path)
	}

	var info LockInfo
	if err := json.Unmarshal([]byte(trimmed), &info); err == nil {
		return &info, nil
	}
	pid, err := strconv.Atoi(trimmed)
	if err != nil {
		return nil, fmt.Errorf("invalid lock file format: %w", err)
	}
	return &LockInfo{PID: pid}, nil
}

// Status reports whether the lock is currently held, and by whom.
// A lock file naming a dead process while unheld is reported as stale.
type Status struct {
	Held  bool
	Stale bool
	Info  *LockInfo
}

// Inspect probes the lock without taking it.
func Inspect(path string) (Status, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return Status{}, nil
		}
		return Status{}, err
	}
	defer f.Close()

	info, _ := ReadLockInfo(path)
	probeErr := flockSharedProbe(f)
	switch {
	case errors.Is(probeErr, ErrLockBusy):
		return Status{Held: true, Info: info}, nil
	case probeErr != nil:
		return Status{}, probeErr
	}
	stale := info != nil && !isProcessRunning(info.PID)
	return Status{Stale: stale, Info: info}, nil
}
