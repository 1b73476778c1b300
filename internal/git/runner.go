// Package git wraps the git binary behind a narrow interface.
//
// Everything above this package talks to git through Runner, so worktree
// and sync logic can be exercised against a scripted fake.
package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/tbd-sync/tbd/internal/debug"
)

// Result is the outcome of one git invocation. A non-zero ExitCode is not
// an error at this level; callers decide what a failure means.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// OK reports whether git exited zero.
func (r *Result) OK() bool {
	return r.ExitCode == 0
}

// Runner executes git with args in dir.
//
// Run returns an error only when git could not be run at all (binary
// missing, context cancelled, timeout).
type Runner interface {
	Run(ctx context.Context, dir string, args ...string) (*Result, error)
}

// ExecRunner runs the real git binary.
type ExecRunner struct {
	// Binary defaults to "git".
	Binary string
	// Timeout bounds each invocation when non-zero.
	Timeout time.Duration
	// Env is appended to the inherited environment.
	Env []string
}

// NewExecRunner returns a runner for the git binary on PATH.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{Binary: "git"}
}

// WithTimeout returns a copy of the runner that bounds each call by d.
func (r *ExecRunner) WithTimeout(d time.Duration) *ExecRunner {
	c := *r
	c.Timeout = d
	return &c
}

// Run implements Runner.
func (r *ExecRunner) Run(ctx context.Context, dir string, args ...string) (*Result, error) {
	bin := r.Binary
	if bin == "" {
		bin = "git"
	}
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, bin, args...) // #nosec G204 - args are built internally
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "LC_ALL=C")
	cmd.Env = append(cmd.Env, r.Env...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	debug.Logf("git %s (in %s) took %v\n", strings.Join(args, " "), dir, time.Since(start))

	res := &Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return res, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return nil, &TimeoutError{Args: args, Timeout: budget(ctx, start)}
		}
		return nil, ctxErr
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}

	if errors.Is(err, exec.ErrNotFound) {
		return nil, &EnvironmentError{Reason: ReasonGitMissing, Err: err}
	}
	if dir != "" {
		if _, statErr := os.Stat(dir); statErr != nil {
			return nil, fmt.Errorf("git %s: %w", args[0], statErr)
		}
	}
	if errors.Is(err, fs.ErrNotExist) {
		return nil, &EnvironmentError{Reason: ReasonGitMissing, Err: err}
	}
	return nil, fmt.Errorf("git %s: %w", args[0], err)
}

// budget is how long the invocation started at start was allowed to run.
func budget(ctx context.Context, start time.Time) time.Duration {
	deadline, ok := ctx.Deadline()
	if !ok {
		return 0
	}
	return deadline.Sub(start).Round(time.Millisecond)
}

// Output runs git and returns trimmed stdout, failing with *CommandError on
// a non-zero exit.
func Output(ctx context.Context, r Runner, dir string, args ...string) (string, error) {
	res, err := r.Run(ctx, dir, args...)
	if err != nil {
		return "", err
	}
	if !res.OK() {
		return "", &CommandError{Args: args, ExitCode: res.ExitCode, Stderr: strings.TrimSpace(res.Stderr)}
	}
	return strings.TrimSpace(res.Stdout), nil
}

// RawOutput is Output without trimming, for file contents.
func RawOutput(ctx context.Context, r Runner, dir string, args ...string) (string, error) {
	res, err := r.Run(ctx, dir, args...)
	if err != nil {
		return "", err
	}
	if !res.OK() {
		return "", &CommandError{Args: args, ExitCode: res.ExitCode, Stderr: strings.TrimSpace(res.Stderr)}
	}
	return res.Stdout, nil
}

// Exec runs git and discards stdout, failing on a non-zero exit.
func Exec(ctx context.Context, r Runner, dir string, args ...string) error {
	_, err := Output(ctx, r, dir, args...)
	return err
}
