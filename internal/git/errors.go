package git

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// EnvReason classifies why git cannot be used here.
type EnvReason string

// Environment failure reasons
const (
	ReasonGitMissing         EnvReason = "git-missing"
	ReasonNotRepository      EnvReason = "not-a-repository"
	ReasonUnsupportedVersion EnvReason = "unsupported-version"
)

// EnvironmentError means the environment cannot support git-backed sync.
// It is non-fatal: callers degrade to local-only operation.
type EnvironmentError struct {
	Reason EnvReason
	Detail string
	Err    error
}

func (e *EnvironmentError) Error() string {
	switch e.Reason {
	case ReasonGitMissing:
		return "git is not installed or not on PATH"
	case ReasonNotRepository:
		if e.Detail != "" {
			return "not a git repository: " + e.Detail
		}
		return "not a git repository"
	case ReasonUnsupportedVersion:
		return "unsupported git version: " + e.Detail
	}
	return fmt.Sprintf("git unavailable: %v", e.Err)
}

func (e *EnvironmentError) Unwrap() error { return e.Err }

// IsEnvironment reports whether err is (or wraps) an *EnvironmentError.
func IsEnvironment(err error) bool {
	var envErr *EnvironmentError
	return errors.As(err, &envErr)
}

// CommandError is a required git command that exited non-zero.
type CommandError struct {
	Args     []string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("git %s failed (exit %d)", strings.Join(e.Args, " "), e.ExitCode)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

// TimeoutError is a git invocation that exceeded its deadline. Retryable.
type TimeoutError struct {
	Args    []string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	if e.Timeout <= 0 {
		return fmt.Sprintf("git %s timed out", strings.Join(e.Args, " "))
	}
	return fmt.Sprintf("git %s timed out after %v", strings.Join(e.Args, " "), e.Timeout)
}

// ErrPushRejected is returned when the remote refuses a non-fast-forward
// push. Retryable: fetch, merge again, and push again.
var ErrPushRejected = errors.New("push rejected: remote sync branch has new commits")

// ErrNoRemoteBranch means the remote has no copy of the branch yet.
var ErrNoRemoteBranch = errors.New("remote branch does not exist")

// IsRetryable reports whether a network operation may succeed if retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPushRejected) {
		return true
	}
	var timeout *TimeoutError
	if errors.As(err, &timeout) {
		return true
	}
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		return isTransientStderr(cmdErr.Stderr)
	}
	return false
}

var transientMarkers = []string{
	"could not resolve host",
	"connection timed out",
	"connection refused",
	"connection reset",
	"operation timed out",
	"the remote end hung up unexpectedly",
	"early eof",
	"temporary failure",
	"cannot lock ref",
	"unable to access",
}

func isTransientStderr(stderr string) bool {
	lower := strings.ToLower(stderr)
	for _, m := range transientMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// isNonFastForward recognizes git's rejection wording for a push that
// would lose remote commits.
func isNonFastForward(stderr string) bool {
	lower := strings.ToLower(stderr)
	return strings.Contains(lower, "non-fast-forward") ||
		strings.Contains(lower, "[rejected]") ||
		strings.Contains(lower, "fetch first") ||
		strings.Contains(lower, "updates were rejected")
}

// isMissingRemoteRef recognizes fetch failures caused by the branch not
// existing on the remote.
func isMissingRemoteRef(stderr string) bool {
	lower := strings.ToLower(stderr)
	return strings.Contains(lower, "couldn't find remote ref") ||
		strings.Contains(lower, "could not find remote ref")
}
