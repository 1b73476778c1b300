// Package gittest provides a scripted git.Runner for tests.
package gittest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/tbd-sync/tbd/internal/git"
)

// Call records one invocation of the fake.
type Call struct {
	Dir  string
	Args []string
}

// String joins the call's arguments with spaces.
func (c Call) String() string {
	return strings.Join(c.Args, " ")
}

type response struct {
	result *git.Result
	err    error
}

// Runner answers git invocations from a script keyed by the space-joined
// argument list. The longest registered prefix wins. Several responses for
// the same key are returned in order; the last one repeats.
type Runner struct {
	mu        sync.Mutex
	responses map[string][]response
	calls     []Call
}

// New returns an empty scripted runner.
func New() *Runner {
	return &Runner{responses: make(map[string][]response)}
}

// On scripts a response with the given stdout and exit code.
func (f *Runner) On(args, stdout string, exitCode int) *Runner {
	return f.add(args, response{result: &git.Result{Stdout: stdout, ExitCode: exitCode}})
}

// OnStderr scripts a failing response with stderr text.
func (f *Runner) OnStderr(args, stderr string, exitCode int) *Runner {
	return f.add(args, response{result: &git.Result{Stderr: stderr, ExitCode: exitCode}})
}

// OnError scripts a Run-level error (git could not be executed).
func (f *Runner) OnError(args string, err error) *Runner {
	return f.add(args, response{err: err})
}

func (f *Runner) add(args string, r response) *Runner {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[args] = append(f.responses[args], r)
	return f
}

// Run implements git.Runner.
func (f *Runner) Run(ctx context.Context, dir string, args ...string) (*git.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, Call{Dir: dir, Args: append([]string{}, args...)})
	joined := strings.Join(args, " ")

	best := ""
	found := false
	for key := range f.responses {
		if (joined == key || strings.HasPrefix(joined, key+" ")) && len(key) >= len(best) {
			best, found = key, true
		}
	}
	if !found {
		return &git.Result{ExitCode: 1, Stderr: fmt.Sprintf("gittest: no response scripted for %q", joined)}, nil
	}

	queue := f.responses[best]
	r := queue[0]
	if len(queue) > 1 {
		f.responses[best] = queue[1:]
	}
	if r.err != nil {
		return nil, r.err
	}
	res := *r.result
	return &res, nil
}

// Calls returns every invocation so far.
func (f *Runner) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call{}, f.calls...)
}

// Called reports whether any invocation started with prefix.
func (f *Runner) Called(prefix string) bool {
	for _, c := range f.Calls() {
		s := c.String()
		if s == prefix || strings.HasPrefix(s, prefix+" ") {
			return true
		}
	}
	return false
}
