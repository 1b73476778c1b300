// Package gitrepo provides real-git test fixtures.
//
// Every helper skips the test when the git binary is not on PATH, so suites
// using it degrade to fake-runner coverage on machines without git.
//
// Usage:
//
//	func TestSomething(t *testing.T) {
//	    env := gitrepo.New(t)            // work repo with a bare "origin"
//	    other := env.Clone(t)            // second clone of the same origin
//	    gitrepo.Git(t, env.Work, "status")
//	}
package gitrepo

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// Env is a working repository with a bare remote named origin.
type Env struct {
	Root   string // temp directory holding both repositories
	Remote string // bare repository
	Work   string // working repository, one commit on main, pushed
}

// RequireGit skips the test when git is unavailable.
func RequireGit(t testing.TB) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not in PATH, skipping test")
	}
}

// New creates a bare origin and a working clone with an initial commit on
// main pushed to it.
func New(t testing.TB) *Env {
	t.Helper()
	RequireGit(t)

	root := t.TempDir()
	if resolved, err := filepath.EvalSymlinks(root); err == nil {
		root = resolved
	}
	env := &Env{
		Root:   root,
		Remote: filepath.Join(root, "remote.git"),
		Work:   filepath.Join(root, "work"),
	}
	mkdir(t, env.Remote)
	Git(t, env.Remote, "init", "--bare")
	Git(t, env.Remote, "symbolic-ref", "HEAD", "refs/heads/main")

	mkdir(t, env.Work)
	Init(t, env.Work)
	Git(t, env.Work, "remote", "add", "origin", env.Remote)
	Git(t, env.Work, "push", "-u", "origin", "main")
	return env
}

// Init turns dir into a repository with one commit on main and a local
// test identity.
func Init(t testing.TB, dir string) {
	t.Helper()
	RequireGit(t)
	Git(t, dir, "init")
	Git(t, dir, "symbolic-ref", "HEAD", "refs/heads/main")
	configure(t, dir)
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("# Test Repo\n"), 0o644); err != nil {
		t.Fatalf("writing README: %v", err)
	}
	Git(t, dir, "add", "README.md")
	Git(t, dir, "commit", "-m", "Initial commit")
}

// Clone makes another working clone of the environment's origin.
func (e *Env) Clone(t testing.TB, name string) string {
	t.Helper()
	dir := filepath.Join(e.Root, name)
	Git(t, e.Root, "clone", e.Remote, dir)
	configure(t, dir)
	return dir
}

// Git runs git in dir and returns trimmed stdout, failing the test on error.
func Git(t testing.TB, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "LC_ALL=C")
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v failed: %v\n%s", args, err, out)
	}
	return strings.TrimSpace(string(out))
}

func configure(t testing.TB, dir string) {
	t.Helper()
	Git(t, dir, "config", "user.email", "test@test.com")
	Git(t, dir, "config", "user.name", "Test User")
	Git(t, dir, "config", "commit.gpgsign", "false")
}

func mkdir(t testing.TB, dir string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("creating %s: %v", dir, err)
	}
}
