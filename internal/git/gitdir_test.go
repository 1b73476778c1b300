package git_test

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tbd-sync/tbd/internal/git"
	"github.com/tbd-sync/tbd/internal/git/gittest"
)

// setupTestRepo creates a temporary git repository with one commit.
func setupTestRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}

	repoPath := filepath.Join(t.TempDir(), "test-repo")
	if err := os.MkdirAll(repoPath, 0750); err != nil {
		t.Fatalf("Failed to create test repo directory: %v", err)
	}

	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = repoPath
		if output, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v failed: %v\nOutput: %s", args, err, output)
		}
	}
	run("init", "-b", "main")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "Test User")
	if err := os.WriteFile(filepath.Join(repoPath, "README.md"), []byte("hello\n"), 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}
	run("add", ".")
	run("commit", "-m", "Initial commit")
	return repoPath
}

func TestParseVersion(t *testing.T) {
	tests := []struct {
		in      string
		want    git.Version
		wantErr bool
	}{
		{in: "git version 2.43.0\n", want: git.Version{Major: 2, Minor: 43}},
		{in: "git version 2.39.3 (Apple Git-146)", want: git.Version{Major: 2, Minor: 39, Patch: 3}},
		{in: "git version 2.45.1.windows.1", want: git.Version{Major: 2, Minor: 45, Patch: 1}},
		{in: "git version 3.0", want: git.Version{Major: 3}},
		{in: "hg 6.0", wantErr: true},
	}
	for _, tt := range tests {
		got, err := git.ParseVersion(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseVersion(%q) expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseVersion(%q) error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseVersion(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestCheckVersionTooOld(t *testing.T) {
	fake := gittest.New().On("--version", "git version 2.17.1\n", 0)
	_, err := git.CheckVersion(context.Background(), fake)
	var envErr *git.EnvironmentError
	if !errors.As(err, &envErr) || envErr.Reason != git.ReasonUnsupportedVersion {
		t.Fatalf("expected unsupported-version EnvironmentError, got %v", err)
	}
}

func TestCheckVersionMissingBinary(t *testing.T) {
	fake := gittest.New().OnError("--version", &git.EnvironmentError{Reason: git.ReasonGitMissing})
	_, err := git.CheckVersion(context.Background(), fake)
	if !git.IsEnvironment(err) {
		t.Fatalf("expected environment error, got %v", err)
	}
}

func TestExecRunnerMissingBinary(t *testing.T) {
	r := &git.ExecRunner{Binary: "definitely-not-git-binary"}
	_, err := r.Run(context.Background(), "", "--version")
	if !git.IsEnvironment(err) {
		t.Fatalf("expected environment error, got %v", err)
	}
}

func TestExecRunnerTimeoutFromCallerDeadline(t *testing.T) {
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleep not available")
	}
	r := &git.ExecRunner{Binary: "sleep"}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := r.Run(ctx, "", "5")
	var timeout *git.TimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if timeout.Timeout <= 0 || timeout.Timeout > 200*time.Millisecond {
		t.Errorf("Timeout = %v, want the caller's 200ms budget", timeout.Timeout)
	}
	if strings.Contains(err.Error(), " 0s") {
		t.Errorf("message reports a zero timeout: %v", err)
	}
}

func TestTimeoutErrorMessage(t *testing.T) {
	withBudget := &git.TimeoutError{Args: []string{"push", "origin"}, Timeout: 30 * time.Second}
	if got, want := withBudget.Error(), "git push origin timed out after 30s"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	unknown := &git.TimeoutError{Args: []string{"fetch"}}
	if got, want := unknown.Error(), "git fetch timed out"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestRepoRootOutsideRepo(t *testing.T) {
	fake := gittest.New().OnStderr("rev-parse --show-toplevel", "fatal: not a git repository", 128)
	_, err := git.RepoRoot(context.Background(), fake, "/tmp/x")
	var envErr *git.EnvironmentError
	if !errors.As(err, &envErr) || envErr.Reason != git.ReasonNotRepository {
		t.Fatalf("expected not-a-repository error, got %v", err)
	}
}

func TestPushClassification(t *testing.T) {
	ctx := context.Background()

	rejected := gittest.New().OnStderr("push origin HEAD:refs/heads/tbd-sync",
		" ! [rejected]        HEAD -> tbd-sync (fetch first)\nerror: failed to push some refs", 1)
	err := git.Push(ctx, rejected, "/repo", "origin", "tbd-sync")
	if !errors.Is(err, git.ErrPushRejected) {
		t.Fatalf("expected ErrPushRejected, got %v", err)
	}
	if !git.IsRetryable(err) {
		t.Error("push rejection should be retryable")
	}

	denied := gittest.New().OnStderr("push origin HEAD:refs/heads/tbd-sync", "remote: Permission denied", 128)
	err = git.Push(ctx, denied, "/repo", "origin", "tbd-sync")
	var cmdErr *git.CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("expected CommandError, got %v", err)
	}
	if git.IsRetryable(err) {
		t.Error("permission failure should not be retryable")
	}
}

func TestFetchMissingRemoteRef(t *testing.T) {
	fake := gittest.New().OnStderr("fetch --no-tags origin", "fatal: couldn't find remote ref tbd-sync", 128)
	err := git.Fetch(context.Background(), fake, "/repo", "origin", "tbd-sync")
	if !errors.Is(err, git.ErrNoRemoteBranch) {
		t.Fatalf("expected ErrNoRemoteBranch, got %v", err)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"timeout", &git.TimeoutError{Args: []string{"fetch"}}, true},
		{"dns", &git.CommandError{Stderr: "fatal: unable to access 'https://x/': Could not resolve host: x"}, true},
		{"auth", &git.CommandError{Stderr: "fatal: Authentication failed"}, false},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		if got := git.IsRetryable(tt.err); got != tt.want {
			t.Errorf("%s: IsRetryable = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestRealRepoHelpers(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	r := git.NewExecRunner()

	if _, err := git.CheckVersion(ctx, r); err != nil {
		t.Skipf("git too old for these tests: %v", err)
	}

	root, err := git.RepoRoot(ctx, r, repo)
	if err != nil {
		t.Fatalf("RepoRoot: %v", err)
	}
	wantRoot, _ := filepath.EvalSymlinks(repo)
	gotRoot, _ := filepath.EvalSymlinks(root)
	if gotRoot != wantRoot {
		t.Errorf("RepoRoot = %s, want %s", gotRoot, wantRoot)
	}

	head, ok, err := git.BranchHead(ctx, r, repo, "main")
	if err != nil || !ok || len(head) < 40 {
		t.Fatalf("BranchHead(main) = %q, %v, %v", head, ok, err)
	}
	if _, ok, err := git.BranchHead(ctx, r, repo, "tbd-sync"); err != nil || ok {
		t.Errorf("BranchHead(tbd-sync) should not exist: ok=%v err=%v", ok, err)
	}

	if git.IsWorktree(ctx, r, repo) {
		t.Error("main checkout should not report as a linked worktree")
	}

	_, err = git.RepoRoot(ctx, r, t.TempDir())
	if !git.IsEnvironment(err) {
		t.Errorf("RepoRoot outside a repo should be an environment error, got %v", err)
	}
}
