package git

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// MinVersion is the oldest git release whose worktree porcelain output
// this package parses.
var MinVersion = Version{Major: 2, Minor: 25}

// Version is a parsed git version.
type Version struct {
	Major, Minor, Patch int
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// AtLeast reports whether v >= min.
func (v Version) AtLeast(min Version) bool {
	if v.Major != min.Major {
		return v.Major > min.Major
	}
	if v.Minor != min.Minor {
		return v.Minor > min.Minor
	}
	return v.Patch >= min.Patch
}

var versionPattern = regexp.MustCompile(`git version (\d+)\.(\d+)(?:\.(\d+))?`)

// ParseVersion extracts the version from `git --version` output.
func ParseVersion(out string) (Version, error) {
	m := versionPattern.FindStringSubmatch(out)
	if m == nil {
		return Version{}, fmt.Errorf("unrecognized git version output: %q", strings.TrimSpace(out))
	}
	var v Version
	v.Major, _ = strconv.Atoi(m[1])
	v.Minor, _ = strconv.Atoi(m[2])
	if m[3] != "" {
		v.Patch, _ = strconv.Atoi(m[3])
	}
	return v, nil
}

// CheckVersion verifies that git is installed and new enough.
func CheckVersion(ctx context.Context, r Runner) (Version, error) {
	out, err := Output(ctx, r, "", "--version")
	if err != nil {
		if IsEnvironment(err) {
			return Version{}, err
		}
		return Version{}, &EnvironmentError{Reason: ReasonGitMissing, Err: err}
	}
	v, err := ParseVersion(out)
	if err != nil {
		return Version{}, &EnvironmentError{Reason: ReasonUnsupportedVersion, Detail: err.Error(), Err: err}
	}
	if !v.AtLeast(MinVersion) {
		return v, &EnvironmentError{
			Reason: ReasonUnsupportedVersion,
			Detail: fmt.Sprintf("found %s, need %s or newer", v, MinVersion),
		}
	}
	return v, nil
}

// RepoRoot returns the top-level directory of the repository containing dir.
// A directory outside any repository yields an *EnvironmentError.
func RepoRoot(ctx context.Context, r Runner, dir string) (string, error) {
	res, err := r.Run(ctx, dir, "rev-parse", "--show-toplevel")
	if err != nil {
		return "", err
	}
	if !res.OK() {
		return "", &EnvironmentError{Reason: ReasonNotRepository, Detail: dir}
	}
	return filepath.Clean(strings.TrimSpace(res.Stdout)), nil
}

// GitDir returns the absolute git directory for dir. In a linked worktree
// this is the per-worktree directory under the main repository's
// .git/worktrees/.
func GitDir(ctx context.Context, r Runner, dir string) (string, error) {
	out, err := Output(ctx, r, dir, "rev-parse", "--git-dir")
	if err != nil {
		return "", err
	}
	return absUnder(dir, out), nil
}

// CommonDir returns the absolute shared git directory for dir.
func CommonDir(ctx context.Context, r Runner, dir string) (string, error) {
	out, err := Output(ctx, r, dir, "rev-parse", "--git-common-dir")
	if err != nil {
		return "", err
	}
	return absUnder(dir, out), nil
}

// IsWorktree reports whether dir is inside a linked worktree, determined by
// comparing --git-dir and --git-common-dir.
func IsWorktree(ctx context.Context, r Runner, dir string) bool {
	gitDir, err := GitDir(ctx, r, dir)
	if err != nil {
		return false
	}
	commonDir, err := CommonDir(ctx, r, dir)
	if err != nil {
		return false
	}
	return gitDir != commonDir
}

// MainRepoRoot returns the main repository root, even when dir is inside a
// linked worktree.
func MainRepoRoot(ctx context.Context, r Runner, dir string) (string, error) {
	if !IsWorktree(ctx, r, dir) {
		return RepoRoot(ctx, r, dir)
	}
	commonDir, err := CommonDir(ctx, r, dir)
	if err != nil {
		return "", &EnvironmentError{Reason: ReasonNotRepository, Detail: dir, Err: err}
	}
	return filepath.Dir(commonDir), nil
}

func absUnder(dir, p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Clean(filepath.Join(dir, p))
}

// RevParse resolves rev to a commit hash. ok is false when rev does not
// name a commit.
func RevParse(ctx context.Context, r Runner, dir, rev string) (hash string, ok bool, err error) {
	res, err := r.Run(ctx, dir, "rev-parse", "--verify", "--quiet", rev+"^{commit}")
	if err != nil {
		return "", false, err
	}
	if !res.OK() {
		return "", false, nil
	}
	return strings.TrimSpace(res.Stdout), true, nil
}

// BranchHead returns the commit a local branch points at.
func BranchHead(ctx context.Context, r Runner, dir, branch string) (string, bool, error) {
	return RevParse(ctx, r, dir, "refs/heads/"+branch)
}

// RemoteBranchHead returns the commit of the remote-tracking ref
// <remote>/<branch> as of the last fetch. It never touches the network.
func RemoteBranchHead(ctx context.Context, r Runner, dir, remote, branch string) (string, bool, error) {
	return RevParse(ctx, r, dir, "refs/remotes/"+remote+"/"+branch)
}

// HasRemote reports whether a remote with the given name is configured.
func HasRemote(ctx context.Context, r Runner, dir, remote string) bool {
	res, err := r.Run(ctx, dir, "remote", "get-url", remote)
	return err == nil && res.OK()
}

// ConfigGet reads a git config value; missing keys return "".
func ConfigGet(ctx context.Context, r Runner, dir, key string) string {
	res, err := r.Run(ctx, dir, "config", "--get", key)
	if err != nil || !res.OK() {
		return ""
	}
	return strings.TrimSpace(res.Stdout)
}

// IdentityArgs returns -c overrides that let commits succeed in
// repositories without a configured author.
func IdentityArgs(ctx context.Context, r Runner, dir string) []string {
	var args []string
	if ConfigGet(ctx, r, dir, "user.name") == "" {
		args = append(args, "-c", "user.name=tbd")
	}
	if ConfigGet(ctx, r, dir, "user.email") == "" {
		args = append(args, "-c", "user.email=tbd@localhost")
	}
	return args
}

// Fetch updates the remote-tracking ref for branch. A branch that does not
// exist on the remote yields ErrNoRemoteBranch.
func Fetch(ctx context.Context, r Runner, dir, remote, branch string) error {
	refspec := fmt.Sprintf("+refs/heads/%s:refs/remotes/%s/%s", branch, remote, branch)
	res, err := r.Run(ctx, dir, "fetch", "--no-tags", remote, refspec)
	if err != nil {
		return err
	}
	if res.OK() {
		return nil
	}
	if isMissingRemoteRef(res.Stderr) {
		return ErrNoRemoteBranch
	}
	return &CommandError{Args: []string{"fetch", remote, branch}, ExitCode: res.ExitCode, Stderr: strings.TrimSpace(res.Stderr)}
}

// Push publishes HEAD of dir to refs/heads/<branch> on remote. A
// non-fast-forward rejection wraps ErrPushRejected.
func Push(ctx context.Context, r Runner, dir, remote, branch string) error {
	res, err := r.Run(ctx, dir, "push", remote, "HEAD:refs/heads/"+branch)
	if err != nil {
		return err
	}
	if res.OK() {
		return nil
	}
	if isNonFastForward(res.Stderr) {
		return fmt.Errorf("%w: %s", ErrPushRejected, strings.TrimSpace(res.Stderr))
	}
	return &CommandError{Args: []string{"push", remote, branch}, ExitCode: res.ExitCode, Stderr: strings.TrimSpace(res.Stderr)}
}

// AheadBehind counts commits reachable only from left and only from right.
func AheadBehind(ctx context.Context, r Runner, dir, left, right string) (ahead, behind int, err error) {
	out, err := Output(ctx, r, dir, "rev-list", "--left-right", "--count", left+"..."+right)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to get divergence: %w", err)
	}
	parts := strings.Fields(out)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("unexpected rev-list output: %s", out)
	}
	if ahead, err = strconv.Atoi(parts[0]); err != nil {
		return 0, 0, fmt.Errorf("failed to parse ahead count: %w", err)
	}
	if behind, err = strconv.Atoi(parts[1]); err != nil {
		return 0, 0, fmt.Errorf("failed to parse behind count: %w", err)
	}
	return ahead, behind, nil
}

// MergeBase returns the best common ancestor of a and b, or ok=false when
// the histories are unrelated.
func MergeBase(ctx context.Context, r Runner, dir, a, b string) (string, bool, error) {
	res, err := r.Run(ctx, dir, "merge-base", a, b)
	if err != nil {
		return "", false, err
	}
	if res.ExitCode == 1 {
		return "", false, nil
	}
	if !res.OK() {
		return "", false, &CommandError{Args: []string{"merge-base", a, b}, ExitCode: res.ExitCode, Stderr: strings.TrimSpace(res.Stderr)}
	}
	return strings.TrimSpace(res.Stdout), true, nil
}

// ShowFile returns the contents of path at rev. ok is false when the path
// does not exist at that revision.
func ShowFile(ctx context.Context, r Runner, dir, rev, path string) ([]byte, bool, error) {
	res, err := r.Run(ctx, dir, "show", rev+":"+filepath.ToSlash(path))
	if err != nil {
		return nil, false, err
	}
	if !res.OK() {
		lower := strings.ToLower(res.Stderr)
		if strings.Contains(lower, "does not exist") || strings.Contains(lower, "exists on disk, but not in") {
			return nil, false, nil
		}
		return nil, false, &CommandError{Args: []string{"show", rev + ":" + path}, ExitCode: res.ExitCode, Stderr: strings.TrimSpace(res.Stderr)}
	}
	return []byte(res.Stdout), true, nil
}

// ListFiles lists the files under dirPath at rev, relative to the tree root.
func ListFiles(ctx context.Context, r Runner, dir, rev, dirPath string) ([]string, error) {
	out, err := RawOutput(ctx, r, dir, "ls-tree", "-r", "--name-only", rev, "--", filepath.ToSlash(dirPath))
	if err != nil {
		var cmdErr *CommandError
		if errors.As(err, &cmdErr) && strings.Contains(strings.ToLower(cmdErr.Stderr), "not a valid") {
			return nil, nil
		}
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}
