package syncsummary

import (
	"strings"
)

// PathFilter selects which paths are counted. A nil filter counts all.
type PathFilter func(path string) bool

// ParseGitStatus tallies `git status --porcelain` output. Lines with
// unrecognized status codes are ignored.
func ParseGitStatus(text string) Tallies {
	return ParseGitStatusFunc(text, nil)
}

// ParseGitStatusFunc is ParseGitStatus restricted to paths keep accepts.
func ParseGitStatusFunc(text string, keep PathFilter) Tallies {
	var t Tallies
	for _, line := range splitLines(text) {
		if len(line) < 4 || line[2] != ' ' {
			continue
		}
		code, path := line[:2], line[3:]
		if i := strings.Index(path, " -> "); i >= 0 {
			path = path[i+len(" -> "):]
		}
		if keep != nil && !keep(unquote(path)) {
			continue
		}
		classify(&t, code)
	}
	return t
}

// ParseGitDiff tallies `git diff --name-status` output. Renames and type
// changes count as updates; unknown status letters are ignored.
func ParseGitDiff(text string) Tallies {
	return ParseGitDiffFunc(text, nil)
}

// ParseGitDiffFunc is ParseGitDiff restricted to paths keep accepts.
func ParseGitDiffFunc(text string, keep PathFilter) Tallies {
	var t Tallies
	for _, line := range splitLines(text) {
		fields := strings.Split(line, "\t")
		if len(fields) < 2 || fields[0] == "" {
			continue
		}
		if keep != nil && !keep(unquote(fields[len(fields)-1])) {
			continue
		}
		classify(&t, fields[0][:1])
	}
	return t
}

func classify(t *Tallies, code string) {
	switch {
	case code == "??":
		t.New++
	case strings.ContainsRune(code, 'U') || code == "DD" || code == "AA":
		// Unmerged entries are resolved by the merge, not tallied.
	case strings.ContainsRune(code, 'A'):
		t.New++
	case strings.ContainsRune(code, 'D'):
		t.Deleted++
	case strings.ContainsAny(code, "MRT"):
		t.Updated++
	}
}

func splitLines(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var lines []string
	for _, l := range strings.Split(text, "\n") {
		if strings.TrimSpace(l) != "" {
			lines = append(lines, l)
		}
	}
	return lines
}

func unquote(path string) string {
	if len(path) >= 2 && path[0] == '"' && path[len(path)-1] == '"' {
		return path[1 : len(path)-1]
	}
	return path
}
