package storage

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tbd-sync/tbd/internal/types"
)

const (
	frontmatterDelim = "---"
	notesHeading     = "## Notes"
)

var (
	conflictStart = regexp.MustCompile(`(?m)^<<<<<<< `)
	conflictEnd   = regexp.MustCompile(`(?m)^>>>>>>> `)
)

// HasConflictMarkers reports whether data contains git conflict markers.
// A bare "=======" line is not enough on its own since Markdown uses it
// for headings.
func HasConflictMarkers(data []byte) bool {
	return conflictStart.Match(data) || conflictEnd.Match(data)
}

// FormatIssue renders an issue file: YAML frontmatter, then the description,
// then an optional Notes section.
func FormatIssue(issue *types.Issue) ([]byte, error) {
	var fm bytes.Buffer
	enc := yaml.NewEncoder(&fm)
	enc.SetIndent(2)
	if err := enc.Encode(issue); err != nil {
		return nil, fmt.Errorf("encoding frontmatter: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encoding frontmatter: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString(frontmatterDelim + "\n")
	buf.Write(fm.Bytes())
	buf.WriteString(frontmatterDelim + "\n")

	desc := strings.TrimRight(issue.Description, "\n")
	notes := strings.TrimRight(issue.Notes, "\n")
	if desc != "" {
		buf.WriteString("\n" + desc + "\n")
	}
	switch {
	case notes != "":
		buf.WriteString("\n" + notesHeading + "\n\n" + notes + "\n")
	case hasNotesHeading(desc):
		// An empty section keeps the description's own heading out of Notes.
		buf.WriteString("\n" + notesHeading + "\n")
	}
	return buf.Bytes(), nil
}

func hasNotesHeading(text string) bool {
	for _, line := range strings.Split(text, "\n") {
		if line == notesHeading {
			return true
		}
	}
	return false
}

// ParseIssue decodes an issue file. Conflict markers yield
// *MergeConflictError; any other malformation yields *ParseError.
func ParseIssue(data []byte) (*types.Issue, error) {
	if HasConflictMarkers(data) {
		return nil, &MergeConflictError{}
	}

	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	if !strings.HasPrefix(text, frontmatterDelim+"\n") {
		return nil, &ParseError{Err: errors.New("missing frontmatter")}
	}
	rest := text[len(frontmatterDelim)+1:]

	var front, body string
	if strings.HasPrefix(rest, frontmatterDelim+"\n") || rest == frontmatterDelim {
		body = strings.TrimPrefix(strings.TrimPrefix(rest, frontmatterDelim), "\n")
	} else {
		idx := strings.Index(rest, "\n"+frontmatterDelim+"\n")
		if idx < 0 {
			if !strings.HasSuffix(rest, "\n"+frontmatterDelim) {
				return nil, &ParseError{Err: errors.New("unterminated frontmatter")}
			}
			idx = len(rest) - len(frontmatterDelim) - 1
			front = rest[:idx]
		} else {
			front = rest[:idx]
			body = rest[idx+len(frontmatterDelim)+2:]
		}
	}

	var issue types.Issue
	if err := yaml.Unmarshal([]byte(front), &issue); err != nil {
		return nil, &ParseError{Err: err}
	}
	issue.SetDefaults()
	issue.Description, issue.Notes = splitBody(body)
	return &issue, nil
}

// splitBody separates the description from the trailing Notes section.
// Only the last "## Notes" heading line counts, so descriptions may contain
// their own.
func splitBody(body string) (description, notes string) {
	body = strings.Trim(body, "\n")
	lines := strings.Split(body, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if lines[i] == notesHeading {
			return strings.Trim(strings.Join(lines[:i], "\n"), "\n"),
				strings.Trim(strings.Join(lines[i+1:], "\n"), "\n")
		}
	}
	return body, ""
}
