package syncsummary

import (
	"strings"
	"testing"
)

func TestHasTallies(t *testing.T) {
	tests := []struct {
		tallies Tallies
		want    bool
	}{
		{Tallies{}, false},
		{Tallies{New: 1}, true},
		{Tallies{Updated: 1}, true},
		{Tallies{Deleted: 1}, true},
	}
	for _, tt := range tests {
		if got := tt.tallies.HasTallies(); got != tt.want {
			t.Errorf("HasTallies(%+v) = %v, want %v", tt.tallies, got, tt.want)
		}
	}
}

func TestFormatTallies(t *testing.T) {
	tests := []struct {
		tallies Tallies
		want    string
	}{
		{Tallies{}, ""},
		{Tallies{New: 1}, "1 new"},
		{Tallies{Updated: 2}, "2 updated"},
		{Tallies{Deleted: 3}, "3 deleted"},
		{Tallies{New: 1, Updated: 2}, "1 new, 2 updated"},
		{Tallies{New: 1, Updated: 2, Deleted: 3}, "1 new, 2 updated, 3 deleted"},
	}
	for _, tt := range tests {
		if got := FormatTallies(tt.tallies); got != tt.want {
			t.Errorf("FormatTallies(%+v) = %q, want %q", tt.tallies, got, tt.want)
		}
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		name    string
		summary Summary
		want    string
	}{
		{"empty", Summary{}, ""},
		{"sent only", Summary{Sent: Tallies{New: 1}}, "sent 1 new"},
		{"received only", Summary{Received: Tallies{New: 1}}, "received 1 new"},
		{"both directions", Summary{Sent: Tallies{Updated: 2}, Received: Tallies{New: 1}}, "sent 2 updated, received 1 new"},
		{"plural conflicts", Summary{Sent: Tallies{New: 1}, Conflicts: 2}, "sent 1 new (2 conflicts resolved)"},
		{"single conflict", Summary{Received: Tallies{Updated: 1}, Conflicts: 1}, "received 1 updated (1 conflict resolved)"},
		{"mixed directions", Summary{Sent: Tallies{Updated: 2}, Received: Tallies{New: 1}, Conflicts: 1}, "sent 2 updated, received 1 new (1 conflict resolved)"},
		{"conflicts only", Summary{Conflicts: 1}, "(1 conflict resolved)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Format(tt.summary); got != tt.want {
				t.Errorf("Format() = %q, want %q", got, tt.want)
			}
			if tt.summary.IsEmpty() != (tt.want == "") {
				t.Errorf("IsEmpty() = %v for %q", tt.summary.IsEmpty(), tt.want)
			}
		})
	}
}

func TestParseGitStatus(t *testing.T) {
	tests := []struct {
		name   string
		status string
		want   Tallies
	}{
		{"empty", "", Tallies{}},
		{"untracked", "?? file1.md\n?? file2.md", Tallies{New: 2}},
		{"added", "A  file1.md", Tallies{New: 1}},
		{"modified", "M  file1.md\nMM file2.md\n M file3.md", Tallies{Updated: 3}},
		{"deleted", "D  file1.md\n D file2.md", Tallies{Deleted: 2}},
		{"renamed", "R  old.md -> new.md", Tallies{Updated: 1}},
		{"mixed", "?? new.md\nM  updated.md\nD  deleted.md", Tallies{New: 1, Updated: 1, Deleted: 1}},
		{"unknown codes ignored", "!! ignored.md\nUU both.md\nXX weird.md\ngarbage", Tallies{}},
		{"crlf", "?? a.md\r\nM  b.md\r\n", Tallies{New: 1, Updated: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseGitStatus(tt.status); got != tt.want {
				t.Errorf("ParseGitStatus() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestParseGitStatusFiltered(t *testing.T) {
	status := "?? .tbd/data-sync/issues/a.md\nM  .tbd/data-sync/meta.yml\n?? .tbd/data-sync/attic/conflicts/x/y.yml"
	onlyIssues := func(p string) bool { return strings.Contains(p, "/issues/") }
	if got := ParseGitStatusFunc(status, onlyIssues); got != (Tallies{New: 1}) {
		t.Errorf("filtered status = %+v", got)
	}
}

func TestParseGitDiff(t *testing.T) {
	tests := []struct {
		name string
		diff string
		want Tallies
	}{
		{"empty", "", Tallies{}},
		{"added", "A\tfile1.md\nA\tfile2.md", Tallies{New: 2}},
		{"modified", "M\tfile1.md", Tallies{Updated: 1}},
		{"deleted", "D\tfile1.md", Tallies{Deleted: 1}},
		{"mixed", "A\tnew.md\nM\tupdated.md\nD\tdeleted.md", Tallies{New: 1, Updated: 1, Deleted: 1}},
		{"rename with score", "R100\told.md\tnew.md", Tallies{Updated: 1}},
		{"unknown ignored", "X\tfile.md\nnot a diff line", Tallies{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseGitDiff(tt.diff); got != tt.want {
				t.Errorf("ParseGitDiff() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestTalliesAdd(t *testing.T) {
	a := Tallies{New: 1, Updated: 2}
	a.Add(Tallies{Updated: 1, Deleted: 4})
	if a != (Tallies{New: 1, Updated: 3, Deleted: 4}) {
		t.Errorf("Add() = %+v", a)
	}
}
