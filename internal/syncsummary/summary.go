// Package syncsummary tallies what a sync pass sent and received.
package syncsummary

import (
	"fmt"
	"strings"
)

// Tallies counts records by change kind in one direction.
type Tallies struct {
	New     int `json:"new"`
	Updated int `json:"updated"`
	Deleted int `json:"deleted"`
}

// Add accumulates o into t.
func (t *Tallies) Add(o Tallies) {
	t.New += o.New
	t.Updated += o.Updated
	t.Deleted += o.Deleted
}

// HasTallies reports whether any count is non-zero.
func (t Tallies) HasTallies() bool {
	return t.New > 0 || t.Updated > 0 || t.Deleted > 0
}

// Summary is the effect of one sync pass.
type Summary struct {
	Sent      Tallies `json:"sent"`
	Received  Tallies `json:"received"`
	Conflicts int     `json:"conflicts"`
}

// IsEmpty reports whether the pass changed nothing.
func (s Summary) IsEmpty() bool {
	return !s.Sent.HasTallies() && !s.Received.HasTallies() && s.Conflicts == 0
}

// FormatTallies renders "1 new, 2 updated, 3 deleted", omitting zero counts.
func FormatTallies(t Tallies) string {
	var parts []string
	if t.New > 0 {
		parts = append(parts, fmt.Sprintf("%d new", t.New))
	}
	if t.Updated > 0 {
		parts = append(parts, fmt.Sprintf("%d updated", t.Updated))
	}
	if t.Deleted > 0 {
		parts = append(parts, fmt.Sprintf("%d deleted", t.Deleted))
	}
	return strings.Join(parts, ", ")
}

// Format renders a one-line summary such as
// "sent 2 updated, received 1 new (1 conflict resolved)".
// Directions with nothing to report are omitted; an empty summary
// formats as "".
func Format(s Summary) string {
	var parts []string
	if s.Sent.HasTallies() {
		parts = append(parts, "sent "+FormatTallies(s.Sent))
	}
	if s.Received.HasTallies() {
		parts = append(parts, "received "+FormatTallies(s.Received))
	}
	out := strings.Join(parts, ", ")

	if s.Conflicts > 0 {
		noun := "conflicts"
		if s.Conflicts == 1 {
			noun = "conflict"
		}
		conflicts := fmt.Sprintf("(%d %s resolved)", s.Conflicts, noun)
		if out == "" {
			return conflicts
		}
		out += " " + conflicts
	}
	return out
}

// String implements fmt.Stringer.
func (s Summary) String() string {
	return Format(s)
}
