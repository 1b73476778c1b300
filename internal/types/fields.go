package types

import (
	"fmt"
	"sort"
	"strconv"
	"time"
)

// Field names as they appear in issue frontmatter.
const (
	FieldTitle         = "title"
	FieldDescription   = "description"
	FieldNotes         = "notes"
	FieldKind          = "kind"
	FieldStatus        = "status"
	FieldPriority      = "priority"
	FieldAssignee      = "assignee"
	FieldLabels        = "labels"
	FieldDependencies  = "dependencies"
	FieldParentID      = "parent_id"
	FieldDueDate       = "due_date"
	FieldDeferredUntil = "deferred_until"
	FieldClosedAt      = "closed_at"
	FieldCloseReason   = "close_reason"
	FieldCreatedBy     = "created_by"
	FieldExtensions    = "extensions"
)

// ScalarFields lists the fields resolved by last-writer-wins, in merge order.
// Extensions is treated as one opaque value.
var ScalarFields = []string{
	FieldTitle,
	FieldDescription,
	FieldNotes,
	FieldKind,
	FieldStatus,
	FieldPriority,
	FieldAssignee,
	FieldParentID,
	FieldDueDate,
	FieldDeferredUntil,
	FieldClosedAt,
	FieldCloseReason,
	FieldCreatedBy,
	FieldExtensions,
}

// FieldValue returns the canonical value of a named field.
// Empty strings, nil times and empty maps all normalize to their zero
// form so that "absent" and "empty" compare equal.
func (i *Issue) FieldValue(name string) (any, error) {
	switch name {
	case FieldTitle:
		return i.Title, nil
	case FieldDescription:
		return i.Description, nil
	case FieldNotes:
		return i.Notes, nil
	case FieldKind:
		return string(i.Kind), nil
	case FieldStatus:
		return string(i.Status), nil
	case FieldPriority:
		return i.Priority, nil
	case FieldAssignee:
		return i.Assignee, nil
	case FieldParentID:
		return i.ParentID, nil
	case FieldDueDate:
		return timeValue(i.DueDate), nil
	case FieldDeferredUntil:
		return timeValue(i.DeferredUntil), nil
	case FieldClosedAt:
		return timeValue(i.ClosedAt), nil
	case FieldCloseReason:
		return i.CloseReason, nil
	case FieldCreatedBy:
		return i.CreatedBy, nil
	case FieldExtensions:
		if len(i.Extensions) == 0 {
			return nil, nil
		}
		return cloneMap(i.Extensions), nil
	case FieldLabels:
		return append([]string{}, i.Labels...), nil
	case FieldDependencies:
		return append([]Dependency{}, i.Dependencies...), nil
	}
	return nil, fmt.Errorf("unknown field: %s", name)
}

// SetFieldValue assigns a named field. Values read back from YAML arrive as
// generic types (timestamps as strings, lists as []any), so each field
// coerces its input.
func (i *Issue) SetFieldValue(name string, v any) error {
	var err error
	switch name {
	case FieldTitle:
		i.Title, err = toString(v)
	case FieldDescription:
		i.Description, err = toString(v)
	case FieldNotes:
		i.Notes, err = toString(v)
	case FieldKind:
		var s string
		s, err = toString(v)
		i.Kind = Kind(s)
	case FieldStatus:
		var s string
		s, err = toString(v)
		i.Status = Status(s)
	case FieldPriority:
		i.Priority, err = toInt(v)
	case FieldAssignee:
		i.Assignee, err = toString(v)
	case FieldParentID:
		i.ParentID, err = toString(v)
	case FieldDueDate:
		i.DueDate, err = toTimePtr(v)
	case FieldDeferredUntil:
		i.DeferredUntil, err = toTimePtr(v)
	case FieldClosedAt:
		i.ClosedAt, err = toTimePtr(v)
	case FieldCloseReason:
		i.CloseReason, err = toString(v)
	case FieldCreatedBy:
		i.CreatedBy, err = toString(v)
	case FieldExtensions:
		i.Extensions, err = toMap(v)
	case FieldLabels:
		i.Labels, err = toStringSlice(v)
	case FieldDependencies:
		i.Dependencies, err = toDependencies(v)
	default:
		return fmt.Errorf("unknown field: %s", name)
	}
	if err != nil {
		return fmt.Errorf("field %s: %w", name, err)
	}
	return nil
}

// Fields returns every mutable field as a map, suitable for archiving a
// whole record.
func (i *Issue) Fields() map[string]any {
	out := make(map[string]any, len(ScalarFields)+2)
	for _, name := range append(append([]string{}, ScalarFields...), FieldLabels, FieldDependencies) {
		v, _ := i.FieldValue(name)
		out[name] = v
	}
	return out
}

// ApplyFields assigns every known field present in m. Unknown keys are
// ignored; identity and timestamps are never touched.
func (i *Issue) ApplyFields(m map[string]any) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !isMutableField(k) {
			continue
		}
		if err := i.SetFieldValue(k, m[k]); err != nil {
			return err
		}
	}
	return nil
}

func isMutableField(name string) bool {
	if name == FieldLabels || name == FieldDependencies {
		return true
	}
	for _, f := range ScalarFields {
		if f == name {
			return true
		}
	}
	return false
}

func timeValue(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UTC()
}

func toString(v any) (string, error) {
	switch s := v.(type) {
	case nil:
		return "", nil
	case string:
		return s, nil
	case Kind:
		return string(s), nil
	case Status:
		return string(s), nil
	}
	return "", fmt.Errorf("expected string, got %T", v)
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case uint64:
		return int(n), nil
	case float64:
		if n != float64(int(n)) {
			return 0, fmt.Errorf("expected integer, got %v", n)
		}
		return int(n), nil
	case string:
		return strconv.Atoi(n)
	}
	return 0, fmt.Errorf("expected integer, got %T", v)
}

// ParseTimestamp accepts RFC 3339 timestamps with or without fractional seconds.
func ParseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

func toTimePtr(v any) (*time.Time, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case time.Time:
		if t.IsZero() {
			return nil, nil
		}
		u := t.UTC()
		return &u, nil
	case *time.Time:
		if t == nil || t.IsZero() {
			return nil, nil
		}
		u := t.UTC()
		return &u, nil
	case string:
		if t == "" {
			return nil, nil
		}
		parsed, err := ParseTimestamp(t)
		if err != nil {
			return nil, err
		}
		return &parsed, nil
	}
	return nil, fmt.Errorf("expected timestamp, got %T", v)
}

func toMap(v any) (map[string]any, error) {
	switch m := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		if len(m) == 0 {
			return nil, nil
		}
		return cloneMap(m), nil
	}
	return nil, fmt.Errorf("expected mapping, got %T", v)
}

func toStringSlice(v any) ([]string, error) {
	switch s := v.(type) {
	case nil:
		return []string{}, nil
	case []string:
		return append([]string{}, s...), nil
	case []any:
		out := make([]string, 0, len(s))
		for _, item := range s {
			str, err := toString(item)
			if err != nil {
				return nil, err
			}
			out = append(out, str)
		}
		return out, nil
	}
	return nil, fmt.Errorf("expected list of strings, got %T", v)
}

func toDependencies(v any) ([]Dependency, error) {
	switch d := v.(type) {
	case nil:
		return []Dependency{}, nil
	case []Dependency:
		return append([]Dependency{}, d...), nil
	case []any:
		out := make([]Dependency, 0, len(d))
		for _, item := range d {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("expected dependency mapping, got %T", item)
			}
			typ, err := toString(m["type"])
			if err != nil {
				return nil, err
			}
			target, err := toString(m["target"])
			if err != nil {
				return nil, err
			}
			out = append(out, Dependency{Type: DependencyType(typ), Target: target})
		}
		return out, nil
	}
	return nil, fmt.Errorf("expected list of dependencies, got %T", v)
}
