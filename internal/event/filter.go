package event

import (
	"fmt"
	"strings"
)

// Operator names the comparison a custom filter applies at a dotted key path.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpContains    Operator = "contains"
	OpNotContains Operator = "not_contains"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
	OpIn          Operator = "in"
	OpNotIn       Operator = "not_in"
)

var knownOperators = map[Operator]struct{}{
	OpEquals: {}, OpNotEquals: {}, OpContains: {}, OpNotContains: {},
	OpGreaterThan: {}, OpLessThan: {}, OpIn: {}, OpNotIn: {},
}

// CustomFilter compares the value at a dotted key path against an expected
// value. Paths resolve into Data first, then Metadata.CustomFields; a "data."
// or "metadata." prefix pins the root explicitly.
type CustomFilter struct {
	Operator Operator `json:"operator"`
	Value    any      `json:"value"`
}

// Filter is a conjunction of independently optional constraints over events.
// Empty (nil/zero-length) constraints are "don't care". Tag matching is
// ANY-of: at least one listed tag must be present on the event.
type Filter struct {
	Types            []Type                  `json:"event_types,omitempty"`
	Categories       []Category              `json:"event_categories,omitempty"`
	Priorities       []Priority              `json:"priorities,omitempty"`
	Severities       []Severity              `json:"severities,omitempty"`
	SourceServices   []string                `json:"source_services,omitempty"`
	SourceComponents []string                `json:"source_components,omitempty"`
	UserIDs          []string                `json:"user_ids,omitempty"`
	Tags             []string                `json:"tags,omitempty"`
	Custom           map[string]CustomFilter `json:"custom_filters,omitempty"`
}

// Validate rejects filters referencing unknown catalogue entries or
// operators. A zero filter is valid and matches everything.
func (f *Filter) Validate() error {
	for _, t := range f.Types {
		if !KnownType(t) {
			return fmt.Errorf("%w: unknown event type %q in filter", ErrValidation, t)
		}
	}
	for _, p := range f.Priorities {
		if !KnownPriority(p) {
			return fmt.Errorf("%w: unknown priority %q in filter", ErrValidation, p)
		}
	}
	for _, s := range f.Severities {
		if !KnownSeverity(s) {
			return fmt.Errorf("%w: unknown severity %q in filter", ErrValidation, s)
		}
	}
	for path, cf := range f.Custom {
		if path == "" {
			return fmt.Errorf("%w: empty custom filter key path", ErrValidation)
		}
		if _, ok := knownOperators[cf.Operator]; !ok {
			return fmt.Errorf("%w: unknown filter operator %q", ErrValidation, cf.Operator)
		}
	}
	return nil
}

// Matches evaluates the conjunction against an event.
func (f *Filter) Matches(e *Event) bool {
	if len(f.Types) > 0 && !containsType(f.Types, e.Type) {
		return false
	}
	if len(f.Categories) > 0 && !containsCategory(f.Categories, e.Category()) {
		return false
	}
	if len(f.Priorities) > 0 && !containsPriority(f.Priorities, e.Priority) {
		return false
	}
	if len(f.Severities) > 0 && !containsSeverity(f.Severities, e.Severity) {
		return false
	}
	if len(f.SourceServices) > 0 && !containsString(f.SourceServices, e.Metadata.SourceService) {
		return false
	}
	if len(f.SourceComponents) > 0 && !containsString(f.SourceComponents, e.Metadata.SourceComponent) {
		return false
	}
	if len(f.UserIDs) > 0 && !containsString(f.UserIDs, e.SourceUserID) {
		return false
	}
	if len(f.Tags) > 0 && !anyTag(f.Tags, e.Metadata) {
		return false
	}
	for path, cf := range f.Custom {
		val, ok := resolvePath(e, path)
		if !matchOperator(cf.Operator, val, ok, cf.Value) {
			return false
		}
	}
	return true
}

func anyTag(want []string, m Metadata) bool {
	for _, t := range want {
		if m.HasTag(t) {
			return true
		}
	}
	return false
}

// resolvePath walks a dotted key path into the event payload. Bare paths try
// Data first, then Metadata.CustomFields.
func resolvePath(e *Event, path string) (any, bool) {
	switch {
	case strings.HasPrefix(path, "data."):
		return walk(e.Data, strings.Split(path[len("data."):], "."))
	case strings.HasPrefix(path, "metadata."):
		return walk(e.Metadata.CustomFields, strings.Split(path[len("metadata."):], "."))
	default:
		parts := strings.Split(path, ".")
		if v, ok := walk(e.Data, parts); ok {
			return v, true
		}
		return walk(e.Metadata.CustomFields, parts)
	}
}

func walk(root map[string]any, parts []string) (any, bool) {
	var cur any = root
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// matchOperator applies one operator. A missing value fails every operator
// except not_equals, not_contains, and not_in, which vacuously hold.
func matchOperator(op Operator, val any, present bool, expected any) bool {
	if !present {
		switch op {
		case OpNotEquals, OpNotContains, OpNotIn:
			return true
		default:
			return false
		}
	}
	switch op {
	case OpEquals:
		return looseEqual(val, expected)
	case OpNotEquals:
		return !looseEqual(val, expected)
	case OpContains:
		return contains(val, expected)
	case OpNotContains:
		return !contains(val, expected)
	case OpGreaterThan:
		a, aok := toFloat(val)
		b, bok := toFloat(expected)
		return aok && bok && a > b
	case OpLessThan:
		a, aok := toFloat(val)
		b, bok := toFloat(expected)
		return aok && bok && a < b
	case OpIn:
		return inList(val, expected)
	case OpNotIn:
		return !inList(val, expected)
	default:
		return false
	}
}

// looseEqual compares across the numeric types JSON decoding produces
// (float64) and the native ints producers pass in directly. Non-scalar
// values never compare equal.
func looseEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		bf, bok := toFloat(b)
		return bok && af == bf
	}
	if as, ok := a.(string); ok {
		bs, bok := b.(string)
		return bok && as == bs
	}
	if ab, ok := a.(bool); ok {
		bb, bok := b.(bool)
		return bok && ab == bb
	}
	return false
}

func contains(val, expected any) bool {
	switch v := val.(type) {
	case string:
		s, ok := expected.(string)
		return ok && strings.Contains(v, s)
	case []any:
		for _, item := range v {
			if looseEqual(item, expected) {
				return true
			}
		}
		return false
	case []string:
		s, ok := expected.(string)
		if !ok {
			return false
		}
		for _, item := range v {
			if item == s {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func inList(val, expected any) bool {
	switch list := expected.(type) {
	case []any:
		for _, item := range list {
			if looseEqual(val, item) {
				return true
			}
		}
	case []string:
		s, ok := val.(string)
		if !ok {
			return false
		}
		for _, item := range list {
			if item == s {
				return true
			}
		}
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

func containsType(list []Type, t Type) bool {
	for _, x := range list {
		if x == t {
			return true
		}
	}
	return false
}

func containsCategory(list []Category, c Category) bool {
	for _, x := range list {
		if x == c {
			return true
		}
	}
	return false
}

func containsPriority(list []Priority, p Priority) bool {
	for _, x := range list {
		if x == p {
			return true
		}
	}
	return false
}

func containsSeverity(list []Severity, s Severity) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}
