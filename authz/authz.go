// Package authz is the authorization slot of the pipeline.
//
// The pipeline only knows the Enforcer contract. Table is a small allow-list
// implementation that can be kept in sync across instances by a Feed of
// policy events.
package authz

import (
	"cmp"
	"slices"
	"sync"

	"svckit/status"
)

// Wildcard matches any value in a rule field.
const Wildcard = "*"

// Enforcer decides whether sub may perform act on obj.
type Enforcer interface {
	Enforce(sub, obj, act string) (bool, error)
}

// EnforcerFunc adapts a function to Enforcer.
type EnforcerFunc func(sub, obj, act string) (bool, error)

func (f EnforcerFunc) Enforce(sub, obj, act string) (bool, error) { return f(sub, obj, act) }

// Rule allows Subject to perform Action on Object.
type Rule struct {
	Subject string
	Object  string
	Action  string
}

// ParseRule builds a rule from a [sub, obj, act] tuple.
func ParseRule(fields []string) (Rule, error) {
	if len(fields) != 3 {
		return Rule{}, status.Newf(status.InvalidArgument, "policy needs 3 fields, got %d", len(fields))
	}
	for _, f := range fields {
		if f == "" {
			return Rule{}, status.New(status.InvalidArgument, "policy fields must not be empty")
		}
	}
	return Rule{Subject: fields[0], Object: fields[1], Action: fields[2]}, nil
}

func (r Rule) matches(sub, obj, act string) bool {
	return match(r.Subject, sub) && match(r.Object, obj) && match(r.Action, act)
}

func match(pattern, value string) bool {
	return pattern == Wildcard || pattern == value
}

// Table is a concurrent set of allow rules. Anything not allowed is denied.
type Table struct {
	mu    sync.RWMutex
	rules map[Rule]struct{}
}

var _ Enforcer = (*Table)(nil)

// NewTable creates a table holding rules.
func NewTable(rules ...Rule) *Table {
	t := &Table{rules: make(map[Rule]struct{}, len(rules))}
	for _, r := range rules {
		t.rules[r] = struct{}{}
	}
	return t
}

// Enforce reports whether any rule allows the request.
func (t *Table) Enforce(sub, obj, act string) (bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for r := range t.rules {
		if r.matches(sub, obj, act) {
			return true, nil
		}
	}
	return false, nil
}

// Add inserts rules and reports whether the table changed.
func (t *Table) Add(rules ...Rule) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	changed := false
	for _, r := range rules {
		if _, ok := t.rules[r]; !ok {
			t.rules[r] = struct{}{}
			changed = true
		}
	}
	return changed
}

// Remove deletes rules and reports whether the table changed.
func (t *Table) Remove(rules ...Rule) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	changed := false
	for _, r := range rules {
		if _, ok := t.rules[r]; ok {
			delete(t.rules, r)
			changed = true
		}
	}
	return changed
}

// Rules returns the rules sorted by subject, object and action.
func (t *Table) Rules() []Rule {
	t.mu.RLock()
	rules := make([]Rule, 0, len(t.rules))
	for r := range t.rules {
		rules = append(rules, r)
	}
	t.mu.RUnlock()
	slices.SortFunc(rules, func(a, b Rule) int {
		return cmp.Or(
			cmp.Compare(a.Subject, b.Subject),
			cmp.Compare(a.Object, b.Object),
			cmp.Compare(a.Action, b.Action),
		)
	})
	return rules
}
