// Package scope implements the static scope policy that gates every tool and
// resource operation. The policy is a pure lookup table: it performs no I/O,
// holds no mutable state after construction, and compares scope strings
// case-sensitively with exact matching.
package scope

import (
	"fmt"
	"sort"
)

// Set is an immutable-by-convention set of OAuth scope strings.
type Set map[string]struct{}

// NewSet builds a Set from scope strings. Duplicates collapse.
func NewSet(scopes ...string) Set {
	s := make(Set, len(scopes))
	for _, sc := range scopes {
		s[sc] = struct{}{}
	}
	return s
}

// Contains reports whether the set contains the exact scope string.
func (s Set) Contains(scope string) bool {
	_, ok := s[scope]
	return ok
}

// IsSupersetOf reports whether s contains every scope in other.
func (s Set) IsSupersetOf(other Set) bool {
	for sc := range other {
		if !s.Contains(sc) {
			return false
		}
	}
	return true
}

// Intersect returns the scopes present in both sets.
func (s Set) Intersect(other Set) Set {
	out := make(Set)
	for sc := range s {
		if other.Contains(sc) {
			out[sc] = struct{}{}
		}
	}
	return out
}

// Slice returns the scopes in sorted order for deterministic wire encoding
// and logging.
func (s Set) Slice() []string {
	out := make([]string, 0, len(s))
	for sc := range s {
		out = append(out, sc)
	}
	sort.Strings(out)
	return out
}

// UnknownOperationError is returned when an operation has no entry in the
// policy table. This is a programming-error guard: every operation must be
// registered before the server accepts traffic, so this error should never
// surface at runtime.
type UnknownOperationError struct {
	Operation string
}

func (e *UnknownOperationError) Error() string {
	return fmt.Sprintf("unknown operation %q: not registered in scope policy", e.Operation)
}

// Policy maps operation names to their minimal required scope sets.
// A nil or empty requirement means the operation needs authentication only.
type Policy struct {
	requirements map[string]Set
}

// NewPolicy creates a policy from an operation -> required scopes table.
// The table is copied; later mutation of the input does not affect the policy.
func NewPolicy(table map[string][]string) *Policy {
	reqs := make(map[string]Set, len(table))
	for op, scopes := range table {
		reqs[op] = NewSet(scopes...)
	}
	return &Policy{requirements: reqs}
}

// DefaultPolicy returns the policy covering the content suite's tool surface.
// Operations are grouped per app with read/write scope pairs; provisioning
// operations require authentication but no resource scope.
func DefaultPolicy() *Policy {
	return NewPolicy(map[string][]string{
		// Notes
		"list_notes":   {"notes:read"},
		"search_notes": {"notes:read"},
		"read_note":    {"notes:read"},
		"create_note":  {"notes:write"},
		"update_note":  {"notes:write"},
		"append_note":  {"notes:write"},
		"delete_note":  {"notes:write"},

		// Calendar
		"list_events":  {"calendar:read"},
		"read_event":   {"calendar:read"},
		"create_event": {"calendar:write"},
		"update_event": {"calendar:write"},
		"delete_event": {"calendar:write"},

		// Contacts
		"list_contacts":  {"contacts:read"},
		"read_contact":   {"contacts:read"},
		"create_contact": {"contacts:write"},
		"delete_contact": {"contacts:write"},

		// Tables
		"list_tables":      {"tables:read"},
		"read_table_rows":  {"tables:read"},
		"insert_table_row": {"tables:write"},
		"update_table_row": {"tables:write"},
		"delete_table_row": {"tables:write"},

		// Files
		"list_files":  {"files:read"},
		"read_file":   {"files:read"},
		"write_file":  {"files:write"},
		"delete_file": {"files:write"},

		// Always callable once authenticated
		"capabilities":        {},
		"provision_account":   {},
		"provisioning_status": {},
	})
}

// RequiredScopes returns the minimal scope set the operation needs.
// Returns UnknownOperationError for operations missing from the table.
func (p *Policy) RequiredScopes(operation string) (Set, error) {
	req, ok := p.requirements[operation]
	if !ok {
		return nil, &UnknownOperationError{Operation: operation}
	}
	return req, nil
}

// Operations returns every registered operation name in sorted order.
func (p *Policy) Operations() []string {
	ops := make([]string, 0, len(p.requirements))
	for op := range p.requirements {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}

// Authorize reports whether tokenScopes satisfies the operation's requirement.
// Deny unless tokenScopes is a superset of the required set. There is no
// wildcard expansion: "notes:*" does not grant "notes:read".
func (p *Policy) Authorize(tokenScopes Set, operation string) (bool, error) {
	req, err := p.RequiredScopes(operation)
	if err != nil {
		return false, err
	}
	return tokenScopes.IsSupersetOf(req), nil
}
