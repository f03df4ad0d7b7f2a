// Package template implements the minimal mustache-like renderer spec.md
// §4.2/§9 calls for: identifiers and dotted lookups over a stack of scopes,
// with undefined variables collected as errors rather than thrown. No
// general-purpose template engine from the example pack is reused here --
// see DESIGN.md for why this is the one standard-library-only package in
// the repository.
package template

import (
	"fmt"
	"regexp"
	"strings"
)

// tagPattern matches {{{name}}} (unescaped, three braces) before {{name}}
// (two braces) since the three-brace form is a superset match of the two.
var tagPattern = regexp.MustCompile(`\{\{\{\s*([A-Za-z_][A-Za-z0-9_.]*)\s*\}\}\}|\{\{\s*([A-Za-z_][A-Za-z0-9_.]*)\s*\}\}`)

// Scope is one level of the variable stack (spec §4.2: "lookup walks
// outer-to-inner with inner winning").
type Scope struct {
	parent *Scope
	vars   map[string]string
}

// NewScope creates a root scope with no parent.
func NewScope() *Scope {
	return &Scope{vars: make(map[string]string)}
}

// Child creates a new scope that inherits from s.
func (s *Scope) Child() *Scope {
	return &Scope{parent: s, vars: make(map[string]string)}
}

// Set binds name to value in this scope. Setting an empty-string value is a
// no-op for exports per spec §4.2 ("variable exports that name an empty
// string are ignored"); Export enforces that, Set itself is used
// for ordinary seeding (host variables, root variables) where empty values
// are legitimate.
func (s *Scope) Set(name, value string) {
	s.vars[name] = value
}

// Export binds name to value only if value is non-empty, matching the
// planner's property-export semantics (spec §4.2).
func (s *Scope) Export(name, value string) {
	if value == "" {
		return
	}
	s.vars[name] = value
}

// Lookup walks inner-to-outer, returning the value from the first
// (innermost) scope that defines name.
func (s *Scope) Lookup(name string) (string, bool) {
	for cur := s; cur != nil; cur = cur.parent {
		if v, ok := cur.vars[name]; ok {
			return v, true
		}
	}
	return "", false
}

// UndefinedError records one undefined-variable reference encountered
// during Render. The planner collects these across an entire plan rather
// than aborting on the first (spec §4.2/§7 "the planner collects errors
// rather than short-circuiting").
type UndefinedError struct {
	Name string
}

func (e UndefinedError) Error() string {
	return fmt.Sprintf("undefined template variable %q", e.Name)
}

// Render substitutes {{name}} and {{{name}}} occurrences of text using
// scope, HTML-escaping off in both forms (spec §4.2: "HTML-escaping off").
// It is single-pass: all undefined references are collected and returned
// together rather than aborting on the first, and the rendered string still
// contains the empty substitution for each undefined reference (spec §4.2:
// "undefined keys produce a recorded error and empty substitution").
func Render(text string, scope *Scope) (string, []error) {
	var errs []error
	out := tagPattern.ReplaceAllStringFunc(text, func(match string) string {
		sub := tagPattern.FindStringSubmatch(match)
		name := sub[1]
		if name == "" {
			name = sub[2]
		}
		v, ok := scope.Lookup(name)
		if !ok {
			errs = append(errs, UndefinedError{Name: name})
			return ""
		}
		return v
	})
	return out, errs
}

// HasTags reports whether text contains any template placeholders, used by
// the planner to skip rendering non-template text properties entirely.
func HasTags(text string) bool {
	return strings.Contains(text, "{{")
}
