// Package rewrite applies regular-expression rewrites to header values.
//
// Rules are grouped by header name (case-insensitive). For a given header the
// rules are tried in configuration order; the first pattern that matches
// produces the new value by expanding $1, ${name} and friends in the
// replacement against the match. The whole value is replaced, not only the
// matched part. The pseudo header "_uri" addresses the request URI.
package rewrite

import (
	"fmt"
	"regexp"
	"strings"
)

// URIKey is the pseudo header name that addresses the request URI.
const URIKey = "_uri"

// Spec is the configured form of a rule.
type Spec struct {
	Header  string `yaml:"header"`
	Match   string `yaml:"match"`
	Replace string `yaml:"replace"`
}

// Rule is a compiled rewrite.
type Rule struct {
	Pattern     *regexp.Regexp
	Replacement string
}

// Set holds the compiled rules of one direction (request or response).
type Set struct {
	byHeader map[string][]Rule
}

// Compile validates and compiles specs. A nil or empty list yields an empty
// set.
func Compile(specs []Spec) (*Set, error) {
	s := &Set{byHeader: make(map[string][]Rule)}
	for i, spec := range specs {
		if spec.Header == "" {
			return nil, fmt.Errorf("rewrite rule %d: header is required", i)
		}
		re, err := regexp.Compile(spec.Match)
		if err != nil {
			return nil, fmt.Errorf("rewrite rule %d (%s): invalid pattern %q: %w", i, spec.Header, spec.Match, err)
		}
		key := strings.ToLower(spec.Header)
		s.byHeader[key] = append(s.byHeader[key], Rule{Pattern: re, Replacement: spec.Replace})
	}
	return s, nil
}

// MustCompile is Compile that panics on error. It is meant for tests and
// static tables.
func MustCompile(specs []Spec) *Set {
	s, err := Compile(specs)
	if err != nil {
		panic(err)
	}
	return s
}

// Has reports whether any rule targets header.
func (s *Set) Has(header string) bool {
	if s == nil {
		return false
	}
	_, ok := s.byHeader[strings.ToLower(header)]
	return ok
}

// Len returns the number of compiled rules.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	n := 0
	for _, rules := range s.byHeader {
		n += len(rules)
	}
	return n
}

// Apply rewrites value with the first matching rule for header. It returns
// the new value and whether a rule matched.
func (s *Set) Apply(header, value string) (string, bool) {
	if s == nil {
		return value, false
	}
	for _, r := range s.byHeader[strings.ToLower(header)] {
		m := r.Pattern.FindStringSubmatchIndex(value)
		if m == nil {
			continue
		}
		out := r.Pattern.ExpandString(nil, r.Replacement, value, m)
		return string(out), true
	}
	return value, false
}
