// Package glob implements a linear-time wildcard matcher for tool-name
// patterns. Only the `*` wildcard is supported; there is deliberately no
// regexp engine behind it, since patterns originate from operator-supplied
// profiles and must never be able to trigger catastrophic backtracking.
package glob

import "strings"

// MaxPatternLength bounds accepted pattern length. Longer patterns never
// match anything.
const MaxPatternLength = 200

// Match reports whether name matches pattern. A `*` matches any run of
// characters, including the empty run. Matching is case-sensitive.
func Match(pattern, name string) bool {
	if len(pattern) > MaxPatternLength {
		return false
	}
	if pattern == "*" {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return pattern == name
	}

	segments := strings.Split(pattern, "*")

	// The first segment must prefix the input and the last must suffix it;
	// interior segments must occur in order in between.
	first, last := segments[0], segments[len(segments)-1]
	if !strings.HasPrefix(name, first) {
		return false
	}
	if !strings.HasSuffix(name, last) {
		return false
	}

	rest := name[len(first):]
	if len(rest) < len(last) {
		return false
	}
	rest = rest[:len(rest)-len(last)]

	for _, seg := range segments[1 : len(segments)-1] {
		if seg == "" {
			continue
		}
		idx := strings.Index(rest, seg)
		if idx < 0 {
			return false
		}
		rest = rest[idx+len(seg):]
	}
	return true
}

// MatchAny reports whether name matches any of the given patterns.
func MatchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if Match(p, name) {
			return true
		}
	}
	return false
}
