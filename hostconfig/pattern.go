// Package hostconfig implements OpenSSH-style client configuration: host
// pattern matching against ssh_config Host blocks, %-token expansion in
// IdentityFile paths, and strict permission-mode checks on key material,
// per spec §4.9.
package hostconfig

import "strings"

// Match reports whether host matches a single ssh_config pattern using
// OpenSSH's glob subset: '*' matches any run of characters (including
// none), '?' matches exactly one character. Matching is case-insensitive.
func Match(pattern, host string) bool {
	return matchGlob(strings.ToLower(pattern), strings.ToLower(host))
}

func matchGlob(pattern, s string) bool {
	// Classic backtracking glob match restricted to '*' and '?', with a
	// "last star" shortcut to stay out of exponential blowup on pathological
	// inputs (repeated stars, long hostnames).
	var starIdx, sIdx = -1, 0
	pIdx := 0
	starMatch := 0
	for sIdx < len(s) {
		if pIdx < len(pattern) && (pattern[pIdx] == '?' || pattern[pIdx] == s[sIdx]) {
			pIdx++
			sIdx++
		} else if pIdx < len(pattern) && pattern[pIdx] == '*' {
			starIdx = pIdx
			starMatch = sIdx
			pIdx++
		} else if starIdx != -1 {
			pIdx = starIdx + 1
			starMatch++
			sIdx = starMatch
		} else {
			return false
		}
	}
	for pIdx < len(pattern) && pattern[pIdx] == '*' {
		pIdx++
	}
	return pIdx == len(pattern)
}

// MatchAny applies OpenSSH's full pattern-list semantics (ssh_config(5)
// "PATTERNS"): patterns are tried left to right, a leading '!' negates
// one pattern and, if it matches, immediately disqualifies the host
// regardless of later positive matches; the host matches overall if any
// positive pattern matched and no negated pattern matched.
func MatchAny(patterns []string, host string) bool {
	matched := false
	for _, p := range patterns {
		if strings.HasPrefix(p, "!") {
			if Match(p[1:], host) {
				return false
			}
			continue
		}
		if Match(p, host) {
			matched = true
		}
	}
	return matched
}
