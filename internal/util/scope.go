package util

import "strings"

// SplitScope parses a space-delimited scope string (RFC 6749 Section 3.3)
// into its scope tokens. Duplicates are dropped, first occurrence wins.
// Returns nil for an empty or whitespace-only string.
func SplitScope(scope string) []string {
	fields := strings.Fields(scope)
	if len(fields) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

// JoinScope renders scope tokens in their space-delimited wire form.
func JoinScope(scopes []string) string {
	return strings.Join(scopes, " ")
}

// ContainsAll reports whether every element of want is present in have.
// An empty want is always satisfied.
func ContainsAll(have, want []string) bool {
	if len(want) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(have))
	for _, h := range have {
		set[h] = struct{}{}
	}
	for _, w := range want {
		if _, ok := set[w]; !ok {
			return false
		}
	}
	return true
}
