package catalog

import (
	"strings"
)

// wildcardChars are each folded to a single '%' wildcard token.
const wildcardChars = " .*%_?"

// NormalizePattern turns user filter text into a wildcard search pattern.
// Space, point, star, percent, underscore and question mark all act as
// wildcards, consecutive wildcards collapse to one, and the pattern is
// wrapped with a wildcard on both ends. Normalizing an already normalized
// pattern yields the same pattern.
func NormalizePattern(text string) string {
	folded := strings.Map(func(r rune) rune {
		if strings.ContainsRune(wildcardChars, r) {
			return '%'
		}
		return r
	}, strings.TrimSpace(text))

	result := "%" + folded + "%"
	for strings.Contains(result, "%%") {
		result = strings.ReplaceAll(result, "%%", "%")
	}
	return result
}

// MatchPattern reports whether text matches a normalized wildcard pattern.
// Matching is case insensitive; '%' matches any run of characters.
func MatchPattern(pattern, text string) bool {
	tokens := strings.Split(strings.ToLower(pattern), "%")
	haystack := strings.ToLower(text)

	// A normalized pattern starts and ends with '%', so every token is
	// unanchored and only their order matters.
	pos := 0
	for _, token := range tokens {
		if token == "" {
			continue
		}
		idx := strings.Index(haystack[pos:], token)
		if idx < 0 {
			return false
		}
		pos += idx + len(token)
	}
	return true
}
