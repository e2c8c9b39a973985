package webhook

import "strings"

// MatchPattern matches a stream path against a subscription pattern.
// Segments are separated by "/"; "*" matches exactly one non-empty segment,
// "**" matches zero or more segments, everything else is literal. A literal
// "*" can be written percent-encoded as %2A.
func MatchPattern(pattern, path string) bool {
	return matchSegments(splitSegments(pattern), splitSegments(path))
}

func splitSegments(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

func matchSegments(pattern, path []string) bool {
	if len(pattern) == 0 {
		return len(path) == 0
	}

	seg := pattern[0]
	if seg == "**" {
		// Try consuming zero..len(path) segments.
		for i := 0; i <= len(path); i++ {
			if matchSegments(pattern[1:], path[i:]) {
				return true
			}
		}
		return false
	}

	if len(path) == 0 {
		return false
	}

	if seg == "*" {
		return matchSegments(pattern[1:], path[1:])
	}

	decoded := strings.ReplaceAll(seg, "%2A", "*")
	decoded = strings.ReplaceAll(decoded, "%2a", "*")
	if decoded != path[0] {
		return false
	}
	return matchSegments(pattern[1:], path[1:])
}
