package utils

import (
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// MatchGlob reports whether path matches pattern. Patterns support
// doublestar syntax ("**/*.yaml"); a malformed pattern never matches.
func MatchGlob(pattern, path string) bool {
	if pattern == "" {
		return false
	}
	normalized := filepath.ToSlash(path)
	ok, err := doublestar.Match(pattern, normalized)
	if err != nil {
		return false
	}
	if ok {
		return true
	}
	// A bare-name pattern also matches against the base name so that
	// "*.yaml" works for nested paths.
	if !strings.Contains(pattern, "/") {
		ok, err := doublestar.Match(pattern, filepath.Base(normalized))
		return err == nil && ok
	}
	return false
}

// MatchAnyGlob reports whether path matches at least one of patterns.
// An empty pattern list matches everything.
func MatchAnyGlob(patterns []string, path string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if MatchGlob(p, path) {
			return true
		}
	}
	return false
}
