// Package cli provides helpers shared by the sentinel commands.
package cli

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Filter returns the items whose name matches pattern, in their original
// order. A pattern with glob characters (*?[) is matched against the whole
// name; any other pattern matches as a substring. Matching ignores case.
// An empty pattern returns every item.
func Filter[T any](pattern string, items []T, name func(T) string) ([]T, error) {
	if pattern == "" {
		return items, nil
	}
	pattern = strings.ToLower(pattern)
	if _, err := filepath.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("invalid pattern '%s': %w", pattern, err)
	}
	hasGlob := strings.ContainsAny(pattern, "*?[")

	var out []T
	for _, item := range items {
		n := strings.ToLower(name(item))
		if !hasGlob {
			if strings.Contains(n, pattern) {
				out = append(out, item)
			}
			continue
		}
		// * must also span slashes in site names.
		matched, err := filepath.Match(pattern, strings.ReplaceAll(n, "/", "_"))
		if err != nil {
			return nil, err
		}
		if matched {
			out = append(out, item)
		}
	}
	return out, nil
}

// Mask hides all but the last two characters of s.
func Mask(s string) string {
	r := []rune(s)
	if len(r) <= 2 {
		return strings.Repeat("*", len(r))
	}
	return strings.Repeat("*", len(r)-2) + string(r[len(r)-2:])
}
