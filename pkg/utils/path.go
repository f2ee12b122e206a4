package utils

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

var unsafeSegment = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// SafeSegment turns an arbitrary cache key into a single path element.
func SafeSegment(s string) string {
	s = unsafeSegment.ReplaceAllString(s, "_")
	s = strings.Trim(s, ".")
	if s == "" {
		return "_"
	}
	return s
}

// SecureJoin joins elements under base and rejects results that escape it.
func SecureJoin(base string, elements ...string) (string, error) {
	if base == "" {
		return "", fmt.Errorf("base path cannot be empty")
	}

	cleanBase := filepath.Clean(base)
	fullPath := filepath.Join(append([]string{cleanBase}, elements...)...)

	if !strings.HasPrefix(fullPath, cleanBase+string(filepath.Separator)) && fullPath != cleanBase {
		return "", fmt.Errorf("path escapes base directory")
	}
	return fullPath, nil
}
