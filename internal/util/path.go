package util

import (
	"os"
	"path/filepath"
	"strings"
)

// ExtendPath appends extra directories to a PATH-style list, skipping blanks
// and entries already present. Order of the original list is preserved so the
// user's own choices keep precedence.
//
// GUI launchers and service managers often start processes with a minimal
// PATH that lacks package-manager prefixes such as /opt/homebrew/bin, which is
// where the tunneling CLI usually lives.
//
// Examples:
//
//	ExtendPath("/usr/bin", "/opt/homebrew/bin")       → "/usr/bin:/opt/homebrew/bin"
//	ExtendPath("/usr/bin:/opt/homebrew/bin", "/usr/bin") → "/usr/bin:/opt/homebrew/bin"
//	ExtendPath("", "/usr/local/bin")                  → "/usr/local/bin"
func ExtendPath(path string, extra ...string) string {
	seen := make(map[string]bool)
	var out []string
	for _, dir := range filepath.SplitList(path) {
		if dir == "" || seen[dir] {
			continue
		}
		seen[dir] = true
		out = append(out, dir)
	}
	for _, dir := range extra {
		dir = strings.TrimSpace(dir)
		if dir == "" || seen[dir] {
			continue
		}
		seen[dir] = true
		out = append(out, dir)
	}
	return strings.Join(out, string(os.PathListSeparator))
}

// ExpandHome replaces a leading "~" with the current user's home directory.
// Paths that do not start with "~" are returned unchanged.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
