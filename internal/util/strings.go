package util

import (
	"strconv"
	"strings"
)

// DefaultString returns the fallback value if v is empty or consists entirely
// of whitespace; otherwise it returns v unchanged.
//
// Examples:
//
//	DefaultString("hello", "world")  → "hello"   // non-empty → kept
//	DefaultString("",      "world")  → "world"   // empty → fallback
//	DefaultString("  ",    "world")  → "world"   // whitespace-only → fallback
func DefaultString(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

// EmptyDash returns "-" if s is empty or consists entirely of whitespace;
// otherwise it returns s unchanged.
//
// Used by the CLI list table and the dashboard detail panel to show a visible
// placeholder for optional tunnel fields (identifier, hostname, public URL)
// that could not be extracted.
func EmptyDash(s string) string {
	return DefaultString(s, "-")
}

// PortString formats an optional port, returning "-" when it is unset.
func PortString(port int) string {
	if port <= 0 {
		return "-"
	}
	return strconv.Itoa(port)
}
