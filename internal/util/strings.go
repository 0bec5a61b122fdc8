package util

import (
	"slices"
	"strings"
)

// SafeTruncate safely truncates a string to maxLen characters without panicking.
// It is used when logging tokens, where only a prefix should be shown.
//
// If maxLen is negative, it's treated as 0 and returns an empty string.
//
// Example:
//
//	SafeTruncate("very-long-token-abc123", 8) // Returns: "very-lon"
//	SafeTruncate("short", 10)                  // Returns: "short"
//	SafeTruncate("test", -1)                   // Returns: ""
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// ParseScope splits a space separated scope string, dropping duplicates and
// keeping first-seen order.
//
//	ParseScope("read  write read") // Returns: []string{"read", "write"}
//	ParseScope("")                 // Returns: nil
func ParseScope(scope string) []string {
	var out []string
	for _, s := range strings.Fields(scope) {
		if !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}

// FormatScope joins scopes with single spaces.
func FormatScope(scopes []string) string {
	return strings.Join(scopes, " ")
}

// ScopeSubset reports whether every element of requested is in allowed.
// An empty request is always a subset.
func ScopeSubset(requested, allowed []string) bool {
	for _, s := range requested {
		if !slices.Contains(allowed, s) {
			return false
		}
	}
	return true
}

// ScopeDifference returns the elements of requested that are not in allowed.
func ScopeDifference(requested, allowed []string) []string {
	var out []string
	for _, s := range requested {
		if !slices.Contains(allowed, s) {
			out = append(out, s)
		}
	}
	return out
}
