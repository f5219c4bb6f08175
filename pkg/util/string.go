package util

import (
	"strings"
	"unicode/utf8"
)

// ParseList splits a comma separated string, trimming blanks and quotes
func ParseList(s string) []string {
	if s == "" {
		return []string{}
	}

	// Remove brackets if present
	s = strings.Trim(s, "[]")

	parts := strings.Split(s, ",")
	var clean []string
	for _, part := range parts {
		part = strings.TrimSpace(part)
		part = strings.Trim(part, "\"'")
		if part != "" {
			clean = append(clean, part)
		}
	}

	return clean
}

// ParseHandles parses an account list such as "@alice, Bob,alice" into
// ["alice", "Bob"]. Duplicates are detected case-insensitively; the first
// spelling wins and order is preserved.
func ParseHandles(s string) []string {
	seen := make(map[string]struct{})
	var handles []string
	for _, part := range ParseList(s) {
		handle := strings.TrimSpace(strings.TrimLeft(part, "@"))
		if handle == "" {
			continue
		}
		key := strings.ToLower(handle)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		handles = append(handles, handle)
	}
	return handles
}

// AccountLabel renders handles for display: "@alice, @bob"
func AccountLabel(handles []string) string {
	if len(handles) == 0 {
		return ""
	}
	return "@" + strings.Join(handles, ", @")
}

// Truncate shortens s to at most max runes, appending "..." when cut
func Truncate(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	if max <= 3 {
		return string(runes[:max])
	}
	return string(runes[:max-3]) + "..."
}
