// Package match filters archive and directory entries with doublestar
// glob semantics before they are handed to an import batch.
package match

import (
	"strings"
)

// Glob metacharacters that can be escaped with backslash in patterns.
const globEscapable = `*?[]{}\`

// NormalizePattern converts a user-provided glob pattern (or entry path)
// to canonical form.
//
// Normalization rules:
//   - A pattern with no forward slash is taken as Windows-separated: every
//     backslash becomes a forward slash
//   - Once a forward slash is present, a backslash before a glob
//     metacharacter is an escape and preserved (\*, \?, \[, etc.); other
//     backslashes become forward slashes
//   - Leading slash, trailing slash, and // sequences preserved
//
// Archives written on Windows carry paths like "data\2024\sales.csv";
// normalizing both patterns and entry paths keeps matching separator-blind
// without breaking escape semantics for literal matching.
//
// Examples:
//
//	"data/2024/**"        → "data/2024/**"       (unchanged)
//	"data\2024\**"        → "data/2024/**"       (Windows separators)
//	"data/file\*.txt"     → "data/file\*.txt"    (escape preserved)
func NormalizePattern(pattern string) string {
	if pattern == "" {
		return ""
	}

	if !strings.ContainsRune(pattern, '/') {
		return strings.ReplaceAll(pattern, `\`, "/")
	}

	var result strings.Builder
	result.Grow(len(pattern))

	runes := []rune(pattern)
	for i := 0; i < len(runes); i++ {
		r := runes[i]

		if r == '\\' && i+1 < len(runes) && strings.ContainsRune(globEscapable, runes[i+1]) {
			result.WriteRune('\\')
			result.WriteRune(runes[i+1])
			i++
			continue
		}
		if r == '\\' {
			result.WriteRune('/')
			continue
		}

		result.WriteRune(r)
	}

	return result.String()
}

// IsHidden returns true if any path segment starts with a dot.
//
// Hidden segments follow Unix convention where files/directories
// starting with '.' are considered hidden. Matching works on '/'
// separated paths (normalize first).
//
// Examples:
//
//	"path/to/file.csv"      → false
//	".hidden/file.csv"      → true
//	"path/.hidden/file.csv" → true
//	"__MACOSX/._sales.csv"  → true (resource-fork entries are dot files)
func IsHidden(entryPath string) bool {
	if entryPath == "" {
		return false
	}

	segments := strings.Split(entryPath, "/")
	for _, seg := range segments {
		if seg != "" && strings.HasPrefix(seg, ".") {
			return true
		}
	}

	return false
}
