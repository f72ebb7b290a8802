package match

import (
	"errors"
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Matcher decides which entries inside an uploaded archive or scanned
// directory are offered to an import batch.
//
// A Matcher is configured with include and exclude patterns:
//   - Include patterns: entry must match at least one
//   - Exclude patterns: entry must not match any
//
// The Matcher is safe for concurrent use after creation.
type Matcher struct {
	includes      []string
	excludes      []string
	extensions    map[string]struct{}
	includeHidden bool
}

// Config configures a Matcher.
type Config struct {
	// Includes are glob patterns entries must match (at least one).
	// Empty means every entry is a candidate.
	Includes []string

	// Excludes are glob patterns entries must not match (any).
	Excludes []string

	// Extensions restricts matches to the given file extensions
	// (with or without the leading dot, case-insensitive). Empty means
	// any extension.
	Extensions []string

	// IncludeHidden controls whether dot-prefixed entries are matched.
	// Archive tools love to pack .DS_Store and friends; default is to
	// skip them.
	IncludeHidden bool
}

// ErrInvalidPattern is returned when a pattern cannot be compiled.
var ErrInvalidPattern = errors.New("invalid glob pattern")

// PatternError wraps pattern-related errors with context.
type PatternError struct {
	Pattern string
	Err     error
}

func (e *PatternError) Error() string {
	return "pattern " + e.Pattern + ": " + e.Err.Error()
}

func (e *PatternError) Unwrap() error {
	return e.Err
}

// New creates a Matcher from the given configuration.
//
// Patterns are normalized to handle Windows-style backslash separators
// while preserving escape sequences for literal glob metacharacters.
func New(cfg Config) (*Matcher, error) {
	includes, err := compile(cfg.Includes)
	if err != nil {
		return nil, err
	}
	excludes, err := compile(cfg.Excludes)
	if err != nil {
		return nil, err
	}

	var extensions map[string]struct{}
	if len(cfg.Extensions) > 0 {
		extensions = make(map[string]struct{}, len(cfg.Extensions))
		for _, ext := range cfg.Extensions {
			ext = strings.ToLower(strings.TrimSpace(ext))
			if ext == "" {
				continue
			}
			if !strings.HasPrefix(ext, ".") {
				ext = "." + ext
			}
			extensions[ext] = struct{}{}
		}
	}

	return &Matcher{
		includes:      includes,
		excludes:      excludes,
		extensions:    extensions,
		includeHidden: cfg.IncludeHidden,
	}, nil
}

func compile(raw []string) ([]string, error) {
	patterns := make([]string, 0, len(raw))
	for _, r := range raw {
		normalized := NormalizePattern(r)
		if !doublestar.ValidatePattern(normalized) {
			return nil, &PatternError{Pattern: r, Err: ErrInvalidPattern}
		}
		patterns = append(patterns, normalized)
	}
	return patterns, nil
}

// Match reports whether an entry path passes the configured filters.
//
// An entry matches if:
//  1. It is not hidden (unless IncludeHidden is set)
//  2. Its extension is allowed (when an extension set is configured)
//  3. It matches at least one include pattern (or none are configured)
//  4. It does not match any exclude pattern
func (m *Matcher) Match(entryPath string) bool {
	entryPath = NormalizePattern(entryPath)

	if !m.includeHidden && IsHidden(entryPath) {
		return false
	}

	if m.extensions != nil {
		ext := strings.ToLower(path.Ext(entryPath))
		if _, ok := m.extensions[ext]; !ok {
			return false
		}
	}

	if len(m.includes) > 0 {
		matched := false
		for _, inc := range m.includes {
			if matchPattern(inc, entryPath) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	for _, exc := range m.excludes {
		if matchPattern(exc, entryPath) {
			return false
		}
	}

	return true
}

// IncludePatterns returns the normalized include patterns.
func (m *Matcher) IncludePatterns() []string {
	return append([]string(nil), m.includes...)
}

// ExcludePatterns returns the normalized exclude patterns.
func (m *Matcher) ExcludePatterns() []string {
	return append([]string(nil), m.excludes...)
}

// matchPattern matches an entry path against a doublestar pattern.
func matchPattern(pattern, entryPath string) bool {
	matched, err := doublestar.Match(pattern, entryPath)
	if err != nil {
		// Pattern was validated at construction time, so this shouldn't happen
		return false
	}
	return matched
}
