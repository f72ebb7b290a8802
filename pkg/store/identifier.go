package store

import (
	"fmt"
	"strings"
	"unicode"
)

// RunTagColumn is the reserved column stamped onto every inserted row so a
// whole run's inserts can be attributed (and audited) after the fact.
const RunTagColumn = "_import_run_id"

// NormalizeIdentifier converts an arbitrary table or column label into a
// safe snake_case SQL identifier.
//
// Rules: lowercase, runs of non-alphanumerics collapse to a single
// underscore, leading digits get an underscore prefix. Returns
// ErrInvalidIdentifier when nothing usable remains.
func NormalizeIdentifier(name string) (string, error) {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range strings.TrimSpace(name) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(unicode.ToLower(r))
			lastUnderscore = false
		case r == '_':
			if !lastUnderscore && b.Len() > 0 {
				b.WriteRune('_')
				lastUnderscore = true
			}
		default:
			if !lastUnderscore && b.Len() > 0 {
				b.WriteRune('_')
				lastUnderscore = true
			}
		}
	}

	out := strings.Trim(b.String(), "_")
	if out == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidIdentifier, name)
	}
	if unicode.IsDigit(rune(out[0])) {
		out = "_" + out
	}
	return out, nil
}

// quoteIdent wraps an already-normalized identifier in double quotes.
// Normalized identifiers cannot contain quotes, so no escaping is needed.
func quoteIdent(name string) string {
	return `"` + name + `"`
}

// normalizeColumns normalizes a column list, preserving order and dropping
// duplicates after normalization.
func normalizeColumns(columns []string) ([]string, error) {
	seen := make(map[string]struct{}, len(columns))
	out := make([]string, 0, len(columns))
	for _, col := range columns {
		norm, err := NormalizeIdentifier(col)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[norm]; ok {
			continue
		}
		seen[norm] = struct{}{}
		out = append(out, norm)
	}
	return out, nil
}
