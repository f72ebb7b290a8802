// Package fingerprint recognizes "the same kind of file" across a batch and
// coordinates mapping decisions so structurally identical inputs share one
// oracle call.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
)

type fingerprintPayload struct {
	Columns []string `json:"columns"`
}

// Compute returns the structural signature of a file shape: the normalized,
// order-independent column-name set, hashed for use as a cache key.
//
// Normalization: trim, lowercase, drop empties, dedupe, sort. Two files
// whose headers differ only in order, case, or surrounding whitespace share
// a fingerprint.
func Compute(columns []string) string {
	unique := make(map[string]struct{}, len(columns))
	for _, col := range columns {
		trimmed := strings.ToLower(strings.TrimSpace(col))
		if trimmed == "" {
			continue
		}
		unique[trimmed] = struct{}{}
	}

	normalized := make([]string, 0, len(unique))
	for col := range unique {
		normalized = append(normalized, col)
	}
	sort.Strings(normalized)

	b, _ := json.Marshal(fingerprintPayload{Columns: normalized})
	sha := sha256.Sum256(b)
	return hex.EncodeToString(sha[:])
}
