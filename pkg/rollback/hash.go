package rollback

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

type hashEntry struct {
	Column string  `json:"column"`
	Value  *string `json:"value"`
}

// HashValues computes the verification hash over a row's values for the
// given columns.
//
// Values are canonicalized to strings before hashing (NULL stays distinct
// from empty string) so a value written as a typed scalar and read back as
// TEXT still hashes identically. Column order is normalized, so the hash is
// independent of map iteration.
func HashValues(values map[string]any, columns []string) string {
	cols := append([]string(nil), columns...)
	sort.Strings(cols)

	entries := make([]hashEntry, 0, len(cols))
	for _, col := range cols {
		entries = append(entries, hashEntry{Column: col, Value: canonicalValue(values[col])})
	}

	b, _ := json.Marshal(entries)
	sha := sha256.Sum256(b)
	return hex.EncodeToString(sha[:])
}

func canonicalValue(v any) *string {
	if v == nil {
		return nil
	}
	s := fmt.Sprint(v)
	return &s
}
