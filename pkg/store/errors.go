package store

import "errors"

// Sentinel errors for store operations.
var (
	// ErrTableNotFound indicates the destination table does not exist.
	ErrTableNotFound = errors.New("table not found")

	// ErrRowNotFound indicates no row matched the lookup.
	ErrRowNotFound = errors.New("row not found")

	// ErrInvalidIdentifier indicates a table or column name could not be
	// normalized into a safe SQL identifier.
	ErrInvalidIdentifier = errors.New("invalid identifier")
)

// IsRowNotFound returns true if the error indicates a missing row.
func IsRowNotFound(err error) bool {
	return errors.Is(err, ErrRowNotFound)
}

// IsTableNotFound returns true if the error indicates a missing table.
func IsTableNotFound(err error) bool {
	return errors.Is(err, ErrTableNotFound)
}
