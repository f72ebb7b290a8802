// Package batch implements the top-level import orchestrator: it fans a
// batch of entries out to a bounded worker pool, wires each worker through
// the fingerprint coordinator and the table lock manager, and folds
// per-entry results into the persisted job lifecycle.
package batch

import "context"

// RowSource is the external row parser contract. Given one entry, it
// returns the source's column names and an ordered sequence of flat
// records. The engine is agnostic to CSV/Excel/JSON/XML specifics.
type RowSource interface {
	Rows(ctx context.Context) (columns []string, records []map[string]any, err error)
}

// Entry is one file or sheet within a batch.
type Entry struct {
	// Path is the archive path or label identifying the entry.
	Path string

	// StoredName is the stored object name backing the entry, if any.
	StoredName string

	// UploadID links the entry to a registered upload, if any.
	UploadID string

	// Source yields the entry's parsed rows.
	Source RowSource
}

// Options configures one batch submission.
type Options struct {
	// SourceFileID is the subject file the job reflects its outcome onto.
	SourceFileID string

	// TriggerSource labels what started the run (e.g. "cli", "resume").
	TriggerSource string

	// RetryAttempt counts resumptions of earlier jobs.
	RetryAttempt int
}

// RowSourceFunc adapts a function to the RowSource interface.
type RowSourceFunc func(ctx context.Context) ([]string, []map[string]any, error)

func (f RowSourceFunc) Rows(ctx context.Context) ([]string, []map[string]any, error) {
	return f(ctx)
}
