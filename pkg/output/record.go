// Package output provides JSONL output for import batches.
//
// Output is structured as typed record envelopes containing entry
// results, duplicates, errors, and progress updates. Each line is a
// self-contained JSON object that can be parsed independently.
package output

import (
	"encoding/json"
	"errors"
	"time"
)

// Record type constants define the envelope types for JSONL output.
// These follow the pattern: tabflow.<type>.v<version>
const (
	// TypeEntry identifies per-entry result records.
	TypeEntry = "tabflow.entry.v1"

	// TypeDuplicate identifies duplicate-detection records.
	TypeDuplicate = "tabflow.duplicate.v1"

	// TypeError identifies error records.
	TypeError = "tabflow.error.v1"

	// TypeProgress identifies progress update records.
	TypeProgress = "tabflow.progress.v1"

	// TypeSummary identifies final summary records.
	TypeSummary = "tabflow.summary.v1"
)

// Record is the envelope for all JSONL output.
//
// Each line of JSONL output contains a Record with a type-specific
// payload in the Data field. The type field determines how to
// interpret the Data payload.
type Record struct {
	// Type identifies the record type (e.g., "tabflow.entry.v1").
	Type string `json:"type"`

	// TS is the timestamp when the record was created (RFC3339Nano).
	TS time.Time `json:"ts"`

	// JobID is the correlation ID for this import job.
	JobID string `json:"job_id"`

	// Data contains the type-specific payload as raw JSON.
	Data json.RawMessage `json:"data"`
}

// EntryRecord is the data payload for one processed entry.
type EntryRecord struct {
	// Path is the entry's path within the batch.
	Path string `json:"path"`

	// Status is the entry outcome: processed, failed, or skipped.
	Status string `json:"status"`

	// DestinationTable is where the entry's rows landed.
	DestinationTable string `json:"destination_table,omitempty"`

	// Rows is the number of rows inserted.
	Rows int `json:"rows"`

	// Duplicates is the number of rows held back for duplicate review.
	Duplicates int `json:"duplicates,omitempty"`

	// Message carries failure detail or a processing note.
	Message string `json:"message,omitempty"`
}

// DuplicateRecord is the data payload for one detected duplicate.
type DuplicateRecord struct {
	// ID is the ledger identifier used to resolve the duplicate later.
	ID string `json:"id"`

	// Table is the destination table the collision happened in.
	Table string `json:"table"`

	// RecordNumber is the 1-based position of the colliding source row.
	RecordNumber int `json:"record_number"`

	// MatchedOn lists the columns the collision was detected on.
	MatchedOn []string `json:"matched_on,omitempty"`
}

// ErrorRecord is the data payload for errors.
//
// Errors are emitted as records rather than failing the entire batch,
// allowing partial results when some entries fail.
type ErrorRecord struct {
	// Code is a machine-readable error code.
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`

	// Path is the entry path related to this error, if applicable.
	Path string `json:"path,omitempty"`

	// Details contains additional error context.
	Details any `json:"details,omitempty"`
}

// Error codes for ErrorRecord.
const (
	// ErrCodeRead indicates the entry's rows could not be read.
	ErrCodeRead = "READ_FAILED"

	// ErrCodeMapping indicates the mapping oracle failed or timed out.
	ErrCodeMapping = "MAPPING_FAILED"

	// ErrCodeStore indicates a persistent-store write failed.
	ErrCodeStore = "STORE_FAILED"

	// ErrCodeInternal indicates an unexpected internal error.
	ErrCodeInternal = "INTERNAL"
)

// ProgressRecord is the data payload for progress updates.
//
// Progress records are emitted as entries complete to provide
// visibility into long-running batches.
type ProgressRecord struct {
	// Stage indicates the current batch stage.
	Stage string `json:"stage"`

	// Completed is the number of entries finished so far.
	Completed int `json:"completed"`

	// Total is the number of entries in the batch.
	Total int `json:"total"`

	// RowsInserted is the cumulative row count so far.
	RowsInserted int `json:"rows_inserted"`
}

// SummaryRecord is the data payload for final summaries.
//
// A summary record is emitted at the end of a batch with aggregate
// statistics.
type SummaryRecord struct {
	// Processed is the number of entries imported successfully.
	Processed int `json:"processed"`

	// Failed is the number of entries that failed.
	Failed int `json:"failed"`

	// Skipped is the number of entries skipped (e.g., empty sources).
	Skipped int `json:"skipped"`

	// RowsInserted is the total rows landed across all entries.
	RowsInserted int `json:"rows_inserted"`

	// DuplicatesSkipped is the total rows held for duplicate review.
	DuplicatesSkipped int `json:"duplicates_skipped"`

	// Tables lists the destination tables the batch wrote to.
	Tables []string `json:"tables,omitempty"`

	// Duration is the total batch duration.
	Duration time.Duration `json:"duration_ns"`

	// DurationHuman is a human-readable duration string.
	DurationHuman string `json:"duration"`
}

// Writer errors.
var (
	// ErrWriterClosed is returned when writing to a closed writer.
	ErrWriterClosed = errors.New("writer is closed")
)

// WriteError wraps errors that occur during write operations.
type WriteError struct {
	Op  string // Operation that failed (e.g., "marshal_data", "write")
	Err error  // Underlying error
}

func (e *WriteError) Error() string {
	return "output: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
