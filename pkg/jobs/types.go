// Package jobs implements the persisted import-job state machine: creation,
// partial updates with merged metadata, terminal completion, and the entry
// results that accumulate under a job while a batch runs.
package jobs

import "time"

// Status is the lifecycle state of an import job.
//
// NOTE: These values are persisted and are part of the stable on-disk
// contract.
type Status string

const (
	StatusRunning        Status = "running"
	StatusWaitingUser    Status = "waiting_user"
	StatusReadyToExecute Status = "ready_to_execute"
	StatusSucceeded      Status = "succeeded"
	StatusFailed         Status = "failed"
)

// Terminal reports whether a status permits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Metadata is the structured job metadata blob.
//
// The entry lists are load-bearing for resumability: RemainingEntries is
// the authoritative input to a resume operation, and CompletedEntries and
// RemainingEntries always partition the job's original entry set.
type Metadata struct {
	CompletedEntries []string `json:"completed_entries"`
	RemainingEntries []string `json:"remaining_entries"`
	OpenDuplicates   int      `json:"open_duplicates,omitempty"`
}

// Job is one run of the batch orchestrator.
type Job struct {
	ID             string
	SourceFileID   string
	TriggerSource  string
	Status         Status
	Stage          string
	Progress       int
	RetryAttempt   int
	ErrorMessage   string
	Metadata       Metadata
	ResultMetadata map[string]any
	CreatedAt      time.Time
	UpdatedAt      time.Time
	CompletedAt    *time.Time
}

// EntryStatus is the outcome class for one file/sheet within a batch.
type EntryStatus string

const (
	EntryProcessed EntryStatus = "processed"
	EntryFailed    EntryStatus = "failed"
	EntrySkipped   EntryStatus = "skipped"
)

// EntryResult is the immutable outcome for one entry. The orchestrator only
// ever appends these to a job's result set.
type EntryResult struct {
	ID                string
	JobID             string
	EntryPath         string
	StoredName        string
	UploadID          string
	Status            EntryStatus
	DestinationTable  string
	RowsProcessed     int
	DuplicatesSkipped int
	ValidationErrors  int
	MappingErrors     int
	LedgerRecordID    string
	Message           string
	CreatedAt         time.Time
}

// SourceFileStatus tracks a registered upload's import outcome.
type SourceFileStatus string

const (
	SourceFilePending    SourceFileStatus = "pending"
	SourceFileProcessing SourceFileStatus = "processing"
	SourceFileImported   SourceFileStatus = "imported"
	SourceFileFailed     SourceFileStatus = "failed"
)
