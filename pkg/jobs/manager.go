package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors.
var (
	// ErrNotFound indicates an unknown job id.
	ErrNotFound = errors.New("import job not found")

	// ErrTerminal indicates an update against a succeeded/failed job.
	ErrTerminal = errors.New("import job is terminal")

	// ErrInvalidTransition indicates a status change the state machine
	// does not permit.
	ErrInvalidTransition = errors.New("invalid job status transition")
)

var allowedTransitions = map[Status][]Status{
	StatusRunning:        {StatusRunning, StatusWaitingUser, StatusReadyToExecute, StatusSucceeded, StatusFailed},
	StatusWaitingUser:    {StatusWaitingUser, StatusRunning, StatusReadyToExecute, StatusFailed},
	StatusReadyToExecute: {StatusReadyToExecute, StatusRunning, StatusSucceeded, StatusFailed},
}

func canTransition(from, to Status) bool {
	for _, allowed := range allowedTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Manager persists and mutates import jobs.
//
// Every mutation runs as a read-merge-write under one mutex, so concurrent
// workers extending the metadata entry lists never clobber each other.
type Manager struct {
	db *sql.DB
	mu sync.Mutex
}

func NewManager(db *sql.DB) *Manager {
	return &Manager{db: db}
}

// CreateParams configures a new job.
type CreateParams struct {
	SourceFileID  string
	TriggerSource string
	// Entries seeds metadata.remaining_entries with the batch's entry set.
	Entries      []string
	RetryAttempt int
}

// Create starts a new job in running status.
func (m *Manager) Create(ctx context.Context, params CreateParams) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	job := &Job{
		ID:            uuid.NewString(),
		SourceFileID:  params.SourceFileID,
		TriggerSource: params.TriggerSource,
		Status:        StatusRunning,
		RetryAttempt:  params.RetryAttempt,
		Metadata: Metadata{
			CompletedEntries: []string{},
			RemainingEntries: append([]string{}, params.Entries...),
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	metadata, err := json.Marshal(job.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal job metadata: %w", err)
	}

	_, err = m.db.ExecContext(ctx,
		`INSERT INTO import_jobs
		 (job_id, source_file_id, trigger_source, status, progress,
		  retry_attempt, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?)`,
		job.ID, job.SourceFileID, job.TriggerSource, string(job.Status),
		job.RetryAttempt, string(metadata),
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("create import job: %w", err)
	}
	return job, nil
}

// UpdateParams is a partial job update. Nil fields are left untouched.
type UpdateParams struct {
	Status       *Status
	Stage        *string
	Progress     *int
	ErrorMessage *string

	// CompleteEntries moves entries from remaining to completed in the
	// merged metadata.
	CompleteEntries []string

	OpenDuplicates *int
}

// Update applies a partial update, merging metadata rather than replacing
// it. Progress is clamped monotonic non-decreasing. Fails with ErrTerminal
// against a completed job and ErrInvalidTransition on a disallowed status
// change.
func (m *Manager) Update(ctx context.Context, jobID string, params UpdateParams) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, err := m.get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrTerminal, jobID, job.Status)
	}

	if params.Status != nil {
		if !canTransition(job.Status, *params.Status) {
			return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, job.Status, *params.Status)
		}
		job.Status = *params.Status
	}
	if params.Stage != nil {
		job.Stage = *params.Stage
	}
	if params.Progress != nil && *params.Progress > job.Progress {
		job.Progress = min(*params.Progress, 100)
	}
	if params.ErrorMessage != nil {
		job.ErrorMessage = *params.ErrorMessage
	}
	if params.OpenDuplicates != nil {
		job.Metadata.OpenDuplicates = *params.OpenDuplicates
	}
	for _, entry := range params.CompleteEntries {
		job.Metadata.completeEntry(entry)
	}
	job.UpdatedAt = time.Now().UTC()

	if err := m.write(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// CompleteParams configures a terminal transition.
type CompleteParams struct {
	Success        bool
	ResultMetadata map[string]any
	ErrorMessage   string

	// DestinationTable and RowCount are reflected onto the subject file's
	// record on success.
	DestinationTable string
	RowCount         int
}

// Complete performs the terminal transition and reflects the outcome onto
// the subject source file, when the job has one.
func (m *Manager) Complete(ctx context.Context, jobID string, params CompleteParams) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, err := m.get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrTerminal, jobID, job.Status)
	}

	now := time.Now().UTC()
	if params.Success {
		job.Status = StatusSucceeded
		job.Progress = 100
	} else {
		job.Status = StatusFailed
	}
	job.ErrorMessage = params.ErrorMessage
	job.ResultMetadata = params.ResultMetadata
	job.CompletedAt = &now
	job.UpdatedAt = now

	if err := m.write(ctx, job); err != nil {
		return nil, err
	}

	if job.SourceFileID != "" {
		if err := m.reflectSourceFile(ctx, job, params); err != nil {
			return nil, err
		}
	}
	return job, nil
}

// Get fetches one job by id.
func (m *Manager) Get(ctx context.Context, jobID string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.get(ctx, jobID)
}

// List returns all jobs, newest first.
func (m *Manager) List(ctx context.Context) ([]Job, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT job_id, source_file_id, trigger_source, status, stage,
		        progress, retry_attempt, error_message, metadata,
		        result_metadata, created_at, updated_at, completed_at
		 FROM import_jobs ORDER BY created_at DESC, job_id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list import jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Job
	for rows.Next() {
		job, err := scanJob(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan import job: %w", err)
		}
		out = append(out, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list import jobs: %w", err)
	}
	return out, nil
}

// AppendEntryResult appends one immutable entry outcome to a job's result
// set.
func (m *Manager) AppendEntryResult(ctx context.Context, result EntryResult) error {
	if result.ID == "" {
		result.ID = uuid.NewString()
	}
	if result.CreatedAt.IsZero() {
		result.CreatedAt = time.Now().UTC()
	}

	_, err := m.db.ExecContext(ctx,
		`INSERT INTO entry_results
		 (result_id, job_id, entry_path, stored_name, upload_id, status,
		  destination_table, rows_processed, duplicates_skipped,
		  validation_errors, mapping_errors, ledger_record_id, message,
		  created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		result.ID, result.JobID, result.EntryPath, result.StoredName,
		result.UploadID, string(result.Status), result.DestinationTable,
		result.RowsProcessed, result.DuplicatesSkipped,
		result.ValidationErrors, result.MappingErrors,
		result.LedgerRecordID, result.Message,
		result.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("append entry result: %w", err)
	}
	return nil
}

// EntryResults returns a job's entry outcomes in creation order.
func (m *Manager) EntryResults(ctx context.Context, jobID string) ([]EntryResult, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT result_id, job_id, entry_path, stored_name, upload_id,
		        status, destination_table, rows_processed,
		        duplicates_skipped, validation_errors, mapping_errors,
		        ledger_record_id, message, created_at
		 FROM entry_results WHERE job_id = ?
		 ORDER BY created_at ASC, result_id ASC`,
		jobID)
	if err != nil {
		return nil, fmt.Errorf("list entry results: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []EntryResult
	for rows.Next() {
		var (
			r         EntryResult
			status    string
			stored    sql.NullString
			upload    sql.NullString
			dest      sql.NullString
			ledger    sql.NullString
			message   sql.NullString
			createdAt string
		)
		err := rows.Scan(&r.ID, &r.JobID, &r.EntryPath, &stored, &upload,
			&status, &dest, &r.RowsProcessed, &r.DuplicatesSkipped,
			&r.ValidationErrors, &r.MappingErrors, &ledger, &message,
			&createdAt)
		if err != nil {
			return nil, fmt.Errorf("scan entry result: %w", err)
		}
		r.Status = EntryStatus(status)
		r.StoredName = stored.String
		r.UploadID = upload.String
		r.DestinationTable = dest.String
		r.LedgerRecordID = ledger.String
		r.Message = message.String
		r.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parse entry result created_at: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list entry results: %w", err)
	}
	return out, nil
}

// RegisterSourceFile records an upload so terminal job transitions can
// reflect onto it. Idempotent for a given file id.
func (m *Manager) RegisterSourceFile(ctx context.Context, fileID, name string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := m.db.ExecContext(ctx,
		`INSERT INTO source_files (file_id, name, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(file_id) DO NOTHING`,
		fileID, name, string(SourceFilePending), now, now)
	if err != nil {
		return fmt.Errorf("register source file: %w", err)
	}
	return nil
}

func (m *Manager) reflectSourceFile(ctx context.Context, job *Job, params CompleteParams) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)

	var err error
	if params.Success {
		_, err = m.db.ExecContext(ctx,
			`UPDATE source_files
			 SET status = ?, destination_table = ?, row_count = ?,
			     error_message = NULL, updated_at = ?
			 WHERE file_id = ?`,
			string(SourceFileImported), params.DestinationTable,
			params.RowCount, now, job.SourceFileID)
	} else {
		_, err = m.db.ExecContext(ctx,
			`UPDATE source_files
			 SET status = ?, error_message = ?, updated_at = ?
			 WHERE file_id = ?`,
			string(SourceFileFailed), params.ErrorMessage, now,
			job.SourceFileID)
	}
	if err != nil {
		return fmt.Errorf("reflect job outcome onto source file: %w", err)
	}
	return nil
}

func (m *Manager) get(ctx context.Context, jobID string) (*Job, error) {
	row := m.db.QueryRowContext(ctx,
		`SELECT job_id, source_file_id, trigger_source, status, stage,
		        progress, retry_attempt, error_message, metadata,
		        result_metadata, created_at, updated_at, completed_at
		 FROM import_jobs WHERE job_id = ?`,
		jobID)

	job, err := scanJob(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("get import job: %w", err)
	}
	return job, nil
}

func (m *Manager) write(ctx context.Context, job *Job) error {
	metadata, err := json.Marshal(job.Metadata)
	if err != nil {
		return fmt.Errorf("marshal job metadata: %w", err)
	}

	var resultMetadata any
	if job.ResultMetadata != nil {
		b, err := json.Marshal(job.ResultMetadata)
		if err != nil {
			return fmt.Errorf("marshal result metadata: %w", err)
		}
		resultMetadata = string(b)
	}

	var completedAt any
	if job.CompletedAt != nil {
		completedAt = job.CompletedAt.Format(time.RFC3339Nano)
	}

	_, err = m.db.ExecContext(ctx,
		`UPDATE import_jobs
		 SET status = ?, stage = ?, progress = ?, error_message = ?,
		     metadata = ?, result_metadata = ?, updated_at = ?,
		     completed_at = ?
		 WHERE job_id = ?`,
		string(job.Status), job.Stage, job.Progress, job.ErrorMessage,
		string(metadata), resultMetadata,
		job.UpdatedAt.Format(time.RFC3339Nano), completedAt, job.ID)
	if err != nil {
		return fmt.Errorf("update import job: %w", err)
	}
	return nil
}

// completeEntry moves one entry from remaining to completed, keeping the
// union of the two lists equal to the original entry set.
func (md *Metadata) completeEntry(entry string) {
	for _, done := range md.CompletedEntries {
		if done == entry {
			return
		}
	}
	md.CompletedEntries = append(md.CompletedEntries, entry)

	remaining := md.RemainingEntries[:0]
	for _, rem := range md.RemainingEntries {
		if rem != entry {
			remaining = append(remaining, rem)
		}
	}
	md.RemainingEntries = remaining
}

func scanJob(scan func(dest ...any) error) (*Job, error) {
	var (
		job            Job
		sourceFileID   sql.NullString
		stage          sql.NullString
		errorMessage   sql.NullString
		metadata       sql.NullString
		resultMetadata sql.NullString
		createdAt      string
		updatedAt      string
		completedAt    sql.NullString
		status         string
	)

	err := scan(&job.ID, &sourceFileID, &job.TriggerSource, &status, &stage,
		&job.Progress, &job.RetryAttempt, &errorMessage, &metadata,
		&resultMetadata, &createdAt, &updatedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	job.SourceFileID = sourceFileID.String
	job.Status = Status(status)
	job.Stage = stage.String
	job.ErrorMessage = errorMessage.String

	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &job.Metadata); err != nil {
			return nil, fmt.Errorf("parse job metadata: %w", err)
		}
	}
	if resultMetadata.Valid && resultMetadata.String != "" {
		if err := json.Unmarshal([]byte(resultMetadata.String), &job.ResultMetadata); err != nil {
			return nil, fmt.Errorf("parse result metadata: %w", err)
		}
	}

	job.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	job.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	if completedAt.Valid {
		ts, err := time.Parse(time.RFC3339Nano, completedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse completed_at: %w", err)
		}
		job.CompletedAt = &ts
	}

	return &job, nil
}
