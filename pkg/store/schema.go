package store

import (
	"context"
	"database/sql"
	"fmt"
)

const SchemaVersion = 1

// Migrate creates (or upgrades) the system schema in-place.
//
// The system tables are:
//   - source_files: registered uploads and their terminal import outcome
//   - import_jobs: the persisted job lifecycle state machine
//   - entry_results: per-entry outcomes appended by the batch orchestrator
//   - duplicate_records: the duplicate ledger
//   - row_updates: the rollback ledger
func Migrate(ctx context.Context, db *sql.DB) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if db == nil {
		return fmt.Errorf("db is nil")
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL
		);`,
		`INSERT INTO schema_meta (id, schema_version)
			VALUES (1, 1)
			ON CONFLICT(id) DO NOTHING;`,

		`CREATE TABLE IF NOT EXISTS source_files (
			file_id TEXT PRIMARY KEY,
			name TEXT,
			status TEXT NOT NULL,
			destination_table TEXT,
			row_count INTEGER,
			error_message TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,

		`CREATE TABLE IF NOT EXISTS import_jobs (
			job_id TEXT PRIMARY KEY,
			source_file_id TEXT,
			trigger_source TEXT NOT NULL,
			status TEXT NOT NULL,
			stage TEXT,
			progress INTEGER NOT NULL DEFAULT 0,
			retry_attempt INTEGER NOT NULL DEFAULT 0,
			error_message TEXT,
			metadata TEXT,
			result_metadata TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			completed_at TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_import_jobs_status ON import_jobs(status);`,
		`CREATE INDEX IF NOT EXISTS idx_import_jobs_created_at ON import_jobs(created_at);`,

		`CREATE TABLE IF NOT EXISTS entry_results (
			result_id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL,
			entry_path TEXT NOT NULL,
			stored_name TEXT,
			upload_id TEXT,
			status TEXT NOT NULL,
			destination_table TEXT,
			rows_processed INTEGER NOT NULL DEFAULT 0,
			duplicates_skipped INTEGER NOT NULL DEFAULT 0,
			validation_errors INTEGER NOT NULL DEFAULT 0,
			mapping_errors INTEGER NOT NULL DEFAULT 0,
			ledger_record_id TEXT,
			message TEXT,
			created_at TEXT NOT NULL,
			FOREIGN KEY(job_id) REFERENCES import_jobs(job_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_entry_results_job_id ON entry_results(job_id);`,

		`CREATE TABLE IF NOT EXISTS duplicate_records (
			duplicate_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			destination_table TEXT NOT NULL,
			record_number INTEGER NOT NULL,
			payload TEXT NOT NULL,
			existing_row TEXT,
			match_predicate TEXT NOT NULL,
			detected_at TEXT NOT NULL,
			resolved_at TEXT,
			resolved_by TEXT,
			resolution TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_duplicate_records_run_id ON duplicate_records(run_id);`,
		`CREATE INDEX IF NOT EXISTS idx_duplicate_records_resolved_at ON duplicate_records(resolved_at);`,

		`CREATE TABLE IF NOT EXISTS row_updates (
			update_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			destination_table TEXT NOT NULL,
			row_id INTEGER NOT NULL,
			previous_values TEXT NOT NULL,
			new_values TEXT NOT NULL,
			changed_columns TEXT NOT NULL,
			current_values_hash TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			rolled_back_at TEXT,
			rolled_back_by TEXT,
			conflict INTEGER NOT NULL DEFAULT 0,
			conflict_details TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_row_updates_run_id ON row_updates(run_id);`,
	}

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate schema: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration: %w", err)
	}
	return nil
}
