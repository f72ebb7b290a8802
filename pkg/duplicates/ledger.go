// Package duplicates implements the duplicate ledger: row-level duplicate
// detection against a destination table during a locked write, and the
// explicit resolve operation that merges a duplicate into its existing row.
//
// Detections are recorded, never deleted — resolution stamps the record so
// audit history survives.
package duplicates

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dataloft/tabflow/pkg/store"
)

// Sentinel errors.
var (
	// ErrNotFound indicates an unknown duplicate id, or a duplicate whose
	// conflicting row no longer matches its original key.
	ErrNotFound = errors.New("duplicate record not found")

	// ErrAlreadyResolved indicates the duplicate was resolved earlier.
	ErrAlreadyResolved = errors.New("duplicate already resolved")
)

// Record is one candidate duplicate detected during a write.
type Record struct {
	ID             string
	RunID          string
	Table          string
	RecordNumber   int
	Payload        map[string]any
	ExistingRow    map[string]any
	MatchPredicate map[string]any
	DetectedAt     time.Time
	ResolvedAt     *time.Time
	ResolvedBy     string
	Resolution     string
}

// Resolved reports whether the record has been resolved.
func (r *Record) Resolved() bool {
	return r.ResolvedAt != nil
}

// Ledger persists duplicate records and applies resolutions.
type Ledger struct {
	db *sql.DB
}

func NewLedger(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

// CheckAndRecord splits candidate records into an insertable set and a
// recorded duplicate set.
//
// For each record a lookup predicate is built from uniquenessColumns
// (fallback: every column the record carries) and the destination table is
// queried for a match. Matches are recorded with a snapshot of the existing
// row attached and excluded from the insertable set.
//
// MUST be called while holding the destination table's lock: the check is
// only atomic with its matching insert under that lock.
func (l *Ledger) CheckAndRecord(ctx context.Context, runID, tableName string, records []map[string]any, uniquenessColumns []string) ([]map[string]any, []Record, error) {
	insertable := make([]map[string]any, 0, len(records))
	var dups []Record

	for i, record := range records {
		predicate := buildPredicate(record, uniquenessColumns)
		if len(predicate) == 0 {
			insertable = append(insertable, record)
			continue
		}

		rowID, existing, err := store.FindRow(ctx, l.db, tableName, predicate)
		if err != nil {
			if store.IsRowNotFound(err) {
				insertable = append(insertable, record)
				continue
			}
			return nil, nil, fmt.Errorf("duplicate lookup in %q: %w", tableName, err)
		}
		_ = rowID

		rec := Record{
			ID:             uuid.NewString(),
			RunID:          runID,
			Table:          tableName,
			RecordNumber:   i,
			Payload:        record,
			ExistingRow:    existing,
			MatchPredicate: predicate,
			DetectedAt:     time.Now().UTC(),
		}
		if err := l.insert(ctx, rec); err != nil {
			return nil, nil, err
		}
		dups = append(dups, rec)
	}

	return insertable, dups, nil
}

// Resolve applies updates to the live conflicting row, stamps the record
// resolved, and returns the run's remaining open-duplicate count.
//
// Fails with ErrNotFound if the duplicate id is unknown or the row it
// pointed to no longer matches its original key (nothing left to merge
// into), and with ErrAlreadyResolved on a second resolve.
func (l *Ledger) Resolve(ctx context.Context, duplicateID string, updates map[string]any, resolvedBy, note string) (int, error) {
	rec, err := l.Get(ctx, duplicateID)
	if err != nil {
		return 0, err
	}
	if rec.Resolved() {
		return 0, fmt.Errorf("%w: %s", ErrAlreadyResolved, duplicateID)
	}

	rowID, _, err := store.FindRow(ctx, l.db, rec.Table, rec.MatchPredicate)
	if err != nil {
		if store.IsRowNotFound(err) {
			return 0, fmt.Errorf("%w: no existing row matches the original key for %s", ErrNotFound, duplicateID)
		}
		return 0, fmt.Errorf("locate conflicting row: %w", err)
	}

	if len(updates) > 0 {
		if err := store.UpdateRow(ctx, l.db, rec.Table, rowID, updates); err != nil {
			return 0, fmt.Errorf("merge into %q: %w", rec.Table, err)
		}
	}

	now := time.Now().UTC()
	_, err = l.db.ExecContext(ctx,
		`UPDATE duplicate_records
		 SET resolved_at = ?, resolved_by = ?, resolution = ?
		 WHERE duplicate_id = ?`,
		now.Format(time.RFC3339Nano), resolvedBy, note, duplicateID)
	if err != nil {
		return 0, fmt.Errorf("stamp duplicate resolved: %w", err)
	}

	return l.OpenCount(ctx, rec.RunID)
}

// Get fetches one duplicate record by id.
func (l *Ledger) Get(ctx context.Context, duplicateID string) (*Record, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT duplicate_id, run_id, destination_table, record_number,
		        payload, existing_row, match_predicate,
		        detected_at, resolved_at, resolved_by, resolution
		 FROM duplicate_records WHERE duplicate_id = ?`,
		duplicateID)

	rec, err := scanRecord(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, duplicateID)
	}
	if err != nil {
		return nil, fmt.Errorf("get duplicate record: %w", err)
	}
	return rec, nil
}

// List returns duplicate records, newest detection first. A resolved record
// is never surfaced unless includeResolved is set. runID filters to one
// run; empty lists all runs.
func (l *Ledger) List(ctx context.Context, runID string, includeResolved bool) ([]Record, error) {
	query := `SELECT duplicate_id, run_id, destination_table, record_number,
	                 payload, existing_row, match_predicate,
	                 detected_at, resolved_at, resolved_by, resolution
	          FROM duplicate_records`
	var conds []string
	var args []any
	if runID != "" {
		conds = append(conds, "run_id = ?")
		args = append(args, runID)
	}
	if !includeResolved {
		conds = append(conds, "resolved_at IS NULL")
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY detected_at DESC"

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list duplicate records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan duplicate record: %w", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list duplicate records: %w", err)
	}
	return out, nil
}

// OpenCount returns the number of unresolved duplicates for a run.
func (l *Ledger) OpenCount(ctx context.Context, runID string) (int, error) {
	var count int
	err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM duplicate_records
		 WHERE run_id = ? AND resolved_at IS NULL`,
		runID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count open duplicates: %w", err)
	}
	return count, nil
}

func (l *Ledger) insert(ctx context.Context, rec Record) error {
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("marshal duplicate payload: %w", err)
	}
	existing, err := json.Marshal(rec.ExistingRow)
	if err != nil {
		return fmt.Errorf("marshal existing row: %w", err)
	}
	predicate, err := json.Marshal(rec.MatchPredicate)
	if err != nil {
		return fmt.Errorf("marshal match predicate: %w", err)
	}

	_, err = l.db.ExecContext(ctx,
		`INSERT INTO duplicate_records
		 (duplicate_id, run_id, destination_table, record_number,
		  payload, existing_row, match_predicate, detected_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.RunID, rec.Table, rec.RecordNumber,
		string(payload), string(existing), string(predicate),
		rec.DetectedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record duplicate: %w", err)
	}
	return nil
}

// buildPredicate extracts the lookup predicate from a record. Uniqueness
// columns are matched case-insensitively against the record's keys;
// when none apply, every column the record carries is used.
func buildPredicate(record map[string]any, uniquenessColumns []string) map[string]any {
	predicate := make(map[string]any)
	if len(uniquenessColumns) > 0 {
		lookup := make(map[string]string, len(record))
		for key := range record {
			lookup[strings.ToLower(strings.TrimSpace(key))] = key
		}
		for _, col := range uniquenessColumns {
			if key, ok := lookup[strings.ToLower(strings.TrimSpace(col))]; ok {
				predicate[key] = record[key]
			}
		}
	}
	if len(predicate) == 0 {
		for key, value := range record {
			predicate[key] = value
		}
	}
	return predicate
}

func scanRecord(scan func(dest ...any) error) (*Record, error) {
	var (
		rec        Record
		payload    string
		existing   sql.NullString
		predicate  string
		detectedAt string
		resolvedAt sql.NullString
		resolvedBy sql.NullString
		resolution sql.NullString
	)

	err := scan(&rec.ID, &rec.RunID, &rec.Table, &rec.RecordNumber,
		&payload, &existing, &predicate,
		&detectedAt, &resolvedAt, &resolvedBy, &resolution)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(payload), &rec.Payload); err != nil {
		return nil, fmt.Errorf("parse duplicate payload: %w", err)
	}
	if existing.Valid && existing.String != "" {
		if err := json.Unmarshal([]byte(existing.String), &rec.ExistingRow); err != nil {
			return nil, fmt.Errorf("parse existing row: %w", err)
		}
	}
	if err := json.Unmarshal([]byte(predicate), &rec.MatchPredicate); err != nil {
		return nil, fmt.Errorf("parse match predicate: %w", err)
	}

	rec.DetectedAt, err = time.Parse(time.RFC3339Nano, detectedAt)
	if err != nil {
		return nil, fmt.Errorf("parse detected_at: %w", err)
	}
	if resolvedAt.Valid {
		ts, err := time.Parse(time.RFC3339Nano, resolvedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse resolved_at: %w", err)
		}
		rec.ResolvedAt = &ts
	}
	rec.ResolvedBy = resolvedBy.String
	rec.Resolution = resolution.String

	return &rec, nil
}
