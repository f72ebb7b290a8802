// Package rollback implements the rollback ledger: a persisted record of
// every mutating destination-row write, carrying before/after values and a
// verification hash so an update can be undone safely — or flagged as a
// conflict when the row has since changed out from under it.
package rollback

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/dataloft/tabflow/pkg/store"
)

// Sentinel errors.
var (
	// ErrNotFound indicates an unknown update id.
	ErrNotFound = errors.New("row update not found")

	// ErrAlreadyRolledBack indicates the update was rolled back earlier.
	// Idempotence is enforced here, not left to callers.
	ErrAlreadyRolledBack = errors.New("update already rolled back")

	// ErrWriteConflict indicates the live row's values no longer match the
	// recorded hash; the rollback was refused (or must be forced).
	ErrWriteConflict = errors.New("rollback conflict")
)

// ConflictError carries enough payload for a human or automated policy to
// decide what to do with a refused rollback.
type ConflictError struct {
	UpdateID     string
	Table        string
	RowID        int64
	ExpectedHash string
	ActualHash   string
	Details      string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("rollback conflict on %s rowid %d (update %s): %s",
		e.Table, e.RowID, e.UpdateID, e.Details)
}

func (e *ConflictError) Unwrap() error { return ErrWriteConflict }

// Update is one recorded destination-row mutation.
type Update struct {
	ID              string
	RunID           string
	Table           string
	RowID           int64
	PreviousValues  map[string]any
	NewValues       map[string]any
	ChangedColumns  []string
	NewValuesHash   string
	UpdatedAt       time.Time
	RolledBackAt    *time.Time
	RolledBackBy    string
	Conflict        bool
	ConflictDetails string
}

// RolledBack reports whether the update has been rolled back.
func (u *Update) RolledBack() bool {
	return u.RolledBackAt != nil
}

// Outcome describes one rollback attempt.
type Outcome struct {
	UpdateID string
	// Forced is true when the rollback was applied despite a hash mismatch.
	Forced bool
}

// RunOutcome summarizes a whole-run rollback.
type RunOutcome struct {
	Total      int
	RolledBack int
	Forced     int
	// StoppedAt names the update that hit the first conflict when the run
	// stopped early; empty when the pass covered every update.
	StoppedAt string
}

// timeLayout keeps the nanosecond field fixed width so stored timestamps
// sort chronologically as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Ledger persists row updates and applies conflict-aware rollbacks.
type Ledger struct {
	db *sql.DB
}

func NewLedger(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

// RecordUpdate records a row mutation at write time and returns the update
// id. previous must hold the pre-write values of exactly the changed
// columns; newValues the post-write values.
func (l *Ledger) RecordUpdate(ctx context.Context, runID, table string, rowID int64, previous, newValues map[string]any) (string, error) {
	changed := make([]string, 0, len(newValues))
	for col := range newValues {
		changed = append(changed, col)
	}
	sort.Strings(changed)

	prevChanged := make(map[string]any, len(changed))
	for _, col := range changed {
		prevChanged[col] = previous[col]
	}

	update := Update{
		ID:             uuid.NewString(),
		RunID:          runID,
		Table:          table,
		RowID:          rowID,
		PreviousValues: prevChanged,
		NewValues:      newValues,
		ChangedColumns: changed,
		NewValuesHash:  HashValues(newValues, changed),
		UpdatedAt:      time.Now().UTC(),
	}

	prevJSON, err := json.Marshal(update.PreviousValues)
	if err != nil {
		return "", fmt.Errorf("marshal previous values: %w", err)
	}
	newJSON, err := json.Marshal(update.NewValues)
	if err != nil {
		return "", fmt.Errorf("marshal new values: %w", err)
	}
	changedJSON, err := json.Marshal(update.ChangedColumns)
	if err != nil {
		return "", fmt.Errorf("marshal changed columns: %w", err)
	}

	_, err = l.db.ExecContext(ctx,
		`INSERT INTO row_updates
		 (update_id, run_id, destination_table, row_id,
		  previous_values, new_values, changed_columns,
		  current_values_hash, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		update.ID, update.RunID, update.Table, update.RowID,
		string(prevJSON), string(newJSON), string(changedJSON),
		update.NewValuesHash, update.UpdatedAt.Format(timeLayout))
	if err != nil {
		return "", fmt.Errorf("record row update: %w", err)
	}
	return update.ID, nil
}

// Rollback undoes one recorded update.
//
// The hash of the live row's changed-column values is recomputed and
// compared to the recorded hash. Equal means a safe rollback: previous
// values are restored and the update stamped. Unequal means the row changed
// out of band: the conflict is persisted and refused — unless force is set,
// in which case the rollback is applied anyway and flagged as overridden.
func (l *Ledger) Rollback(ctx context.Context, updateID, actor string, force bool) (*Outcome, error) {
	update, err := l.Get(ctx, updateID)
	if err != nil {
		return nil, err
	}
	if update.RolledBack() {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRolledBack, updateID)
	}

	live, err := store.RowByID(ctx, l.db, update.Table, update.RowID)
	if err != nil {
		if store.IsRowNotFound(err) {
			details := "destination row no longer exists"
			if stampErr := l.stampConflict(ctx, updateID, details); stampErr != nil {
				return nil, stampErr
			}
			return nil, &ConflictError{
				UpdateID:     updateID,
				Table:        update.Table,
				RowID:        update.RowID,
				ExpectedHash: update.NewValuesHash,
				Details:      details,
			}
		}
		return nil, fmt.Errorf("load live row: %w", err)
	}

	liveHash := HashValues(live, update.ChangedColumns)
	forced := false
	if liveHash != update.NewValuesHash {
		if !force {
			details := "live values differ from recorded values"
			if stampErr := l.stampConflict(ctx, updateID, details); stampErr != nil {
				return nil, stampErr
			}
			return nil, &ConflictError{
				UpdateID:     updateID,
				Table:        update.Table,
				RowID:        update.RowID,
				ExpectedHash: update.NewValuesHash,
				ActualHash:   liveHash,
				Details:      details,
			}
		}
		forced = true
	}

	if err := store.UpdateRow(ctx, l.db, update.Table, update.RowID, update.PreviousValues); err != nil {
		return nil, fmt.Errorf("restore previous values: %w", err)
	}

	now := time.Now().UTC().Format(timeLayout)
	if forced {
		_, err = l.db.ExecContext(ctx,
			`UPDATE row_updates
			 SET rolled_back_at = ?, rolled_back_by = ?, conflict = 1,
			     conflict_details = ?
			 WHERE update_id = ?`,
			now, actor, "conflict overridden by forced rollback", updateID)
	} else {
		_, err = l.db.ExecContext(ctx,
			`UPDATE row_updates
			 SET rolled_back_at = ?, rolled_back_by = ?
			 WHERE update_id = ?`,
			now, actor, updateID)
	}
	if err != nil {
		return nil, fmt.Errorf("stamp rollback: %w", err)
	}

	return &Outcome{UpdateID: updateID, Forced: forced}, nil
}

// RollbackAll rolls back every update for a run that has not been rolled
// back yet, newest first: later writes are undone before the writes they
// may depend on, and the order is deterministic for a given run.
//
// On a conflict the pass either forces through it (skipConflicts) or stops
// at the first conflict, reporting how many succeeded before stopping.
//
// A non-nil around callback wraps each update's rollback with its
// destination table name; the orchestrator passes its table lock so no
// import write can land between the hash check and the restore. One update
// is wrapped at a time, so the callback never holds two locks.
func (l *Ledger) RollbackAll(ctx context.Context, runID, actor string, skipConflicts bool, around func(table string, fn func() error) error) (*RunOutcome, error) {
	updates, err := l.ListForRun(ctx, runID, false)
	if err != nil {
		return nil, err
	}

	outcome := &RunOutcome{Total: len(updates)}
	for _, update := range updates {
		var res *Outcome
		attempt := func() (err error) {
			res, err = l.Rollback(ctx, update.ID, actor, skipConflicts)
			return err
		}

		if around != nil {
			err = around(update.Table, attempt)
		} else {
			err = attempt()
		}
		if err != nil {
			var conflict *ConflictError
			if errors.As(err, &conflict) {
				outcome.StoppedAt = update.ID
			}
			return outcome, err
		}
		outcome.RolledBack++
		if res.Forced {
			outcome.Forced++
		}
	}
	return outcome, nil
}

// Discard removes a journal row whose recorded write never landed, so a
// later rollback pass cannot trip on a hash that matches nothing. An update
// that was already rolled back is not discardable.
func (l *Ledger) Discard(ctx context.Context, updateID string) error {
	res, err := l.db.ExecContext(ctx,
		`DELETE FROM row_updates WHERE update_id = ? AND rolled_back_at IS NULL`,
		updateID)
	if err != nil {
		return fmt.Errorf("discard row update: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, updateID)
	}
	return nil
}

// Get fetches one update by id.
func (l *Ledger) Get(ctx context.Context, updateID string) (*Update, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT update_id, run_id, destination_table, row_id,
		        previous_values, new_values, changed_columns,
		        current_values_hash, updated_at,
		        rolled_back_at, rolled_back_by, conflict, conflict_details
		 FROM row_updates WHERE update_id = ?`,
		updateID)

	update, err := scanUpdate(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, updateID)
	}
	if err != nil {
		return nil, fmt.Errorf("get row update: %w", err)
	}
	return update, nil
}

// ListForRun returns a run's updates, newest first (ties broken by update
// id so the order is reproducible). includeRolledBack controls whether
// already-rolled-back updates appear.
func (l *Ledger) ListForRun(ctx context.Context, runID string, includeRolledBack bool) ([]Update, error) {
	query := `SELECT update_id, run_id, destination_table, row_id,
	                 previous_values, new_values, changed_columns,
	                 current_values_hash, updated_at,
	                 rolled_back_at, rolled_back_by, conflict, conflict_details
	          FROM row_updates WHERE run_id = ?`
	if !includeRolledBack {
		query += ` AND rolled_back_at IS NULL`
	}
	query += ` ORDER BY updated_at DESC, update_id DESC`

	rows, err := l.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("list row updates: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Update
	for rows.Next() {
		update, err := scanUpdate(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan row update: %w", err)
		}
		out = append(out, *update)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list row updates: %w", err)
	}
	return out, nil
}

func (l *Ledger) stampConflict(ctx context.Context, updateID, details string) error {
	_, err := l.db.ExecContext(ctx,
		`UPDATE row_updates SET conflict = 1, conflict_details = ?
		 WHERE update_id = ?`,
		details, updateID)
	if err != nil {
		return fmt.Errorf("persist conflict details: %w", err)
	}
	return nil
}

func scanUpdate(scan func(dest ...any) error) (*Update, error) {
	var (
		update          Update
		prevJSON        string
		newJSON         string
		changedJSON     string
		updatedAt       string
		rolledBackAt    sql.NullString
		rolledBackBy    sql.NullString
		conflict        int
		conflictDetails sql.NullString
	)

	err := scan(&update.ID, &update.RunID, &update.Table, &update.RowID,
		&prevJSON, &newJSON, &changedJSON,
		&update.NewValuesHash, &updatedAt,
		&rolledBackAt, &rolledBackBy, &conflict, &conflictDetails)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(prevJSON), &update.PreviousValues); err != nil {
		return nil, fmt.Errorf("parse previous values: %w", err)
	}
	if err := json.Unmarshal([]byte(newJSON), &update.NewValues); err != nil {
		return nil, fmt.Errorf("parse new values: %w", err)
	}
	if err := json.Unmarshal([]byte(changedJSON), &update.ChangedColumns); err != nil {
		return nil, fmt.Errorf("parse changed columns: %w", err)
	}

	update.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	if rolledBackAt.Valid {
		ts, err := time.Parse(time.RFC3339Nano, rolledBackAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse rolled_back_at: %w", err)
		}
		update.RolledBackAt = &ts
	}
	update.RolledBackBy = rolledBackBy.String
	update.Conflict = conflict != 0
	update.ConflictDetails = conflictDetails.String

	return &update, nil
}
