package rollback

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataloft/tabflow/pkg/store"
)

func newTestLedger(t *testing.T) (*Ledger, *sql.DB) {
	t.Helper()
	db, err := store.Open(context.Background(), store.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, store.Migrate(context.Background(), db))
	return NewLedger(db), db
}

// seedRow creates a people table with one row and returns its rowid.
func seedRow(t *testing.T, db *sql.DB) int64 {
	t.Helper()
	ctx := context.Background()
	_, err := store.CreateTable(ctx, db, "people", []string{"name", "email"})
	require.NoError(t, err)
	_, err = store.InsertRows(ctx, db, "people", []map[string]any{
		{"name": "Ada", "email": "old@example.com"},
	}, "run-1")
	require.NoError(t, err)

	rowID, _, err := store.FindRow(ctx, db, "people", map[string]any{"name": "Ada"})
	require.NoError(t, err)
	return rowID
}

// applyUpdate performs a journaled row update the way the engine does:
// record first, then write.
func applyUpdate(t *testing.T, ledger *Ledger, db *sql.DB, rowID int64, previous, updates map[string]any) string {
	t.Helper()
	ctx := context.Background()
	id, err := ledger.RecordUpdate(ctx, "run-1", "people", rowID, previous, updates)
	require.NoError(t, err)
	require.NoError(t, store.UpdateRow(ctx, db, "people", rowID, updates))
	return id
}

func TestRollbackRestoresPreviousValues(t *testing.T) {
	ledger, db := newTestLedger(t)
	rowID := seedRow(t, db)
	ctx := context.Background()

	id := applyUpdate(t, ledger, db, rowID,
		map[string]any{"email": "old@example.com"},
		map[string]any{"email": "new@example.com"})

	outcome, err := ledger.Rollback(ctx, id, "alice", false)
	require.NoError(t, err)
	assert.False(t, outcome.Forced)

	row, err := store.RowByID(ctx, db, "people", rowID)
	require.NoError(t, err)
	assert.Equal(t, "old@example.com", row["email"])
	assert.Equal(t, "Ada", row["name"], "untouched columns stay put")

	update, err := ledger.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, update.RolledBack())
	assert.Equal(t, "alice", update.RolledBackBy)
}

func TestRollbackIdempotence(t *testing.T) {
	ledger, db := newTestLedger(t)
	rowID := seedRow(t, db)
	ctx := context.Background()

	id := applyUpdate(t, ledger, db, rowID,
		map[string]any{"email": "old@example.com"},
		map[string]any{"email": "new@example.com"})

	_, err := ledger.Rollback(ctx, id, "alice", false)
	require.NoError(t, err)

	_, err = ledger.Rollback(ctx, id, "alice", false)
	assert.ErrorIs(t, err, ErrAlreadyRolledBack)
}

func TestRollbackConflict(t *testing.T) {
	ledger, db := newTestLedger(t)
	rowID := seedRow(t, db)
	ctx := context.Background()

	id := applyUpdate(t, ledger, db, rowID,
		map[string]any{"email": "old@example.com"},
		map[string]any{"email": "new@example.com"})

	// Out-of-band change after the journaled write.
	require.NoError(t, store.UpdateRow(ctx, db, "people", rowID, map[string]any{"email": "sideways@example.com"}))

	_, err := ledger.Rollback(ctx, id, "alice", false)
	require.ErrorIs(t, err, ErrWriteConflict)

	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, id, conflict.UpdateID)
	assert.NotEqual(t, conflict.ExpectedHash, conflict.ActualHash)

	// The refusal left the live row alone and persisted conflict details.
	row, err := store.RowByID(ctx, db, "people", rowID)
	require.NoError(t, err)
	assert.Equal(t, "sideways@example.com", row["email"])

	update, err := ledger.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, update.Conflict)
	assert.False(t, update.RolledBack())
}

func TestRollbackForce(t *testing.T) {
	ledger, db := newTestLedger(t)
	rowID := seedRow(t, db)
	ctx := context.Background()

	id := applyUpdate(t, ledger, db, rowID,
		map[string]any{"email": "old@example.com"},
		map[string]any{"email": "new@example.com"})

	require.NoError(t, store.UpdateRow(ctx, db, "people", rowID, map[string]any{"email": "sideways@example.com"}))

	outcome, err := ledger.Rollback(ctx, id, "alice", true)
	require.NoError(t, err)
	assert.True(t, outcome.Forced)

	row, err := store.RowByID(ctx, db, "people", rowID)
	require.NoError(t, err)
	assert.Equal(t, "old@example.com", row["email"])

	update, err := ledger.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, update.RolledBack())
	assert.True(t, update.Conflict)
}

func TestRollbackAllNewestFirst(t *testing.T) {
	ledger, db := newTestLedger(t)
	rowID := seedRow(t, db)
	ctx := context.Background()

	// Two stacked updates to the same column: undoing newest-first lands
	// back on the original value.
	applyUpdate(t, ledger, db, rowID,
		map[string]any{"email": "old@example.com"},
		map[string]any{"email": "v2@example.com"})
	applyUpdate(t, ledger, db, rowID,
		map[string]any{"email": "v2@example.com"},
		map[string]any{"email": "v3@example.com"})

	outcome, err := ledger.RollbackAll(ctx, "run-1", "alice", false, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, outcome.Total)
	assert.Equal(t, 2, outcome.RolledBack)
	assert.Zero(t, outcome.Forced)
	assert.Empty(t, outcome.StoppedAt)

	row, err := store.RowByID(ctx, db, "people", rowID)
	require.NoError(t, err)
	assert.Equal(t, "old@example.com", row["email"])
}

func TestRollbackAllStopsAtConflict(t *testing.T) {
	ledger, db := newTestLedger(t)
	rowID := seedRow(t, db)
	ctx := context.Background()

	applyUpdate(t, ledger, db, rowID,
		map[string]any{"email": "old@example.com"},
		map[string]any{"email": "v2@example.com"})
	stale := applyUpdate(t, ledger, db, rowID,
		map[string]any{"email": "v2@example.com"},
		map[string]any{"email": "v3@example.com"})

	// An out-of-band write invalidates the newest update's hash.
	require.NoError(t, store.UpdateRow(ctx, db, "people", rowID, map[string]any{"email": "sideways@example.com"}))

	outcome, err := ledger.RollbackAll(ctx, "run-1", "alice", false, nil)
	require.ErrorIs(t, err, ErrWriteConflict)
	assert.Equal(t, 2, outcome.Total)
	assert.Zero(t, outcome.RolledBack, "stopped at the first (newest) update")
	assert.Equal(t, stale, outcome.StoppedAt)
}

func TestRollbackAllForcesThroughConflicts(t *testing.T) {
	ledger, db := newTestLedger(t)
	rowID := seedRow(t, db)
	ctx := context.Background()

	applyUpdate(t, ledger, db, rowID,
		map[string]any{"email": "old@example.com"},
		map[string]any{"email": "v2@example.com"})
	applyUpdate(t, ledger, db, rowID,
		map[string]any{"email": "v2@example.com"},
		map[string]any{"email": "v3@example.com"})

	require.NoError(t, store.UpdateRow(ctx, db, "people", rowID, map[string]any{"email": "sideways@example.com"}))

	outcome, err := ledger.RollbackAll(ctx, "run-1", "alice", true, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, outcome.RolledBack)
	assert.Equal(t, 1, outcome.Forced, "only the invalidated update needed forcing")

	row, err := store.RowByID(ctx, db, "people", rowID)
	require.NoError(t, err)
	assert.Equal(t, "old@example.com", row["email"])
}

func TestDiscard(t *testing.T) {
	ledger, db := newTestLedger(t)
	rowID := seedRow(t, db)
	ctx := context.Background()

	t.Run("removes an unapplied journal entry", func(t *testing.T) {
		id, err := ledger.RecordUpdate(ctx, "run-1", "people", rowID,
			map[string]any{"email": "old@example.com"},
			map[string]any{"email": "never@example.com"})
		require.NoError(t, err)

		require.NoError(t, ledger.Discard(ctx, id))
		_, err = ledger.Get(ctx, id)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("refuses a rolled-back entry", func(t *testing.T) {
		id := applyUpdate(t, ledger, db, rowID,
			map[string]any{"email": "old@example.com"},
			map[string]any{"email": "v2@example.com"})
		_, err := ledger.Rollback(ctx, id, "alice", false)
		require.NoError(t, err)

		assert.ErrorIs(t, ledger.Discard(ctx, id), ErrNotFound)
	})

	t.Run("unknown id", func(t *testing.T) {
		assert.ErrorIs(t, ledger.Discard(ctx, "nope"), ErrNotFound)
	})
}

func TestRollbackAllWrapsEachUpdate(t *testing.T) {
	ledger, db := newTestLedger(t)
	rowID := seedRow(t, db)
	ctx := context.Background()

	applyUpdate(t, ledger, db, rowID,
		map[string]any{"email": "old@example.com"},
		map[string]any{"email": "v2@example.com"})
	applyUpdate(t, ledger, db, rowID,
		map[string]any{"email": "v2@example.com"},
		map[string]any{"email": "v3@example.com"})

	// Each rollback runs inside the callback with its table name, so a
	// caller can hold that table's lock across the hash check and restore.
	var wrapped []string
	around := func(table string, fn func() error) error {
		wrapped = append(wrapped, table)
		return fn()
	}

	outcome, err := ledger.RollbackAll(ctx, "run-1", "alice", false, around)
	require.NoError(t, err)
	assert.Equal(t, 2, outcome.RolledBack)
	assert.Equal(t, []string{"people", "people"}, wrapped)

	row, err := store.RowByID(ctx, db, "people", rowID)
	require.NoError(t, err)
	assert.Equal(t, "old@example.com", row["email"])
}

func TestHashValues(t *testing.T) {
	t.Run("column order independent", func(t *testing.T) {
		values := map[string]any{"a": "1", "b": "2"}
		assert.Equal(t,
			HashValues(values, []string{"a", "b"}),
			HashValues(values, []string{"b", "a"}))
	})

	t.Run("null distinct from empty string", func(t *testing.T) {
		assert.NotEqual(t,
			HashValues(map[string]any{"a": nil}, []string{"a"}),
			HashValues(map[string]any{"a": ""}, []string{"a"}))
	})

	t.Run("typed scalar matches its text form", func(t *testing.T) {
		assert.Equal(t,
			HashValues(map[string]any{"n": 42}, []string{"n"}),
			HashValues(map[string]any{"n": "42"}, []string{"n"}))
	})

	t.Run("extra columns ignored", func(t *testing.T) {
		assert.Equal(t,
			HashValues(map[string]any{"a": "1", "zz": "x"}, []string{"a"}),
			HashValues(map[string]any{"a": "1"}, []string{"a"}))
	})
}
