package jobs

import (
	"context"
	"database/sql"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataloft/tabflow/pkg/store"
)

func newTestManager(t *testing.T) (*Manager, *sql.DB) {
	t.Helper()
	db, err := store.Open(context.Background(), store.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, store.Migrate(context.Background(), db))
	return NewManager(db), db
}

func statusPtr(s Status) *Status { return &s }
func intPtr(i int) *int          { return &i }
func strPtr(s string) *string    { return &s }

func TestCreateAndGet(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	job, err := m.Create(ctx, CreateParams{
		TriggerSource: "cli",
		Entries:       []string{"a.csv", "b.csv"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, StatusRunning, job.Status)
	assert.Zero(t, job.Progress)

	got, err := m.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.csv", "b.csv"}, got.Metadata.RemainingEntries)
	assert.Empty(t, got.Metadata.CompletedEntries)

	_, err = m.Get(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateMetadataPartition(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	job, err := m.Create(ctx, CreateParams{
		TriggerSource: "cli",
		Entries:       []string{"a.csv", "b.csv", "c.csv"},
	})
	require.NoError(t, err)

	got, err := m.Update(ctx, job.ID, UpdateParams{CompleteEntries: []string{"b.csv"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"b.csv"}, got.Metadata.CompletedEntries)
	assert.Equal(t, []string{"a.csv", "c.csv"}, got.Metadata.RemainingEntries)

	// Completing the same entry again does not duplicate it.
	got, err = m.Update(ctx, job.ID, UpdateParams{CompleteEntries: []string{"b.csv"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"b.csv"}, got.Metadata.CompletedEntries)

	// Union of the lists is always the original entry set.
	all := append(append([]string{}, got.Metadata.CompletedEntries...), got.Metadata.RemainingEntries...)
	assert.ElementsMatch(t, []string{"a.csv", "b.csv", "c.csv"}, all)
}

func TestUpdateProgressMonotonicClamped(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	job, err := m.Create(ctx, CreateParams{TriggerSource: "cli", Entries: []string{"a"}})
	require.NoError(t, err)

	got, err := m.Update(ctx, job.ID, UpdateParams{Progress: intPtr(40)})
	require.NoError(t, err)
	assert.Equal(t, 40, got.Progress)

	// A lower value never moves progress backwards.
	got, err = m.Update(ctx, job.ID, UpdateParams{Progress: intPtr(10)})
	require.NoError(t, err)
	assert.Equal(t, 40, got.Progress)

	// Values above 100 clamp.
	got, err = m.Update(ctx, job.ID, UpdateParams{Progress: intPtr(250)})
	require.NoError(t, err)
	assert.Equal(t, 100, got.Progress)
}

func TestStatusTransitions(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	t.Run("running to waiting_user to ready_to_execute", func(t *testing.T) {
		job, err := m.Create(ctx, CreateParams{TriggerSource: "cli", Entries: []string{"a"}})
		require.NoError(t, err)

		_, err = m.Update(ctx, job.ID, UpdateParams{Status: statusPtr(StatusWaitingUser)})
		require.NoError(t, err)
		_, err = m.Update(ctx, job.ID, UpdateParams{Status: statusPtr(StatusReadyToExecute)})
		require.NoError(t, err)
	})

	t.Run("waiting_user cannot succeed directly", func(t *testing.T) {
		job, err := m.Create(ctx, CreateParams{TriggerSource: "cli", Entries: []string{"a"}})
		require.NoError(t, err)
		_, err = m.Update(ctx, job.ID, UpdateParams{Status: statusPtr(StatusWaitingUser)})
		require.NoError(t, err)

		_, err = m.Update(ctx, job.ID, UpdateParams{Status: statusPtr(StatusSucceeded)})
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("terminal jobs reject updates", func(t *testing.T) {
		job, err := m.Create(ctx, CreateParams{TriggerSource: "cli", Entries: []string{"a"}})
		require.NoError(t, err)
		_, err = m.Complete(ctx, job.ID, CompleteParams{Success: true})
		require.NoError(t, err)

		_, err = m.Update(ctx, job.ID, UpdateParams{Stage: strPtr("late")})
		assert.ErrorIs(t, err, ErrTerminal)
		_, err = m.Complete(ctx, job.ID, CompleteParams{Success: false})
		assert.ErrorIs(t, err, ErrTerminal)
	})
}

func TestCompleteOutcomes(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		job, err := m.Create(ctx, CreateParams{TriggerSource: "cli", Entries: []string{"a"}})
		require.NoError(t, err)

		got, err := m.Complete(ctx, job.ID, CompleteParams{
			Success:        true,
			ResultMetadata: map[string]any{"rows_inserted": 12},
		})
		require.NoError(t, err)
		assert.Equal(t, StatusSucceeded, got.Status)
		assert.Equal(t, 100, got.Progress)
		require.NotNil(t, got.CompletedAt)

		// Persisted result metadata round-trips.
		again, err := m.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.EqualValues(t, 12, again.ResultMetadata["rows_inserted"])
	})

	t.Run("failure keeps per-entry outcomes", func(t *testing.T) {
		job, err := m.Create(ctx, CreateParams{TriggerSource: "cli", Entries: []string{"a", "b"}})
		require.NoError(t, err)

		require.NoError(t, m.AppendEntryResult(ctx, EntryResult{
			JobID: job.ID, EntryPath: "a", Status: EntryProcessed, RowsProcessed: 5,
		}))
		require.NoError(t, m.AppendEntryResult(ctx, EntryResult{
			JobID: job.ID, EntryPath: "b", Status: EntryFailed, Message: "bad header",
		}))

		got, err := m.Complete(ctx, job.ID, CompleteParams{
			Success:      false,
			ErrorMessage: "1 of 2 entries failed",
		})
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, got.Status)
		assert.Equal(t, "1 of 2 entries failed", got.ErrorMessage)

		results, err := m.EntryResults(ctx, job.ID)
		require.NoError(t, err)
		require.Len(t, results, 2)
		assert.Equal(t, EntryProcessed, results[0].Status)
		assert.Equal(t, EntryFailed, results[1].Status)
		assert.Equal(t, "bad header", results[1].Message)
	})
}

func TestReflectSourceFile(t *testing.T) {
	m, db := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.RegisterSourceFile(ctx, "file-1", "upload.zip"))

	job, err := m.Create(ctx, CreateParams{
		SourceFileID:  "file-1",
		TriggerSource: "cli",
		Entries:       []string{"a"},
	})
	require.NoError(t, err)

	_, err = m.Complete(ctx, job.ID, CompleteParams{
		Success:          true,
		DestinationTable: "people",
		RowCount:         42,
	})
	require.NoError(t, err)

	var status, dest string
	var rows int
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT status, destination_table, row_count FROM source_files WHERE file_id = ?`,
		"file-1").Scan(&status, &dest, &rows))
	assert.Equal(t, string(SourceFileImported), status)
	assert.Equal(t, "people", dest)
	assert.Equal(t, 42, rows)
}

func TestConcurrentEntryCompletion(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	entries := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	job, err := m.Create(ctx, CreateParams{TriggerSource: "cli", Entries: entries})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, entry := range entries {
		wg.Add(1)
		go func(entry string) {
			defer wg.Done()
			_, err := m.Update(ctx, job.ID, UpdateParams{CompleteEntries: []string{entry}})
			assert.NoError(t, err)
		}(entry)
	}
	wg.Wait()

	got, err := m.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, entries, got.Metadata.CompletedEntries)
	assert.Empty(t, got.Metadata.RemainingEntries)
}

func TestList(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := m.Create(ctx, CreateParams{TriggerSource: "cli", Entries: []string{"a"}})
		require.NoError(t, err)
	}

	list, err := m.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 3)
}
