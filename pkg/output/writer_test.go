package output

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJSONLWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "job-123")

	assert.NotNil(t, w)
	assert.Equal(t, "job-123", w.jobID)
}

func TestJSONLWriter_WriteEntry(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "job-123")

	entry := &EntryRecord{
		Path:             "uploads/sales.csv",
		Status:           "processed",
		DestinationTable: "sales",
		Rows:             120,
		Duplicates:       3,
	}

	err := w.WriteEntry(context.Background(), entry)
	require.NoError(t, err)

	var record Record
	err = json.Unmarshal(buf.Bytes(), &record)
	require.NoError(t, err)

	assert.Equal(t, TypeEntry, record.Type)
	assert.Equal(t, "job-123", record.JobID)
	assert.False(t, record.TS.IsZero())

	var data EntryRecord
	err = json.Unmarshal(record.Data, &data)
	require.NoError(t, err)

	assert.Equal(t, "uploads/sales.csv", data.Path)
	assert.Equal(t, "sales", data.DestinationTable)
	assert.Equal(t, 120, data.Rows)
	assert.Equal(t, 3, data.Duplicates)
}

func TestJSONLWriter_WriteError(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "job-123")

	errRec := &ErrorRecord{
		Code:    ErrCodeMapping,
		Message: "oracle decision failed",
		Path:    "uploads/broken.csv",
	}

	require.NoError(t, w.WriteError(context.Background(), errRec))

	var record Record
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, TypeError, record.Type)

	var data ErrorRecord
	require.NoError(t, json.Unmarshal(record.Data, &data))
	assert.Equal(t, ErrCodeMapping, data.Code)
	assert.Equal(t, "uploads/broken.csv", data.Path)
}

func TestJSONLWriter_WriteProgressAndSummary(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "job-123")

	require.NoError(t, w.WriteProgress(context.Background(), &ProgressRecord{
		Stage:        "importing",
		Completed:    2,
		Total:        5,
		RowsInserted: 240,
	}))
	require.NoError(t, w.WriteSummary(context.Background(), &SummaryRecord{
		Processed:    5,
		RowsInserted: 600,
		Tables:       []string{"sales"},
	}))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var first, second Record
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.Equal(t, TypeProgress, first.Type)
	assert.Equal(t, TypeSummary, second.Type)
}

func TestJSONLWriter_ClosedWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "job-123")
	require.NoError(t, w.Close())

	err := w.WriteEntry(context.Background(), &EntryRecord{Path: "x"})
	require.ErrorIs(t, err, ErrWriterClosed)
}

func TestJSONLWriter_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "job-123")

	err := w.WriteEntry(ctx, &EntryRecord{Path: "x"})
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, buf.Len())
}

// shortWriter returns one byte per call to exercise short-write handling.
type shortWriter struct {
	buf bytes.Buffer
}

func (s *shortWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	return s.buf.Write(p[:1])
}

func TestJSONLWriter_ShortWrites(t *testing.T) {
	sw := &shortWriter{}
	w := NewJSONLWriter(sw, "job-123")

	require.NoError(t, w.WriteEntry(context.Background(), &EntryRecord{Path: "uploads/sales.csv"}))

	var record Record
	require.NoError(t, json.Unmarshal(sw.buf.Bytes(), &record))
	assert.Equal(t, TypeEntry, record.Type)
}

// failingWriter always errors.
type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) {
	return 0, io.ErrClosedPipe
}

func TestJSONLWriter_WriteFailure(t *testing.T) {
	w := NewJSONLWriter(failingWriter{}, "job-123")

	err := w.WriteEntry(context.Background(), &EntryRecord{Path: "x"})
	require.Error(t, err)

	var werr *WriteError
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, "write", werr.Op)
	assert.True(t, errors.Is(err, io.ErrClosedPipe))
}

func TestJSONLWriter_ConcurrentWrites(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "job-123")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = w.WriteProgress(context.Background(), &ProgressRecord{Stage: "importing"})
		}()
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 20)
	for _, line := range lines {
		var record Record
		require.NoError(t, json.Unmarshal([]byte(line), &record))
	}
}
