package batch

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/dataloft/tabflow/pkg/decision"
	"github.com/dataloft/tabflow/pkg/duplicates"
	"github.com/dataloft/tabflow/pkg/fingerprint"
	"github.com/dataloft/tabflow/pkg/jobs"
	"github.com/dataloft/tabflow/pkg/store"
)

const oracleSampleRows = 5

// runEntry processes one entry and always returns a result: any panic or
// error inside a worker is converted into a failed entry outcome at this
// boundary so sibling workers and the job itself keep going.
func (o *Orchestrator) runEntry(ctx context.Context, coord *fingerprint.Coordinator, runID string, entry Entry) (result jobs.EntryResult) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("entry worker panic",
				zap.String("job_id", runID),
				zap.String("entry", entry.Path),
				zap.Any("panic", r))
			result = o.failedResult(runID, entry, fmt.Errorf("worker panic: %v", r))
		}
	}()

	columns, records, err := entry.Source.Rows(ctx)
	if err != nil {
		return o.failedResult(runID, entry, fmt.Errorf("read rows: %w", err))
	}
	if len(columns) == 0 {
		return o.failedResult(runID, entry, errors.New("source has no columns"))
	}
	if len(records) == 0 {
		return jobs.EntryResult{
			JobID:      runID,
			EntryPath:  entry.Path,
			StoredName: entry.StoredName,
			UploadID:   entry.UploadID,
			Status:     jobs.EntrySkipped,
			Message:    "source has no records",
		}
	}

	fp := fingerprint.Compute(columns)
	d, fresh, err := coord.Resolve(ctx, fp, len(columns), func(ctx context.Context) (*decision.MappingDecision, error) {
		return o.decide(ctx, fp, entry, columns, records)
	})
	if err != nil {
		result = o.failedResult(runID, entry, err)
		result.MappingErrors = 1
		return result
	}

	o.logger.Debug("mapping resolved",
		zap.String("entry", entry.Path),
		zap.String("fingerprint", fp[:12]),
		zap.String("strategy", string(d.Strategy)),
		zap.String("target_table", d.TargetTable),
		zap.Bool("fresh_oracle_call", fresh))

	exec, err := o.execute(ctx, coord, runID, fp, d, records)
	if err != nil {
		return o.failedResult(runID, entry, err)
	}

	result = jobs.EntryResult{
		JobID:             runID,
		EntryPath:         entry.Path,
		StoredName:        entry.StoredName,
		UploadID:          entry.UploadID,
		Status:            jobs.EntryProcessed,
		DestinationTable:  exec.Table,
		RowsProcessed:     exec.Inserted,
		ValidationErrors:  exec.Invalid,
		DuplicatesSkipped: len(exec.Duplicates),
		Message: fmt.Sprintf("%d rows into %s (%d duplicates held for review)",
			exec.Inserted, exec.Table, len(exec.Duplicates)),
	}
	if len(exec.Duplicates) > 0 {
		result.LedgerRecordID = exec.Duplicates[0].ID
	}
	return result
}

// decide invokes the oracle through the pool-wide rate limiter, with one
// bounded automatic retry carrying the prior error. Failures are surfaced
// as OracleError, never swallowed.
func (o *Orchestrator) decide(ctx context.Context, fp string, entry Entry, columns []string, records []map[string]any) (*decision.MappingDecision, error) {
	in := decision.Input{
		Fingerprint: fp,
		Columns:     columns,
		SampleRows:  sampleRows(records),
		FileName:    entry.Path,
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if err := o.waitForOracleSlot(ctx); err != nil {
			return nil, err
		}

		d, err := o.oracle.Decide(ctx, in)
		if err == nil && d == nil {
			err = errors.New("oracle returned no decision")
		}
		if err == nil {
			err = d.Validate()
		}
		if err == nil {
			return d, nil
		}

		lastErr = err
		in.PriorError = err.Error()
		o.logger.Warn("oracle decision failed",
			zap.String("entry", entry.Path),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}

	return nil, &decision.OracleError{Fingerprint: fp, Err: lastErr}
}

func (o *Orchestrator) waitForOracleSlot(ctx context.Context) error {
	if o.limiter == nil {
		return nil
	}
	return o.limiter.Wait(ctx)
}

// execResult is the outcome of executing one mapping decision.
type execResult struct {
	Table      string
	Inserted   int
	Invalid    int
	Duplicates []duplicates.Record
}

// execute lands one entry's records per the mapping decision. The duplicate
// check and the insert run as one unit under the destination table's lock;
// only registry bookkeeping happens outside it. After the write commits the
// coordinator's registry is updated with the destination actually used,
// which may differ from the decision's proposal.
func (o *Orchestrator) execute(ctx context.Context, coord *fingerprint.Coordinator, runID, fp string, d *decision.MappingDecision, records []map[string]any) (*execResult, error) {
	table, err := store.NormalizeIdentifier(d.TargetTable)
	if err != nil {
		return nil, fmt.Errorf("destination table name: %w", err)
	}

	mapped := applyColumnMapping(records, d.ColumnMapping)
	columns := unionColumns(mapped)

	res := &execResult{Table: table}
	err = o.locks.WithTableLock(table, func() error {
		exists, err := store.HasTable(ctx, o.db, table)
		if err != nil {
			return err
		}

		switch {
		case !exists:
			// Covers new_table, and the oracle proposing a merge into a
			// table nothing has created yet.
			if _, err := store.CreateTable(ctx, o.db, table, columns); err != nil {
				return err
			}
		case d.Strategy == decision.StrategyExtendTable || d.Strategy == decision.StrategyAdaptSchema:
			if err := store.EnsureColumns(ctx, o.db, table, columns); err != nil {
				return err
			}
		case d.Strategy == decision.StrategyMergeExisting:
			// A plain merge never alters the table; drop columns the
			// destination does not carry.
			existing, err := store.Columns(ctx, o.db, table)
			if err != nil {
				return err
			}
			mapped = restrictToColumns(mapped, existing)
		}

		// A record with nothing left to insert is a validation error, not
		// a silent no-op row.
		var invalid int
		mapped, invalid = pruneEmptyRecords(mapped)
		res.Invalid = invalid

		insertable, dups, err := o.dups.CheckAndRecord(ctx, runID, table, mapped, d.UniquenessColumns)
		if err != nil {
			return err
		}

		inserted, err := store.InsertRows(ctx, o.db, table, insertable, runID)
		if err != nil {
			return err
		}

		res.Inserted = inserted
		res.Duplicates = dups
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("execute mapping into %q: %w", table, err)
	}

	coord.RecordExecuted(fp, table)
	return res, nil
}

func (o *Orchestrator) failedResult(runID string, entry Entry, err error) jobs.EntryResult {
	o.logger.Warn("entry failed",
		zap.String("job_id", runID),
		zap.String("entry", entry.Path),
		zap.Error(err))
	return jobs.EntryResult{
		JobID:      runID,
		EntryPath:  entry.Path,
		StoredName: entry.StoredName,
		UploadID:   entry.UploadID,
		Status:     jobs.EntryFailed,
		Message:    err.Error(),
	}
}

// applyColumnMapping renames record keys per the decision's source-to-
// destination column mapping; unmapped keys pass through unchanged.
func applyColumnMapping(records []map[string]any, mapping map[string]string) []map[string]any {
	if len(mapping) == 0 {
		return records
	}

	out := make([]map[string]any, len(records))
	for i, record := range records {
		mapped := make(map[string]any, len(record))
		for key, value := range record {
			if dest, ok := mapping[key]; ok && dest != "" {
				mapped[dest] = value
				continue
			}
			mapped[key] = value
		}
		out[i] = mapped
	}
	return out
}

// unionColumns collects the distinct keys across records, preserving first-
// seen order.
func unionColumns(records []map[string]any) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, record := range records {
		for _, key := range sortedRecordKeys(record) {
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, key)
		}
	}
	return out
}

// pruneEmptyRecords drops records that carry no values, counting each as a
// validation error. Mapping and merge restriction can empty a record whose
// columns all miss the destination.
func pruneEmptyRecords(records []map[string]any) ([]map[string]any, int) {
	kept := make([]map[string]any, 0, len(records))
	for _, record := range records {
		if len(record) == 0 {
			continue
		}
		kept = append(kept, record)
	}
	return kept, len(records) - len(kept)
}

// restrictToColumns drops record keys that do not normalize onto an
// existing destination column.
func restrictToColumns(records []map[string]any, columns []string) []map[string]any {
	allowed := make(map[string]struct{}, len(columns))
	for _, col := range columns {
		allowed[col] = struct{}{}
	}

	out := make([]map[string]any, len(records))
	for i, record := range records {
		kept := make(map[string]any, len(record))
		for key, value := range record {
			norm, err := store.NormalizeIdentifier(key)
			if err != nil {
				continue
			}
			if _, ok := allowed[norm]; ok {
				kept[key] = value
			}
		}
		out[i] = kept
	}
	return out
}

func sortedRecordKeys(record map[string]any) []string {
	keys := make([]string, 0, len(record))
	for key := range record {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func sampleRows(records []map[string]any) []map[string]any {
	if len(records) <= oracleSampleRows {
		return records
	}
	return records[:oracleSampleRows]
}
