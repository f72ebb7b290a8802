package batch

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/dataloft/tabflow/pkg/duplicates"
	"github.com/dataloft/tabflow/pkg/jobs"
	"github.com/dataloft/tabflow/pkg/rollback"
	"github.com/dataloft/tabflow/pkg/store"
)

// ErrNothingToResume means the resume filter matched none of the offered
// entries.
var ErrNothingToResume = errors.New("no entries left to resume")

// JobView bundles a job with its per-entry results for inspection.
type JobView struct {
	Job     *jobs.Job
	Entries []jobs.EntryResult
}

// GetJob returns a job and its entry results.
func (o *Orchestrator) GetJob(ctx context.Context, jobID string) (*JobView, error) {
	job, err := o.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	entries, err := o.jobs.EntryResults(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return &JobView{Job: job, Entries: entries}, nil
}

// ListJobs returns all jobs, newest first.
func (o *Orchestrator) ListJobs(ctx context.Context) ([]jobs.Job, error) {
	return o.jobs.List(ctx)
}

// ListDuplicates returns a run's duplicate records.
func (o *Orchestrator) ListDuplicates(ctx context.Context, runID string, includeResolved bool) ([]duplicates.Record, error) {
	return o.dups.List(ctx, runID, includeResolved)
}

// ResumeJob starts a new job covering the unfinished portion of a prior one.
//
// The prior job's metadata.remaining_entries is authoritative: offered
// entries outside it are ignored. With failedOnly, the filter narrows
// further to entries that recorded a failed result. The caller re-supplies
// the entries (with live row sources) since sources are not persisted.
func (o *Orchestrator) ResumeJob(ctx context.Context, jobID string, entries []Entry, failedOnly bool) (string, error) {
	job, err := o.jobs.Get(ctx, jobID)
	if err != nil {
		return "", err
	}

	wanted := make(map[string]struct{}, len(job.Metadata.RemainingEntries))
	for _, path := range job.Metadata.RemainingEntries {
		wanted[path] = struct{}{}
	}
	if failedOnly {
		results, err := o.jobs.EntryResults(ctx, jobID)
		if err != nil {
			return "", err
		}
		wanted = make(map[string]struct{})
		for _, result := range results {
			if result.Status == jobs.EntryFailed {
				wanted[result.EntryPath] = struct{}{}
			}
		}
	}

	var subset []Entry
	for _, entry := range entries {
		if _, ok := wanted[entry.Path]; ok {
			subset = append(subset, entry)
		}
	}
	if len(subset) == 0 {
		return "", fmt.Errorf("%w: job %s", ErrNothingToResume, jobID)
	}

	o.logger.Info("resuming job",
		zap.String("prior_job_id", jobID),
		zap.Int("entries", len(subset)),
		zap.Bool("failed_only", failedOnly))

	return o.SubmitBatch(ctx, subset, Options{
		SourceFileID:  job.SourceFileID,
		TriggerSource: "resume",
		RetryAttempt:  job.RetryAttempt + 1,
	})
}

// ResolveOutcome reports the state after one duplicate resolution.
type ResolveOutcome struct {
	DuplicateID string
	// UpdateID identifies the row-update record written for the merge, so
	// the resolution itself can be rolled back later.
	UpdateID string
	// OpenRemaining is the run's open-duplicate count after resolution.
	OpenRemaining int
}

// ResolveDuplicate merges updates into the live row a duplicate collided
// with and stamps the record resolved. The merge is journaled as a row
// update first, then applied, all under the destination table's lock so no
// import write interleaves. A journal entry for a merge that failed to
// apply is discarded.
func (o *Orchestrator) ResolveDuplicate(ctx context.Context, duplicateID string, updates map[string]any, resolvedBy, note string) (*ResolveOutcome, error) {
	rec, err := o.dups.Get(ctx, duplicateID)
	if err != nil {
		return nil, err
	}
	if len(updates) == 0 {
		return nil, errors.New("duplicate resolution requires at least one column update")
	}

	outcome := &ResolveOutcome{DuplicateID: duplicateID}
	err = o.locks.WithTableLock(rec.Table, func() error {
		rowID, current, err := store.FindRow(ctx, o.db, rec.Table, rec.MatchPredicate)
		if err != nil {
			if store.IsRowNotFound(err) {
				return fmt.Errorf("%w: no existing row matches the original key for %s",
					duplicates.ErrNotFound, duplicateID)
			}
			return err
		}

		updateID, err := o.undo.RecordUpdate(ctx, rec.RunID, rec.Table, rowID, current, updates)
		if err != nil {
			return fmt.Errorf("journal duplicate resolution: %w", err)
		}
		outcome.UpdateID = updateID

		open, err := o.dups.Resolve(ctx, duplicateID, updates, resolvedBy, note)
		if err != nil {
			// The merge never landed; the journal entry is speculative
			// until it does.
			if derr := o.undo.Discard(ctx, updateID); derr != nil {
				o.logger.Warn("stale rollback journal entry left behind",
					zap.String("update_id", updateID),
					zap.Error(derr))
			}
			return err
		}
		outcome.OpenRemaining = open
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := o.reflectOpenDuplicates(ctx, rec.RunID, outcome.OpenRemaining); err != nil {
		o.logger.Warn("duplicate resolved but job state not updated",
			zap.String("job_id", rec.RunID),
			zap.Error(err))
	}
	return outcome, nil
}

// reflectOpenDuplicates pushes the open-duplicate count onto the owning
// job. Once the count reaches zero a job parked on user input moves to
// ready_to_execute and is then completed from its recorded entry results.
func (o *Orchestrator) reflectOpenDuplicates(ctx context.Context, runID string, open int) error {
	job, err := o.jobs.Get(ctx, runID)
	if err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			return nil
		}
		return err
	}
	if job.Status.Terminal() {
		return nil
	}

	params := jobs.UpdateParams{OpenDuplicates: &open}
	reviewed := open == 0 && job.Status == jobs.StatusWaitingUser
	if reviewed {
		ready := jobs.StatusReadyToExecute
		params.Status = &ready
	}
	job, err = o.jobs.Update(ctx, runID, params)
	if err != nil {
		return err
	}
	if reviewed {
		return o.finalizeReviewed(ctx, job)
	}
	return nil
}

// finalizeReviewed completes a fully-reviewed job, rebuilding the batch
// summary from the persisted per-entry results.
func (o *Orchestrator) finalizeReviewed(ctx context.Context, job *jobs.Job) error {
	results, err := o.jobs.EntryResults(ctx, job.ID)
	if err != nil {
		return err
	}

	total := len(job.Metadata.CompletedEntries) + len(job.Metadata.RemainingEntries)
	summary := newSummary(total)
	for _, result := range results {
		summary.add(result)
	}

	_, err = o.jobs.Complete(ctx, job.ID, jobs.CompleteParams{
		Success:          true,
		ResultMetadata:   summary.metadata(),
		DestinationTable: summary.primaryTable(),
		RowCount:         summary.RowsInserted,
	})
	if err != nil {
		return err
	}

	o.logger.Info("reviewed batch completed",
		zap.String("job_id", job.ID),
		zap.Int("rows_inserted", summary.RowsInserted))
	return nil
}

// RollbackUpdate undoes one journaled row update under its table's lock.
func (o *Orchestrator) RollbackUpdate(ctx context.Context, updateID, actor string, force bool) (*rollback.Outcome, error) {
	upd, err := o.undo.Get(ctx, updateID)
	if err != nil {
		return nil, err
	}

	var outcome *rollback.Outcome
	err = o.locks.WithTableLock(upd.Table, func() error {
		var err error
		outcome, err = o.undo.Rollback(ctx, updateID, actor, force)
		return err
	})
	return outcome, err
}

// RollbackRun undoes every journaled update for a run. Each update is
// rolled back under its destination table's lock so the ledger's hash
// check and restore execute as one unit against concurrent import writes.
func (o *Orchestrator) RollbackRun(ctx context.Context, runID, actor string, skipConflicts bool) (*rollback.RunOutcome, error) {
	return o.undo.RollbackAll(ctx, runID, actor, skipConflicts, o.locks.WithTableLock)
}
