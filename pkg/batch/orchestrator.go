package batch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dataloft/tabflow/pkg/decision"
	"github.com/dataloft/tabflow/pkg/duplicates"
	"github.com/dataloft/tabflow/pkg/fingerprint"
	"github.com/dataloft/tabflow/pkg/jobs"
	"github.com/dataloft/tabflow/pkg/rollback"
	"github.com/dataloft/tabflow/pkg/tablelock"
)

// ErrNoEntries is the orchestrator-level fault for an empty batch: there is
// nothing to fan out, so the whole submission is rejected.
var ErrNoEntries = errors.New("batch has no entries")

// Config configures orchestrator behavior.
type Config struct {
	// Workers caps the worker pool. The effective pool size is
	// min(Workers, available parallelism). Default: 4.
	Workers int

	// OracleRate is the maximum oracle calls per second across the pool.
	// Zero means unlimited.
	OracleRate float64

	// Coordinator tunes the fingerprint coordinator's bounded wait.
	Coordinator fingerprint.Config
}

func DefaultConfig() Config {
	return Config{Workers: 4}
}

// Orchestrator coordinates concurrent imports against one store.
//
// The table lock manager lives for the orchestrator's lifetime; a fresh
// fingerprint coordinator is created per batch, since fingerprint cache
// entries are only meaningful within one batch.
type Orchestrator struct {
	db     *sql.DB
	oracle decision.Oracle
	jobs   *jobs.Manager
	dups   *duplicates.Ledger
	undo   *rollback.Ledger
	locks  *tablelock.Manager
	cfg    Config
	logger *zap.Logger

	// limiter throttles oracle calls pool-wide (nil if unlimited).
	limiter *rate.Limiter

	wg sync.WaitGroup
}

func New(db *sql.DB, oracle decision.Oracle, manager *jobs.Manager, cfg Config, logger *zap.Logger) *Orchestrator {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	o := &Orchestrator{
		db:     db,
		oracle: oracle,
		jobs:   manager,
		dups:   duplicates.NewLedger(db),
		undo:   rollback.NewLedger(db),
		locks:  tablelock.NewManager(),
		cfg:    cfg,
		logger: logger,
	}
	if cfg.OracleRate > 0 {
		o.limiter = rate.NewLimiter(rate.Limit(cfg.OracleRate), 1)
	}
	return o
}

// SubmitBatch starts orchestration of a batch and returns the job id
// immediately. Progress is observable through the job lifecycle.
func (o *Orchestrator) SubmitBatch(ctx context.Context, entries []Entry, opts Options) (string, error) {
	job, err := o.createJob(ctx, entries, opts)
	if err != nil {
		return "", err
	}

	// The batch outlives the submitting request; only explicit
	// cancellation of the orchestrator's own context should stop it.
	bg := context.WithoutCancel(ctx)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.runBatch(bg, job, entries)
	}()

	return job.ID, nil
}

// ProcessBatch runs a batch synchronously and returns the completed job.
func (o *Orchestrator) ProcessBatch(ctx context.Context, entries []Entry, opts Options) (*jobs.Job, error) {
	job, err := o.createJob(ctx, entries, opts)
	if err != nil {
		return nil, err
	}
	o.runBatch(ctx, job, entries)
	return o.jobs.Get(ctx, job.ID)
}

// Wait blocks until all submitted batches have completed.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func (o *Orchestrator) createJob(ctx context.Context, entries []Entry, opts Options) (*jobs.Job, error) {
	if len(entries) == 0 {
		return nil, ErrNoEntries
	}
	if opts.TriggerSource == "" {
		opts.TriggerSource = "api"
	}

	paths := make([]string, 0, len(entries))
	for _, entry := range entries {
		paths = append(paths, entry.Path)
	}

	job, err := o.jobs.Create(ctx, jobs.CreateParams{
		SourceFileID:  opts.SourceFileID,
		TriggerSource: opts.TriggerSource,
		Entries:       paths,
		RetryAttempt:  opts.RetryAttempt,
	})
	if err != nil {
		return nil, fmt.Errorf("create batch job: %w", err)
	}

	o.logger.Info("batch submitted",
		zap.String("job_id", job.ID),
		zap.Int("entries", len(entries)),
		zap.String("trigger", opts.TriggerSource))
	return job, nil
}

// runBatch drives one batch through the worker pool and completes the job.
// Worker failures never abandon the batch: each becomes a failed entry
// result folded into progress like any other outcome.
func (o *Orchestrator) runBatch(ctx context.Context, job *jobs.Job, entries []Entry) {
	coord := fingerprint.NewCoordinator(o.cfg.Coordinator)

	workers := min(o.cfg.Workers, runtime.GOMAXPROCS(0))
	if workers < 1 {
		workers = 1
	}

	workCh := make(chan Entry)
	resultCh := make(chan jobs.EntryResult)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for entry := range workCh {
				resultCh <- o.runEntry(ctx, coord, job.ID, entry)
			}
		}()
	}

	go func() {
		defer close(workCh)
		for _, entry := range entries {
			select {
			case <-ctx.Done():
				return
			case workCh <- entry:
			}
		}
	}()

	go func() {
		wg.Wait()
		close(resultCh)
	}()

	// Fold results as they complete; completion order is not submission
	// order and consumers must not assume otherwise.
	completed := 0
	summary := newSummary(len(entries))
	for result := range resultCh {
		completed++
		summary.add(result)

		if err := o.jobs.AppendEntryResult(ctx, result); err != nil {
			o.logger.Error("append entry result",
				zap.String("job_id", job.ID), zap.Error(err))
		}

		progress := completed * 100 / len(entries)
		openDups := summary.DuplicatesSkipped
		if _, err := o.jobs.Update(ctx, job.ID, jobs.UpdateParams{
			Stage:           stagePtr("importing"),
			Progress:        &progress,
			CompleteEntries: []string{result.EntryPath},
			OpenDuplicates:  &openDups,
		}); err != nil {
			o.logger.Error("fold entry into job progress",
				zap.String("job_id", job.ID), zap.Error(err))
		}
	}

	o.completeBatch(ctx, job, summary)
}

// completeBatch closes out a finished batch. A clean run with open
// duplicates is parked in waiting_user instead of going terminal; it
// finishes once review empties the open set.
func (o *Orchestrator) completeBatch(ctx context.Context, job *jobs.Job, summary *Summary) {
	if summary.Failed == 0 && summary.DuplicatesSkipped > 0 {
		open, err := o.dups.OpenCount(ctx, job.ID)
		if err != nil {
			o.logger.Error("count open duplicates",
				zap.String("job_id", job.ID), zap.Error(err))
		} else if open > 0 {
			o.parkForReview(ctx, job, open)
			return
		}
	}

	success := summary.Failed == 0
	params := jobs.CompleteParams{
		Success:        success,
		ResultMetadata: summary.metadata(),
	}
	if success {
		params.DestinationTable = summary.primaryTable()
		params.RowCount = summary.RowsInserted
	} else {
		params.ErrorMessage = summary.failureMessage()
	}

	if _, err := o.jobs.Complete(ctx, job.ID, params); err != nil {
		o.logger.Error("complete batch job",
			zap.String("job_id", job.ID), zap.Error(err))
		return
	}

	o.logger.Info("batch completed",
		zap.String("job_id", job.ID),
		zap.Bool("success", success),
		zap.Int("processed", summary.Processed),
		zap.Int("failed", summary.Failed),
		zap.Int("skipped", summary.Skipped),
		zap.Int("rows_inserted", summary.RowsInserted),
		zap.Int("duplicates_skipped", summary.DuplicatesSkipped))
}

func (o *Orchestrator) parkForReview(ctx context.Context, job *jobs.Job, open int) {
	waiting := jobs.StatusWaitingUser
	stage := "awaiting_duplicate_review"
	progress := 100
	if _, err := o.jobs.Update(ctx, job.ID, jobs.UpdateParams{
		Status:         &waiting,
		Stage:          &stage,
		Progress:       &progress,
		OpenDuplicates: &open,
	}); err != nil {
		o.logger.Error("park batch for duplicate review",
			zap.String("job_id", job.ID), zap.Error(err))
		return
	}

	o.logger.Info("batch waiting on duplicate review",
		zap.String("job_id", job.ID),
		zap.Int("open_duplicates", open))
}

func stagePtr(s string) *string { return &s }
