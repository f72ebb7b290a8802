package cmd

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"path"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dataloft/tabflow/internal/observability"
	"github.com/dataloft/tabflow/pkg/batch"
	"github.com/dataloft/tabflow/pkg/jobs"
	"github.com/dataloft/tabflow/pkg/manifest"
	"github.com/dataloft/tabflow/pkg/match"
	"github.com/dataloft/tabflow/pkg/output"
	"github.com/dataloft/tabflow/pkg/rowsource"
	"github.com/dataloft/tabflow/pkg/source"
	"github.com/dataloft/tabflow/pkg/source/local"
	"github.com/dataloft/tabflow/pkg/source/s3"
)

var (
	runManifestPath string
	runOutput       string
	runDryRun       bool
	runWorkers      int
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Import a batch of tabular files",
	Long: `Run imports every file a batch manifest selects: entries are matched,
archives are expanded, each distinct file shape gets one mapping decision,
and rows land in destination tables with duplicates held for review.

Results are streamed as JSONL records to stdout or a file.

Examples:
  tabflow run --manifest batch.yaml
  tabflow run --manifest batch.yaml --output file:results.jsonl
  tabflow run --manifest batch.yaml --dry-run`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVarP(&runManifestPath, "manifest", "m", "", "Path to the batch manifest (required)")
	runCmd.Flags().StringVarP(&runOutput, "output", "o", "", "Output destination: stdout or file:PATH (overrides manifest)")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "Show what would be imported without importing")
	runCmd.Flags().IntVar(&runWorkers, "workers", 0, "Concurrent entry workers (overrides manifest)")
	_ = runCmd.MarkFlagRequired("manifest")
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m, err := manifest.Load(runManifestPath)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid manifest", err)
	}
	if runWorkers > 0 {
		m.Import.Workers = runWorkers
	}

	entries, closeSource, err := collectEntries(ctx, m)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to collect entries", err)
	}
	defer closeSource()

	if runDryRun {
		showRunPlan(m, entries)
		return nil
	}
	if len(entries) == 0 {
		return exitError(foundry.ExitInvalidArgument, "Nothing to import", errors.New("no entries matched the manifest"))
	}

	eng, err := openEngine(ctx, m)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to initialize engine", err)
	}
	defer eng.Close()

	destination := m.Output.Destination
	if runOutput != "" {
		destination = runOutput
	}

	start := time.Now()
	observability.CLILogger.Info("Starting import",
		zap.Int("entries", len(entries)),
		zap.Int("workers", m.Import.Workers))

	jobID, job, err := processWithProgress(ctx, eng, m, entries)
	if err != nil {
		if ctx.Err() != nil {
			return exitError(foundry.ExitSignalInt, "Import cancelled", ctx.Err())
		}
		return exitError(exitCodeFor(err), "Import failed", err)
	}

	if err := writeRunResults(ctx, eng, jobID, destination, start); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to write results", err)
	}

	observability.CLILogger.Info("Import finished",
		zap.String("job_id", jobID),
		zap.String("status", string(job.Status)),
		zap.Duration("took", time.Since(start)))

	switch job.Status {
	case jobs.StatusFailed:
		return exitError(foundry.ExitExternalServiceUnavailable, "Import completed with failures", errors.New(job.ErrorMessage))
	case jobs.StatusWaitingUser:
		observability.CLILogger.Info("Duplicates held for review",
			zap.Int("open", job.Metadata.OpenDuplicates),
			zap.String("hint", fmt.Sprintf("tabflow duplicates list --run %s", jobID)))
	}
	return nil
}

// processWithProgress runs the batch synchronously, emitting progress
// records from a sidecar poller when the manifest asks for them.
func processWithProgress(ctx context.Context, eng *engine, m *manifest.Manifest, entries []batch.Entry) (string, *jobs.Job, error) {
	jobID, err := eng.orch.SubmitBatch(ctx, entries, batch.Options{TriggerSource: "cli"})
	if err != nil {
		return "", nil, err
	}

	if m.Output.ProgressEnabled() {
		pctx, cancel := context.WithCancel(ctx)
		defer cancel()
		go pollProgress(pctx, eng, jobID)
	}

	eng.orch.Wait()

	job, err := eng.orch.GetJob(ctx, jobID)
	if err != nil {
		return jobID, nil, err
	}
	return jobID, job.Job, nil
}

// pollProgress logs job progress on an interval until cancelled.
func pollProgress(ctx context.Context, eng *engine, jobID string) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			view, err := eng.orch.GetJob(ctx, jobID)
			if err != nil {
				continue
			}
			observability.CLILogger.Info("Import progress",
				zap.String("job_id", jobID),
				zap.String("stage", view.Job.Stage),
				zap.Int("progress", view.Job.Progress),
				zap.Int("completed", len(view.Job.Metadata.CompletedEntries)))
			if view.Job.Status.Terminal() {
				return
			}
		}
	}
}

// writeRunResults streams the completed job's entry results, open
// duplicates, and summary as JSONL records.
func writeRunResults(ctx context.Context, eng *engine, jobID, destination string, start time.Time) error {
	view, err := eng.orch.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	w, cleanup, err := createWriter(destination, jobID)
	if err != nil {
		return err
	}
	defer cleanup()

	summary := output.SummaryRecord{}
	tables := map[string]struct{}{}
	for _, res := range view.Entries {
		rec := output.EntryRecord{
			Path:             res.EntryPath,
			Status:           string(res.Status),
			DestinationTable: res.DestinationTable,
			Rows:             res.RowsProcessed,
			Duplicates:       res.DuplicatesSkipped,
			Message:          res.Message,
		}
		if err := w.WriteEntry(ctx, &rec); err != nil {
			return err
		}

		switch res.Status {
		case jobs.EntryProcessed:
			summary.Processed++
		case jobs.EntryFailed:
			summary.Failed++
			if err := w.WriteError(ctx, &output.ErrorRecord{
				Code:    output.ErrCodeStore,
				Message: res.Message,
				Path:    res.EntryPath,
			}); err != nil {
				return err
			}
		case jobs.EntrySkipped:
			summary.Skipped++
		}
		summary.RowsInserted += res.RowsProcessed
		summary.DuplicatesSkipped += res.DuplicatesSkipped
		if res.DestinationTable != "" {
			tables[res.DestinationTable] = struct{}{}
		}
	}

	dups, err := eng.orch.ListDuplicates(ctx, jobID, false)
	if err == nil {
		for _, d := range dups {
			if err := w.WriteDuplicate(ctx, &output.DuplicateRecord{
				ID:           d.ID,
				Table:        d.Table,
				RecordNumber: d.RecordNumber,
				MatchedOn:    predicateColumns(d.MatchPredicate),
			}); err != nil {
				return err
			}
		}
	}

	for table := range tables {
		summary.Tables = append(summary.Tables, table)
	}
	summary.Duration = time.Since(start)
	summary.DurationHuman = summary.Duration.Round(time.Millisecond).String()
	return w.WriteSummary(ctx, &summary)
}

// collectEntries lists the manifest's source store, applies match rules,
// and expands zip archives into per-file entries. The returned closer
// releases the source store and must be called after the batch finishes.
func collectEntries(ctx context.Context, m *manifest.Manifest) ([]batch.Entry, func(), error) {
	src, err := openSourceStore(ctx, m)
	if err != nil {
		return nil, nil, err
	}
	closer := func() { _ = src.Close() }

	matcher, err := match.New(match.Config{
		Includes:      m.Match.Includes,
		Excludes:      m.Match.Excludes,
		Extensions:    m.Match.Extensions,
		IncludeHidden: m.Match.IncludeHidden,
	})
	if err != nil {
		closer()
		return nil, nil, fmt.Errorf("invalid match patterns: %w", err)
	}

	filter, err := buildEntryFilter(m.Match.Filters)
	if err != nil {
		closer()
		return nil, nil, fmt.Errorf("invalid filters: %w", err)
	}

	files, err := src.List(ctx, "")
	if err != nil {
		closer()
		return nil, nil, fmt.Errorf("list source: %w", err)
	}

	opts := rowsource.Options{NoHeader: m.Import.NoHeader, MaxRows: m.Import.MaxRows}

	var entries []batch.Entry
	for _, fi := range files {
		if strings.EqualFold(path.Ext(fi.Key), ".zip") {
			expanded, err := zipEntries(ctx, src, fi.Key, matcher, opts)
			if err != nil {
				observability.CLILogger.Warn("Skipping unreadable archive",
					zap.String("key", fi.Key), zap.Error(err))
				continue
			}
			entries = append(entries, expanded...)
			continue
		}

		if !matcher.Match(fi.Key) {
			continue
		}
		if filter != nil && !filter.Match(&match.EntryInfo{Path: fi.Key, Size: fi.Size, Modified: fi.LastModified}) {
			continue
		}
		entries = append(entries, batch.Entry{
			Path:       fi.Key,
			StoredName: fi.Key,
			Source:     storeRowSource(src, fi.Key, opts),
		})
	}

	return entries, closer, nil
}

func openSourceStore(ctx context.Context, m *manifest.Manifest) (source.Store, error) {
	switch m.Source.Store {
	case "local":
		return local.New(m.Source.Path)
	case "s3":
		return s3.New(ctx, s3.Config{
			Bucket:   m.Source.Bucket,
			Region:   m.Source.Region,
			Endpoint: m.Source.Endpoint,
			Profile:  m.Source.Profile,
			Prefix:   m.Source.Prefix,
		})
	default:
		return nil, fmt.Errorf("unsupported source store: %s", m.Source.Store)
	}
}

func buildEntryFilter(cfg *manifest.FilterConfig) (*match.CompositeFilter, error) {
	if cfg == nil {
		return nil, nil
	}
	mc := &match.FilterConfig{PathRegex: cfg.PathRegex}
	if cfg.Size != nil {
		mc.Size = &match.SizeFilterConfig{Min: cfg.Size.Min, Max: cfg.Size.Max}
	}
	if cfg.Modified != nil {
		mc.Modified = &match.DateFilterConfig{After: cfg.Modified.After, Before: cfg.Modified.Before}
	}
	return match.NewFilterFromConfig(mc)
}

// storeRowSource parses one stored object's rows on demand.
func storeRowSource(src source.Store, key string, opts rowsource.Options) batch.RowSource {
	return batch.RowSourceFunc(func(ctx context.Context) ([]string, []map[string]any, error) {
		rc, _, err := src.Fetch(ctx, key)
		if err != nil {
			return nil, nil, err
		}
		defer rc.Close()
		return rowsource.NewReader(rc, key, opts).Rows(ctx)
	})
}

// zipEntries expands a zip archive into one entry per matched inner file.
// The archive is fetched once; each entry re-reads its file from the
// in-memory copy when its worker runs.
func zipEntries(ctx context.Context, src source.Store, key string, matcher *match.Matcher, opts rowsource.Options) ([]batch.Entry, error) {
	rc, _, err := src.Fetch(ctx, key)
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(rc)
	_ = rc.Close()
	if err != nil {
		return nil, err
	}

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open archive %s: %w", key, err)
	}

	var entries []batch.Entry
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		if !matcher.Match(f.Name) {
			continue
		}
		name := f.Name
		entries = append(entries, batch.Entry{
			Path:       key + "/" + name,
			StoredName: key,
			Source: batch.RowSourceFunc(func(ctx context.Context) ([]string, []map[string]any, error) {
				inner, err := zr.Open(name)
				if err != nil {
					return nil, nil, fmt.Errorf("open archive entry %s: %w", name, err)
				}
				defer inner.Close()
				return rowsource.NewReader(inner, name, opts).Rows(ctx)
			}),
		})
	}
	return entries, nil
}

func predicateColumns(predicate map[string]any) []string {
	cols := make([]string, 0, len(predicate))
	for col := range predicate {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	return cols
}

func showRunPlan(m *manifest.Manifest, entries []batch.Entry) {
	fmt.Println("Import plan:")
	fmt.Printf("  Source:      %s", m.Source.Store)
	if m.Source.Store == "local" {
		fmt.Printf(" (%s)", m.Source.Path)
	} else if m.Source.Bucket != "" {
		fmt.Printf(" (bucket %s)", m.Source.Bucket)
	}
	fmt.Println()
	if len(m.Match.Includes) > 0 {
		fmt.Printf("  Include:     %s\n", strings.Join(m.Match.Includes, ", "))
	}
	if len(m.Match.Excludes) > 0 {
		fmt.Printf("  Exclude:     %s\n", strings.Join(m.Match.Excludes, ", "))
	}
	fmt.Printf("  Workers:     %d\n", m.Import.Workers)
	fmt.Printf("  Entries:     %d\n", len(entries))
	for _, e := range entries {
		fmt.Printf("    %s\n", e.Path)
	}
}
