package cmd

import (
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dataloft/tabflow/internal/observability"
	"github.com/dataloft/tabflow/pkg/batch"
	"github.com/dataloft/tabflow/pkg/manifest"
)

var (
	resumeManifestPath string
	resumeFailedOnly   bool
)

var resumeCmd = &cobra.Command{
	Use:   "resume <job-id>",
	Short: "Resume an interrupted or failed import job",
	Long: `Resume re-runs the entries a job did not finish. By default the
remaining (never processed) entries run; --failed-only re-runs entries
that were processed and failed instead.

The manifest must be the one the original run used: entries are matched
against it to rebuild their row sources.`,
	Args: cobra.ExactArgs(1),
	RunE: runResume,
}

func init() {
	rootCmd.AddCommand(resumeCmd)
	resumeCmd.Flags().StringVarP(&resumeManifestPath, "manifest", "m", "", "Path to the batch manifest (required)")
	resumeCmd.Flags().BoolVar(&resumeFailedOnly, "failed-only", false, "Re-run failed entries instead of remaining ones")
	_ = resumeCmd.MarkFlagRequired("manifest")
}

func runResume(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	jobID := args[0]

	m, err := manifest.Load(resumeManifestPath)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid manifest", err)
	}

	entries, closeSource, err := collectEntries(ctx, m)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to collect entries", err)
	}
	defer closeSource()

	eng, err := openEngine(ctx, m)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to initialize engine", err)
	}
	defer eng.Close()

	newID, err := eng.orch.ResumeJob(ctx, jobID, entries, resumeFailedOnly)
	if err != nil {
		if errors.Is(err, batch.ErrNothingToResume) {
			fmt.Println("Nothing to resume: the job has no remaining entries.")
			return nil
		}
		return exitError(foundry.ExitInvalidArgument, "Failed to resume job", err)
	}

	observability.CLILogger.Info("Resume started",
		zap.String("job_id", newID),
		zap.String("resumed_from", jobID),
		zap.Bool("failed_only", resumeFailedOnly))

	eng.orch.Wait()

	view, err := eng.orch.GetJob(ctx, newID)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to load resumed job", err)
	}
	fmt.Printf("Resumed job %s finished with status %s (%d entries).\n",
		newID, view.Job.Status, len(view.Entries))
	return nil
}
