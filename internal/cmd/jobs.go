package cmd

import (
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/dataloft/tabflow/pkg/jobs"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect import jobs",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List import jobs",
	RunE:  runJobsList,
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show one job with its entry results",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsShow,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsShowCmd)
}

func runJobsList(cmd *cobra.Command, args []string) error {
	eng, err := openEngine(cmd.Context(), nil)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to open store", err)
	}
	defer eng.Close()

	list, err := eng.orch.ListJobs(cmd.Context())
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to list jobs", err)
	}
	if len(list) == 0 {
		fmt.Println("No jobs found.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "JOB ID\tSTATUS\tPROGRESS\tENTRIES\tCREATED\tTRIGGER")
	for _, job := range list {
		total := len(job.Metadata.CompletedEntries) + len(job.Metadata.RemainingEntries)
		fmt.Fprintf(w, "%s\t%s\t%d%%\t%d/%d\t%s\t%s\n",
			job.ID, job.Status, job.Progress,
			len(job.Metadata.CompletedEntries), total,
			job.CreatedAt.Format("2006-01-02 15:04:05"),
			job.TriggerSource)
	}
	return w.Flush()
}

func runJobsShow(cmd *cobra.Command, args []string) error {
	eng, err := openEngine(cmd.Context(), nil)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to open store", err)
	}
	defer eng.Close()

	view, err := eng.orch.GetJob(cmd.Context(), args[0])
	if err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			return exitError(foundry.ExitInvalidArgument, "Unknown job", err)
		}
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to load job", err)
	}

	job := view.Job
	fmt.Printf("Job:      %s\n", job.ID)
	fmt.Printf("Status:   %s\n", job.Status)
	fmt.Printf("Stage:    %s\n", job.Stage)
	fmt.Printf("Progress: %d%%\n", job.Progress)
	fmt.Printf("Trigger:  %s", job.TriggerSource)
	if job.RetryAttempt > 0 {
		fmt.Printf(" (attempt %d)", job.RetryAttempt+1)
	}
	fmt.Println()
	fmt.Printf("Created:  %s\n", job.CreatedAt.Format("2006-01-02 15:04:05"))
	if job.CompletedAt != nil {
		fmt.Printf("Finished: %s\n", job.CompletedAt.Format("2006-01-02 15:04:05"))
	}
	if job.ErrorMessage != "" {
		fmt.Printf("Error:    %s\n", job.ErrorMessage)
	}
	if job.Metadata.OpenDuplicates > 0 {
		fmt.Printf("Open duplicates: %d\n", job.Metadata.OpenDuplicates)
	}
	if len(job.Metadata.RemainingEntries) > 0 {
		fmt.Printf("Remaining: %s\n", strings.Join(job.Metadata.RemainingEntries, ", "))
	}

	if len(view.Entries) == 0 {
		return nil
	}

	fmt.Println()
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ENTRY\tSTATUS\tTABLE\tROWS\tDUPLICATES\tMESSAGE")
	for _, res := range view.Entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
			res.EntryPath, res.Status, res.DestinationTable,
			res.RowsProcessed, res.DuplicatesSkipped, res.Message)
	}
	return w.Flush()
}
