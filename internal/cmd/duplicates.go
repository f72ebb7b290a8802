package cmd

import (
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dataloft/tabflow/internal/observability"
	"github.com/dataloft/tabflow/pkg/duplicates"
)

var (
	dupsRunID           string
	dupsIncludeResolved bool

	dupsResolveSet  []string
	dupsResolveBy   string
	dupsResolveNote string
)

var duplicatesCmd = &cobra.Command{
	Use:   "duplicates",
	Short: "Review and resolve duplicate rows held during import",
}

var duplicatesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List duplicate rows held for review",
	RunE:  runDuplicatesList,
}

var duplicatesResolveCmd = &cobra.Command{
	Use:   "resolve <duplicate-id>",
	Short: "Resolve one duplicate by updating the existing row",
	Long: `Resolve applies the given column values to the live row the duplicate
collided with. The change is journaled first, so it can be rolled back
like any import write.

Example:
  tabflow duplicates resolve 2f1c... --set email=new@example.com --by alice`,
	Args: cobra.ExactArgs(1),
	RunE: runDuplicatesResolve,
}

func init() {
	rootCmd.AddCommand(duplicatesCmd)
	duplicatesCmd.AddCommand(duplicatesListCmd)
	duplicatesCmd.AddCommand(duplicatesResolveCmd)

	duplicatesListCmd.Flags().StringVar(&dupsRunID, "run", "", "Filter to one import run (job id)")
	duplicatesListCmd.Flags().BoolVar(&dupsIncludeResolved, "include-resolved", false, "Include already-resolved duplicates")

	duplicatesResolveCmd.Flags().StringArrayVar(&dupsResolveSet, "set", nil, "Column update as col=value (repeatable, required)")
	duplicatesResolveCmd.Flags().StringVar(&dupsResolveBy, "by", "", "Actor recorded on the resolution (required)")
	duplicatesResolveCmd.Flags().StringVar(&dupsResolveNote, "note", "", "Free-form resolution note")
	_ = duplicatesResolveCmd.MarkFlagRequired("set")
	_ = duplicatesResolveCmd.MarkFlagRequired("by")
}

func runDuplicatesList(cmd *cobra.Command, args []string) error {
	eng, err := openEngine(cmd.Context(), nil)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to open store", err)
	}
	defer eng.Close()

	records, err := eng.orch.ListDuplicates(cmd.Context(), dupsRunID, dupsIncludeResolved)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to list duplicates", err)
	}
	if len(records) == 0 {
		fmt.Println("No duplicates found.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tRUN\tTABLE\tROW\tMATCHED ON\tSTATUS")
	for _, rec := range records {
		status := "open"
		if rec.Resolved() {
			status = "resolved by " + rec.ResolvedBy
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			rec.ID, rec.RunID, rec.Table, rec.RecordNumber,
			strings.Join(predicateColumns(rec.MatchPredicate), ","), status)
	}
	return w.Flush()
}

func runDuplicatesResolve(cmd *cobra.Command, args []string) error {
	updates, err := parseSetFlags(dupsResolveSet)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --set value", err)
	}

	eng, err := openEngine(cmd.Context(), nil)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to open store", err)
	}
	defer eng.Close()

	outcome, err := eng.orch.ResolveDuplicate(cmd.Context(), args[0], updates, dupsResolveBy, dupsResolveNote)
	if err != nil {
		switch {
		case errors.Is(err, duplicates.ErrNotFound):
			return exitError(foundry.ExitInvalidArgument, "Unknown duplicate", err)
		case errors.Is(err, duplicates.ErrAlreadyResolved):
			return exitError(foundry.ExitInvalidArgument, "Duplicate already resolved", err)
		default:
			return exitError(foundry.ExitExternalServiceUnavailable, "Failed to resolve duplicate", err)
		}
	}

	observability.CLILogger.Info("Duplicate resolved",
		zap.String("duplicate_id", outcome.DuplicateID),
		zap.String("update_id", outcome.UpdateID),
		zap.Int("open_remaining", outcome.OpenRemaining))

	fmt.Printf("Resolved %s (update %s). %d duplicate(s) still open for this run.\n",
		outcome.DuplicateID, outcome.UpdateID, outcome.OpenRemaining)
	return nil
}

// parseSetFlags turns repeated col=value flags into a column update map.
func parseSetFlags(pairs []string) (map[string]any, error) {
	updates := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		col, value, ok := strings.Cut(pair, "=")
		col = strings.TrimSpace(col)
		if !ok || col == "" {
			return nil, fmt.Errorf("expected col=value, got %q", pair)
		}
		updates[col] = value
	}
	return updates, nil
}
