package cmd

import (
	"errors"
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dataloft/tabflow/internal/observability"
	"github.com/dataloft/tabflow/pkg/rollback"
)

var (
	rollbackBy            string
	rollbackForce         bool
	rollbackSkipConflicts bool
)

var rollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Undo recorded row updates",
}

var rollbackUpdateCmd = &cobra.Command{
	Use:   "update <update-id>",
	Short: "Roll back one recorded row update",
	Long: `Rolls a single row update back to its previous values. The live row is
verified against the hash recorded at write time; if it has changed since,
the rollback is refused unless --force is given.`,
	Args: cobra.ExactArgs(1),
	RunE: runRollbackUpdate,
}

var rollbackRunCmd = &cobra.Command{
	Use:   "run <run-id>",
	Short: "Roll back every update of an import run, newest first",
	Args:  cobra.ExactArgs(1),
	RunE:  runRollbackRun,
}

func init() {
	rootCmd.AddCommand(rollbackCmd)
	rollbackCmd.AddCommand(rollbackUpdateCmd)
	rollbackCmd.AddCommand(rollbackRunCmd)

	rollbackCmd.PersistentFlags().StringVar(&rollbackBy, "by", "", "Actor recorded on the rollback (required)")
	_ = rollbackCmd.MarkPersistentFlagRequired("by")

	rollbackUpdateCmd.Flags().BoolVar(&rollbackForce, "force", false, "Apply even if the live row changed since the update")
	rollbackRunCmd.Flags().BoolVar(&rollbackSkipConflicts, "skip-conflicts", false, "Force through conflicting updates instead of stopping at the first one")
}

func runRollbackUpdate(cmd *cobra.Command, args []string) error {
	eng, err := openEngine(cmd.Context(), nil)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to open store", err)
	}
	defer eng.Close()

	outcome, err := eng.orch.RollbackUpdate(cmd.Context(), args[0], rollbackBy, rollbackForce)
	if err != nil {
		var conflict *rollback.ConflictError
		switch {
		case errors.Is(err, rollback.ErrNotFound):
			return exitError(foundry.ExitInvalidArgument, "Unknown update", err)
		case errors.Is(err, rollback.ErrAlreadyRolledBack):
			fmt.Printf("Update %s was already rolled back.\n", args[0])
			return nil
		case errors.As(err, &conflict):
			observability.CLILogger.Warn("Rollback refused: row changed since the update",
				zap.String("update_id", conflict.UpdateID),
				zap.String("table", conflict.Table),
				zap.Int64("rowid", conflict.RowID))
			return exitError(foundry.ExitInvalidArgument, "Rollback conflict (use --force to override)", err)
		default:
			return exitError(foundry.ExitExternalServiceUnavailable, "Rollback failed", err)
		}
	}

	if outcome.Forced {
		fmt.Printf("Rolled back update %s (forced over a conflict).\n", outcome.UpdateID)
	} else {
		fmt.Printf("Rolled back update %s.\n", outcome.UpdateID)
	}
	return nil
}

func runRollbackRun(cmd *cobra.Command, args []string) error {
	eng, err := openEngine(cmd.Context(), nil)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to open store", err)
	}
	defer eng.Close()

	outcome, err := eng.orch.RollbackRun(cmd.Context(), args[0], rollbackBy, rollbackSkipConflicts)
	if err != nil {
		if errors.Is(err, rollback.ErrWriteConflict) && outcome != nil {
			fmt.Printf("Stopped at conflicting update %s after rolling back %d of %d update(s).\n",
				outcome.StoppedAt, outcome.RolledBack, outcome.Total)
			return exitError(foundry.ExitInvalidArgument, "Rollback stopped on a conflict (use --skip-conflicts to force through)", err)
		}
		return exitError(foundry.ExitExternalServiceUnavailable, "Run rollback failed", err)
	}

	observability.CLILogger.Info("Run rolled back",
		zap.String("run_id", args[0]),
		zap.Int("total", outcome.Total),
		zap.Int("rolled_back", outcome.RolledBack),
		zap.Int("forced", outcome.Forced))

	fmt.Printf("Rolled back %d of %d update(s) for run %s.\n",
		outcome.RolledBack, outcome.Total, args[0])
	return nil
}
