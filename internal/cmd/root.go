// Package cmd implements the tabflow command line interface.
package cmd

import (
	"fmt"
	"os"
	"regexp"
	"strconv"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/dataloft/tabflow/internal/config"
	"github.com/dataloft/tabflow/internal/observability"
)

// versionInfo is populated from build-time ldflags via SetVersionInfo.
var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "HEAD",
	BuildDate: "unknown",
}

// SetVersionInfo records build metadata for the version command.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

var (
	flagDBPath   string
	flagLogLevel string
)

var rootCmd = &cobra.Command{
	Use:   "tabflow",
	Short: "Tabular import orchestration engine",
	Long: `tabflow imports batches of tabular files into a relational store,
deduplicating mapping decisions across structurally identical files,
holding duplicate rows for review, and journaling row updates so any
import run can be rolled back.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		overrides := map[string]any{}
		if flagDBPath != "" {
			overrides["store"] = map[string]any{"path": flagDBPath}
		}
		if flagLogLevel != "" {
			overrides["logging"] = map[string]any{"level": flagLogLevel}
		}

		cfg, err := config.Load(cmd.Context(), overrides)
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
		}
		observability.InitCLILogger(cfg.Logging.Level, cfg.Logging.Structured)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("tabflow %s (commit %s, built %s)\n",
			versionInfo.Version, versionInfo.Commit, versionInfo.BuildDate)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagDBPath, "db", "", "Path to the sqlite store (default from config)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.AddCommand(versionCmd)
	setDefaults()
}

// setDefaults seeds the global viper instance so commands that read config
// keys directly see sane values even before config.Load runs.
func setDefaults() {
	viper.SetDefault("store.path", "tabflow.db")
	viper.SetDefault("import.workers", 4)
	viper.SetDefault("import.oracle_rate", 0.0)
	viper.SetDefault("decision.fallback", "independent")
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.structured", false)
}

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	return fmt.Errorf("%s: %w (exit code %d)", message, err, code)
}

var exitCodePattern = regexp.MustCompile(`\(exit code (\d+)\)$`)

// Execute runs the root command and exits the process with the code carried
// by the returned error, if any.
func Execute() {
	defer observability.Sync()

	if err := rootCmd.Execute(); err != nil {
		observability.CLILogger.Error("Command failed", zap.Error(err))

		code := 1
		if m := exitCodePattern.FindStringSubmatch(err.Error()); m != nil {
			if parsed, perr := strconv.Atoi(m[1]); perr == nil {
				code = parsed
			}
		}
		os.Exit(code)
	}
}
