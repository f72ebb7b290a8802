package cmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"go.uber.org/zap"

	"github.com/dataloft/tabflow/internal/config"
	"github.com/dataloft/tabflow/internal/observability"
	"github.com/dataloft/tabflow/pkg/batch"
	"github.com/dataloft/tabflow/pkg/decision"
	"github.com/dataloft/tabflow/pkg/fingerprint"
	"github.com/dataloft/tabflow/pkg/jobs"
	"github.com/dataloft/tabflow/pkg/manifest"
	"github.com/dataloft/tabflow/pkg/output"
	"github.com/dataloft/tabflow/pkg/store"
)

// engine bundles the store handle and orchestrator a command works
// against. Close releases the database.
type engine struct {
	db   *sql.DB
	orch *batch.Orchestrator
}

func (e *engine) Close() {
	_ = e.db.Close()
}

// openEngine opens the store and builds an orchestrator from the resolved
// config, optionally overlaid with a batch manifest's import section.
func openEngine(ctx context.Context, m *manifest.Manifest) (*engine, error) {
	cfg := config.Get()
	if cfg == nil {
		loaded, err := config.Load(ctx)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	db, err := store.Open(ctx, store.Config{Path: cfg.Store.Path})
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", cfg.Store.Path, err)
	}
	if err := store.Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	bcfg := batch.Config{
		Workers:    cfg.Import.Workers,
		OracleRate: cfg.Import.OracleRate,
		Coordinator: fingerprint.Config{
			WaitBase:      cfg.Decision.WaitBase,
			WaitPerColumn: cfg.Decision.WaitPerColumn,
			WaitMax:       cfg.Decision.WaitMax,
			Fallback:      fingerprint.FallbackPolicy(cfg.Decision.Fallback),
		},
	}
	if m != nil {
		if m.Import.Workers > 0 {
			bcfg.Workers = m.Import.Workers
		}
		if m.Import.OracleRate > 0 {
			bcfg.OracleRate = m.Import.OracleRate
		}
		d := m.Import.Decision
		if d.WaitBaseSeconds > 0 {
			bcfg.Coordinator.WaitBase = time.Duration(d.WaitBaseSeconds) * time.Second
		}
		if d.WaitPerColumnMillis > 0 {
			bcfg.Coordinator.WaitPerColumn = time.Duration(d.WaitPerColumnMillis) * time.Millisecond
		}
		if d.WaitMaxSeconds > 0 {
			bcfg.Coordinator.WaitMax = time.Duration(d.WaitMaxSeconds) * time.Second
		}
		if d.Fallback != "" {
			bcfg.Coordinator.Fallback = fingerprint.FallbackPolicy(d.Fallback)
		}
	}

	// Inspection commands pass no manifest and never call the oracle, so
	// only import paths require one to be configured.
	var oracle decision.Oracle
	if m != nil {
		oracle, err = buildOracle(cfg)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	orch := batch.New(db, oracle, jobs.NewManager(db), bcfg, observabilityLogger())

	return &engine{db: db, orch: orch}, nil
}

func buildOracle(cfg *config.Config) (decision.Oracle, error) {
	url := strings.TrimSpace(cfg.Oracle.URL)
	if url == "" {
		return nil, errors.New("no mapping oracle configured (set oracle.url or TABFLOW_ORACLE_URL)")
	}

	var opts []decision.HTTPOption
	if cfg.Oracle.Timeout > 0 {
		opts = append(opts, decision.WithHTTPClient(&http.Client{Timeout: cfg.Oracle.Timeout}))
	}
	return decision.NewHTTPOracle(url, opts...), nil
}

// createWriter builds the JSONL output writer for a destination value:
// "stdout" or "file:/path/to/out.jsonl".
func createWriter(destination, jobID string) (output.Writer, func(), error) {
	if destination == "" || destination == manifest.DefaultDestination {
		w := output.NewJSONLWriter(os.Stdout, jobID)
		return w, func() { _ = w.Close() }, nil
	}

	path, ok := strings.CutPrefix(destination, "file:")
	if !ok {
		return nil, nil, fmt.Errorf("unsupported output destination: %s", destination)
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("create output file: %w", err)
	}

	w := output.NewJSONLWriter(f, jobID)
	cleanup := func() {
		_ = w.Close()
		_ = f.Close()
	}
	return w, cleanup, nil
}

// exitCodeFor maps engine failures onto CLI exit codes.
func exitCodeFor(err error) int {
	if errors.Is(err, context.Canceled) {
		return foundry.ExitSignalInt
	}
	return foundry.ExitExternalServiceUnavailable
}

func observabilityLogger() *zap.Logger {
	return observability.CLILogger
}
