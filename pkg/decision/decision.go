// Package decision defines the contract with the external mapping oracle:
// the shape of its input sample, the typed MappingDecision it returns, and
// helpers for decoding loosely-typed oracle payloads.
//
// The oracle itself (how a decision is made) is outside this module; the
// engine only inspects what a decision says, never why.
package decision

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-viper/mapstructure/v2"
)

// Strategy tags how a file's rows land in the relational schema.
type Strategy string

const (
	// StrategyNewTable creates a fresh destination table.
	StrategyNewTable Strategy = "new_table"
	// StrategyMergeExisting inserts into an existing table as-is.
	StrategyMergeExisting Strategy = "merge_existing"
	// StrategyExtendTable adds missing columns, then inserts.
	StrategyExtendTable Strategy = "extend_table"
	// StrategyAdaptSchema remaps columns onto an existing table, adding
	// columns where the mapping requires them.
	StrategyAdaptSchema Strategy = "adapt_schema"
)

// MappingDecision is the oracle's structured answer for one file shape.
type MappingDecision struct {
	Strategy          Strategy          `mapstructure:"strategy" json:"strategy"`
	TargetTable       string            `mapstructure:"target_table" json:"target_table"`
	ColumnMapping     map[string]string `mapstructure:"column_mapping" json:"column_mapping,omitempty"`
	UniquenessColumns []string          `mapstructure:"uniqueness_columns" json:"uniqueness_columns,omitempty"`
	HasHeader         bool              `mapstructure:"has_header" json:"has_header"`
}

// Input is the sample handed to the oracle for one distinct file shape.
type Input struct {
	// Fingerprint is the structural signature the sample was keyed by.
	Fingerprint string `json:"fingerprint"`

	// Columns is the normalized column-name set of the source.
	Columns []string `json:"columns"`

	// SampleRows carries up to a handful of parsed records for context.
	SampleRows []map[string]any `json:"sample_rows,omitempty"`

	// FileName and SheetName identify the source for the oracle's benefit.
	FileName  string `json:"file_name,omitempty"`
	SheetName string `json:"sheet_name,omitempty"`

	// PriorError carries the failure of a previous decision attempt when
	// the engine retries; empty on the first call.
	PriorError string `json:"prior_error,omitempty"`
}

// Oracle is the external decision service.
//
// Implementations own their own timeout and retry policy; the engine calls
// Decide at most once per attempt and never inspects partial results.
type Oracle interface {
	Decide(ctx context.Context, in Input) (*MappingDecision, error)
}

// ErrOracleFailure tags decision-call failures: the call errored or
// returned no usable decision.
var ErrOracleFailure = errors.New("mapping oracle failure")

// OracleError wraps an oracle failure with the fingerprint it was for.
type OracleError struct {
	Fingerprint string
	Err         error
}

func (e *OracleError) Error() string {
	return fmt.Sprintf("oracle decision for fingerprint %s: %v", shortFingerprint(e.Fingerprint), e.Err)
}

// Unwrap keeps both the sentinel and the underlying cause on the chain, so
// errors.Is matches ErrOracleFailure and still reaches e.Err (e.g.
// context.DeadlineExceeded).
func (e *OracleError) Unwrap() error {
	if e.Err != nil {
		return errors.Join(ErrOracleFailure, e.Err)
	}
	return ErrOracleFailure
}

func shortFingerprint(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}

// Decode converts a loosely-typed oracle payload (e.g. parsed JSON) into a
// validated MappingDecision.
func Decode(payload map[string]any) (*MappingDecision, error) {
	var d MappingDecision
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &d,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, fmt.Errorf("build decision decoder: %w", err)
	}
	if err := dec.Decode(payload); err != nil {
		return nil, fmt.Errorf("decode mapping decision: %w", err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// Validate checks the decision is internally usable.
func (d *MappingDecision) Validate() error {
	switch d.Strategy {
	case StrategyNewTable, StrategyMergeExisting, StrategyExtendTable, StrategyAdaptSchema:
	default:
		return fmt.Errorf("unknown mapping strategy %q", d.Strategy)
	}
	if strings.TrimSpace(d.TargetTable) == "" {
		return errors.New("mapping decision has no target table")
	}
	return nil
}

// MergeInto rewrites a decision to merge into a concrete destination table,
// used when execution (or a sibling worker) has already settled the table a
// fingerprint belongs to.
func (d *MappingDecision) MergeInto(table string) *MappingDecision {
	out := *d
	out.Strategy = StrategyMergeExisting
	out.TargetTable = table
	return &out
}
