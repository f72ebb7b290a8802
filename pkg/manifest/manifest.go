// Package manifest provides loading and validation of tabflow batch
// manifests.
//
// A batch manifest is a YAML or JSON file that configures one import run:
// where uploaded files live, which entries to offer the batch, and how the
// import pool behaves.
//
// Manifests are validated against a JSON Schema to ensure correctness before
// execution. The schema enforces strict typing and disallows unknown
// properties.
//
// Example manifest (YAML):
//
//	version: "1.0"
//	source:
//	  store: local
//	  path: ./uploads
//	match:
//	  includes:
//	    - "**/*.csv"
//	  excludes:
//	    - "**/_scratch/**"
//	import:
//	  workers: 4
//	output:
//	  destination: stdout
//	  progress: true
package manifest

// Manifest represents a validated batch manifest.
//
// Required fields are Version and Source. Match, Import, and Output are
// optional with sensible defaults.
type Manifest struct {
	// Schema is an optional JSON Schema reference for editor support.
	Schema string `json:"$schema,omitempty" yaml:"$schema,omitempty"`

	// Version is the manifest schema version. Must be "1.0".
	Version string `json:"version" yaml:"version"`

	// Source configures where uploaded batch files are fetched from.
	Source SourceConfig `json:"source" yaml:"source"`

	// Match configures entry filtering by glob patterns (optional).
	Match MatchConfig `json:"match,omitempty" yaml:"match,omitempty"`

	// Import configures batch behavior (optional).
	Import ImportConfig `json:"import,omitempty" yaml:"import,omitempty"`

	// Output configures reporting destination and format (optional).
	Output OutputConfig `json:"output,omitempty" yaml:"output,omitempty"`
}

// SourceConfig configures the upload store backing a batch.
type SourceConfig struct {
	// Store is the backend kind: "local" or "s3".
	Store string `json:"store" yaml:"store"`

	// Path is the root directory for the local store.
	Path string `json:"path,omitempty" yaml:"path,omitempty"`

	// Bucket is the bucket name for the s3 store.
	Bucket string `json:"bucket,omitempty" yaml:"bucket,omitempty"`

	// Region is the AWS region (e.g., "us-east-1"). Optional.
	Region string `json:"region,omitempty" yaml:"region,omitempty"`

	// Endpoint is a custom endpoint URL for S3-compatible storage. Optional.
	// Example: "https://s3.wasabisys.com"
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`

	// Profile is the AWS credential profile name. Optional.
	Profile string `json:"profile,omitempty" yaml:"profile,omitempty"`

	// Prefix scopes every key under a bucket prefix. Optional.
	Prefix string `json:"prefix,omitempty" yaml:"prefix,omitempty"`
}

// MatchConfig configures entry filtering by glob patterns and metadata
// filters.
type MatchConfig struct {
	// Includes is a list of glob patterns for entries to include.
	// Empty means every entry is a candidate.
	Includes []string `json:"includes,omitempty" yaml:"includes,omitempty"`

	// Excludes is a list of glob patterns for entries to exclude. Optional.
	Excludes []string `json:"excludes,omitempty" yaml:"excludes,omitempty"`

	// Extensions restricts entries to the given file extensions. Optional.
	Extensions []string `json:"extensions,omitempty" yaml:"extensions,omitempty"`

	// IncludeHidden includes hidden entries (starting with .). Default: false.
	IncludeHidden bool `json:"include_hidden,omitempty" yaml:"include_hidden,omitempty"`

	// Filters specifies additional metadata-based filters. Optional.
	// Filters are applied after glob pattern matching with AND semantics.
	Filters *FilterConfig `json:"filters,omitempty" yaml:"filters,omitempty"`
}

// FilterConfig specifies metadata-based entry filters.
// All filters are optional and compose with AND semantics.
type FilterConfig struct {
	// Size specifies min/max size constraints.
	// Supports human-readable values: "1KB", "100MiB", "1GB".
	Size *SizeFilterConfig `json:"size,omitempty" yaml:"size,omitempty"`

	// Modified specifies last-modified date range constraints.
	// Dates are in ISO 8601 format: "2024-01-15" or "2024-01-15T10:30:00Z".
	Modified *DateFilterConfig `json:"modified,omitempty" yaml:"modified,omitempty"`

	// PathRegex is a regex pattern applied to entry paths after glob
	// matching. Use for patterns not expressible with globs, e.g.,
	// "sales_\\d{4}".
	PathRegex string `json:"path_regex,omitempty" yaml:"path_regex,omitempty"`
}

// SizeFilterConfig specifies size constraints.
type SizeFilterConfig struct {
	// Min is the minimum size (inclusive).
	// Supports: raw bytes "1024", base-10 "1KB", base-2 "1KiB".
	Min string `json:"min,omitempty" yaml:"min,omitempty"`

	// Max is the maximum size (inclusive).
	Max string `json:"max,omitempty" yaml:"max,omitempty"`
}

// DateFilterConfig specifies date range constraints.
type DateFilterConfig struct {
	// After filters to entries modified at or after this time (inclusive).
	After string `json:"after,omitempty" yaml:"after,omitempty"`

	// Before filters to entries modified before this time (exclusive end).
	Before string `json:"before,omitempty" yaml:"before,omitempty"`
}

// ImportConfig configures batch behavior.
//
// All fields are optional with sensible defaults applied during loading.
type ImportConfig struct {
	// Workers is the number of concurrent entry workers.
	// Range: 1-32. Default: 4.
	Workers int `json:"workers,omitempty" yaml:"workers,omitempty"`

	// OracleRate is the maximum mapping-oracle calls per second
	// (0 = unlimited). Default: 0.
	OracleRate float64 `json:"oracle_rate,omitempty" yaml:"oracle_rate,omitempty"`

	// NoHeader treats the first row of every entry as data.
	// Default: false (first row is the header).
	NoHeader bool `json:"no_header,omitempty" yaml:"no_header,omitempty"`

	// MaxRows caps how many data rows one entry may carry (0 = unlimited).
	MaxRows int `json:"max_rows,omitempty" yaml:"max_rows,omitempty"`

	// Decision configures how workers wait on shared mapping decisions.
	Decision DecisionConfig `json:"decision,omitempty" yaml:"decision,omitempty"`
}

// DecisionConfig controls how long a worker waits for a sibling's mapping
// decision before acting on its own.
//
// Values are schema-validated.
type DecisionConfig struct {
	// WaitBaseSeconds is the base wait before giving up on a sibling.
	WaitBaseSeconds int `json:"wait_base_seconds,omitempty" yaml:"wait_base_seconds,omitempty"`

	// WaitPerColumnMillis adds per-column headroom for wide files.
	WaitPerColumnMillis int `json:"wait_per_column_millis,omitempty" yaml:"wait_per_column_millis,omitempty"`

	// WaitMaxSeconds caps the total wait regardless of column count.
	WaitMaxSeconds int `json:"wait_max_seconds,omitempty" yaml:"wait_max_seconds,omitempty"`

	// Fallback is what a timed-out waiter does: "independent" calls the
	// oracle itself, "fail" marks the entry failed.
	Fallback string `json:"fallback,omitempty" yaml:"fallback,omitempty"`
}

// OutputConfig configures reporting destination and format.
//
// All fields are optional with sensible defaults applied during loading.
type OutputConfig struct {
	// Destination is the output target.
	// Values: "stdout" or "file:/path/to/output.jsonl"
	// Default: "stdout".
	Destination string `json:"destination,omitempty" yaml:"destination,omitempty"`

	// Progress enables progress record emission during import.
	// Default: true.
	Progress *bool `json:"progress,omitempty" yaml:"progress,omitempty"`
}

// Default values for optional configuration fields.
const (
	// DefaultVersion is the current manifest schema version.
	DefaultVersion = "1.0"

	// DefaultWorkers is the default number of concurrent entry workers.
	DefaultWorkers = 4

	// DefaultOracleRate is the default oracle rate limit (0 = unlimited).
	DefaultOracleRate = 0.0

	// DefaultDestination is the default output destination.
	DefaultDestination = "stdout"

	// DefaultProgress is the default value for progress emission.
	DefaultProgress = true

	// DefaultFallback is the default timed-out-waiter behavior.
	DefaultFallback = "independent"
)

// ApplyDefaults fills in default values for optional fields.
//
// This should be called after loading and validating the manifest to ensure
// all optional fields have sensible values.
func (m *Manifest) ApplyDefaults() {
	if m.Import.Workers == 0 {
		m.Import.Workers = DefaultWorkers
	}
	// OracleRate: 0 is a valid value (unlimited), so no default needed

	if m.Import.Decision.Fallback == "" {
		m.Import.Decision.Fallback = DefaultFallback
	}

	if m.Output.Destination == "" {
		m.Output.Destination = DefaultDestination
	}
	if m.Output.Progress == nil {
		defaultProgress := DefaultProgress
		m.Output.Progress = &defaultProgress
	}
}

// ProgressEnabled returns whether progress records should be emitted.
// Returns the configured value, or DefaultProgress if not set.
func (o *OutputConfig) ProgressEnabled() bool {
	if o.Progress == nil {
		return DefaultProgress
	}
	return *o.Progress
}
