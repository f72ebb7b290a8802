package batch

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dataloft/tabflow/pkg/jobs"
)

// Summary accumulates the per-entry results of one batch into the totals
// reported on the job record.
type Summary struct {
	Total             int
	Processed         int
	Failed            int
	Skipped           int
	RowsInserted      int
	DuplicatesSkipped int
	ValidationErrors  int
	MappingErrors     int

	tables   map[string]int
	failures []string
}

func newSummary(total int) *Summary {
	return &Summary{
		Total:  total,
		tables: make(map[string]int),
	}
}

func (s *Summary) add(result jobs.EntryResult) {
	switch result.Status {
	case jobs.EntryProcessed:
		s.Processed++
	case jobs.EntrySkipped:
		s.Skipped++
	default:
		s.Failed++
		s.failures = append(s.failures, fmt.Sprintf("%s: %s", result.EntryPath, result.Message))
	}

	s.RowsInserted += result.RowsProcessed
	s.DuplicatesSkipped += result.DuplicatesSkipped
	s.ValidationErrors += result.ValidationErrors
	s.MappingErrors += result.MappingErrors
	if result.DestinationTable != "" {
		s.tables[result.DestinationTable] += result.RowsProcessed
	}
}

// metadata renders the summary for the job's result_metadata blob.
func (s *Summary) metadata() map[string]any {
	md := map[string]any{
		"total_entries":      s.Total,
		"processed":          s.Processed,
		"failed":             s.Failed,
		"skipped":            s.Skipped,
		"rows_inserted":      s.RowsInserted,
		"duplicates_skipped": s.DuplicatesSkipped,
	}
	if s.ValidationErrors > 0 {
		md["validation_errors"] = s.ValidationErrors
	}
	if s.MappingErrors > 0 {
		md["mapping_errors"] = s.MappingErrors
	}
	if len(s.tables) > 0 {
		md["destination_tables"] = s.tableNames()
	}
	if len(s.failures) > 0 {
		md["failures"] = s.failures
	}
	return md
}

// primaryTable is the destination that received the most rows, used when a
// single table must represent the batch on the source-file record.
func (s *Summary) primaryTable() string {
	var best string
	bestRows := -1
	for _, table := range s.tableNames() {
		if rows := s.tables[table]; rows > bestRows {
			best, bestRows = table, rows
		}
	}
	return best
}

func (s *Summary) failureMessage() string {
	if len(s.failures) == 0 {
		return ""
	}
	const maxListed = 3
	listed := s.failures
	if len(listed) > maxListed {
		listed = listed[:maxListed]
	}
	msg := fmt.Sprintf("%d of %d entries failed: %s", s.Failed, s.Total, strings.Join(listed, "; "))
	if len(s.failures) > maxListed {
		msg += fmt.Sprintf(" (and %d more)", len(s.failures)-maxListed)
	}
	return msg
}

func (s *Summary) tableNames() []string {
	names := make([]string, 0, len(s.tables))
	for name := range s.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
