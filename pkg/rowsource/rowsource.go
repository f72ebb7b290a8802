// Package rowsource turns delimiter-separated source files into the
// column-keyed records an import batch consumes.
package rowsource

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Errors returned by row sources.
var (
	// ErrEmptySource means the source contained no usable rows at all.
	ErrEmptySource = errors.New("source is empty")

	// ErrTooManyRows means the source exceeded the configured row cap.
	ErrTooManyRows = errors.New("source exceeds row limit")
)

// Options configures parsing of one delimiter-separated source.
type Options struct {
	// Delimiter is the field separator. Zero means derive from the file
	// extension (.tsv → tab) with comma as the fallback.
	Delimiter rune

	// NoHeader treats the first row as data; columns are then named
	// positionally (column_1, column_2, ...).
	NoHeader bool

	// MaxRows caps how many data rows are read; 0 means unlimited.
	// Exceeding the cap is an error, not a silent truncation.
	MaxRows int
}

// Reader parses delimiter-separated data from an io.Reader.
type Reader struct {
	r    io.Reader
	name string
	opts Options
}

// NewReader wraps an in-memory or streamed source. The name is only used
// for delimiter sniffing and error context.
func NewReader(r io.Reader, name string, opts Options) *Reader {
	return &Reader{r: r, name: name, opts: opts}
}

// Rows parses the whole source into columns and records.
//
// Header cells are trimmed; blank header cells and duplicate names get
// positional suffixes so every column keys a distinct record field. Rows
// that are entirely empty are skipped. Short rows leave their missing
// trailing fields unset rather than erroring.
func (s *Reader) Rows(ctx context.Context) ([]string, []map[string]any, error) {
	cr := csv.NewReader(s.r)
	cr.Comma = s.delimiter()
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	var (
		columns []string
		records []map[string]any
		rowNum  int
	)

	for {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("parse %s row %d: %w", s.name, rowNum+1, err)
		}
		rowNum++

		if emptyRow(row) {
			continue
		}

		if columns == nil {
			if s.opts.NoHeader {
				columns = positionalColumns(len(row))
			} else {
				columns = headerColumns(row)
				continue
			}
		}

		if s.opts.MaxRows > 0 && len(records) >= s.opts.MaxRows {
			return nil, nil, fmt.Errorf("%w: %s has more than %d rows", ErrTooManyRows, s.name, s.opts.MaxRows)
		}

		record := make(map[string]any, len(columns))
		for i, col := range columns {
			if i >= len(row) {
				break
			}
			record[col] = strings.TrimSpace(row[i])
		}
		records = append(records, record)
	}

	if columns == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrEmptySource, s.name)
	}
	return columns, records, nil
}

func (s *Reader) delimiter() rune {
	if s.opts.Delimiter != 0 {
		return s.opts.Delimiter
	}
	if strings.EqualFold(filepath.Ext(s.name), ".tsv") {
		return '\t'
	}
	return ','
}

// File parses a delimiter-separated file from the local filesystem,
// opened lazily on each Rows call so a resumed batch re-reads fresh.
type File struct {
	Path string
	Opts Options
}

func (f *File) Rows(ctx context.Context) ([]string, []map[string]any, error) {
	fh, err := os.Open(f.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("open source file: %w", err)
	}
	defer fh.Close()

	return NewReader(fh, filepath.Base(f.Path), f.Opts).Rows(ctx)
}

// headerColumns cleans a header row into distinct column names.
func headerColumns(row []string) []string {
	seen := make(map[string]int, len(row))
	columns := make([]string, len(row))
	for i, cell := range row {
		name := strings.TrimSpace(cell)
		if name == "" {
			name = fmt.Sprintf("column_%d", i+1)
		}
		key := strings.ToLower(name)
		if n := seen[key]; n > 0 {
			name = fmt.Sprintf("%s_%d", name, n+1)
		}
		seen[key]++
		columns[i] = name
	}
	return columns
}

func positionalColumns(n int) []string {
	columns := make([]string, n)
	for i := range columns {
		columns[i] = fmt.Sprintf("column_%d", i+1)
	}
	return columns
}

func emptyRow(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}
