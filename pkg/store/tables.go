package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
)

// HasTable reports whether a destination table exists.
func HasTable(ctx context.Context, db *sql.DB, name string) (bool, error) {
	norm, err := NormalizeIdentifier(name)
	if err != nil {
		return false, err
	}

	var found string
	err = db.QueryRowContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`,
		norm).Scan(&found)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check table %q: %w", norm, err)
	}
	return true, nil
}

// CreateTable creates a destination table with the given columns plus the
// reserved run tag column. All data columns are TEXT: source values come
// from flat tabular records and arrive as scalars.
func CreateTable(ctx context.Context, db *sql.DB, name string, columns []string) (string, error) {
	norm, err := NormalizeIdentifier(name)
	if err != nil {
		return "", err
	}
	cols, err := normalizeColumns(columns)
	if err != nil {
		return "", err
	}

	defs := make([]string, 0, len(cols)+1)
	for _, col := range cols {
		defs = append(defs, quoteIdent(col)+" TEXT")
	}
	defs = append(defs, quoteIdent(RunTagColumn)+" TEXT")

	stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)",
		quoteIdent(norm), strings.Join(defs, ", "))
	if _, err := db.ExecContext(ctx, stmt); err != nil {
		return "", fmt.Errorf("create table %q: %w", norm, err)
	}
	return norm, nil
}

// Columns returns the data columns of a destination table in declaration
// order. The run tag column is excluded.
func Columns(ctx context.Context, db *sql.DB, name string) ([]string, error) {
	norm, err := NormalizeIdentifier(name)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx,
		fmt.Sprintf("PRAGMA table_info(%s)", quoteIdent(norm)))
	if err != nil {
		return nil, fmt.Errorf("introspect table %q: %w", norm, err)
	}
	defer func() { _ = rows.Close() }()

	var cols []string
	for rows.Next() {
		var (
			cid        int
			colName    string
			colType    string
			notNull    int
			dfltValue  sql.NullString
			primaryKey int
		)
		if err := rows.Scan(&cid, &colName, &colType, &notNull, &dfltValue, &primaryKey); err != nil {
			return nil, fmt.Errorf("scan table_info: %w", err)
		}
		if colName == RunTagColumn {
			continue
		}
		cols = append(cols, colName)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("introspect table %q: %w", norm, err)
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, norm)
	}
	return cols, nil
}

// EnsureColumns adds any missing columns to an existing destination table.
// Used by the extend/adapt mapping strategies.
func EnsureColumns(ctx context.Context, db *sql.DB, name string, columns []string) error {
	norm, err := NormalizeIdentifier(name)
	if err != nil {
		return err
	}
	wanted, err := normalizeColumns(columns)
	if err != nil {
		return err
	}

	existing, err := Columns(ctx, db, norm)
	if err != nil {
		return err
	}
	have := make(map[string]struct{}, len(existing))
	for _, col := range existing {
		have[col] = struct{}{}
	}

	for _, col := range wanted {
		if _, ok := have[col]; ok {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s TEXT",
			quoteIdent(norm), quoteIdent(col))
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("add column %q to %q: %w", col, norm, err)
		}
	}
	return nil
}

// InsertRows inserts records into a destination table, stamping each with
// the run tag. Returns the number of rows inserted.
func InsertRows(ctx context.Context, db *sql.DB, name string, records []map[string]any, runID string) (int, error) {
	norm, err := NormalizeIdentifier(name)
	if err != nil {
		return 0, err
	}

	inserted := 0
	for i, record := range records {
		cols := make([]string, 0, len(record)+1)
		args := make([]any, 0, len(record)+1)
		for _, key := range sortedKeys(record) {
			col, err := NormalizeIdentifier(key)
			if err != nil {
				return inserted, fmt.Errorf("record %d: %w", i, err)
			}
			cols = append(cols, quoteIdent(col))
			args = append(args, record[key])
		}
		cols = append(cols, quoteIdent(RunTagColumn))
		args = append(args, runID)

		stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
			quoteIdent(norm),
			strings.Join(cols, ", "),
			placeholders(len(cols)))
		if _, err := db.ExecContext(ctx, stmt, args...); err != nil {
			return inserted, fmt.Errorf("insert into %q: %w", norm, err)
		}
		inserted++
	}
	return inserted, nil
}

// FindRow looks up the first row matching the predicate (column = value for
// every entry). Returns the sqlite rowid and the row's data columns.
func FindRow(ctx context.Context, db *sql.DB, name string, predicate map[string]any) (int64, map[string]any, error) {
	norm, err := NormalizeIdentifier(name)
	if err != nil {
		return 0, nil, err
	}
	if len(predicate) == 0 {
		return 0, nil, fmt.Errorf("empty predicate for table %q", norm)
	}

	conds := make([]string, 0, len(predicate))
	args := make([]any, 0, len(predicate))
	for _, key := range sortedKeys(predicate) {
		col, err := NormalizeIdentifier(key)
		if err != nil {
			return 0, nil, err
		}
		conds = append(conds, quoteIdent(col)+" = ?")
		args = append(args, predicate[key])
	}

	stmt := fmt.Sprintf("SELECT rowid, * FROM %s WHERE %s LIMIT 1",
		quoteIdent(norm), strings.Join(conds, " AND "))
	rows, err := db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return 0, nil, fmt.Errorf("query %q: %w", norm, err)
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return 0, nil, fmt.Errorf("query %q: %w", norm, err)
		}
		return 0, nil, fmt.Errorf("%w: table %s", ErrRowNotFound, norm)
	}

	rowID, values, err := scanRowWithID(rows)
	if err != nil {
		return 0, nil, err
	}
	return rowID, values, nil
}

// RowByID fetches a row by its sqlite rowid.
func RowByID(ctx context.Context, db *sql.DB, name string, rowID int64) (map[string]any, error) {
	norm, err := NormalizeIdentifier(name)
	if err != nil {
		return nil, err
	}

	stmt := fmt.Sprintf("SELECT rowid, * FROM %s WHERE rowid = ?", quoteIdent(norm))
	rows, err := db.QueryContext(ctx, stmt, rowID)
	if err != nil {
		return nil, fmt.Errorf("query %q: %w", norm, err)
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("query %q: %w", norm, err)
		}
		return nil, fmt.Errorf("%w: table %s rowid %d", ErrRowNotFound, norm, rowID)
	}

	_, values, err := scanRowWithID(rows)
	if err != nil {
		return nil, err
	}
	return values, nil
}

// UpdateRow applies column values to a single row by rowid.
func UpdateRow(ctx context.Context, db *sql.DB, name string, rowID int64, values map[string]any) error {
	norm, err := NormalizeIdentifier(name)
	if err != nil {
		return err
	}
	if len(values) == 0 {
		return nil
	}

	sets := make([]string, 0, len(values))
	args := make([]any, 0, len(values)+1)
	for _, key := range sortedKeys(values) {
		col, err := NormalizeIdentifier(key)
		if err != nil {
			return err
		}
		sets = append(sets, quoteIdent(col)+" = ?")
		args = append(args, values[key])
	}
	args = append(args, rowID)

	stmt := fmt.Sprintf("UPDATE %s SET %s WHERE rowid = ?",
		quoteIdent(norm), strings.Join(sets, ", "))
	res, err := db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return fmt.Errorf("update %q: %w", norm, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update %q: %w", norm, err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: table %s rowid %d", ErrRowNotFound, norm, rowID)
	}
	return nil
}

// scanRowWithID scans the current row of a "SELECT rowid, *" result into a
// rowid plus a column → value map. Values come back as strings (all data
// columns are TEXT); NULLs map to nil.
func scanRowWithID(rows *sql.Rows) (int64, map[string]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return 0, nil, fmt.Errorf("row columns: %w", err)
	}

	var rowID int64
	scans := make([]any, len(cols))
	holders := make([]sql.NullString, len(cols))
	for i := range cols {
		if i == 0 {
			scans[i] = &rowID
			continue
		}
		scans[i] = &holders[i]
	}

	if err := rows.Scan(scans...); err != nil {
		return 0, nil, fmt.Errorf("scan row: %w", err)
	}

	values := make(map[string]any, len(cols)-1)
	for i := 1; i < len(cols); i++ {
		if holders[i].Valid {
			values[cols[i]] = holders[i].String
		} else {
			values[cols[i]] = nil
		}
	}
	return rowID, values, nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}
