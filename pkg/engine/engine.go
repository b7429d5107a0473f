// Package engine is the Engine Adapter (component D): a thin typed
// wrapper over an embedded analytic engine opened per table file, used by
// every component that needs DDL, DML, COPY, or read_parquet access to a
// table's data file. Grounded in original_source/duckdb-api-service/src/database.py,
// which opens one DuckDB connection per request against a file path; this
// adapter does the same via database/sql and the go-duckdb driver.
package engine

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/marcboeker/go-duckdb"
)

// relationName is the fixed intra-file name every table file holds its
// single logical relation under (§4.1).
const relationName = "data"

// Conn is one open connection against a single table file.
type Conn struct {
	db *sql.DB
}

// Options configures the embedded engine process-wide resource hints
// (§6 engine thread count / memory hint).
type Options struct {
	Threads     int
	MemoryLimit string
}

// Open opens path (creating it if absent) as a DuckDB database file and
// applies the configured resource hints.
func Open(ctx context.Context, path string, opts Options) (*Conn, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("engine: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // one writer per table file; concurrency is handled by pkg/tablelock

	if opts.Threads > 0 {
		if _, err := db.ExecContext(ctx, fmt.Sprintf("SET threads=%d", opts.Threads)); err != nil {
			db.Close()
			return nil, fmt.Errorf("engine: set threads: %w", err)
		}
	}
	if opts.MemoryLimit != "" {
		if _, err := db.ExecContext(ctx, fmt.Sprintf("SET memory_limit='%s'", opts.MemoryLimit)); err != nil {
			db.Close()
			return nil, fmt.Errorf("engine: set memory_limit: %w", err)
		}
	}

	return &Conn{db: db}, nil
}

func (c *Conn) Close() error { return c.db.Close() }

// ColumnDef mirrors types.Column for DDL statement construction without
// importing pkg/types (keeping the engine adapter a leaf package).
type ColumnDef struct {
	Name     string
	Type     string
	Nullable bool
}

// CreateTable issues CREATE TABLE for the fixed relation name, with an
// optional primary key constraint.
func (c *Conn) CreateTable(ctx context.Context, columns []ColumnDef, primaryKey []string) error {
	stmt := buildCreateTable(relationName, columns, primaryKey)
	_, err := c.db.ExecContext(ctx, stmt)
	return err
}

func buildCreateTable(name string, columns []ColumnDef, primaryKey []string) string {
	stmt := fmt.Sprintf("CREATE TABLE %s (", quoteIdent(name))
	for i, col := range columns {
		if i > 0 {
			stmt += ", "
		}
		stmt += fmt.Sprintf("%s %s", quoteIdent(col.Name), col.Type)
		if !col.Nullable {
			stmt += " NOT NULL"
		}
	}
	if len(primaryKey) > 0 {
		stmt += ", PRIMARY KEY ("
		for i, k := range primaryKey {
			if i > 0 {
				stmt += ", "
			}
			stmt += quoteIdent(k)
		}
		stmt += ")"
	}
	stmt += ")"
	return stmt
}

func quoteIdent(s string) string {
	return `"` + s + `"`
}

// RowCount returns the current row count of the relation.
func (c *Conn) RowCount(ctx context.Context) (int64, error) {
	var n int64
	err := c.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", quoteIdent(relationName))).Scan(&n)
	return n, err
}

// RelationRowCount returns relation's current row count. Unlike RowCount,
// relation need not be the fixed data relation, letting a caller count a
// staging relation before it merges into the table proper.
func (c *Conn) RelationRowCount(ctx context.Context, relation string) (int64, error) {
	var n int64
	err := c.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", quoteIdent(relation))).Scan(&n)
	return n, err
}

// Preview returns column names, up to n rows, and the total row count.
func (c *Conn) Preview(ctx context.Context, n int) (columns []string, rows [][]any, total int64, err error) {
	total, err = c.RowCount(ctx)
	if err != nil {
		return nil, nil, 0, err
	}

	rs, err := c.db.QueryContext(ctx, fmt.Sprintf("SELECT * FROM %s LIMIT %d", quoteIdent(relationName), n))
	if err != nil {
		return nil, nil, 0, err
	}
	defer rs.Close()

	columns, err = rs.Columns()
	if err != nil {
		return nil, nil, 0, err
	}

	for rs.Next() {
		vals := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rs.Scan(ptrs...); err != nil {
			return nil, nil, 0, err
		}
		rows = append(rows, vals)
	}
	return columns, rows, total, rs.Err()
}

// TruncateAll deletes every row without dropping the relation.
func (c *Conn) TruncateAll(ctx context.Context) error {
	_, err := c.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", quoteIdent(relationName)))
	return err
}

// DropRelation drops the relation entirely (used before a restore's
// CREATE OR REPLACE, and ahead of a table file's deletion).
func (c *Conn) DropRelation(ctx context.Context) error {
	_, err := c.db.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", quoteIdent(relationName)))
	return err
}

// DropColumn drops one column from the relation.
func (c *Conn) DropColumn(ctx context.Context, column string) error {
	_, err := c.db.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s", quoteIdent(relationName), quoteIdent(column)))
	return err
}

// Exec runs an arbitrary statement against the open connection; used by
// the import/export pipeline's STAGE/TRANSFORM/CLEANUP steps, which need
// statements this adapter does not special-case individually.
func (c *Conn) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.db.ExecContext(ctx, query, args...)
}

// Query runs an arbitrary read query.
func (c *Conn) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.db.QueryContext(ctx, query, args...)
}

// CopyFromCSV bulk-loads a CSV file into the staging relation using the
// engine's native loader.
func (c *Conn) CopyFromCSV(ctx context.Context, relation, path string, delimiter, quote, escape string, header bool, nullString string) error {
	stmt := fmt.Sprintf(
		"COPY %s FROM '%s' (FORMAT CSV, DELIM '%s', QUOTE '%s', ESCAPE '%s', HEADER %t, NULLSTR '%s')",
		quoteIdent(relation), path, delimiter, quote, escape, header, nullString,
	)
	_, err := c.db.ExecContext(ctx, stmt)
	return err
}

// CopyFromParquet bulk-loads a parquet file into the staging relation.
func (c *Conn) CopyFromParquet(ctx context.Context, relation, path string) error {
	stmt := fmt.Sprintf("INSERT INTO %s SELECT * FROM read_parquet('%s')", quoteIdent(relation), path)
	_, err := c.db.ExecContext(ctx, stmt)
	return err
}

// CopyToFile exports the relation to a file in the given format
// ("csv"/"parquet"). No compression option is passed to the engine.
func (c *Conn) CopyToFile(ctx context.Context, relation, path, format string) error {
	var opts string
	switch format {
	case "parquet":
		opts = "(FORMAT PARQUET)"
	default:
		opts = "(FORMAT CSV, HEADER)"
	}
	stmt := fmt.Sprintf("COPY %s TO '%s' %s", quoteIdent(relation), path, opts)
	_, err := c.db.ExecContext(ctx, stmt)
	return err
}

// CreateStagingRelation creates a transient relation mirroring the
// target's column list (§4.5 STAGE step).
func (c *Conn) CreateStagingRelation(ctx context.Context, name string, columns []ColumnDef) error {
	stmt := buildCreateTable(name, columns, nil)
	_, err := c.db.ExecContext(ctx, stmt)
	return err
}

// DropStagingRelation drops the transient staging relation (§4.5 CLEANUP).
func (c *Conn) DropStagingRelation(ctx context.Context, name string) error {
	_, err := c.db.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", quoteIdent(name)))
	return err
}

// InsertSelectAll inserts every row of src into the fixed relation
// verbatim (no-primary-key import path, §4.5 TRANSFORM step).
func (c *Conn) InsertSelectAll(ctx context.Context, src string) error {
	stmt := fmt.Sprintf("INSERT INTO %s SELECT * FROM %s", quoteIdent(relationName), quoteIdent(src))
	_, err := c.db.ExecContext(ctx, stmt)
	return err
}

// UpsertFrom inserts src's rows into the fixed relation, updating all
// non-primary-key columns on a primary-key conflict (update_duplicates
// dedup mode).
func (c *Conn) UpsertFrom(ctx context.Context, src string, allColumns, primaryKey []string) error {
	var nonPK []string
	pkSet := map[string]bool{}
	for _, k := range primaryKey {
		pkSet[k] = true
	}
	for _, c := range allColumns {
		if !pkSet[c] {
			nonPK = append(nonPK, c)
		}
	}

	stmt := fmt.Sprintf("INSERT INTO %s SELECT * FROM %s ON CONFLICT (", quoteIdent(relationName), quoteIdent(src))
	for i, k := range primaryKey {
		if i > 0 {
			stmt += ", "
		}
		stmt += quoteIdent(k)
	}
	stmt += ") DO "
	if len(nonPK) == 0 {
		stmt += "NOTHING"
	} else {
		stmt += "UPDATE SET "
		for i, col := range nonPK {
			if i > 0 {
				stmt += ", "
			}
			stmt += fmt.Sprintf("%s = EXCLUDED.%s", quoteIdent(col), quoteIdent(col))
		}
	}
	_, err := c.db.ExecContext(ctx, stmt)
	return err
}

// ApplyPrimaryKey re-applies a primary key constraint after a snapshot
// restore's CREATE OR REPLACE, which does not carry constraints forward.
func (c *Conn) ApplyPrimaryKey(ctx context.Context, primaryKey []string) error {
	if len(primaryKey) == 0 {
		return nil
	}
	stmt := fmt.Sprintf("ALTER TABLE %s ADD PRIMARY KEY (", quoteIdent(relationName))
	for i, k := range primaryKey {
		if i > 0 {
			stmt += ", "
		}
		stmt += quoteIdent(k)
	}
	stmt += ")"
	_, err := c.db.ExecContext(ctx, stmt)
	return err
}

// CreateOrReplaceFromFile restores the fixed relation from a snapshot's
// exported data file (§4.4 Restore).
func (c *Conn) CreateOrReplaceFromFile(ctx context.Context, path, format string) error {
	var source string
	switch format {
	case "parquet":
		source = fmt.Sprintf("read_parquet('%s')", path)
	default:
		source = fmt.Sprintf("read_csv('%s', header=true)", path)
	}
	stmt := fmt.Sprintf("CREATE OR REPLACE TABLE %s AS SELECT * FROM %s", quoteIdent(relationName), source)
	_, err := c.db.ExecContext(ctx, stmt)
	return err
}
