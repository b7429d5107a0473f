// Package importexport implements the Import/Export Pipeline (§4.5): a
// three-stage (STAGE / TRANSFORM / CLEANUP) load of an uploaded file into
// a table under that table's write lock, and the symmetric export of a
// table's contents back out to a file. Grounded on
// original_source/duckdb-api-service/src/database.py's import/export
// endpoints, which drive the same staging-relation dance against DuckDB.
package importexport

import (
	"context"
	"fmt"
	"time"

	"github.com/keboola/storage-duckdb/pkg/apierr"
	"github.com/keboola/storage-duckdb/pkg/catalog"
	"github.com/keboola/storage-duckdb/pkg/engine"
	"github.com/keboola/storage-duckdb/pkg/layout"
	"github.com/keboola/storage-duckdb/pkg/snapshot"
	"github.com/keboola/storage-duckdb/pkg/tablelock"
	"github.com/keboola/storage-duckdb/pkg/types"
)

// DedupMode selects how an import reconciles rows that collide on the
// target table's primary key.
type DedupMode string

const (
	// UpdateDuplicates overwrites the existing row's non-key columns.
	UpdateDuplicates DedupMode = "update_duplicates"
	// FailOnDuplicates aborts the whole import if any collision is found.
	FailOnDuplicates DedupMode = "fail_on_duplicates"
	// InsertDuplicates inserts every row with a plain INSERT and no conflict
	// handling; on a table with a primary key a collision fails the import.
	InsertDuplicates DedupMode = "insert_duplicates"
)

const relationName = "data" // mirrors engine's fixed relation name

// ImportOptions configures one import run.
type ImportOptions struct {
	SourcePath  string // CSV or parquet file already on local disk
	Format      string // "csv" or "parquet"
	Delimiter   string
	Quote       string
	Escape      string
	Header      bool
	NullString  string
	Dedup       DedupMode
	Incremental bool // merge into existing rows rather than replacing them
}

// ImportResult reports the Observables an import run must surface: how
// many rows the run actually contributed, the table's row count and
// on-disk size afterward, and any non-fatal warnings raised along the way.
type ImportResult struct {
	ImportedRows   int64
	TableRowsAfter int64
	TableSizeBytes int64
	Warnings       []string
}

// ExportOptions configures one export run.
type ExportOptions struct {
	Format   string // "csv" or "parquet"
	Columns  []string
	Limit    int
	Filter   string // a WHERE-clause fragment; see FilterDenylist
	DestPath string
}

// FilterDenylist rejects export filters containing, as a case-insensitive
// substring, a SQL keyword that would turn a supposed read-only predicate
// into a mutation, a statement terminator, or a comment marker. It is a
// coarse substring check, not a SQL parser, and the last safety net before
// a caller-supplied filter reaches the engine.
var FilterDenylist = []string{
	"INSERT", "UPDATE", "DELETE", "DROP", "ALTER", "CREATE", "ATTACH",
	"COPY", "PRAGMA", "EXEC", "TRUNCATE", ";", "--", "/*",
}

// Pipeline runs imports and exports; the branch argument selects main
// (types.MainBranchID or empty) or a dev branch's table file.
type Pipeline struct {
	layout     *layout.Layout
	cat        *catalog.Catalog
	locks      *tablelock.Registry
	snapshots  *snapshot.Manager
	engineOpts engine.Options
}

func New(l *layout.Layout, cat *catalog.Catalog, locks *tablelock.Registry, snapshots *snapshot.Manager, opts engine.Options) *Pipeline {
	return &Pipeline{layout: l, cat: cat, locks: locks, snapshots: snapshots, engineOpts: opts}
}

// Import loads opts.SourcePath into (project, branch, bucket, table)
// under the table's write lock, via a staging relation (STAGE), a
// dedup-aware merge into the real relation (TRANSFORM), and staging
// relation teardown (CLEANUP). When opts.Incremental is false the
// target's existing rows are deleted before the merge, so the table ends
// up holding exactly what was imported.
func (p *Pipeline) Import(ctx context.Context, project, branch, bucket, table string, opts ImportOptions) (*ImportResult, error) {
	key := tablelock.Key{Project: project, Bucket: bucket, Table: table}
	if branch != "" && branch != types.MainBranchID {
		key.Bucket = branch + "/" + bucket
	}
	acq, err := p.locks.Acquire(ctx, key)
	if err != nil {
		return nil, err
	}
	defer acq.Release()

	meta, err := p.cat.GetTable(project, bucket, table)
	if err != nil {
		return nil, err
	}

	filePath := p.layout.TableFile(project, branch, bucket, table)
	conn, err := engine.Open(ctx, filePath, p.engineOpts)
	if err != nil {
		return nil, fmt.Errorf("importexport: open target: %w", err)
	}
	defer conn.Close()

	// STAGE: load the raw file into a transient staging relation.
	stagingName := "stage_import"
	columns := make([]engine.ColumnDef, len(meta.Columns))
	for i, c := range meta.Columns {
		columns[i] = engine.ColumnDef{Name: c.Name, Type: c.Type, Nullable: c.Nullable}
	}
	if err := conn.CreateStagingRelation(ctx, stagingName, columns); err != nil {
		return nil, fmt.Errorf("importexport: stage: %w", err)
	}
	defer conn.DropStagingRelation(ctx, stagingName) // CLEANUP, always attempted

	switch opts.Format {
	case "parquet":
		if err := conn.CopyFromParquet(ctx, stagingName, opts.SourcePath); err != nil {
			return nil, fmt.Errorf("importexport: stage parquet: %w", err)
		}
	default:
		if err := conn.CopyFromCSV(ctx, stagingName, opts.SourcePath, opts.Delimiter, opts.Quote, opts.Escape, opts.Header, opts.NullString); err != nil {
			return nil, fmt.Errorf("importexport: stage csv: %w", err)
		}
	}

	stagedRows, err := conn.RelationRowCount(ctx, stagingName)
	if err != nil {
		return nil, fmt.Errorf("importexport: count staged rows: %w", err)
	}

	var warnings []string
	if !opts.Incremental {
		// Not incremental: the target is replaced wholesale, so whatever
		// dedup mode was requested against the previous contents no longer
		// applies to anything.
		if opts.Dedup != "" && opts.Dedup != UpdateDuplicates {
			warnings = append(warnings, fmt.Sprintf("dedup mode %q has no effect on a non-incremental import", opts.Dedup))
		}
		if err := conn.TruncateAll(ctx); err != nil {
			return nil, fmt.Errorf("importexport: truncate target: %w", err)
		}
	}

	rowsBefore, err := conn.RowCount(ctx)
	if err != nil {
		return nil, err
	}

	// TRANSFORM: merge the staging relation into the real table according
	// to the requested dedup mode.
	if err := p.transform(ctx, conn, stagingName, meta, opts.Dedup); err != nil {
		return nil, err
	}

	rowsAfter, err := conn.RowCount(ctx)
	if err != nil {
		return nil, err
	}
	meta.RowCount = rowsAfter
	meta.UpdatedAt = time.Now()
	if err := p.cat.PutTable(meta); err != nil {
		return nil, err
	}

	importedRows := stagedRows
	if opts.Incremental {
		importedRows = rowsAfter - rowsBefore
	}

	sizeBytes, err := p.layout.TableSizeBytes(project, branch, bucket, table)
	if err != nil {
		return nil, fmt.Errorf("importexport: stat target: %w", err)
	}

	return &ImportResult{
		ImportedRows:   importedRows,
		TableRowsAfter: rowsAfter,
		TableSizeBytes: sizeBytes,
		Warnings:       warnings,
	}, nil
}

func (p *Pipeline) transform(ctx context.Context, conn *engine.Conn, staging string, meta *types.Table, dedup DedupMode) error {
	if !meta.HasPrimaryKey() {
		return conn.InsertSelectAll(ctx, staging)
	}

	switch dedup {
	case FailOnDuplicates:
		// A primary-key-constrained INSERT fails outright on any collision;
		// that failure is reported as a conflict.
		if err := conn.InsertSelectAll(ctx, staging); err != nil {
			if containsFold(err.Error(), "duplicate key") {
				return apierr.Conflict("import collides with an existing primary key: %v", err)
			}
			return err
		}
		return nil
	case InsertDuplicates:
		return conn.InsertSelectAll(ctx, staging)
	case UpdateDuplicates, "":
		allColumns := make([]string, len(meta.Columns))
		for i, c := range meta.Columns {
			allColumns[i] = c.Name
		}
		return conn.UpsertFrom(ctx, staging, allColumns, meta.PrimaryKey)
	default:
		return apierr.InvalidArgument("unknown dedup mode: %s", dedup)
	}
}

// Export streams (project, branch, bucket, table)'s contents to
// opts.DestPath, optionally restricted to a column subset, row limit, and
// filter predicate.
func (p *Pipeline) Export(ctx context.Context, project, branch, bucket, table string, opts ExportOptions) (rowsExported int64, err error) {
	if err := validateFilter(opts.Filter); err != nil {
		return 0, err
	}

	filePath := p.layout.TableFile(project, branch, bucket, table)
	conn, err := engine.Open(ctx, filePath, p.engineOpts)
	if err != nil {
		return 0, fmt.Errorf("importexport: open source: %w", err)
	}
	defer conn.Close()

	selection := buildSelection(opts)
	if selection == relationName {
		if err := conn.CopyToFile(ctx, relationName, opts.DestPath, opts.Format); err != nil {
			return 0, fmt.Errorf("importexport: export: %w", err)
		}
	} else {
		// A filtered/projected/limited export first materializes the
		// selection into a view-like staging relation, then exports that.
		staging := "stage_export"
		if _, err := conn.Exec(ctx, fmt.Sprintf("CREATE TEMP TABLE %s AS %s", quoteIdent(staging), selection)); err != nil {
			return 0, fmt.Errorf("importexport: select: %w", err)
		}
		defer conn.DropStagingRelation(ctx, staging)
		if err := conn.CopyToFile(ctx, staging, opts.DestPath, opts.Format); err != nil {
			return 0, fmt.Errorf("importexport: export selection: %w", err)
		}
		return conn.RelationRowCount(ctx, staging)
	}

	return conn.RowCount(ctx)
}

func buildSelection(opts ExportOptions) string {
	cols := "*"
	if len(opts.Columns) > 0 {
		cols = ""
		for i, c := range opts.Columns {
			if i > 0 {
				cols += ", "
			}
			cols += quoteIdent(c)
		}
	}
	stmt := fmt.Sprintf("SELECT %s FROM %s", cols, quoteIdent(relationName))
	if opts.Filter != "" {
		stmt += " WHERE " + opts.Filter
	}
	if opts.Limit > 0 {
		stmt += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}
	if cols == "*" && opts.Filter == "" && opts.Limit <= 0 {
		return relationName
	}
	return stmt
}

func quoteIdent(s string) string { return `"` + s + `"` }

func validateFilter(filter string) error {
	if filter == "" {
		return nil
	}
	for _, kw := range FilterDenylist {
		if containsFold(filter, kw) {
			return apierr.InvalidArgument("export filter contains a disallowed keyword: %s", kw)
		}
	}
	return nil
}

func containsFold(s, substr string) bool {
	sl, subl := []rune(s), []rune(substr)
	if len(subl) == 0 || len(subl) > len(sl) {
		return false
	}
	toUpper := func(r rune) rune {
		if r >= 'a' && r <= 'z' {
			return r - ('a' - 'A')
		}
		return r
	}
	for i := 0; i+len(subl) <= len(sl); i++ {
		match := true
		for j, r := range subl {
			if toUpper(sl[i+j]) != toUpper(r) {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}
