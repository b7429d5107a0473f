package importexport

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/keboola/storage-duckdb/pkg/catalog"
	"github.com/keboola/storage-duckdb/pkg/engine"
	"github.com/keboola/storage-duckdb/pkg/layout"
	"github.com/keboola/storage-duckdb/pkg/snapshot"
	"github.com/keboola/storage-duckdb/pkg/tablelock"
	"github.com/keboola/storage-duckdb/pkg/tenant"
	"github.com/keboola/storage-duckdb/pkg/types"
	"github.com/stretchr/testify/require"
)

func newTestPipeline(t *testing.T) (*Pipeline, *tenant.Manager) {
	t.Helper()
	cat, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })

	l := layout.New(t.TempDir())
	locks := tablelock.NewRegistry()
	opts := engine.Options{}
	tenants := tenant.New(l, cat, locks, opts)
	snaps := snapshot.New(t.TempDir(), l, cat, locks, opts)
	return New(l, cat, locks, snaps, opts), tenants
}

func writeCSV(t *testing.T, rows string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.csv")
	require.NoError(t, os.WriteFile(path, []byte(rows), 0o644))
	return path
}

func csvOptions(path string) ImportOptions {
	return ImportOptions{
		SourcePath: path,
		Format:     "csv",
		Delimiter:  ",",
		Quote:      `"`,
		Escape:     `"`,
		Header:     true,
	}
}

func TestImportNonIncrementalReplacesExistingRows(t *testing.T) {
	p, tenants := newTestPipeline(t)
	ctx := context.Background()

	_, err := tenants.CreateProject("p1", "Project One")
	require.NoError(t, err)
	_, err = tenants.CreateBucket("p1", "in")
	require.NoError(t, err)
	_, err = tenants.CreateTable(ctx, "p1", "in", "t", []types.Column{{Name: "id", Type: "BIGINT"}}, []string{"id"})
	require.NoError(t, err)

	first := csvOptions(writeCSV(t, "id\n1\n2\n3\n"))
	result, err := p.Import(ctx, "p1", types.MainBranchID, "in", "t", first)
	require.NoError(t, err)
	require.Equal(t, int64(3), result.ImportedRows)
	require.Equal(t, int64(3), result.TableRowsAfter)
	require.Positive(t, result.TableSizeBytes)

	second := csvOptions(writeCSV(t, "id\n4\n5\n"))
	result, err = p.Import(ctx, "p1", types.MainBranchID, "in", "t", second)
	require.NoError(t, err)
	require.Equal(t, int64(2), result.ImportedRows, "non-incremental import reports the staged row count")
	require.Equal(t, int64(2), result.TableRowsAfter, "non-incremental import replaces the table's prior contents")
}

func TestImportIncrementalReportsDeltaAndMerges(t *testing.T) {
	p, tenants := newTestPipeline(t)
	ctx := context.Background()

	_, err := tenants.CreateProject("p1", "Project One")
	require.NoError(t, err)
	_, err = tenants.CreateBucket("p1", "in")
	require.NoError(t, err)
	_, err = tenants.CreateTable(ctx, "p1", "in", "t", []types.Column{{Name: "id", Type: "BIGINT"}}, []string{"id"})
	require.NoError(t, err)

	first := csvOptions(writeCSV(t, "id\n1\n2\n"))
	first.Incremental = true
	result, err := p.Import(ctx, "p1", types.MainBranchID, "in", "t", first)
	require.NoError(t, err)
	require.Equal(t, int64(2), result.ImportedRows)
	require.Equal(t, int64(2), result.TableRowsAfter)

	second := csvOptions(writeCSV(t, "id\n3\n4\n5\n"))
	second.Incremental = true
	result, err = p.Import(ctx, "p1", types.MainBranchID, "in", "t", second)
	require.NoError(t, err)
	require.Equal(t, int64(3), result.ImportedRows, "incremental import reports the delta added to the table")
	require.Equal(t, int64(5), result.TableRowsAfter, "incremental import merges into the existing rows")
}

func TestImportWarnsWhenDedupIgnoredOnNonIncremental(t *testing.T) {
	p, tenants := newTestPipeline(t)
	ctx := context.Background()

	_, err := tenants.CreateProject("p1", "Project One")
	require.NoError(t, err)
	_, err = tenants.CreateBucket("p1", "in")
	require.NoError(t, err)
	_, err = tenants.CreateTable(ctx, "p1", "in", "t", []types.Column{{Name: "id", Type: "BIGINT"}}, []string{"id"})
	require.NoError(t, err)

	opts := csvOptions(writeCSV(t, "id\n1\n"))
	opts.Dedup = FailOnDuplicates
	result, err := p.Import(ctx, "p1", types.MainBranchID, "in", "t", opts)
	require.NoError(t, err)
	require.NotEmpty(t, result.Warnings)
}
