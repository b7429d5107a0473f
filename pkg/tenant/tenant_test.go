package tenant

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/keboola/storage-duckdb/pkg/catalog"
	"github.com/keboola/storage-duckdb/pkg/engine"
	"github.com/keboola/storage-duckdb/pkg/layout"
	"github.com/keboola/storage-duckdb/pkg/tablelock"
	"github.com/keboola/storage-duckdb/pkg/types"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	cat, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })
	return New(layout.New(t.TempDir()), cat, tablelock.NewRegistry(), engine.Options{})
}

func TestProjectBucketTableLifecycle(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	proj, err := m.CreateProject("p1", "Project One")
	require.NoError(t, err)
	require.Equal(t, types.ProjectActive, proj.Status)

	_, err = m.CreateBucket("p1", "in")
	require.NoError(t, err)

	cols := []types.Column{{Name: "id", Type: "BIGINT"}, {Name: "name", Type: "VARCHAR", Nullable: true}}
	table, err := m.CreateTable(ctx, "p1", "in", "customers", cols, []string{"id"})
	require.NoError(t, err)
	require.True(t, table.HasPrimaryKey())

	_, rows, total, err := m.Preview(ctx, "p1", "in", "customers", 10)
	require.NoError(t, err)
	require.Equal(t, int64(0), total)
	require.Empty(t, rows)

	require.NoError(t, m.DeleteTable("p1", "in", "customers"))
	require.NoError(t, m.DeleteBucket("p1", "in", false))
	require.NoError(t, m.DropProject("p1"))
}

func TestPreviewRejectsOutOfRangeRowCount(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	_, err := m.CreateProject("p1", "Project One")
	require.NoError(t, err)
	_, err = m.CreateBucket("p1", "in")
	require.NoError(t, err)
	_, err = m.CreateTable(ctx, "p1", "in", "t", []types.Column{{Name: "id", Type: "BIGINT"}}, nil)
	require.NoError(t, err)

	_, _, _, err = m.Preview(ctx, "p1", "in", "t", 0)
	require.Error(t, err)
	_, _, _, err = m.Preview(ctx, "p1", "in", "t", 10001)
	require.Error(t, err)
}

func TestDeleteBucketRequiresCascadeWhenNonEmpty(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	_, err := m.CreateProject("p1", "Project One")
	require.NoError(t, err)
	_, err = m.CreateBucket("p1", "in")
	require.NoError(t, err)
	_, err = m.CreateTable(ctx, "p1", "in", "t", []types.Column{{Name: "id", Type: "BIGINT"}}, nil)
	require.NoError(t, err)

	require.Error(t, m.DeleteBucket("p1", "in", false))
	require.NoError(t, m.DeleteBucket("p1", "in", true))
}
