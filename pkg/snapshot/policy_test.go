package snapshot

import (
	"path/filepath"
	"testing"

	"github.com/keboola/storage-duckdb/pkg/catalog"
	"github.com/keboola/storage-duckdb/pkg/types"
	"github.com/stretchr/testify/require"
)

func openTestCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })
	return cat
}

func TestResolveDefaultsWithNoOverrides(t *testing.T) {
	r := NewResolver(openTestCatalog(t))
	p, err := r.Resolve("p1", "b1", "t1")
	require.NoError(t, err)
	require.True(t, p.Enabled)
	require.True(t, p.TriggeredFor("drop_table"))
	require.False(t, p.TriggeredFor("truncate_table"))
	require.Equal(t, 90, p.ManualRetentionDays)
	require.Equal(t, 7, p.AutoRetentionDays)
}

func TestResolveTableOverrideWinsOverProject(t *testing.T) {
	cat := openTestCatalog(t)
	r := NewResolver(cat)

	require.NoError(t, cat.PutSnapshotSettings(&types.SnapshotSettings{
		Scope: types.ScopeProject, EntityID: "p1", Enabled: boolPtr(false),
	}))
	require.NoError(t, cat.PutSnapshotSettings(&types.SnapshotSettings{
		Scope: types.ScopeTable, EntityID: "p1/b1/t1", Enabled: boolPtr(true),
	}))

	p, err := r.Resolve("p1", "b1", "t1")
	require.NoError(t, err)
	require.True(t, p.Enabled)

	p2, err := r.Resolve("p1", "b1", "t2")
	require.NoError(t, err)
	require.False(t, p2.Enabled)
}
