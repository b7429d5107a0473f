package catalog

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/keboola/storage-duckdb/pkg/types"
	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T) *Catalog {
	t.Helper()
	dir := t.TempDir()
	cat, err := Open(filepath.Join(dir, "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })
	return cat
}

func TestProjectCRUD(t *testing.T) {
	cat := openTest(t)

	p := &types.Project{ID: "p1", Name: "Project One", Status: types.ProjectActive, CreatedAt: time.Now()}
	require.NoError(t, cat.PutProject(p))

	got, err := cat.GetProject("p1")
	require.NoError(t, err)
	require.Equal(t, "Project One", got.Name)

	list, err := cat.ListProjects()
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, cat.DeleteProject("p1"))
	_, err = cat.GetProject("p1")
	require.Error(t, err)
}

func TestBranchTableMaterialization(t *testing.T) {
	cat := openTest(t)

	has, err := cat.HasBranchTable("p1", "dev1", "b", "t")
	require.NoError(t, err)
	require.False(t, has)

	require.NoError(t, cat.PutBranchTable(&types.BranchTable{Project: "p1", Branch: "dev1", Bucket: "b", Table: "t", CreatedAt: time.Now()}))

	has, err = cat.HasBranchTable("p1", "dev1", "b", "t")
	require.NoError(t, err)
	require.True(t, has)

	require.NoError(t, cat.DeleteBranchTable("p1", "dev1", "b", "t"))
	has, err = cat.HasBranchTable("p1", "dev1", "b", "t")
	require.NoError(t, err)
	require.False(t, has)
}

func TestAPIKeyLookupAndLockout(t *testing.T) {
	cat := openTest(t)

	k1 := &types.APIKey{ID: "k1", Project: "p1", Scope: types.ScopeProjectAdmin, KeyHash: "hash1", CreatedAt: time.Now()}
	require.NoError(t, cat.PutAPIKey(k1))

	found, err := cat.FindAPIKeyByHash("hash1")
	require.NoError(t, err)
	require.Equal(t, "k1", found.ID)

	n, err := cat.CountActiveProjectAdminKeys("p1")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestOperationLogTotalOrder(t *testing.T) {
	cat := openTest(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, cat.AppendOperationLog(&types.OperationLogEntry{
			Operation: "create_table",
			Project:   "p1",
			CreatedAt: time.Now(),
		}))
	}

	entries, err := cat.ListOperationLog("p1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	// ListOperationLog returns newest first.
	require.Greater(t, entries[0].Sequence, entries[1].Sequence)
	require.Greater(t, entries[1].Sequence, entries[2].Sequence)
}

func TestIdempotencySweep(t *testing.T) {
	cat := openTest(t)

	now := time.Now()
	require.NoError(t, cat.PutIdempotencyEntry(&types.IdempotencyEntry{
		Key: "k1", CreatedAt: now.Add(-time.Hour), ExpiresAt: now.Add(-time.Minute),
	}))
	require.NoError(t, cat.PutIdempotencyEntry(&types.IdempotencyEntry{
		Key: "k2", CreatedAt: now, ExpiresAt: now.Add(time.Hour),
	}))

	removed, err := cat.SweepExpiredIdempotencyEntries(func(e *types.IdempotencyEntry) bool {
		return e.ExpiresAt.Before(now)
	})
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	e, err := cat.GetIdempotencyEntry("k1")
	require.NoError(t, err)
	require.Nil(t, e)

	e, err = cat.GetIdempotencyEntry("k2")
	require.NoError(t, err)
	require.NotNil(t, e)
}
