package snapshot

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/keboola/storage-duckdb/pkg/catalog"
	"github.com/keboola/storage-duckdb/pkg/engine"
	"github.com/keboola/storage-duckdb/pkg/layout"
	"github.com/keboola/storage-duckdb/pkg/tablelock"
	"github.com/keboola/storage-duckdb/pkg/tenant"
	"github.com/keboola/storage-duckdb/pkg/types"
	"github.com/stretchr/testify/require"
)

func newTestFixture(t *testing.T) (*Manager, *tenant.Manager) {
	t.Helper()
	cat, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })

	l := layout.New(t.TempDir())
	locks := tablelock.NewRegistry()
	tenants := tenant.New(l, cat, locks, engine.Options{})
	snaps := New(t.TempDir(), l, cat, locks, engine.Options{})
	return snaps, tenants
}

func TestRestoreToSourceReplacesInPlace(t *testing.T) {
	snaps, tenants := newTestFixture(t)
	ctx := context.Background()

	_, err := tenants.CreateProject("p1", "Project One")
	require.NoError(t, err)
	_, err = tenants.CreateBucket("p1", "in")
	require.NoError(t, err)
	_, err = tenants.CreateTable(ctx, "p1", "in", "t", []types.Column{{Name: "id", Type: "BIGINT"}}, []string{"id"})
	require.NoError(t, err)

	snap, err := snaps.Create(ctx, "p1", "in", "t", types.SnapshotManual)
	require.NoError(t, err)

	require.NoError(t, snaps.Restore(ctx, "p1", "in", "t", snap.ID, "", ""))
}

func TestRestoreToForeignTargetRefusesExistingTable(t *testing.T) {
	snaps, tenants := newTestFixture(t)
	ctx := context.Background()

	_, err := tenants.CreateProject("p1", "Project One")
	require.NoError(t, err)
	_, err = tenants.CreateBucket("p1", "in")
	require.NoError(t, err)
	_, err = tenants.CreateTable(ctx, "p1", "in", "source", []types.Column{{Name: "id", Type: "BIGINT"}}, []string{"id"})
	require.NoError(t, err)

	snap, err := snaps.Create(ctx, "p1", "in", "source", types.SnapshotManual)
	require.NoError(t, err)

	// No existing table at the foreign target: restore creates it.
	require.NoError(t, snaps.Restore(ctx, "p1", "in", "source", snap.ID, "in", "fresh_target"))

	// An existing target, even with a matching schema: restore refuses with a conflict.
	_, err = tenants.CreateTable(ctx, "p1", "in", "compatible_target", []types.Column{{Name: "id", Type: "BIGINT"}}, []string{"id"})
	require.NoError(t, err)
	require.Error(t, snaps.Restore(ctx, "p1", "in", "source", snap.ID, "in", "compatible_target"))

	// An existing, schema-incompatible target: restore refuses with a conflict.
	_, err = tenants.CreateTable(ctx, "p1", "in", "incompatible_target", []types.Column{{Name: "name", Type: "VARCHAR"}}, nil)
	require.NoError(t, err)
	err = snaps.Restore(ctx, "p1", "in", "source", snap.ID, "in", "incompatible_target")
	require.Error(t, err)
}

func TestRestoreRejectsSnapshotFromAnotherTable(t *testing.T) {
	snaps, tenants := newTestFixture(t)
	ctx := context.Background()

	_, err := tenants.CreateProject("p1", "Project One")
	require.NoError(t, err)
	_, err = tenants.CreateBucket("p1", "in")
	require.NoError(t, err)
	_, err = tenants.CreateTable(ctx, "p1", "in", "t", []types.Column{{Name: "id", Type: "BIGINT"}}, nil)
	require.NoError(t, err)

	snap, err := snaps.Create(ctx, "p1", "in", "t", types.SnapshotManual)
	require.NoError(t, err)

	err = snaps.Restore(ctx, "p1", "in", "other_table", snap.ID, "", "")
	require.Error(t, err)
}
