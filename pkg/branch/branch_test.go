package branch

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/keboola/storage-duckdb/pkg/catalog"
	"github.com/keboola/storage-duckdb/pkg/layout"
	"github.com/keboola/storage-duckdb/pkg/tablelock"
	"github.com/keboola/storage-duckdb/pkg/types"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) (*Manager, *layout.Layout, string) {
	t.Helper()
	root := t.TempDir()
	l := layout.New(root)
	cat, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })
	return New(l, cat, tablelock.NewRegistry()), l, root
}

func TestMaterializeOnFirstWrite(t *testing.T) {
	m, l, _ := newTestManager(t)
	ctx := context.Background()
	project := "p1"

	require.NoError(t, l.CreateProject(project))
	require.NoError(t, l.CreateBucket(project, "b"))
	require.NoError(t, l.CreateTableDir(project, types.MainBranchID, "b", "t"))
	require.NoError(t, os.WriteFile(l.TableFile(project, types.MainBranchID, "b", "t"), []byte("main-data"), 0o644))

	br, err := m.CreateBranch(project)
	require.NoError(t, err)

	mat, err := m.IsMaterialized(project, br.ID, "b", "t")
	require.NoError(t, err)
	require.False(t, mat)

	path, release, err := m.EnsureWritable(ctx, project, br.ID, "b", "t")
	require.NoError(t, err)
	release()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "main-data", string(data))

	mat, err = m.IsMaterialized(project, br.ID, "b", "t")
	require.NoError(t, err)
	require.True(t, mat)
}

func TestDeleteBranchRejectsMain(t *testing.T) {
	m, _, _ := newTestManager(t)
	err := m.DeleteBranch("p1", types.MainBranchID)
	require.Error(t, err)
}

func TestPullTableRestoresLiveView(t *testing.T) {
	m, l, _ := newTestManager(t)
	ctx := context.Background()
	project := "p1"

	require.NoError(t, l.CreateProject(project))
	require.NoError(t, l.CreateBucket(project, "b"))
	require.NoError(t, l.CreateTableDir(project, types.MainBranchID, "b", "t"))
	require.NoError(t, os.WriteFile(l.TableFile(project, types.MainBranchID, "b", "t"), []byte("main-v1"), 0o644))

	br, err := m.CreateBranch(project)
	require.NoError(t, err)

	path, release, err := m.EnsureWritable(ctx, project, br.ID, "b", "t")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte("branch-local-edit"), 0o644))
	release()

	mat, err := m.IsMaterialized(project, br.ID, "b", "t")
	require.NoError(t, err)
	require.True(t, mat)

	require.NoError(t, os.WriteFile(l.TableFile(project, types.MainBranchID, "b", "t"), []byte("main-v2"), 0o644))

	require.NoError(t, m.PullTable(ctx, project, br.ID, "b", "t"))

	mat, err = m.IsMaterialized(project, br.ID, "b", "t")
	require.NoError(t, err)
	require.False(t, mat, "pull must remove the branch-local materialized copy")

	_, err = os.Stat(l.TableFile(project, br.ID, "b", "t"))
	require.True(t, os.IsNotExist(err), "pull must delete the branch's table file")

	readPath, err := m.ResolveReadPath(project, br.ID, "b", "t")
	require.NoError(t, err)
	data, err := os.ReadFile(readPath)
	require.NoError(t, err)
	require.Equal(t, "main-v2", string(data), "reads must go live from main after pull, seeing subsequent main writes")

	require.NoError(t, m.PullTable(ctx, project, br.ID, "b", "t"), "pulling a non-materialized table must succeed (idempotent)")
}
