// Package branch implements the Branch/CoW Manager (§4.3): branch
// lifecycle and the copy-on-first-write rule that lets a dev branch share
// every table with main until the branch writes to it.
package branch

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/keboola/storage-duckdb/pkg/apierr"
	"github.com/keboola/storage-duckdb/pkg/catalog"
	"github.com/keboola/storage-duckdb/pkg/layout"
	"github.com/keboola/storage-duckdb/pkg/tablelock"
	"github.com/keboola/storage-duckdb/pkg/types"
)

// Manager coordinates branch lifecycle and table materialization.
type Manager struct {
	layout *layout.Layout
	cat    *catalog.Catalog
	locks  *tablelock.Registry
}

func New(l *layout.Layout, c *catalog.Catalog, locks *tablelock.Registry) *Manager {
	return &Manager{layout: l, cat: c, locks: locks}
}

// CreateBranch registers a new dev branch. Its directory tree is created
// lazily on first materialization, not here.
func (m *Manager) CreateBranch(project string) (*types.Branch, error) {
	b := &types.Branch{Project: project, ID: uuid.NewString(), CreatedAt: time.Now()}
	if err := m.cat.PutBranch(b); err != nil {
		return nil, err
	}
	return b, nil
}

func (m *Manager) GetBranch(project, branch string) (*types.Branch, error) {
	if branch == types.MainBranchID {
		return nil, apierr.InvalidArgument("main branch has no catalog row")
	}
	return m.cat.GetBranch(project, branch)
}

func (m *Manager) ListBranches(project string) ([]*types.Branch, error) {
	return m.cat.ListBranches(project)
}

// DeleteBranch removes a dev branch's directory tree and catalog rows.
// main is never a valid target; dropping a branch never touches main.
func (m *Manager) DeleteBranch(project, branch string) error {
	if branch == types.MainBranchID {
		return apierr.InvalidArgument("cannot delete the main branch")
	}
	if _, err := m.cat.GetBranch(project, branch); err != nil {
		return err
	}
	if err := os.RemoveAll(m.layout.BranchDir(project, branch)); err != nil {
		return fmt.Errorf("branch: remove dir: %w", err)
	}
	m.locks.RemoveProject(project)
	return m.cat.DeleteBranch(project, branch)
}

// lockKey folds branch into the table-lock key's Bucket field so that
// main and each dev branch get independent lock slots for the "same"
// (bucket, table) pair; the lock registry itself is branch-agnostic.
func lockKey(project, branch, bucket, table string) tablelock.Key {
	return tablelock.Key{Project: project, Bucket: branch + "/" + bucket, Table: table}
}

// ResolveReadPath returns the table file a branch should read: its own
// materialized copy if one exists, otherwise main's current file.
func (m *Manager) ResolveReadPath(project, branch, bucket, table string) (string, error) {
	if branch == "" || branch == types.MainBranchID {
		return m.layout.TableFile(project, types.MainBranchID, bucket, table), nil
	}
	materialized, err := m.cat.HasBranchTable(project, branch, bucket, table)
	if err != nil {
		return "", err
	}
	if materialized {
		return m.layout.TableFile(project, branch, bucket, table), nil
	}
	return m.layout.TableFile(project, types.MainBranchID, bucket, table), nil
}

// EnsureWritable acquires the correct table lock for a write against
// (branch, bucket, table), materializing the branch's own copy on first
// write if necessary, and returns the file path to write through plus a
// release function the caller must invoke exactly once.
func (m *Manager) EnsureWritable(ctx context.Context, project, branch, bucket, table string) (path string, release func(), err error) {
	if branch == "" || branch == types.MainBranchID {
		acq, err := m.locks.Acquire(ctx, tablelock.Key{Project: project, Bucket: bucket, Table: table})
		if err != nil {
			return "", nil, err
		}
		return m.layout.TableFile(project, types.MainBranchID, bucket, table), acq.Release, nil
	}

	acq, err := m.locks.Acquire(ctx, lockKey(project, branch, bucket, table))
	if err != nil {
		return "", nil, err
	}

	materialized, err := m.cat.HasBranchTable(project, branch, bucket, table)
	if err != nil {
		acq.Release()
		return "", nil, err
	}
	if !materialized {
		if err := m.materialize(project, branch, bucket, table); err != nil {
			acq.Release()
			return "", nil, err
		}
	}
	return m.layout.TableFile(project, branch, bucket, table), acq.Release, nil
}

// materialize copies main's current table file into the branch's own
// directory and records the branch_tables row. Caller must already hold
// the branch's table lock. Copying via a temp file plus atomic rename
// ensures a reader never observes a partially-copied file.
func (m *Manager) materialize(project, branch, bucket, table string) error {
	if err := m.layout.CreateTableDir(project, branch, bucket, table); err != nil && !os.IsExist(err) {
		return fmt.Errorf("branch: create table dir: %w", err)
	}

	mainPath := m.layout.TableFile(project, types.MainBranchID, bucket, table)
	destPath := m.layout.TableFile(project, branch, bucket, table)

	if _, err := os.Stat(mainPath); os.IsNotExist(err) {
		return apierr.NotFound("table not found on main: %s/%s", bucket, table)
	}

	if err := copyFileAtomic(mainPath, destPath); err != nil {
		return fmt.Errorf("branch: materialize copy: %w", err)
	}

	return m.cat.PutBranchTable(&types.BranchTable{
		Project: project, Branch: branch, Bucket: bucket, Table: table, CreatedAt: time.Now(),
	})
}

// PullTable discards a branch's materialized copy of a table, if any, so
// that subsequent reads go live from main again. Idempotent: pulling a
// table with no branch-local copy simply succeeds.
func (m *Manager) PullTable(ctx context.Context, project, branch, bucket, table string) error {
	if branch == "" || branch == types.MainBranchID {
		return apierr.InvalidArgument("cannot pull into main")
	}

	acq, err := m.locks.Acquire(ctx, lockKey(project, branch, bucket, table))
	if err != nil {
		return err
	}
	defer acq.Release()

	path := m.layout.TableFile(project, branch, bucket, table)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("branch: pull remove: %w", err)
	}

	return m.cat.DeleteBranchTable(project, branch, bucket, table)
}

func copyFileAtomic(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".tmp-copy"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

// IsMaterialized reports whether a branch already has its own copy of a
// table, used by table-listing endpoints to report provenance.
func (m *Manager) IsMaterialized(project, branch, bucket, table string) (bool, error) {
	if branch == "" || branch == types.MainBranchID {
		return false, nil
	}
	return m.cat.HasBranchTable(project, branch, bucket, table)
}
