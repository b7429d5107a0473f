// Package snapshot implements the Snapshot Engine (§4.4): point-in-time
// columnar exports of main-branch tables, their hierarchical retention
// policy, and automatic pre-destructive-operation snapshots. Snapshots,
// like bucket deletion, are restricted to main — a dev branch's
// materialized copy is never snapshotted or restored directly.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/keboola/storage-duckdb/pkg/apierr"
	"github.com/keboola/storage-duckdb/pkg/catalog"
	"github.com/keboola/storage-duckdb/pkg/engine"
	"github.com/keboola/storage-duckdb/pkg/layout"
	"github.com/keboola/storage-duckdb/pkg/tablelock"
	"github.com/keboola/storage-duckdb/pkg/types"
)

const exportFormat = "parquet"
const relationName = "data" // mirrors the fixed relation name engine.Conn operates on

// Manager creates, lists, restores, and sweeps snapshots.
type Manager struct {
	root       string // snapshotsRoot; one <project>/<id>/ directory per snapshot (data.parquet + metadata.json)
	layout     *layout.Layout
	cat        *catalog.Catalog
	locks      *tablelock.Registry
	resolver   *Resolver
	engineOpts engine.Options
}

func New(snapshotsRoot string, l *layout.Layout, cat *catalog.Catalog, locks *tablelock.Registry, opts engine.Options) *Manager {
	return &Manager{
		root:       snapshotsRoot,
		layout:     l,
		cat:        cat,
		locks:      locks,
		resolver:   NewResolver(cat),
		engineOpts: opts,
	}
}

func (m *Manager) dataPath(project, bucket, table, id string) string {
	return filepath.Join(m.root, project, id, "data."+exportFormat)
}

func (m *Manager) metaPath(project, bucket, table, id string) string {
	return filepath.Join(m.root, project, id, "metadata.json")
}

func mintID(table string, now time.Time) string {
	u := now.UTC()
	return fmt.Sprintf("snap_%s_%s_%03d", table, u.Format("20060102150405"), u.Nanosecond()/1_000_000)
}

// Create exports the current contents of (project, bucket, table) on
// main into a new immutable snapshot, under the table's write lock so the
// export observes a consistent state.
func (m *Manager) Create(ctx context.Context, project, bucket, table string, typ types.SnapshotType) (*types.Snapshot, error) {
	acq, err := m.locks.Acquire(ctx, tablelock.Key{Project: project, Bucket: bucket, Table: table})
	if err != nil {
		return nil, err
	}
	defer acq.Release()

	meta, err := m.cat.GetTable(project, bucket, table)
	if err != nil {
		return nil, err
	}

	policy, err := m.resolver.Resolve(project, bucket, table)
	if err != nil {
		return nil, err
	}
	if !policy.Enabled {
		return nil, apierr.InvalidArgument("snapshots are disabled for %s/%s", bucket, table)
	}

	now := time.Now()
	id := mintID(table, now)
	dataPath := m.dataPath(project, bucket, table, id)
	if err := os.MkdirAll(filepath.Dir(dataPath), 0o755); err != nil {
		return nil, fmt.Errorf("snapshot: mkdir: %w", err)
	}

	conn, err := engine.Open(ctx, m.layout.TableFile(project, types.MainBranchID, bucket, table), m.engineOpts)
	if err != nil {
		return nil, fmt.Errorf("snapshot: open source: %w", err)
	}
	defer conn.Close()

	rowCount, err := conn.RowCount(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot: row count: %w", err)
	}
	if err := conn.CopyToFile(ctx, relationName, dataPath, exportFormat); err != nil {
		return nil, fmt.Errorf("snapshot: export: %w", err)
	}

	fi, err := os.Stat(dataPath)
	if err != nil {
		return nil, err
	}

	var expiresAt *time.Time
	if typ == types.SnapshotManual {
		t := now.AddDate(0, 0, policy.ManualRetentionDays)
		expiresAt = &t
	} else {
		t := now.AddDate(0, 0, policy.AutoRetentionDays)
		expiresAt = &t
	}

	snap := &types.Snapshot{
		ID:         id,
		Project:    project,
		Bucket:     bucket,
		Table:      table,
		Type:       typ,
		RowCount:   rowCount,
		SizeBytes:  fi.Size(),
		Columns:    meta.Columns,
		PrimaryKey: meta.PrimaryKey,
		DataPath:   dataPath,
		CreatedAt:  now,
		ExpiresAt:  expiresAt,
	}

	sidecar, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(m.metaPath(project, bucket, table, id), sidecar, 0o644); err != nil {
		return nil, fmt.Errorf("snapshot: write sidecar: %w", err)
	}

	if err := m.cat.PutSnapshot(snap); err != nil {
		return nil, err
	}
	return snap, nil
}

// MaybeAutoSnapshot creates an automatic pre-destructive snapshot if the
// resolved policy has the named trigger enabled, otherwise it is a no-op.
// trigger is one of "drop_table", "truncate_table", "delete_all_rows",
// "drop_column".
func (m *Manager) MaybeAutoSnapshot(ctx context.Context, project, bucket, table, trigger string) error {
	policy, err := m.resolver.Resolve(project, bucket, table)
	if err != nil {
		return err
	}
	if !policy.TriggeredFor(trigger) {
		return nil
	}

	var typ types.SnapshotType
	switch trigger {
	case "drop_table":
		typ = types.SnapshotAutoPreDrop
	case "truncate_table":
		typ = types.SnapshotAutoPreTruncate
	case "delete_all_rows":
		typ = types.SnapshotAutoPreDelete
	case "drop_column":
		typ = types.SnapshotAutoPreDropColumn
	default:
		return apierr.InvalidArgument("unknown snapshot trigger: %s", trigger)
	}

	_, err = m.createLocked(ctx, project, bucket, table, typ)
	return err
}

// createLocked is Create's body without acquiring the table lock, for
// callers that already hold it (automatic pre-destructive snapshots run
// inside the destructive operation's own lock scope).
func (m *Manager) createLocked(ctx context.Context, project, bucket, table string, typ types.SnapshotType) (*types.Snapshot, error) {
	meta, err := m.cat.GetTable(project, bucket, table)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	id := mintID(table, now)
	dataPath := m.dataPath(project, bucket, table, id)
	if err := os.MkdirAll(filepath.Dir(dataPath), 0o755); err != nil {
		return nil, err
	}

	conn, err := engine.Open(ctx, m.layout.TableFile(project, types.MainBranchID, bucket, table), m.engineOpts)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	rowCount, err := conn.RowCount(ctx)
	if err != nil {
		return nil, err
	}
	if err := conn.CopyToFile(ctx, relationName, dataPath, exportFormat); err != nil {
		return nil, err
	}
	fi, err := os.Stat(dataPath)
	if err != nil {
		return nil, err
	}

	policy, err := m.resolver.Resolve(project, bucket, table)
	if err != nil {
		return nil, err
	}
	expiresAt := now.AddDate(0, 0, policy.AutoRetentionDays)

	snap := &types.Snapshot{
		ID: id, Project: project, Bucket: bucket, Table: table, Type: typ,
		RowCount: rowCount, SizeBytes: fi.Size(), Columns: meta.Columns,
		PrimaryKey: meta.PrimaryKey, DataPath: dataPath, CreatedAt: now, ExpiresAt: &expiresAt,
	}
	sidecar, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(m.metaPath(project, bucket, table, id), sidecar, 0o644); err != nil {
		return nil, fmt.Errorf("snapshot: write sidecar: %w", err)
	}
	if err := m.cat.PutSnapshot(snap); err != nil {
		return nil, err
	}
	return snap, nil
}

// Restore replaces (project, targetBucket, targetTable)'s current contents
// on main with a prior snapshot's export, under the target table's write
// lock. targetBucket/targetTable default to the snapshot's own source
// location when empty. Restoring onto the source location replaces it in
// place; a different target that already exists is refused with a
// conflict rather than clobbered, and a missing one is created.
func (m *Manager) Restore(ctx context.Context, project, bucket, table, snapshotID, targetBucket, targetTable string) error {
	snap, err := m.cat.GetSnapshot(snapshotID)
	if err != nil {
		return err
	}
	if snap.Project != project || snap.Bucket != bucket || snap.Table != table {
		return apierr.InvalidArgument("snapshot %s does not belong to %s/%s/%s", snapshotID, project, bucket, table)
	}

	if targetBucket == "" {
		targetBucket = bucket
	}
	if targetTable == "" {
		targetTable = table
	}
	foreignTarget := targetBucket != bucket || targetTable != table

	acq, err := m.locks.Acquire(ctx, tablelock.Key{Project: project, Bucket: targetBucket, Table: targetTable})
	if err != nil {
		return err
	}
	defer acq.Release()

	existing, err := m.cat.GetTable(project, targetBucket, targetTable)
	switch {
	case err != nil && !apierr.IsNotFound(err):
		return err
	case err == nil && foreignTarget:
		return apierr.Conflict("target table %s/%s already exists", targetBucket, targetTable)
	}

	if err := m.layout.CreateTableDir(project, types.MainBranchID, targetBucket, targetTable); err != nil && !os.IsExist(err) {
		return fmt.Errorf("snapshot: create target table dir: %w", err)
	}

	conn, err := engine.Open(ctx, m.layout.TableFile(project, types.MainBranchID, targetBucket, targetTable), m.engineOpts)
	if err != nil {
		return fmt.Errorf("snapshot: open target: %w", err)
	}
	defer conn.Close()

	if err := conn.CreateOrReplaceFromFile(ctx, snap.DataPath, exportFormat); err != nil {
		return fmt.Errorf("snapshot: restore: %w", err)
	}
	// Primary key application is best-effort: CREATE OR REPLACE never
	// carries constraints forward, and a legitimately duplicate-containing
	// export should still be readable even if the constraint can't reapply.
	_ = conn.ApplyPrimaryKey(ctx, snap.PrimaryKey)

	rowCount, err := conn.RowCount(ctx)
	if err != nil {
		return err
	}

	tbl := existing
	if tbl == nil {
		tbl = &types.Table{Project: project, Bucket: targetBucket, Name: targetTable, CreatedAt: time.Now()}
	}
	tbl.Columns = snap.Columns
	tbl.PrimaryKey = snap.PrimaryKey
	tbl.RowCount = rowCount
	tbl.UpdatedAt = time.Now()
	return m.cat.PutTable(tbl)
}

func columnsEqual(a, b []types.Column) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Name != b[i].Name || a[i].Type != b[i].Type {
			return false
		}
	}
	return true
}

func (m *Manager) Get(id string) (*types.Snapshot, error) { return m.cat.GetSnapshot(id) }

func (m *Manager) List(project, bucket, table string, typ types.SnapshotType) ([]*types.Snapshot, error) {
	return m.cat.ListSnapshots(project, bucket, table, typ)
}

// Delete removes a snapshot's catalog row and its exported data file and
// sidecar.
func (m *Manager) Delete(id string) error {
	snap, err := m.cat.GetSnapshot(id)
	if err != nil {
		return err
	}
	if err := m.cat.DeleteSnapshot(id); err != nil {
		return err
	}
	os.Remove(snap.DataPath)
	os.Remove(m.metaPath(snap.Project, snap.Bucket, snap.Table, snap.ID))
	os.Remove(filepath.Dir(snap.DataPath))
	return nil
}

// SweepExpired deletes every snapshot in project past its ExpiresAt, for
// use by a periodic background sweeper, and returns the count removed.
func (m *Manager) SweepExpired(project string) (int, error) {
	snaps, err := m.cat.ListSnapshots(project, "", "", "")
	if err != nil {
		return 0, err
	}
	now := time.Now()
	removed := 0
	for _, s := range snaps {
		if s.ExpiresAt != nil && now.After(*s.ExpiresAt) {
			if err := m.Delete(s.ID); err != nil {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}

// PutSettings stores an override layer at the given scope, used by the
// snapshot-settings CRUD endpoints (restricted to main, like everything
// else in this package).
func (m *Manager) PutSettings(s *types.SnapshotSettings) error { return m.cat.PutSnapshotSettings(s) }

func (m *Manager) GetSettings(scope types.SnapshotScope, entityID string) (*types.SnapshotSettings, error) {
	return m.cat.GetSnapshotSettings(scope, entityID)
}

func (m *Manager) DeleteSettings(scope types.SnapshotScope, entityID string) error {
	return m.cat.DeleteSnapshotSettings(scope, entityID)
}

// ResolvePolicy exposes the resolver for callers (e.g. a policy-inspection
// endpoint) that need the effective merged policy without taking a snapshot.
func (m *Manager) ResolvePolicy(project, bucket, table string) (ResolvedPolicy, error) {
	return m.resolver.Resolve(project, bucket, table)
}
