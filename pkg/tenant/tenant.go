// Package tenant implements the Storage Layout & Table Lifecycle
// component (§4.1): the project/bucket/table CRUD operations that sit
// beneath branching, snapshots, and import/export. It composes
// pkg/layout (on-disk discipline, the actual source of truth) with
// pkg/catalog (a cache and audit record) and pkg/engine (DDL against a
// table's data file), taking the table lock for every mutation.
package tenant

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/keboola/storage-duckdb/pkg/apierr"
	"github.com/keboola/storage-duckdb/pkg/catalog"
	"github.com/keboola/storage-duckdb/pkg/engine"
	"github.com/keboola/storage-duckdb/pkg/layout"
	"github.com/keboola/storage-duckdb/pkg/tablelock"
	"github.com/keboola/storage-duckdb/pkg/types"
)

const maxPreviewRows = 10000

// Manager owns project/bucket/table lifecycle operations.
type Manager struct {
	layout     *layout.Layout
	cat        *catalog.Catalog
	locks      *tablelock.Registry
	engineOpts engine.Options
}

func New(l *layout.Layout, cat *catalog.Catalog, locks *tablelock.Registry, opts engine.Options) *Manager {
	return &Manager{layout: l, cat: cat, locks: locks, engineOpts: opts}
}

// CreateProject creates the project directory and inserts its catalog
// row. If the catalog insert fails after the directory was created, the
// directory is removed so no dangling on-disk state survives (§4.1
// failure semantics).
func (m *Manager) CreateProject(id, name string) (*types.Project, error) {
	if err := m.layout.CreateProject(id); err != nil {
		return nil, apierr.Wrap(apierr.KindConflict, err)
	}
	p := &types.Project{ID: id, Name: name, Status: types.ProjectActive, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	if err := m.cat.PutProject(p); err != nil {
		_ = m.layout.DropProject(id)
		return nil, fmt.Errorf("tenant: persist project: %w", err)
	}
	return p, nil
}

// DropProject removes the project's entire directory tree and cascades
// its catalog rows.
func (m *Manager) DropProject(id string) error {
	if err := m.layout.DropProject(id); err != nil {
		return fmt.Errorf("tenant: remove project directory: %w", err)
	}
	m.locks.RemoveProject(id)
	return m.cat.DeleteProjectCascade(id)
}

// CreateBucket creates a bucket directory under a project's main branch
// and records its catalog row. Buckets are never branched (§4.3).
func (m *Manager) CreateBucket(project, bucket string) (*types.Bucket, error) {
	if !m.layout.ProjectExists(project) {
		return nil, apierr.NotFound("project not found: %s", project)
	}
	if err := m.layout.CreateBucket(project, bucket); err != nil {
		return nil, apierr.Wrap(apierr.KindConflict, err)
	}
	b := &types.Bucket{Project: project, Name: bucket, CreatedAt: time.Now()}
	if err := m.cat.PutBucket(b); err != nil {
		_ = m.layout.DeleteBucket(project, bucket)
		return nil, fmt.Errorf("tenant: persist bucket: %w", err)
	}
	return b, nil
}

// DeleteBucket removes a bucket. With cascade=false it refuses to delete
// a non-empty bucket; with cascade=true it removes every table
// underneath first, returning the first error and leaving already-
// deleted tables deleted (§4.1 failure semantics).
func (m *Manager) DeleteBucket(project, bucket string, cascade bool) error {
	empty, err := m.layout.IsBucketEmpty(project, bucket)
	if err != nil {
		return fmt.Errorf("tenant: check bucket empty: %w", err)
	}
	if !empty {
		if !cascade {
			return apierr.InvalidArgument("bucket %s is not empty", bucket)
		}
		tables, err := m.layout.ListTables(project, types.MainBranchID, bucket)
		if err != nil {
			return fmt.Errorf("tenant: list tables for cascade: %w", err)
		}
		for _, table := range tables {
			if err := m.DeleteTable(project, bucket, table); err != nil {
				return err
			}
		}
	}
	if err := m.layout.DeleteBucket(project, bucket); err != nil {
		return fmt.Errorf("tenant: remove bucket directory: %w", err)
	}
	return m.cat.DeleteBucket(project, bucket)
}

func (m *Manager) ListBuckets(project string) ([]*types.Bucket, error) {
	return m.cat.ListBuckets(project)
}

// CreateTable creates a table's directory, opens the engine against its
// fresh data file, issues the DDL, and persists the catalog row.
func (m *Manager) CreateTable(ctx context.Context, project, bucket, table string, columns []types.Column, primaryKey []string) (*types.Table, error) {
	if !m.layout.BucketExists(project, types.MainBranchID, bucket) {
		return nil, apierr.NotFound("bucket not found: %s", bucket)
	}
	acq, err := m.locks.Acquire(ctx, tablelock.Key{Project: project, Bucket: bucket, Table: table})
	if err != nil {
		return nil, err
	}
	defer acq.Release()
	if m.layout.TableExists(project, types.MainBranchID, bucket, table) {
		return nil, apierr.Conflict("table already exists: %s/%s", bucket, table)
	}
	if err := m.layout.CreateTableDir(project, types.MainBranchID, bucket, table); err != nil {
		return nil, apierr.Wrap(apierr.KindConflict, err)
	}

	path := m.layout.TableFile(project, types.MainBranchID, bucket, table)
	if err := m.withEngine(ctx, path, func(conn *engine.Conn) error {
		return conn.CreateTable(ctx, toEngineColumns(columns), primaryKey)
	}); err != nil {
		_ = m.layout.DeleteTable(project, types.MainBranchID, bucket, table)
		return nil, fmt.Errorf("tenant: create table relation: %w", err)
	}

	t := &types.Table{
		Project: project, Bucket: bucket, Name: table,
		Columns: columns, PrimaryKey: primaryKey,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	if err := m.cat.PutTable(t); err != nil {
		_ = m.layout.DeleteTable(project, types.MainBranchID, bucket, table)
		return nil, fmt.Errorf("tenant: persist table: %w", err)
	}
	return t, nil
}

// DeleteTable removes a table's directory and catalog row, taking the
// table's write lock first so no import/export is mid-flight.
func (m *Manager) DeleteTable(project, bucket, table string) error {
	acq, err := m.locks.Acquire(context.Background(), tablelock.Key{Project: project, Bucket: bucket, Table: table})
	if err != nil {
		return err
	}
	defer acq.Release()

	if err := m.layout.DeleteTable(project, types.MainBranchID, bucket, table); err != nil {
		return fmt.Errorf("tenant: remove table directory: %w", err)
	}
	m.locks.Remove(tablelock.Key{Project: project, Bucket: bucket, Table: table})
	return m.cat.DeleteTable(project, bucket, table)
}

func (m *Manager) GetTable(project, bucket, table string) (*types.Table, error) {
	return m.cat.GetTable(project, bucket, table)
}

func (m *Manager) ListTables(project, bucket string) ([]*types.Table, error) {
	return m.cat.ListTables(project, bucket)
}

// Preview returns up to n rows (1 <= n <= 10000) plus the relation's
// total row count.
func (m *Manager) Preview(ctx context.Context, project, bucket, table string, n int) (columns []string, rows [][]any, total int64, err error) {
	if n < 1 || n > maxPreviewRows {
		return nil, nil, 0, apierr.InvalidArgument("preview row count must be between 1 and %d", maxPreviewRows)
	}
	path := m.layout.TableFile(project, types.MainBranchID, bucket, table)
	if !fileExists(path) {
		return nil, nil, 0, apierr.NotFound("table not found: %s/%s", bucket, table)
	}
	err = m.withEngine(ctx, path, func(conn *engine.Conn) error {
		var innerErr error
		columns, rows, total, innerErr = conn.Preview(ctx, n)
		return innerErr
	})
	return columns, rows, total, err
}

// RefreshCounters recomputes a project's bucket/table counters directly
// from the filesystem, per the "source of truth is disk" invariant.
func (m *Manager) RefreshCounters(project string) error {
	buckets, tables, sizeBytes, err := m.layout.CountBucketsAndTables(project)
	if err != nil {
		return err
	}
	p, err := m.cat.GetProject(project)
	if err != nil {
		return err
	}
	p.BucketCount, p.TableCount, p.SizeBytes, p.UpdatedAt = buckets, tables, sizeBytes, time.Now()
	return m.cat.PutProject(p)
}

// BucketStats is one bucket's contribution to a project's Stats.
type BucketStats struct {
	Bucket     string `json:"bucket"`
	TableCount int    `json:"table_count"`
	SizeBytes  int64  `json:"size_bytes"`
}

// ProjectStats is a project's aggregate counters, recomputed live from
// the filesystem, broken down per bucket.
type ProjectStats struct {
	BucketCount int           `json:"bucket_count"`
	TableCount  int           `json:"table_count"`
	SizeBytes   int64         `json:"size_bytes"`
	Buckets     []BucketStats `json:"buckets"`
}

// Stats recomputes project's counters from the filesystem, refreshes the
// catalog's cached copy via RefreshCounters, and returns a per-bucket
// breakdown alongside the totals.
func (m *Manager) Stats(project string) (*ProjectStats, error) {
	if err := m.RefreshCounters(project); err != nil {
		return nil, err
	}

	bucketNames, err := m.layout.ListBuckets(project)
	if err != nil {
		return nil, err
	}

	stats := &ProjectStats{BucketCount: len(bucketNames)}
	for _, b := range bucketNames {
		tableNames, err := m.layout.ListTables(project, types.MainBranchID, b)
		if err != nil {
			return nil, err
		}
		var bucketSize int64
		for _, t := range tableNames {
			if sz, err := m.layout.TableSizeBytes(project, types.MainBranchID, b, t); err == nil {
				bucketSize += sz
			}
		}
		stats.TableCount += len(tableNames)
		stats.SizeBytes += bucketSize
		stats.Buckets = append(stats.Buckets, BucketStats{Bucket: b, TableCount: len(tableNames), SizeBytes: bucketSize})
	}
	return stats, nil
}

func (m *Manager) withEngine(ctx context.Context, path string, fn func(*engine.Conn) error) error {
	conn, err := engine.Open(ctx, path, m.engineOpts)
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(conn)
}

func toEngineColumns(columns []types.Column) []engine.ColumnDef {
	out := make([]engine.ColumnDef, len(columns))
	for i, c := range columns {
		out[i] = engine.ColumnDef{Name: c.Name, Type: c.Type, Nullable: c.Nullable}
	}
	return out
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
