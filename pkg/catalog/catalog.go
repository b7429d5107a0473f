// Package catalog implements the Metadata Catalog (component C): a
// bbolt-backed cache and audit record over the projects, buckets, tables,
// branches, snapshots, API keys, files, idempotency entries, wire
// sessions, and operation log the filesystem is the real source of truth
// for. It adapts the teacher's pkg/storage BoltStore shape — one bucket
// per entity type, JSON blob values, CRUD via db.Update/db.View — re-keyed
// to this domain's entities.
package catalog

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/keboola/storage-duckdb/pkg/apierr"
	"github.com/keboola/storage-duckdb/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketProjects         = []byte("projects")
	bucketBuckets          = []byte("buckets")
	bucketTables           = []byte("tables")
	bucketBranches         = []byte("branches")
	bucketBranchTables     = []byte("branch_tables")
	bucketSnapshots        = []byte("snapshots")
	bucketSnapshotSettings = []byte("snapshot_settings")
	bucketAPIKeys          = []byte("api_keys")
	bucketFiles            = []byte("files")
	bucketIdempotency      = []byte("idempotency")
	bucketOperationLog     = []byte("operation_log")
	bucketWorkspaces       = []byte("workspaces")
	bucketWireSessions     = []byte("wire_sessions")

	allBuckets = [][]byte{
		bucketProjects, bucketBuckets, bucketTables, bucketBranches,
		bucketBranchTables, bucketSnapshots, bucketSnapshotSettings,
		bucketAPIKeys, bucketFiles, bucketIdempotency, bucketOperationLog,
		bucketWorkspaces, bucketWireSessions,
	}
)

// Catalog is the bbolt-backed metadata store.
type Catalog struct {
	db *bolt.DB
}

// Open opens (creating if absent) the catalog file at path, which may be
// a bare directory (in which case "catalog.db" is appended) or a full
// file path.
func Open(path string) (*Catalog, error) {
	dbPath := path
	if filepath.Ext(path) == "" {
		dbPath = filepath.Join(path, "catalog.db")
	}

	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("catalog: open %s: %w", dbPath, err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, err
	}

	return &Catalog{db: db}, nil
}

func (c *Catalog) Close() error { return c.db.Close() }

func put(tx *bolt.Tx, bucket []byte, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return tx.Bucket(bucket).Put([]byte(key), data)
}

func get[T any](tx *bolt.Tx, bucket []byte, key string, kind string) (*T, error) {
	data := tx.Bucket(bucket).Get([]byte(key))
	if data == nil {
		return nil, apierr.NotFound("%s not found: %s", kind, key)
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func forEach[T any](tx *bolt.Tx, bucket []byte, fn func(key string, v *T) error) error {
	return tx.Bucket(bucket).ForEach(func(k, data []byte) error {
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		return fn(string(k), &v)
	})
}

// --- Projects ---

func projectKey(id string) string { return id }

func (c *Catalog) PutProject(p *types.Project) error {
	return c.db.Update(func(tx *bolt.Tx) error { return put(tx, bucketProjects, projectKey(p.ID), p) })
}

func (c *Catalog) GetProject(id string) (*types.Project, error) {
	var p *types.Project
	err := c.db.View(func(tx *bolt.Tx) error {
		var err error
		p, err = get[types.Project](tx, bucketProjects, projectKey(id), "project")
		return err
	})
	return p, err
}

func (c *Catalog) ListProjects() ([]*types.Project, error) {
	var out []*types.Project
	err := c.db.View(func(tx *bolt.Tx) error {
		return forEach(tx, bucketProjects, func(_ string, p *types.Project) error {
			out = append(out, p)
			return nil
		})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, err
}

func (c *Catalog) DeleteProject(id string) error {
	return c.db.Update(func(tx *bolt.Tx) error { return tx.Bucket(bucketProjects).Delete([]byte(projectKey(id))) })
}

// DeleteProjectCascade removes every catalog row owned by project, per
// the mandatory cascade-removal ownership rule (§3 Ownership).
func (c *Catalog) DeleteProjectCascade(project string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketProjects).Delete([]byte(projectKey(project))); err != nil {
			return err
		}
		for _, b := range []([]byte){
			bucketBuckets, bucketTables, bucketBranches, bucketBranchTables,
			bucketSnapshots, bucketSnapshotSettings, bucketAPIKeys, bucketFiles,
			bucketWorkspaces, bucketWireSessions,
		} {
			if err := deletePrefixed(tx, b, project+"/"); err != nil {
				return err
			}
		}
		return nil
	})
}

func deletePrefixed(tx *bolt.Tx, bucket []byte, prefix string) error {
	b := tx.Bucket(bucket)
	c := b.Cursor()
	var toDelete [][]byte
	p := []byte(prefix)
	for k, _ := c.Seek(p); k != nil && hasPrefix(k, p); k, _ = c.Next() {
		key := make([]byte, len(k))
		copy(key, k)
		toDelete = append(toDelete, key)
	}
	for _, k := range toDelete {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

// --- Buckets (cache rows; directory is the real existence test) ---

func bucketRowKey(project, bucket string) string { return project + "/" + bucket }

func (c *Catalog) PutBucket(b *types.Bucket) error {
	return c.db.Update(func(tx *bolt.Tx) error { return put(tx, bucketBuckets, bucketRowKey(b.Project, b.Name), b) })
}

func (c *Catalog) DeleteBucket(project, bucket string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBuckets).Delete([]byte(bucketRowKey(project, bucket)))
	})
}

func (c *Catalog) ListBuckets(project string) ([]*types.Bucket, error) {
	var out []*types.Bucket
	err := c.db.View(func(tx *bolt.Tx) error {
		return forEach(tx, bucketBuckets, func(_ string, b *types.Bucket) error {
			if b.Project == project {
				out = append(out, b)
			}
			return nil
		})
	})
	return out, err
}

// --- Tables (cache rows) ---

func tableRowKey(project, bucket, table string) string { return project + "/" + bucket + "/" + table }

func (c *Catalog) PutTable(t *types.Table) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketTables, tableRowKey(t.Project, t.Bucket, t.Name), t)
	})
}

func (c *Catalog) GetTable(project, bucket, table string) (*types.Table, error) {
	var t *types.Table
	err := c.db.View(func(tx *bolt.Tx) error {
		var err error
		t, err = get[types.Table](tx, bucketTables, tableRowKey(project, bucket, table), "table")
		return err
	})
	return t, err
}

func (c *Catalog) DeleteTable(project, bucket, table string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTables).Delete([]byte(tableRowKey(project, bucket, table)))
	})
}

func (c *Catalog) ListTables(project, bucket string) ([]*types.Table, error) {
	var out []*types.Table
	err := c.db.View(func(tx *bolt.Tx) error {
		return forEach(tx, bucketTables, func(_ string, t *types.Table) error {
			if t.Project == project && t.Bucket == bucket {
				out = append(out, t)
			}
			return nil
		})
	})
	return out, err
}

// --- Branches ---

func branchRowKey(project, branch string) string { return project + "/" + branch }

func (c *Catalog) PutBranch(b *types.Branch) error {
	return c.db.Update(func(tx *bolt.Tx) error { return put(tx, bucketBranches, branchRowKey(b.Project, b.ID), b) })
}

func (c *Catalog) GetBranch(project, branch string) (*types.Branch, error) {
	var b *types.Branch
	err := c.db.View(func(tx *bolt.Tx) error {
		var err error
		b, err = get[types.Branch](tx, bucketBranches, branchRowKey(project, branch), "branch")
		return err
	})
	return b, err
}

func (c *Catalog) ListBranches(project string) ([]*types.Branch, error) {
	var out []*types.Branch
	err := c.db.View(func(tx *bolt.Tx) error {
		return forEach(tx, bucketBranches, func(_ string, b *types.Branch) error {
			if b.Project == project {
				out = append(out, b)
			}
			return nil
		})
	})
	return out, err
}

func (c *Catalog) DeleteBranch(project, branch string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketBranches).Delete([]byte(branchRowKey(project, branch))); err != nil {
			return err
		}
		return deletePrefixed(tx, bucketBranchTables, project+"/"+branch+"/")
	})
}

// --- Branch tables (materialization tracking, §4.3) ---

func branchTableRowKey(project, branch, bucket, table string) string {
	return project + "/" + branch + "/" + bucket + "/" + table
}

func (c *Catalog) PutBranchTable(bt *types.BranchTable) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketBranchTables, branchTableRowKey(bt.Project, bt.Branch, bt.Bucket, bt.Table), bt)
	})
}

// HasBranchTable reports whether (branch, bucket, table) has been
// materialized locally — the read/write routing invariant of §4.3.
func (c *Catalog) HasBranchTable(project, branch, bucket, table string) (bool, error) {
	var found bool
	err := c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketBranchTables).Get([]byte(branchTableRowKey(project, branch, bucket, table)))
		found = data != nil
		return nil
	})
	return found, err
}

func (c *Catalog) DeleteBranchTable(project, branch, bucket, table string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBranchTables).Delete([]byte(branchTableRowKey(project, branch, bucket, table)))
	})
}

// --- Snapshots ---

func (c *Catalog) PutSnapshot(s *types.Snapshot) error {
	return c.db.Update(func(tx *bolt.Tx) error { return put(tx, bucketSnapshots, s.ID, s) })
}

func (c *Catalog) GetSnapshot(id string) (*types.Snapshot, error) {
	var s *types.Snapshot
	err := c.db.View(func(tx *bolt.Tx) error {
		var err error
		s, err = get[types.Snapshot](tx, bucketSnapshots, id, "snapshot")
		return err
	})
	return s, err
}

func (c *Catalog) DeleteSnapshot(id string) error {
	return c.db.Update(func(tx *bolt.Tx) error { return tx.Bucket(bucketSnapshots).Delete([]byte(id)) })
}

// ListSnapshots filters by project and optionally bucket/table/type.
func (c *Catalog) ListSnapshots(project, bucket, table string, typ types.SnapshotType) ([]*types.Snapshot, error) {
	var out []*types.Snapshot
	err := c.db.View(func(tx *bolt.Tx) error {
		return forEach(tx, bucketSnapshots, func(_ string, s *types.Snapshot) error {
			if s.Project != project {
				return nil
			}
			if bucket != "" && s.Bucket != bucket {
				return nil
			}
			if table != "" && s.Table != table {
				return nil
			}
			if typ != "" && s.Type != typ {
				return nil
			}
			out = append(out, s)
			return nil
		})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, err
}

// --- Snapshot settings (hierarchical policy layers) ---

func settingsRowKey(scope types.SnapshotScope, entityID string) string {
	return string(scope) + "/" + entityID
}

func (c *Catalog) PutSnapshotSettings(s *types.SnapshotSettings) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketSnapshotSettings, settingsRowKey(s.Scope, s.EntityID), s)
	})
}

// GetSnapshotSettings returns nil, nil if no override exists at this
// scope/entity (the resolver treats that as "inherit").
func (c *Catalog) GetSnapshotSettings(scope types.SnapshotScope, entityID string) (*types.SnapshotSettings, error) {
	var s *types.SnapshotSettings
	err := c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSnapshotSettings).Get([]byte(settingsRowKey(scope, entityID)))
		if data == nil {
			return nil
		}
		s = &types.SnapshotSettings{}
		return json.Unmarshal(data, s)
	})
	return s, err
}

func (c *Catalog) DeleteSnapshotSettings(scope types.SnapshotScope, entityID string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSnapshotSettings).Delete([]byte(settingsRowKey(scope, entityID)))
	})
}

// --- API keys ---

func (c *Catalog) PutAPIKey(k *types.APIKey) error {
	return c.db.Update(func(tx *bolt.Tx) error { return put(tx, bucketAPIKeys, k.ID, k) })
}

func (c *Catalog) GetAPIKey(id string) (*types.APIKey, error) {
	var k *types.APIKey
	err := c.db.View(func(tx *bolt.Tx) error {
		var err error
		k, err = get[types.APIKey](tx, bucketAPIKeys, id, "api key")
		return err
	})
	return k, err
}

// FindAPIKeyByHash scans for the key row whose stored hash matches.
// Scanning (not an index) is acceptable: key lookups happen once per
// request, not in a hot loop, and the pack's own teacher store uses the
// same ForEach-scan shape for every secondary lookup (GetByName, etc).
func (c *Catalog) FindAPIKeyByHash(hash string) (*types.APIKey, error) {
	var found *types.APIKey
	err := c.db.View(func(tx *bolt.Tx) error {
		return forEach(tx, bucketAPIKeys, func(_ string, k *types.APIKey) error {
			if k.KeyHash == hash {
				found = k
			}
			return nil
		})
	})
	if err == nil && found == nil {
		return nil, apierr.NotFound("api key not found")
	}
	return found, err
}

func (c *Catalog) ListAPIKeys(project string, includeRevoked bool) ([]*types.APIKey, error) {
	var out []*types.APIKey
	err := c.db.View(func(tx *bolt.Tx) error {
		return forEach(tx, bucketAPIKeys, func(_ string, k *types.APIKey) error {
			if k.Project != project {
				return nil
			}
			if !includeRevoked && k.Revoked {
				return nil
			}
			out = append(out, k)
			return nil
		})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, err
}

// CountActiveProjectAdminKeys supports the lockout-prevention invariant.
func (c *Catalog) CountActiveProjectAdminKeys(project string) (int, error) {
	keys, err := c.ListAPIKeys(project, false)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, k := range keys {
		if k.Scope == types.ScopeProjectAdmin {
			n++
		}
	}
	return n, nil
}

func (c *Catalog) DeleteAPIKey(id string) error {
	return c.db.Update(func(tx *bolt.Tx) error { return tx.Bucket(bucketAPIKeys).Delete([]byte(id)) })
}

// --- Files ---

func (c *Catalog) PutFile(f *types.File) error {
	return c.db.Update(func(tx *bolt.Tx) error { return put(tx, bucketFiles, f.ID, f) })
}

func (c *Catalog) GetFile(id string) (*types.File, error) {
	var f *types.File
	err := c.db.View(func(tx *bolt.Tx) error {
		var err error
		f, err = get[types.File](tx, bucketFiles, id, "file")
		return err
	})
	return f, err
}

func (c *Catalog) DeleteFile(id string) error {
	return c.db.Update(func(tx *bolt.Tx) error { return tx.Bucket(bucketFiles).Delete([]byte(id)) })
}

func (c *Catalog) ListFiles(project string) ([]*types.File, error) {
	var out []*types.File
	err := c.db.View(func(tx *bolt.Tx) error {
		return forEach(tx, bucketFiles, func(_ string, f *types.File) error {
			if f.Project == project {
				out = append(out, f)
			}
			return nil
		})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, err
}

// --- Idempotency entries ---

func (c *Catalog) PutIdempotencyEntry(e *types.IdempotencyEntry) error {
	return c.db.Update(func(tx *bolt.Tx) error { return put(tx, bucketIdempotency, e.Key, e) })
}

// GetIdempotencyEntry returns nil, nil if the key is absent (never
// cached, not merely expired — expiry is checked by the caller).
func (c *Catalog) GetIdempotencyEntry(key string) (*types.IdempotencyEntry, error) {
	var e *types.IdempotencyEntry
	err := c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketIdempotency).Get([]byte(key))
		if data == nil {
			return nil
		}
		e = &types.IdempotencyEntry{}
		return json.Unmarshal(data, e)
	})
	return e, err
}

func (c *Catalog) DeleteIdempotencyEntry(key string) error {
	return c.db.Update(func(tx *bolt.Tx) error { return tx.Bucket(bucketIdempotency).Delete([]byte(key)) })
}

// SweepExpiredIdempotencyEntries deletes every entry for which isExpired
// returns true, returning the count removed.
func (c *Catalog) SweepExpiredIdempotencyEntries(isExpired func(*types.IdempotencyEntry) bool) (int, error) {
	var removed int
	err := c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIdempotency)
		var toDelete [][]byte
		if err := b.ForEach(func(k, data []byte) error {
			var e types.IdempotencyEntry
			if err := json.Unmarshal(data, &e); err != nil {
				return err
			}
			if isExpired(&e) {
				key := make([]byte, len(k))
				copy(key, k)
				toDelete = append(toDelete, key)
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

// --- Operation log ---

// AppendOperationLog assigns the next monotonic sequence number within
// the operation_log bucket and appends entry, giving the per-project
// total order required by §5.
func (c *Catalog) AppendOperationLog(entry *types.OperationLogEntry) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOperationLog)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		entry.Sequence = seq
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		key := fmt.Sprintf("%020d", seq)
		return b.Put([]byte(key), data)
	})
}

func (c *Catalog) ListOperationLog(project string, limit int) ([]*types.OperationLogEntry, error) {
	var out []*types.OperationLogEntry
	err := c.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketOperationLog).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var e types.OperationLogEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			if project != "" && e.Project != project {
				continue
			}
			out = append(out, &e)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}

// --- Workspaces (wire-session auth targets) ---

func (c *Catalog) PutWorkspace(w *types.Workspace) error {
	return c.db.Update(func(tx *bolt.Tx) error { return put(tx, bucketWorkspaces, w.ID, w) })
}

func (c *Catalog) GetWorkspaceByUsername(username string) (*types.Workspace, error) {
	var found *types.Workspace
	err := c.db.View(func(tx *bolt.Tx) error {
		return forEach(tx, bucketWorkspaces, func(_ string, w *types.Workspace) error {
			if w.Username == username {
				found = w
			}
			return nil
		})
	})
	if err == nil && found == nil {
		return nil, apierr.NotFound("workspace not found: %s", username)
	}
	return found, err
}

// --- Wire sessions ---

func (c *Catalog) PutWireSession(s *types.WireSession) error {
	return c.db.Update(func(tx *bolt.Tx) error { return put(tx, bucketWireSessions, s.ID, s) })
}

func (c *Catalog) GetWireSession(id string) (*types.WireSession, error) {
	var s *types.WireSession
	err := c.db.View(func(tx *bolt.Tx) error {
		var err error
		s, err = get[types.WireSession](tx, bucketWireSessions, id, "session")
		return err
	})
	return s, err
}

func (c *Catalog) DeleteWireSession(id string) error {
	return c.db.Update(func(tx *bolt.Tx) error { return tx.Bucket(bucketWireSessions).Delete([]byte(id)) })
}

func (c *Catalog) ListWireSessions(workspace string, status types.WireSessionStatus) ([]*types.WireSession, error) {
	var out []*types.WireSession
	err := c.db.View(func(tx *bolt.Tx) error {
		return forEach(tx, bucketWireSessions, func(_ string, s *types.WireSession) error {
			if workspace != "" && s.Workspace != workspace {
				return nil
			}
			if status != "" && s.Status != status {
				return nil
			}
			out = append(out, s)
			return nil
		})
	})
	return out, err
}

// CountActiveSessions counts active sessions for a workspace, enforcing
// the per-workspace connection cap (§4.9 Authenticate).
func (c *Catalog) CountActiveSessions(workspace string) (int, error) {
	sessions, err := c.ListWireSessions(workspace, types.SessionActive)
	if err != nil {
		return 0, err
	}
	return len(sessions), nil
}
