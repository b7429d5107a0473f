// Package types holds the plain data-model structs shared across the
// storage backend: projects, buckets, tables, branches, snapshots, API
// keys, files, idempotency entries, the operation log, and wire sessions.
package types

import "time"

// ProjectStatus is the lifecycle status of a Project.
type ProjectStatus string

const (
	ProjectActive  ProjectStatus = "active"
	ProjectDeleted ProjectStatus = "deleted"
)

// Project is a top-level tenant. It owns a project directory on disk and a
// set of catalog rows (buckets, branches, snapshots, files, keys).
type Project struct {
	ID          string
	Name        string
	Status      ProjectStatus
	Settings    map[string]any
	BucketCount int
	TableCount  int
	SizeBytes   int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Bucket is a namespace inside a project; it exists iff its directory
// exists. Buckets are shared across branches.
type Bucket struct {
	Project    string
	Name       string
	TableCount int
	CreatedAt  time.Time
}

// Column describes one column of a table's logical relation.
type Column struct {
	Name     string
	Type     string
	Nullable bool
}

// Table is a single persistent relation stored as one file under its
// bucket directory.
type Table struct {
	Project    string
	Bucket     string
	Name       string
	Columns    []Column
	PrimaryKey []string // ordered subset of Columns, may be empty
	RowCount   int64
	SizeBytes  int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// HasPrimaryKey reports whether the table declares a primary key.
func (t *Table) HasPrimaryKey() bool {
	return len(t.PrimaryKey) > 0
}

// MainBranchID is the sentinel branch id that always resolves to the
// project's own main storage.
const MainBranchID = "default"

// Branch is a named variant of a project's data. The main branch
// (MainBranchID) is never stored as a catalog row; only dev branches are.
type Branch struct {
	Project   string
	ID        string
	CreatedAt time.Time
}

// BranchTable records that a dev branch has materialized its own local
// copy of (bucket, table); absence means the branch is still a live view
// of main for that table.
type BranchTable struct {
	Project   string
	Branch    string
	Bucket    string
	Table     string
	CreatedAt time.Time
}

// SnapshotType identifies why a snapshot was taken.
type SnapshotType string

const (
	SnapshotManual            SnapshotType = "manual"
	SnapshotAutoPreDrop       SnapshotType = "auto_predrop"
	SnapshotAutoPreTruncate   SnapshotType = "auto_pretruncate"
	SnapshotAutoPreDelete     SnapshotType = "auto_predelete"
	SnapshotAutoPreDropColumn SnapshotType = "auto_predrop_column"
)

// Snapshot is an immutable columnar export of a table at a point in time.
type Snapshot struct {
	ID         string
	Project    string
	Bucket     string
	Table      string
	Type       SnapshotType
	RowCount   int64
	SizeBytes  int64
	Columns    []Column
	PrimaryKey []string
	DataPath   string
	CreatedAt  time.Time
	ExpiresAt  *time.Time
}

// SnapshotScope is the entity level a SnapshotSettings row applies to.
type SnapshotScope string

const (
	ScopeSystem  SnapshotScope = "system"
	ScopeProject SnapshotScope = "project"
	ScopeBucket  SnapshotScope = "bucket"
	ScopeTable   SnapshotScope = "table"
)

// AutoSnapshotTriggers is the set of destructive operations that may
// trigger an automatic pre-operation snapshot.
type AutoSnapshotTriggers struct {
	DropTable     *bool `json:"drop_table,omitempty"`
	TruncateTable *bool `json:"truncate_table,omitempty"`
	DeleteAllRows *bool `json:"delete_all_rows,omitempty"`
	DropColumn    *bool `json:"drop_column,omitempty"`
}

// Retention holds the number of days manual and automatic snapshots are
// kept before becoming eligible for sweep.
type Retention struct {
	ManualDays *int `json:"manual_days,omitempty"`
	AutoDays   *int `json:"auto_days,omitempty"`
}

// SnapshotSettings is one partial configuration layer (system default, or
// an override at project/bucket/table scope). Every field is a
// pointer/subtree so an unset field can be distinguished from an explicit
// false/zero and preserves inheritance from the layer above.
type SnapshotSettings struct {
	Scope                SnapshotScope
	EntityID             string
	Enabled              *bool
	AutoSnapshotTriggers AutoSnapshotTriggers
	Retention            Retention
}

// KeyScope is the authorization scope an API key grants.
type KeyScope string

const (
	ScopeProjectAdmin KeyScope = "project_admin"
	ScopeBranchAdmin  KeyScope = "branch_admin"
	ScopeBranchRead   KeyScope = "branch_read"
)

// APIKey is a stored, hashed credential. The raw key is never persisted.
type APIKey struct {
	ID         string
	Project    string
	Scope      KeyScope
	Branch     string // empty unless Scope is branch-scoped
	Name       string
	KeyHash    string
	SafePrefix string
	CreatedAt  time.Time
	ExpiresAt  *time.Time
	Revoked    bool
	RevokedAt  *time.Time
}

// File is a staged or permanent uploaded object.
type File struct {
	ID          string
	Project     string
	Name        string
	Path        string // on-disk path, including the files root
	SizeBytes   int64
	ContentHash string
	ContentType string
	IsStaged    bool
	Tags        map[string]string
	CreatedAt   time.Time
	ExpiresAt   *time.Time
}

// IdempotencyEntry records one previously executed mutating request so a
// retry with the same caller-supplied key can be replayed verbatim.
type IdempotencyEntry struct {
	Key          string
	Method       string
	Endpoint     string
	BodyHash     string
	ResponseCode int
	ResponseBody []byte
	ContentType  string
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

// OperationLogEntry is one append-only audit row.
type OperationLogEntry struct {
	Sequence     uint64
	Operation    string
	Status       string
	Project      string
	ResourceType string
	ResourceID   string
	ErrorMessage string
	DurationMS   int64
	CreatedAt    time.Time
}

// WireSessionStatus is the lifecycle state of a WireSession.
type WireSessionStatus string

const (
	SessionActive      WireSessionStatus = "active"
	SessionIdleTimeout WireSessionStatus = "idle_timeout"
	SessionDisconnect  WireSessionStatus = "user_disconnect"
	SessionError       WireSessionStatus = "error"
)

// WireSession tracks one connection through the wire-protocol bridge.
type WireSession struct {
	ID           string
	Workspace    string
	Project      string
	Branch       string
	ClientAddr   string
	StartedAt    time.Time
	LastActivity time.Time
	QueryCount   int64
	Status       WireSessionStatus
}

// Workspace is the credential/connection-limit unit the wire-session
// bridge authenticates against.
type Workspace struct {
	ID             string
	Project        string
	Branch         string
	Username       string
	PasswordHash   string
	Active         bool
	ExpiresAt      *time.Time
	MaxConnections int
}

// AttachableTable describes one table a wire session may read, resolved
// to its concrete on-disk path (branch-local copy if materialized, else
// main's current file).
type AttachableTable struct {
	Bucket   string
	Table    string
	Path     string
	RowCount int64
}

// LogSeverity is the severity of one dispatcher-collected log message.
type LogSeverity string

const (
	SeverityDebug LogSeverity = "debug"
	SeverityInfo  LogSeverity = "informational"
	SeverityWarn  LogSeverity = "warning"
	SeverityError LogSeverity = "error"
)

// LogMessage is one entry in a handler's collected-message list, returned
// to the caller alongside the typed response.
type LogMessage struct {
	Severity LogSeverity
	Message  string
}
