// Package commands populates a dispatcher.Registry with the typed
// handlers backing the /command envelope transport, so the standalone
// command service exposes the same operations as the REST façade
// through one shared registry (§4.6).
package commands

import (
	"context"
	"encoding/json"

	"github.com/keboola/storage-duckdb/pkg/apierr"
	"github.com/keboola/storage-duckdb/pkg/auth"
	"github.com/keboola/storage-duckdb/pkg/branch"
	"github.com/keboola/storage-duckdb/pkg/dispatcher"
	"github.com/keboola/storage-duckdb/pkg/importexport"
	"github.com/keboola/storage-duckdb/pkg/s3stage"
	"github.com/keboola/storage-duckdb/pkg/snapshot"
	"github.com/keboola/storage-duckdb/pkg/tenant"
	"github.com/keboola/storage-duckdb/pkg/types"
)

// Deps bundles the managers command handlers dispatch into.
type Deps struct {
	Tenants   *tenant.Manager
	Branches  *branch.Manager
	Snapshots *snapshot.Manager
	Pipeline  *importexport.Pipeline
	Files     *s3stage.Manager
	Auth      *auth.Manager
}

// authorize checks creds against the scope table in §6 before a handler
// touches project/branch, the envelope transport's equivalent of the REST
// façade's requireScope middleware. A nil creds means the request carried
// no recognizable API key at all.
func authorize(creds *dispatcher.Credentials, project, branch string, requireWrite bool) error {
	if creds == nil {
		return apierr.Unauthenticated("missing api key")
	}
	if creds.IsAdmin {
		return nil
	}
	return auth.AuthorizeScope(creds.Scope, creds.Project, creds.Branch, project, branch, requireWrite)
}

// requireAdmin rejects any caller but the process-wide admin key, used for
// project creation since no project-scoped key can exist yet.
func requireAdmin(creds *dispatcher.Credentials) error {
	if creds == nil || !creds.IsAdmin {
		return apierr.Forbidden("admin key required")
	}
	return nil
}

// Register populates reg with every envelope command: table
// lifecycle, branches, snapshots, import/export, file staging, and
// API-key management, sharing the exact dispatcher registry the REST
// façade's /command route serves from.
func Register(reg *dispatcher.Registry, d Deps) {
	reg.Register("create_project", handleCreateProject(d))
	reg.Register("drop_project", handleDropProject(d))
	reg.Register("create_bucket", handleCreateBucket(d))
	reg.Register("delete_bucket", handleDeleteBucket(d))
	reg.Register("create_table", handleCreateTable(d))
	reg.Register("delete_table", handleDeleteTable(d))
	reg.Register("preview_table", handlePreviewTable(d))

	registerResourceCommands(reg, d)
}

type createProjectParams struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func handleCreateProject(d Deps) dispatcher.Handler {
	return func(ctx context.Context, raw json.RawMessage, creds *dispatcher.Credentials, opts dispatcher.RuntimeOptions) (any, []types.LogMessage, error) {
		if err := requireAdmin(creds); err != nil {
			return nil, nil, err
		}
		var p createProjectParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, nil, apierr.InvalidArgument("decode create_project params: %v", err)
		}
		proj, err := d.Tenants.CreateProject(p.ID, p.Name)
		return proj, nil, err
	}
}

type projectParams struct {
	Project string `json:"project"`
}

func handleDropProject(d Deps) dispatcher.Handler {
	return func(ctx context.Context, raw json.RawMessage, creds *dispatcher.Credentials, opts dispatcher.RuntimeOptions) (any, []types.LogMessage, error) {
		var p projectParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, nil, apierr.InvalidArgument("decode drop_project params: %v", err)
		}
		if err := authorize(creds, p.Project, types.MainBranchID, true); err != nil {
			return nil, nil, err
		}
		return nil, nil, d.Tenants.DropProject(p.Project)
	}
}

type createBucketParams struct {
	Project string `json:"project"`
	Bucket  string `json:"bucket"`
}

func handleCreateBucket(d Deps) dispatcher.Handler {
	return func(ctx context.Context, raw json.RawMessage, creds *dispatcher.Credentials, opts dispatcher.RuntimeOptions) (any, []types.LogMessage, error) {
		var p createBucketParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, nil, apierr.InvalidArgument("decode create_bucket params: %v", err)
		}
		if err := authorize(creds, p.Project, types.MainBranchID, true); err != nil {
			return nil, nil, err
		}
		b, err := d.Tenants.CreateBucket(p.Project, p.Bucket)
		return b, nil, err
	}
}

type deleteBucketParams struct {
	Project string `json:"project"`
	Bucket  string `json:"bucket"`
	Cascade bool   `json:"cascade"`
}

func handleDeleteBucket(d Deps) dispatcher.Handler {
	return func(ctx context.Context, raw json.RawMessage, creds *dispatcher.Credentials, opts dispatcher.RuntimeOptions) (any, []types.LogMessage, error) {
		var p deleteBucketParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, nil, apierr.InvalidArgument("decode delete_bucket params: %v", err)
		}
		if err := authorize(creds, p.Project, types.MainBranchID, true); err != nil {
			return nil, nil, err
		}
		return nil, nil, d.Tenants.DeleteBucket(p.Project, p.Bucket, p.Cascade)
	}
}

type createTableParams struct {
	Project    string         `json:"project"`
	Bucket     string         `json:"bucket"`
	Table      string         `json:"table"`
	Columns    []types.Column `json:"columns"`
	PrimaryKey []string       `json:"primary_key,omitempty"`
}

func handleCreateTable(d Deps) dispatcher.Handler {
	return func(ctx context.Context, raw json.RawMessage, creds *dispatcher.Credentials, opts dispatcher.RuntimeOptions) (any, []types.LogMessage, error) {
		var p createTableParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, nil, apierr.InvalidArgument("decode create_table params: %v", err)
		}
		if err := authorize(creds, p.Project, types.MainBranchID, true); err != nil {
			return nil, nil, err
		}
		table, err := d.Tenants.CreateTable(ctx, p.Project, p.Bucket, p.Table, p.Columns, p.PrimaryKey)
		return table, nil, err
	}
}

type tableParams struct {
	Project string `json:"project"`
	Bucket  string `json:"bucket"`
	Table   string `json:"table"`
}

func handleDeleteTable(d Deps) dispatcher.Handler {
	return func(ctx context.Context, raw json.RawMessage, creds *dispatcher.Credentials, opts dispatcher.RuntimeOptions) (any, []types.LogMessage, error) {
		var p tableParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, nil, apierr.InvalidArgument("decode delete_table params: %v", err)
		}
		if err := authorize(creds, p.Project, types.MainBranchID, true); err != nil {
			return nil, nil, err
		}
		return nil, nil, d.Tenants.DeleteTable(p.Project, p.Bucket, p.Table)
	}
}

type previewTableParams struct {
	Project string `json:"project"`
	Bucket  string `json:"bucket"`
	Table   string `json:"table"`
	Rows    int    `json:"rows"`
}

func handlePreviewTable(d Deps) dispatcher.Handler {
	return func(ctx context.Context, raw json.RawMessage, creds *dispatcher.Credentials, opts dispatcher.RuntimeOptions) (any, []types.LogMessage, error) {
		var p previewTableParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, nil, apierr.InvalidArgument("decode preview_table params: %v", err)
		}
		if err := authorize(creds, p.Project, types.MainBranchID, false); err != nil {
			return nil, nil, err
		}
		if p.Rows == 0 {
			p.Rows = 100
		}
		columns, rows, total, err := d.Tenants.Preview(ctx, p.Project, p.Bucket, p.Table, p.Rows)
		if err != nil {
			return nil, nil, err
		}
		return map[string]any{"columns": columns, "rows": rows, "total_rows": total}, nil, nil
	}
}
