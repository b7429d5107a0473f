package commands

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"

	"github.com/keboola/storage-duckdb/pkg/apierr"
	"github.com/keboola/storage-duckdb/pkg/auth"
	"github.com/keboola/storage-duckdb/pkg/dispatcher"
	"github.com/keboola/storage-duckdb/pkg/importexport"
	"github.com/keboola/storage-duckdb/pkg/types"
)

// registerResourceCommands wires the branch, snapshot, import/export,
// file-staging, and API-key operations onto reg, rounding out the
// table-lifecycle commands into the full envelope-transport surface.
func registerResourceCommands(reg *dispatcher.Registry, d Deps) {
	reg.Register("create_branch", handleCreateBranch(d))
	reg.Register("delete_branch", handleDeleteBranch(d))
	reg.Register("pull_table", handlePullTable(d))

	reg.Register("create_snapshot", handleCreateSnapshot(d))
	reg.Register("restore_snapshot", handleRestoreSnapshot(d))
	reg.Register("delete_snapshot", handleDeleteSnapshot(d))

	reg.Register("import_table", handleImportTable(d))
	reg.Register("export_table", handleExportTable(d))

	reg.Register("stage_file", handleStageFile(d))
	reg.Register("promote_file", handlePromoteFile(d))
	reg.Register("delete_file", handleDeleteFile(d))

	reg.Register("create_api_key", handleCreateAPIKey(d))
	reg.Register("revoke_api_key", handleRevokeAPIKey(d))
	reg.Register("rotate_api_key", handleRotateAPIKey(d))
}

// authorizeKeyManagement is authorize's equivalent for a command keyed by
// api-key id rather than project: the target key's own project is the one
// a caller must be project_admin on.
func authorizeKeyManagement(creds *dispatcher.Credentials, authMgr *auth.Manager, id string) error {
	if creds == nil {
		return apierr.Unauthenticated("missing api key")
	}
	if creds.IsAdmin {
		return nil
	}
	target, err := authMgr.Get(id)
	if err != nil {
		return err
	}
	if creds.Project != target.Project || creds.Scope != types.ScopeProjectAdmin {
		return apierr.Forbidden("project_admin key required")
	}
	return nil
}

type branchParams struct {
	Project string `json:"project"`
	Branch  string `json:"branch"`
}

func handleCreateBranch(d Deps) dispatcher.Handler {
	return func(ctx context.Context, raw json.RawMessage, creds *dispatcher.Credentials, opts dispatcher.RuntimeOptions) (any, []types.LogMessage, error) {
		var p projectParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, nil, apierr.InvalidArgument("decode create_branch params: %v", err)
		}
		if err := authorize(creds, p.Project, types.MainBranchID, true); err != nil {
			return nil, nil, err
		}
		b, err := d.Branches.CreateBranch(p.Project)
		return b, nil, err
	}
}

func handleDeleteBranch(d Deps) dispatcher.Handler {
	return func(ctx context.Context, raw json.RawMessage, creds *dispatcher.Credentials, opts dispatcher.RuntimeOptions) (any, []types.LogMessage, error) {
		var p branchParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, nil, apierr.InvalidArgument("decode delete_branch params: %v", err)
		}
		if err := authorize(creds, p.Project, types.MainBranchID, true); err != nil {
			return nil, nil, err
		}
		return nil, nil, d.Branches.DeleteBranch(p.Project, p.Branch)
	}
}

type pullTableParams struct {
	Project string `json:"project"`
	Branch  string `json:"branch"`
	Bucket  string `json:"bucket"`
	Table   string `json:"table"`
}

func handlePullTable(d Deps) dispatcher.Handler {
	return func(ctx context.Context, raw json.RawMessage, creds *dispatcher.Credentials, opts dispatcher.RuntimeOptions) (any, []types.LogMessage, error) {
		var p pullTableParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, nil, apierr.InvalidArgument("decode pull_table params: %v", err)
		}
		if err := authorize(creds, p.Project, p.Branch, true); err != nil {
			return nil, nil, err
		}
		return nil, nil, d.Branches.PullTable(ctx, p.Project, p.Branch, p.Bucket, p.Table)
	}
}

type createSnapshotParams struct {
	Project string             `json:"project"`
	Bucket  string             `json:"bucket"`
	Table   string             `json:"table"`
	Type    types.SnapshotType `json:"type"`
}

func handleCreateSnapshot(d Deps) dispatcher.Handler {
	return func(ctx context.Context, raw json.RawMessage, creds *dispatcher.Credentials, opts dispatcher.RuntimeOptions) (any, []types.LogMessage, error) {
		var p createSnapshotParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, nil, apierr.InvalidArgument("decode create_snapshot params: %v", err)
		}
		if err := authorize(creds, p.Project, types.MainBranchID, true); err != nil {
			return nil, nil, err
		}
		if p.Type == "" {
			p.Type = types.SnapshotManual
		}
		snap, err := d.Snapshots.Create(ctx, p.Project, p.Bucket, p.Table, p.Type)
		return snap, nil, err
	}
}

type restoreSnapshotParams struct {
	SnapshotID   string `json:"snapshot_id"`
	TargetBucket string `json:"target_bucket,omitempty"`
	TargetTable  string `json:"target_table,omitempty"`
}

func handleRestoreSnapshot(d Deps) dispatcher.Handler {
	return func(ctx context.Context, raw json.RawMessage, creds *dispatcher.Credentials, opts dispatcher.RuntimeOptions) (any, []types.LogMessage, error) {
		var p restoreSnapshotParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, nil, apierr.InvalidArgument("decode restore_snapshot params: %v", err)
		}
		snap, err := d.Snapshots.Get(p.SnapshotID)
		if err != nil {
			return nil, nil, err
		}
		if err := authorize(creds, snap.Project, types.MainBranchID, true); err != nil {
			return nil, nil, err
		}
		err = d.Snapshots.Restore(ctx, snap.Project, snap.Bucket, snap.Table, snap.ID, p.TargetBucket, p.TargetTable)
		return nil, nil, err
	}
}

type snapshotIDParams struct {
	SnapshotID string `json:"snapshot_id"`
}

func handleDeleteSnapshot(d Deps) dispatcher.Handler {
	return func(ctx context.Context, raw json.RawMessage, creds *dispatcher.Credentials, opts dispatcher.RuntimeOptions) (any, []types.LogMessage, error) {
		var p snapshotIDParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, nil, apierr.InvalidArgument("decode delete_snapshot params: %v", err)
		}
		snap, err := d.Snapshots.Get(p.SnapshotID)
		if err != nil {
			return nil, nil, err
		}
		if err := authorize(creds, snap.Project, types.MainBranchID, true); err != nil {
			return nil, nil, err
		}
		return nil, nil, d.Snapshots.Delete(p.SnapshotID)
	}
}

type importTableParams struct {
	Project string                    `json:"project"`
	Branch  string                    `json:"branch"`
	Bucket  string                    `json:"bucket"`
	Table   string                    `json:"table"`
	Options importexport.ImportOptions `json:"options"`
}

func handleImportTable(d Deps) dispatcher.Handler {
	return func(ctx context.Context, raw json.RawMessage, creds *dispatcher.Credentials, opts dispatcher.RuntimeOptions) (any, []types.LogMessage, error) {
		var p importTableParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, nil, apierr.InvalidArgument("decode import_table params: %v", err)
		}
		if err := authorize(creds, p.Project, p.Branch, true); err != nil {
			return nil, nil, err
		}
		result, err := d.Pipeline.Import(ctx, p.Project, p.Branch, p.Bucket, p.Table, p.Options)
		return result, nil, err
	}
}

type exportTableParams struct {
	Project string                    `json:"project"`
	Branch  string                    `json:"branch"`
	Bucket  string                    `json:"bucket"`
	Table   string                    `json:"table"`
	Options importexport.ExportOptions `json:"options"`
}

func handleExportTable(d Deps) dispatcher.Handler {
	return func(ctx context.Context, raw json.RawMessage, creds *dispatcher.Credentials, opts dispatcher.RuntimeOptions) (any, []types.LogMessage, error) {
		var p exportTableParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, nil, apierr.InvalidArgument("decode export_table params: %v", err)
		}
		if err := authorize(creds, p.Project, p.Branch, false); err != nil {
			return nil, nil, err
		}
		rows, err := d.Pipeline.Export(ctx, p.Project, p.Branch, p.Bucket, p.Table, p.Options)
		if err != nil {
			return nil, nil, err
		}
		return map[string]int64{"rows_exported": rows}, nil, nil
	}
}

type stageFileParams struct {
	Project       string `json:"project"`
	Name          string `json:"name"`
	ContentType   string `json:"content_type"`
	ContentBase64 string `json:"content_base64"`
}

func handleStageFile(d Deps) dispatcher.Handler {
	return func(ctx context.Context, raw json.RawMessage, creds *dispatcher.Credentials, opts dispatcher.RuntimeOptions) (any, []types.LogMessage, error) {
		var p stageFileParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, nil, apierr.InvalidArgument("decode stage_file params: %v", err)
		}
		if err := authorize(creds, p.Project, types.MainBranchID, true); err != nil {
			return nil, nil, err
		}
		content, err := base64.StdEncoding.DecodeString(p.ContentBase64)
		if err != nil {
			return nil, nil, apierr.InvalidArgument("content_base64: %v", err)
		}
		file, err := d.Files.Stage(p.Project, p.Name, p.ContentType, bytes.NewReader(content))
		return file, nil, err
	}
}

type fileIDParams struct {
	FileID string `json:"file_id"`
}

func handlePromoteFile(d Deps) dispatcher.Handler {
	return func(ctx context.Context, raw json.RawMessage, creds *dispatcher.Credentials, opts dispatcher.RuntimeOptions) (any, []types.LogMessage, error) {
		var p fileIDParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, nil, apierr.InvalidArgument("decode promote_file params: %v", err)
		}
		file, err := d.Files.Get(p.FileID)
		if err != nil {
			return nil, nil, err
		}
		if err := authorize(creds, file.Project, types.MainBranchID, true); err != nil {
			return nil, nil, err
		}
		file, err = d.Files.Promote(p.FileID)
		return file, nil, err
	}
}

func handleDeleteFile(d Deps) dispatcher.Handler {
	return func(ctx context.Context, raw json.RawMessage, creds *dispatcher.Credentials, opts dispatcher.RuntimeOptions) (any, []types.LogMessage, error) {
		var p fileIDParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, nil, apierr.InvalidArgument("decode delete_file params: %v", err)
		}
		file, err := d.Files.Get(p.FileID)
		if err != nil {
			return nil, nil, err
		}
		if err := authorize(creds, file.Project, types.MainBranchID, true); err != nil {
			return nil, nil, err
		}
		return nil, nil, d.Files.Delete(p.FileID)
	}
}

type createAPIKeyParams struct {
	Project string         `json:"project"`
	Name    string         `json:"name"`
	Scope   types.KeyScope `json:"scope"`
	Branch  string         `json:"branch,omitempty"`
}

func handleCreateAPIKey(d Deps) dispatcher.Handler {
	return func(ctx context.Context, raw json.RawMessage, creds *dispatcher.Credentials, opts dispatcher.RuntimeOptions) (any, []types.LogMessage, error) {
		var p createAPIKeyParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, nil, apierr.InvalidArgument("decode create_api_key params: %v", err)
		}
		if creds == nil {
			return nil, nil, apierr.Unauthenticated("missing api key")
		}
		if !creds.IsAdmin && (creds.Project != p.Project || creds.Scope != types.ScopeProjectAdmin) {
			return nil, nil, apierr.Forbidden("project_admin key required")
		}
		rawKey, key, err := d.Auth.Create(p.Project, p.Name, p.Scope, p.Branch, nil)
		if err != nil {
			return nil, nil, err
		}
		return map[string]any{"key": rawKey, "api_key": key}, nil, nil
	}
}

type apiKeyIDParams struct {
	ID string `json:"id"`
}

func handleRevokeAPIKey(d Deps) dispatcher.Handler {
	return func(ctx context.Context, raw json.RawMessage, creds *dispatcher.Credentials, opts dispatcher.RuntimeOptions) (any, []types.LogMessage, error) {
		var p apiKeyIDParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, nil, apierr.InvalidArgument("decode revoke_api_key params: %v", err)
		}
		if err := authorizeKeyManagement(creds, d.Auth, p.ID); err != nil {
			return nil, nil, err
		}
		return nil, nil, d.Auth.Revoke(p.ID)
	}
}

func handleRotateAPIKey(d Deps) dispatcher.Handler {
	return func(ctx context.Context, raw json.RawMessage, creds *dispatcher.Credentials, opts dispatcher.RuntimeOptions) (any, []types.LogMessage, error) {
		var p apiKeyIDParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, nil, apierr.InvalidArgument("decode rotate_api_key params: %v", err)
		}
		if err := authorizeKeyManagement(creds, d.Auth, p.ID); err != nil {
			return nil, nil, err
		}
		rawKey, key, err := d.Auth.Rotate(p.ID)
		if err != nil {
			return nil, nil, err
		}
		return map[string]any{"key": rawKey, "api_key": key}, nil, nil
	}
}

