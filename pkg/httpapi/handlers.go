package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/keboola/storage-duckdb/pkg/apierr"
	"github.com/keboola/storage-duckdb/pkg/backend"
	"github.com/keboola/storage-duckdb/pkg/importexport"
	"github.com/keboola/storage-duckdb/pkg/types"
)

// --- Backend ---

func (s *Server) handleBackendInit(w http.ResponseWriter, r *http.Request) {
	result, err := backend.Init(s.roots)
	if err != nil {
		writeError(w, apierr.Internal("backend init failed: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleBackendRemove(w http.ResponseWriter, r *http.Request) {
	backend.Remove()
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "backend removal acknowledged (no-op)"})
}

// --- Projects, buckets, tables ---

type createProjectRequest struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.InvalidArgument("invalid request body: %v", err))
		return
	}
	proj, err := s.tenants.CreateProject(req.ID, req.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, proj)
}

func (s *Server) handleDropProject(w http.ResponseWriter, r *http.Request) {
	if err := s.tenants.DropProject(r.PathValue("project")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type createBucketRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleCreateBucket(w http.ResponseWriter, r *http.Request) {
	var req createBucketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.InvalidArgument("invalid request body: %v", err))
		return
	}
	b, err := s.tenants.CreateBucket(r.PathValue("project"), req.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func (s *Server) handleProjectStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.tenants.Stats(r.PathValue("project"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleListBuckets(w http.ResponseWriter, r *http.Request) {
	buckets, err := s.tenants.ListBuckets(r.PathValue("project"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, buckets)
}

func (s *Server) handleDeleteBucket(w http.ResponseWriter, r *http.Request) {
	cascade := r.URL.Query().Get("cascade") == "true"
	if err := s.tenants.DeleteBucket(r.PathValue("project"), r.PathValue("bucket"), cascade); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type createTableRequest struct {
	Name       string         `json:"name"`
	Columns    []types.Column `json:"columns"`
	PrimaryKey []string       `json:"primary_key,omitempty"`
}

func (s *Server) handleCreateTable(w http.ResponseWriter, r *http.Request) {
	var req createTableRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.InvalidArgument("invalid request body: %v", err))
		return
	}
	table, err := s.tenants.CreateTable(r.Context(), r.PathValue("project"), r.PathValue("bucket"), req.Name, req.Columns, req.PrimaryKey)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, table)
}

func (s *Server) handleListTables(w http.ResponseWriter, r *http.Request) {
	tables, err := s.tenants.ListTables(r.PathValue("project"), r.PathValue("bucket"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tables)
}

func (s *Server) handleGetTable(w http.ResponseWriter, r *http.Request) {
	table, err := s.tenants.GetTable(r.PathValue("project"), r.PathValue("bucket"), r.PathValue("table"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, table)
}

func (s *Server) handleGetTableSchema(w http.ResponseWriter, r *http.Request) {
	table, err := s.tenants.GetTable(r.PathValue("project"), r.PathValue("bucket"), r.PathValue("table"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"columns":     table.Columns,
		"primary_key": table.PrimaryKey,
	})
}

func (s *Server) handleDeleteTable(w http.ResponseWriter, r *http.Request) {
	if err := s.tenants.DeleteTable(r.PathValue("project"), r.PathValue("bucket"), r.PathValue("table")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePreviewTable(w http.ResponseWriter, r *http.Request) {
	n := 100
	if raw := r.URL.Query().Get("rows"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			n = parsed
		}
	}
	columns, rows, total, err := s.tenants.Preview(r.Context(), r.PathValue("project"), r.PathValue("bucket"), r.PathValue("table"), n)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"columns": columns, "rows": rows, "total_rows": total})
}

// --- API keys ---

type createAPIKeyRequest struct {
	Name      string         `json:"name"`
	Scope     types.KeyScope `json:"scope"`
	Branch    string         `json:"branch,omitempty"`
	ExpiresAt *time.Time     `json:"expires_at,omitempty"`
}

type createAPIKeyResponse struct {
	Key    string        `json:"key"`
	APIKey *types.APIKey `json:"api_key"`
}

func (s *Server) handleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	project := r.PathValue("project")
	var req createAPIKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.InvalidArgument("invalid request body: %v", err))
		return
	}
	raw, key, err := s.auth.Create(project, req.Name, req.Scope, req.Branch, req.ExpiresAt)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, createAPIKeyResponse{Key: raw, APIKey: key})
}

func (s *Server) handleListAPIKeys(w http.ResponseWriter, r *http.Request) {
	project := r.PathValue("project")
	keys, err := s.auth.List(project, r.URL.Query().Get("include_revoked") == "true")
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, keys)
}

func (s *Server) handleRevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.authorizeKeyManagement(r, id); err != nil {
		writeError(w, err)
		return
	}
	if err := s.auth.Revoke(id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRotateAPIKey(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.authorizeKeyManagement(r, id); err != nil {
		writeError(w, err)
		return
	}
	raw, key, err := s.auth.Rotate(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, createAPIKeyResponse{Key: raw, APIKey: key})
}

// --- Branches ---

func (s *Server) handleCreateBranch(w http.ResponseWriter, r *http.Request) {
	b, err := s.branches.CreateBranch(r.PathValue("project"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func (s *Server) handleListBranches(w http.ResponseWriter, r *http.Request) {
	list, err := s.branches.ListBranches(r.PathValue("project"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleDeleteBranch(w http.ResponseWriter, r *http.Request) {
	if err := s.branches.DeleteBranch(r.PathValue("project"), r.PathValue("branch")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePullTable(w http.ResponseWriter, r *http.Request) {
	err := s.branches.PullTable(r.Context(), r.PathValue("project"), r.PathValue("branch"), r.PathValue("bucket"), r.PathValue("table"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Snapshots ---

type createSnapshotRequest struct {
	Type types.SnapshotType `json:"type"`
}

func (s *Server) handleCreateSnapshot(w http.ResponseWriter, r *http.Request) {
	var req createSnapshotRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Type == "" {
		req.Type = types.SnapshotManual
	}
	snap, err := s.snapshots.Create(r.Context(), r.PathValue("project"), r.PathValue("bucket"), r.PathValue("table"), req.Type)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

func (s *Server) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	list, err := s.snapshots.List(r.PathValue("project"), r.PathValue("bucket"), r.PathValue("table"), "")
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.snapshots.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.authorize(r, snap.Project, types.MainBranchID, false); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type restoreSnapshotRequest struct {
	TargetBucket string `json:"target_bucket,omitempty"`
	TargetTable  string `json:"target_table,omitempty"`
}

func (s *Server) handleRestoreSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.snapshots.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.authorize(r, snap.Project, types.MainBranchID, true); err != nil {
		writeError(w, err)
		return
	}
	var req restoreSnapshotRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if err := s.snapshots.Restore(r.Context(), snap.Project, snap.Bucket, snap.Table, snap.ID, req.TargetBucket, req.TargetTable); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteSnapshot(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	snap, err := s.snapshots.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.authorize(r, snap.Project, types.MainBranchID, true); err != nil {
		writeError(w, err)
		return
	}
	if err := s.snapshots.Delete(id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Import / export ---

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	var opts importexport.ImportOptions
	if err := json.NewDecoder(r.Body).Decode(&opts); err != nil {
		writeError(w, apierr.InvalidArgument("invalid request body: %v", err))
		return
	}
	result, err := s.pipeline.Import(r.Context(), r.PathValue("project"), r.PathValue("branch"), r.PathValue("bucket"), r.PathValue("table"), opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"imported_rows":    result.ImportedRows,
		"table_rows_after": result.TableRowsAfter,
		"table_size_bytes": result.TableSizeBytes,
		"warnings":         result.Warnings,
	})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	var opts importexport.ExportOptions
	if err := json.NewDecoder(r.Body).Decode(&opts); err != nil {
		writeError(w, apierr.InvalidArgument("invalid request body: %v", err))
		return
	}
	rows, err := s.pipeline.Export(r.Context(), r.PathValue("project"), r.PathValue("branch"), r.PathValue("bucket"), r.PathValue("table"), opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"rows_exported": rows})
}

// --- Files ---

func (s *Server) handleStageFile(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	contentType := r.Header.Get("Content-Type")
	file, err := s.files.Stage(r.PathValue("project"), name, contentType, r.Body)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, file)
}

func (s *Server) handlePromoteFile(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	file, err := s.files.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.authorize(r, file.Project, types.MainBranchID, true); err != nil {
		writeError(w, err)
		return
	}
	file, err = s.files.Promote(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, file)
}

func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	file, err := s.files.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.authorize(r, file.Project, types.MainBranchID, false); err != nil {
		writeError(w, err)
		return
	}
	body, file, err := s.files.Open(id)
	if err != nil {
		writeError(w, err)
		return
	}
	defer body.Close()
	w.Header().Set("Content-Type", file.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(file.SizeBytes, 10))
	_, _ = io.Copy(w, body)
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	file, err := s.files.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.authorize(r, file.Project, types.MainBranchID, true); err != nil {
		writeError(w, err)
		return
	}
	if err := s.files.Delete(id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	files, err := s.files.List(r.PathValue("project"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, files)
}
