// Package httpapi is the HTTP façade (component M): stdlib net/http
// routing (Go 1.22+ method+pattern mux) binding every resource operation
// to the underlying managers, an idempotency-cache middleware, a
// request-id middleware, health/ready handlers adapted from the
// teacher's pkg/api/health.go, and the /command envelope endpoint backed
// by the shared dispatcher registry.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/keboola/storage-duckdb/pkg/apierr"
	"github.com/keboola/storage-duckdb/pkg/auth"
	"github.com/keboola/storage-duckdb/pkg/backend"
	"github.com/keboola/storage-duckdb/pkg/branch"
	"github.com/keboola/storage-duckdb/pkg/catalog"
	"github.com/keboola/storage-duckdb/pkg/dispatcher"
	"github.com/keboola/storage-duckdb/pkg/idempotency"
	"github.com/keboola/storage-duckdb/pkg/importexport"
	"github.com/keboola/storage-duckdb/pkg/metrics"
	"github.com/keboola/storage-duckdb/pkg/s3stage"
	"github.com/keboola/storage-duckdb/pkg/snapshot"
	"github.com/keboola/storage-duckdb/pkg/tenant"
	"github.com/rs/zerolog"
)

// Server wires every component's manager to HTTP routes.
type Server struct {
	cat        *catalog.Catalog
	tenants    *tenant.Manager
	branches   *branch.Manager
	snapshots  *snapshot.Manager
	pipeline   *importexport.Pipeline
	auth       *auth.Manager
	files      *s3stage.Manager
	idem       *idempotency.Cache
	dispatcher *dispatcher.Registry
	log        zerolog.Logger
	adminKey   string
	roots      backend.Roots
	startedAt  time.Time
}

// Deps bundles every manager the façade needs, so New has a single
// parameter and adding a component never changes its signature.
type Deps struct {
	Catalog      *catalog.Catalog
	Tenants      *tenant.Manager
	Branches     *branch.Manager
	Snapshots    *snapshot.Manager
	Pipeline     *importexport.Pipeline
	Auth         *auth.Manager
	Files        *s3stage.Manager
	Idempotency  *idempotency.Cache
	Dispatcher   *dispatcher.Registry
	Logger       zerolog.Logger
	AdminKey     string
	BackendRoots backend.Roots
}

func New(d Deps) *Server {
	return &Server{
		cat: d.Catalog, tenants: d.Tenants, branches: d.Branches, snapshots: d.Snapshots,
		pipeline: d.Pipeline, auth: d.Auth, files: d.Files, idem: d.Idempotency,
		dispatcher: d.Dispatcher, log: d.Logger, adminKey: d.AdminKey, roots: d.BackendRoots,
		startedAt: time.Now(),
	}
}

// Handler builds the full route table as an http.Handler, wrapped with
// the request-id and idempotency middlewares.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("POST /command", s.handleCommand)

	mux.HandleFunc("POST /backend/init", s.requireAdmin(s.handleBackendInit))
	mux.HandleFunc("POST /backend/remove", s.requireAdmin(s.handleBackendRemove))

	mux.HandleFunc("POST /projects", s.requireAdmin(s.handleCreateProject))
	mux.HandleFunc("DELETE /projects/{project}", s.requireScope(true, s.handleDropProject))
	mux.HandleFunc("GET /projects/{project}/stats", s.requireScope(false, s.handleProjectStats))
	mux.HandleFunc("POST /projects/{project}/buckets", s.requireScope(true, s.handleCreateBucket))
	mux.HandleFunc("GET /projects/{project}/buckets", s.requireScope(false, s.handleListBuckets))
	mux.HandleFunc("DELETE /projects/{project}/buckets/{bucket}", s.requireScope(true, s.handleDeleteBucket))
	mux.HandleFunc("POST /projects/{project}/buckets/{bucket}/tables", s.requireScope(true, s.handleCreateTable))
	mux.HandleFunc("GET /projects/{project}/buckets/{bucket}/tables", s.requireScope(false, s.handleListTables))
	mux.HandleFunc("GET /projects/{project}/buckets/{bucket}/tables/{table}", s.requireScope(false, s.handleGetTable))
	mux.HandleFunc("GET /projects/{project}/buckets/{bucket}/tables/{table}/schema", s.requireScope(false, s.handleGetTableSchema))
	mux.HandleFunc("DELETE /projects/{project}/buckets/{bucket}/tables/{table}", s.requireScope(true, s.handleDeleteTable))
	mux.HandleFunc("GET /projects/{project}/buckets/{bucket}/tables/{table}/preview", s.requireScope(false, s.handlePreviewTable))

	mux.HandleFunc("POST /projects/{project}/api-keys", s.requireProjectAdminScope(s.handleCreateAPIKey))
	mux.HandleFunc("GET /projects/{project}/api-keys", s.requireProjectAdminScope(s.handleListAPIKeys))
	mux.HandleFunc("POST /api-keys/{id}/revoke", s.handleRevokeAPIKey)
	mux.HandleFunc("POST /api-keys/{id}/rotate", s.handleRotateAPIKey)

	mux.HandleFunc("POST /projects/{project}/branches", s.requireScope(true, s.handleCreateBranch))
	mux.HandleFunc("GET /projects/{project}/branches", s.requireScope(false, s.handleListBranches))
	mux.HandleFunc("DELETE /projects/{project}/branches/{branch}", s.requireScope(true, s.handleDeleteBranch))
	mux.HandleFunc("POST /projects/{project}/branches/{branch}/buckets/{bucket}/tables/{table}/pull", s.requireScope(true, s.handlePullTable))

	mux.HandleFunc("POST /projects/{project}/buckets/{bucket}/tables/{table}/snapshots", s.requireScope(true, s.handleCreateSnapshot))
	mux.HandleFunc("GET /projects/{project}/buckets/{bucket}/tables/{table}/snapshots", s.requireScope(false, s.handleListSnapshots))
	mux.HandleFunc("GET /snapshots/{id}", s.handleGetSnapshot)
	mux.HandleFunc("POST /snapshots/{id}/restore", s.handleRestoreSnapshot)
	mux.HandleFunc("DELETE /snapshots/{id}", s.handleDeleteSnapshot)

	mux.HandleFunc("POST /projects/{project}/branches/{branch}/buckets/{bucket}/tables/{table}/import", s.requireScope(true, s.handleImport))
	mux.HandleFunc("POST /projects/{project}/branches/{branch}/buckets/{bucket}/tables/{table}/export", s.requireScope(false, s.handleExport))

	mux.HandleFunc("POST /projects/{project}/files", s.requireScope(true, s.handleStageFile))
	mux.HandleFunc("POST /files/{id}/promote", s.handlePromoteFile)
	mux.HandleFunc("GET /files/{id}", s.handleGetFile)
	mux.HandleFunc("DELETE /files/{id}", s.handleDeleteFile)
	mux.HandleFunc("GET /projects/{project}/files", s.requireScope(false, s.handleListFiles))

	return withRequestID(s.withIdempotency(mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{"catalog": "ok"}
	if _, err := s.cat.ListProjects(); err != nil {
		checks["catalog"] = "error: " + err.Error()
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready", "timestamp": time.Now(), "checks": checks,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready", "timestamp": time.Now(), "checks": checks,
	})
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var env dispatcher.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeError(w, apierr.InvalidArgument("malformed command envelope: %v", err))
		return
	}

	creds := s.credentialsFromRequest(r)
	opts := dispatcher.RuntimeOptions{
		IdempotencyKey: r.Header.Get("X-Idempotency-Key"),
		RequestID:      requestIDFrom(r.Context()),
	}

	result := s.dispatcher.Dispatch(r.Context(), env, creds, opts)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) credentialsFromRequest(r *http.Request) *dispatcher.Credentials {
	if s.isAdminKey(r) {
		return &dispatcher.Credentials{IsAdmin: true}
	}
	raw := bearerOrAPIKey(r)
	if raw == "" {
		return nil
	}
	key, err := s.auth.Authenticate(raw)
	if err != nil {
		return nil
	}
	return &dispatcher.Credentials{Project: key.Project, Branch: key.Branch, KeyID: key.ID, Scope: key.Scope}
}

func bearerOrAPIKey(r *http.Request) string {
	if v := r.Header.Get("X-Api-Key"); v != "" {
		return v
	}
	if auth := r.Header.Get("Authorization"); len(auth) > 7 && auth[:7] == "Bearer " {
		return auth[7:]
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	kind := apierr.KindOf(err)
	writeJSON(w, kind.HTTPStatus(), map[string]any{
		"error": map[string]string{"code": kind.EnvelopeCode(), "message": err.Error()},
	})
}

type requestIDKey struct{}

func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		ctx := contextWithRequestID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
