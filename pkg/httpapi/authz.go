package httpapi

import (
	"crypto/subtle"
	"net/http"

	"github.com/keboola/storage-duckdb/pkg/apierr"
	"github.com/keboola/storage-duckdb/pkg/auth"
	"github.com/keboola/storage-duckdb/pkg/types"
)

// isAdminKey reports whether the request carries the process-wide admin
// secret, which bypasses per-project API-key scoping entirely (§4.8,
// §6 scope table's "admin" rows).
func (s *Server) isAdminKey(r *http.Request) bool {
	if s.adminKey == "" {
		return false
	}
	raw := bearerOrAPIKey(r)
	return raw != "" && subtle.ConstantTimeCompare([]byte(raw), []byte(s.adminKey)) == 1
}

// authorize resolves the caller's API key from the request and checks it
// grants requireWrite access to (project, branch), or lets the admin key
// through unconditionally.
func (s *Server) authorize(r *http.Request, project, branch string, requireWrite bool) error {
	if s.isAdminKey(r) {
		return nil
	}
	raw := bearerOrAPIKey(r)
	if raw == "" {
		return apierr.Unauthenticated("missing api key")
	}
	key, err := s.auth.Authenticate(raw)
	if err != nil {
		return err
	}
	return auth.Authorize(key, project, branch, requireWrite)
}

// requireAdmin wraps next so only the process-wide admin key may call it,
// used for project creation: no project-scoped key can exist yet.
func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.isAdminKey(r) {
			writeError(w, apierr.Forbidden("admin key required"))
			return
		}
		next(w, r)
	}
}

// requireScope wraps next so it only runs once the caller's key (or the
// admin key) is authorized for {project} (and {branch}, defaulting to
// main when the route has no branch segment) at the given write level.
func (s *Server) requireScope(requireWrite bool, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		branch := r.PathValue("branch")
		if branch == "" {
			branch = types.MainBranchID
		}
		if err := s.authorize(r, r.PathValue("project"), branch, requireWrite); err != nil {
			writeError(w, err)
			return
		}
		next(w, r)
	}
}

// requireProjectAdminScope wraps next so it only runs for the admin key or
// a project_admin-scoped key belonging to {project}, used for API-key
// management (§6: "project_admin" row).
func (s *Server) requireProjectAdminScope(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.isAdminKey(r) {
			next(w, r)
			return
		}
		raw := bearerOrAPIKey(r)
		if raw == "" {
			writeError(w, apierr.Unauthenticated("missing api key"))
			return
		}
		key, err := s.auth.Authenticate(raw)
		if err != nil {
			writeError(w, err)
			return
		}
		if key.Project != r.PathValue("project") || key.Scope != types.ScopeProjectAdmin {
			writeError(w, apierr.Forbidden("project_admin key required"))
			return
		}
		next(w, r)
	}
}

// authorizeKeyManagement is requireProjectAdminScope's logic for routes
// keyed by api-key id rather than project, used by revoke/rotate: the
// target key's own project is the one a caller must be project_admin on.
func (s *Server) authorizeKeyManagement(r *http.Request, id string) error {
	if s.isAdminKey(r) {
		return nil
	}
	target, err := s.auth.Get(id)
	if err != nil {
		return err
	}
	raw := bearerOrAPIKey(r)
	if raw == "" {
		return apierr.Unauthenticated("missing api key")
	}
	key, err := s.auth.Authenticate(raw)
	if err != nil {
		return err
	}
	if key.Project != target.Project || key.Scope != types.ScopeProjectAdmin {
		return apierr.Forbidden("project_admin key required")
	}
	return nil
}
