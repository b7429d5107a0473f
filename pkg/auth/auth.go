// Package auth implements the Auth & API-Key Manager (§4.8): key
// generation, the two key-string formats, hashing/verification, lifecycle,
// and the lockout-prevention rule on a project's last admin key. Grounded
// in original_source/duckdb-api-service/src/auth.py's generate_api_key,
// generate_branch_key, parse_key_info, hash_key, and verify_key_hash.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/keboola/storage-duckdb/pkg/apierr"
	"github.com/keboola/storage-duckdb/pkg/catalog"
	"github.com/keboola/storage-duckdb/pkg/types"
)

// Manager issues, verifies, and revokes API keys.
type Manager struct {
	cat *catalog.Catalog
}

func New(cat *catalog.Catalog) *Manager {
	return &Manager{cat: cat}
}

// randomHex returns n random bytes hex-encoded.
func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("auth: read random: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// generateRawKey builds the full key string for scope, embedding project
// and (for branch scopes) branch into the key itself so parsing never
// needs a catalog lookup to recover them.
func generateRawKey(project string, scope types.KeyScope, branch string) (string, error) {
	secret, err := randomHex(16)
	if err != nil {
		return "", err
	}
	switch scope {
	case types.ScopeProjectAdmin:
		return fmt.Sprintf("proj_%s_admin_%s", project, secret), nil
	case types.ScopeBranchAdmin:
		return fmt.Sprintf("proj_%s_branch_%s_admin_%s", project, branch, secret), nil
	case types.ScopeBranchRead:
		return fmt.Sprintf("proj_%s_branch_%s_read_%s", project, branch, secret), nil
	default:
		return "", apierr.InvalidArgument("unknown key scope: %s", scope)
	}
}

// hashKey returns the SHA-256 hex digest of a raw key, the only form ever
// persisted.
func hashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// safePrefix returns everything before the key's random hex tail, the
// non-secret part safe to print in logs and list responses.
func safePrefix(raw string) string {
	if i := strings.LastIndex(raw, "_"); i >= 0 {
		return raw[:i+1]
	}
	return ""
}

// ParsedKey is the information recoverable from a raw key string without
// any catalog lookup.
type ParsedKey struct {
	Project string
	Scope   types.KeyScope
	Branch  string // empty unless Scope is branch-scoped
}

// ParseKey accepts both the legacy 4-part project-admin format
// (proj_<id>_admin_<hex>) and the 6-part branch-scoped format
// (proj_<id>_branch_<bid>_{admin|read}_<hex>).
func ParseKey(raw string) (ParsedKey, error) {
	parts := strings.Split(raw, "_")

	if len(parts) == 6 && parts[0] == "proj" && parts[2] == "branch" {
		switch parts[4] {
		case "admin":
			return ParsedKey{Project: parts[1], Scope: types.ScopeBranchAdmin, Branch: parts[3]}, nil
		case "read":
			return ParsedKey{Project: parts[1], Scope: types.ScopeBranchRead, Branch: parts[3]}, nil
		}
		return ParsedKey{}, apierr.Unauthenticated("malformed api key")
	}

	if len(parts) == 4 && parts[0] == "proj" && parts[2] == "admin" {
		return ParsedKey{Project: parts[1], Scope: types.ScopeProjectAdmin}, nil
	}

	return ParsedKey{}, apierr.Unauthenticated("malformed api key")
}

// Create mints a new key for the given project/scope/branch, persists its
// hash, and returns the raw key exactly once — it is never retrievable
// again.
func (m *Manager) Create(project, name string, scope types.KeyScope, branch string, expiresAt *time.Time) (raw string, key *types.APIKey, err error) {
	raw, err = generateRawKey(project, scope, branch)
	if err != nil {
		return "", nil, err
	}

	key = &types.APIKey{
		ID:         uuid.NewString(),
		Project:    project,
		Scope:      scope,
		Branch:     branch,
		Name:       name,
		KeyHash:    hashKey(raw),
		SafePrefix: safePrefix(raw),
		CreatedAt:  time.Now(),
		ExpiresAt:  expiresAt,
	}
	if err := m.cat.PutAPIKey(key); err != nil {
		return "", nil, err
	}
	return raw, key, nil
}

// Authenticate verifies a raw key against the catalog and returns its
// stored record if the key is valid, unexpired, and unrevoked.
func (m *Manager) Authenticate(raw string) (*types.APIKey, error) {
	hash := hashKey(raw)
	key, err := m.cat.FindAPIKeyByHash(hash)
	if err != nil {
		return nil, apierr.Unauthenticated("invalid api key")
	}
	if subtle.ConstantTimeCompare([]byte(key.KeyHash), []byte(hash)) != 1 {
		return nil, apierr.Unauthenticated("invalid api key")
	}
	if key.Revoked {
		return nil, apierr.Unauthenticated("api key revoked")
	}
	if key.ExpiresAt != nil && time.Now().After(*key.ExpiresAt) {
		return nil, apierr.Unauthenticated("api key expired")
	}
	return key, nil
}

func (m *Manager) List(project string, includeRevoked bool) ([]*types.APIKey, error) {
	return m.cat.ListAPIKeys(project, includeRevoked)
}

func (m *Manager) Get(id string) (*types.APIKey, error) {
	return m.cat.GetAPIKey(id)
}

// Revoke marks a key revoked, refusing to remove a project's last active
// project_admin key so a project never loses all administrative access.
func (m *Manager) Revoke(id string) error {
	key, err := m.cat.GetAPIKey(id)
	if err != nil {
		return err
	}
	if key.Revoked {
		return nil
	}
	if key.Scope == types.ScopeProjectAdmin {
		n, err := m.cat.CountActiveProjectAdminKeys(key.Project)
		if err != nil {
			return err
		}
		if n <= 1 {
			return apierr.Conflict("cannot revoke the last active project_admin key for project %s", key.Project)
		}
	}
	now := time.Now()
	key.Revoked = true
	key.RevokedAt = &now
	return m.cat.PutAPIKey(key)
}

// Rotate mints a replacement key with the same scope, branch and expiry,
// named after the old key with a " (rotated)" suffix, then marks the old
// key revoked (bypassing the lockout check, since the replacement already
// exists).
func (m *Manager) Rotate(id string) (raw string, key *types.APIKey, err error) {
	old, err := m.cat.GetAPIKey(id)
	if err != nil {
		return "", nil, err
	}

	raw, key, err = m.Create(old.Project, old.Name+" (rotated)", old.Scope, old.Branch, old.ExpiresAt)
	if err != nil {
		return "", nil, err
	}

	now := time.Now()
	old.Revoked = true
	old.RevokedAt = &now
	if err := m.cat.PutAPIKey(old); err != nil {
		return "", nil, err
	}
	return raw, key, nil
}

// Authorize checks whether key grants at least the requested scope
// against (project, branch). project_admin authorizes everything in its
// project; branch_admin authorizes read/write on its own branch only;
// branch_read authorizes read-only on its own branch only.
func Authorize(key *types.APIKey, project, branch string, requireWrite bool) error {
	return AuthorizeScope(key.Scope, key.Project, key.Branch, project, branch, requireWrite)
}

// AuthorizeScope is Authorize's logic against the bare scope/project/branch
// triple a caller's key grants, for callers that only have a
// dispatcher.Credentials rather than a full *types.APIKey (the command
// envelope transport).
func AuthorizeScope(scope types.KeyScope, keyProject, keyBranch, project, branch string, requireWrite bool) error {
	if keyProject != project {
		return apierr.Forbidden("key does not grant access to project %s", project)
	}
	switch scope {
	case types.ScopeProjectAdmin:
		return nil
	case types.ScopeBranchAdmin:
		if keyBranch != branch {
			return apierr.Forbidden("key is scoped to a different branch")
		}
		return nil
	case types.ScopeBranchRead:
		if keyBranch != branch {
			return apierr.Forbidden("key is scoped to a different branch")
		}
		if requireWrite {
			return apierr.Forbidden("key is read-only")
		}
		return nil
	default:
		return apierr.Forbidden("unrecognized key scope")
	}
}
