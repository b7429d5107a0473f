package auth

import (
	"path/filepath"
	"testing"

	"github.com/keboola/storage-duckdb/pkg/catalog"
	"github.com/keboola/storage-duckdb/pkg/types"
	"github.com/stretchr/testify/require"
)

func openTestManager(t *testing.T) *Manager {
	t.Helper()
	cat, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })
	return New(cat)
}

func TestCreateParseAuthenticateRoundTrip(t *testing.T) {
	m := openTestManager(t)

	raw, key, err := m.Create("p1", "root key", types.ScopeProjectAdmin, "", nil)
	require.NoError(t, err)

	parsed, err := ParseKey(raw)
	require.NoError(t, err)
	require.Equal(t, "p1", parsed.Project)
	require.Equal(t, types.ScopeProjectAdmin, parsed.Scope)

	got, err := m.Authenticate(raw)
	require.NoError(t, err)
	require.Equal(t, key.ID, got.ID)

	_, err = m.Authenticate(raw + "x")
	require.Error(t, err)
}

func TestBranchScopedKeyParsing(t *testing.T) {
	m := openTestManager(t)
	raw, _, err := m.Create("p1", "dev key", types.ScopeBranchRead, "dev1", nil)
	require.NoError(t, err)

	parsed, err := ParseKey(raw)
	require.NoError(t, err)
	require.Equal(t, types.ScopeBranchRead, parsed.Scope)
	require.Equal(t, "dev1", parsed.Branch)
}

func TestRevokeLastAdminKeyRefused(t *testing.T) {
	m := openTestManager(t)
	_, key, err := m.Create("p1", "only key", types.ScopeProjectAdmin, "", nil)
	require.NoError(t, err)

	err = m.Revoke(key.ID)
	require.Error(t, err)
}

func TestRevokeAllowedWithSpareAdminKey(t *testing.T) {
	m := openTestManager(t)
	_, key1, err := m.Create("p1", "key1", types.ScopeProjectAdmin, "", nil)
	require.NoError(t, err)
	_, _, err = m.Create("p1", "key2", types.ScopeProjectAdmin, "", nil)
	require.NoError(t, err)

	require.NoError(t, m.Revoke(key1.ID))
}

func TestAuthorizeScopes(t *testing.T) {
	admin := &types.APIKey{Project: "p1", Scope: types.ScopeProjectAdmin}
	require.NoError(t, Authorize(admin, "p1", "dev1", true))

	reader := &types.APIKey{Project: "p1", Scope: types.ScopeBranchRead, Branch: "dev1"}
	require.NoError(t, Authorize(reader, "p1", "dev1", false))
	require.Error(t, Authorize(reader, "p1", "dev1", true))
	require.Error(t, Authorize(reader, "p1", "dev2", false))
}
