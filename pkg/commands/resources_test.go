package commands

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/keboola/storage-duckdb/pkg/auth"
	"github.com/keboola/storage-duckdb/pkg/branch"
	"github.com/keboola/storage-duckdb/pkg/catalog"
	"github.com/keboola/storage-duckdb/pkg/dispatcher"
	"github.com/keboola/storage-duckdb/pkg/engine"
	"github.com/keboola/storage-duckdb/pkg/layout"
	"github.com/keboola/storage-duckdb/pkg/tablelock"
	"github.com/keboola/storage-duckdb/pkg/tenant"
	"github.com/keboola/storage-duckdb/pkg/types"
	"github.com/stretchr/testify/require"
)

func newTestResourceRegistry(t *testing.T) (*dispatcher.Registry, *tenant.Manager) {
	t.Helper()
	cat, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })

	l := layout.New(t.TempDir())
	locks := tablelock.NewRegistry()
	tenants := tenant.New(l, cat, locks, engine.Options{})
	branches := branch.New(l, cat, locks)
	authMgr := auth.New(cat)

	reg := dispatcher.NewRegistry()
	Register(reg, Deps{Tenants: tenants, Branches: branches, Auth: authMgr})
	return reg, tenants
}

func TestCreateBranchAndPullTableViaCommands(t *testing.T) {
	reg, tenants := newTestResourceRegistry(t)
	ctx := context.Background()

	_, err := tenants.CreateProject("p1", "Project One")
	require.NoError(t, err)
	_, err = tenants.CreateBucket("p1", "in")
	require.NoError(t, err)
	_, err = tenants.CreateTable(ctx, "p1", "in", "t", []types.Column{{Name: "id", Type: "BIGINT"}}, nil)
	require.NoError(t, err)

	creds := projectAdminCreds("p1")

	result := reg.Dispatch(ctx, dispatcher.Envelope{
		Command: "create_branch",
		Params:  json.RawMessage(`{"project":"p1"}`),
	}, creds, dispatcher.RuntimeOptions{})
	require.Nil(t, result.Error)

	br, ok := result.Response.(*types.Branch)
	require.True(t, ok)

	result = reg.Dispatch(ctx, dispatcher.Envelope{
		Command: "pull_table",
		Params:  json.RawMessage(`{"project":"p1","branch":"` + br.ID + `","bucket":"in","table":"t"}`),
	}, creds, dispatcher.RuntimeOptions{})
	require.Nil(t, result.Error, "pulling a never-materialized table must be idempotent")
}

func TestPullTableWithoutCredentialsIsUnauthenticated(t *testing.T) {
	reg, tenants := newTestResourceRegistry(t)
	_, err := tenants.CreateProject("p1", "Project One")
	require.NoError(t, err)

	result := reg.Dispatch(context.Background(), dispatcher.Envelope{
		Command: "pull_table",
		Params:  json.RawMessage(`{"project":"p1","branch":"b1","bucket":"in","table":"t"}`),
	}, nil, dispatcher.RuntimeOptions{})
	require.NotNil(t, result.Error)
	require.Equal(t, "UNAUTHENTICATED", result.Error.Code)
}

func TestCreateAndRevokeAPIKeyViaCommands(t *testing.T) {
	reg, tenants := newTestResourceRegistry(t)
	_, err := tenants.CreateProject("p1", "Project One")
	require.NoError(t, err)

	result := reg.Dispatch(context.Background(), dispatcher.Envelope{
		Command: "create_api_key",
		Params:  json.RawMessage(`{"project":"p1","name":"ci","scope":"project_admin"}`),
	}, adminCreds, dispatcher.RuntimeOptions{})
	require.Nil(t, result.Error)

	body, ok := result.Response.(map[string]any)
	require.True(t, ok)
	key, ok := body["api_key"].(*types.APIKey)
	require.True(t, ok)

	// A second project_admin key keeps the project administrable once the
	// first is revoked; revoking the only one is refused.
	result = reg.Dispatch(context.Background(), dispatcher.Envelope{
		Command: "create_api_key",
		Params:  json.RawMessage(`{"project":"p1","name":"spare","scope":"project_admin"}`),
	}, adminCreds, dispatcher.RuntimeOptions{})
	require.Nil(t, result.Error)

	result = reg.Dispatch(context.Background(), dispatcher.Envelope{
		Command: "revoke_api_key",
		Params:  json.RawMessage(`{"id":"` + key.ID + `"}`),
	}, projectAdminCreds("p1"), dispatcher.RuntimeOptions{})
	require.Nil(t, result.Error)
}

func TestRevokeAPIKeyRejectsForeignProjectAdmin(t *testing.T) {
	reg, tenants := newTestResourceRegistry(t)
	_, err := tenants.CreateProject("p1", "Project One")
	require.NoError(t, err)

	result := reg.Dispatch(context.Background(), dispatcher.Envelope{
		Command: "create_api_key",
		Params:  json.RawMessage(`{"project":"p1","name":"ci","scope":"project_admin"}`),
	}, adminCreds, dispatcher.RuntimeOptions{})
	require.Nil(t, result.Error)
	key := result.Response.(map[string]any)["api_key"].(*types.APIKey)

	result = reg.Dispatch(context.Background(), dispatcher.Envelope{
		Command: "revoke_api_key",
		Params:  json.RawMessage(`{"id":"` + key.ID + `"}`),
	}, projectAdminCreds("other-project"), dispatcher.RuntimeOptions{})
	require.NotNil(t, result.Error)
	require.Equal(t, "PERMISSION_DENIED", result.Error.Code)
}
