package commands

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/keboola/storage-duckdb/pkg/catalog"
	"github.com/keboola/storage-duckdb/pkg/dispatcher"
	"github.com/keboola/storage-duckdb/pkg/engine"
	"github.com/keboola/storage-duckdb/pkg/layout"
	"github.com/keboola/storage-duckdb/pkg/tablelock"
	"github.com/keboola/storage-duckdb/pkg/tenant"
	"github.com/keboola/storage-duckdb/pkg/types"
	"github.com/stretchr/testify/require"
)

var adminCreds = &dispatcher.Credentials{IsAdmin: true}

func projectAdminCreds(project string) *dispatcher.Credentials {
	return &dispatcher.Credentials{Project: project, Scope: types.ScopeProjectAdmin}
}

func newTestRegistry(t *testing.T) *dispatcher.Registry {
	t.Helper()
	cat, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })
	tenants := tenant.New(layout.New(t.TempDir()), cat, tablelock.NewRegistry(), engine.Options{})
	reg := dispatcher.NewRegistry()
	Register(reg, Deps{Tenants: tenants})
	return reg
}

func TestCreateProjectBucketTableViaCommands(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	result := reg.Dispatch(ctx, dispatcher.Envelope{
		Command: "create_project",
		Params:  json.RawMessage(`{"id":"p1","name":"Project One"}`),
	}, adminCreds, dispatcher.RuntimeOptions{})
	require.Nil(t, result.Error)

	creds := projectAdminCreds("p1")

	result = reg.Dispatch(ctx, dispatcher.Envelope{
		Command: "create_bucket",
		Params:  json.RawMessage(`{"project":"p1","bucket":"in"}`),
	}, creds, dispatcher.RuntimeOptions{})
	require.Nil(t, result.Error)

	result = reg.Dispatch(ctx, dispatcher.Envelope{
		Command: "create_table",
		Params:  json.RawMessage(`{"project":"p1","bucket":"in","table":"t","columns":[{"Name":"id","Type":"BIGINT"}]}`),
	}, creds, dispatcher.RuntimeOptions{})
	require.Nil(t, result.Error)

	result = reg.Dispatch(ctx, dispatcher.Envelope{
		Command: "preview_table",
		Params:  json.RawMessage(`{"project":"p1","bucket":"in","table":"t"}`),
	}, creds, dispatcher.RuntimeOptions{})
	require.Nil(t, result.Error)
}

func TestCommandWithoutCredentialsIsUnauthenticated(t *testing.T) {
	reg := newTestRegistry(t)
	result := reg.Dispatch(context.Background(), dispatcher.Envelope{
		Command: "create_bucket",
		Params:  json.RawMessage(`{"project":"p1","bucket":"in"}`),
	}, nil, dispatcher.RuntimeOptions{})
	require.NotNil(t, result.Error)
	require.Equal(t, "UNAUTHENTICATED", result.Error.Code)
}

func TestUnknownCommandIsUnimplemented(t *testing.T) {
	reg := newTestRegistry(t)
	result := reg.Dispatch(context.Background(), dispatcher.Envelope{Command: "no_such_command"}, adminCreds, dispatcher.RuntimeOptions{})
	require.NotNil(t, result.Error)
	require.Equal(t, "UNIMPLEMENTED", result.Error.Code)
}
