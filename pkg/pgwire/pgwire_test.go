package pgwire

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/keboola/storage-duckdb/pkg/catalog"
	"github.com/keboola/storage-duckdb/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func openTestBridge(t *testing.T) *Bridge {
	t.Helper()
	cat, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })
	return New(cat, zerolog.Nop())
}

func TestAuthenticateAndSessionLifecycle(t *testing.T) {
	b := openTestBridge(t)

	ws := &types.Workspace{ID: "w1", Project: "p1", Username: "alice", PasswordHash: hashPassword("secret"), Active: true, MaxConnections: 1}
	require.NoError(t, b.cat.PutWorkspace(ws))

	got, err := b.Authenticate("alice", "secret")
	require.NoError(t, err)
	require.Equal(t, "alice", got.Username)

	_, err = b.Authenticate("alice", "wrong")
	require.Error(t, err)

	session, err := b.CreateSession(got, "127.0.0.1:5432")
	require.NoError(t, err)

	_, err = b.CreateSession(got, "127.0.0.1:5433")
	require.Error(t, err, "should refuse a second session past MaxConnections")

	require.NoError(t, b.UpdateActivity(session.ID))
	require.NoError(t, b.CloseSession(session.ID, types.SessionDisconnect))

	_, err = b.CreateSession(got, "127.0.0.1:5434")
	require.NoError(t, err, "closed session should free the connection slot")
}

func TestCleanupStale(t *testing.T) {
	b := openTestBridge(t)
	ws := &types.Workspace{ID: "w1", Project: "p1", Username: "alice", PasswordHash: hashPassword("secret"), Active: true}
	require.NoError(t, b.cat.PutWorkspace(ws))

	session, err := b.CreateSession(ws, "127.0.0.1:5432")
	require.NoError(t, err)
	session.LastActivity = time.Now().Add(-IdleTimeout - time.Minute)
	require.NoError(t, b.cat.PutWireSession(session))

	n, err := b.CleanupStale()
	require.NoError(t, err)
	require.Equal(t, 1, n)
}
