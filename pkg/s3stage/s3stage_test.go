package s3stage

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/keboola/storage-duckdb/pkg/catalog"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	cat, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })
	return New(t.TempDir(), cat)
}

func TestStageAndPromote(t *testing.T) {
	m := newTestManager(t)

	file, err := m.Stage("p1", "data.csv", "text/csv", strings.NewReader("a,b\n1,2\n"))
	require.NoError(t, err)
	require.True(t, file.IsStaged)
	require.NotEmpty(t, file.ContentHash)

	promoted, err := m.Promote(file.ID)
	require.NoError(t, err)
	require.False(t, promoted.IsStaged)

	r, got, err := m.Open(file.ID)
	require.NoError(t, err)
	defer r.Close()
	require.Equal(t, "data.csv", got.Name)
}

func TestPresignedURLRoundTrip(t *testing.T) {
	url, err := PresignedURL("https://example.test/files", "file1", "secret", time.Hour)
	require.NoError(t, err)
	require.Contains(t, url, "X-Storage-Signature=")

	expiry := time.Now().Add(time.Hour).Unix()
	sig := url[strings.Index(url, "X-Storage-Signature=")+len("X-Storage-Signature="):]
	require.NoError(t, VerifyPresignedURL("file1", expiry, sig, "secret"))
	require.Error(t, VerifyPresignedURL("file1", expiry, sig, "wrong-secret"))
}

func TestPresignedURLExpired(t *testing.T) {
	require.Error(t, VerifyPresignedURL("file1", time.Now().Add(-time.Hour).Unix(), "anything", "secret"))
}
