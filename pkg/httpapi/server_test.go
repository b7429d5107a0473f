package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/keboola/storage-duckdb/pkg/auth"
	"github.com/keboola/storage-duckdb/pkg/catalog"
	"github.com/keboola/storage-duckdb/pkg/commands"
	"github.com/keboola/storage-duckdb/pkg/dispatcher"
	"github.com/keboola/storage-duckdb/pkg/engine"
	"github.com/keboola/storage-duckdb/pkg/layout"
	"github.com/keboola/storage-duckdb/pkg/tablelock"
	"github.com/keboola/storage-duckdb/pkg/tenant"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cat, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })

	locks := tablelock.NewRegistry()
	l := layout.New(t.TempDir())
	tenants := tenant.New(l, cat, locks, engine.Options{})

	reg := dispatcher.NewRegistry()
	commands.Register(reg, commands.Deps{Tenants: tenants})

	return New(Deps{
		Catalog:    cat,
		Tenants:    tenants,
		Auth:       auth.New(cat),
		Dispatcher: reg,
		AdminKey:   testAdminKey,
	})
}

// testAdminKey is the process-wide admin key the test server is built
// with; withAdminKey attaches it to every request, since project creation
// is reserved to the admin key.
const testAdminKey = "test-admin"

func withAdminKey(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Header.Set("X-Api-Key", testAdminKey)
		h.ServeHTTP(w, r)
	})
}

func TestHealthAndReady(t *testing.T) {
	srv := newTestServer(t)
	h := srv.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestProjectBucketTableRoutes(t *testing.T) {
	srv := newTestServer(t)
	h := withAdminKey(srv.Handler())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/projects", strings.NewReader(`{"id":"p1","name":"Project One"}`))
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/projects/p1/buckets", strings.NewReader(`{"name":"in"}`))
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/projects/p1/buckets", nil)
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	body := `{"name":"t1","columns":[{"Name":"id","Type":"BIGINT"}]}`
	req = httptest.NewRequest(http.MethodPost, "/projects/p1/buckets/in/tables", strings.NewReader(body))
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/projects/p1/buckets/in/tables/t1/preview", nil)
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var preview map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&preview))
	require.Contains(t, preview, "columns")
	require.Contains(t, preview, "rows")

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodDelete, "/projects/p1/buckets/in/tables/t1", nil)
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodDelete, "/projects/p1/buckets/in", nil)
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodDelete, "/projects/p1", nil)
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestDeleteBucketRequiresCascadeRoute(t *testing.T) {
	srv := newTestServer(t)
	h := withAdminKey(srv.Handler())

	post := func(path, body string) int {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, strings.NewReader(body)))
		return rec.Code
	}
	require.Equal(t, http.StatusCreated, post("/projects", `{"id":"p2","name":"P2"}`))
	require.Equal(t, http.StatusCreated, post("/projects/p2/buckets", `{"name":"in"}`))
	require.Equal(t, http.StatusCreated, post("/projects/p2/buckets/in/tables", `{"name":"t1","columns":[{"Name":"id","Type":"BIGINT"}]}`))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/projects/p2/buckets/in", nil))
	require.NotEqual(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/projects/p2/buckets/in?cascade=true", nil))
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestCommandEnvelopeRoute(t *testing.T) {
	srv := newTestServer(t)
	h := withAdminKey(srv.Handler())

	rec := httptest.NewRecorder()
	body := `{"command":"create_project","params":{"id":"p3","name":"P3"}}`
	req := httptest.NewRequest(http.MethodPost, "/command", strings.NewReader(body))
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var result dispatcher.Result
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&result))
	require.Nil(t, result.Error)
}

func TestUnknownRouteIs404(t *testing.T) {
	srv := newTestServer(t)
	h := srv.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}
