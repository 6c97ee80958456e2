package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/fruitsalade/livesync/internal/collab"
	"github.com/fruitsalade/fruitsalade/livesync/internal/metadata"
)

type fixedStats collab.Stats

func (f fixedStats) Stats() collab.Stats { return collab.Stats(f) }

func newDocs(t *testing.T) *metadata.Store {
	t.Helper()
	s, err := metadata.New("sqlite://" + filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealth(t *testing.T) {
	srv := NewServer(fixedStats{Sessions: 2, CachedFiles: 3}, http.NotFoundHandler(), nil, "local")
	rec := get(t, srv.Handler(), "/health")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	var body HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "local", body.Storage)
	assert.False(t, body.Metadata)
	assert.Equal(t, 2, body.Stats.Sessions)
	assert.Equal(t, 3, body.Stats.CachedFiles)
}

func TestWebsocketRoute(t *testing.T) {
	var hit bool
	ws := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hit = true
		w.WriteHeader(http.StatusTeapot)
	})
	srv := NewServer(fixedStats{}, ws, nil, "local")

	rec := get(t, srv.Handler(), "/ws")
	assert.True(t, hit)
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestDocument(t *testing.T) {
	docs := newDocs(t)
	require.NoError(t, docs.UpsertDocument(context.Background(), metadata.Document{
		Title: "a.js", Path: "/src/a.js", Content: "let x=1;", Language: "javascript",
	}))
	h := NewServer(fixedStats{}, http.NotFoundHandler(), docs, "local").Handler()

	rec := get(t, h, "/api/v1/documents/a.js")
	require.Equal(t, http.StatusOK, rec.Code)
	var doc DocumentResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&doc))
	assert.Equal(t, "/src/a.js", doc.Path)
	assert.Equal(t, "javascript", doc.Language)
	assert.Equal(t, int64(8), doc.Size)
	assert.Equal(t, 1, doc.Version)

	rec = get(t, h, "/api/v1/documents/missing.js")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDocumentWithoutRepository(t *testing.T) {
	h := NewServer(fixedStats{}, http.NotFoundHandler(), nil, "local").Handler()

	rec := get(t, h, "/api/v1/documents/a.js")
	assert.Equal(t, http.StatusNotImplemented, rec.Code)

	var body ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, http.StatusNotImplemented, body.Code)
}
