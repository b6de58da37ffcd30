package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/maloquacious/goobkv/internal/db"
	"github.com/maloquacious/goobkv/internal/engine"
	"github.com/maloquacious/goobkv/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*server, *db.DB) {
	t.Helper()
	f, err := engine.NewFactory(t.TempDir(), engine.WithLogger(logger.Nop))
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })

	d, err := db.Open(context.Background(), f, db.Config{
		Name:    "shop",
		Version: 1,
		Stores: []db.StoreSchema{
			{Name: "users", Options: engine.StoreOptions{KeyPath: engine.KeyPath{"id"}}},
			{Name: "orders", Options: engine.StoreOptions{AutoIncrement: true}},
		},
		Logger: logger.Nop,
	})
	require.NoError(t, err)
	t.Cleanup(d.Close)

	s := &server{log: logger.Nop}
	s.db.Store(d)
	return s, d
}

func serve(h http.Handler, method, path string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader("{}"))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

var jsonHeaders = map[string]string{"Accept": "application/json", "Content-Type": "application/json"}

func TestProbes(t *testing.T) {
	s, d := newTestServer(t)
	mux := s.publicMux()

	rec := serve(mux, http.MethodGet, "/live", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(mux, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "READY", rec.Body.String())

	d.Close()
	rec = serve(mux, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = serve(mux, http.MethodGet, "/live", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminStatus(t *testing.T) {
	s, d := newTestServer(t)
	ctx := context.Background()
	_, err := d.Store("users").Put(ctx, map[string]any{"id": "u1"}, nil)
	require.NoError(t, err)
	_, err = d.Store("users").Put(ctx, map[string]any{"id": "u2"}, nil)
	require.NoError(t, err)

	rec := serve(s.adminMux(), http.MethodGet, "/admin/status", jsonHeaders)
	require.Equal(t, http.StatusOK, rec.Code)

	var got statusReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "running", got.Mode)
	assert.Equal(t, "shop", got.Database)
	assert.Equal(t, 1, got.SchemaVersion)
	assert.Equal(t, version.String(), got.Version)
	assert.Equal(t, []storeStatus{{Name: "orders", Count: 0}, {Name: "users", Count: 2}}, got.Stores)

	d.Close()
	rec = serve(s.adminMux(), http.MethodGet, "/admin/status", jsonHeaders)
	require.Equal(t, http.StatusOK, rec.Code)
	got = statusReport{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "closed", got.Mode)
	assert.Empty(t, got.Stores)
}

func TestJSONOnly(t *testing.T) {
	s, _ := newTestServer(t)
	mux := s.adminMux()

	tests := []struct {
		name   string
		method string
		header map[string]string
		want   int
		code   string
	}{
		{"html accept", http.MethodGet, map[string]string{"Accept": "text/html"}, http.StatusNotAcceptable, "not_acceptable"},
		{"post without content type", http.MethodPost, map[string]string{"Accept": "application/json"}, http.StatusUnsupportedMediaType, "unsupported_media_type"},
		{"no accept header", http.MethodGet, nil, http.StatusOK, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(mux, tt.method, "/admin/status", tt.header)
			assert.Equal(t, tt.want, rec.Code)
			if tt.code != "" {
				var body map[string]string
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
				assert.Equal(t, tt.code, body["error"])
			}
		})
	}
}

func TestAdminClear(t *testing.T) {
	s, d := newTestServer(t)
	ctx := context.Background()
	_, err := d.Store("users").Put(ctx, map[string]any{"id": "u1"}, nil)
	require.NoError(t, err)
	_, err = d.Store("orders").Add(ctx, map[string]any{"total": 3}, nil)
	require.NoError(t, err)

	rec := serve(s.adminMux(), http.MethodGet, "/admin/clear", jsonHeaders)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = serve(s.adminMux(), http.MethodPost, "/admin/clear", jsonHeaders)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"cleared"}`, rec.Body.String())

	for _, name := range []string{"users", "orders"} {
		n, err := d.Store(name).Count(ctx, nil)
		require.NoError(t, err)
		assert.Zero(t, n, name)
	}

	d.Close()
	rec = serve(s.adminMux(), http.MethodPost, "/admin/clear", jsonHeaders)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAdminShutdown(t *testing.T) {
	s, _ := newTestServer(t)
	called := false
	s.shutdown = func() { called = true }

	rec := serve(s.adminMux(), http.MethodGet, "/admin/shutdown", jsonHeaders)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.False(t, called)

	rec = serve(s.adminMux(), http.MethodPost, "/admin/shutdown", jsonHeaders)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, called)
}
