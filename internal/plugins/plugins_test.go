// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package plugins

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/rigrun-gateway/internal/platform"
)

type echoHandler struct{}

func (echoHandler) RegisterRoutes(r chi.Router, p *platform.Platform) {
	r.Post("/run", func(w http.ResponseWriter, req *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{"ran": "echo"})
	})
}

func (echoHandler) TemplateContext() map[string]any {
	return map[string]any{"greeting": "hi"}
}

// writeModule creates <root>/<name> with the given files.
func writeModule(t *testing.T, root, name string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(root, name, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}
}

func TestLoadManifests_JSONAndYAMLInOrder(t *testing.T) {
	root := t.TempDir()
	writeModule(t, root, "zeta", map[string]string{
		"manifest.yaml": "id: zeta\nname: Zeta\nentry:\n  backend: echo\n",
	})
	writeModule(t, root, "alpha", map[string]string{
		"manifest.json": `{"id":"alpha","name":"Alpha","entry":{"template":"page.html"},"routes":{"page":"/apps/alpha"}}`,
		"page.html":     "<h1>alpha</h1>",
	})
	writeModule(t, root, "no-manifest", map[string]string{"README": "x"})

	ms, err := LoadManifests(root)
	require.NoError(t, err)
	require.Len(t, ms, 2)
	assert.Equal(t, "alpha", ms[0].ID)
	assert.Equal(t, "/apps/alpha", ms[0].Routes.Page)
	assert.Equal(t, "zeta", ms[1].ID)
	assert.Equal(t, "echo", ms[1].Entry.Backend)
	assert.Equal(t, filepath.Join(root, "zeta"), ms[1].Dir)
}

func TestLoadManifests_MissingDir(t *testing.T) {
	ms, err := LoadManifests(filepath.Join(t.TempDir(), "nope"))
	assert.NoError(t, err)
	assert.Empty(t, ms)
}

func TestValidate(t *testing.T) {
	table := Table{"echo": echoHandler{}}
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "page.html"), nil, 0644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "static"), 0755))

	tests := []struct {
		name    string
		m       Manifest
		wantErr string
	}{
		{"valid", Manifest{ID: "ok", Entry: Entry{Backend: "echo", Template: "page.html", Static: "static"}, Routes: Routes{Page: "/apps/ok"}}, ""},
		{"missing id", Manifest{}, "id is required"},
		{"bad id", Manifest{ID: "Bad Id"}, "must be lowercase"},
		{"unknown backend", Manifest{ID: "x", Entry: Entry{Backend: "python"}}, "not a compiled-in module"},
		{"missing template", Manifest{ID: "x", Entry: Entry{Template: "gone.html"}, Routes: Routes{Page: "/x"}}, "does not exist"},
		{"template without page", Manifest{ID: "x", Entry: Entry{Template: "page.html"}}, "routes.page is required"},
		{"static not dir", Manifest{ID: "x", Entry: Entry{Static: "page.html"}}, "is not a directory"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.m.Dir = dir
			err := Validate([]Manifest{tt.m}, table)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidate_DuplicateID(t *testing.T) {
	err := Validate([]Manifest{{ID: "dup"}, {ID: "dup"}}, Table{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `duplicate id "dup"`)
}

func TestLoad_FatalOnMissingFile(t *testing.T) {
	root := t.TempDir()
	writeModule(t, root, "broken", map[string]string{
		"manifest.json": `{"id":"broken","entry":{"static":"static"}}`,
	})
	_, err := Load(root, Table{})
	assert.Error(t, err)
}

func TestRegistry_Mount(t *testing.T) {
	root := t.TempDir()
	writeModule(t, root, "echo", map[string]string{
		"manifest.json":   `{"id":"echo","name":"Echo","entry":{"backend":"echo","template":"page.html","static":"static"},"routes":{"page":"/apps/echo"}}`,
		"page.html":       "<h1>{{ not rendered }}</h1>",
		"static/echo.css": "h1{}",
	})
	reg, err := Load(root, Table{"echo": echoHandler{}})
	require.NoError(t, err)

	r := chi.NewRouter()
	reg.Mount(r, nil)
	srv := httptest.NewServer(r)
	defer srv.Close()

	get := func(path string) (int, string) {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(body)
	}

	status, body := get("/api/apps")
	assert.Equal(t, http.StatusOK, status)
	var listing struct {
		Apps []Manifest `json:"apps"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &listing))
	require.Len(t, listing.Apps, 1)
	assert.Equal(t, "Echo", listing.Apps[0].Name)

	status, body = get("/apps/echo")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "<h1>{{ not rendered }}</h1>", body, "templates are served verbatim")

	status, body = get("/apps/echo/static/echo.css")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "h1{}", body)

	status, _ = get("/apps/echo/static/")
	assert.Equal(t, http.StatusNotFound, status)

	status, body = get("/api/apps/echo/context")
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"greeting":"hi"}`, body)

	resp, err := http.Post(srv.URL+"/api/apps/echo/run", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWatcher_ReportsManifestChange(t *testing.T) {
	root := t.TempDir()
	writeModule(t, root, "echo", map[string]string{"manifest.json": `{"id":"echo"}`})

	changed := make(chan string, 4)
	w, err := NewWatcher(root, 20*time.Millisecond, func(path string) { changed <- path })
	require.NoError(t, err)
	require.NoError(t, w.Watch())
	defer w.Close()

	manifest := filepath.Join(root, "echo", "manifest.json")
	require.NoError(t, os.WriteFile(manifest, []byte(`{"id":"echo","name":"x"}`), 0644))

	select {
	case got := <-changed:
		assert.Equal(t, manifest, got)
	case <-time.After(3 * time.Second):
		t.Fatal("no change reported")
	}
}

func TestIsManifestFile(t *testing.T) {
	assert.True(t, isManifestFile("/a/b/manifest.yml"))
	assert.False(t, isManifestFile("/a/b/page.html"))
}
