// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package plugins

import (
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/jeranaias/rigrun-gateway/internal/platform"
)

// Handler is a compiled-in feature module. RegisterRoutes receives a router
// already scoped to /api/apps/<id>.
type Handler interface {
	RegisterRoutes(r chi.Router, p *platform.Platform)
}

// TemplateContexter is implemented by handlers that expose data to their
// page through GET /api/apps/<id>/context.
type TemplateContexter interface {
	TemplateContext() map[string]any
}

// Table maps a manifest's entry.backend name to its handler.
type Table map[string]Handler

// Registry holds the validated manifests for the life of the process.
type Registry struct {
	manifests []Manifest
	table     Table
}

// Load reads and validates every manifest under dir.
func Load(dir string, table Table) (*Registry, error) {
	manifests, err := LoadManifests(dir)
	if err != nil {
		return nil, err
	}
	if err := Validate(manifests, table); err != nil {
		return nil, err
	}
	return &Registry{manifests: manifests, table: table}, nil
}

// Manifests returns the loaded manifests in load order.
func (reg *Registry) Manifests() []Manifest {
	out := make([]Manifest, len(reg.manifests))
	copy(out, reg.manifests)
	return out
}

// Mount registers every module's routes, page and static assets, plus the
// module listing at GET /api/apps.
func (reg *Registry) Mount(r chi.Router, p *platform.Platform) {
	r.Get("/api/apps", func(w http.ResponseWriter, req *http.Request) {
		apps := reg.Manifests()
		if apps == nil {
			apps = []Manifest{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{"apps": apps})
	})

	for _, m := range reg.manifests {
		m := m
		handler := reg.table[m.Entry.Backend]

		r.Route("/api/apps/"+m.ID, func(sub chi.Router) {
			if handler != nil {
				handler.RegisterRoutes(sub, p)
			}
			sub.Get("/context", func(w http.ResponseWriter, req *http.Request) {
				ctx := map[string]any{}
				if tc, ok := handler.(TemplateContexter); ok {
					ctx = tc.TemplateContext()
				}
				WriteJSON(w, http.StatusOK, ctx)
			})
		})

		if path := m.TemplatePath(); path != "" {
			r.Get(m.Routes.Page, servePage(path))
		}

		if dir := m.StaticDir(); dir != "" {
			prefix := "/apps/" + m.ID + "/static/"
			r.Handle(prefix+"*", http.StripPrefix(prefix, http.FileServer(noListing{http.Dir(dir)})))
		}

		log.Printf("PLUGIN_LOADED | id=%s backend=%s page=%s", m.ID, m.Entry.Backend, m.Routes.Page)
	}
}

// servePage returns the template bytes verbatim. The file is read per
// request so edits show up without a restart.
func servePage(path string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := os.ReadFile(path)
		if err != nil {
			WriteError(w, http.StatusNotFound, "page not found")
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write(data)
	}
}

// noListing hides directory indexes from the static file server.
type noListing struct {
	fs http.FileSystem
}

func (n noListing) Open(name string) (http.File, error) {
	f, err := n.fs.Open(name)
	if err != nil {
		return nil, err
	}
	if info, err := f.Stat(); err == nil && info.IsDir() && !strings.HasSuffix(name, "/index.html") {
		f.Close()
		return nil, os.ErrNotExist
	}
	return f, nil
}
