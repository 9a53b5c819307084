// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/jeranaias/rigrun-gateway/internal/backend"
	"github.com/jeranaias/rigrun-gateway/internal/events"
	"github.com/jeranaias/rigrun-gateway/internal/plugins"
	"github.com/jeranaias/rigrun-gateway/internal/stream"
	"github.com/jeranaias/rigrun-gateway/internal/util"
)

// ============================================================================
// BACKENDS
// ============================================================================

// backendView is a descriptor as the API shows it; keys never leave.
type backendView struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Kind      string `json:"kind"`
	BaseURL   string `json:"base_url"`
	HasKey    bool   `json:"has_key"`
	IsDefault bool   `json:"is_default"`
}

func viewOf(d backend.Descriptor) backendView {
	return backendView{
		ID:        d.ID,
		Name:      d.Name,
		Kind:      d.Kind,
		BaseURL:   d.BaseURL,
		HasKey:    d.HasKey(),
		IsDefault: d.IsDefault,
	}
}

func (s *Server) handleListBackends(w http.ResponseWriter, r *http.Request) {
	store := s.deps.Platform.Backends()
	list, err := store.List(r.Context(), s.owner())
	if err == nil && len(list) == 0 {
		// Listing materializes the default like any other resolution
		if _, err = s.deps.Platform.ResolveBackend(r.Context(), 0); err == nil {
			list, err = store.List(r.Context(), s.owner())
		}
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	views := make([]backendView, len(list))
	for i, d := range list {
		views[i] = viewOf(d)
	}
	writeJSON(w, http.StatusOK, map[string]any{"backends": views, "kinds": backend.Kinds()})
}

func (s *Server) handleCreateBackend(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Kind    string `json:"kind"`
		Name    string `json:"name"`
		BaseURL string `json:"base_url"`
		APIKey  string `json:"api_key"`
	}
	if err := plugins.DecodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.Kind == "" {
		body.Kind = backend.KindCustom
	}

	d := backend.New(s.owner(), body.Kind, strings.TrimSpace(body.Name), strings.TrimSpace(body.BaseURL), body.APIKey)
	d, err := s.deps.Platform.Backends().Create(r.Context(), d)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	log.Printf("BACKEND_CREATED | id=%d kind=%s url=%s", d.ID, d.Kind, d.BaseURL)
	writeJSON(w, http.StatusOK, viewOf(d))
}

func (s *Server) handleUpdateBackend(w http.ResponseWriter, r *http.Request) {
	id, valid := idParam(w, r)
	if !valid {
		return
	}
	var body struct {
		Name      *string `json:"name"`
		BaseURL   *string `json:"base_url"`
		APIKey    *string `json:"api_key"`
		IsDefault bool    `json:"is_default"`
	}
	if err := plugins.DecodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	err := s.deps.Platform.Backends().Update(r.Context(), s.owner(), id, backend.Update{
		Name:        body.Name,
		BaseURL:     body.BaseURL,
		APIKey:      body.APIKey,
		MakeDefault: body.IsDefault,
	})
	if !s.backendResult(w, err) {
		return
	}
	writeOK(w)
}

func (s *Server) handleDeleteBackend(w http.ResponseWriter, r *http.Request) {
	id, valid := idParam(w, r)
	if !valid {
		return
	}
	err := s.deps.Platform.Backends().Delete(r.Context(), s.owner(), id)
	if !s.backendResult(w, err) {
		return
	}
	writeOK(w)
}

// handleTestBackend lists models as a connectivity check. Failures are
// reported in the body with a 200.
func (s *Server) handleTestBackend(w http.ResponseWriter, r *http.Request) {
	id, valid := idParam(w, r)
	if !valid {
		return
	}
	d, err := s.deps.Platform.Backends().Get(r.Context(), s.owner(), id)
	if !s.backendResult(w, err) {
		return
	}

	adapter := s.deps.Platform.Adapter(d.Protocol())
	if adapter == nil {
		writeJSON(w, http.StatusOK, map[string]any{"ok": false, "error": fmt.Sprintf("no adapter for protocol %s", d.Protocol())})
		return
	}
	if _, err := adapter.ListModels(r.Context(), d); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "status": "connected"})
}

func (s *Server) backendResult(w http.ResponseWriter, err error) bool {
	if errors.Is(err, backend.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Backend not found")
		return false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return false
	}
	return true
}

// ============================================================================
// MODELS
// ============================================================================

// modelView is one row of the model list. Size is human readable and empty
// when the backend does not report it.
type modelView struct {
	Name   string `json:"name"`
	Size   string `json:"size"`
	Family string `json:"family"`
	Params string `json:"params"`
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	var backendID int64
	if raw := r.URL.Query().Get("backend_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid backend_id")
			return
		}
		backendID = id
	}

	models, d, err := s.deps.Platform.Models(r.Context(), backendID)
	if err != nil {
		msg := err.Error()
		switch {
		case stream.IsNoBackend(err):
			msg = "No backend configured"
		case stream.IsBackendUnreachable(err):
			msg = d.Name + " not running"
		}
		writeJSON(w, http.StatusOK, map[string]any{"models": []modelView{}, "error": msg})
		return
	}

	views := make([]modelView, len(models))
	for i, m := range models {
		views[i] = modelView{Name: m.Name, Family: m.Family, Params: m.ParameterSize}
		if m.Size > 0 {
			views[i].Size = util.FormatModelSize(m.Size)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": views, "backend": d.Name, "kind": d.Kind})
}

// handlePullModel relays pull progress as events:
//
//	{"status":"pulling manifest","percent":0,"total":0,"completed":0}
//	{"done":true}
func (s *Server) handlePullModel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name      string `json:"name"`
		BackendID int64  `json:"backend_id"`
	}
	if err := plugins.DecodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	name := strings.TrimSpace(body.Name)
	if name == "" {
		writeError(w, http.StatusBadRequest, "No model name provided")
		return
	}
	d, valid := s.nativeBackend(w, r, body.BackendID, "Pull")
	if !valid {
		return
	}

	em, err := events.NewEmitter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	ps, err := s.deps.Models.Pull(r.Context(), d, name)
	if err != nil {
		em.Fail(modelError(err))
		return
	}
	defer ps.Close()

	log.Printf("MODEL_PULL_START | backend=%s model=%s", d.Name, name)
	for {
		p, err := ps.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Printf("MODEL_PULL_FAILED | model=%s error=%v", name, err)
			em.Fail(modelError(err))
			return
		}
		em.Emit(map[string]any{
			"status":    p.Status,
			"percent":   p.Percent(),
			"total":     p.Total,
			"completed": p.Completed,
		})
	}
	log.Printf("MODEL_PULL_DONE | model=%s", name)
	em.Finish(map[string]bool{"done": true})
}

func (s *Server) handleDeleteModel(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "*")
	if name == "" {
		writeError(w, http.StatusBadRequest, "No model name provided")
		return
	}
	var backendID int64
	if raw := r.URL.Query().Get("backend_id"); raw != "" {
		backendID, _ = strconv.ParseInt(raw, 10, 64)
	}
	d, valid := s.nativeBackend(w, r, backendID, "Delete")
	if !valid {
		return
	}

	err := s.deps.Models.DeleteModel(r.Context(), d, name)
	switch {
	case err == nil:
		log.Printf("MODEL_DELETED | backend=%s model=%s", d.Name, name)
		writeOK(w)
	case stream.IsBackendUnreachable(err), stream.IsTimeout(err):
		writeError(w, http.StatusBadGateway, modelError(err))
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// nativeBackend resolves a backend for model management, which only native
// servers support.
func (s *Server) nativeBackend(w http.ResponseWriter, r *http.Request, id int64, action string) (backend.Descriptor, bool) {
	d, err := s.deps.Platform.ResolveBackend(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return d, false
	}
	if d.Protocol() != backend.ProtocolNative || s.deps.Models == nil {
		writeError(w, http.StatusBadRequest, action+" is only supported for Ollama backends")
		return d, false
	}
	return d, true
}

func modelError(err error) string {
	if stream.IsBackendUnreachable(err) {
		return "Cannot connect to Ollama"
	}
	return err.Error()
}
