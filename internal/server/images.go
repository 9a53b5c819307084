// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jeranaias/rigrun-gateway/internal/imagegen"
	"github.com/jeranaias/rigrun-gateway/internal/plugins"
	"github.com/jeranaias/rigrun-gateway/internal/storage"
	"github.com/jeranaias/rigrun-gateway/internal/stream"
)

const errImagesDisabled = "Image generation is not configured"

// ============================================================================
// STABLE DIFFUSION
// ============================================================================

func (s *Server) handleSDModels(w http.ResponseWriter, r *http.Request) {
	if s.deps.SD == nil {
		writeJSON(w, http.StatusOK, map[string]any{"models": []imagegen.SDModel{}, "error": errImagesDisabled})
		return
	}
	models, err := s.deps.SD.Models(r.Context())
	if err != nil {
		msg := err.Error()
		if stream.IsBackendUnreachable(err) {
			msg = "Stable Diffusion server not running."
		}
		writeJSON(w, http.StatusOK, map[string]any{"models": []imagegen.SDModel{}, "error": msg})
		return
	}
	if models == nil {
		models = []imagegen.SDModel{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": models})
}

func (s *Server) handleSDSamplers(w http.ResponseWriter, r *http.Request) {
	samplers := imagegen.FallbackSamplers
	if s.deps.SD != nil {
		samplers = s.deps.SD.Samplers(r.Context())
	}
	writeJSON(w, http.StatusOK, map[string]any{"samplers": samplers})
}

// generateBody is the direct generation request. Zero numeric fields take
// the defaults; seed defaults to -1 (random).
type generateBody struct {
	Prompt         string  `json:"prompt"`
	NegativePrompt string  `json:"negative_prompt"`
	Width          int     `json:"width"`
	Height         int     `json:"height"`
	Steps          int     `json:"steps"`
	CfgScale       float64 `json:"cfg_scale"`
	Seed           *int64  `json:"seed"`
	Sampler        string  `json:"sampler"`
	Model          string  `json:"model"`
}

func (b generateBody) request() imagegen.GenerateRequest {
	req := imagegen.GenerateRequest{
		Prompt:         b.Prompt,
		NegativePrompt: b.NegativePrompt,
		Width:          b.Width,
		Height:         b.Height,
		Steps:          b.Steps,
		CfgScale:       b.CfgScale,
		Seed:           -1,
		Sampler:        b.Sampler,
		Model:          b.Model,
	}
	if b.Seed != nil {
		req.Seed = *b.Seed
	}
	return req.Normalize()
}

func (s *Server) handleSDGenerate(w http.ResponseWriter, r *http.Request) {
	var body generateBody
	if err := plugins.DecodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req := body.request()
	if req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "No prompt provided")
		return
	}
	if s.deps.Images == nil {
		writeError(w, http.StatusServiceUnavailable, errImagesDisabled)
		return
	}

	if req.Model != "" && s.deps.SD != nil {
		// A failed switch still generates with the current checkpoint
		if err := s.deps.SD.SetModel(r.Context(), req.Model); err != nil {
			log.Printf("SD_MODEL_SWITCH_FAILED | model=%s error=%v", req.Model, err)
		}
	}

	arts, err := s.deps.Images.Produce(r.Context(), s.owner(), req)
	if err != nil {
		log.Printf("SD_GENERATE_FAILED | error=%v", err)
		if stream.IsBackendUnreachable(err) {
			writeError(w, http.StatusBadGateway, "Cannot connect to Stable Diffusion server.")
			return
		}
		if errors.Is(err, imagegen.ErrNoImages) {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if arts == nil {
		arts = []imagegen.Artifact{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"images": arts})
}

// ============================================================================
// ARTIFACTS
// ============================================================================

func (s *Server) handleListImages(w http.ResponseWriter, r *http.Request) {
	if s.deps.ImageRecords == nil {
		writeJSON(w, http.StatusOK, map[string]any{"images": []imagegen.Record{}})
		return
	}
	recs, err := s.deps.ImageRecords.List(r.Context(), s.owner())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if recs == nil {
		recs = []imagegen.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"images": recs})
}

// handleDeleteImage removes the record, then the stored bytes. A record
// whose file is already gone still deletes cleanly.
func (s *Server) handleDeleteImage(w http.ResponseWriter, r *http.Request) {
	id, valid := idParam(w, r)
	if !valid {
		return
	}
	if s.deps.ImageRecords == nil {
		writeError(w, http.StatusNotFound, "Image not found")
		return
	}

	rec, err := s.deps.ImageRecords.Delete(r.Context(), s.owner(), id)
	if errors.Is(err, storage.ErrImageNotFound) {
		writeError(w, http.StatusNotFound, "Image not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if s.deps.Images != nil {
		err := s.deps.Images.Store().Delete(r.Context(), rec.Key)
		if err != nil && !errors.Is(err, imagegen.ErrArtifactNotFound) {
			log.Printf("IMAGE_DELETE_FAILED | key=%s error=%v", rec.Key, err)
		}
	}
	writeOK(w)
}

func (s *Server) handleImageFile(w http.ResponseWriter, r *http.Request) {
	if s.deps.Images == nil {
		http.NotFound(w, r)
		return
	}
	rc, err := s.deps.Images.Store().Open(r.Context(), chi.URLParam(r, "key"))
	if errors.Is(err, imagegen.ErrArtifactNotFound) || errors.Is(err, imagegen.ErrInvalidKey) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=86400, immutable")
	if _, err := io.Copy(w, rc); err != nil {
		log.Printf("IMAGE_SERVE_FAILED | error=%v", err)
	}
}
