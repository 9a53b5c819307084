// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package platform is the capability surface shared by the chat pipeline
// and feature modules: streaming completions, push events, web search, page
// fetching and model listing.
//
// Every call resolves its backend from the store at call time and then
// dispatches on the backend's protocol. Callers never see adapters or kinds.
package platform

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/jeranaias/rigrun-gateway/internal/backend"
	"github.com/jeranaias/rigrun-gateway/internal/events"
	"github.com/jeranaias/rigrun-gateway/internal/reasoning"
	"github.com/jeranaias/rigrun-gateway/internal/search"
	"github.com/jeranaias/rigrun-gateway/internal/stream"
)

// =============================================================================
// TYPES
// =============================================================================

// Config holds platform-wide settings.
type Config struct {
	// Owner scopes backend lookups. The gateway is single-user, so this is
	// fixed per process.
	Owner string

	// FallbackURL is the native backend materialized when an owner has none
	FallbackURL string

	// DefaultModel is used when a call does not name one
	DefaultModel string
}

// Options selects the backend and model for one call. Zero values mean the
// owner's default backend and the configured default model.
type Options struct {
	BackendID int64
	Model     string
}

// Searcher is the web-search collaborator. *search.Client implements it.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]search.Result, error)
	FetchPage(ctx context.Context, url string, maxChars int) (string, error)
}

// Platform is safe for concurrent use; it holds no per-call state.
type Platform struct {
	config   Config
	backends backend.Store
	adapters map[backend.Protocol]stream.Adapter
	searcher Searcher
}

// New creates a platform. searcher may be nil, in which case search and page
// fetching always come back empty.
func New(config Config, backends backend.Store, adapters map[backend.Protocol]stream.Adapter, searcher Searcher) *Platform {
	if config.Owner == "" {
		config.Owner = "local"
	}
	if config.FallbackURL == "" {
		config.FallbackURL = backend.LookupPreset(backend.KindOllama).URL
	}
	return &Platform{
		config:   config,
		backends: backends,
		adapters: adapters,
		searcher: searcher,
	}
}

// Owner returns the owner every lookup is scoped to.
func (p *Platform) Owner() string {
	return p.config.Owner
}

// DefaultModel returns the model used when a call names none.
func (p *Platform) DefaultModel() string {
	return p.config.DefaultModel
}

// Backends returns the backend store.
func (p *Platform) Backends() backend.Store {
	return p.backends
}

// Adapter returns the adapter for a protocol, or nil.
func (p *Platform) Adapter(proto backend.Protocol) stream.Adapter {
	return p.adapters[proto]
}

// =============================================================================
// BACKEND RESOLUTION
// =============================================================================

// ResolveBackend returns the backend a call should use. A non-zero id must
// name one of the owner's backends; otherwise the owner's default is used,
// then its first backend, and finally a native default is created.
func (p *Platform) ResolveBackend(ctx context.Context, id int64) (backend.Descriptor, error) {
	if id != 0 {
		d, err := p.backends.Get(ctx, p.config.Owner, id)
		if errors.Is(err, backend.ErrNotFound) {
			return backend.Descriptor{}, &stream.ClientError{
				Type:    stream.ErrTypeNoBackend,
				Message: fmt.Sprintf("no backend configured with id %d", id),
				Cause:   err,
			}
		}
		return d, err
	}

	fallback := backend.New(p.config.Owner, backend.KindOllama, "", p.config.FallbackURL, "")
	d, err := p.backends.EnsureDefault(ctx, p.config.Owner, fallback)
	if err != nil {
		return backend.Descriptor{}, &stream.ClientError{
			Type:    stream.ErrTypeNoBackend,
			Message: "no backend configured",
			Cause:   err,
		}
	}
	return d, nil
}

func (p *Platform) adapterFor(d backend.Descriptor) (stream.Adapter, error) {
	a, ok := p.adapters[d.Protocol()]
	if !ok || a == nil {
		return nil, &stream.ClientError{
			Type:    stream.ErrTypeNoBackend,
			Message: fmt.Sprintf("no adapter for protocol %q", d.Protocol()),
		}
	}
	return a, nil
}

// =============================================================================
// FACADE
// =============================================================================

// Stream opens a completion with reasoning spans already removed.
func (p *Platform) Stream(ctx context.Context, msgs []stream.Message, opts Options) (stream.Stream, error) {
	d, err := p.ResolveBackend(ctx, opts.BackendID)
	if err != nil {
		return nil, err
	}
	return p.StreamWith(ctx, d, msgs, opts.Model)
}

// StreamWith opens a filtered completion against an already resolved backend.
func (p *Platform) StreamWith(ctx context.Context, d backend.Descriptor, msgs []stream.Message, model string) (stream.Stream, error) {
	a, err := p.adapterFor(d)
	if err != nil {
		return nil, err
	}
	if model == "" {
		model = p.config.DefaultModel
	}
	s, err := a.Open(ctx, d, model, msgs)
	if err != nil {
		return nil, err
	}
	return reasoning.Filter(s), nil
}

// Complete runs Stream to completion and returns the joined text.
func (p *Platform) Complete(ctx context.Context, msgs []stream.Message, opts Options) (string, error) {
	s, err := p.Stream(ctx, msgs, opts)
	if err != nil {
		return "", err
	}
	return stream.ReadAll(s)
}

// EmitEvent formats one push-event frame. Unencodable payloads produce an
// error frame instead.
func (p *Platform) EmitEvent(payload any) []byte {
	frame, err := events.Frame(payload)
	if err != nil {
		frame, _ = events.Frame(map[string]string{"error": err.Error()})
	}
	return frame
}

// Emitter opens a push-event stream on w.
func (p *Platform) Emitter(w http.ResponseWriter) (*events.Emitter, error) {
	return events.NewEmitter(w)
}

// WebSearch returns up to limit results. Failures are logged and yield an
// empty result.
func (p *Platform) WebSearch(ctx context.Context, query string, limit int) []search.Result {
	if p.searcher == nil || strings.TrimSpace(query) == "" {
		return []search.Result{}
	}
	results, err := p.searcher.Search(ctx, query, limit)
	if err != nil {
		log.Printf("SEARCH_FAILED | query=%q error=%v", query, err)
		return []search.Result{}
	}
	if results == nil {
		results = []search.Result{}
	}
	return results
}

// FetchPage returns up to maxChars of a page's visible text. Failures are
// logged and yield an empty string.
func (p *Platform) FetchPage(ctx context.Context, url string, maxChars int) string {
	if p.searcher == nil {
		return ""
	}
	text, err := p.searcher.FetchPage(ctx, url, maxChars)
	if err != nil {
		log.Printf("FETCH_FAILED | url=%s error=%v", url, err)
		return ""
	}
	return text
}

// ListModels returns the models of a backend (0 for the default). Any
// failure yields an empty list.
func (p *Platform) ListModels(ctx context.Context, backendID int64) []stream.Model {
	models, _, err := p.Models(ctx, backendID)
	if err != nil {
		return []stream.Model{}
	}
	return models
}

// Models is ListModels with the resolved backend and the error exposed, for
// callers that report failures.
func (p *Platform) Models(ctx context.Context, backendID int64) ([]stream.Model, backend.Descriptor, error) {
	d, err := p.ResolveBackend(ctx, backendID)
	if err != nil {
		return []stream.Model{}, d, err
	}
	a, err := p.adapterFor(d)
	if err != nil {
		return []stream.Model{}, d, err
	}
	models, err := a.ListModels(ctx, d)
	if err != nil {
		log.Printf("MODELS_FAILED | backend=%s url=%s error=%v", d.Name, d.BaseURL, err)
		return []stream.Model{}, d, err
	}
	if models == nil {
		models = []stream.Model{}
	}
	return models, d, nil
}
