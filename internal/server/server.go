// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server exposes the gateway over HTTP.
//
// Endpoints:
//   - POST   /api/chat                 - chat turn as a push-event stream
//   - GET    /api/personalities        - personality table
//   - GET    /api/conversations        - conversation list
//   - POST   /api/conversations        - new empty conversation
//   - GET    /api/conversations/{id}   - one conversation with messages
//   - PUT    /api/conversations/{id}/title
//   - DELETE /api/conversations/{id}
//   - GET    /api/search?q=            - search stored messages
//   - GET    /api/backends             - backend descriptors and kinds
//   - POST   /api/backends, PUT|DELETE /api/backends/{id}
//   - GET    /api/backends/{id}/test   - connectivity check
//   - GET    /api/models               - models of a backend
//   - POST   /api/models/pull          - pull progress as a push-event stream
//   - DELETE /api/models/{name}
//   - GET    /api/web/search?q=        - web search
//   - GET    /api/sd/models, /api/sd/samplers, /api/sd/images
//   - POST   /api/sd/generate
//   - DELETE /api/sd/images/{id}
//   - GET    /static/images/{key}      - generated images
//   - GET    /health
//
// Feature modules add /api/apps and their own routes when a registry is set.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jeranaias/rigrun-gateway/internal/backend"
	"github.com/jeranaias/rigrun-gateway/internal/chat"
	"github.com/jeranaias/rigrun-gateway/internal/imagegen"
	"github.com/jeranaias/rigrun-gateway/internal/ollama"
	"github.com/jeranaias/rigrun-gateway/internal/platform"
	"github.com/jeranaias/rigrun-gateway/internal/plugins"
	"github.com/jeranaias/rigrun-gateway/internal/storage"
)

// Version is reported by /health.
const Version = "0.4.0"

// ============================================================================
// CONFIG & COLLABORATORS
// ============================================================================

// Config holds listener and middleware settings.
type Config struct {
	Addr string

	// RateLimit is requests per minute per client IP; 0 disables limiting
	RateLimit int
	RateBurst int

	ReadTimeout time.Duration

	// WriteTimeout is 0 by default since chat and pull responses stream
	WriteTimeout time.Duration

	Logger *log.Logger
}

// ConversationStore is the conversation persistence the routes need.
// *storage.Conversations implements it.
type ConversationStore interface {
	Create(ctx context.Context, conv storage.Conversation) (storage.Conversation, error)
	Get(ctx context.Context, owner string, id int64) (storage.Conversation, error)
	List(ctx context.Context, owner string) ([]storage.Conversation, error)
	UpdateMeta(ctx context.Context, owner string, id int64, title, model string) error
	Delete(ctx context.Context, owner string, id int64) error
	Messages(ctx context.Context, conversationID int64) ([]storage.Message, error)
	Search(ctx context.Context, owner, query string, limit int) ([]storage.SearchHit, error)
}

// ImageRecords lists and removes artifact records. *storage.Images
// implements it.
type ImageRecords interface {
	List(ctx context.Context, owner string) ([]imagegen.Record, error)
	Delete(ctx context.Context, owner string, id int64) (imagegen.Record, error)
}

// StableDiffusion is the model management side of the image server.
// *imagegen.Client implements it.
type StableDiffusion interface {
	Models(ctx context.Context) ([]imagegen.SDModel, error)
	Samplers(ctx context.Context) []string
	SetModel(ctx context.Context, name string) error
}

// ModelManager pulls and deletes models on native backends.
// *ollama.Adapter implements it.
type ModelManager interface {
	Pull(ctx context.Context, b backend.Descriptor, name string) (*ollama.PullStream, error)
	DeleteModel(ctx context.Context, b backend.Descriptor, name string) error
}

// Deps are the server's collaborators. Images, SD, Models and Plugins may
// be nil; their routes then answer 503 or are not mounted.
type Deps struct {
	Platform      *platform.Platform
	Chat          *chat.Service
	Conversations ConversationStore
	Images        *imagegen.Service
	ImageRecords  ImageRecords
	SD            StableDiffusion
	Models        ModelManager
	Plugins       *plugins.Registry
}

// ============================================================================
// SERVER
// ============================================================================

// Server is the gateway's HTTP server.
type Server struct {
	config  Config
	deps    Deps
	router  chi.Router
	limiter *RateLimiter
	server  *http.Server
	started time.Time
}

// New creates a server and registers every route.
func New(config Config, deps Deps) *Server {
	if config.Logger == nil {
		config.Logger = log.Default()
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = 30 * time.Second
	}
	s := &Server{
		config:  config,
		deps:    deps,
		router:  chi.NewRouter(),
		started: time.Now(),
	}
	if config.RateLimit > 0 {
		s.limiter = NewRateLimiter(config.RateLimit, config.RateBurst)
	}
	s.setupRoutes()
	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// ============================================================================
// ROUTES
// ============================================================================

func (s *Server) setupRoutes() {
	r := s.router

	r.Get("/health", s.handleHealth)

	r.Post("/api/chat", s.handleChat)
	r.Get("/api/personalities", s.handlePersonalities)
	r.Get("/api/search", s.handleConversationSearch)

	r.Route("/api/conversations", func(r chi.Router) {
		r.Get("/", s.handleListConversations)
		r.Post("/", s.handleCreateConversation)
		r.Get("/{id}", s.handleGetConversation)
		r.Put("/{id}/title", s.handleRenameConversation)
		r.Delete("/{id}", s.handleDeleteConversation)
	})

	r.Route("/api/backends", func(r chi.Router) {
		r.Get("/", s.handleListBackends)
		r.Post("/", s.handleCreateBackend)
		r.Put("/{id}", s.handleUpdateBackend)
		r.Delete("/{id}", s.handleDeleteBackend)
		r.Get("/{id}/test", s.handleTestBackend)
	})

	r.Get("/api/models", s.handleModels)
	r.Post("/api/models/pull", s.handlePullModel)
	r.Delete("/api/models/*", s.handleDeleteModel)

	r.Get("/api/web/search", s.handleWebSearch)

	r.Route("/api/sd", func(r chi.Router) {
		r.Get("/models", s.handleSDModels)
		r.Get("/samplers", s.handleSDSamplers)
		r.Post("/generate", s.handleSDGenerate)
		r.Get("/images", s.handleListImages)
		r.Delete("/images/{id}", s.handleDeleteImage)
	})
	r.Get("/static/images/{key}", s.handleImageFile)

	if s.deps.Plugins != nil {
		s.deps.Plugins.Mount(r, s.deps.Platform)
	}
}

// Handler returns the router wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	middlewares := []func(http.Handler) http.Handler{
		RecoveryMiddleware(),
		SecurityHeadersMiddleware(),
		LoggingMiddleware(s.config.Logger),
	}
	if s.limiter != nil {
		middlewares = append(middlewares, RateLimitMiddleware(s.limiter))
	}
	return Chain(middlewares...)(s.router)
}

// ============================================================================
// SERVER LIFECYCLE
// ============================================================================

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve serves on ln until Shutdown. It returns nil after a clean shutdown,
// including one that happened before Serve was called.
func (s *Server) Serve(ln net.Listener) error {
	log.Printf("SERVER_START | addr=%s version=%s", ln.Addr(), Version)
	err := s.server.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.limiter != nil {
		s.limiter.Stop()
	}
	log.Printf("SERVER_SHUTDOWN | starting graceful shutdown")
	return s.server.Shutdown(ctx)
}

// ============================================================================
// HEALTH
// ============================================================================

// HealthResponse is the /health body.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
	Apps    int    `json:"apps"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	apps := 0
	if s.deps.Plugins != nil {
		apps = len(s.deps.Plugins.Manifests())
	}
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: Version,
		Uptime:  time.Since(s.started).Round(time.Second).String(),
		Apps:    apps,
	})
}

// ============================================================================
// HELPERS
// ============================================================================

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("RESPONSE_ENCODE_FAILED | error=%v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeOK(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) owner() string {
	return s.deps.Platform.Owner()
}
