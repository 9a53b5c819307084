// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/jeranaias/rigrun-gateway/internal/chat"
	"github.com/jeranaias/rigrun-gateway/internal/events"
	"github.com/jeranaias/rigrun-gateway/internal/plugins"
	"github.com/jeranaias/rigrun-gateway/internal/storage"
	"github.com/jeranaias/rigrun-gateway/internal/stream"
	"github.com/jeranaias/rigrun-gateway/internal/util"
)

// maxTitleRunes bounds a user-supplied conversation title.
const maxTitleRunes = 200

// ============================================================================
// CHAT
// ============================================================================

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chat.Request
	if err := plugins.DecodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	turn, err := s.deps.Chat.Start(r.Context(), req)
	switch {
	case err == nil:
	case errors.Is(err, chat.ErrEmptyMessage):
		writeError(w, http.StatusBadRequest, "Empty message")
		return
	case stream.IsNoBackend(err):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, storage.ErrConversationNotFound):
		writeError(w, http.StatusNotFound, "Conversation not found")
		return
	default:
		log.Printf("CHAT_START_FAILED | error=%v", err)
		writeError(w, http.StatusInternalServerError, "Failed to start chat")
		return
	}

	em, err := events.NewEmitter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	turn.Run(r.Context(), em)
}

func (s *Server) handlePersonalities(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"personalities": chat.Personalities()})
}

// ============================================================================
// CONVERSATIONS
// ============================================================================

// conversationDetail is a conversation with its messages.
type conversationDetail struct {
	storage.Conversation
	Messages []storage.Message `json:"messages"`
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := s.deps.Conversations.List(r.Context(), s.owner())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if convs == nil {
		convs = []storage.Conversation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": convs})
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Model       string `json:"model"`
		Personality string `json:"personality"`
	}
	if err := plugins.DecodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.Model == "" {
		body.Model = s.deps.Platform.DefaultModel()
	}

	conv, err := s.deps.Conversations.Create(r.Context(), storage.Conversation{
		Owner:       s.owner(),
		Title:       "New Chat",
		Model:       body.Model,
		Personality: body.Personality,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": conv.ID, "title": conv.Title})
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, found := s.loadConversation(w, r)
	if !found {
		return
	}
	msgs, err := s.deps.Conversations.Messages(r.Context(), conv.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if msgs == nil {
		msgs = []storage.Message{}
	}
	writeJSON(w, http.StatusOK, conversationDetail{Conversation: conv, Messages: msgs})
}

func (s *Server) handleRenameConversation(w http.ResponseWriter, r *http.Request) {
	conv, found := s.loadConversation(w, r)
	if !found {
		return
	}
	var body struct {
		Title *string `json:"title"`
	}
	if err := plugins.DecodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.Title != nil {
		conv.Title = util.TruncateRunes(*body.Title, maxTitleRunes)
	}
	if err := s.deps.Conversations.UpdateMeta(r.Context(), s.owner(), conv.ID, conv.Title, conv.Model); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeOK(w)
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	id, valid := idParam(w, r)
	if !valid {
		return
	}
	err := s.deps.Conversations.Delete(r.Context(), s.owner(), id)
	if errors.Is(err, storage.ErrConversationNotFound) {
		writeError(w, http.StatusNotFound, "Conversation not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeOK(w)
}

// handleConversationSearch searches stored messages. Queries shorter than
// two characters return nothing.
func (s *Server) handleConversationSearch(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if len([]rune(q)) < 2 {
		writeJSON(w, http.StatusOK, map[string]any{"results": []storage.SearchHit{}})
		return
	}
	hits, err := s.deps.Conversations.Search(r.Context(), s.owner(), q, 50)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": hits})
}

// ============================================================================
// WEB SEARCH
// ============================================================================

func (s *Server) handleWebSearch(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		writeJSON(w, http.StatusOK, map[string]any{"results": []any{}})
		return
	}
	results := s.deps.Platform.WebSearch(r.Context(), q, 5)
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

// ============================================================================
// HELPERS
// ============================================================================

func (s *Server) loadConversation(w http.ResponseWriter, r *http.Request) (storage.Conversation, bool) {
	id, valid := idParam(w, r)
	if !valid {
		return storage.Conversation{}, false
	}
	conv, err := s.deps.Conversations.Get(r.Context(), s.owner(), id)
	if errors.Is(err, storage.ErrConversationNotFound) {
		writeError(w, http.StatusNotFound, "Conversation not found")
		return storage.Conversation{}, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return storage.Conversation{}, false
	}
	return conv, true
}

// idParam parses the {id} route parameter, answering 400 when it is not a
// positive integer.
func idParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "Invalid id")
		return 0, false
	}
	return id, true
}
