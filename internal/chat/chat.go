// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chat runs one conversational turn end to end.
//
// A turn is split in two. Start does everything that can still fail with a
// plain HTTP error: validation, backend resolution and persisting the user
// message. Turn.Run then owns the event stream until its terminal event:
//
//	searching → search_results → reading… → generating   (search only)
//	token…                                                (streamed)
//	generating_image → images                             (directives only)
//	done | error
package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/jeranaias/rigrun-gateway/internal/backend"
	"github.com/jeranaias/rigrun-gateway/internal/events"
	"github.com/jeranaias/rigrun-gateway/internal/imagegen"
	"github.com/jeranaias/rigrun-gateway/internal/platform"
	"github.com/jeranaias/rigrun-gateway/internal/storage"
	"github.com/jeranaias/rigrun-gateway/internal/stream"
	"github.com/jeranaias/rigrun-gateway/internal/util"
)

// TitleLength is the rune length of a title taken from a first message.
const TitleLength = 80

// ErrEmptyMessage is returned by Start for a blank message.
var ErrEmptyMessage = errors.New("Empty message")

// =============================================================================
// TYPES
// =============================================================================

// Request is the body of a chat turn.
type Request struct {
	ConversationID int64  `json:"conversation_id"`
	Message        string `json:"message"`
	Model          string `json:"model"`
	Personality    string `json:"personality"`
	BackendID      int64  `json:"backend_id"`
	Search         bool   `json:"search"`
	Think          bool   `json:"think"`
}

// Conversations is the persistence collaborator. *storage.Conversations
// implements it.
type Conversations interface {
	Create(ctx context.Context, conv storage.Conversation) (storage.Conversation, error)
	Get(ctx context.Context, owner string, id int64) (storage.Conversation, error)
	UpdateMeta(ctx context.Context, owner string, id int64, title, model string) error
	AppendMessage(ctx context.Context, conversationID int64, role, content string) (storage.Message, error)
	Messages(ctx context.Context, conversationID int64) ([]storage.Message, error)
}

// Config tunes search augmentation.
type Config struct {
	SearchResults int
	ReadPages     int
	PageChars     int
}

// DefaultConfig returns five results with the top two pages read.
func DefaultConfig() Config {
	return Config{SearchResults: 5, ReadPages: 2, PageChars: 3000}
}

// Service starts chat turns.
type Service struct {
	platform *platform.Platform
	convs    Conversations
	images   *imagegen.Service
	config   Config
}

// NewService creates a chat service. images may be nil, in which case
// image directives are stripped from answers without generating anything.
func NewService(p *platform.Platform, convs Conversations, images *imagegen.Service, config Config) *Service {
	def := DefaultConfig()
	if config.SearchResults <= 0 {
		config.SearchResults = def.SearchResults
	}
	if config.ReadPages < 0 {
		config.ReadPages = 0
	}
	if config.PageChars <= 0 {
		config.PageChars = def.PageChars
	}
	return &Service{platform: p, convs: convs, images: images, config: config}
}

// Turn is a validated turn whose user message is already stored.
type Turn struct {
	svc      *Service
	req      Request
	message  string
	backend  backend.Descriptor
	model    string
	conv     storage.Conversation
	messages []stream.Message
}

// ConversationID returns the conversation the turn belongs to.
func (t *Turn) ConversationID() int64 {
	return t.conv.ID
}

// =============================================================================
// START
// =============================================================================

// Start validates req, resolves its backend and conversation, and stores the
// user message. Errors here happen before any event is written:
// ErrEmptyMessage, stream.ErrNoBackendConfigured and
// storage.ErrConversationNotFound.
func (s *Service) Start(ctx context.Context, req Request) (*Turn, error) {
	message := strings.TrimSpace(req.Message)
	if message == "" {
		return nil, ErrEmptyMessage
	}

	d, err := s.platform.ResolveBackend(ctx, req.BackendID)
	if err != nil {
		return nil, err
	}

	model := req.Model
	if model == "" {
		model = s.platform.DefaultModel()
	}
	owner := s.platform.Owner()

	var conv storage.Conversation
	if req.ConversationID != 0 {
		conv, err = s.convs.Get(ctx, owner, req.ConversationID)
	} else {
		conv, err = s.convs.Create(ctx, storage.Conversation{Owner: owner, Model: model, Personality: req.Personality})
	}
	if err != nil {
		return nil, err
	}

	history, err := s.convs.Messages(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		conv.Title = util.TruncateWithEllipsis(message, TitleLength)
	}
	conv.Model = model
	if err := s.convs.UpdateMeta(ctx, owner, conv.ID, conv.Title, model); err != nil {
		return nil, err
	}
	if _, err := s.convs.AppendMessage(ctx, conv.ID, stream.RoleUser, message); err != nil {
		return nil, err
	}

	personality := req.Personality
	if req.ConversationID != 0 && personality == "" {
		personality = conv.Personality
	}

	msgs := make([]stream.Message, 0, len(history)+2)
	msgs = append(msgs, stream.Message{Role: stream.RoleSystem, Content: SystemPrompt(personality, req.Think, req.Search)})
	for _, m := range history {
		if m.Role == stream.RoleUser || m.Role == stream.RoleAssistant {
			msgs = append(msgs, stream.Message{Role: m.Role, Content: m.Content})
		}
	}
	msgs = append(msgs, stream.Message{Role: stream.RoleUser, Content: message})

	return &Turn{
		svc:      s,
		req:      req,
		message:  message,
		backend:  d,
		model:    model,
		conv:     conv,
		messages: msgs,
	}, nil
}

// =============================================================================
// RUN
// =============================================================================

// Run streams the turn to em and always ends with exactly one terminal
// event. Cancelling ctx aborts the upstream request; whatever text arrived
// is still stored.
func (t *Turn) Run(ctx context.Context, em *events.Emitter) {
	started := time.Now()
	log.Printf("CHAT_TURN_START | conversation=%d backend=%s model=%s search=%t think=%t",
		t.conv.ID, t.backend.Name, t.model, t.req.Search, t.req.Think)

	if t.req.Search {
		t.augment(ctx, em)
	}

	text, err := t.stream(ctx, em)

	// The client may be gone; storage must not depend on its context
	store := context.WithoutCancel(ctx)

	if err != nil {
		if strings.TrimSpace(text) != "" {
			t.persistAssistant(store, imagegen.StripDirectives(text))
		}
		msg := t.errorMessage(err)
		log.Printf("CHAT_TURN_FAILED | conversation=%d type=%s error=%v", t.conv.ID, stream.ErrorTypeOf(err), err)
		em.Fail(msg)
		return
	}

	if t.svc.images != nil {
		text, _ = t.svc.images.Extract(ctx, t.svc.platform.Owner(), text, em)
	} else {
		text = imagegen.StripDirectives(text)
	}

	if strings.TrimSpace(text) != "" {
		t.persistAssistant(store, text)
	}

	log.Printf("CHAT_TURN_DONE | conversation=%d chars=%d duration=%s", t.conv.ID, len(text), time.Since(started).Round(time.Millisecond))
	em.Done(t.conv.ID, t.conv.Title)
}

// augment runs the web search and replaces the final user message with the
// search-augmented question.
func (t *Turn) augment(ctx context.Context, em *events.Emitter) {
	cfg := t.svc.config
	p := t.svc.platform

	em.Status(events.StatusSearching)
	results := p.WebSearch(ctx, t.message, cfg.SearchResults)
	em.SearchResults(results)

	var pages []Page
	read := 0
	for _, r := range results {
		if read >= cfg.ReadPages {
			break
		}
		if r.URL == "" {
			continue
		}
		read++
		em.Reading(r.URL)
		if text := p.FetchPage(ctx, r.URL, cfg.PageChars); text != "" {
			pages = append(pages, Page{Title: r.Title, URL: r.URL, Text: text})
		}
	}

	last := len(t.messages) - 1
	t.messages[last].Content = AugmentedQuestion(SearchContext(results, pages), t.message)

	em.Status(events.StatusGenerating)
}

// stream relays filtered fragments as token events and returns the text.
func (t *Turn) stream(ctx context.Context, em *events.Emitter) (string, error) {
	s, err := t.svc.platform.StreamWith(ctx, t.backend, t.messages, t.model)
	if err != nil {
		return "", err
	}
	defer s.Close()

	var sb strings.Builder
	for {
		frag, err := s.Next()
		if err == io.EOF {
			return sb.String(), nil
		}
		if err != nil {
			return sb.String(), err
		}
		if frag.Text != "" {
			sb.WriteString(frag.Text)
			if err := em.Token(frag.Text, t.conv.ID); err != nil {
				return sb.String(), err
			}
		}
		if frag.Final {
			return sb.String(), nil
		}
	}
}

func (t *Turn) persistAssistant(ctx context.Context, text string) {
	if _, err := t.svc.convs.AppendMessage(ctx, t.conv.ID, stream.RoleAssistant, text); err != nil {
		log.Printf("CHAT_PERSIST_FAILED | conversation=%d error=%v", t.conv.ID, err)
	}
}

func (t *Turn) errorMessage(err error) string {
	if stream.IsBackendUnreachable(err) {
		log.Printf("BACKEND_UNREACHABLE | backend=%s url=%s error=%v", t.backend.Name, t.backend.BaseURL, err)
		return fmt.Sprintf("Cannot connect to %s at %s", t.backend.Name, t.backend.BaseURL)
	}
	return err.Error()
}
