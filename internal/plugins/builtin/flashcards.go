// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package builtin

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/jeranaias/rigrun-gateway/internal/platform"
	"github.com/jeranaias/rigrun-gateway/internal/plugins"
	"github.com/jeranaias/rigrun-gateway/internal/stream"
)

const (
	defaultCardCount = 10
	maxCardCount     = 30
)

// Flashcard is one generated study card.
type Flashcard struct {
	Front string `json:"front"`
	Back  string `json:"back"`
}

type flashcardsRequest struct {
	plugins.RunOptions
	Topic string `json:"topic"`
	Count int    `json:"count"`
}

// Flashcards generates study cards for a topic.
type Flashcards struct{}

func (Flashcards) RegisterRoutes(r chi.Router, p *platform.Platform) {
	r.Post("/run", func(w http.ResponseWriter, req *http.Request) {
		var body flashcardsRequest
		if err := plugins.DecodeJSON(w, req, &body); err != nil {
			plugins.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		topic := strings.TrimSpace(body.Topic)
		if topic == "" {
			plugins.WriteError(w, http.StatusBadRequest, "No topic")
			return
		}
		count := body.Count
		if count <= 0 {
			count = defaultCardCount
		}
		count = min(count, maxCardCount)

		em := openEmitter(w)
		if em == nil {
			return
		}

		msgs := []stream.Message{
			{Role: stream.RoleSystem, Content: fmt.Sprintf("Generate exactly %d flashcards about: %s\n\n"+
				"Return ONLY a JSON array, no other text, no markdown fences:\n"+
				`[{"front": "Question", "back": "Answer"}, ...]`, count, topic)},
			{Role: stream.RoleUser, Content: fmt.Sprintf("Generate %d flashcards about: %s", count, topic)},
		}

		text, err := plugins.Relay(req, p, em, msgs, body.Options())
		if err != nil {
			em.Fail(err.Error())
			return
		}

		cards, ok := parseFlashcards(text)
		if !ok {
			em.Fail("Could not parse flashcards. Try again.")
			return
		}
		em.Finish(map[string]any{"done": true, "cards": cards})
	})
}

// parseFlashcards decodes the outermost JSON array in text.
func parseFlashcards(text string) ([]Flashcard, bool) {
	raw := outermost(text, '[', ']')
	if raw == "" {
		return nil, false
	}
	var cards []Flashcard
	if err := json.Unmarshal([]byte(raw), &cards); err != nil {
		return nil, false
	}
	return cards, true
}
