// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package builtin holds the feature modules compiled into the gateway.
//
// Each module validates its request, opens a push-event stream through the
// platform, relays tokens as they arrive and ends with one terminal event
// carrying its parsed result.
package builtin

import (
	"net/http"
	"strings"

	"github.com/jeranaias/rigrun-gateway/internal/events"
	"github.com/jeranaias/rigrun-gateway/internal/plugins"
)

// Table returns every compiled-in module keyed by manifest entry.backend.
func Table() plugins.Table {
	return plugins.Table{
		"flashcards": Flashcards{},
		"recipes":    Recipes{},
		"translator": Translator{},
	}
}

// openEmitter starts the event stream, writing a JSON error if it cannot.
func openEmitter(w http.ResponseWriter) *events.Emitter {
	em, err := events.NewEmitter(w)
	if err != nil {
		plugins.WriteError(w, http.StatusInternalServerError, err.Error())
		return nil
	}
	return em
}

// outermost returns the text between the first open and the last close
// delimiter, inclusive, or "" when there is no such span.
func outermost(text string, open, close byte) string {
	start := strings.IndexByte(text, open)
	end := strings.LastIndexByte(text, close)
	if start < 0 || end <= start {
		return ""
	}
	return text[start : end+1]
}
