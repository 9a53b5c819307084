// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package events writes the gateway's server-push event stream.
//
// Every event is one SSE frame carrying a JSON object:
//
//	data: {"status":"searching"}
//
//	data: {"token":"Hel","conversation_id":7}
//
//	data: {"done":true,"conversation_id":7,"title":"Hello"}
//
// A request ends with exactly one terminal event, either done or error.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/jeranaias/rigrun-gateway/internal/search"
)

// Status values for progress events.
const (
	StatusSearching       = "searching"
	StatusReading         = "reading"
	StatusGenerating      = "generating"
	StatusGeneratingImage = "generating_image"
	StatusImageError      = "image_error"
)

var (
	// ErrTerminated is returned by any write after the terminal event.
	ErrTerminated = errors.New("event stream already terminated")

	// ErrStreamingUnsupported is returned when the writer cannot flush.
	ErrStreamingUnsupported = errors.New("response writer does not support streaming")
)

// Frame encodes payload as one push-event frame.
func Frame(payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event: %w", err)
	}
	frame := make([]byte, 0, len(data)+8)
	frame = append(frame, "data: "...)
	frame = append(frame, data...)
	frame = append(frame, '\n', '\n')
	return frame, nil
}

// =============================================================================
// PAYLOADS
// =============================================================================

// Image is one entry of an images event.
type Image struct {
	URL    string `json:"url"`
	Seed   int64  `json:"seed"`
	Prompt string `json:"prompt"`
}

// =============================================================================
// EMITTER
// =============================================================================

// Emitter writes events to one HTTP response. It is safe for concurrent use,
// though a chat turn only ever writes from one goroutine.
type Emitter struct {
	mu         sync.Mutex
	w          http.ResponseWriter
	flusher    http.Flusher
	terminated bool
}

// NewEmitter sets the event-stream headers on w and returns an emitter.
func NewEmitter(w http.ResponseWriter) (*Emitter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &Emitter{w: w, flusher: flusher}, nil
}

// Emit writes an arbitrary non-terminal payload.
func (e *Emitter) Emit(payload any) error {
	return e.write(payload, false)
}

// Status writes a progress marker.
func (e *Emitter) Status(status string) error {
	return e.Emit(map[string]string{"status": status})
}

// Reading writes the reading status for one fetched page.
func (e *Emitter) Reading(url string) error {
	return e.Emit(map[string]string{"status": StatusReading, "url": url})
}

// Token writes one incremental piece of assistant text.
func (e *Emitter) Token(text string, conversationID int64) error {
	return e.Emit(struct {
		Token          string `json:"token"`
		ConversationID int64  `json:"conversation_id"`
	}{text, conversationID})
}

// Text writes a token with no conversation attached, as feature modules do.
func (e *Emitter) Text(text string) error {
	return e.Emit(map[string]string{"token": text})
}

// SearchResults writes the results used to augment a turn.
func (e *Emitter) SearchResults(results []search.Result) error {
	if results == nil {
		results = []search.Result{}
	}
	return e.Emit(map[string][]search.Result{"search_results": results})
}

// Images writes the artifacts generated for a turn.
func (e *Emitter) Images(images []Image) error {
	return e.Emit(map[string][]Image{"images": images})
}

// ImageError reports one failed directive. It does not end the stream.
func (e *Emitter) ImageError(prompt, message string) error {
	return e.Emit(map[string]string{"status": StatusImageError, "prompt": prompt, "message": message})
}

// Done writes the terminal success event for a chat turn.
func (e *Emitter) Done(conversationID int64, title string) error {
	return e.write(struct {
		Done           bool   `json:"done"`
		ConversationID int64  `json:"conversation_id"`
		Title          string `json:"title"`
	}{true, conversationID, title}, true)
}

// Finish writes a terminal payload of the caller's shape, used by feature
// modules whose done event carries results instead of a conversation.
func (e *Emitter) Finish(payload any) error {
	return e.write(payload, true)
}

// Fail writes the terminal error event.
func (e *Emitter) Fail(message string) error {
	return e.write(map[string]string{"error": message}, true)
}

// Terminated reports whether a terminal event has been written.
func (e *Emitter) Terminated() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.terminated
}

func (e *Emitter) write(payload any, terminal bool) error {
	frame, err := Frame(payload)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.terminated {
		return ErrTerminated
	}
	if terminal {
		e.terminated = true
	}
	if _, err := e.w.Write(frame); err != nil {
		return err
	}
	e.flusher.Flush()
	return nil
}
