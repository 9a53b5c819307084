// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package events

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// frames splits a recorded body into decoded event objects.
func frames(t *testing.T, body string) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, chunk := range strings.Split(body, "\n\n") {
		if chunk == "" {
			continue
		}
		require.True(t, strings.HasPrefix(chunk, "data: "), "frame %q", chunk)
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(chunk, "data: ")), &m))
		out = append(out, m)
	}
	return out
}

func TestFrame(t *testing.T) {
	got, err := Frame(map[string]string{"status": "searching"})
	require.NoError(t, err)
	if string(got) != "data: {\"status\":\"searching\"}\n\n" {
		t.Errorf("Frame = %q", got)
	}
}

func TestNewEmitter_SetsHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	_, err := NewEmitter(rec)
	require.NoError(t, err)

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "keep-alive", rec.Header().Get("Connection"))
	assert.Equal(t, "no", rec.Header().Get("X-Accel-Buffering"))
	assert.True(t, rec.Flushed)
}

type plainWriter struct{ http.ResponseWriter }

func TestNewEmitter_RequiresFlusher(t *testing.T) {
	_, err := NewEmitter(plainWriter{httptest.NewRecorder()})
	assert.ErrorIs(t, err, ErrStreamingUnsupported)
}

func TestEmitter_PipelineOrder(t *testing.T) {
	rec := httptest.NewRecorder()
	em, err := NewEmitter(rec)
	require.NoError(t, err)

	require.NoError(t, em.Status(StatusSearching))
	require.NoError(t, em.SearchResults(nil))
	require.NoError(t, em.Reading("https://example.com"))
	require.NoError(t, em.Token("Hi", 7))
	require.NoError(t, em.ImageError("a fox", "connection refused"))
	require.NoError(t, em.Images([]Image{{URL: "/static/images/abc.png", Seed: 42, Prompt: "a fox"}}))
	require.NoError(t, em.Done(7, "Hello"))

	got := frames(t, rec.Body.String())
	require.Len(t, got, 7)
	assert.Equal(t, "searching", got[0]["status"])
	assert.Equal(t, []any{}, got[1]["search_results"])
	assert.Equal(t, "https://example.com", got[2]["url"])
	assert.Equal(t, "Hi", got[3]["token"])
	assert.Equal(t, float64(7), got[3]["conversation_id"])
	assert.Equal(t, "image_error", got[4]["status"])
	assert.Equal(t, true, got[6]["done"])
	assert.Equal(t, "Hello", got[6]["title"])
}

func TestEmitter_SingleTerminalEvent(t *testing.T) {
	tests := []struct {
		name  string
		first func(*Emitter) error
	}{
		{"done first", func(e *Emitter) error { return e.Done(1, "t") }},
		{"fail first", func(e *Emitter) error { return e.Fail("boom") }},
		{"finish first", func(e *Emitter) error { return e.Finish(map[string]bool{"done": true}) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			em, err := NewEmitter(rec)
			require.NoError(t, err)

			require.NoError(t, tt.first(em))
			assert.True(t, em.Terminated())

			assert.ErrorIs(t, em.Done(1, "again"), ErrTerminated)
			assert.ErrorIs(t, em.Fail("again"), ErrTerminated)
			assert.ErrorIs(t, em.Token("late", 1), ErrTerminated)

			assert.Len(t, frames(t, rec.Body.String()), 1)
		})
	}
}
