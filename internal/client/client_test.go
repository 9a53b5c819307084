// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// READER
// =============================================================================

func readAll(t *testing.T, body string) []Event {
	t.Helper()
	rd := NewReader(strings.NewReader(body))
	var out []Event
	for {
		ev, err := rd.Next()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, ev)
	}
}

func TestReader_Frames(t *testing.T) {
	body := "data: {\"status\":\"searching\"}\n\n" +
		": keepalive\n\n" +
		"event: ignored\ndata: {\"token\":\"Hi\",\"conversation_id\":7}\n\n" +
		"data: {\"done\":true,\"conversation_id\":7,\"title\":\"Hello\"}\n\n"

	got := readAll(t, body)
	require.Len(t, got, 3)
	assert.Equal(t, "searching", got[0].Status)
	assert.Equal(t, "Hi", got[1].Token)
	assert.Equal(t, int64(7), got[1].ConversationID)
	assert.True(t, got[2].Terminal())
	assert.Equal(t, "Hello", got[2].Title)
	assert.JSONEq(t, `{"done":true,"conversation_id":7,"title":"Hello"}`, string(got[2].Raw))
}

func TestReader_MultiLineData(t *testing.T) {
	got := readAll(t, "data: {\"token\":\ndata: \"a\"}\n\n")
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].Token)
}

func TestReader_UnterminatedLastFrame(t *testing.T) {
	got := readAll(t, "data: {\"error\":\"boom\"}")
	require.Len(t, got, 1)
	assert.True(t, got[0].Terminal())
	assert.Equal(t, "boom", got[0].Error)
}

func TestReader_NoSpaceAfterColon(t *testing.T) {
	got := readAll(t, "data:{\"status\":\"generating\"}\n\n")
	require.Len(t, got, 1)
	assert.Equal(t, "generating", got[0].Status)
}

func TestReader_Malformed(t *testing.T) {
	rd := NewReader(strings.NewReader("data: {not json}\n\n"))
	_, err := rd.Next()
	assert.Error(t, err)
}

func TestReader_Empty(t *testing.T) {
	rd := NewReader(strings.NewReader("\n\n"))
	_, err := rd.Next()
	assert.Equal(t, io.EOF, err)
}

// =============================================================================
// CLIENT
// =============================================================================

func TestClient_Chat(t *testing.T) {
	var got ChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"token\":\"ok\",\"conversation_id\":3}\n\n")
		fmt.Fprint(w, "data: {\"done\":true,\"conversation_id\":3,\"title\":\"t\"}\n\n")
	}))
	defer srv.Close()

	c := New(srv.URL + "/")
	st, err := c.Chat(context.Background(), ChatRequest{Message: "hi", Search: true})
	require.NoError(t, err)
	defer st.Close()

	ev, err := st.Next()
	require.NoError(t, err)
	assert.Equal(t, "ok", ev.Token)

	assert.Equal(t, "hi", got.Message)
	assert.True(t, got.Search)
}

func TestClient_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"Empty message"}`)
	}))
	defer srv.Close()

	_, err := New(srv.URL).Chat(context.Background(), ChatRequest{})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Equal(t, "gateway returned 400: Empty message", apiErr.Error())
}

func TestClient_ModelsAndBackends(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/models":
			assert.Equal(t, "2", r.URL.Query().Get("backend_id"))
			fmt.Fprint(w, `{"models":[{"name":"llama3.2","size":"2.0 GB"}],"backend":"Ollama","kind":"ollama"}`)
		case "/api/backends/":
			fmt.Fprint(w, `{"backends":[{"id":1,"name":"Ollama","kind":"ollama","is_default":true}],"kinds":[]}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()
	c := New(srv.URL)

	ml, err := c.Models(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, ml.Models, 1)
	assert.Equal(t, "2.0 GB", ml.Models[0].Size)
	assert.Equal(t, "Ollama", ml.Backend)

	bs, err := c.Backends(context.Background())
	require.NoError(t, err)
	require.Len(t, bs, 1)
	assert.True(t, bs[0].IsDefault)
}

func TestClient_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := New(url).Health(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot reach gateway at "+url)
}

// =============================================================================
// RENDERER
// =============================================================================

func TestRenderer_Turn(t *testing.T) {
	body := "data: {\"status\":\"searching\"}\n\n" +
		"data: {\"search_results\":[{\"title\":\"Go\",\"url\":\"https://go.dev\",\"snippet\":\"s\"}]}\n\n" +
		"data: {\"status\":\"reading\",\"url\":\"https://go.dev\"}\n\n" +
		"data: {\"status\":\"generating\"}\n\n" +
		"data: {\"token\":\"Hello \",\"conversation_id\":4}\n\n" +
		"data: {\"token\":\"world\",\"conversation_id\":4}\n\n" +
		"data: {\"status\":\"image_error\",\"prompt\":\"a fox\",\"message\":\"SD down\"}\n\n" +
		"data: {\"images\":[{\"url\":\"/static/images/a.png\",\"seed\":42,\"prompt\":\"a cat\"}]}\n\n" +
		"data: {\"done\":true,\"conversation_id\":4,\"title\":\"Greeting\"}\n\n"

	var out bytes.Buffer
	res, err := NewRenderer(&out, RenderOptions{}).Turn(NewReader(strings.NewReader(body)))
	require.NoError(t, err)

	assert.Equal(t, int64(4), res.ConversationID)
	assert.Equal(t, "Greeting", res.Title)
	assert.Equal(t, "Hello world", res.Text)
	require.Len(t, res.Images, 1)

	s := out.String()
	assert.Contains(t, s, "[searching the web]")
	assert.Contains(t, s, "1. Go")
	assert.Contains(t, s, "[reading https://go.dev]")
	assert.Contains(t, s, "Hello world\n")
	assert.Contains(t, s, "[image failed] a fox: SD down")
	assert.Contains(t, s, "/static/images/a.png")
	assert.Contains(t, s, "(seed 42)")
	assert.NotContains(t, s, "generating]")
}

func TestRenderer_TurnError(t *testing.T) {
	body := "data: {\"token\":\"Part\",\"conversation_id\":9}\n\n" +
		"data: {\"error\":\"Cannot connect to Ollama at http://x\"}\n\n"

	var out bytes.Buffer
	res, err := NewRenderer(&out, RenderOptions{}).Turn(NewReader(strings.NewReader(body)))

	var se *StreamError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "Cannot connect to Ollama at http://x", se.Message)
	assert.Equal(t, int64(9), res.ConversationID)
	assert.Equal(t, "Part", res.Text)
	assert.Contains(t, out.String(), "Part\n")
}

func TestRenderer_TurnTruncated(t *testing.T) {
	var out bytes.Buffer
	_, err := NewRenderer(&out, RenderOptions{}).Turn(NewReader(strings.NewReader("data: {\"token\":\"x\"}\n\n")))
	assert.ErrorIs(t, err, ErrNoTerminalEvent)
}

func TestRenderer_Pull(t *testing.T) {
	body := "data: {\"status\":\"pulling manifest\",\"percent\":0}\n\n" +
		"data: {\"status\":\"pulling abc\",\"percent\":25,\"total\":100,\"completed\":25}\n\n" +
		"data: {\"status\":\"pulling abc\",\"percent\":25,\"total\":100,\"completed\":25}\n\n" +
		"data: {\"status\":\"pulling abc\",\"percent\":100,\"total\":100,\"completed\":100}\n\n" +
		"data: {\"status\":\"success\",\"percent\":100}\n\n" +
		"data: {\"done\":true}\n\n"

	var out bytes.Buffer
	require.NoError(t, NewRenderer(&out, RenderOptions{}).Pull(NewReader(strings.NewReader(body))))

	s := out.String()
	assert.Equal(t, 1, strings.Count(s, "pulling abc  25%"))
	assert.Contains(t, s, "pulling abc 100%")
	assert.Contains(t, s, "success")
	assert.Contains(t, s, "done")
}

func TestRenderer_PullError(t *testing.T) {
	var out bytes.Buffer
	err := NewRenderer(&out, RenderOptions{}).Pull(NewReader(strings.NewReader("data: {\"error\":\"file does not exist\"}\n\n")))

	var se *StreamError
	require.True(t, errors.As(err, &se))
	assert.Contains(t, out.String(), "file does not exist")
}
