// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/rigrun-gateway/internal/backend"
	"github.com/jeranaias/rigrun-gateway/internal/chat"
	"github.com/jeranaias/rigrun-gateway/internal/imagegen"
	"github.com/jeranaias/rigrun-gateway/internal/ollama"
	"github.com/jeranaias/rigrun-gateway/internal/openai"
	"github.com/jeranaias/rigrun-gateway/internal/platform"
	"github.com/jeranaias/rigrun-gateway/internal/storage"
	"github.com/jeranaias/rigrun-gateway/internal/stream"
)

// =============================================================================
// FAKES
// =============================================================================

// fakeOllama serves the native endpoints the gateway uses.
type fakeOllama struct {
	mu      sync.Mutex
	deleted []string
}

func (f *fakeOllama) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/api/tags":
		fmt.Fprint(w, `{"models":[{"name":"llama3.2:latest","size":2019393189,"details":{"family":"llama","parameter_size":"3.2B"}}]}`)
	case "/api/chat":
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"Hello"},"done":false}`)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":" world"},"done":false}`)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":""},"done":true}`)
	case "/api/pull":
		fmt.Fprintln(w, `{"status":"pulling manifest"}`)
		fmt.Fprintln(w, `{"status":"downloading","digest":"sha256:abc","total":200,"completed":50}`)
		fmt.Fprintln(w, `{"status":"success"}`)
	case "/api/delete":
		var req ollama.DeleteRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Name == "missing" {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"error":"model 'missing' not found"}`)
			return
		}
		f.mu.Lock()
		f.deleted = append(f.deleted, req.Name)
		f.mu.Unlock()
	default:
		http.NotFound(w, r)
	}
}

// fakeSD is both the generator and the model-management side.
type fakeSD struct {
	model string
	err   error
}

func (f *fakeSD) Generate(ctx context.Context, req imagegen.GenerateRequest) (*imagegen.GenerateResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &imagegen.GenerateResult{Images: [][]byte{[]byte("png-bytes")}, Seed: 1234}, nil
}

func (f *fakeSD) Models(ctx context.Context) ([]imagegen.SDModel, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []imagegen.SDModel{{Name: "sd15", Title: "sd15.safetensors [abc]"}}, nil
}

func (f *fakeSD) Samplers(ctx context.Context) []string { return []string{"Euler a", "DDIM"} }

func (f *fakeSD) SetModel(ctx context.Context, name string) error {
	f.model = name
	return nil
}

type env struct {
	server *Server
	ollama *fakeOllama
	sd     *fakeSD
	db     *storage.DB
	url    string
}

func newEnv(t *testing.T) *env {
	t.Helper()

	fo := &fakeOllama{}
	upstream := httptest.NewServer(fo)
	t.Cleanup(upstream.Close)

	db, err := storage.Open(filepath.Join(t.TempDir(), "gateway.db"), "")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	native := ollama.New(ollama.DefaultConfig())
	p := platform.New(platform.Config{Owner: "local", FallbackURL: upstream.URL, DefaultModel: "llama3.2"},
		db.Backends(),
		map[backend.Protocol]stream.Adapter{
			backend.ProtocolNative: native,
			backend.ProtocolOpenAI: openai.New(openai.DefaultConfig()),
		}, nil)

	sd := &fakeSD{}
	store, err := imagegen.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	images := imagegen.NewService(sd, store, db.Images())

	s := New(Config{Logger: log.New(io.Discard, "", 0)}, Deps{
		Platform:      p,
		Chat:          chat.NewService(p, db.Conversations(), images, chat.DefaultConfig()),
		Conversations: db.Conversations(),
		Images:        images,
		ImageRecords:  db.Images(),
		SD:            sd,
		Models:        native,
	})
	return &env{server: s, ollama: fo, sd: sd, db: db, url: upstream.URL}
}

func (e *env) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	req.RemoteAddr = "203.0.113.7:5555"
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func decodeEvents(t *testing.T, body string) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, frame := range strings.Split(body, "\n\n") {
		if frame == "" {
			continue
		}
		var ev map[string]any
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(frame, "data: ")), &ev), frame)
		out = append(out, ev)
	}
	return out
}

// =============================================================================
// HEALTH & CHAT
// =============================================================================

func TestHandleHealth(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, http.MethodGet, "/health", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, Version, body["version"])
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestServer_ServeAndShutdown(t *testing.T) {
	e := newEnv(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- e.server.Serve(ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, e.server.Shutdown(context.Background()))
	assert.NoError(t, <-errCh)
}

func TestServer_ShutdownBeforeServe(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.server.Shutdown(context.Background()))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	assert.NoError(t, e.server.Serve(ln))
}

func TestHandleChat_StreamsAndPersists(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, http.MethodPost, "/api/chat", `{"message":"Hi there"}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	evs := decodeEvents(t, rec.Body.String())
	require.Len(t, evs, 3)
	assert.Equal(t, "Hello", evs[0]["token"])
	assert.Equal(t, " world", evs[1]["token"])
	assert.Equal(t, true, evs[2]["done"])
	assert.Equal(t, "Hi there", evs[2]["title"])
	id := int64(evs[2]["conversation_id"].(float64))

	rec = e.do(t, http.MethodGet, fmt.Sprintf("/api/conversations/%d", id), "")
	require.Equal(t, http.StatusOK, rec.Code)
	conv := decodeBody(t, rec)
	msgs := conv["messages"].([]any)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Hello world", msgs[1].(map[string]any)["content"])

	rec = e.do(t, http.MethodGet, "/api/conversations", "")
	assert.Len(t, decodeBody(t, rec)["conversations"], 1)
}

func TestHandleChat_PreStreamErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		code int
		want string
	}{
		{"empty message", `{"message":"  "}`, http.StatusBadRequest, "Empty message"},
		{"bad json", `{`, http.StatusBadRequest, ""},
		{"unknown backend", `{"message":"hi","backend_id":99}`, http.StatusBadRequest, "no backend configured with id 99"},
		{"unknown conversation", `{"message":"hi","conversation_id":42}`, http.StatusNotFound, "Conversation not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			rec := e.do(t, http.MethodPost, "/api/chat", tt.body)
			assert.Equal(t, tt.code, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			if tt.want != "" {
				assert.Contains(t, decodeBody(t, rec)["error"], tt.want)
			}
		})
	}
}

func TestHandlePersonalities(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, http.MethodGet, "/api/personalities", "")
	assert.Len(t, decodeBody(t, rec)["personalities"], len(chat.Personalities()))
}

// =============================================================================
// CONVERSATIONS
// =============================================================================

func TestConversations_CreateRenameSearchDelete(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, http.MethodPost, "/api/conversations", `{"personality":"chef"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	created := decodeBody(t, rec)
	assert.Equal(t, "New Chat", created["title"])
	id := int64(created["id"].(float64))

	rec = e.do(t, http.MethodPut, fmt.Sprintf("/api/conversations/%d/title", id), `{"title":"Pasta night"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	_, err := e.db.Conversations().AppendMessage(context.Background(), id, "user", "How long do I boil penne?")
	require.NoError(t, err)

	rec = e.do(t, http.MethodGet, "/api/search?q=penne", "")
	results := decodeBody(t, rec)["results"].([]any)
	require.Len(t, results, 1)
	assert.Equal(t, "Pasta night", results[0].(map[string]any)["title"])

	rec = e.do(t, http.MethodGet, "/api/search?q=p", "")
	assert.Empty(t, decodeBody(t, rec)["results"])

	rec = e.do(t, http.MethodDelete, fmt.Sprintf("/api/conversations/%d", id), "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = e.do(t, http.MethodGet, fmt.Sprintf("/api/conversations/%d", id), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = e.do(t, http.MethodDelete, "/api/conversations/abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// BACKENDS
// =============================================================================

func TestBackends_Lifecycle(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, http.MethodGet, "/api/backends", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	list := body["backends"].([]any)
	require.Len(t, list, 1, "the default is materialized on first list")
	first := list[0].(map[string]any)
	assert.Equal(t, "ollama", first["kind"])
	assert.Equal(t, true, first["is_default"])
	assert.Equal(t, e.url, first["base_url"])
	assert.Equal(t, []any{"ollama", "lmstudio", "llamacpp", "openai", "custom"}, body["kinds"])

	rec = e.do(t, http.MethodPost, "/api/backends", `{"kind":"lmstudio","api_key":"sk-1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	second := decodeBody(t, rec)
	assert.Equal(t, "LM Studio", second["name"])
	assert.Equal(t, "http://localhost:1234", second["base_url"])
	assert.Equal(t, true, second["has_key"])
	assert.Equal(t, false, second["is_default"])
	secondID := int64(second["id"].(float64))
	firstID := int64(first["id"].(float64))

	rec = e.do(t, http.MethodPut, fmt.Sprintf("/api/backends/%d", secondID), `{"name":"Desk","is_default":true}`)
	require.Equal(t, http.StatusOK, rec.Code)

	d, err := e.db.Backends().Get(context.Background(), "local", secondID)
	require.NoError(t, err)
	assert.Equal(t, "Desk", d.Name)
	assert.True(t, d.IsDefault)

	rec = e.do(t, http.MethodDelete, fmt.Sprintf("/api/backends/%d", secondID), "")
	require.Equal(t, http.StatusOK, rec.Code)
	d, err = e.db.Backends().Get(context.Background(), "local", firstID)
	require.NoError(t, err)
	assert.True(t, d.IsDefault, "default moves to the remaining backend")

	rec = e.do(t, http.MethodDelete, fmt.Sprintf("/api/backends/%d", secondID), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBackends_Test(t *testing.T) {
	e := newEnv(t)
	e.do(t, http.MethodGet, "/api/backends", "")

	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()
	rec := e.do(t, http.MethodPost, "/api/backends", fmt.Sprintf(`{"kind":"ollama","name":"Dead","base_url":%q}`, deadURL))
	deadID := int64(decodeBody(t, rec)["id"].(float64))

	list, err := e.db.Backends().List(context.Background(), "local")
	require.NoError(t, err)

	rec = e.do(t, http.MethodGet, fmt.Sprintf("/api/backends/%d/test", list[0].ID), "")
	assert.Equal(t, map[string]any{"ok": true, "status": "connected"}, decodeBody(t, rec))

	rec = e.do(t, http.MethodGet, fmt.Sprintf("/api/backends/%d/test", deadID), "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, false, body["ok"])
	assert.NotEmpty(t, body["error"])
}

// =============================================================================
// MODELS
// =============================================================================

func TestModels_List(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, http.MethodGet, "/api/models", "")

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "Ollama", body["backend"])
	assert.Equal(t, "ollama", body["kind"])
	assert.Equal(t, []any{map[string]any{
		"name": "llama3.2:latest", "size": "2.0 GB", "family": "llama", "params": "3.2B",
	}}, body["models"])
}

func TestModels_UnreachableIsEmptyWith200(t *testing.T) {
	e := newEnv(t)
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	rec := e.do(t, http.MethodPost, "/api/backends", fmt.Sprintf(`{"kind":"ollama","name":"Attic","base_url":%q}`, deadURL))
	id := int64(decodeBody(t, rec)["id"].(float64))

	rec = e.do(t, http.MethodGet, fmt.Sprintf("/api/models?backend_id=%d", id), "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Empty(t, body["models"])
	assert.Equal(t, "Attic not running", body["error"])

	rec = e.do(t, http.MethodGet, "/api/models?backend_id=999", "")
	assert.Equal(t, "No backend configured", decodeBody(t, rec)["error"])
}

func TestModels_Pull(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, http.MethodPost, "/api/models/pull", `{"name":"llama3.2"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	evs := decodeEvents(t, rec.Body.String())
	require.Len(t, evs, 4)
	assert.Equal(t, "pulling manifest", evs[0]["status"])
	assert.EqualValues(t, 25, evs[1]["percent"])
	assert.EqualValues(t, 200, evs[1]["total"])
	assert.Equal(t, "success", evs[2]["status"])
	assert.Equal(t, map[string]any{"done": true}, evs[3])
}

func TestModels_PullRejections(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, http.MethodPost, "/api/models/pull", `{"name":" "}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "No model name provided", decodeBody(t, rec)["error"])

	rec = e.do(t, http.MethodPost, "/api/backends", `{"kind":"openai"}`)
	id := int64(decodeBody(t, rec)["id"].(float64))

	rec = e.do(t, http.MethodPost, "/api/models/pull", fmt.Sprintf(`{"name":"gpt","backend_id":%d}`, id))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Pull is only supported for Ollama backends", decodeBody(t, rec)["error"])
}

func TestModels_Delete(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, http.MethodDelete, "/api/models/library/llama3.2:latest", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"library/llama3.2:latest"}, e.ollama.deleted)

	rec = e.do(t, http.MethodDelete, "/api/models/missing", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, decodeBody(t, rec)["error"], "model 'missing' not found")
}

// =============================================================================
// IMAGES
// =============================================================================

func TestSD_ModelsAndSamplers(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, http.MethodGet, "/api/sd/models", "")
	assert.Equal(t, []any{map[string]any{"name": "sd15", "title": "sd15.safetensors [abc]"}}, decodeBody(t, rec)["models"])

	rec = e.do(t, http.MethodGet, "/api/sd/samplers", "")
	assert.Equal(t, []any{"Euler a", "DDIM"}, decodeBody(t, rec)["samplers"])

	e.sd.err = &stream.ClientError{Type: stream.ErrTypeBackendUnreachable, Message: "backend unreachable"}
	rec = e.do(t, http.MethodGet, "/api/sd/models", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Stable Diffusion server not running.", decodeBody(t, rec)["error"])
}

func TestSD_GenerateServeAndDelete(t *testing.T) {
	e := newEnv(t)

	rec := e.do(t, http.MethodPost, "/api/sd/generate", `{"prompt":"  "}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "No prompt provided", decodeBody(t, rec)["error"])

	rec = e.do(t, http.MethodPost, "/api/sd/generate", `{"prompt":"a lighthouse","width":4096,"model":"sd15"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "sd15", e.sd.model)

	imgs := decodeBody(t, rec)["images"].([]any)
	require.Len(t, imgs, 1)
	img := imgs[0].(map[string]any)
	assert.EqualValues(t, 1234, img["seed"])
	url := img["url"].(string)
	assert.True(t, strings.HasPrefix(url, imagegen.URLPrefix))

	rec = e.do(t, http.MethodGet, url, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "png-bytes", rec.Body.String())
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))

	rec = e.do(t, http.MethodGet, "/api/sd/images", "")
	records := decodeBody(t, rec)["images"].([]any)
	require.Len(t, records, 1)
	record := records[0].(map[string]any)
	assert.EqualValues(t, 2048, record["width"], "dimensions are clamped")
	assert.Equal(t, "a lighthouse", record["prompt"])

	rec = e.do(t, http.MethodDelete, fmt.Sprintf("/api/sd/images/%d", int64(img["id"].(float64))), "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, http.MethodGet, url, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = e.do(t, http.MethodDelete, fmt.Sprintf("/api/sd/images/%d", int64(img["id"].(float64))), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSD_GenerateUnreachable(t *testing.T) {
	e := newEnv(t)
	e.sd.err = &stream.ClientError{Type: stream.ErrTypeBackendUnreachable, Message: "backend unreachable"}

	rec := e.do(t, http.MethodPost, "/api/sd/generate", `{"prompt":"a cat"}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "Cannot connect to Stable Diffusion server.", decodeBody(t, rec)["error"])
}

func TestImageFile_RejectsTraversal(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, http.MethodGet, "/static/images/..%2Fgateway.db", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebSearch_EmptyQuery(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, http.MethodGet, "/api/web/search?q=", "")
	assert.Equal(t, map[string]any{"results": []any{}}, decodeBody(t, rec))

	rec = e.do(t, http.MethodGet, "/api/web/search?q=golang", "")
	assert.Equal(t, map[string]any{"results": []any{}}, decodeBody(t, rec), "no searcher degrades to empty")
}

// =============================================================================
// MIDDLEWARE
// =============================================================================

func TestRateLimitMiddleware(t *testing.T) {
	limiter := NewRateLimiter(60, 2)
	defer limiter.Stop()
	h := RateLimitMiddleware(limiter)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	codes := make([]int, 3)
	for i := range codes {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "198.51.100.1:1234"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		codes[i] = rec.Code
	}
	assert.Equal(t, []int{200, 200, http.StatusTooManyRequests}, codes)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "198.51.100.2:1234"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code, "buckets are per IP")
}

func TestRecoveryMiddleware(t *testing.T) {
	h := RecoveryMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Internal Server Error", decodeBody(t, rec)["error"])
}

func TestLoggingMiddleware_KeepsFlusher(t *testing.T) {
	var buf bytes.Buffer
	var flushable bool
	h := LoggingMiddleware(log.New(&buf, "", 0))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, flushable = w.(http.Flusher)
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("abc"))
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/brew", nil))

	assert.True(t, flushable)
	assert.True(t, strings.HasPrefix(buf.String(), "GET /brew | 418 | "), buf.String())
	assert.Contains(t, buf.String(), "| 3B")
}

func TestChain_Order(t *testing.T) {
	var order []string
	mw := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	h := Chain(mw("a"), mw("b"), mw("c"))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		order = append(order, "handler")
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, []string{"a", "b", "c", "handler"}, order)
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		xri        string
		want       string
	}{
		{"direct", "203.0.113.5:80", "", "", "203.0.113.5"},
		{"untrusted forwarder ignored", "203.0.113.5:80", "1.2.3.4", "", "203.0.113.5"},
		{"trusted forwarder", "127.0.0.1:80", "1.2.3.4, 10.0.0.1", "", "1.2.3.4"},
		{"trusted real ip", "10.1.2.3:80", "", "5.6.7.8", "5.6.7.8"},
		{"invalid forwarded value", "127.0.0.1:80", "not-an-ip", "", "127.0.0.1"},
		{"no port", "192.0.2.1", "", "", "192.0.2.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xri != "" {
				req.Header.Set("X-Real-IP", tt.xri)
			}
			if got := GetClientIP(req); got != tt.want {
				t.Errorf("GetClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}
