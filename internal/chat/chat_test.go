// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/rigrun-gateway/internal/backend"
	"github.com/jeranaias/rigrun-gateway/internal/events"
	"github.com/jeranaias/rigrun-gateway/internal/imagegen"
	"github.com/jeranaias/rigrun-gateway/internal/ollama"
	"github.com/jeranaias/rigrun-gateway/internal/platform"
	"github.com/jeranaias/rigrun-gateway/internal/search"
	"github.com/jeranaias/rigrun-gateway/internal/storage"
	"github.com/jeranaias/rigrun-gateway/internal/stream"
)

// =============================================================================
// FAKES
// =============================================================================

// scriptedAdapter returns a fixed stream and keeps the messages it was sent.
type scriptedAdapter struct {
	texts []string
	err   error
	msgs  []stream.Message
}

func (a *scriptedAdapter) Open(ctx context.Context, b backend.Descriptor, model string, msgs []stream.Message) (stream.Stream, error) {
	a.msgs = msgs
	if a.err != nil {
		return stream.FailingAfter(a.err, a.texts...), nil
	}
	return stream.FromTexts(a.texts...), nil
}

func (a *scriptedAdapter) ListModels(ctx context.Context, b backend.Descriptor) ([]stream.Model, error) {
	return nil, nil
}

type fakeSearcher struct {
	results []search.Result
	fetched []string
}

func (f *fakeSearcher) Search(ctx context.Context, q string, limit int) ([]search.Result, error) {
	return f.results, nil
}

func (f *fakeSearcher) FetchPage(ctx context.Context, url string, maxChars int) (string, error) {
	f.fetched = append(f.fetched, url)
	return "contents of " + url, nil
}

type fakeGenerator struct{}

func (fakeGenerator) Generate(ctx context.Context, req imagegen.GenerateRequest) (*imagegen.GenerateResult, error) {
	return &imagegen.GenerateResult{Images: [][]byte{[]byte("png")}, Seed: 7}, nil
}

type fixture struct {
	svc     *Service
	adapter *scriptedAdapter
	convs   *storage.Conversations
}

func newFixture(t *testing.T, adapter *scriptedAdapter, searcher platform.Searcher, images *imagegen.Service) *fixture {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "gateway.db"), "")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	p := platform.New(platform.Config{Owner: "local", FallbackURL: "http://gpu-box:11434", DefaultModel: "llama3.2"},
		backend.NewMemoryStore(),
		map[backend.Protocol]stream.Adapter{backend.ProtocolNative: adapter},
		searcher)

	return &fixture{
		svc:     NewService(p, db.Conversations(), images, DefaultConfig()),
		adapter: adapter,
		convs:   db.Conversations(),
	}
}

// run starts and runs a turn and returns the decoded events.
func (f *fixture) run(t *testing.T, req Request) (*Turn, []map[string]any) {
	t.Helper()
	turn, err := f.svc.Start(context.Background(), req)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	em, err := events.NewEmitter(rec)
	require.NoError(t, err)
	turn.Run(context.Background(), em)
	require.True(t, em.Terminated())

	return turn, decodeEvents(t, rec.Body.String())
}

func decodeEvents(t *testing.T, body string) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, frame := range strings.Split(body, "\n\n") {
		if frame == "" {
			continue
		}
		require.True(t, strings.HasPrefix(frame, "data: "), frame)
		var ev map[string]any
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(frame, "data: ")), &ev))
		out = append(out, ev)
	}
	return out
}

func tokens(evs []map[string]any) string {
	var sb strings.Builder
	for _, ev := range evs {
		if tok, ok := ev["token"].(string); ok {
			sb.WriteString(tok)
		}
	}
	return sb.String()
}

// =============================================================================
// START
// =============================================================================

func TestStart_EmptyMessage(t *testing.T) {
	f := newFixture(t, &scriptedAdapter{}, nil, nil)
	_, err := f.svc.Start(context.Background(), Request{Message: "   "})
	assert.ErrorIs(t, err, ErrEmptyMessage)
}

func TestStart_UnknownBackend(t *testing.T) {
	f := newFixture(t, &scriptedAdapter{}, nil, nil)
	_, err := f.svc.Start(context.Background(), Request{Message: "hi", BackendID: 99})
	require.Error(t, err)
	assert.True(t, stream.IsNoBackend(err))
}

func TestStart_UnknownConversation(t *testing.T) {
	f := newFixture(t, &scriptedAdapter{}, nil, nil)
	_, err := f.svc.Start(context.Background(), Request{Message: "hi", ConversationID: 42})
	assert.ErrorIs(t, err, storage.ErrConversationNotFound)
}

// =============================================================================
// RUN
// =============================================================================

func TestRun_NewConversation(t *testing.T) {
	adapter := &scriptedAdapter{texts: []string{"Hel", "<think>plan</think>", "lo!"}}
	f := newFixture(t, adapter, nil, nil)

	long := strings.Repeat("word ", 30)
	turn, evs := f.run(t, Request{Message: long, Personality: "coder"})

	assert.Equal(t, "Hello!", tokens(evs))
	last := evs[len(evs)-1]
	assert.Equal(t, true, last["done"])
	assert.EqualValues(t, turn.ConversationID(), last["conversation_id"])

	title := last["title"].(string)
	assert.True(t, strings.HasSuffix(title, "..."), title)
	assert.LessOrEqual(t, len([]rune(title)), TitleLength+3)

	require.Len(t, adapter.msgs, 2)
	assert.Equal(t, stream.RoleSystem, adapter.msgs[0].Role)
	assert.Equal(t, SystemPrompt("coder", false, false), adapter.msgs[0].Content)
	assert.Equal(t, strings.TrimSpace(long), adapter.msgs[1].Content)

	msgs, err := f.convs.Messages(context.Background(), turn.ConversationID())
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Hello!", msgs[1].Content)

	conv, err := f.convs.Get(context.Background(), "local", turn.ConversationID())
	require.NoError(t, err)
	assert.Equal(t, "coder", conv.Personality)
	assert.Equal(t, "llama3.2", conv.Model)
}

func TestRun_FollowUpKeepsTitleAndSendsHistory(t *testing.T) {
	adapter := &scriptedAdapter{texts: []string{"first answer"}}
	f := newFixture(t, adapter, nil, nil)

	first, _ := f.run(t, Request{Message: "Hello there"})

	adapter.texts = []string{"second answer"}
	_, evs := f.run(t, Request{Message: "And again?", ConversationID: first.ConversationID()})

	assert.Equal(t, "Hello there", evs[len(evs)-1]["title"])

	require.Len(t, adapter.msgs, 4)
	assert.Equal(t, "Hello there", adapter.msgs[1].Content)
	assert.Equal(t, "first answer", adapter.msgs[2].Content)
	assert.Equal(t, "And again?", adapter.msgs[3].Content)
}

func TestRun_SearchAugmentsQuestion(t *testing.T) {
	searcher := &fakeSearcher{results: []search.Result{
		{Title: "One", URL: "https://one.example", Snippet: "first"},
		{Title: "No link"},
		{Title: "Two", URL: "https://two.example", Snippet: "second"},
		{Title: "Three", URL: "https://three.example", Snippet: "third"},
	}}
	adapter := &scriptedAdapter{texts: []string{"answer"}}
	f := newFixture(t, adapter, searcher, nil)

	_, evs := f.run(t, Request{Message: "what is new?", Search: true})

	assert.Equal(t, []string{"https://one.example", "https://two.example"}, searcher.fetched)

	require.GreaterOrEqual(t, len(evs), 6)
	assert.Equal(t, events.StatusSearching, evs[0]["status"])
	assert.Len(t, evs[1]["search_results"], 4)
	assert.Equal(t, "https://one.example", evs[2]["url"])
	assert.Equal(t, "https://two.example", evs[3]["url"])
	assert.Equal(t, events.StatusGenerating, evs[4]["status"])

	question := adapter.msgs[len(adapter.msgs)-1].Content
	assert.True(t, strings.HasPrefix(question, "## Web Search Results"))
	assert.Contains(t, question, "contents of https://two.example")
	assert.True(t, strings.HasSuffix(question, "answer: what is new?"))
	assert.Contains(t, adapter.msgs[0].Content, SearchSystem)
}

func TestRun_UnreachableStoresPartial(t *testing.T) {
	cause := &stream.ClientError{Type: stream.ErrTypeBackendUnreachable, Message: "backend unreachable", Cause: errors.New("connection refused")}
	adapter := &scriptedAdapter{texts: []string{"Par", "tial"}, err: cause}
	f := newFixture(t, adapter, nil, nil)

	turn, evs := f.run(t, Request{Message: "hi"})

	last := evs[len(evs)-1]
	assert.Equal(t, "Cannot connect to Ollama at http://gpu-box:11434", last["error"])
	assert.Nil(t, last["done"])

	msgs, err := f.convs.Messages(context.Background(), turn.ConversationID())
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Partial", msgs[1].Content)
}

// cancelAfter records the event stream and cancels once a frame containing
// marker has been written, standing in for a client that goes away mid-turn.
type cancelAfter struct {
	*httptest.ResponseRecorder
	marker string
	cancel context.CancelFunc
	once   sync.Once
}

func (c *cancelAfter) Write(p []byte) (int, error) {
	n, err := c.ResponseRecorder.Write(p)
	if strings.Contains(string(p), c.marker) {
		c.once.Do(c.cancel)
	}
	return n, err
}

func TestRun_ClientDisconnectClosesUpstream(t *testing.T) {
	upstreamClosed := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer close(upstreamClosed)
		for _, tok := range []string{"Hello", " world"} {
			fmt.Fprintf(w, "{\"message\":{\"content\":%q},\"done\":false}\n", tok)
			w.(http.Flusher).Flush()
		}
		<-r.Context().Done()
	}))
	defer srv.Close()

	db, err := storage.Open(filepath.Join(t.TempDir(), "gateway.db"), "")
	require.NoError(t, err)
	defer db.Close()

	p := platform.New(platform.Config{Owner: "local", FallbackURL: srv.URL, DefaultModel: "llama3.2"},
		backend.NewMemoryStore(),
		map[backend.Protocol]stream.Adapter{backend.ProtocolNative: ollama.New(ollama.DefaultConfig())},
		nil)
	svc := NewService(p, db.Conversations(), nil, DefaultConfig())

	turn, err := svc.Start(context.Background(), Request{Message: "hi"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := &cancelAfter{ResponseRecorder: httptest.NewRecorder(), marker: `" world"`, cancel: cancel}
	em, err := events.NewEmitter(w)
	require.NoError(t, err)

	turn.Run(ctx, em)

	select {
	case <-upstreamClosed:
	case <-time.After(2 * time.Second):
		t.Fatal("upstream request still open after the client went away")
	}

	evs := decodeEvents(t, w.Body.String())
	assert.Equal(t, "Hello world", tokens(evs))
	terminal := 0
	for _, ev := range evs {
		if ev["done"] != nil || ev["error"] != nil {
			terminal++
		}
	}
	assert.Equal(t, 1, terminal, "exactly one terminal event")

	msgs, err := db.Conversations().Messages(context.Background(), turn.ConversationID())
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, stream.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "Hello world", msgs[1].Content)
}

func TestRun_FailureWithoutTextStoresNothing(t *testing.T) {
	adapter := &scriptedAdapter{err: errors.New("boom")}
	f := newFixture(t, adapter, nil, nil)

	turn, evs := f.run(t, Request{Message: "hi"})
	assert.Equal(t, "boom", evs[len(evs)-1]["error"])

	msgs, err := f.convs.Messages(context.Background(), turn.ConversationID())
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestRun_ImageDirectives(t *testing.T) {
	store, err := imagegen.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	images := imagegen.NewService(fakeGenerator{}, store, nil)

	adapter := &scriptedAdapter{texts: []string{"Here: [IMG: a ", "lighthouse] done"}}
	f := newFixture(t, adapter, nil, images)

	turn, evs := f.run(t, Request{Message: "draw"})

	var sawImages bool
	for _, ev := range evs {
		if imgs, ok := ev["images"].([]any); ok {
			sawImages = true
			require.Len(t, imgs, 1)
			assert.Equal(t, "a lighthouse", imgs[0].(map[string]any)["prompt"])
		}
	}
	assert.True(t, sawImages)

	msgs, err := f.convs.Messages(context.Background(), turn.ConversationID())
	require.NoError(t, err)
	stored := msgs[1].Content
	assert.NotContains(t, stored, "[IMG:")
	assert.Contains(t, stored, "![Generated Image]("+imagegen.URLPrefix)
}

func TestRun_DirectivesStrippedWithoutImageService(t *testing.T) {
	adapter := &scriptedAdapter{texts: []string{"Look [IMG: a cat] here"}}
	f := newFixture(t, adapter, nil, nil)

	turn, _ := f.run(t, Request{Message: "cat"})

	msgs, err := f.convs.Messages(context.Background(), turn.ConversationID())
	require.NoError(t, err)
	assert.Equal(t, imagegen.StripDirectives("Look [IMG: a cat] here"), msgs[1].Content)
}

// =============================================================================
// PROMPTS
// =============================================================================

func TestSystemPrompt(t *testing.T) {
	base := LookupPersonality("").System
	assert.Equal(t, base+"\n\n"+ImageSystem, SystemPrompt("", false, false))
	assert.Equal(t, base+"\n\n"+ImageSystem, SystemPrompt("nope", false, false))
	assert.Equal(t, base+"\n\n"+ThinkSystem+"\n\n"+SearchSystem+"\n\n"+ImageSystem, SystemPrompt("default", true, true))
}

func TestSearchContext(t *testing.T) {
	got := SearchContext([]search.Result{{Title: "A", URL: "https://a", Snippet: "sa"}}, nil)
	assert.Equal(t, "## Web Search Results\n\n1. **A**\n   sa\n   https://a\n\n", got)

	withPages := SearchContext(nil, []Page{{Title: "P", URL: "https://p", Text: "body"}})
	assert.Contains(t, withPages, "## Page Contents\n\n[P](https://p)\nbody")
}
