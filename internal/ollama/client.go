// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ollama

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/jeranaias/rigrun-gateway/internal/backend"
	"github.com/jeranaias/rigrun-gateway/internal/stream"
)

// =============================================================================
// CONFIGURATION
// =============================================================================

// Config holds timeouts for the native adapter.
type Config struct {
	// ChatTimeout is the idle ceiling between chat lines (default: 120s)
	ChatTimeout time.Duration

	// PullTimeout is the idle ceiling between pull progress lines (default: 600s)
	PullTimeout time.Duration

	// ListTimeout bounds /api/tags (default: 5s)
	ListTimeout time.Duration

	// DeleteTimeout bounds /api/delete (default: 30s)
	DeleteTimeout time.Duration

	// HTTPClient overrides the transport. It must not set Timeout, which
	// would cut off long generations.
	HTTPClient *http.Client
}

// DefaultConfig returns the default adapter configuration.
func DefaultConfig() Config {
	return Config{
		ChatTimeout:   120 * time.Second,
		PullTimeout:   600 * time.Second,
		ListTimeout:   5 * time.Second,
		DeleteTimeout: 30 * time.Second,
	}
}

// =============================================================================
// ADAPTER
// =============================================================================

// Adapter speaks Ollama's native API. It holds no per-request state and is
// safe for concurrent use.
type Adapter struct {
	config     Config
	httpClient *http.Client
}

// New creates an adapter. Zero-valued timeouts take their defaults.
func New(config Config) *Adapter {
	def := DefaultConfig()
	if config.ChatTimeout == 0 {
		config.ChatTimeout = def.ChatTimeout
	}
	if config.PullTimeout == 0 {
		config.PullTimeout = def.PullTimeout
	}
	if config.ListTimeout == 0 {
		config.ListTimeout = def.ListTimeout
	}
	if config.DeleteTimeout == 0 {
		config.DeleteTimeout = def.DeleteTimeout
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Adapter{config: config, httpClient: httpClient}
}

// Open starts a streaming chat. The returned stream owns the response body.
func (a *Adapter) Open(ctx context.Context, b backend.Descriptor, model string, messages []stream.Message) (stream.Stream, error) {
	body, err := jsoniter.Marshal(ChatRequest{Model: model, Messages: messages, Stream: true})
	if err != nil {
		return nil, err
	}

	resp, wd, err := a.openStreaming(ctx, b, "/api/chat", body, a.config.ChatTimeout)
	if err != nil {
		return nil, err
	}
	return newChatStream(ctx, resp.Body, wd), nil
}

// ListModels returns the models installed on the server.
func (a *Adapter) ListModels(ctx context.Context, b backend.Descriptor) ([]stream.Model, error) {
	ctx, cancel := context.WithTimeout(ctx, a.config.ListTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.Endpoint("/api/tags"), nil)
	if err != nil {
		return nil, err
	}
	setAuth(req, b)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, stream.ClassifyTransport(ctx, err, nil)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, stream.StatusError(resp)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, stream.ClassifyTransport(ctx, err, nil)
	}
	var result ListModelsResponse
	if err := jsoniter.Unmarshal(data, &result); err != nil {
		return nil, &stream.ClientError{Type: stream.ErrTypeMalformedFrame, Message: "failed to decode model list", Cause: err}
	}

	models := make([]stream.Model, 0, len(result.Models))
	for _, m := range result.Models {
		models = append(models, m.toModel())
	}
	return models, nil
}

// Pull starts downloading a model and returns its progress lines.
func (a *Adapter) Pull(ctx context.Context, b backend.Descriptor, name string) (*PullStream, error) {
	body, err := jsoniter.Marshal(PullRequest{Name: name, Stream: true})
	if err != nil {
		return nil, err
	}

	resp, wd, err := a.openStreaming(ctx, b, "/api/pull", body, a.config.PullTimeout)
	if err != nil {
		return nil, err
	}
	return newPullStream(ctx, resp.Body, wd), nil
}

// DeleteModel removes a model from the server.
func (a *Adapter) DeleteModel(ctx context.Context, b backend.Descriptor, name string) error {
	ctx, cancel := context.WithTimeout(ctx, a.config.DeleteTimeout)
	defer cancel()

	body, err := jsoniter.Marshal(DeleteRequest{Name: name})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, b.Endpoint("/api/delete"), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	setAuth(req, b)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return stream.ClassifyTransport(ctx, err, nil)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return stream.StatusError(resp)
	}
	return nil
}

// openStreaming posts body and returns a 2xx response guarded by an idle
// watchdog. On error the watchdog is already stopped.
func (a *Adapter) openStreaming(ctx context.Context, b backend.Descriptor, path string, body []byte, idle time.Duration) (*http.Response, *stream.Watchdog, error) {
	wctx, wd := stream.NewWatchdog(ctx, idle)

	req, err := http.NewRequestWithContext(wctx, http.MethodPost, b.Endpoint(path), bytes.NewReader(body))
	if err != nil {
		wd.Stop()
		return nil, nil, &stream.ClientError{Type: stream.ErrTypeBackendUnreachable, Message: "failed to create request", Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")
	setAuth(req, b)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		wd.Stop()
		return nil, nil, stream.ClassifyTransport(ctx, err, wd)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		wd.Stop()
		return nil, nil, stream.StatusError(resp)
	}

	wd.Kick()
	return resp, wd, nil
}

// setAuth forwards a credential for Ollama servers behind an auth proxy.
func setAuth(req *http.Request, b backend.Descriptor) {
	if b.HasKey() {
		req.Header.Set("Authorization", "Bearer "+b.APIKey)
	}
}

func drainAndClose(r io.ReadCloser) {
	io.Copy(io.Discard, r)
	r.Close()
}
