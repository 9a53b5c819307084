// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package openai is the protocol adapter for OpenAI-compatible servers:
// LM Studio, llama.cpp's server, vLLM and the OpenAI API itself.
package openai

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

// Config holds timeouts for the adapter.
type Config struct {
	// ChatTimeout is the idle ceiling between frames (default: 120s)
	ChatTimeout time.Duration

	// ListTimeout bounds /v1/models (default: 5s)
	ListTimeout time.Duration

	HTTPClient *http.Client
}

// DefaultConfig returns the default adapter configuration.
func DefaultConfig() Config {
	return Config{
		ChatTimeout: 120 * time.Second,
		ListTimeout: 5 * time.Second,
	}
}

// Adapter streams /v1/chat/completions. Safe for concurrent use.
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
	if config.ListTimeout == 0 {
		config.ListTimeout = def.ListTimeout
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Adapter{config: config, httpClient: httpClient}
}

// Open starts a streaming completion.
func (a *Adapter) Open(ctx context.Context, b backend.Descriptor, model string, messages []stream.Message) (stream.Stream, error) {
	body, err := jsoniter.Marshal(ChatRequest{Model: model, Messages: messages, Stream: true})
	if err != nil {
		return nil, err
	}

	wctx, wd := stream.NewWatchdog(ctx, a.config.ChatTimeout)
	req, err := http.NewRequestWithContext(wctx, http.MethodPost, b.Endpoint("/v1/chat/completions"), bytes.NewReader(body))
	if err != nil {
		wd.Stop()
		return nil, &stream.ClientError{Type: stream.ErrTypeBackendUnreachable, Message: "failed to create request", Cause: err}
	}
	setHeaders(req, b)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		wd.Stop()
		return nil, stream.ClassifyTransport(ctx, err, wd)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		wd.Stop()
		return nil, stream.StatusError(resp)
	}

	wd.Kick()
	return newChatStream(ctx, resp.Body, wd), nil
}

// ListModels returns the ids reported by /v1/models. Servers in this family
// do not report sizes or families.
func (a *Adapter) ListModels(ctx context.Context, b backend.Descriptor) ([]stream.Model, error) {
	ctx, cancel := context.WithTimeout(ctx, a.config.ListTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.Endpoint("/v1/models"), nil)
	if err != nil {
		return nil, err
	}
	setHeaders(req, b)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, stream.ClassifyTransport(ctx, err, nil)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, stream.StatusError(resp)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10*1024*1024))
	if err != nil {
		return nil, stream.ClassifyTransport(ctx, err, nil)
	}
	var result modelsResponse
	if err := jsoniter.Unmarshal(data, &result); err != nil {
		return nil, &stream.ClientError{Type: stream.ErrTypeMalformedFrame, Message: "failed to decode model list", Cause: err}
	}

	models := make([]stream.Model, 0, len(result.Data))
	for _, m := range result.Data {
		models = append(models, stream.Model{Name: m.ID})
	}
	return models, nil
}

func setHeaders(req *http.Request, b backend.Descriptor) {
	req.Header.Set("Content-Type", "application/json")
	if b.HasKey() {
		req.Header.Set("Authorization", "Bearer "+b.APIKey)
	}
}
