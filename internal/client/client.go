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
	"net/url"
	"strconv"
	"strings"
)

// DefaultURL is where `serve` listens unless configured otherwise.
const DefaultURL = "http://127.0.0.1:9090"

// =============================================================================
// TYPES
// =============================================================================

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	ConversationID int64  `json:"conversation_id,omitempty"`
	Message        string `json:"message"`
	Model          string `json:"model,omitempty"`
	Personality    string `json:"personality,omitempty"`
	BackendID      int64  `json:"backend_id,omitempty"`
	Search         bool   `json:"search,omitempty"`
	Think          bool   `json:"think,omitempty"`
}

// Model is one row of GET /api/models.
type Model struct {
	Name   string `json:"name"`
	Size   string `json:"size"`
	Family string `json:"family"`
	Params string `json:"params"`
}

// ModelList is the GET /api/models response. Error is set, with an empty
// list, when the backend could not be reached.
type ModelList struct {
	Models  []Model `json:"models"`
	Backend string  `json:"backend"`
	Kind    string  `json:"kind"`
	Error   string  `json:"error"`
}

// Backend is one configured model server.
type Backend struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Kind      string `json:"kind"`
	BaseURL   string `json:"base_url"`
	HasKey    bool   `json:"has_key"`
	IsDefault bool   `json:"is_default"`
}

// Health is the GET /health response.
type Health struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
	Apps    int    `json:"apps"`
}

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("gateway returned %d", e.Status)
	}
	return fmt.Sprintf("gateway returned %d: %s", e.Status, e.Message)
}

// =============================================================================
// CLIENT
// =============================================================================

// Client talks to a running gateway.
type Client struct {
	baseURL string
	http    *http.Client
}

// New returns a client for baseURL. The HTTP client has no overall timeout
// because chat and pull responses stream for as long as generation runs;
// callers bound requests with their context.
func New(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
	}
}

// Stream is an open push-event response.
type Stream struct {
	*Reader
	body io.Closer
}

// Close releases the response body.
func (s *Stream) Close() error {
	return s.body.Close()
}

// Chat starts a chat turn.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (*Stream, error) {
	return c.stream(ctx, "/api/chat", req)
}

// Pull starts a model download on a native backend.
func (c *Client) Pull(ctx context.Context, name string, backendID int64) (*Stream, error) {
	return c.stream(ctx, "/api/models/pull", map[string]any{"name": name, "backend_id": backendID})
}

// Models lists the models of backendID, or the default backend when 0.
func (c *Client) Models(ctx context.Context, backendID int64) (ModelList, error) {
	path := "/api/models"
	if backendID != 0 {
		path += "?backend_id=" + strconv.FormatInt(backendID, 10)
	}
	var out ModelList
	err := c.getJSON(ctx, path, &out)
	return out, err
}

// Backends lists configured backends.
func (c *Client) Backends(ctx context.Context) ([]Backend, error) {
	var out struct {
		Backends []Backend `json:"backends"`
	}
	err := c.getJSON(ctx, "/api/backends/", &out)
	return out.Backends, err
}

// Health checks that the gateway is up.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var out Health
	err := c.getJSON(ctx, "/health", &out)
	return out, err
}

// Personality is one entry of GET /api/personalities.
type Personality struct {
	Key  string `json:"key"`
	Name string `json:"name"`
	Icon string `json:"icon"`
}

// Personalities lists the personalities the gateway accepts.
func (c *Client) Personalities(ctx context.Context) ([]Personality, error) {
	var out struct {
		Personalities []Personality `json:"personalities"`
	}
	err := c.getJSON(ctx, "/api/personalities", &out)
	return out.Personalities, err
}

// =============================================================================
// HELPERS
// =============================================================================

func (c *Client) stream(ctx context.Context, path string, body any) (*Stream, error) {
	resp, err := c.do(ctx, http.MethodPost, path, body)
	if err != nil {
		return nil, err
	}
	return &Stream{Reader: NewReader(resp.Body), body: resp.Body}, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		rdr = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		var uerr *url.Error
		if errors.As(err, &uerr) {
			return nil, fmt.Errorf("cannot reach gateway at %s: %w", c.baseURL, uerr.Err)
		}
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		apiErr := &APIError{Status: resp.StatusCode}
		var payload struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		if json.Unmarshal(data, &payload) == nil {
			apiErr.Message = payload.Error
		}
		return nil, apiErr
	}
	return resp, nil
}
