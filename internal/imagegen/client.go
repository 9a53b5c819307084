// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package imagegen

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jeranaias/rigrun-gateway/internal/stream"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	DefaultNegativePrompt = "blurry, low quality, deformed, ugly, disfigured"
	DefaultSampler        = "Euler a"
	DefaultWidth          = 512
	DefaultHeight         = 512
	DefaultSteps          = 20
	DefaultCfgScale       = 7.0

	// MaxDimension and MaxSteps bound direct generation requests.
	MaxDimension = 2048
	MaxSteps     = 150
)

// FallbackSamplers is reported when the server cannot list its own.
var FallbackSamplers = []string{"Euler a", "DPM++ 2M Karras", "DDIM"}

// =============================================================================
// TYPES
// =============================================================================

// GenerateRequest is the txt2img request body.
type GenerateRequest struct {
	Prompt         string  `json:"prompt"`
	NegativePrompt string  `json:"negative_prompt"`
	Width          int     `json:"width"`
	Height         int     `json:"height"`
	Steps          int     `json:"steps"`
	CfgScale       float64 `json:"cfg_scale"`
	Seed           int64   `json:"seed"`
	Sampler        string  `json:"sampler_name"`

	// Model switches the checkpoint before generating; not sent with txt2img
	Model string `json:"-"`
}

// DirectiveRequest returns the fixed request used for inline directives.
func DirectiveRequest(prompt string) GenerateRequest {
	return GenerateRequest{
		Prompt:         prompt,
		NegativePrompt: DefaultNegativePrompt,
		Width:          DefaultWidth,
		Height:         DefaultHeight,
		Steps:          DefaultSteps,
		CfgScale:       DefaultCfgScale,
		Seed:           -1,
		Sampler:        DefaultSampler,
	}
}

// Normalize fills unset fields with defaults and clamps the rest.
func (r GenerateRequest) Normalize() GenerateRequest {
	r.Prompt = strings.TrimSpace(r.Prompt)
	if r.Width <= 0 {
		r.Width = DefaultWidth
	}
	if r.Height <= 0 {
		r.Height = DefaultHeight
	}
	if r.Steps <= 0 {
		r.Steps = DefaultSteps
	}
	if r.CfgScale <= 0 {
		r.CfgScale = DefaultCfgScale
	}
	if r.Sampler == "" {
		r.Sampler = DefaultSampler
	}
	r.Width = min(r.Width, MaxDimension)
	r.Height = min(r.Height, MaxDimension)
	r.Steps = min(r.Steps, MaxSteps)
	return r
}

// GenerateResult holds the decoded images of one txt2img call.
type GenerateResult struct {
	Images [][]byte

	// Seed is the seed the server actually used, or the requested one
	Seed int64
}

// SDModel is one checkpoint known to the server.
type SDModel struct {
	Name  string `json:"name"`
	Title string `json:"title"`
}

type txt2imgResponse struct {
	Images []string        `json:"images"`
	Info   json.RawMessage `json:"info"`
}

// Generator produces images from a request. Client implements it.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error)
}

// =============================================================================
// CLIENT
// =============================================================================

// Config configures the Stable Diffusion client.
type Config struct {
	URL            string
	Timeout        time.Duration
	OptionsTimeout time.Duration
	ListTimeout    time.Duration
	HTTPClient     *http.Client
}

// DefaultConfig returns the defaults for a local AUTOMATIC1111-style server.
func DefaultConfig() Config {
	return Config{
		URL:            "http://localhost:7860",
		Timeout:        300 * time.Second,
		OptionsTimeout: 120 * time.Second,
		ListTimeout:    5 * time.Second,
	}
}

// Client talks to a Stable Diffusion web API.
type Client struct {
	config Config
	http   *http.Client
}

// NewClient creates a client. Zero-valued fields take their defaults.
func NewClient(config Config) *Client {
	def := DefaultConfig()
	if config.URL == "" {
		config.URL = def.URL
	}
	config.URL = strings.TrimRight(config.URL, "/")
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}
	if config.OptionsTimeout == 0 {
		config.OptionsTimeout = def.OptionsTimeout
	}
	if config.ListTimeout == 0 {
		config.ListTimeout = def.ListTimeout
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{config: config, http: httpClient}
}

// Generate runs txt2img. Connection failures are stream.ErrBackendUnreachable.
func (c *Client) Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	var resp txt2imgResponse
	if err := c.do(ctx, c.config.Timeout, http.MethodPost, "/sdapi/v1/txt2img", req, &resp); err != nil {
		return nil, err
	}

	result := &GenerateResult{Seed: resolveSeed(resp.Info, req.Seed)}
	for i, encoded := range resp.Images {
		data, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("failed to decode image %d: %w", i, err)
		}
		result.Images = append(result.Images, data)
	}
	return result, nil
}

// Models lists the server's checkpoints.
func (c *Client) Models(ctx context.Context) ([]SDModel, error) {
	var raw []struct {
		Title     string `json:"title"`
		ModelName string `json:"model_name"`
	}
	if err := c.do(ctx, c.config.ListTimeout, http.MethodGet, "/sdapi/v1/sd-models", nil, &raw); err != nil {
		return nil, err
	}
	models := make([]SDModel, 0, len(raw))
	for _, m := range raw {
		models = append(models, SDModel{Name: m.ModelName, Title: m.Title})
	}
	return models, nil
}

// Samplers lists sampler names, falling back to FallbackSamplers on any error.
func (c *Client) Samplers(ctx context.Context) []string {
	var raw []struct {
		Name string `json:"name"`
	}
	if err := c.do(ctx, c.config.ListTimeout, http.MethodGet, "/sdapi/v1/samplers", nil, &raw); err != nil || len(raw) == 0 {
		return append([]string(nil), FallbackSamplers...)
	}
	names := make([]string, 0, len(raw))
	for _, s := range raw {
		names = append(names, s.Name)
	}
	return names
}

// SetModel switches the active checkpoint.
func (c *Client) SetModel(ctx context.Context, name string) error {
	body := map[string]string{"sd_model_checkpoint": name}
	return c.do(ctx, c.config.OptionsTimeout, http.MethodPost, "/sdapi/v1/options", body, nil)
}

func (c *Client) do(ctx context.Context, timeout time.Duration, method, path string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.config.URL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return stream.ClassifyTransport(ctx, err, nil)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return stream.StatusError(resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// resolveSeed reads the seed from a txt2img info field, which servers send
// either as a JSON-encoded string or as an object.
func resolveSeed(info json.RawMessage, fallback int64) int64 {
	if len(info) == 0 {
		return fallback
	}
	if info[0] == '"' {
		var s string
		if err := json.Unmarshal(info, &s); err != nil {
			return fallback
		}
		info = json.RawMessage(s)
	}
	var parsed struct {
		Seed *int64 `json:"seed"`
	}
	if err := json.Unmarshal(info, &parsed); err != nil || parsed.Seed == nil {
		return fallback
	}
	return *parsed.Seed
}
