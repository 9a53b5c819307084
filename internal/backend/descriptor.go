// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package backend describes configured model servers and how they are stored.
package backend

import (
	"context"
	"errors"
	"strings"
	"time"
)

// =============================================================================
// PROTOCOLS + PRESETS
// =============================================================================

// Protocol is the streaming wire format a backend speaks.
type Protocol string

const (
	// ProtocolNative is Ollama's line-delimited JSON /api/chat.
	ProtocolNative Protocol = "native"
	// ProtocolOpenAI is SSE /v1/chat/completions terminated by [DONE].
	ProtocolOpenAI Protocol = "openai-compatible"
)

// Preset is a named starting point for a new backend.
type Preset struct {
	Kind     string   `json:"kind"`
	Name     string   `json:"name"`
	URL      string   `json:"url"`
	Protocol Protocol `json:"protocol"`
}

// Preset kinds.
const (
	KindOllama   = "ollama"
	KindLMStudio = "lmstudio"
	KindLlamaCPP = "llamacpp"
	KindOpenAI   = "openai"
	KindCustom   = "custom"
)

var presets = []Preset{
	{Kind: KindOllama, Name: "Ollama", URL: "http://localhost:11434", Protocol: ProtocolNative},
	{Kind: KindLMStudio, Name: "LM Studio", URL: "http://localhost:1234", Protocol: ProtocolOpenAI},
	{Kind: KindLlamaCPP, Name: "llama.cpp", URL: "http://localhost:8080", Protocol: ProtocolOpenAI},
	{Kind: KindOpenAI, Name: "OpenAI", URL: "https://api.openai.com", Protocol: ProtocolOpenAI},
	{Kind: KindCustom, Name: "Custom (OpenAI-compatible)", URL: "http://localhost:8000", Protocol: ProtocolOpenAI},
}

// Presets returns the known presets in display order.
func Presets() []Preset {
	out := make([]Preset, len(presets))
	copy(out, presets)
	return out
}

// Kinds returns the preset kind names in display order.
func Kinds() []string {
	kinds := make([]string, len(presets))
	for i, p := range presets {
		kinds[i] = p.Kind
	}
	return kinds
}

// LookupPreset returns the preset for kind. Unknown kinds fall back to custom.
func LookupPreset(kind string) Preset {
	kind = strings.ToLower(strings.TrimSpace(kind))
	for _, p := range presets {
		if p.Kind == kind {
			return p
		}
	}
	return presets[len(presets)-1]
}

// =============================================================================
// DESCRIPTOR
// =============================================================================

// Descriptor is the static configuration of one model server. Descriptors are
// passed by value and never change during a streaming call.
type Descriptor struct {
	ID        int64     `json:"id"`
	Owner     string    `json:"-"`
	Name      string    `json:"name"`
	Kind      string    `json:"kind"`
	BaseURL   string    `json:"base_url"`
	APIKey    string    `json:"-"`
	IsDefault bool      `json:"is_default"`
	CreatedAt time.Time `json:"created_at"`
}

// Protocol returns the wire format selected by the descriptor's kind.
func (d Descriptor) Protocol() Protocol {
	return LookupPreset(d.Kind).Protocol
}

// Endpoint joins the base URL and path without doubling slashes.
func (d Descriptor) Endpoint(path string) string {
	return strings.TrimRight(d.BaseURL, "/") + path
}

// HasKey reports whether a credential is configured.
func (d Descriptor) HasKey() bool {
	return d.APIKey != ""
}

// New builds a descriptor from a preset, applying overrides when non-empty.
func New(owner, kind, name, baseURL, apiKey string) Descriptor {
	p := LookupPreset(kind)
	d := Descriptor{
		Owner:   owner,
		Kind:    p.Kind,
		Name:    p.Name,
		BaseURL: p.URL,
		APIKey:  apiKey,
	}
	if name != "" {
		d.Name = name
	}
	if baseURL != "" {
		d.BaseURL = baseURL
	}
	return d
}

// =============================================================================
// STORE
// =============================================================================

// ErrNotFound is returned when a backend id does not exist for the owner.
var ErrNotFound = errors.New("backend not found")

// Update carries optional changes; nil fields are left untouched.
type Update struct {
	Name        *string
	BaseURL     *string
	APIKey      *string
	MakeDefault bool
}

// Store persists descriptors. Every method is scoped to an owner and
// implementations keep exactly one default per owner whenever the owner has
// at least one backend.
type Store interface {
	Get(ctx context.Context, owner string, id int64) (Descriptor, error)
	List(ctx context.Context, owner string) ([]Descriptor, error)

	// Create inserts d. The owner's first backend becomes the default.
	Create(ctx context.Context, d Descriptor) (Descriptor, error)
	Update(ctx context.Context, owner string, id int64, u Update) error

	// Delete removes a backend. If it was the default, the oldest remaining
	// backend is promoted.
	Delete(ctx context.Context, owner string, id int64) error

	// EnsureDefault returns the owner's default backend, else its first
	// backend, else inserts fallback as the default and returns it.
	EnsureDefault(ctx context.Context, owner string, fallback Descriptor) (Descriptor, error)
}
