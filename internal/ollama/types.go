// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ollama

import "github.com/jeranaias/rigrun-gateway/internal/stream"

// =============================================================================
// REQUEST TYPES
// =============================================================================

// ChatRequest is the request body for /api/chat.
type ChatRequest struct {
	Model    string           `json:"model"`
	Messages []stream.Message `json:"messages"`
	Stream   bool             `json:"stream"`
}

// PullRequest is the request body for /api/pull.
type PullRequest struct {
	Name   string `json:"name"`
	Stream bool   `json:"stream"`
}

// DeleteRequest is the request body for DELETE /api/delete.
type DeleteRequest struct {
	Name string `json:"name"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// ChatLine is one line of a streaming /api/chat response.
type ChatLine struct {
	Model   string `json:"model"`
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Done       bool   `json:"done"`
	DoneReason string `json:"done_reason,omitempty"`
	Error      string `json:"error,omitempty"`
}

// ModelInfo is one entry of /api/tags.
type ModelInfo struct {
	Name    string       `json:"name"`
	Size    int64        `json:"size"`
	Digest  string       `json:"digest"`
	Details ModelDetails `json:"details"`
}

// ModelDetails holds the descriptive fields Ollama reports per model.
type ModelDetails struct {
	Format            string `json:"format"`
	Family            string `json:"family"`
	ParameterSize     string `json:"parameter_size"`
	QuantizationLevel string `json:"quantization_level"`
}

// ListModelsResponse is the response from /api/tags.
type ListModelsResponse struct {
	Models []ModelInfo `json:"models"`
}

// PullProgress is one progress line from /api/pull. Total and Completed are
// only present while layers are downloading.
type PullProgress struct {
	Status    string `json:"status"`
	Digest    string `json:"digest,omitempty"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Percent returns download progress rounded down, or 0 when unknown.
func (p PullProgress) Percent() int {
	if p.Total <= 0 {
		return 0
	}
	return int(p.Completed * 100 / p.Total)
}

// Done reports whether this line ends a successful pull.
func (p PullProgress) Done() bool {
	return p.Status == "success"
}

func (m ModelInfo) toModel() stream.Model {
	return stream.Model{
		Name:          m.Name,
		Size:          m.Size,
		Family:        m.Details.Family,
		ParameterSize: m.Details.ParameterSize,
	}
}
