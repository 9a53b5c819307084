// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package imagegen

import (
	"context"
	"time"
)

// Record is the persisted description of one generated image. Records are
// handed to a Recorder right after the bytes are stored; this package does
// not keep them.
type Record struct {
	ID             int64     `json:"id"`
	Owner          string    `json:"-"`
	Key            string    `json:"filename"`
	URL            string    `json:"url"`
	Prompt         string    `json:"prompt"`
	NegativePrompt string    `json:"negative_prompt"`
	Seed           int64     `json:"seed"`
	Width          int       `json:"width"`
	Height         int       `json:"height"`
	Steps          int       `json:"steps"`
	CfgScale       float64   `json:"cfg_scale"`
	Sampler        string    `json:"sampler"`
	Model          string    `json:"model,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Recorder persists artifact records.
type Recorder interface {
	RecordImage(ctx context.Context, rec Record) (Record, error)
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(ctx context.Context, rec Record) (Record, error)

// RecordImage calls f.
func (f RecorderFunc) RecordImage(ctx context.Context, rec Record) (Record, error) {
	return f(ctx, rec)
}
