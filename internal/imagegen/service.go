// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package imagegen

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
)

// URLPrefix is where stored artifacts are served.
const URLPrefix = "/static/images/"

// ErrNoImages is returned when the image server succeeds without images.
var ErrNoImages = errors.New("image server returned no images")

// Artifact is one generated image after it has been stored and recorded.
type Artifact struct {
	Prompt string `json:"prompt"`
	Seed   int64  `json:"seed"`
	Key    string `json:"filename"`
	URL    string `json:"url"`

	// RecordID is the id assigned by the Recorder, 0 without one
	RecordID int64 `json:"id,omitempty"`
}

// Service generates, stores and records images.
type Service struct {
	gen      Generator
	store    Store
	recorder Recorder

	newKey func() string
	now    func() time.Time
}

// NewService wires a generator to an artifact store. recorder may be nil.
func NewService(gen Generator, store Store, recorder Recorder) *Service {
	return &Service{
		gen:      gen,
		store:    store,
		recorder: recorder,
		newKey:   newArtifactKey,
		now:      time.Now,
	}
}

// Store returns the artifact store, for serving and deleting bytes.
func (s *Service) Store() Store {
	return s.store
}

func newArtifactKey() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "") + ".png"
}

// Produce runs one generation request and stores every returned image.
// Artifacts stored before a failure are returned along with the error.
func (s *Service) Produce(ctx context.Context, owner string, req GenerateRequest) ([]Artifact, error) {
	result, err := s.gen.Generate(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(result.Images) == 0 {
		return nil, ErrNoImages
	}

	var arts []Artifact
	for _, data := range result.Images {
		key := s.newKey()
		if err := s.store.Put(ctx, key, data); err != nil {
			return arts, fmt.Errorf("failed to store image: %w", err)
		}

		art := Artifact{Prompt: req.Prompt, Seed: result.Seed, Key: key, URL: URLPrefix + key}
		if s.recorder != nil {
			rec, err := s.recorder.RecordImage(ctx, Record{
				Owner:          owner,
				Key:            key,
				URL:            art.URL,
				Prompt:         req.Prompt,
				NegativePrompt: req.NegativePrompt,
				Seed:           result.Seed,
				Width:          req.Width,
				Height:         req.Height,
				Steps:          req.Steps,
				CfgScale:       req.CfgScale,
				Sampler:        req.Sampler,
				Model:          req.Model,
				CreatedAt:      s.now(),
			})
			if err != nil {
				return arts, fmt.Errorf("failed to record image: %w", err)
			}
			art.RecordID = rec.ID
		}

		log.Printf("IMAGE_GENERATED | key=%s seed=%d bytes=%d", key, result.Seed, len(data))
		arts = append(arts, art)
	}
	return arts, nil
}
