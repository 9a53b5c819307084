// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"context"
	"io"
	"strings"

	"github.com/jeranaias/rigrun-gateway/internal/backend"
)

// =============================================================================
// CANONICAL TYPES
// =============================================================================

// Message is one chat entry sent upstream.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Message roles accepted by both protocols.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Fragment is one incremental piece of model output. Exactly one fragment in
// a sequence has Final set and it is always the last one; its Text may be empty.
type Fragment struct {
	Text  string
	Final bool
}

// Model describes one model advertised by a backend. Only Name is guaranteed;
// OpenAI-compatible servers do not report the rest.
type Model struct {
	Name          string `json:"name"`
	Size          int64  `json:"size"`
	Family        string `json:"family"`
	ParameterSize string `json:"params"`
}

// =============================================================================
// STREAM + ADAPTER
// =============================================================================

// Stream is a lazy, finite, non-restartable fragment sequence.
//
// Next blocks until the next fragment arrives. After the Final fragment has
// been returned, Next returns io.EOF and performs no further reads. Close
// releases the upstream connection and is safe to call more than once.
type Stream interface {
	Next() (Fragment, error)
	Close() error
}

// Adapter opens fragment streams for one wire protocol.
type Adapter interface {
	// Open starts one streaming chat request. Cancelling ctx aborts the
	// upstream request.
	Open(ctx context.Context, b backend.Descriptor, model string, messages []Message) (Stream, error)

	// ListModels queries the backend's model-listing endpoint.
	ListModels(ctx context.Context, b backend.Descriptor) ([]Model, error)
}

// ReadAll drains s and returns the concatenated text. When a read fails, the
// text received so far is returned together with the error so callers can
// keep partial answers. ReadAll closes s.
func ReadAll(s Stream) (string, error) {
	defer s.Close()

	var sb strings.Builder
	for {
		frag, err := s.Next()
		if err == io.EOF {
			return sb.String(), nil
		}
		if err != nil {
			return sb.String(), err
		}
		sb.WriteString(frag.Text)
		if frag.Final {
			return sb.String(), nil
		}
	}
}

// =============================================================================
// SLICE STREAM
// =============================================================================

// sliceStream replays fixed fragments. Used by feature modules under test and
// by the reasoning filter tests.
type sliceStream struct {
	frags []Fragment
	err   error
	pos   int
	done  bool
}

// FromFragments returns a Stream that yields frags in order. If the slice does
// not end with a Final fragment, an empty Final fragment is appended.
func FromFragments(frags ...Fragment) Stream {
	if len(frags) == 0 || !frags[len(frags)-1].Final {
		frags = append(frags, Fragment{Final: true})
	}
	return &sliceStream{frags: frags}
}

// FromTexts is FromFragments for plain text pieces.
func FromTexts(texts ...string) Stream {
	frags := make([]Fragment, len(texts))
	for i, t := range texts {
		frags[i] = Fragment{Text: t}
	}
	return FromFragments(frags...)
}

// FailingAfter yields texts and then fails with err instead of finishing.
func FailingAfter(err error, texts ...string) Stream {
	frags := make([]Fragment, len(texts))
	for i, t := range texts {
		frags[i] = Fragment{Text: t}
	}
	return &sliceStream{frags: frags, err: err}
}

func (s *sliceStream) Next() (Fragment, error) {
	if s.done {
		return Fragment{}, io.EOF
	}
	if s.pos >= len(s.frags) {
		s.done = true
		if s.err != nil {
			return Fragment{}, s.err
		}
		return Fragment{}, io.EOF
	}
	f := s.frags[s.pos]
	s.pos++
	if f.Final {
		s.done = true
	}
	return f, nil
}

func (s *sliceStream) Close() error {
	s.done = true
	return nil
}
