// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package openai

import (
	"bytes"
	"context"
	"io"
	"log"

	jsoniter "github.com/json-iterator/go"

	"github.com/jeranaias/rigrun-gateway/internal/stream"
)

type chatStream struct {
	ctx  context.Context
	sse  *SSEReader
	body io.ReadCloser
	wd   *stream.Watchdog
	done bool
	// received is set once a data frame has been read
	received bool
}

func newChatStream(ctx context.Context, body io.ReadCloser, wd *stream.Watchdog) *chatStream {
	sse := NewSSEReader(body)
	sse.onRead = wd.Kick
	return &chatStream{ctx: ctx, sse: sse, body: body, wd: wd}
}

// Next returns the next fragment. A frame whose delta is empty (role
// announcements, finish_reason-only frames) yields an empty fragment.
func (s *chatStream) Next() (stream.Fragment, error) {
	if s.done {
		return stream.Fragment{}, io.EOF
	}

	data, err := s.sse.ReadData()
	if err == io.EOF {
		// Server hung up without [DONE]
		s.finish()
		return stream.Fragment{Final: true}, nil
	}
	if err == ErrFrameTooLarge {
		s.finish()
		return stream.Fragment{}, &stream.ClientError{Type: stream.ErrTypeMalformedFrame, Message: "frame too large", Cause: err}
	}
	if err != nil {
		if s.received && stream.Disconnected(s.ctx, err, s.wd) {
			// Backend hung up mid-response; what arrived is the answer
			log.Printf("UPSTREAM_DISCONNECTED | ending stream with received text error=%v", err)
			s.finish()
			return stream.Fragment{Final: true}, nil
		}
		s.finish()
		return stream.Fragment{}, stream.ClassifyTransport(s.ctx, err, s.wd)
	}
	s.received = true

	if bytes.Equal(bytes.TrimSpace(data), doneMarker) {
		s.finish()
		return stream.Fragment{Final: true}, nil
	}

	var chunk StreamChunk
	if err := jsoniter.Unmarshal(data, &chunk); err != nil {
		s.finish()
		return stream.Fragment{}, &stream.ClientError{Type: stream.ErrTypeMalformedFrame, Message: "invalid data frame", Cause: err}
	}
	return stream.Fragment{Text: chunk.Content()}, nil
}

func (s *chatStream) Close() error {
	s.finish()
	return nil
}

func (s *chatStream) finish() {
	if s.done {
		return
	}
	s.done = true
	s.wd.Stop()
	s.body.Close()
}
