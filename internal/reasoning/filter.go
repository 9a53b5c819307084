// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package reasoning strips <think>...</think> spans from streamed model output.
//
// Tags may arrive split across any number of network fragments, so the
// scanner keeps a small boundary buffer between pushes. Text that could be
// the start of an open tag is held back until the next fragment decides it.
//
// A span that is still open when the stream ends is dropped without error.
// Some models never close the tag when generation is truncated.
package reasoning

import (
	"io"
	"strings"

	"github.com/jeranaias/rigrun-gateway/internal/stream"
)

const (
	OpenTag  = "<think>"
	CloseTag = "</think>"
)

// =============================================================================
// SCANNER
// =============================================================================

// Scanner is the push-style state machine behind Filter. The zero value is
// ready to use and starts outside any reasoning span.
type Scanner struct {
	buf    string
	inside bool
}

// Inside reports whether the scanner is currently within a reasoning span.
func (s *Scanner) Inside() bool {
	return s.inside
}

// Push feeds one fragment and returns the text that is now safe to show.
func (s *Scanner) Push(text string) string {
	s.buf += text

	var out strings.Builder
	for {
		if s.inside {
			i := strings.Index(s.buf, CloseTag)
			if i < 0 {
				// Keep a possible partial close tag, drop the rest
				s.buf = s.buf[len(s.buf)-heldSuffix(s.buf, CloseTag):]
				return out.String()
			}
			s.buf = s.buf[i+len(CloseTag):]
			s.inside = false
			continue
		}

		i := strings.Index(s.buf, OpenTag)
		if i >= 0 {
			out.WriteString(s.buf[:i])
			s.buf = s.buf[i+len(OpenTag):]
			s.inside = true
			continue
		}

		hold := heldSuffix(s.buf, OpenTag)
		out.WriteString(s.buf[:len(s.buf)-hold])
		s.buf = s.buf[len(s.buf)-hold:]
		return out.String()
	}
}

// Flush ends the input. Held-back text is released when outside a span;
// an unterminated span is discarded.
func (s *Scanner) Flush() string {
	rest := s.buf
	s.buf = ""
	if s.inside {
		s.inside = false
		return ""
	}
	return rest
}

// heldSuffix returns the length of the longest suffix of buf that is a proper
// prefix of tag (1 to len(tag)-1 bytes), or 0.
func heldSuffix(buf, tag string) int {
	max := len(tag) - 1
	if max > len(buf) {
		max = len(buf)
	}
	for n := max; n > 0; n-- {
		if strings.HasSuffix(buf, tag[:n]) {
			return n
		}
	}
	return 0
}

// =============================================================================
// STREAM WRAPPER
// =============================================================================

// Filter wraps src and yields the same fragment sequence with reasoning
// removed. Fragments that filter to empty text are skipped, except the final
// one, which is always delivered so completion semantics are preserved.
func Filter(src stream.Stream) stream.Stream {
	return &filtered{src: src}
}

type filtered struct {
	src  stream.Stream
	sc   Scanner
	done bool
}

func (f *filtered) Next() (stream.Fragment, error) {
	for {
		if f.done {
			return stream.Fragment{}, io.EOF
		}

		frag, err := f.src.Next()
		if err == io.EOF {
			// Upstream ended without a final marker; close the sequence ourselves
			frag, err = stream.Fragment{Final: true}, nil
		}
		if err != nil {
			return stream.Fragment{}, err
		}

		text := f.sc.Push(frag.Text)
		if frag.Final {
			f.done = true
			return stream.Fragment{Text: text + f.sc.Flush(), Final: true}, nil
		}
		if text != "" {
			return stream.Fragment{Text: text}, nil
		}
	}
}

func (f *filtered) Close() error {
	f.done = true
	return f.src.Close()
}
