// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ollama

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log"

	jsoniter "github.com/json-iterator/go"

	"github.com/jeranaias/rigrun-gateway/internal/stream"
)

// =============================================================================
// LINE READER
// =============================================================================

// MaxLineSize caps a single NDJSON line (1MB).
const MaxLineSize = 1024 * 1024

var errLineTooLarge = errors.New("ndjson line exceeds maximum size")

// lineReader yields non-blank lines from a response body, kicking the
// watchdog on every read that returns data.
type lineReader struct {
	ctx    context.Context
	reader *bufio.Reader
	body   io.ReadCloser
	wd     *stream.Watchdog
	done   bool

	// received is set once a line has been handed out
	received bool
	// endOnDisconnect turns a mid-body hangup after data into io.EOF
	endOnDisconnect bool
}

// next returns the next non-blank line, io.EOF at the end of the body, or a
// classified transport error.
func (r *lineReader) next() ([]byte, error) {
	for {
		line, err := r.readLine()
		if len(line) > 0 {
			r.wd.Kick()
		}
		if err == errLineTooLarge {
			return nil, &stream.ClientError{Type: stream.ErrTypeMalformedFrame, Message: "line too large", Cause: err}
		}
		if err != nil && err != io.EOF {
			// Whatever arrived before the failure is an incomplete line
			if r.received && r.endOnDisconnect && stream.Disconnected(r.ctx, err, r.wd) {
				log.Printf("UPSTREAM_DISCONNECTED | ending stream with received text error=%v", err)
				return nil, io.EOF
			}
			return nil, stream.ClassifyTransport(r.ctx, err, r.wd)
		}
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			r.received = true
			return trimmed, nil
		}
		if err == io.EOF {
			return nil, io.EOF
		}
	}
}

// readLine reads up to and including the next newline, refusing lines longer
// than MaxLineSize.
func (r *lineReader) readLine() ([]byte, error) {
	var line []byte
	for {
		chunk, err := r.reader.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > MaxLineSize {
			return nil, errLineTooLarge
		}
		if err != bufio.ErrBufferFull {
			return line, err
		}
	}
}

func (r *lineReader) finish() {
	if r.done {
		return
	}
	r.done = true
	r.wd.Stop()
	r.body.Close()
}

// =============================================================================
// CHAT STREAM
// =============================================================================

type chatStream struct {
	lineReader
}

func newChatStream(ctx context.Context, body io.ReadCloser, wd *stream.Watchdog) *chatStream {
	return &chatStream{lineReader{ctx: ctx, reader: bufio.NewReader(body), body: body, wd: wd, endOnDisconnect: true}}
}

func (s *chatStream) Next() (stream.Fragment, error) {
	if s.done {
		return stream.Fragment{}, io.EOF
	}

	line, err := s.next()
	if err == io.EOF {
		// Server hung up without done:true, cleanly or after sending data;
		// end the turn with what we have
		s.finish()
		return stream.Fragment{Final: true}, nil
	}
	if err != nil {
		s.finish()
		return stream.Fragment{}, err
	}

	var cl ChatLine
	if err := jsoniter.Unmarshal(line, &cl); err != nil {
		s.finish()
		return stream.Fragment{}, &stream.ClientError{Type: stream.ErrTypeMalformedFrame, Message: "invalid chat line", Cause: err}
	}
	if cl.Error != "" {
		s.finish()
		return stream.Fragment{}, &stream.ClientError{Type: stream.ErrTypeUpstreamStatus, Message: cl.Error}
	}

	if cl.Done {
		s.finish()
	}
	return stream.Fragment{Text: cl.Message.Content, Final: cl.Done}, nil
}

func (s *chatStream) Close() error {
	s.finish()
	return nil
}

// =============================================================================
// PULL STREAM
// =============================================================================

// PullStream yields /api/pull progress lines. Next returns io.EOF after the
// success line or when the server closes the stream.
type PullStream struct {
	lineReader
}

func newPullStream(ctx context.Context, body io.ReadCloser, wd *stream.Watchdog) *PullStream {
	return &PullStream{lineReader{ctx: ctx, reader: bufio.NewReader(body), body: body, wd: wd}}
}

// Next returns the next progress line.
func (p *PullStream) Next() (PullProgress, error) {
	if p.done {
		return PullProgress{}, io.EOF
	}

	line, err := p.next()
	if err != nil {
		p.finish()
		return PullProgress{}, err
	}

	var prog PullProgress
	if err := jsoniter.Unmarshal(line, &prog); err != nil {
		p.finish()
		return PullProgress{}, &stream.ClientError{Type: stream.ErrTypeMalformedFrame, Message: "invalid pull line", Cause: err}
	}
	if prog.Error != "" {
		p.finish()
		return prog, &stream.ClientError{Type: stream.ErrTypeUpstreamStatus, Message: prog.Error}
	}
	if prog.Done() {
		p.finish()
	}
	return prog, nil
}

// Close releases the connection.
func (p *PullStream) Close() error {
	p.finish()
	return nil
}
