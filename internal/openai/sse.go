// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package openai

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

// MaxFrameSize caps a single data line (1MB).
const MaxFrameSize = 1024 * 1024

// ErrFrameTooLarge is returned when a line exceeds MaxFrameSize.
var ErrFrameTooLarge = errors.New("sse frame exceeds maximum size")

var (
	dataPrefix = []byte("data: ")
	doneMarker = []byte("[DONE]")
)

// SSEReader extracts data payloads from a server-sent event stream. Every
// "data: " line is one frame; event names, ids, comments and blank
// separators are skipped.
type SSEReader struct {
	reader *bufio.Reader
	// onRead is called whenever bytes arrive
	onRead func()
}

// NewSSEReader creates a reader over r.
func NewSSEReader(r io.Reader) *SSEReader {
	return &SSEReader{reader: bufio.NewReaderSize(r, 64*1024)}
}

// ReadData returns the payload of the next data line, or io.EOF when the
// body ends.
func (s *SSEReader) ReadData() ([]byte, error) {
	for {
		line, err := s.readLine()
		if len(line) > 0 && s.onRead != nil {
			s.onRead()
		}
		if err != nil && err != io.EOF {
			// A line cut off by a transport failure is never a frame
			return nil, err
		}
		line = bytes.TrimRight(line, "\r\n")
		if bytes.HasPrefix(line, dataPrefix) {
			return line[len(dataPrefix):], nil
		}
		if err != nil {
			return nil, err
		}
	}
}

func (s *SSEReader) readLine() ([]byte, error) {
	var line []byte
	for {
		chunk, err := s.reader.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > MaxFrameSize {
			return nil, ErrFrameTooLarge
		}
		if err != bufio.ErrBufferFull {
			return line, err
		}
	}
}
