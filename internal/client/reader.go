// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package client consumes the gateway's HTTP API from the terminal: a
// push-event reader, a small typed client, and a renderer that prints a chat
// turn as it streams.
package client

import (
	"bufio"
	"bytes"
	"fmt"
	"io"

	jsoniter "github.com/json-iterator/go"

	"github.com/jeranaias/rigrun-gateway/internal/events"
	"github.com/jeranaias/rigrun-gateway/internal/search"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// maxFrameSize bounds one event; search results and long tokens fit well
// inside it.
const maxFrameSize = 1 << 20

// Event is one decoded push event. Only the fields present in the payload
// are set; Raw keeps the payload for feature modules with their own shapes.
type Event struct {
	Status         string          `json:"status"`
	URL            string          `json:"url"`
	Token          string          `json:"token"`
	ConversationID int64           `json:"conversation_id"`
	Done           bool            `json:"done"`
	Title          string          `json:"title"`
	Error          string          `json:"error"`
	SearchResults  []search.Result `json:"search_results"`
	Images         []events.Image  `json:"images"`

	// image_error detail
	Prompt  string `json:"prompt"`
	Message string `json:"message"`

	// model pull progress
	Percent   int   `json:"percent"`
	Total     int64 `json:"total"`
	Completed int64 `json:"completed"`

	Raw []byte `json:"-"`
}

// Terminal reports whether e ends its stream.
func (e Event) Terminal() bool {
	return e.Done || e.Error != ""
}

// Reader splits a push-event body into events.
type Reader struct {
	sc *bufio.Scanner
}

// NewReader returns a Reader over r.
func NewReader(r io.Reader) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxFrameSize)
	return &Reader{sc: sc}
}

// Next returns the next event, or io.EOF once the body is exhausted.
// Comment lines and fields other than data are skipped. Several data lines
// in one frame are joined with newlines.
func (r *Reader) Next() (Event, error) {
	var data []byte
	pending := false

	for r.sc.Scan() {
		line := r.sc.Bytes()
		if len(line) == 0 {
			if pending {
				return decode(data)
			}
			continue
		}
		if line[0] == ':' {
			continue
		}
		value, ok := bytes.CutPrefix(line, []byte("data:"))
		if !ok {
			continue
		}
		value = bytes.TrimPrefix(value, []byte(" "))
		if pending {
			data = append(data, '\n')
		}
		data = append(data, value...)
		pending = true
	}
	if err := r.sc.Err(); err != nil {
		return Event{}, fmt.Errorf("read event stream: %w", err)
	}
	if pending {
		return decode(data)
	}
	return Event{}, io.EOF
}

func decode(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("malformed event %q: %w", data, err)
	}
	ev.Raw = data
	return ev, nil
}
