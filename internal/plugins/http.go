// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package plugins

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/jeranaias/rigrun-gateway/internal/events"
	"github.com/jeranaias/rigrun-gateway/internal/platform"
	"github.com/jeranaias/rigrun-gateway/internal/stream"
)

// MaxRequestBodySize bounds module request bodies (1MB).
const MaxRequestBodySize = 1 << 20

// ErrInvalidBody is returned by DecodeJSON for unreadable request bodies.
var ErrInvalidBody = errors.New("invalid request body")

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// WriteError writes {"error": message}.
func WriteError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, map[string]string{"error": message})
}

// DecodeJSON reads a size-limited JSON body into v. An empty body leaves v
// untouched.
func DecodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return ErrInvalidBody
	}
	return nil
}

// RunOptions are the backend selectors every module request may carry.
type RunOptions struct {
	BackendID int64  `json:"backend_id"`
	Model     string `json:"model"`
}

// Options converts to platform options.
func (o RunOptions) Options() platform.Options {
	return platform.Options{BackendID: o.BackendID, Model: o.Model}
}

// Relay streams a completion to em as token events and returns the joined
// text. On error the text received so far is returned with it.
func Relay(r *http.Request, p *platform.Platform, em *events.Emitter, msgs []stream.Message, opts platform.Options) (string, error) {
	s, err := p.Stream(r.Context(), msgs, opts)
	if err != nil {
		return "", err
	}
	defer s.Close()

	var text []byte
	for {
		frag, err := s.Next()
		if err == io.EOF {
			return string(text), nil
		}
		if err != nil {
			return string(text), err
		}
		if frag.Text != "" {
			text = append(text, frag.Text...)
			if err := em.Text(frag.Text); err != nil {
				return string(text), err
			}
		}
		if frag.Final {
			return string(text), nil
		}
	}
}
