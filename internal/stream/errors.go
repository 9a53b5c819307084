// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"syscall"

	jsoniter "github.com/json-iterator/go"
)

// =============================================================================
// ERROR TYPES
// =============================================================================

// ClientError represents a failure talking to a model backend.
type ClientError struct {
	Type    ErrorType
	Message string
	Cause   error
}

func (e *ClientError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *ClientError) Unwrap() error {
	return e.Cause
}

// Is matches any ClientError of the same Type, so errors.Is(err, ErrTimeout)
// holds for every timeout regardless of message.
func (e *ClientError) Is(target error) bool {
	t, ok := target.(*ClientError)
	return ok && t.Type == e.Type
}

// ErrorType categorizes client errors for handling.
type ErrorType int

const (
	ErrTypeUnknown ErrorType = iota
	ErrTypeBackendUnreachable
	ErrTypeMalformedFrame
	ErrTypeTimeout
	ErrTypeNoBackend
	ErrTypeUpstreamStatus
)

// String returns the taxonomy name used in logs.
func (t ErrorType) String() string {
	switch t {
	case ErrTypeBackendUnreachable:
		return "BackendUnreachable"
	case ErrTypeMalformedFrame:
		return "MalformedFrame"
	case ErrTypeTimeout:
		return "Timeout"
	case ErrTypeNoBackend:
		return "NoBackendConfigured"
	case ErrTypeUpstreamStatus:
		return "UpstreamStatus"
	default:
		return "Unknown"
	}
}

// Sentinel errors for easy checking.
var (
	ErrBackendUnreachable  = &ClientError{Type: ErrTypeBackendUnreachable, Message: "backend unreachable"}
	ErrMalformedFrame      = &ClientError{Type: ErrTypeMalformedFrame, Message: "malformed stream frame"}
	ErrTimeout             = &ClientError{Type: ErrTypeTimeout, Message: "request timed out"}
	ErrNoBackendConfigured = &ClientError{Type: ErrTypeNoBackend, Message: "no backend configured"}
)

// IsBackendUnreachable reports whether err is a connection failure.
func IsBackendUnreachable(err error) bool {
	return hasType(err, ErrTypeBackendUnreachable)
}

// IsMalformedFrame reports whether err is a protocol violation mid-stream.
func IsMalformedFrame(err error) bool {
	return hasType(err, ErrTypeMalformedFrame)
}

// IsTimeout reports whether err is a timeout.
func IsTimeout(err error) bool {
	return hasType(err, ErrTypeTimeout)
}

// IsNoBackend reports whether err means backend resolution found nothing.
func IsNoBackend(err error) bool {
	return hasType(err, ErrTypeNoBackend)
}

func hasType(err error, t ErrorType) bool {
	var clientErr *ClientError
	if errors.As(err, &clientErr) {
		return clientErr.Type == t
	}
	return false
}

// ErrorTypeOf returns the taxonomy type of err, or ErrTypeUnknown.
func ErrorTypeOf(err error) ErrorType {
	var clientErr *ClientError
	if errors.As(err, &clientErr) {
		return clientErr.Type
	}
	return ErrTypeUnknown
}

// =============================================================================
// TRANSPORT CLASSIFICATION
// =============================================================================

// ClassifyTransport maps a failed HTTP round trip or body read onto the
// taxonomy. A cancelled parent context (client went away) is returned as-is so
// callers can tell disconnects apart from backend failures.
func ClassifyTransport(ctx context.Context, err error, wd *Watchdog) error {
	if err == nil {
		return nil
	}
	if wd != nil && wd.Fired() {
		return &ClientError{Type: ErrTypeTimeout, Message: "no data from backend within " + wd.Timeout().String(), Cause: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &ClientError{Type: ErrTypeTimeout, Message: "request timed out", Cause: err}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return &ClientError{Type: ErrTypeBackendUnreachable, Message: "backend unreachable", Cause: err}
}

// Disconnected reports whether a body read failed because the backend closed
// the connection mid-response. It is false when the watchdog fired or the
// caller's context is done, since those have their own classification.
func Disconnected(ctx context.Context, err error, wd *Watchdog) bool {
	if err == nil || ctx.Err() != nil || (wd != nil && wd.Fired()) {
		return false
	}
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, syscall.ECONNRESET)
}

// StatusError builds an UpstreamStatus error from a non-2xx response, using
// the body's {"error": ...} message when the backend sent one.
func StatusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var payload struct {
		Error any `json:"error"`
	}
	msg := strings.TrimSpace(string(body))
	if jsoniter.Unmarshal(body, &payload) == nil {
		switch e := payload.Error.(type) {
		case string:
			msg = e
		case map[string]any:
			// OpenAI nests the message
			if m, ok := e["message"].(string); ok {
				msg = m
			}
		}
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &ClientError{Type: ErrTypeUpstreamStatus, Message: "backend returned " + resp.Status + ": " + msg}
}

// IsUpstreamStatus reports whether err is a non-2xx backend response.
func IsUpstreamStatus(err error) bool {
	return hasType(err, ErrTypeUpstreamStatus)
}
