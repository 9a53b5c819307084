// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"context"
	"sync/atomic"
	"time"
)

// Watchdog cancels a streaming request when the backend goes silent for
// longer than its timeout. Every successful read calls Kick, so a long but
// steadily producing generation is never cut off.
type Watchdog struct {
	timeout time.Duration
	timer   *time.Timer
	cancel  context.CancelFunc
	fired   atomic.Bool
}

// NewWatchdog derives a cancellable context from parent and arms the timer.
// A zero timeout disables the watchdog but still returns a cancellable context.
func NewWatchdog(parent context.Context, timeout time.Duration) (context.Context, *Watchdog) {
	ctx, cancel := context.WithCancel(parent)
	wd := &Watchdog{timeout: timeout, cancel: cancel}
	if timeout > 0 {
		wd.timer = time.AfterFunc(timeout, func() {
			wd.fired.Store(true)
			cancel()
		})
	}
	return ctx, wd
}

// Kick pushes the deadline out by one timeout period.
func (w *Watchdog) Kick() {
	if w.timer != nil && !w.fired.Load() {
		w.timer.Reset(w.timeout)
	}
}

// Fired reports whether the timeout elapsed.
func (w *Watchdog) Fired() bool {
	return w.fired.Load()
}

// Timeout returns the configured idle ceiling.
func (w *Watchdog) Timeout() time.Duration {
	return w.timeout
}

// Stop disarms the timer and releases the derived context.
func (w *Watchdog) Stop() {
	if w.timer != nil {
		w.timer.Stop()
	}
	w.cancel()
}
