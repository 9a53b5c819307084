// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package stream defines the canonical fragment sequence every protocol
// adapter produces, and the error taxonomy shared by all of them.
//
// # Key Types
//
//   - Fragment: one piece of model text plus the final flag
//   - Stream: pull-driven iterator over fragments (Next/Close)
//   - Adapter: opens Streams and lists models for one wire protocol
//   - ClientError: BackendUnreachable, MalformedFrame, Timeout,
//     NoBackendConfigured, UpstreamStatus
//   - Watchdog: idle-read timeout for long-lived upstream bodies
//
// # Usage
//
//	s, err := adapter.Open(ctx, desc, "llama3.2", msgs)
//	if err != nil {
//	    return err
//	}
//	defer s.Close()
//	for {
//	    frag, err := s.Next()
//	    if err == io.EOF {
//	        break
//	    }
//	    ...
//	}
package stream
