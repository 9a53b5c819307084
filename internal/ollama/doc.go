// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ollama is the native protocol adapter for Ollama servers.
//
// Chat responses arrive as line-delimited JSON objects:
//
//	{"message":{"role":"assistant","content":"Hel"},"done":false}
//	{"message":{"role":"assistant","content":"lo"},"done":false}
//	{"message":{"role":"assistant","content":""},"done":true}
//
// Each line becomes one stream.Fragment. The adapter also covers the model
// management endpoints the gateway exposes: listing (/api/tags), pulling with
// progress (/api/pull) and deleting (/api/delete).
//
// # Usage
//
//	a := ollama.New(ollama.DefaultConfig())
//	s, err := a.Open(ctx, desc, "llama3.2", msgs)
//	if err != nil {
//	    return err
//	}
//	text, err := stream.ReadAll(s)
package ollama
