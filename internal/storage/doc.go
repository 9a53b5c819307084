// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage is the gateway's SQLite persistence layer.
//
// One database file holds configured backends, conversations with their
// messages, and generated image records. Backend API keys are sealed with
// AES-256-GCM when a secret is configured.
//
// # Key Types
//
//   - DB: Open database handle; hands out the typed stores
//   - Backends: backend.Store implementation
//   - Conversations: conversation and message persistence
//   - Images: imagegen.Recorder implementation
//
// # Usage
//
//	db, err := storage.Open("./data/gateway.db", cfg.Backends.Secret)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	conv, err := db.Conversations().Create(ctx, storage.Conversation{Owner: "local", Title: "Hello"})
package storage
