// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli implements the rigrun-gateway command line.
//
// # Commands
//
//   - serve: run the HTTP gateway
//   - chat: interactive terminal client of a running gateway
//   - models: list models on a backend
//   - pull: download a model onto a native backend
//   - backends: list configured backends
//
// A .env file in the working directory is loaded before anything else, so
// its variables act like real environment variables for config overrides.
package cli
