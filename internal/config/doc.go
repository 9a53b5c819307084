// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for the
// gateway.
//
// # Configuration Precedence
//
// Configuration is loaded from (in order of precedence):
//   - Environment variables (RIGRUN_*, plus OLLAMA_HOST and SD_HOST)
//   - ~/.rigrun/gateway.toml, or the file named with --config
//   - Built-in defaults
//
// The CLI loads a .env file from the working directory before any of this,
// so variables set there behave like real environment variables.
//
// # Usage
//
//	cfg, err := config.Load("")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	addr := cfg.Server.Addr
package config
