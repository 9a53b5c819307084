// rigrun-gateway - streaming gateway for local LLM and image servers.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import "github.com/jeranaias/rigrun-gateway/internal/cli"

func main() {
	cli.Main()
}
