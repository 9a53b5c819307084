// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides small helpers shared across the gateway.
//
// # Key Functions
//
// File Operations:
//   - AtomicWriteFile: crash-safe file writing with fsync and rename
//   - SweepTempFiles: removal of temp files orphaned by a crash mid-write
//
// String Utilities:
//   - TruncateRunes, TruncateWithEllipsis: UTF-8 safe truncation
//   - CollapseWhitespace: normalizes scraped page text
//   - FormatModelSize: "4.7 GB" / "800 MB" size strings
//
// # Usage
//
//	// Write generated artifacts so a crash never leaves a partial file
//	err := util.AtomicWriteFile(path, png, 0644)
package util
