// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package util

import (
	"fmt"
	"strings"
	"unicode"
)

// UNICODE: Rune-aware truncation preserves multi-byte characters.

// TruncateRunes cuts s to at most maxRunes runes without adding a suffix.
func TruncateRunes(s string, maxRunes int) string {
	if maxRunes <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= maxRunes {
		return s
	}
	return string(runes[:maxRunes])
}

// TruncateWithEllipsis cuts s to maxRunes runes and appends "..." when
// anything was removed. The ellipsis is not counted against maxRunes.
func TruncateWithEllipsis(s string, maxRunes int) string {
	cut := TruncateRunes(s, maxRunes)
	if len(cut) < len(s) {
		return cut + "..."
	}
	return cut
}

// CollapseWhitespace replaces every run of Unicode whitespace with a single
// space and trims both ends.
func CollapseWhitespace(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range s {
		if unicode.IsSpace(r) {
			space = true
			continue
		}
		if space && b.Len() > 0 {
			b.WriteByte(' ')
		}
		space = false
		b.WriteRune(r)
	}
	return b.String()
}

// FormatModelSize renders a byte count the way model listings show it:
// gigabytes with one decimal above 1e9 bytes, whole megabytes otherwise.
func FormatModelSize(bytes int64) string {
	if bytes > 1e9 {
		return fmt.Sprintf("%.1f GB", float64(bytes)/1e9)
	}
	return fmt.Sprintf("%.0f MB", float64(bytes)/1e6)
}
