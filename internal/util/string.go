// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package util

import (
	"strings"
	"unicode"
)

// Ellipsis is appended by TruncateRunes when it shortens a string.
const Ellipsis = "..."

// UNICODE: Rune-aware truncation preserves multi-byte characters.
// Replies are mostly Cyrillic, so byte-based cuts would corrupt them.

// TruncateRunes truncates a string to a maximum number of runes (characters).
// If the string is truncated, "..." is appended and the result is exactly
// maxRunes runes long.
func TruncateRunes(s string, maxRunes int) string {
	if maxRunes <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= maxRunes {
		return s
	}
	if maxRunes <= len(Ellipsis) {
		return string(runes[:maxRunes])
	}
	return string(runes[:maxRunes-len(Ellipsis)]) + Ellipsis
}

// TruncateRunesNoEllipsis truncates a string to a maximum number of runes
// without appending an ellipsis.
func TruncateRunesNoEllipsis(s string, maxRunes int) string {
	if maxRunes <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= maxRunes {
		return s
	}
	return string(runes[:maxRunes])
}

// RuneLen returns the number of runes (characters) in a string.
func RuneLen(s string) int {
	return len([]rune(s))
}

// ChunkRunes splits text into chunks of at most maxRunes runes, breaking at
// whitespace where possible. Words longer than maxRunes are split hard.
// Empty chunks are never returned.
func ChunkRunes(text string, maxRunes int) []string {
	if maxRunes <= 0 {
		return nil
	}

	var chunks []string
	var cur []rune
	flush := func() {
		if s := strings.TrimSpace(string(cur)); s != "" {
			chunks = append(chunks, s)
		}
		cur = cur[:0]
	}

	for _, word := range strings.FieldsFunc(text, unicode.IsSpace) {
		w := []rune(word)
		for len(w) > maxRunes {
			flush()
			chunks = append(chunks, string(w[:maxRunes]))
			w = w[maxRunes:]
		}
		need := len(w)
		if len(cur) > 0 {
			need++
		}
		if len(cur)+need > maxRunes {
			flush()
		}
		if len(cur) > 0 {
			cur = append(cur, ' ')
		}
		cur = append(cur, w...)
	}
	flush()
	return chunks
}
