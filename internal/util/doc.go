// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides small helpers shared across rigrun-relay.
//
// # Key Functions
//
// String Utilities:
//   - TruncateRunes: UTF-8 safe string truncation with ellipsis
//   - ChunkRunes: split text into word-aligned chunks of bounded length
//   - RuneLen: character count for UTF-8 strings
//
// File Operations:
//   - AtomicWriteFile: Crash-safe file writing with fsync
//
// # Usage
//
//	// Keep voice replies short
//	spoken := util.TruncateRunes(reply, 500)
//
//	// Write a voice note atomically
//	err := util.AtomicWriteFile(path, audio, 0644)
package util
