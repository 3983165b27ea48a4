// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package session tracks per-user state for the relay.
//
// Each user identified by a numeric id gets one session, created lazily on
// first contact and kept for the life of the process. A session records the
// selected backend, activity counters, and a bounded conversation history.
//
// # Key Types
//
//   - Store: concurrency-safe owner of all sessions
//   - Session: value snapshot of one user's state
//   - Entry: one question/answer pair in the history
//   - Stats: aggregate view for the health and stats surface
//
// # Concurrency
//
// The user map is guarded by a read/write lock that is held only for lookup
// and insertion. Every user has a private mutex, so updates for one user
// never wait on another user's work. Accessors return copies; nothing
// outside the package holds a pointer into the store.
//
// # Usage
//
//	store := session.NewStore(model.Builtin())
//	s := store.GetOrCreate(42)
//	if err := store.SetModel(42, "claude"); errors.Is(err, session.ErrUnknownModel) {
//	    // selection unchanged
//	}
//	store.RecordActivity(42)
//	store.AppendHistory(42, "hi", "hello!")
package session
