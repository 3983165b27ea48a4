// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package engine handles one conversational interaction end to end.
//
// A front-end (the HTTP bridge or the local console) hands Handle a Request.
// The engine applies an optional model switch, copies the user's selected
// model out of the session store, dispatches the prompt upstream without
// holding any store lock, optionally turns the answer into a voice note, and
// records activity and history. Every failure inside one interaction becomes
// a short user-facing reply; nothing escapes to the caller as a panic.
package engine
