// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model holds the catalog of upstream backends users can pick from.
//
// The catalog is fixed at startup and read-only afterwards, so a *Registry
// can be shared by every goroutine without locking.
//
// # Key Types
//
//   - Descriptor: one backend (key, upstream model id, display name, description)
//   - Registry: ordered, validated set of descriptors with a default key
//
// # Usage
//
//	reg := model.Builtin()
//	d, err := reg.Lookup("claude")
//	if errors.Is(err, model.ErrNotFound) {
//	    // tell the user which keys exist
//	}
package model
