// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cloud dispatches prompts to an OpenRouter-compatible
// chat-completion endpoint.
//
// Each Complete call is exactly one HTTP attempt. There is no retry: the
// person on the other end resending a message is the retry mechanism.
//
// # Key Types
//
//   - Dispatcher: sends one prompt to one backend and returns the reply text
//   - UpstreamError: non-200 status from the endpoint
//   - TimeoutError: the call exceeded its time budget
//   - TransportError: connection refused, DNS, reset and similar
//   - ProtocolError: 200 status whose body does not match the schema
//
// # Usage
//
//	d, err := cloud.NewDispatcher(apiKey)
//	if err != nil {
//	    // cloud.ErrNotConfigured: no credential, fatal at startup
//	}
//	text, err := d.Complete(ctx, "Hello", desc, 1000, 30*time.Second)
//	switch cloud.Kind(err) {
//	case cloud.KindNone:
//	    // deliver text
//	case cloud.KindTimeout:
//	    // apologise, ask to retry
//	}
//
// # Security
//
// API keys are never logged. Log lines carry a short SHA-256 fingerprint
// instead, and all requests use TLS 1.2+.
package cloud
