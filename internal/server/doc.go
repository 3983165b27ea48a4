// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server exposes the relay engine over HTTP.
//
// A messaging front-end posts each inbound message to /v1/interact and
// delivers the returned text and optional voice note.
//
// # Endpoints
//
//   - GET    /health                 - Liveness (target of the keepalive probe)
//   - GET    /stats                  - Session and probe statistics
//   - GET    /v1/models              - Registered backends
//   - POST   /v1/interact            - Handle one message
//   - GET    /v1/users/{id}          - Session snapshot
//   - PUT    /v1/users/{id}/model    - Select a backend
//   - DELETE /v1/users/{id}/history  - Drop history
//
// # Security
//
//   - Bearer token on /v1/ routes with constant-time comparison
//   - Per-IP rate limiting
//   - Security headers and panic recovery
//
// # Usage
//
//	srv := server.NewServer(":8080", eng).WithAuthToken(token).WithProbe(probe)
//	go srv.Start()
//	defer srv.Shutdown(ctx)
package server
