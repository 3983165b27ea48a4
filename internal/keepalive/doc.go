// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package keepalive periodically requests the service's own health URL so
// hosting platforms that idle inactive instances keep it running.
//
// A probe never stops the service: failures are logged at warn level and
// counted in Status.
package keepalive
