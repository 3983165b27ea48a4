// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli implements the rigrun-relay command line.
//
// Commands:
//
//	serve      run the HTTP relay and the keepalive probe
//	console    local interactive front-end driving the same engine
//	models     list the model catalog
//	config     init, show or validate the configuration file
//	version    print build information
//
// All commands read ~/.rigrun-relay/config.toml (or .yaml/.json) unless
// --config names another file. Environment variables override the file.
package cli
