// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading for rigrun-relay.
//
// TOML, YAML and JSON files are supported, with defaults, environment
// variable overrides, and validation.
//
// # Configuration Precedence
//
// Configuration is loaded from (in order of precedence):
//   - Environment variables (OPENROUTER_API_KEY, PORT, RELAY_*)
//   - --config path, or the first of ~/.rigrun-relay/config.{toml,yaml,yml,json}
//   - Built-in defaults
//
// # Usage
//
//	cfg, err := config.Load()
//	if err != nil {
//	    return err
//	}
//	if err := cfg.RequireCredential(); err != nil {
//	    return err
//	}
//	registry, err := cfg.Registry()
package config
