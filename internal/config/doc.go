// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for chaterp.
//
// Supports TOML and JSON configuration formats, with sensible defaults,
// .env files, environment variable overrides, and validation.
//
// # Key Types
//
//   - Config: Main configuration structure with all settings
//   - ServerConfig: Chat endpoint listen address and CORS
//   - UpstreamConfig: Completion API URL, key, timeout and generation params
//   - StorageConfig: Session store backend and location
//   - ClientConfig: Defaults for the chat REPL and TUI
//
// # Configuration Precedence
//
// Configuration is loaded from (in order of precedence):
//   - Environment variables (API_URL, API_KEY, CHATERP_*)
//   - .env in the working directory, then ~/.chaterp/.env
//   - $CHATERP_CONFIG or ~/.chaterp/config.toml
//   - ~/.chaterp/config.json
//   - Built-in defaults
//
// # Usage
//
// Load configuration:
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// Access settings:
//
//	addr := cfg.Server.Addr
//	timeout := cfg.Upstream.Timeout()
package config
