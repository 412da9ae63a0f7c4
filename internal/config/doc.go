// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for ztgate.
//
// Configuration is TOML with sensible defaults, environment variable
// overrides, and validation.
//
// # Configuration Precedence
//
// Configuration is loaded from (in order of precedence):
//   - Environment variables (ZTGATE_*), optionally from a .env file
//   - The file named by ZTGATE_CONFIG or --config
//   - ./ztgate.toml
//   - Built-in defaults
//
// # Usage
//
//	cfg, err := config.LoadFromPath("ztgate.toml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	ttl := cfg.Auth.PreAuthTTL()
package config
