// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config loads rigchat configuration.
//
// # Configuration Precedence
//
// Later sources override earlier ones:
//   - Built-in defaults
//   - ~/.rigchat/config.toml (or the path given with --config)
//   - .env in the working directory, then ~/.rigchat/.env
//   - Process environment variables (RIGCHAT_*)
//
// # Usage
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	client := cloud.NewClient(cfg.Service.BaseURL, ...)
package config
