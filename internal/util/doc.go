// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util holds small helpers shared across rigchat packages.
//
// # Files
//
//   - atomic.go: crash-safe file replacement (temp file, fsync, rename)
//   - string.go: rune- and width-aware truncation and padding for terminal output
package util
