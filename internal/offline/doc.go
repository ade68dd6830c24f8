// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package offline restricts the chat service to loopback addresses.
//
// With offline mode on, rigchat refuses to contact any host other than
// localhost, so it can be pointed at a self-hosted service on an air-gapped
// machine without leaking prompts to a remote endpoint by misconfiguration.
// Scheme validation (http/https only) applies in both modes.
package offline
