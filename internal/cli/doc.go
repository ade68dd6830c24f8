// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli implements the rigchat command line on top of cobra.
//
// Every command shares one app value. It loads configuration before the
// command runs and builds the store, session, transport and orchestrator
// only when a command first asks for them.
//
// # Commands
//
//   - chat (default): interactive REPL with streaming replies and slash commands
//   - ask: one message, reply on stdout
//   - conversations: list, show, rename, delete, clear, move, search, export, watch
//   - folders: list, create, rename, delete
//   - login, logout, status
//   - config: show, get, set, path, keys
//   - models, health: service discovery
//
// Commands that print data accept --json and wrap their output in a
// JSONResponse envelope.
package cli
