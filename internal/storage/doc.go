// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage persists conversations and folders for rigchat.
//
// All state lives in a single blob, {folders, conversations}, held by a
// Backend. The Repository is the only writer: every operation loads the whole
// blob, applies one change and writes it back, so readers always see a
// complete snapshot and a write never clobbers a change made since the last
// read.
//
// # Backends
//
//   - MemoryBackend: process-local map, used by tests and --ephemeral
//   - FileBackend: one JSON file per key, atomically replaced; can be watched
//   - BoltBackend: bbolt key/value file
//   - SQLiteBackend: single-table SQLite database
//   - SealedBackend: AES-GCM encryption wrapped around any other backend
//
// # Usage
//
//	backend, err := storage.Open(storage.DriverFile, dataDir, "")
//	repo := storage.NewRepository(backend, storage.WithLogger(log))
//	conv, err := repo.CreateConversation(ctx, "")
//	_, err = repo.AddMessage(ctx, conv.ID, model.NewMessage(model.RoleUser, "hi"))
package storage
