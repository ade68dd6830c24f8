// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for conversations, messages
// and folders.
//
// These are plain values: the storage package owns persistence and the chat
// package owns mutation during a send. Every type round-trips through JSON
// using the field names of the persisted state blob.
//
// # Key Types
//
//   - Conversation: ordered message history plus title, timestamps and folder
//   - Message: one turn with an immutable ID and role
//   - Metadata: model/provider and performance figures for assistant turns
//   - Folder: a named grouping that conversations reference weakly
//
// # Usage
//
//	msg := model.NewMessage(model.RoleUser, "Hello!")
//	title := model.AutoTitle(msg.Content)
package model
