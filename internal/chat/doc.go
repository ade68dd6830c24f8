// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chat drives the send-a-message workflow.
//
// An Orchestrator appends the user's message and an empty assistant
// placeholder to a conversation, streams the reply from the service into
// that placeholder one tick at a time, and records the outcome. The
// repository stays the only source of truth: every tick re-reads the
// stored conversation before writing, and the orchestrator's notion of the
// "current" conversation is only an ID.
//
// Outcomes:
//
//   - success leaves the raw reply in the placeholder
//   - cancellation leaves whatever the last tick wrote, with no error
//   - failure appends an error annotation below any partial text and
//     returns the error; authentication failures also invalidate the
//     session
package chat
