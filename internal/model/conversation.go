// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/jeranaias/rigchat/internal/util"
)

const (
	// DefaultTitle marks a conversation that has not been titled yet. The
	// first user message replaces it exactly once.
	DefaultTitle = "New Chat"

	// TitleMaxRunes bounds an automatically derived title.
	TitleMaxRunes = 50
)

// =============================================================================
// CONVERSATION TYPE
// =============================================================================

// Conversation is an ordered message history with its bookkeeping fields.
// An empty FolderID means the conversation is not filed.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	FolderID  string    `json:"folderId,omitempty"`

	// Revision counts repository writes of this conversation.
	Revision uint64 `json:"revision,omitempty"`
}

// HasDefaultTitle reports whether the conversation still carries the
// placeholder title.
func (c *Conversation) HasDefaultTitle() bool {
	return c.Title == DefaultTitle
}

// FindMessage returns the index of the message with the given ID, or -1.
func (c *Conversation) FindMessage(id string) int {
	for i := range c.Messages {
		if c.Messages[i].ID == id {
			return i
		}
	}
	return -1
}

// LastMessage returns the newest message, or nil for an empty conversation.
func (c *Conversation) LastMessage() *Message {
	if len(c.Messages) == 0 {
		return nil
	}
	return &c.Messages[len(c.Messages)-1]
}

// Clone returns a deep copy of c.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	out := *c
	out.Messages = make([]Message, len(c.Messages))
	for i := range c.Messages {
		out.Messages[i] = c.Messages[i].Clone()
	}
	return &out
}

// Touch advances UpdatedAt to now without ever moving it backwards.
func (c *Conversation) Touch(now time.Time) {
	if now.After(c.UpdatedAt) {
		c.UpdatedAt = now
	}
}

// Preview returns the first user message flattened to one line, truncated
// to maxLen runes, for list views.
func (c *Conversation) Preview(maxLen int) string {
	for _, m := range c.Messages {
		if m.Role == RoleUser {
			return util.TruncateRunes(util.SingleLine(m.Content), maxLen)
		}
	}
	return ""
}

// AutoTitle derives a title from the first user message: the first
// TitleMaxRunes characters of the NFC-normalized content, trimmed.
func AutoTitle(content string) string {
	normalized := norm.NFC.String(content)
	return strings.TrimSpace(util.TruncateRunesNoEllipsis(normalized, TitleMaxRunes))
}

// =============================================================================
// FOLDER TYPE
// =============================================================================

// Folder groups conversations. Conversations point at folders, never the
// other way round, so deleting a folder only has to clear those pointers.
type Folder struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}
