// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"time"

	"github.com/lithammer/shortuuid/v4"
)

// =============================================================================
// ROLE TYPE
// =============================================================================

// Role represents the sender of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// DisplayName returns a human-readable name for the role.
func (r Role) DisplayName() string {
	switch r {
	case RoleUser:
		return "You"
	case RoleAssistant:
		return "Assistant"
	case RoleSystem:
		return "System"
	default:
		return string(r)
	}
}

// =============================================================================
// METADATA
// =============================================================================

// Performance holds the generation figures reported in a response footer.
type Performance struct {
	TokensPerSecond  float64 `json:"tokensPerSecond"`
	TimeToFirstToken float64 `json:"timeToFirstToken"` // seconds
	StopReason       string  `json:"stopReason"`
}

// Metadata describes how an assistant message was produced.
type Metadata struct {
	Model       string       `json:"model,omitempty"`
	Provider    string       `json:"provider,omitempty"`
	Tokens      int          `json:"tokens,omitempty"`
	Performance *Performance `json:"performance,omitempty"`
}

// Clone returns a deep copy of m. A nil receiver yields nil.
func (m *Metadata) Clone() *Metadata {
	if m == nil {
		return nil
	}
	c := *m
	if m.Performance != nil {
		p := *m.Performance
		c.Performance = &p
	}
	return &c
}

// =============================================================================
// MESSAGE TYPE
// =============================================================================

// Message is a single turn in a conversation. ID and Role never change after
// creation; Content and Metadata may be rewritten while a response streams.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Metadata  *Metadata `json:"metadata,omitempty"`
}

// NewMessage creates a message with a fresh ID stamped with the current time.
func NewMessage(role Role, content string) Message {
	return Message{
		ID:        NewMessageID(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	}
}

// NewMessageID returns a short, URL-safe unique identifier.
func NewMessageID() string {
	return "msg_" + shortuuid.New()
}

// Clone returns a copy of m that shares no pointers with it.
func (m Message) Clone() Message {
	m.Metadata = m.Metadata.Clone()
	return m
}

// IsEmpty reports whether the message has no visible content yet.
func (m Message) IsEmpty() bool {
	return m.Content == ""
}
