// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

// =============================================================================
// MESSAGE TESTS
// =============================================================================

func TestNewMessage(t *testing.T) {
	a := NewMessage(RoleUser, "hi")
	b := NewMessage(RoleUser, "hi")

	if a.ID == "" || a.ID == b.ID {
		t.Errorf("NewMessage IDs = %q, %q; want distinct non-empty", a.ID, b.ID)
	}
	if !strings.HasPrefix(a.ID, "msg_") {
		t.Errorf("ID = %q, want msg_ prefix", a.ID)
	}
	if a.Timestamp.IsZero() {
		t.Error("Timestamp not set")
	}
}

func TestRole_Valid(t *testing.T) {
	tests := []struct {
		role Role
		want bool
	}{
		{RoleUser, true},
		{RoleAssistant, true},
		{RoleSystem, true},
		{Role("tool"), false},
		{Role(""), false},
	}
	for _, tc := range tests {
		t.Run(string(tc.role), func(t *testing.T) {
			if got := tc.role.Valid(); got != tc.want {
				t.Errorf("Role(%q).Valid() = %v, want %v", tc.role, got, tc.want)
			}
		})
	}
}

func TestMessage_CloneIsDeep(t *testing.T) {
	orig := Message{
		ID:   "m1",
		Role: RoleAssistant,
		Metadata: &Metadata{
			Model:       "gpt",
			Performance: &Performance{TokensPerSecond: 10},
		},
	}
	c := orig.Clone()
	c.Metadata.Model = "changed"
	c.Metadata.Performance.TokensPerSecond = 99

	if orig.Metadata.Model != "gpt" || orig.Metadata.Performance.TokensPerSecond != 10 {
		t.Errorf("Clone shares metadata with original: %+v", orig.Metadata)
	}
}

// =============================================================================
// CONVERSATION TESTS
// =============================================================================

func TestAutoTitle(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"short", "What is Go?", "What is Go?"},
		{"trimmed", "   padded   ", "padded"},
		{"exactly fifty", strings.Repeat("a", 50), strings.Repeat("a", 50)},
		{"long", strings.Repeat("b", 80), strings.Repeat("b", 50)},
		{"trailing space after cut", strings.Repeat("c", 49) + " tail", strings.Repeat("c", 49)},
		{"multibyte", strings.Repeat("é", 60), strings.Repeat("é", 50)},
		// "e" + combining acute composes to one rune under NFC.
		{"decomposed", strings.Repeat("e\u0301", 60), strings.Repeat("\u00e9", 50)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := AutoTitle(tc.in); got != tc.want {
				t.Errorf("AutoTitle() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestConversation_FindMessage(t *testing.T) {
	c := &Conversation{Messages: []Message{{ID: "a"}, {ID: "b"}}}
	if got := c.FindMessage("b"); got != 1 {
		t.Errorf("FindMessage(b) = %d, want 1", got)
	}
	if got := c.FindMessage("zz"); got != -1 {
		t.Errorf("FindMessage(zz) = %d, want -1", got)
	}
}

func TestConversation_TouchIsMonotonic(t *testing.T) {
	t0 := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	c := &Conversation{UpdatedAt: t0}

	c.Touch(t0.Add(-time.Hour))
	if !c.UpdatedAt.Equal(t0) {
		t.Errorf("Touch moved UpdatedAt backwards to %v", c.UpdatedAt)
	}
	c.Touch(t0.Add(time.Minute))
	if !c.UpdatedAt.Equal(t0.Add(time.Minute)) {
		t.Errorf("UpdatedAt = %v, want %v", c.UpdatedAt, t0.Add(time.Minute))
	}
}

func TestConversation_Preview(t *testing.T) {
	c := &Conversation{Messages: []Message{
		{Role: RoleSystem, Content: "be nice"},
		{Role: RoleUser, Content: "line one\nline two"},
	}}
	if got := c.Preview(50); got != "line one line two" {
		t.Errorf("Preview = %q", got)
	}
}

func TestConversation_JSONRoundTrip(t *testing.T) {
	ts := time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)
	orig := &Conversation{
		ID:        "c1",
		Title:     DefaultTitle,
		CreatedAt: ts,
		UpdatedAt: ts,
		FolderID:  "f1",
		Messages: []Message{
			{ID: "m1", Role: RoleUser, Content: "hi", Timestamp: ts},
			{ID: "m2", Role: RoleAssistant, Content: "hello", Timestamp: ts,
				Metadata: &Metadata{Model: "m", Provider: "p", Tokens: 3,
					Performance: &Performance{TokensPerSecond: 1.5, TimeToFirstToken: 0.2, StopReason: "stop"}}},
		},
	}

	data, err := json.Marshal(orig)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if !strings.Contains(string(data), `"createdAt":"2025-03-04T05:06:07Z"`) {
		t.Errorf("timestamps not RFC 3339: %s", data)
	}

	var got Conversation
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if diff := cmp.Diff(orig, &got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestConversation_CloneIsDeep(t *testing.T) {
	orig := &Conversation{ID: "c", Messages: []Message{{ID: "m", Content: "a"}}}
	c := orig.Clone()
	c.Messages[0].Content = "b"
	c.Messages = append(c.Messages, Message{ID: "n"})

	if orig.Messages[0].Content != "a" || len(orig.Messages) != 1 {
		t.Errorf("Clone aliases original messages: %+v", orig.Messages)
	}
}
