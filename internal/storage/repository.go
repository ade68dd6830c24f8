// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jeranaias/rigchat/internal/metrics"
	"github.com/jeranaias/rigchat/internal/model"
)

// DefaultKey is the backend key holding the state blob.
const DefaultKey = "rigchat.state"

// state is the persisted blob. There is no version field; unknown or absent
// fields decode to their zero values.
type state struct {
	Folders       []model.Folder       `json:"folders"`
	Conversations []model.Conversation `json:"conversations"`
}

func (s *state) conversation(id string) *model.Conversation {
	for i := range s.Conversations {
		if s.Conversations[i].ID == id {
			return &s.Conversations[i]
		}
	}
	return nil
}

func (s *state) folder(id string) *model.Folder {
	for i := range s.Folders {
		if s.Folders[i].ID == id {
			return &s.Folders[i]
		}
	}
	return nil
}

// =============================================================================
// REPOSITORY
// =============================================================================

// Repository is the single reader/writer of the state blob.
type Repository struct {
	mu      sync.Mutex
	backend Backend
	key     string
	now     func() time.Time
	newID   func() string
	log     zerolog.Logger
	metrics *metrics.Metrics
}

// Option configures a Repository.
type Option func(*Repository)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Repository) { r.now = now }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Repository) { r.log = l.With().Str("component", "storage").Logger() }
}

// WithMetrics records store operations on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Repository) { r.metrics = m }
}

// WithKey stores state under a key other than DefaultKey.
func WithKey(key string) Option {
	return func(r *Repository) { r.key = key }
}

// NewRepository creates a repository over backend.
func NewRepository(backend Backend, opts ...Option) *Repository {
	r := &Repository{
		backend: backend,
		key:     DefaultKey,
		now:     time.Now,
		newID:   uuid.NewString,
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// stamp returns the current time in UTC with the monotonic reading stripped,
// so it compares equal to itself after a JSON round trip.
func (r *Repository) stamp() time.Time {
	return r.now().UTC().Round(0)
}

// load decodes the whole blob. A blob that fails to decode is reported and
// replaced with empty state; backend errors are returned.
func (r *Repository) load(ctx context.Context) (*state, error) {
	blob, err := r.backend.Get(ctx, r.key)
	if err != nil {
		return nil, fmt.Errorf("failed to read state: %w", err)
	}
	st := &state{}
	if len(blob) == 0 {
		return st, nil
	}
	if err := json.Unmarshal(blob, st); err != nil {
		cerr := &CorruptionError{Key: r.key, Size: len(blob), Err: err}
		r.log.Warn().Err(cerr).Msg("state blob is unreadable, starting from empty state")
		if r.metrics != nil {
			r.metrics.StoreCorruptionTotal.Inc()
		}
		return &state{}, nil
	}
	return st, nil
}

func (r *Repository) save(ctx context.Context, st *state) error {
	if st.Folders == nil {
		st.Folders = []model.Folder{}
	}
	if st.Conversations == nil {
		st.Conversations = []model.Conversation{}
	}
	for i := range st.Conversations {
		if st.Conversations[i].Messages == nil {
			st.Conversations[i].Messages = []model.Message{}
		}
	}
	blob, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}
	if err := r.backend.Set(ctx, r.key, blob); err != nil {
		return fmt.Errorf("failed to write state: %w", err)
	}
	if r.metrics != nil {
		r.metrics.ConversationsStored.Set(float64(len(st.Conversations)))
	}
	return nil
}

// view runs fn against a fresh snapshot without writing.
func (r *Repository) view(ctx context.Context, op string, fn func(*state) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, err := r.load(ctx)
	if err == nil {
		err = fn(st)
	}
	r.metrics.ObserveStore(op, err)
	return err
}

// update is the read-modify-write primitive: load the canonical blob, apply
// fn, write the result. Nothing is written when fn fails.
func (r *Repository) update(ctx context.Context, op string, fn func(*state) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, err := r.load(ctx)
	if err == nil {
		err = fn(st)
	}
	if err == nil {
		err = r.save(ctx, st)
	}
	r.metrics.ObserveStore(op, err)
	if err != nil {
		r.log.Debug().Err(err).Str("op", op).Msg("store operation failed")
	}
	return err
}

// touch bumps the conversation's UpdatedAt and Revision after a mutation.
func (r *Repository) touch(c *model.Conversation) {
	c.Touch(r.stamp())
	c.Revision++
}

// =============================================================================
// CONVERSATIONS
// =============================================================================

// ListConversations returns every conversation, most recently updated first.
func (r *Repository) ListConversations(ctx context.Context) ([]model.Conversation, error) {
	var out []model.Conversation
	err := r.view(ctx, "list_conversations", func(st *state) error {
		out = sortedConversations(st.Conversations)
		return nil
	})
	return out, err
}

// ListConversationsInFolder returns the conversations filed under folderID,
// or the unfiled ones when folderID is empty.
func (r *Repository) ListConversationsInFolder(ctx context.Context, folderID string) ([]model.Conversation, error) {
	var out []model.Conversation
	err := r.view(ctx, "list_conversations", func(st *state) error {
		var matched []model.Conversation
		for _, c := range st.Conversations {
			if c.FolderID == folderID {
				matched = append(matched, c)
			}
		}
		out = sortedConversations(matched)
		return nil
	})
	return out, err
}

func sortedConversations(in []model.Conversation) []model.Conversation {
	out := make([]model.Conversation, len(in))
	copy(out, in)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.After(b.UpdatedAt)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return out
}

// GetConversation returns a copy of the conversation with the given ID.
func (r *Repository) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	var out *model.Conversation
	err := r.view(ctx, "get_conversation", func(st *state) error {
		c := st.conversation(id)
		if c == nil {
			return fmt.Errorf("%w: %s", ErrConversationNotFound, id)
		}
		out = c.Clone()
		return nil
	})
	return out, err
}

// CreateConversation adds an empty conversation. An empty title becomes
// model.DefaultTitle, which the first user message will replace.
func (r *Repository) CreateConversation(ctx context.Context, title string) (*model.Conversation, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = model.DefaultTitle
	}
	now := r.stamp()
	c := model.Conversation{
		ID:        r.newID(),
		Title:     title,
		Messages:  []model.Message{},
		CreatedAt: now,
		UpdatedAt: now,
		Revision:  1,
	}
	err := r.update(ctx, "create_conversation", func(st *state) error {
		st.Conversations = append(st.Conversations, c)
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.log.Debug().Str("conversation", c.ID).Msg("conversation created")
	return c.Clone(), nil
}

// ConversationPatch lists the fields UpdateConversation may change. Nil
// fields are left alone; an empty FolderID unfiles the conversation.
type ConversationPatch struct {
	Title    *string
	FolderID *string
}

// UpdateConversation merges patch into the stored conversation. It fails
// with ErrConversationNotFound for an unknown ID and ErrFolderNotFound when
// the patch files it under a folder that does not exist.
func (r *Repository) UpdateConversation(ctx context.Context, id string, patch ConversationPatch) (*model.Conversation, error) {
	var out *model.Conversation
	err := r.update(ctx, "update_conversation", func(st *state) error {
		c := st.conversation(id)
		if c == nil {
			return fmt.Errorf("%w: %s", ErrConversationNotFound, id)
		}
		if patch.Title != nil {
			t := strings.TrimSpace(*patch.Title)
			if t == "" {
				t = model.DefaultTitle
			}
			c.Title = t
		}
		if patch.FolderID != nil {
			if *patch.FolderID != "" && st.folder(*patch.FolderID) == nil {
				return fmt.Errorf("%w: %s", ErrFolderNotFound, *patch.FolderID)
			}
			c.FolderID = *patch.FolderID
		}
		r.touch(c)
		out = c.Clone()
		return nil
	})
	return out, err
}

// RenameConversation sets the title.
func (r *Repository) RenameConversation(ctx context.Context, id, title string) (*model.Conversation, error) {
	return r.UpdateConversation(ctx, id, ConversationPatch{Title: &title})
}

// AddMessage appends msg. A missing ID or timestamp is filled in. The first
// user message of a conversation still titled model.DefaultTitle also sets
// the title.
func (r *Repository) AddMessage(ctx context.Context, conversationID string, msg model.Message) (*model.Message, error) {
	if !msg.Role.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRole, msg.Role)
	}
	if msg.ID == "" {
		msg.ID = model.NewMessageID()
	}
	var out model.Message
	err := r.update(ctx, "add_message", func(st *state) error {
		c := st.conversation(conversationID)
		if c == nil {
			return fmt.Errorf("%w: %s", ErrConversationNotFound, conversationID)
		}
		now := r.stamp()
		if msg.Timestamp.IsZero() {
			msg.Timestamp = now
		}
		c.Messages = append(c.Messages, msg.Clone())
		if msg.Role == model.RoleUser && c.HasDefaultTitle() {
			if t := model.AutoTitle(msg.Content); t != "" {
				c.Title = t
			}
		}
		r.touch(c)
		out = msg.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Mutate is the general read-modify-write entry point for one conversation:
// fn receives the canonical stored copy, and on success the result is
// written back with UpdatedAt and Revision bumped.
func (r *Repository) Mutate(ctx context.Context, id string, fn func(*model.Conversation) error) (*model.Conversation, error) {
	return r.mutate(ctx, "mutate", id, 0, fn)
}

// MutateAt is Mutate with an optimistic check: it fails with
// ErrRevisionConflict unless the stored Revision equals revision.
func (r *Repository) MutateAt(ctx context.Context, id string, revision uint64, fn func(*model.Conversation) error) (*model.Conversation, error) {
	return r.mutate(ctx, "mutate", id, revision, fn)
}

func (r *Repository) mutate(ctx context.Context, op, id string, revision uint64, fn func(*model.Conversation) error) (*model.Conversation, error) {
	var out *model.Conversation
	err := r.update(ctx, op, func(st *state) error {
		c := st.conversation(id)
		if c == nil {
			return fmt.Errorf("%w: %s", ErrConversationNotFound, id)
		}
		if revision != 0 && c.Revision != revision {
			return fmt.Errorf("%w: have revision %d, stored %d", ErrRevisionConflict, revision, c.Revision)
		}
		// Work on a copy so a failing fn leaves nothing half-applied.
		work := c.Clone()
		if err := fn(work); err != nil {
			return err
		}
		work.ID = c.ID
		*c = *work
		r.touch(c)
		out = c.Clone()
		return nil
	})
	return out, err
}

// UpdateMessageContent overwrites the content of one message.
func (r *Repository) UpdateMessageContent(ctx context.Context, conversationID, messageID, content string) error {
	_, err := r.mutate(ctx, "update_message", conversationID, 0, func(c *model.Conversation) error {
		i := c.FindMessage(messageID)
		if i < 0 {
			return fmt.Errorf("%w: %s", ErrMessageNotFound, messageID)
		}
		c.Messages[i].Content = content
		return nil
	})
	return err
}

// UpdateMessageMetadata merges meta into one message's metadata. Empty
// fields in meta do not erase stored values.
func (r *Repository) UpdateMessageMetadata(ctx context.Context, conversationID, messageID string, meta *model.Metadata) error {
	if meta == nil {
		return nil
	}
	_, err := r.mutate(ctx, "update_message", conversationID, 0, func(c *model.Conversation) error {
		i := c.FindMessage(messageID)
		if i < 0 {
			return fmt.Errorf("%w: %s", ErrMessageNotFound, messageID)
		}
		cur := c.Messages[i].Metadata.Clone()
		if cur == nil {
			cur = &model.Metadata{}
		}
		if meta.Model != "" {
			cur.Model = meta.Model
		}
		if meta.Provider != "" {
			cur.Provider = meta.Provider
		}
		if meta.Tokens != 0 {
			cur.Tokens = meta.Tokens
		}
		if meta.Performance != nil {
			p := *meta.Performance
			cur.Performance = &p
		}
		c.Messages[i].Metadata = cur
		return nil
	})
	return err
}

// DeleteConversation removes a conversation. Deleting an unknown ID is not
// an error.
func (r *Repository) DeleteConversation(ctx context.Context, id string) error {
	return r.update(ctx, "delete_conversation", func(st *state) error {
		kept := st.Conversations[:0]
		for _, c := range st.Conversations {
			if c.ID != id {
				kept = append(kept, c)
			}
		}
		st.Conversations = kept
		return nil
	})
}

// ClearConversations removes every conversation but keeps folders.
func (r *Repository) ClearConversations(ctx context.Context) error {
	return r.update(ctx, "clear_conversations", func(st *state) error {
		st.Conversations = nil
		return nil
	})
}

// SearchConversations returns conversations whose title or any message
// contains query, case-insensitively, most recently updated first.
func (r *Repository) SearchConversations(ctx context.Context, query string) ([]model.Conversation, error) {
	q := strings.ToLower(strings.TrimSpace(query))
	var out []model.Conversation
	err := r.view(ctx, "search_conversations", func(st *state) error {
		var matched []model.Conversation
		for _, c := range st.Conversations {
			if q == "" || conversationContains(c, q) {
				matched = append(matched, c)
			}
		}
		out = sortedConversations(matched)
		return nil
	})
	return out, err
}

func conversationContains(c model.Conversation, lowered string) bool {
	if strings.Contains(strings.ToLower(c.Title), lowered) {
		return true
	}
	for _, m := range c.Messages {
		if strings.Contains(strings.ToLower(m.Content), lowered) {
			return true
		}
	}
	return false
}
