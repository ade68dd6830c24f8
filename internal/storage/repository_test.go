// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/rigchat/internal/metrics"
	"github.com/jeranaias/rigchat/internal/model"
)

// fakeClock advances by one second on every read.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func newTestRepo(t *testing.T, opts ...Option) (*Repository, *MemoryBackend, *fakeClock) {
	t.Helper()
	b := NewMemoryBackend()
	clock := newFakeClock()
	repo := NewRepository(b, append([]Option{WithClock(clock.Now)}, opts...)...)
	return repo, b, clock
}

// =============================================================================
// CONVERSATION TESTS
// =============================================================================

func TestCreateConversation_Defaults(t *testing.T) {
	ctx := context.Background()
	repo, _, _ := newTestRepo(t)

	conv, err := repo.CreateConversation(ctx, "")
	require.NoError(t, err)

	assert.NotEmpty(t, conv.ID)
	assert.Equal(t, model.DefaultTitle, conv.Title)
	assert.Empty(t, conv.Messages)
	assert.Equal(t, conv.CreatedAt, conv.UpdatedAt)
	assert.Empty(t, conv.FolderID)

	got, err := repo.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, got.ID)
	assert.True(t, got.CreatedAt.Equal(conv.CreatedAt))
}

func TestCreateConversation_Title(t *testing.T) {
	repo, _, _ := newTestRepo(t)
	conv, err := repo.CreateConversation(context.Background(), "  Trip planning ")
	require.NoError(t, err)
	assert.Equal(t, "Trip planning", conv.Title)
}

func TestGetConversation_NotFound(t *testing.T) {
	repo, _, _ := newTestRepo(t)
	_, err := repo.GetConversation(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrConversationNotFound)
}

func TestAddMessage_AutoTitleOnce(t *testing.T) {
	ctx := context.Background()
	repo, _, _ := newTestRepo(t)
	conv, err := repo.CreateConversation(ctx, "")
	require.NoError(t, err)

	first := "Explain quicksort in detail please explain the algorithm with examples and code"
	_, err = repo.AddMessage(ctx, conv.ID, model.NewMessage(model.RoleUser, first))
	require.NoError(t, err)

	got, err := repo.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	want := strings.TrimSpace(first[:50])
	assert.Equal(t, want, got.Title)

	_, err = repo.AddMessage(ctx, conv.ID, model.NewMessage(model.RoleUser, "Something else entirely"))
	require.NoError(t, err)
	got, err = repo.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, want, got.Title, "title must not change after the first user message")
}

func TestAddMessage_AssistantDoesNotTitle(t *testing.T) {
	ctx := context.Background()
	repo, _, _ := newTestRepo(t)
	conv, _ := repo.CreateConversation(ctx, "")

	_, err := repo.AddMessage(ctx, conv.ID, model.NewMessage(model.RoleAssistant, "Hello there"))
	require.NoError(t, err)
	got, _ := repo.GetConversation(ctx, conv.ID)
	assert.Equal(t, model.DefaultTitle, got.Title)
}

func TestAddMessage_ExplicitTitleKept(t *testing.T) {
	ctx := context.Background()
	repo, _, _ := newTestRepo(t)
	conv, _ := repo.CreateConversation(ctx, "Mine")

	_, err := repo.AddMessage(ctx, conv.ID, model.NewMessage(model.RoleUser, "hello"))
	require.NoError(t, err)
	got, _ := repo.GetConversation(ctx, conv.ID)
	assert.Equal(t, "Mine", got.Title)
}

func TestAddMessage_UpdatedAtMonotonic(t *testing.T) {
	ctx := context.Background()
	repo, _, clock := newTestRepo(t)
	conv, _ := repo.CreateConversation(ctx, "")

	prev := conv.UpdatedAt
	for i := 0; i < 5; i++ {
		msg, err := repo.AddMessage(ctx, conv.ID, model.NewMessage(model.RoleUser, "m"))
		require.NoError(t, err)

		got, err := repo.GetConversation(ctx, conv.ID)
		require.NoError(t, err)
		assert.False(t, got.UpdatedAt.Before(prev), "UpdatedAt went backwards")
		assert.True(t, got.UpdatedAt.After(prev))
		assert.Equal(t, msg.ID, got.LastMessage().ID)
		prev = got.UpdatedAt
	}

	// A clock that jumps backwards must not drag UpdatedAt with it.
	clock.Set(time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC))
	_, err := repo.AddMessage(ctx, conv.ID, model.NewMessage(model.RoleUser, "late"))
	require.NoError(t, err)
	got, _ := repo.GetConversation(ctx, conv.ID)
	assert.True(t, got.UpdatedAt.Equal(prev))
}

func TestAddMessage_PreservesOrderAndFillsFields(t *testing.T) {
	ctx := context.Background()
	repo, _, _ := newTestRepo(t)
	conv, _ := repo.CreateConversation(ctx, "")

	stored, err := repo.AddMessage(ctx, conv.ID, model.Message{Role: model.RoleUser, Content: "one"})
	require.NoError(t, err)
	assert.NotEmpty(t, stored.ID)
	assert.False(t, stored.Timestamp.IsZero())

	_, err = repo.AddMessage(ctx, conv.ID, model.Message{Role: model.RoleAssistant, Content: "two"})
	require.NoError(t, err)
	_, err = repo.AddMessage(ctx, conv.ID, model.Message{Role: model.RoleUser, Content: "three"})
	require.NoError(t, err)

	got, _ := repo.GetConversation(ctx, conv.ID)
	var contents []string
	for _, m := range got.Messages {
		contents = append(contents, m.Content)
	}
	assert.Equal(t, []string{"one", "two", "three"}, contents)
}

func TestAddMessage_Errors(t *testing.T) {
	ctx := context.Background()
	repo, _, _ := newTestRepo(t)
	conv, _ := repo.CreateConversation(ctx, "")

	_, err := repo.AddMessage(ctx, "missing", model.NewMessage(model.RoleUser, "x"))
	assert.ErrorIs(t, err, ErrConversationNotFound)

	_, err = repo.AddMessage(ctx, conv.ID, model.Message{Role: "tool", Content: "x"})
	assert.ErrorIs(t, err, ErrInvalidRole)
}

func TestListConversations_SortedByUpdatedAtDesc(t *testing.T) {
	ctx := context.Background()
	repo, _, _ := newTestRepo(t)

	a, _ := repo.CreateConversation(ctx, "a")
	b, _ := repo.CreateConversation(ctx, "b")
	c, _ := repo.CreateConversation(ctx, "c")

	// Touch a so it becomes the most recent.
	_, err := repo.AddMessage(ctx, a.ID, model.NewMessage(model.RoleUser, "bump"))
	require.NoError(t, err)

	list, err := repo.ListConversations(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []string{a.ID, c.ID, b.ID}, []string{list[0].ID, list[1].ID, list[2].ID})
}

func TestListConversations_Empty(t *testing.T) {
	repo, _, _ := newTestRepo(t)
	list, err := repo.ListConversations(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestUpdateConversation(t *testing.T) {
	ctx := context.Background()
	repo, _, _ := newTestRepo(t)
	conv, _ := repo.CreateConversation(ctx, "")

	title := "Renamed"
	got, err := repo.UpdateConversation(ctx, conv.ID, ConversationPatch{Title: &title})
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Title)
	assert.True(t, got.UpdatedAt.After(conv.UpdatedAt))

	_, err = repo.UpdateConversation(ctx, "missing", ConversationPatch{Title: &title})
	assert.ErrorIs(t, err, ErrConversationNotFound)

	bogus := "no-such-folder"
	_, err = repo.UpdateConversation(ctx, conv.ID, ConversationPatch{FolderID: &bogus})
	assert.ErrorIs(t, err, ErrFolderNotFound)
}

func TestRenameConversation_BlankRestoresDefault(t *testing.T) {
	ctx := context.Background()
	repo, _, _ := newTestRepo(t)
	conv, _ := repo.CreateConversation(ctx, "x")

	got, err := repo.RenameConversation(ctx, conv.ID, "   ")
	require.NoError(t, err)
	assert.Equal(t, model.DefaultTitle, got.Title)
}

func TestDeleteConversation_Idempotent(t *testing.T) {
	ctx := context.Background()
	repo, _, _ := newTestRepo(t)
	conv, _ := repo.CreateConversation(ctx, "")
	keep, _ := repo.CreateConversation(ctx, "keep")

	require.NoError(t, repo.DeleteConversation(ctx, conv.ID))
	require.NoError(t, repo.DeleteConversation(ctx, conv.ID))
	require.NoError(t, repo.DeleteConversation(ctx, "never-existed"))

	list, _ := repo.ListConversations(ctx)
	require.Len(t, list, 1)
	assert.Equal(t, keep.ID, list[0].ID)
}

func TestClearConversations_KeepsFolders(t *testing.T) {
	ctx := context.Background()
	repo, _, _ := newTestRepo(t)
	_, _ = repo.CreateConversation(ctx, "")
	f, _ := repo.CreateFolder(ctx, "Work")

	require.NoError(t, repo.ClearConversations(ctx))

	list, _ := repo.ListConversations(ctx)
	assert.Empty(t, list)
	folders, _ := repo.ListFolders(ctx)
	require.Len(t, folders, 1)
	assert.Equal(t, f.ID, folders[0].ID)
}

func TestSearchConversations(t *testing.T) {
	ctx := context.Background()
	repo, _, _ := newTestRepo(t)
	a, _ := repo.CreateConversation(ctx, "Golang channels")
	b, _ := repo.CreateConversation(ctx, "")
	_, _ = repo.AddMessage(ctx, b.ID, model.NewMessage(model.RoleAssistant, "Use a MUTEX here"))
	_, _ = repo.CreateConversation(ctx, "unrelated")

	got, err := repo.SearchConversations(ctx, "golang")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, a.ID, got[0].ID)

	got, err = repo.SearchConversations(ctx, "mutex")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, b.ID, got[0].ID)
}

// =============================================================================
// READ-MODIFY-WRITE TESTS
// =============================================================================

func TestUpdateMessageContent_LastWriteWins(t *testing.T) {
	ctx := context.Background()
	repo, _, _ := newTestRepo(t)
	conv, _ := repo.CreateConversation(ctx, "")
	msg, _ := repo.AddMessage(ctx, conv.ID, model.NewMessage(model.RoleAssistant, ""))

	for _, content := range []string{"H", "He", "Hello"} {
		require.NoError(t, repo.UpdateMessageContent(ctx, conv.ID, msg.ID, content))
	}

	got, _ := repo.GetConversation(ctx, conv.ID)
	assert.Equal(t, "Hello", got.Messages[0].Content)

	err := repo.UpdateMessageContent(ctx, conv.ID, "nope", "x")
	assert.ErrorIs(t, err, ErrMessageNotFound)
	err = repo.UpdateMessageContent(ctx, "nope", msg.ID, "x")
	assert.ErrorIs(t, err, ErrConversationNotFound)
}

func TestUpdateMessageContent_SeesConcurrentRename(t *testing.T) {
	ctx := context.Background()
	repo, _, _ := newTestRepo(t)
	conv, _ := repo.CreateConversation(ctx, "")
	msg, _ := repo.AddMessage(ctx, conv.ID, model.NewMessage(model.RoleAssistant, ""))

	// A rename lands between two progress writes; neither clobbers the other.
	require.NoError(t, repo.UpdateMessageContent(ctx, conv.ID, msg.ID, "part"))
	_, err := repo.RenameConversation(ctx, conv.ID, "Renamed mid-stream")
	require.NoError(t, err)
	require.NoError(t, repo.UpdateMessageContent(ctx, conv.ID, msg.ID, "partial answer"))

	got, _ := repo.GetConversation(ctx, conv.ID)
	assert.Equal(t, "Renamed mid-stream", got.Title)
	assert.Equal(t, "partial answer", got.Messages[0].Content)
}

func TestUpdateMessageMetadata_Merges(t *testing.T) {
	ctx := context.Background()
	repo, _, _ := newTestRepo(t)
	conv, _ := repo.CreateConversation(ctx, "")
	msg, _ := repo.AddMessage(ctx, conv.ID, model.NewMessage(model.RoleAssistant, ""))

	require.NoError(t, repo.UpdateMessageMetadata(ctx, conv.ID, msg.ID, &model.Metadata{Model: "llama3", Provider: "ollama"}))
	require.NoError(t, repo.UpdateMessageMetadata(ctx, conv.ID, msg.ID, &model.Metadata{Tokens: 12}))
	require.NoError(t, repo.UpdateMessageMetadata(ctx, conv.ID, msg.ID, nil))

	got, _ := repo.GetConversation(ctx, conv.ID)
	require.NotNil(t, got.Messages[0].Metadata)
	assert.Equal(t, model.Metadata{Model: "llama3", Provider: "ollama", Tokens: 12}, *got.Messages[0].Metadata)
}

func TestMutate_FailureWritesNothing(t *testing.T) {
	ctx := context.Background()
	repo, _, _ := newTestRepo(t)
	conv, _ := repo.CreateConversation(ctx, "orig")

	boom := errors.New("boom")
	_, err := repo.Mutate(ctx, conv.ID, func(c *model.Conversation) error {
		c.Title = "changed"
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, _ := repo.GetConversation(ctx, conv.ID)
	assert.Equal(t, "orig", got.Title)
	assert.Equal(t, conv.Revision, got.Revision)
}

func TestMutateAt_RevisionConflict(t *testing.T) {
	ctx := context.Background()
	repo, _, _ := newTestRepo(t)
	conv, _ := repo.CreateConversation(ctx, "")

	updated, err := repo.MutateAt(ctx, conv.ID, conv.Revision, func(c *model.Conversation) error {
		c.Title = "first"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, conv.Revision+1, updated.Revision)

	// Stale revision.
	_, err = repo.MutateAt(ctx, conv.ID, conv.Revision, func(c *model.Conversation) error {
		c.Title = "second"
		return nil
	})
	assert.ErrorIs(t, err, ErrRevisionConflict)

	got, _ := repo.GetConversation(ctx, conv.ID)
	assert.Equal(t, "first", got.Title)
}

func TestMutate_CannotChangeID(t *testing.T) {
	ctx := context.Background()
	repo, _, _ := newTestRepo(t)
	conv, _ := repo.CreateConversation(ctx, "")

	_, err := repo.Mutate(ctx, conv.ID, func(c *model.Conversation) error {
		c.ID = "hijacked"
		return nil
	})
	require.NoError(t, err)
	_, err = repo.GetConversation(ctx, conv.ID)
	assert.NoError(t, err)
}

func TestRepository_ConcurrentWritersDoNotLoseUpdates(t *testing.T) {
	ctx := context.Background()
	repo, _, _ := newTestRepo(t)
	conv, _ := repo.CreateConversation(ctx, "")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.AddMessage(ctx, conv.ID, model.NewMessage(model.RoleUser, "m"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, _ := repo.GetConversation(ctx, conv.ID)
	assert.Len(t, got.Messages, 20)
}

// =============================================================================
// PERSISTENCE TESTS
// =============================================================================

func TestRepository_CorruptBlobResetsToEmpty(t *testing.T) {
	ctx := context.Background()
	var logs bytes.Buffer
	m := metrics.New()
	repo, backend, _ := newTestRepo(t, WithLogger(zerolog.New(&logs)), WithMetrics(m))
	require.NoError(t, backend.Set(ctx, DefaultKey, []byte("{not json")))

	list, err := repo.ListConversations(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)

	folders, err := repo.ListFolders(ctx)
	require.NoError(t, err)
	assert.Empty(t, folders)

	assert.Contains(t, logs.String(), "state blob is unreadable")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.StoreCorruptionTotal))

	// The store stays usable and the next write replaces the bad blob.
	conv, err := repo.CreateConversation(ctx, "")
	require.NoError(t, err)
	raw, _ := backend.Get(ctx, DefaultKey)
	assert.True(t, json.Valid(raw))
	assert.Contains(t, string(raw), conv.ID)
}

func TestRepository_ToleratesMissingFields(t *testing.T) {
	ctx := context.Background()
	repo, backend, _ := newTestRepo(t)
	blob := `{"conversations":[{"id":"c1","title":"Old","createdAt":"2024-01-01T00:00:00Z","updatedAt":"2024-01-02T00:00:00Z","messages":[{"id":"m1","role":"user","content":"hi","timestamp":"2024-01-01T00:00:00Z"}]}]}`
	require.NoError(t, backend.Set(ctx, DefaultKey, []byte(blob)))

	got, err := repo.GetConversation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "Old", got.Title)
	assert.Empty(t, got.FolderID)
	assert.Nil(t, got.Messages[0].Metadata)
	assert.Equal(t, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), got.UpdatedAt)

	folders, err := repo.ListFolders(ctx)
	require.NoError(t, err)
	assert.Empty(t, folders)
}

func TestRepository_BlobShape(t *testing.T) {
	ctx := context.Background()
	repo, backend, _ := newTestRepo(t)
	_, err := repo.CreateConversation(ctx, "")
	require.NoError(t, err)

	raw, _ := backend.Get(ctx, DefaultKey)
	var generic map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &generic))
	assert.Equal(t, "[]", string(generic["folders"]))
	assert.Contains(t, generic, "conversations")
}

func TestRepository_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	b1, err := OpenBoltBackend(filepath.Join(dir, "rigchat.db"))
	require.NoError(t, err)
	repo := NewRepository(b1)
	conv, err := repo.CreateConversation(ctx, "")
	require.NoError(t, err)
	_, err = repo.AddMessage(ctx, conv.ID, model.NewMessage(model.RoleUser, "persist me"))
	require.NoError(t, err)
	require.NoError(t, b1.Close())

	b2, err := OpenBoltBackend(filepath.Join(dir, "rigchat.db"))
	require.NoError(t, err)
	defer b2.Close()
	got, err := NewRepository(b2).GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "persist me", got.Title)
	assert.Equal(t, "persist me", got.Messages[0].Content)
}
