// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/rigchat/internal/cloud"
	"github.com/jeranaias/rigchat/internal/metrics"
	"github.com/jeranaias/rigchat/internal/model"
	"github.com/jeranaias/rigchat/internal/session"
	"github.com/jeranaias/rigchat/internal/storage"
)

// fakeTransport lets each test script the service.
type fakeTransport struct {
	mu       sync.Mutex
	requests []cloud.ChatRequest

	stream func(ctx context.Context, req cloud.ChatRequest, onProgress cloud.ProgressFunc) (cloud.StreamResult, error)
	chat   func(ctx context.Context, req cloud.ChatRequest) (*cloud.ChatResponse, error)
}

func (f *fakeTransport) record(req cloud.ChatRequest) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
}

func (f *fakeTransport) calls() []cloud.ChatRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]cloud.ChatRequest(nil), f.requests...)
}

func (f *fakeTransport) StreamChat(ctx context.Context, req cloud.ChatRequest, onProgress cloud.ProgressFunc) (cloud.StreamResult, error) {
	f.record(req)
	return f.stream(ctx, req, onProgress)
}

func (f *fakeTransport) Chat(ctx context.Context, req cloud.ChatRequest) (*cloud.ChatResponse, error) {
	f.record(req)
	return f.chat(ctx, req)
}

// ticks returns a stream func that emits each text as a tick, then done.
func ticks(texts ...string) func(context.Context, cloud.ChatRequest, cloud.ProgressFunc) (cloud.StreamResult, error) {
	return func(ctx context.Context, req cloud.ChatRequest, onProgress cloud.ProgressFunc) (cloud.StreamResult, error) {
		var res cloud.StreamResult
		for _, s := range texts {
			res.Content = s
			res.Frames++
			onProgress(s)
		}
		res.Done = true
		return res, nil
	}
}

func newRepo() *storage.Repository {
	return storage.NewRepository(storage.NewMemoryBackend())
}

func sendReq(conversationID, content string) SendRequest {
	return SendRequest{
		ConversationID: conversationID,
		Content:        content,
		Provider:       "ollama",
		Model:          "llama3.2:1b",
	}
}

func storedReply(t *testing.T, repo *storage.Repository, res *SendResult) model.Message {
	t.Helper()
	conv, err := repo.GetConversation(context.Background(), res.ConversationID)
	require.NoError(t, err)
	i := conv.FindMessage(res.AssistantMessageID)
	require.GreaterOrEqual(t, i, 0, "assistant message missing")
	return conv.Messages[i]
}

// =============================================================================
// SEND
// =============================================================================

func TestSend_ValidationBeforeNetwork(t *testing.T) {
	tests := []struct {
		name  string
		req   SendRequest
		field string
	}{
		{"missing provider", SendRequest{Content: "hi", Model: "m"}, "provider"},
		{"missing model", SendRequest{Content: "hi", Provider: "p"}, "model"},
		{"blank content", SendRequest{Content: "  ", Provider: "p", Model: "m"}, "content"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newRepo()
			ft := &fakeTransport{stream: ticks("never")}
			o := New(repo, ft, Config{Streaming: true})

			res, err := o.Send(context.Background(), tt.req)
			assert.Nil(t, res)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)

			assert.Empty(t, ft.calls(), "transport must not be called")
			convs, err := repo.ListConversations(context.Background())
			require.NoError(t, err)
			assert.Empty(t, convs)
			assert.Equal(t, StateIdle, o.State())
		})
	}
}

func TestSend_StreamWritesEveryTick(t *testing.T) {
	repo := newRepo()
	o := New(repo, &fakeTransport{stream: ticks("Hel", "Hello")}, Config{Streaming: true})

	var seen []string
	req := sendReq("", "Explain quicksort")
	req.OnProgress = func(text string) {
		// Each tick is visible in the store before the caller hears of it.
		conv, err := o.Current(context.Background())
		require.NoError(t, err)
		assert.Equal(t, text, conv.LastMessage().Content)
		assert.Equal(t, StateStreaming, o.State())
		seen = append(seen, text)
	}

	res, err := o.Send(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, res.Cancelled)
	assert.Equal(t, "Hello", res.Content)
	assert.Equal(t, []string{"Hel", "Hello"}, seen)
	assert.Equal(t, StateIdle, o.State())

	conv, err := repo.GetConversation(context.Background(), res.ConversationID)
	require.NoError(t, err)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, model.RoleUser, conv.Messages[0].Role)
	assert.Equal(t, "Explain quicksort", conv.Messages[0].Content)
	assert.Equal(t, model.RoleAssistant, conv.Messages[1].Role)
	assert.Equal(t, res.AssistantMessageID, conv.Messages[1].ID)
	assert.Equal(t, "Hello", conv.Messages[1].Content)
	assert.Equal(t, "Explain quicksort", conv.Title)
	assert.Equal(t, res.ConversationID, o.CurrentID())
}

// TestSend_ThroughClient runs the full path against a service that sends
// cumulative chunk frames and a metadata frame.
func TestSend_ThroughClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, f := range []string{
			`{"type":"metadata","model":"llama3.2:1b","provider":"ollama"}`,
			`{"type":"chunk","content":"Hel"}`,
			`{"type":"chunk","content":"Hello"}`,
			`{"type":"done"}`,
		} {
			fmt.Fprintf(w, "data: %s\n\n", f)
			w.(http.Flusher).Flush()
		}
	}))
	defer srv.Close()

	client, err := cloud.NewClient(srv.URL, cloud.WithAnonymous(true))
	require.NoError(t, err)

	repo := newRepo()
	o := New(repo, client, Config{Streaming: true})
	res, err := o.Send(context.Background(), sendReq("", "hi"))
	require.NoError(t, err)

	msg := storedReply(t, repo, res)
	assert.Equal(t, "Hello", msg.Content)
	require.NotNil(t, msg.Metadata)
	assert.Equal(t, "llama3.2:1b", msg.Metadata.Model)
	assert.Equal(t, "ollama", msg.Metadata.Provider)
	assert.Equal(t, "ollama", res.Provider)
}

func TestSend_CancelAfterTwoTicks(t *testing.T) {
	repo := newRepo()
	m := metrics.New()
	ft := &fakeTransport{
		stream: func(ctx context.Context, req cloud.ChatRequest, onProgress cloud.ProgressFunc) (cloud.StreamResult, error) {
			onProgress("first")
			onProgress("first second")
			<-ctx.Done()
			return cloud.StreamResult{Content: "first second"}, cloud.ErrCancelled
		},
	}
	o := New(repo, ft, Config{Streaming: true, Metrics: m})

	var n int
	req := sendReq("", "hi")
	req.OnProgress = func(string) {
		n++
		if n == 2 {
			o.Cancel()
		}
	}

	res, err := o.Send(context.Background(), req)
	require.NoError(t, err, "cancellation is not a failure")
	assert.True(t, res.Cancelled)

	msg := storedReply(t, repo, res)
	assert.Equal(t, "first second", msg.Content)
	assert.False(t, IsErrorAnnotation(msg.Content))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SendsTotal.WithLabelValues(metrics.OutcomeCancelled)))
	assert.Equal(t, StateIdle, o.State())
	assert.False(t, o.Busy())
}

func TestSend_ParentContextCancelled(t *testing.T) {
	repo := newRepo()
	ctx, cancel := context.WithCancel(context.Background())
	ft := &fakeTransport{
		stream: func(sctx context.Context, req cloud.ChatRequest, onProgress cloud.ProgressFunc) (cloud.StreamResult, error) {
			onProgress("partial")
			cancel()
			<-sctx.Done()
			return cloud.StreamResult{Content: "partial"}, cloud.ErrCancelled
		},
	}
	o := New(repo, ft, Config{Streaming: true})

	res, err := o.Send(ctx, sendReq("", "hi"))
	require.NoError(t, err)
	assert.True(t, res.Cancelled)
	assert.Equal(t, "partial", storedReply(t, repo, res).Content)
}

func TestSend_FailureKeepsPartialAndAnnotates(t *testing.T) {
	repo := newRepo()
	m := metrics.New()
	ft := &fakeTransport{
		stream: func(ctx context.Context, req cloud.ChatRequest, onProgress cloud.ProgressFunc) (cloud.StreamResult, error) {
			onProgress("partial answer")
			return cloud.StreamResult{Content: "partial answer"}, &cloud.StreamError{Message: "model crashed"}
		},
	}
	o := New(repo, ft, Config{Streaming: true, Metrics: m})

	res, err := o.Send(context.Background(), sendReq("", "hi"))
	var se *cloud.StreamError
	require.ErrorAs(t, err, &se)
	require.NotNil(t, res)
	assert.False(t, res.Cancelled)

	want := "partial answer\n\n" + ErrorAnnotationPrefix + "model crashed"
	assert.Equal(t, want, storedReply(t, repo, res).Content)
	assert.Equal(t, want, res.Content)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SendsTotal.WithLabelValues(metrics.OutcomeError)))

	// The repository stays usable after a failure.
	ft.stream = ticks("recovered")
	res2, err := o.Send(context.Background(), sendReq(res.ConversationID, "again"))
	require.NoError(t, err)
	assert.Equal(t, res.ConversationID, res2.ConversationID)
	assert.Equal(t, "recovered", storedReply(t, repo, res2).Content)
}

func TestSend_AuthErrorInvalidatesSession(t *testing.T) {
	sess, err := session.NewManager(session.DefaultConfig(), zerolog.Nop())
	require.NoError(t, err)
	sess.UseToken("tok")

	var reason string
	sess.OnLogout(func(r string) { reason = r })

	repo := newRepo()
	ft := &fakeTransport{
		stream: func(ctx context.Context, req cloud.ChatRequest, onProgress cloud.ProgressFunc) (cloud.StreamResult, error) {
			return cloud.StreamResult{}, &cloud.AuthError{Status: http.StatusUnauthorized, Message: "token expired"}
		},
	}
	o := New(repo, ft, Config{Streaming: true, Session: sess})

	res, err := o.Send(context.Background(), sendReq("", "hi"))
	var ae *cloud.AuthError
	require.ErrorAs(t, err, &ae)
	assert.False(t, sess.LoggedIn())
	assert.Equal(t, session.ReasonAuthFailed, reason)

	content := storedReply(t, repo, res).Content
	assert.True(t, IsErrorAnnotation(content))
	assert.Contains(t, content, "token expired")
}

func TestSend_NonStreaming(t *testing.T) {
	repo := newRepo()
	var stateDuring State
	var o *Orchestrator
	ft := &fakeTransport{
		chat: func(ctx context.Context, req cloud.ChatRequest) (*cloud.ChatResponse, error) {
			stateDuring = o.State()
			return &cloud.ChatResponse{Response: "Hi there", Model: "gemini-2.0-flash", Provider: "gemini"}, nil
		},
	}
	o = New(repo, ft, Config{Streaming: false})

	res, err := o.Send(context.Background(), sendReq("", "hello"))
	require.NoError(t, err)
	assert.Equal(t, StateCompleting, stateDuring)
	assert.Equal(t, "Hi there", res.Content)

	msg := storedReply(t, repo, res)
	assert.Equal(t, "Hi there", msg.Content)
	require.NotNil(t, msg.Metadata)
	assert.Equal(t, "gemini", msg.Metadata.Provider)
}

func TestSend_NonStreamingFailure(t *testing.T) {
	repo := newRepo()
	ft := &fakeTransport{
		chat: func(ctx context.Context, req cloud.ChatRequest) (*cloud.ChatResponse, error) {
			return nil, &cloud.TransportError{Status: 500, Message: "boom"}
		},
	}
	o := New(repo, ft, Config{})

	res, err := o.Send(context.Background(), sendReq("", "hello"))
	var te *cloud.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, ErrorAnnotationPrefix+"service error (HTTP 500): boom", storedReply(t, repo, res).Content)
}

func TestSend_ErrorAnnotationNotSentAsHistory(t *testing.T) {
	repo := newRepo()
	ft := &fakeTransport{
		stream: func(ctx context.Context, req cloud.ChatRequest, onProgress cloud.ProgressFunc) (cloud.StreamResult, error) {
			return cloud.StreamResult{}, &cloud.StreamError{Message: "model overloaded"}
		},
	}
	o := New(repo, ft, Config{Streaming: true})
	ctx := context.Background()

	res, err := o.Send(ctx, sendReq("", "first"))
	require.Error(t, err)
	assert.Equal(t, ErrorAnnotationPrefix+"model overloaded", storedReply(t, repo, res).Content)

	ft.stream = func(ctx context.Context, req cloud.ChatRequest, onProgress cloud.ProgressFunc) (cloud.StreamResult, error) {
		onProgress("half an answer")
		return cloud.StreamResult{Content: "half an answer"}, &cloud.StreamError{Message: "cut off"}
	}
	_, err = o.Send(ctx, sendReq(res.ConversationID, "second"))
	require.Error(t, err)

	ft.stream = ticks("fine")
	_, err = o.Send(ctx, sendReq(res.ConversationID, "third"))
	require.NoError(t, err)

	calls := ft.calls()
	require.Len(t, calls, 3)
	assert.Equal(t, []cloud.Message{
		{Role: "user", Content: "first"},
		{Role: "user", Content: "second"},
	}, calls[1].Messages)
	assert.Equal(t, []cloud.Message{
		{Role: "user", Content: "first"},
		{Role: "user", Content: "second"},
		{Role: "assistant", Content: "half an answer"},
		{Role: "user", Content: "third"},
	}, calls[2].Messages)
}

func TestSend_MessagesUseRepositoryClock(t *testing.T) {
	fixed := time.Date(2025, 3, 14, 15, 9, 26, 0, time.UTC)
	repo := storage.NewRepository(storage.NewMemoryBackend(), storage.WithClock(func() time.Time { return fixed }))
	o := New(repo, &fakeTransport{stream: ticks("ok")}, Config{Streaming: true})

	res, err := o.Send(context.Background(), sendReq("", "hi"))
	require.NoError(t, err)

	conv, err := repo.GetConversation(context.Background(), res.ConversationID)
	require.NoError(t, err)
	require.Len(t, conv.Messages, 2)
	for _, m := range conv.Messages {
		assert.True(t, m.Timestamp.Equal(fixed), "%s stamped %v", m.Role, m.Timestamp)
		assert.NotEmpty(t, m.ID)
	}
	assert.True(t, conv.UpdatedAt.Equal(fixed))
}

func TestSend_HistoryWindow(t *testing.T) {
	ctx := context.Background()
	repo := newRepo()
	conv, err := repo.CreateConversation(ctx, "")
	require.NoError(t, err)
	for i := 0; i < 30; i++ {
		role := model.RoleUser
		if i%2 == 1 {
			role = model.RoleAssistant
		}
		_, err := repo.AddMessage(ctx, conv.ID, model.NewMessage(role, fmt.Sprintf("m%02d", i)))
		require.NoError(t, err)
	}
	// An empty reply left by an earlier cancelled send is not history.
	_, err = repo.AddMessage(ctx, conv.ID, model.NewMessage(model.RoleAssistant, ""))
	require.NoError(t, err)

	ft := &fakeTransport{stream: ticks("ok")}
	o := New(repo, ft, Config{Streaming: true, MaxContextMessages: 5, SystemPrompt: "be brief"})

	_, err = o.Send(ctx, sendReq(conv.ID, "latest"))
	require.NoError(t, err)

	calls := ft.calls()
	require.Len(t, calls, 1)
	got := calls[0]
	assert.Equal(t, 5, got.MaxContextMessages)
	assert.Equal(t, "ollama", got.Provider)
	assert.Equal(t, []cloud.Message{
		cloud.NewSystemMessage("be brief"),
		{Role: "user", Content: "m26"},
		{Role: "assistant", Content: "m27"},
		{Role: "user", Content: "m28"},
		{Role: "assistant", Content: "m29"},
		{Role: "user", Content: "latest"},
	}, got.Messages)
}

func TestSend_DefaultContextWindow(t *testing.T) {
	o := New(newRepo(), &fakeTransport{}, Config{})
	assert.Equal(t, DefaultMaxContextMessages, o.cfg.MaxContextMessages)
}

func TestSend_UnknownConversationStartsNew(t *testing.T) {
	repo := newRepo()
	o := New(repo, &fakeTransport{stream: ticks("ok")}, Config{Streaming: true})

	res, err := o.Send(context.Background(), sendReq("deleted-id", "hi"))
	require.NoError(t, err)
	assert.NotEqual(t, "deleted-id", res.ConversationID)
	assert.Equal(t, res.ConversationID, o.CurrentID())
}

func TestSend_NewSendCancelsPrevious(t *testing.T) {
	repo := newRepo()
	started := make(chan struct{})
	var call atomic.Int32
	ft := &fakeTransport{
		stream: func(ctx context.Context, req cloud.ChatRequest, onProgress cloud.ProgressFunc) (cloud.StreamResult, error) {
			if call.Add(1) == 1 {
				onProgress("slow")
				close(started)
				select {
				case <-ctx.Done():
					return cloud.StreamResult{Content: "slow"}, cloud.ErrCancelled
				case <-time.After(5 * time.Second):
					return cloud.StreamResult{}, errors.New("first send was never cancelled")
				}
			}
			onProgress("fast")
			return cloud.StreamResult{Content: "fast", Done: true}, nil
		},
	}
	o := New(repo, ft, Config{Streaming: true})

	type outcome struct {
		res *SendResult
		err error
	}
	first := make(chan outcome, 1)
	go func() {
		res, err := o.Send(context.Background(), sendReq("", "one"))
		first <- outcome{res, err}
	}()
	<-started

	res2, err := o.Send(context.Background(), sendReq(o.CurrentID(), "two"))
	require.NoError(t, err)
	assert.Equal(t, "fast", res2.Content)

	out := <-first
	require.NoError(t, out.err)
	assert.True(t, out.res.Cancelled)
	assert.Equal(t, "slow", storedReply(t, repo, out.res).Content)
}

// =============================================================================
// CURRENT CONVERSATION
// =============================================================================

func TestCurrentSelectAndNew(t *testing.T) {
	ctx := context.Background()
	repo := newRepo()
	o := New(repo, &fakeTransport{}, Config{})

	_, err := o.Current(ctx)
	assert.ErrorIs(t, err, ErrNoCurrent)

	a, err := o.NewConversation(ctx, "Alpha")
	require.NoError(t, err)
	assert.Equal(t, a.ID, o.CurrentID())

	b, err := repo.CreateConversation(ctx, "Beta")
	require.NoError(t, err)
	_, err = o.Select(ctx, b.ID)
	require.NoError(t, err)

	// Current is a fresh read, so outside renames show up.
	_, err = repo.RenameConversation(ctx, b.ID, "Beta renamed")
	require.NoError(t, err)
	cur, err := o.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Beta renamed", cur.Title)

	_, err = o.Select(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrConversationNotFound)
	assert.Equal(t, b.ID, o.CurrentID(), "failed select keeps the selection")
}

// =============================================================================
// HELPERS
// =============================================================================

func TestErrorAnnotation(t *testing.T) {
	err := errors.New("connection reset")
	tests := []struct {
		partial string
		want    string
	}{
		{"", ErrorAnnotationPrefix + "connection reset"},
		{"  ", ErrorAnnotationPrefix + "connection reset"},
		{"half\n", "half\n\n" + ErrorAnnotationPrefix + "connection reset"},
	}
	for _, tt := range tests {
		got := ErrorAnnotation(tt.partial, err)
		assert.Equal(t, tt.want, got)
		assert.True(t, IsErrorAnnotation(got))
	}
	assert.False(t, IsErrorAnnotation("a normal reply"))
}

func TestStripErrorAnnotation(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{ErrorAnnotationPrefix + "boom", ""},
		{"half\n\n" + ErrorAnnotationPrefix + "boom", "half"},
		{"a normal reply", "a normal reply"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StripErrorAnnotation(tt.in), tt.in)
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "streaming", StateStreaming.String())
	assert.Equal(t, "state(9)", State(9).String())
}
