// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jeranaias/rigchat/internal/cloud"
	"github.com/jeranaias/rigchat/internal/metrics"
	"github.com/jeranaias/rigchat/internal/model"
	"github.com/jeranaias/rigchat/internal/session"
	"github.com/jeranaias/rigchat/internal/storage"
)

// DefaultMaxContextMessages is how many prior messages are sent with a
// request when the config does not say otherwise.
const DefaultMaxContextMessages = 20

// ErrorAnnotationPrefix starts the text written into an assistant message
// whose send failed.
const ErrorAnnotationPrefix = "⚠️ Error: "

// ErrNoCurrent is returned by Current before any conversation is selected.
var ErrNoCurrent = errors.New("no conversation selected")

// ValidationError rejects a send before anything touches the network.
type ValidationError struct {
	Field string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s is required", e.Field)
}

// =============================================================================
// STATE
// =============================================================================

// State is the orchestrator's position in a send.
type State int

const (
	StateIdle       State = iota // No send in progress
	StateSending                 // Request issued, nothing received yet
	StateStreaming               // Receiving chunks
	StateCompleting              // Waiting for a non-streaming reply
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSending:
		return "sending"
	case StateStreaming:
		return "streaming"
	case StateCompleting:
		return "completing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// =============================================================================
// COLLABORATORS
// =============================================================================

// Transport sends chat requests. *cloud.Client implements it.
type Transport interface {
	StreamChat(ctx context.Context, req cloud.ChatRequest, onProgress cloud.ProgressFunc) (cloud.StreamResult, error)
	Chat(ctx context.Context, req cloud.ChatRequest) (*cloud.ChatResponse, error)
}

// Store is the part of the conversation repository the orchestrator
// writes through. *storage.Repository implements it.
type Store interface {
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
	CreateConversation(ctx context.Context, title string) (*model.Conversation, error)
	AddMessage(ctx context.Context, conversationID string, msg model.Message) (*model.Message, error)
	UpdateMessageContent(ctx context.Context, conversationID, messageID, content string) error
	UpdateMessageMetadata(ctx context.Context, conversationID, messageID string, meta *model.Metadata) error
}

// Config holds orchestrator settings and optional collaborators.
type Config struct {
	// MaxContextMessages bounds the history sent with each request.
	MaxContextMessages int

	// Streaming selects the streaming endpoint.
	Streaming bool

	// SystemPrompt, when set, is sent ahead of the history.
	SystemPrompt string

	// Session is told when the service rejects the credential.
	Session session.Invalidator

	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

// SendRequest is one user turn.
type SendRequest struct {
	// ConversationID names the target; empty or unknown starts a new one.
	ConversationID string
	Content        string
	Provider       string
	Model          string

	// OnProgress, if set, sees the reply text after each stored tick.
	OnProgress func(content string)
}

// SendResult reports how a send ended.
type SendResult struct {
	ConversationID     string
	UserMessageID      string
	AssistantMessageID string

	// Content is the reply as stored: complete, partial on cancellation, or
	// the error annotation on failure.
	Content   string
	Model     string
	Provider  string
	Cancelled bool
	Duration  time.Duration
}

// =============================================================================
// ORCHESTRATOR
// =============================================================================

type activeSend struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Orchestrator runs at most one send at a time.
type Orchestrator struct {
	store     Store
	transport Transport
	cfg       Config
	log       zerolog.Logger

	mu      sync.Mutex
	state   State
	active  *activeSend
	current string
}

// New creates an orchestrator.
func New(store Store, transport Transport, cfg Config) *Orchestrator {
	if cfg.MaxContextMessages <= 0 {
		cfg.MaxContextMessages = DefaultMaxContextMessages
	}
	return &Orchestrator{
		store:     store,
		transport: transport,
		cfg:       cfg,
		log:       cfg.Logger.With().Str("component", "chat").Logger(),
	}
}

// State returns the current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

// Busy reports whether a send is in progress.
func (o *Orchestrator) Busy() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active != nil
}

// Cancel requests cancellation of the active send, if any.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active != nil {
		o.active.cancel()
	}
}

// CurrentID returns the selected conversation ID, or "".
func (o *Orchestrator) CurrentID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current
}

// Current re-reads the selected conversation from the store.
func (o *Orchestrator) Current(ctx context.Context) (*model.Conversation, error) {
	id := o.CurrentID()
	if id == "" {
		return nil, ErrNoCurrent
	}
	return o.store.GetConversation(ctx, id)
}

// Select makes id the current conversation.
func (o *Orchestrator) Select(ctx context.Context, id string) (*model.Conversation, error) {
	conv, err := o.store.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	o.setCurrent(conv.ID)
	return conv, nil
}

// NewConversation creates an empty conversation and selects it.
func (o *Orchestrator) NewConversation(ctx context.Context, title string) (*model.Conversation, error) {
	conv, err := o.store.CreateConversation(ctx, title)
	if err != nil {
		return nil, err
	}
	o.setCurrent(conv.ID)
	return conv, nil
}

func (o *Orchestrator) setCurrent(id string) {
	o.mu.Lock()
	o.current = id
	o.mu.Unlock()
}

// begin cancels any send in flight, waits for it to unwind, and registers
// a new one.
func (o *Orchestrator) begin(ctx context.Context) (context.Context, func()) {
	o.mu.Lock()
	for o.active != nil {
		prev := o.active
		prev.cancel()
		o.mu.Unlock()
		<-prev.done
		o.mu.Lock()
	}

	sendCtx, cancel := context.WithCancel(ctx)
	a := &activeSend{cancel: cancel, done: make(chan struct{})}
	o.active = a
	o.state = StateSending
	o.mu.Unlock()

	return sendCtx, func() {
		cancel()
		o.mu.Lock()
		if o.active == a {
			o.active = nil
			o.state = StateIdle
		}
		o.mu.Unlock()
		close(a.done)
	}
}

// Send runs one user turn to completion, cancellation, or failure.
//
// A cancelled send returns a result with Cancelled set and a nil error.
// A failed send returns the partial result together with the error, after
// writing the error annotation into the assistant message.
func (o *Orchestrator) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	sendCtx, end := o.begin(ctx)
	defer end()

	// Store writes outlive cancellation so the last tick and any error
	// annotation always land.
	storeCtx := context.WithoutCancel(ctx)
	start := time.Now()

	conv, err := o.ensureConversation(storeCtx, req.ConversationID)
	if err != nil {
		return nil, err
	}
	o.setCurrent(conv.ID)

	// Messages go in unstamped so the repository clock dates them.
	userMsg, err := o.store.AddMessage(storeCtx, conv.ID, model.Message{Role: model.RoleUser, Content: req.Content})
	if err != nil {
		return nil, fmt.Errorf("failed to add user message: %w", err)
	}
	placeholder, err := o.store.AddMessage(storeCtx, conv.ID, model.Message{Role: model.RoleAssistant})
	if err != nil {
		return nil, fmt.Errorf("failed to add assistant placeholder: %w", err)
	}

	res := &SendResult{
		ConversationID:     conv.ID,
		UserMessageID:      userMsg.ID,
		AssistantMessageID: placeholder.ID,
	}

	fresh, err := o.store.GetConversation(storeCtx, conv.ID)
	if err != nil {
		return nil, err
	}
	chatReq := cloud.ChatRequest{
		Messages:           o.history(fresh, placeholder.ID),
		Provider:           req.Provider,
		Model:              req.Model,
		MaxContextMessages: o.cfg.MaxContextMessages,
	}

	o.log.Debug().
		Str("conversation", conv.ID).
		Str("provider", req.Provider).
		Str("model", req.Model).
		Int("history", len(chatReq.Messages)).
		Bool("streaming", o.cfg.Streaming).
		Msg("sending")

	var sendErr error
	if o.cfg.Streaming {
		sendErr = o.stream(sendCtx, storeCtx, chatReq, req.OnProgress, res)
	} else {
		sendErr = o.complete(sendCtx, storeCtx, chatReq, req.OnProgress, res)
	}
	res.Duration = time.Since(start)

	switch {
	case sendErr == nil:
		o.observe(metrics.OutcomeSuccess)
		return res, nil

	case errors.Is(sendErr, cloud.ErrCancelled) || sendCtx.Err() != nil:
		res.Cancelled = true
		o.observe(metrics.OutcomeCancelled)
		o.log.Debug().Str("conversation", conv.ID).Msg("send cancelled")
		return res, nil
	}

	o.observe(metrics.OutcomeError)
	o.fail(storeCtx, res, sendErr)
	return res, sendErr
}

func validate(req SendRequest) error {
	switch {
	case strings.TrimSpace(req.Content) == "":
		return &ValidationError{Field: "content"}
	case strings.TrimSpace(req.Provider) == "":
		return &ValidationError{Field: "provider"}
	case strings.TrimSpace(req.Model) == "":
		return &ValidationError{Field: "model"}
	}
	return nil
}

// ensureConversation loads id, creating a new conversation when id is
// empty or no longer exists.
func (o *Orchestrator) ensureConversation(ctx context.Context, id string) (*model.Conversation, error) {
	if id != "" {
		conv, err := o.store.GetConversation(ctx, id)
		if err == nil {
			return conv, nil
		}
		if !errors.Is(err, storage.ErrConversationNotFound) {
			return nil, err
		}
		o.log.Info().Str("conversation", id).Msg("conversation is gone, starting a new one")
	}
	conv, err := o.store.CreateConversation(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	return conv, nil
}

// history builds the request messages: everything but the placeholder and
// empty messages, keeping the most recent MaxContextMessages. Error
// annotations on earlier replies are local and never sent; only the partial
// reply above one is kept.
func (o *Orchestrator) history(conv *model.Conversation, placeholderID string) []cloud.Message {
	msgs := make([]cloud.Message, 0, len(conv.Messages))
	for _, m := range conv.Messages {
		if m.ID == placeholderID || m.IsEmpty() {
			continue
		}
		content := m.Content
		if m.Role == model.RoleAssistant {
			if content = StripErrorAnnotation(content); content == "" {
				continue
			}
		}
		msgs = append(msgs, cloud.Message{Role: string(m.Role), Content: content})
	}
	if n := o.cfg.MaxContextMessages; len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	if o.cfg.SystemPrompt != "" {
		msgs = append([]cloud.Message{cloud.NewSystemMessage(o.cfg.SystemPrompt)}, msgs...)
	}
	return msgs
}

// stream writes every tick into the placeholder.
func (o *Orchestrator) stream(ctx, storeCtx context.Context, req cloud.ChatRequest, onProgress func(string), res *SendResult) error {
	convID, msgID := res.ConversationID, res.AssistantMessageID

	req.OnMetadata = func(modelName, provider string) {
		res.Model, res.Provider = modelName, provider
		meta := &model.Metadata{Model: modelName, Provider: provider}
		if err := o.store.UpdateMessageMetadata(storeCtx, convID, msgID, meta); err != nil {
			o.log.Warn().Err(err).Msg("failed to record response metadata")
		}
	}

	first := true
	sr, err := o.transport.StreamChat(ctx, req, func(text string) {
		if first {
			o.setState(StateStreaming)
			first = false
		}
		if werr := o.store.UpdateMessageContent(storeCtx, convID, msgID, text); werr != nil {
			o.log.Warn().Err(werr).Msg("failed to store streaming tick")
			return
		}
		res.Content = text
		if onProgress != nil {
			onProgress(text)
		}
	})
	if res.Model == "" && sr.Model != "" {
		res.Model, res.Provider = sr.Model, sr.Provider
	}
	return err
}

// complete performs a non-streaming request and stores the reply once.
func (o *Orchestrator) complete(ctx, storeCtx context.Context, req cloud.ChatRequest, onProgress func(string), res *SendResult) error {
	o.setState(StateCompleting)

	resp, err := o.transport.Chat(ctx, req)
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		return cloud.ErrCancelled
	}

	if err := o.store.UpdateMessageContent(storeCtx, res.ConversationID, res.AssistantMessageID, resp.Response); err != nil {
		return fmt.Errorf("failed to store reply: %w", err)
	}
	res.Content = resp.Response
	res.Model, res.Provider = resp.Model, resp.Provider

	if resp.Model != "" || resp.Provider != "" {
		meta := &model.Metadata{Model: resp.Model, Provider: resp.Provider}
		if err := o.store.UpdateMessageMetadata(storeCtx, res.ConversationID, res.AssistantMessageID, meta); err != nil {
			o.log.Warn().Err(err).Msg("failed to record response metadata")
		}
	}
	if onProgress != nil {
		onProgress(resp.Response)
	}
	return nil
}

// fail writes the error annotation and signals the session on auth errors.
func (o *Orchestrator) fail(storeCtx context.Context, res *SendResult, sendErr error) {
	var authErr *cloud.AuthError
	if errors.As(sendErr, &authErr) && o.cfg.Session != nil {
		o.cfg.Session.Invalidate(session.ReasonAuthFailed)
	}

	res.Content = ErrorAnnotation(res.Content, sendErr)
	if err := o.store.UpdateMessageContent(storeCtx, res.ConversationID, res.AssistantMessageID, res.Content); err != nil {
		o.log.Warn().Err(err).Msg("failed to store error annotation")
	}
	o.log.Warn().Err(sendErr).Str("conversation", res.ConversationID).Msg("send failed")
}

func (o *Orchestrator) observe(outcome string) {
	if o.cfg.Metrics != nil {
		o.cfg.Metrics.SendsTotal.WithLabelValues(outcome).Inc()
	}
}

// ErrorAnnotation renders err below any partial reply.
func ErrorAnnotation(partial string, err error) string {
	note := ErrorAnnotationPrefix + err.Error()
	if strings.TrimSpace(partial) == "" {
		return note
	}
	return strings.TrimRight(partial, "\n") + "\n\n" + note
}

// IsErrorAnnotation reports whether content ends in an error annotation.
func IsErrorAnnotation(content string) bool {
	return strings.HasPrefix(content, ErrorAnnotationPrefix) ||
		strings.Contains(content, "\n\n"+ErrorAnnotationPrefix)
}

// StripErrorAnnotation returns content without a trailing error annotation.
// A reply that is only an annotation strips to "".
func StripErrorAnnotation(content string) string {
	if !IsErrorAnnotation(content) {
		return content
	}
	if strings.HasPrefix(content, ErrorAnnotationPrefix) {
		return ""
	}
	if i := strings.LastIndex(content, "\n\n"+ErrorAnnotationPrefix); i >= 0 {
		return content[:i]
	}
	return content
}
