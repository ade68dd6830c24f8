// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/jeranaias/rigchat/internal/metrics"
	"github.com/jeranaias/rigchat/internal/offline"
	"github.com/jeranaias/rigchat/internal/session"
)

// Configuration constants for the chat service client.
const (
	// DefaultTimeout bounds non-streaming requests.
	DefaultTimeout = 120 * time.Second

	// DefaultMaxRetries is the number of extra attempts for transient
	// errors on non-streaming requests.
	DefaultMaxRetries = 2

	// retryBaseDelay is the base delay for exponential backoff.
	retryBaseDelay = 500 * time.Millisecond

	// retryMaxDelay is the maximum delay for exponential backoff.
	retryMaxDelay = 10 * time.Second

	// MaxResponseSize is the maximum allowed response body size.
	MaxResponseSize = 10 * 1024 * 1024 // 10MB limit

	// maxErrorBody bounds how much of an error response is read.
	maxErrorBody = 64 * 1024
)

// Service endpoints.
const (
	pathChat                = "/api/v1/chat"
	pathChatAnonymous       = "/api/v1/chat/anonymous"
	pathChatStream          = "/api/v1/chat/stream"
	pathChatStreamAnonymous = "/api/v1/chat/stream/anonymous"
	pathModels              = "/api/v1/models"
	pathHealth              = "/health"
	pathConfig              = "/api/config"
)

func newPooledTransport() *http.Transport {
	return &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	}
}

var (
	// Shared pooled clients. Streaming requests have no client timeout and
	// are bounded by the caller's context instead.
	sharedTransport       = newPooledTransport()
	sharedHTTPClient      = &http.Client{Transport: sharedTransport, Timeout: DefaultTimeout}
	sharedStreamingClient = &http.Client{Transport: sharedTransport}
)

// =============================================================================
// WIRE TYPES
// =============================================================================

// Message is one entry of the request history.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// NewUserMessage creates a user message.
func NewUserMessage(content string) Message {
	return Message{Role: "user", Content: content}
}

// NewAssistantMessage creates an assistant message.
func NewAssistantMessage(content string) Message {
	return Message{Role: "assistant", Content: content}
}

// NewSystemMessage creates a system message.
func NewSystemMessage(content string) Message {
	return Message{Role: "system", Content: content}
}

// ChatRequest is the body of both chat endpoints.
type ChatRequest struct {
	Messages           []Message `json:"messages"`
	Provider           string    `json:"provider"`
	Model              string    `json:"model"`
	MaxContextMessages int       `json:"max_context_messages,omitempty"`

	// OnMetadata is called when a stream announces the model and provider
	// that will answer.
	OnMetadata func(model, provider string) `json:"-"`
}

// ChatResponse is the non-streaming reply.
type ChatResponse struct {
	Response string         `json:"response"`
	Model    string         `json:"model,omitempty"`
	Provider string         `json:"provider,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ProviderModels lists one provider's models.
type ProviderModels struct {
	Provider string   `json:"provider"`
	Models   []string `json:"models"`
	Default  string   `json:"default"`
}

// modelsResponse covers both shapes of /api/v1/models.
type modelsResponse struct {
	ProviderModels
	Providers []ProviderModels `json:"providers"`
}

// ProviderHealth is one provider's entry in the health report.
type ProviderHealth struct {
	Available   bool   `json:"available"`
	ModelsCount int    `json:"models_count,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Health is the service health report.
type Health struct {
	Status    string                    `json:"status"`
	Service   string                    `json:"service"`
	Version   string                    `json:"version,omitempty"`
	Providers map[string]ProviderHealth `json:"providers,omitempty"`
}

// Healthy reports whether the service called itself healthy.
func (h *Health) Healthy() bool {
	return h != nil && strings.EqualFold(h.Status, "healthy")
}

// RemoteConfig is served at /api/config for clients to bootstrap from.
type RemoteConfig struct {
	SecurityServiceURL string `json:"securityServiceUrl"`
	ApplicationID      string `json:"applicationId"`
	Version            string `json:"version"`
}

// apiErrorResponse is the service's error body.
type apiErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// =============================================================================
// CLIENT
// =============================================================================

// Client talks to one chat service.
type Client struct {
	baseURL   string
	tokens    session.TokenSource
	anonymous bool
	offline   bool
	chunkMode ChunkMode

	mu      sync.RWMutex
	version string

	httpClient      *http.Client
	streamingClient *http.Client
	limiter         *rate.Limiter
	maxRetries      int
	retryBase       time.Duration

	log     zerolog.Logger
	metrics *metrics.Metrics
}

// Option configures a Client.
type Option func(*Client)

// WithTokens sets the credential source. Without one every request is
// anonymous.
func WithTokens(ts session.TokenSource) Option {
	return func(c *Client) { c.tokens = ts }
}

// WithAnonymous falls back to the anonymous endpoints when no credential
// is available.
func WithAnonymous(enabled bool) Option {
	return func(c *Client) { c.anonymous = enabled }
}

// WithOffline restricts the base URL to loopback hosts.
func WithOffline(enabled bool) Option {
	return func(c *Client) { c.offline = enabled }
}

// WithVersion sets the X-Client-Version header.
func WithVersion(v string) Option {
	return func(c *Client) { c.version = v }
}

// WithChunkMode sets how chunk frames are assembled.
func WithChunkMode(m ChunkMode) Option {
	return func(c *Client) { c.chunkMode = m }
}

// WithTimeout bounds non-streaming requests.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient = &http.Client{Transport: c.httpClient.Transport, Timeout: d}
		}
	}
}

// WithRateLimit gates request issuance. rps <= 0 disables the limiter.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithMaxRetries sets the retry count for non-streaming requests.
func WithMaxRetries(n int) Option {
	return func(c *Client) {
		if n >= 0 {
			c.maxRetries = n
		}
	}
}

// WithHTTPClient replaces both pooled clients.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
		c.streamingClient = hc
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.log = l.With().Str("component", "cloud").Logger() }
}

// WithMetrics enables instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// NewClient creates a client for the service at baseURL.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	c := &Client{
		baseURL:         strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		chunkMode:       ChunkAuto,
		httpClient:      sharedHTTPClient,
		streamingClient: sharedStreamingClient,
		limiter:         rate.NewLimiter(rate.Inf, 0),
		maxRetries:      DefaultMaxRetries,
		retryBase:       retryBaseDelay,
		log:             zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := offline.ValidateURL(c.baseURL, c.offline); err != nil {
		return nil, fmt.Errorf("service URL %q: %w", c.baseURL, err)
	}
	return c, nil
}

// BaseURL returns the service base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// Version returns the version sent with each request.
func (c *Client) Version() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// SetVersion replaces the version, typically with the one from
// FetchRemoteConfig.
func (c *Client) SetVersion(v string) {
	c.mu.Lock()
	c.version = v
	c.mu.Unlock()
}

// credential returns the bearer token, or anonymous=true when the request
// should use an anonymous endpoint.
func (c *Client) credential() (token string, anonymous bool, err error) {
	if c.tokens == nil {
		if c.anonymous {
			return "", true, nil
		}
		return "", false, &AuthError{Message: "not logged in", Err: session.ErrNoCredential}
	}
	tok, err := c.tokens.Token()
	switch {
	case errors.Is(err, session.ErrNoCredential):
		if c.anonymous {
			return "", true, nil
		}
		return "", false, &AuthError{Message: "not logged in", Err: err}
	case err != nil:
		return "", false, &AuthError{Message: err.Error(), Err: err}
	}
	return tok, false, nil
}

// setHeaders sets the headers common to every request.
func (c *Client) setHeaders(req *http.Request, token string) {
	version := c.Version()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if version != "" {
		req.Header.Set("X-Client-Version", version)
		req.Header.Set("User-Agent", "rigchat/"+version)
	} else {
		req.Header.Set("User-Agent", "rigchat")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

// wait blocks on the rate limiter.
func (c *Client) wait(ctx context.Context) error {
	r := c.limiter.Reserve()
	if !r.OK() {
		return &TransportError{Message: "rate limiter rejected request"}
	}
	d := r.Delay()
	if d == 0 {
		return nil
	}
	if c.metrics != nil {
		c.metrics.RateLimitWaitTotal.Inc()
	}
	c.log.Debug().Dur("delay", d).Msg("rate limited locally")

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		r.Cancel()
		return ErrCancelled
	case <-t.C:
		return nil
	}
}

func (c *Client) observeRequest(endpoint string, err error) {
	if c.metrics == nil {
		return
	}
	outcome := metrics.OutcomeSuccess
	switch {
	case errors.Is(err, ErrCancelled):
		outcome = metrics.OutcomeCancelled
	case err != nil:
		outcome = metrics.OutcomeError
	}
	c.metrics.RequestsTotal.WithLabelValues(endpoint, outcome).Inc()
}

// readResponse reads the response body with a size limit.
func readResponse(resp *http.Response) ([]byte, error) {
	limitedReader := io.LimitReader(resp.Body, MaxResponseSize+1)
	body, err := io.ReadAll(limitedReader)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if int64(len(body)) > MaxResponseSize {
		return nil, fmt.Errorf("response exceeded maximum size of %d bytes", MaxResponseSize)
	}
	return body, nil
}

// handleErrorResponse converts a non-2xx response to a typed error.
func handleErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	msg := ""
	var apiErr apiErrorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil {
		msg = apiErr.Message
		if msg == "" {
			msg = apiErr.Error
		}
	}
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &AuthError{Status: resp.StatusCode, Message: msg}
	}
	return &TransportError{
		Status:     resp.StatusCode,
		Message:    msg,
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
	}
}

// requestError classifies an error from http.Client.Do.
func requestError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ErrCancelled
	}
	return &TransportError{Message: "request failed", Err: err}
}

// calculateBackoff returns the delay to wait before retry attempt n.
func (c *Client) calculateBackoff(attempt int, hint time.Duration) time.Duration {
	delay := c.retryBase * time.Duration(1<<uint(attempt))
	if hint > delay {
		delay = hint
	}
	if delay > retryMaxDelay {
		delay = retryMaxDelay
	}
	return delay
}

// isRetryable determines if an error should trigger a retry.
func isRetryable(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Temporary()
	}
	return false
}

// =============================================================================
// NON-STREAMING CHAT
// =============================================================================

// Chat sends req to the non-streaming endpoint. Rate limiting and 5xx
// responses are retried with exponential backoff.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	token, anon, err := c.credential()
	if err != nil {
		c.observeRequest("chat", err)
		return nil, err
	}
	path := pathChat
	if anon {
		path = pathChatAnonymous
	}

	bodyBytes, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			var te *TransportError
			var hint time.Duration
			if errors.As(lastErr, &te) {
				hint = te.RetryAfter
			}
			delay := c.calculateBackoff(attempt-1, hint)
			c.log.Debug().Int("attempt", attempt).Dur("delay", delay).Err(lastErr).Msg("retrying chat request")
			select {
			case <-ctx.Done():
				c.observeRequest("chat", ErrCancelled)
				return nil, ErrCancelled
			case <-time.After(delay):
			}
		}

		resp, err := c.doChat(ctx, path, token, bodyBytes)
		if err == nil {
			c.observeRequest("chat", nil)
			return resp, nil
		}
		if !isRetryable(err) {
			c.observeRequest("chat", err)
			return nil, err
		}
		lastErr = err
	}

	c.observeRequest("chat", lastErr)
	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (c *Client) doChat(ctx context.Context, path, token string, body []byte) (*ChatResponse, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req, token)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, requestError(ctx, err)
	}
	defer resp.Body.Close()

	c.log.Debug().
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("chat response")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, handleErrorResponse(resp)
	}

	data, err := readResponse(resp)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ErrCancelled
		}
		return nil, &TransportError{Status: resp.StatusCode, Message: "failed to read response", Err: err}
	}

	var out ChatResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, &TransportError{Status: resp.StatusCode, Message: "failed to parse response", Err: err}
	}
	return &out, nil
}

// =============================================================================
// DISCOVERY
// =============================================================================

// getJSON issues a GET and decodes the JSON reply into out.
func (c *Client) getJSON(ctx context.Context, endpoint, path string, query url.Values, auth bool, out any) (err error) {
	defer func() { c.observeRequest(endpoint, err) }()

	token := ""
	if auth {
		tok, anon, cerr := c.credential()
		if cerr != nil {
			return cerr
		}
		if !anon {
			token = tok
		}
	}
	if err := c.wait(ctx); err != nil {
		return err
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req, token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return requestError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return handleErrorResponse(resp)
	}
	data, err := readResponse(resp)
	if err != nil {
		return &TransportError{Status: resp.StatusCode, Message: "failed to read response", Err: err}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &TransportError{Status: resp.StatusCode, Message: "failed to parse response", Err: err}
	}
	return nil
}

// Health probes the service. No credential is needed.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var h Health
	if err := c.getJSON(ctx, "health", pathHealth, nil, false, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// ListModels lists available models. An empty provider lists every
// provider; refresh asks the service to bypass its model cache.
func (c *Client) ListModels(ctx context.Context, provider string, refresh bool) ([]ProviderModels, error) {
	q := url.Values{}
	if provider != "" {
		q.Set("provider", strings.ToLower(provider))
	}
	if refresh {
		q.Set("refresh", strconv.FormatBool(true))
	}

	var resp modelsResponse
	if err := c.getJSON(ctx, "models", pathModels, q, true, &resp); err != nil {
		return nil, err
	}
	if len(resp.Providers) > 0 {
		return resp.Providers, nil
	}
	if resp.Provider != "" {
		return []ProviderModels{resp.ProviderModels}, nil
	}
	return nil, nil
}

// FetchRemoteConfig reads the bootstrap configuration the service
// publishes for its clients.
func (c *Client) FetchRemoteConfig(ctx context.Context) (*RemoteConfig, error) {
	var rc RemoteConfig
	if err := c.getJSON(ctx, "config", pathConfig, nil, false, &rc); err != nil {
		return nil, err
	}
	return &rc, nil
}
