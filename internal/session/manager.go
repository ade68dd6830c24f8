// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jeranaias/rigchat/internal/util"
)

// ErrNoCredential is returned by Token when nobody is logged in.
var ErrNoCredential = errors.New("not logged in")

// TokenSource supplies the bearer credential for a request.
type TokenSource interface {
	Token() (string, error)
}

// Invalidator is told when the service rejected the credential.
type Invalidator interface {
	Invalidate(reason string)
}

// Logout reasons passed to OnLogout listeners.
const (
	ReasonLogout      = "logout"
	ReasonIdleTimeout = "idle timeout"
	ReasonAuthFailed  = "authentication failed"
)

// =============================================================================
// SESSION MANAGER
// =============================================================================

// Config holds configuration for the session manager.
type Config struct {
	// TokenPath persists the token across runs. Empty keeps it in memory.
	TokenPath string

	// IdleTimeout logs out after this long without a Token call. Zero
	// disables it.
	IdleTimeout time.Duration

	// Now overrides the clock in tests.
	Now func() time.Time
}

// DefaultConfig returns an in-memory session without idle timeout.
func DefaultConfig() Config {
	return Config{}
}

// Manager implements TokenSource and Invalidator.
type Manager struct {
	mu sync.Mutex

	tokenPath    string
	token        string
	loggedInAt   time.Time
	lastActivity time.Time
	idleTimeout  time.Duration
	now          func() time.Time

	onLogout []func(reason string)
	log      zerolog.Logger
}

// NewManager creates a manager and loads a persisted token if one exists.
func NewManager(cfg Config, log zerolog.Logger) (*Manager, error) {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	m := &Manager{
		tokenPath:   cfg.TokenPath,
		idleTimeout: cfg.IdleTimeout,
		now:         now,
		log:         log.With().Str("component", "session").Logger(),
	}

	if m.tokenPath != "" {
		data, err := os.ReadFile(m.tokenPath)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read token: %w", err)
		default:
			if tok := strings.TrimSpace(string(data)); tok != "" {
				m.token = tok
				m.loggedInAt = now()
				m.lastActivity = m.loggedInAt
			}
		}
	}
	return m, nil
}

// Login stores token and persists it when the manager has a TokenPath.
func (m *Manager) Login(token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return errors.New("token must not be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tokenPath != "" {
		if err := util.AtomicWriteFile(m.tokenPath, []byte(token+"\n"), 0o600); err != nil {
			return fmt.Errorf("failed to save token: %w", err)
		}
	}
	m.setLocked(token)
	m.log.Info().Str("token", MaskToken(token)).Msg("logged in")
	return nil
}

// UseToken sets a token for this process only, e.g. from RIGCHAT_API_KEY.
func (m *Manager) UseToken(token string) {
	token = strings.TrimSpace(token)
	if token == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setLocked(token)
}

func (m *Manager) setLocked(token string) {
	m.token = token
	m.loggedInAt = m.now()
	m.lastActivity = m.loggedInAt
}

// Token returns the credential and records activity. An idle session is
// logged out first.
func (m *Manager) Token() (string, error) {
	m.mu.Lock()
	if m.token == "" {
		m.mu.Unlock()
		return "", ErrNoCredential
	}
	now := m.now()
	if m.idleTimeout > 0 && now.Sub(m.lastActivity) > m.idleTimeout {
		listeners := m.clearLocked()
		m.mu.Unlock()
		m.log.Info().Dur("idle", m.idleTimeout).Msg("session expired")
		notify(listeners, ReasonIdleTimeout)
		return "", ErrNoCredential
	}
	m.lastActivity = now
	tok := m.token
	m.mu.Unlock()
	return tok, nil
}

// LoggedIn reports whether a token is held.
func (m *Manager) LoggedIn() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token != ""
}

// Invalidate drops the token and tells OnLogout listeners why. Calling it
// while logged out does nothing.
func (m *Manager) Invalidate(reason string) {
	m.mu.Lock()
	if m.token == "" {
		m.mu.Unlock()
		return
	}
	listeners := m.clearLocked()
	m.mu.Unlock()

	m.log.Warn().Str("reason", reason).Msg("session invalidated")
	notify(listeners, reason)
}

// Logout is Invalidate with ReasonLogout.
func (m *Manager) Logout() {
	m.Invalidate(ReasonLogout)
}

// clearLocked forgets the token, removes the persisted copy and returns the
// listeners to notify once the lock is released.
func (m *Manager) clearLocked() []func(string) {
	m.token = ""
	m.loggedInAt = time.Time{}
	if m.tokenPath != "" {
		if err := os.Remove(m.tokenPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			m.log.Warn().Err(err).Msg("failed to remove stored token")
		}
	}
	return append([]func(string){}, m.onLogout...)
}

func notify(listeners []func(string), reason string) {
	for _, fn := range listeners {
		fn(reason)
	}
}

// OnLogout registers fn to run after every logout.
func (m *Manager) OnLogout(fn func(reason string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onLogout = append(m.onLogout, fn)
}

// =============================================================================
// STATUS
// =============================================================================

// Status is a snapshot for display.
type Status struct {
	LoggedIn    bool
	Token       string // masked
	Since       time.Time
	IdleFor     time.Duration
	IdleTimeout time.Duration
}

// GetStatus returns the current session status.
func (m *Manager) GetStatus() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Status{
		LoggedIn:    m.token != "",
		IdleTimeout: m.idleTimeout,
	}
	if s.LoggedIn {
		s.Token = MaskToken(m.token)
		s.Since = m.loggedInAt
		s.IdleFor = m.now().Sub(m.lastActivity)
	}
	return s
}

// MaskToken keeps the first and last four characters of long tokens.
func MaskToken(tok string) string {
	if len(tok) <= 8 {
		return strings.Repeat("*", len(tok))
	}
	return tok[:4] + strings.Repeat("*", len(tok)-8) + tok[len(tok)-4:]
}

// FormatDuration formats a duration as a human-readable string.
func FormatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}
