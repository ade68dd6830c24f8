// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/jeranaias/rigchat/internal/metrics"
)

// StatusFunc reports process state for /healthz. It must be safe to call
// from the server goroutine.
type StatusFunc func() map[string]any

// Server is the diagnostics HTTP server.
type Server struct {
	metrics *metrics.Metrics
	status  StatusFunc
	log     zerolog.Logger
	started time.Time

	srv *http.Server
	ln  net.Listener
}

// New creates a server. status may be nil.
func New(m *metrics.Metrics, status StatusFunc, log zerolog.Logger) *Server {
	return &Server{
		metrics: m,
		status:  status,
		log:     log.With().Str("component", "server").Logger(),
		started: time.Now(),
	}
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	mux.HandleFunc("GET /healthz", s.handleHealth)

	return Chain(
		RecoveryMiddleware(s.log),
		SecurityHeadersMiddleware(),
		LoggingMiddleware(s.log),
	)(mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	}
	if s.status != nil {
		for k, v := range s.status() {
			body[k] = v
		}
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Warn().Err(err).Msg("failed to write health response")
	}
}

// Start listens on addr and serves in the background. It returns once the
// listener is bound.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listener: %w", err)
	}
	s.ln = ln
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn().Err(err).Msg("diagnostics server stopped")
		}
	}()
	s.log.Info().Str("addr", ln.Addr().String()).Msg("serving diagnostics")
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
