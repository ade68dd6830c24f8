// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

var (
	// ErrCancelled is returned when the caller's context ended the request.
	// Results returned alongside it still carry the partial text.
	ErrCancelled = errors.New("request cancelled")

	// ErrFrameTooLarge is returned when a single frame line exceeds
	// MaxFrameSize.
	ErrFrameTooLarge = errors.New("stream frame exceeds maximum size")

	// ErrRateLimited matches any *TransportError with status 429.
	ErrRateLimited = errors.New("rate limited")
)

// TransportError is a connection failure (Status 0) or a non-2xx response.
type TransportError struct {
	Status  int
	Message string

	// RetryAfter is the server's Retry-After hint, if any.
	RetryAfter time.Duration

	Err error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	switch {
	case e.Status != 0 && e.Message != "":
		return fmt.Sprintf("service error (HTTP %d): %s", e.Status, e.Message)
	case e.Status != 0:
		return fmt.Sprintf("service error (HTTP %d)", e.Status)
	case e.Err != nil && e.Message != "":
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	case e.Err != nil:
		return e.Err.Error()
	default:
		return e.Message
	}
}

// Unwrap returns the underlying network error.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrRateLimited) match 429 responses.
func (e *TransportError) Is(target error) bool {
	return target == ErrRateLimited && e.Status == http.StatusTooManyRequests
}

// Temporary reports whether retrying the same request may succeed.
func (e *TransportError) Temporary() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// AuthError means the service rejected the credential, or there was none
// to send.
type AuthError struct {
	Status  int
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AuthError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "authentication required"
	}
	if e.Status != 0 {
		return fmt.Sprintf("authentication failed (HTTP %d): %s", e.Status, msg)
	}
	return msg
}

// Unwrap returns the session error, if any.
func (e *AuthError) Unwrap() error {
	return e.Err
}

// StreamError carries the message of an error frame.
type StreamError struct {
	Message string
}

// Error implements the error interface.
func (e *StreamError) Error() string {
	if e.Message == "" {
		return "stream error"
	}
	return e.Message
}

// parseRetryAfter accepts delta seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}
