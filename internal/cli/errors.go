// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/jeranaias/rigchat/internal/chat"
	"github.com/jeranaias/rigchat/internal/cloud"
	"github.com/jeranaias/rigchat/internal/config"
	"github.com/jeranaias/rigchat/internal/offline"
	"github.com/jeranaias/rigchat/internal/session"
	"github.com/jeranaias/rigchat/internal/storage"
)

// =============================================================================
// EXIT CODES
// =============================================================================

const (
	ExitSuccess      = 0
	ExitGeneralError = 1
	ExitUsageError   = 2
	ExitConfigError  = 3
	ExitAuthError    = 4
	ExitNetworkError = 5
	ExitNotFound     = 7
	ExitCancelled    = 130
)

// UsageError marks bad arguments that cobra itself did not catch.
type UsageError struct {
	Msg string
}

func (e *UsageError) Error() string { return e.Msg }

func usageErrorf(format string, args ...any) error {
	return &UsageError{Msg: fmt.Sprintf(format, args...)}
}

// ExitCode maps an error returned by a command to a process exit status.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}

	var (
		usage     *UsageError
		valid     *chat.ValidationError
		cfgErr    config.ValidateErrors
		authErr   *cloud.AuthError
		transport *cloud.TransportError
		streamErr *cloud.StreamError
	)
	switch {
	case errors.Is(err, cloud.ErrCancelled):
		return ExitCancelled
	case errors.As(err, &usage), errors.As(err, &valid):
		return ExitUsageError
	case errors.As(err, &cfgErr),
		errors.Is(err, offline.ErrInvalidURL),
		errors.Is(err, offline.ErrInvalidURLScheme),
		errors.Is(err, offline.ErrNonLocalhost),
		errors.Is(err, storage.ErrUnknownDriver):
		return ExitConfigError
	case errors.As(err, &authErr), errors.Is(err, session.ErrNoCredential):
		return ExitAuthError
	case errors.As(err, &transport), errors.As(err, &streamErr):
		return ExitNetworkError
	case errors.Is(err, storage.ErrConversationNotFound),
		errors.Is(err, storage.ErrFolderNotFound),
		errors.Is(err, storage.ErrMessageNotFound):
		return ExitNotFound
	}
	return ExitGeneralError
}

// hint returns a follow-up suggestion for well-known failures.
func hint(err error) string {
	var authErr *cloud.AuthError
	switch {
	case errors.Is(err, session.ErrNoCredential):
		return "Run 'rigchat login' or enable service.anonymous."
	case errors.As(err, &authErr):
		return "Your token was rejected. Run 'rigchat login' again."
	case errors.Is(err, offline.ErrNonLocalhost):
		return "Offline mode only allows localhost service URLs."
	case errors.Is(err, storage.ErrConversationNotFound):
		return "Run 'rigchat conversations list' to see stored conversations."
	}
	return ""
}

// PrintError writes err and any hint to w.
func PrintError(w io.Writer, err error) {
	if errors.Is(err, cloud.ErrCancelled) {
		fmt.Fprintln(w, WarningStyle.Render("[Cancelled]"))
		return
	}
	fmt.Fprintf(w, "%s %v\n", ErrorStyle.Render("Error:"), err)
	if h := hint(err); h != "" {
		fmt.Fprintln(w, DimStyle.Render(h))
	}
}
