// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"errors"
	"fmt"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrFolderNotFound       = errors.New("folder not found")
	ErrMessageNotFound      = errors.New("message not found")
	ErrRevisionConflict     = errors.New("conversation changed since it was read")
	ErrEmptyFolderName      = errors.New("folder name must not be empty")
	ErrInvalidRole          = errors.New("invalid message role")
	ErrUnknownDriver        = errors.New("unknown storage driver")
)

// CorruptionError describes a persisted blob that could not be decoded. The
// Repository logs it and continues with empty state; it is never returned
// from a Repository method.
type CorruptionError struct {
	Key  string
	Size int
	Err  error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("corrupt state blob %q (%d bytes): %v", e.Key, e.Size, e.Err)
}

func (e *CorruptionError) Unwrap() error {
	return e.Err
}
