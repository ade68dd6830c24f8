// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
)

// Backend stores opaque blobs by key. Get returns (nil, nil) for a key that
// was never written.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Close() error
}

// Storage drivers accepted by Open.
const (
	DriverMemory = "memory"
	DriverFile   = "file"
	DriverBolt   = "bolt"
	DriverSQLite = "sqlite"
)

// Open creates the backend named by driver rooted at dir. A non-empty
// passphrase wraps it in a SealedBackend.
func Open(driver, dir, passphrase string) (Backend, error) {
	var (
		b   Backend
		err error
	)
	switch strings.ToLower(driver) {
	case DriverMemory:
		b = NewMemoryBackend()
	case DriverFile, "":
		b, err = NewFileBackend(dir)
	case DriverBolt:
		b, err = OpenBoltBackend(filepath.Join(dir, "rigchat.db"))
	case DriverSQLite:
		b, err = OpenSQLiteBackend(filepath.Join(dir, "rigchat.sqlite"))
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s backend: %w", driver, err)
	}

	if passphrase != "" {
		sealed, err := NewSealedBackend(b, passphrase)
		if err != nil {
			b.Close()
			return nil, err
		}
		return sealed, nil
	}
	return b, nil
}

// =============================================================================
// MEMORY BACKEND
// =============================================================================

// MemoryBackend keeps blobs in a map. Values are copied in and out.
type MemoryBackend struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{blobs: make(map[string][]byte)}
}

func (m *MemoryBackend) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.blobs[key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), v...), nil
}

func (m *MemoryBackend) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[key] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryBackend) Close() error { return nil }
