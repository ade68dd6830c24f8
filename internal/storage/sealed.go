// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

const (
	sealedSaltSize  = 16
	sealedKeySize   = 32
	sealedNonceSize = 12

	// PBKDF2Iterations follows the OWASP 2023 figure for PBKDF2-SHA-256.
	PBKDF2Iterations = 600000
)

var sealedMagic = []byte("RCS1")

// ErrSealBroken means a sealed blob failed authentication: wrong passphrase
// or tampered data. It is returned rather than treated as corruption so the
// Repository never overwrites data it could not read.
var ErrSealBroken = errors.New("sealed state could not be decrypted (wrong passphrase?)")

// SealedBackend encrypts blobs with AES-256-GCM before handing them to the
// wrapped backend. Layout: magic | salt | nonce | ciphertext+tag.
//
// Blobs without the magic prefix are returned as-is so an existing plaintext
// store is encrypted on its next write.
type SealedBackend struct {
	inner      Backend
	passphrase []byte
	iterations int

	mu   sync.Mutex
	salt []byte
	aead cipher.AEAD
}

// NewSealedBackend wraps inner, deriving the key from passphrase.
func NewSealedBackend(inner Backend, passphrase string) (*SealedBackend, error) {
	return newSealedBackend(inner, passphrase, PBKDF2Iterations)
}

func newSealedBackend(inner Backend, passphrase string, iterations int) (*SealedBackend, error) {
	if passphrase == "" {
		return nil, errors.New("sealed backend requires a passphrase")
	}
	return &SealedBackend{
		inner:      inner,
		passphrase: []byte(passphrase),
		iterations: iterations,
	}, nil
}

// aeadFor returns the cipher for salt, deriving and caching it on a miss.
// Caller holds s.mu.
func (s *SealedBackend) aeadFor(salt []byte) (cipher.AEAD, error) {
	if s.aead != nil && bytes.Equal(s.salt, salt) {
		return s.aead, nil
	}
	key := pbkdf2.Key(s.passphrase, salt, s.iterations, sealedKeySize, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	s.salt = append([]byte(nil), salt...)
	s.aead = aead
	return aead, nil
}

func (s *SealedBackend) Get(ctx context.Context, key string) ([]byte, error) {
	blob, err := s.inner.Get(ctx, key)
	if err != nil || blob == nil {
		return blob, err
	}
	if !bytes.HasPrefix(blob, sealedMagic) {
		return blob, nil
	}

	body := blob[len(sealedMagic):]
	if len(body) < sealedSaltSize+sealedNonceSize {
		return nil, ErrSealBroken
	}
	salt := body[:sealedSaltSize]
	nonce := body[sealedSaltSize : sealedSaltSize+sealedNonceSize]
	ciphertext := body[sealedSaltSize+sealedNonceSize:]

	s.mu.Lock()
	defer s.mu.Unlock()
	aead, err := s.aeadFor(salt)
	if err != nil {
		return nil, err
	}
	plain, err := aead.Open(nil, nonce, ciphertext, []byte(key))
	if err != nil {
		return nil, ErrSealBroken
	}
	return plain, nil
}

func (s *SealedBackend) Set(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	salt := s.salt
	if salt == nil {
		salt = make([]byte, sealedSaltSize)
		if _, err := io.ReadFull(rand.Reader, salt); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("failed to generate salt: %w", err)
		}
	}
	aead, err := s.aeadFor(salt)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	nonce := make([]byte, sealedNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}

	out := make([]byte, 0, len(sealedMagic)+len(salt)+len(nonce)+len(value)+aead.Overhead())
	out = append(out, sealedMagic...)
	out = append(out, salt...)
	out = append(out, nonce...)
	out = aead.Seal(out, nonce, value, []byte(key))
	return s.inner.Set(ctx, key, out)
}

func (s *SealedBackend) Close() error {
	return s.inner.Close()
}
