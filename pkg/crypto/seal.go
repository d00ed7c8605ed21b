// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package crypto provides the symmetric sealer used for the Redis token
// records and the browser session cookie.
//
// Blobs are AES-256-GCM, nonce prefixed, base64 encoded. The 32-byte key is
// the deployment session secret and rotates only on full redeployment, so
// there is no key id in the blob.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
)

// KeySize is the required session secret length in bytes.
const KeySize = 32

// ErrUndecryptable is returned when a blob exists but cannot be opened or
// parsed. Callers treat this as equivalent to absence but log it.
var ErrUndecryptable = errors.New("cannot decrypt stored value")

// Sealer seals and opens small blobs with a fixed symmetric key.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer creates a Sealer from a 32-byte session secret.
func NewSealer(key []byte) (*Sealer, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("session secret must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// NewKey generates a fresh random session secret.
func NewKey() []byte {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		panic(fmt.Sprintf("cannot read random bytes: %v", err))
	}
	return key
}

// Seal encrypts plaintext and returns the printable blob.
func (s *Sealer) Seal(plaintext []byte) (string, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	sealed := s.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open decrypts a blob produced by Seal. Any failure, including a truncated
// or tampered blob, is reported as ErrUndecryptable.
func (s *Sealer) Open(blob string) ([]byte, error) {
	sealed, err := base64.RawURLEncoding.DecodeString(blob)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUndecryptable, err)
	}
	if len(sealed) < s.aead.NonceSize() {
		return nil, fmt.Errorf("%w: blob too short", ErrUndecryptable)
	}
	nonce, ciphertext := sealed[:s.aead.NonceSize()], sealed[s.aead.NonceSize():]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUndecryptable, err)
	}
	return plaintext, nil
}
