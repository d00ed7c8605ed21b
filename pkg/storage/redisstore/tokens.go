// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package redisstore implements the encrypted Redis mirror of the token
// database and the one-shot OIDC authorization code store.
//
// Values are sealed with the deployment session secret before they touch
// Redis, so a compromised Redis instance leaks nothing. The database is the
// system of record; everything here can be rebuilt from it.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stacklok/gafaelfawr/pkg/crypto"
	"github.com/stacklok/gafaelfawr/pkg/storage"
	"github.com/stacklok/gafaelfawr/pkg/token"
)

// Key prefixes.
const (
	tokenKeyPrefix = "token:"
	oidcKeyPrefix  = "oidc:"
)

// ttlGrace pads the Redis TTL past the token expiry so the expiry decision
// is always made from the record, never by Redis eviction racing it.
const ttlGrace = 5 * time.Minute

// scanBatch is the COUNT hint for SCAN during DeleteAll.
const scanBatch = 100

// NewClient builds a Redis client from a connection URL and optional
// password override.
func NewClient(redisURL, password string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	if password != "" {
		opts.Password = password
	}
	return redis.NewClient(opts), nil
}

// TokenStore is the encrypted token mirror.
type TokenStore struct {
	client redis.UniversalClient
	sealer *crypto.Sealer
}

// NewTokenStore creates a TokenStore with a pre-configured client. Tests
// point the client at miniredis.
func NewTokenStore(client redis.UniversalClient, sealer *crypto.Sealer) *TokenStore {
	return &TokenStore{client: client, sealer: sealer}
}

// Store writes the sealed token data under its key. The TTL mirrors the
// token expiry; a token without expiry gets no TTL.
func (s *TokenStore) Store(ctx context.Context, data *token.Data) error {
	blob, err := s.seal(data)
	if err != nil {
		return err
	}

	var ttl time.Duration
	if data.Expires != nil {
		ttl = time.Until(*data.Expires)
		if ttl < 0 {
			ttl = 0
		}
		ttl += ttlGrace
	}
	if err := s.client.Set(ctx, tokenKeyPrefix+data.Token.Key, blob, ttl).Err(); err != nil {
		return fmt.Errorf("storing token data: %w", err)
	}
	return nil
}

// Get returns the token data stored under key. A missing key is
// storage.ErrNotFound; a blob that exists but cannot be opened or parsed is
// crypto.ErrUndecryptable, which callers log and treat as a miss.
func (s *TokenStore) Get(ctx context.Context, key string) (*token.Data, error) {
	blob, err := s.client.Get(ctx, tokenKeyPrefix+key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: token %s", storage.ErrNotFound, key)
		}
		return nil, fmt.Errorf("getting token data: %w", err)
	}
	return s.open(blob)
}

// Delete removes the token record. Deleting a missing key is not an error;
// revocation and expiry race benignly.
func (s *TokenStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, tokenKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("deleting token data: %w", err)
	}
	return nil
}

// DeleteAll removes every token record, scanning in batches.
func (s *TokenStore) DeleteAll(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, tokenKeyPrefix+"*", scanBatch).Result()
		if err != nil {
			return fmt.Errorf("scanning token keys: %w", err)
		}
		if len(keys) > 0 {
			if err := s.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("deleting token keys: %w", err)
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

func (s *TokenStore) seal(data *token.Data) (string, error) {
	plaintext, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("serializing token data: %w", err)
	}
	blob, err := s.sealer.Seal(plaintext)
	if err != nil {
		return "", fmt.Errorf("sealing token data: %w", err)
	}
	return blob, nil
}

func (s *TokenStore) open(blob string) (*token.Data, error) {
	plaintext, err := s.sealer.Open(blob)
	if err != nil {
		return nil, err
	}
	var data token.Data
	if err := json.Unmarshal(plaintext, &data); err != nil {
		return nil, fmt.Errorf("%w: %w", crypto.ErrUndecryptable, err)
	}
	return &data, nil
}
