// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stacklok/gafaelfawr/pkg/crypto"
	"github.com/stacklok/gafaelfawr/pkg/logger"
	"github.com/stacklok/gafaelfawr/pkg/storage"
	"github.com/stacklok/gafaelfawr/pkg/token"
)

// Authorization is the record behind one OIDC authorization code. The code
// borrows the session token by value; deleting the code never touches the
// token.
type Authorization struct {
	// Code includes the secret checked at redemption.
	Code token.Code `json:"code"`

	// ClientID identifies the client the code was issued to.
	ClientID string `json:"client_id"`

	// RedirectURI must match exactly at redemption.
	RedirectURI string `json:"redirect_uri"`

	// Token is the session token delivered on redemption.
	Token token.Token `json:"token"`

	// Nonce is echoed into the id_token when the client sent one.
	Nonce string `json:"nonce,omitempty"`

	// CreatedAt is when the code was minted.
	CreatedAt time.Time `json:"created_at"`
}

// consumeScript atomically reads and deletes a code record so that two
// concurrent redemptions can never both succeed.
var consumeScript = redis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data then
	return false
end
redis.call('DEL', KEYS[1])
return data
`)

// CodeStore holds one-shot OIDC authorization codes.
type CodeStore struct {
	client redis.UniversalClient
	sealer *crypto.Sealer
}

// NewCodeStore creates a CodeStore with a pre-configured client.
func NewCodeStore(client redis.UniversalClient, sealer *crypto.Sealer) *CodeStore {
	return &CodeStore{client: client, sealer: sealer}
}

// Create stores the authorization record under its code key with the fixed
// code lifetime.
func (s *CodeStore) Create(ctx context.Context, auth *Authorization) error {
	plaintext, err := json.Marshal(auth)
	if err != nil {
		return fmt.Errorf("serializing authorization: %w", err)
	}
	blob, err := s.sealer.Seal(plaintext)
	if err != nil {
		return fmt.Errorf("sealing authorization: %w", err)
	}
	key := oidcKeyPrefix + auth.Code.Key
	if err := s.client.Set(ctx, key, blob, token.CodeLifetime).Err(); err != nil {
		return fmt.Errorf("storing authorization: %w", err)
	}
	return nil
}

// Consume atomically redeems a code: the record is deleted before it is
// returned, and the presented secret must match the stored one. Any failure
// is storage.ErrNotFound; the caller maps it to invalid_grant.
func (s *CodeStore) Consume(ctx context.Context, code token.Code) (*Authorization, error) {
	blob, err := consumeScript.Run(ctx, s.client, []string{oidcKeyPrefix + code.Key}).Text()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: authorization code", storage.ErrNotFound)
		}
		return nil, fmt.Errorf("consuming authorization code: %w", err)
	}

	plaintext, err := s.sealer.Open(blob)
	if err != nil {
		logger.Warnw("Discarding undecryptable authorization code", "error", err)
		return nil, fmt.Errorf("%w: authorization code", storage.ErrNotFound)
	}
	var auth Authorization
	if err := json.Unmarshal(plaintext, &auth); err != nil {
		logger.Warnw("Discarding unparseable authorization code", "error", err)
		return nil, fmt.Errorf("%w: authorization code", storage.ErrNotFound)
	}
	if auth.Code.Secret != code.Secret {
		return nil, fmt.Errorf("%w: authorization code secret mismatch", storage.ErrNotFound)
	}
	return &auth, nil
}
