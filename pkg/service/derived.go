// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/stacklok/gafaelfawr/pkg/apierror"
	"github.com/stacklok/gafaelfawr/pkg/logger"
	"github.com/stacklok/gafaelfawr/pkg/storage"
	"github.com/stacklok/gafaelfawr/pkg/token"
)

// mirrorRetries is how many times a derivation loser polls Redis for the
// winner's record before taking over the mirror itself.
const mirrorRetries = 3

// derivedCache keeps recently derived notebook and internal tokens
// in-process. Lookups for the same derived key are collapsed through
// singleflight so a burst of subrequests costs one database round trip.
type derivedCache struct {
	mu      sync.Mutex
	entries map[string]derivedEntry
	flight  singleflight.Group
}

type derivedEntry struct {
	token   token.Token
	expires *time.Time
}

func newDerivedCache() *derivedCache {
	return &derivedCache{entries: make(map[string]derivedEntry)}
}

// get returns a cached token that is still valid past the cutoff.
func (c *derivedCache) get(key string, cutoff time.Time) (token.Token, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return token.Token{}, false
	}
	if entry.expires != nil && entry.expires.Before(cutoff) {
		delete(c.entries, key)
		return token.Token{}, false
	}
	return entry.token, true
}

func (c *derivedCache) put(key string, t token.Token, expires *time.Time) {
	c.mu.Lock()
	c.entries[key] = derivedEntry{token: t, expires: expires}
	c.mu.Unlock()
}

func (c *derivedCache) forget(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// GetNotebookToken returns the canonical notebook token for a parent
// session, creating it on first use. The call is idempotent: the key is
// derived from the parent key, so concurrent callers converge on one row.
func (s *TokenService) GetNotebookToken(ctx context.Context, parent *token.Data, ip string) (token.Token, error) {
	key := token.NotebookKey(parent.Token.Key)
	return s.getDerived(ctx, parent, derivedSpec{
		key:    key,
		typ:    token.TypeNotebook,
		scopes: parent.Scopes,
		ip:     ip,
	})
}

// GetInternalToken returns the canonical internal token delegating scopes to
// service, creating it on first use. Scopes must be a subset of the parent's.
func (s *TokenService) GetInternalToken(ctx context.Context, parent *token.Data, service string, scopes []string, ip string) (token.Token, error) {
	if !token.ValidScopes(scopes) {
		return token.Token{}, apierror.InvalidScopes("Scope name is malformed")
	}
	sorted := token.SortScopes(scopes)
	if !token.ScopesSubset(sorted, parent.Scopes) {
		return token.Token{}, apierror.InsufficientScope("Delegated scopes are broader than the token's")
	}
	key := token.InternalKey(parent.Token.Key, service, sorted)
	return s.getDerived(ctx, parent, derivedSpec{
		key:     key,
		typ:     token.TypeInternal,
		service: service,
		scopes:  sorted,
		ip:      ip,
	})
}

type derivedSpec struct {
	key     string
	typ     token.Type
	service string
	scopes  []string
	ip      string
}

func (s *TokenService) getDerived(ctx context.Context, parent *token.Data, spec derivedSpec) (token.Token, error) {
	// A cached child is reusable while it lives at least as long as the
	// parent, capped at the minimum lifetime.
	cutoff := time.Now().Add(token.MinimumLifetime)
	if parent.Expires != nil && parent.Expires.Before(cutoff) {
		cutoff = *parent.Expires
	}
	if t, ok := s.derived.get(spec.key, cutoff); ok {
		return t, nil
	}

	result, err, _ := s.derived.flight.Do(spec.key, func() (any, error) {
		return s.deriveToken(ctx, parent, spec, cutoff)
	})
	if err != nil {
		return token.Token{}, err
	}
	return result.(token.Token), nil
}

func (s *TokenService) deriveToken(ctx context.Context, parent *token.Data, spec derivedSpec, cutoff time.Time) (token.Token, error) {
	// The winner of an earlier race may have left a usable record.
	if data, err := s.sessions.Get(ctx, spec.key); err == nil {
		if data.Expires == nil || !data.Expires.Before(cutoff) {
			s.derived.put(spec.key, data.Token, data.Expires)
			return data.Token, nil
		}
	}

	now := token.CurrentTime()
	expires := parent.Expires
	if expires == nil {
		e := now.Add(s.cfg.TokenLifetime())
		expires = &e
	}
	data := &token.Data{
		UserInfo: parent.UserInfo,
		Token:    token.NewWithKey(spec.key),
		Type:     spec.typ,
		Scopes:   spec.scopes,
		Created:  now,
		Expires:  expires,
	}

	info := infoFromData(data, "", spec.service, parent.Token.Key)
	err := s.tokens.Add(ctx, info)
	switch {
	case err == nil:
		entry := historyFromInfo(info, token.ChangeCreate, parent.Username, spec.ip)
		if histErr := s.history.Add(ctx, entry); histErr != nil {
			return token.Token{}, fmt.Errorf("recording derived token: %w", histErr)
		}
		if storeErr := s.sessions.Store(ctx, data); storeErr != nil {
			logger.Errorw("Failed to write token mirror", "token", spec.key, "error", storeErr)
		}
		s.derived.put(spec.key, data.Token, data.Expires)
		return data.Token, nil
	case errors.Is(err, storage.ErrAlreadyExists):
		// Lost the race: adopt the winner's record.
		return s.adoptDerived(ctx, data)
	default:
		return token.Token{}, fmt.Errorf("inserting derived token: %w", err)
	}
}

// adoptDerived resolves a derivation race by reading the winner's Redis
// record. The winner writes Redis just after the database row, so a short
// poll suffices; if the record never shows up, this writer's own data takes
// over the mirror (the database row stays the winner's).
func (s *TokenService) adoptDerived(ctx context.Context, data *token.Data) (token.Token, error) {
	for i := 0; i < mirrorRetries; i++ {
		winner, err := s.sessions.Get(ctx, data.Token.Key)
		if err == nil {
			s.derived.put(data.Token.Key, winner.Token, winner.Expires)
			return winner.Token, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return token.Token{}, fmt.Errorf("reading derived token record: %w", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := s.sessions.Store(ctx, data); err != nil {
		return token.Token{}, fmt.Errorf("writing derived token record: %w", err)
	}
	s.derived.put(data.Token.Key, data.Token, data.Expires)
	return data.Token, nil
}
