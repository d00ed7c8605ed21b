// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"net"
	"time"

	"github.com/stacklok/gafaelfawr/pkg/token"
)

// TokenModifications is the set of fields Modify may change. Nil fields are
// left alone; ClearExpires removes the expiry entirely.
type TokenModifications struct {
	Name         *string
	Scopes       []string
	Expires      *time.Time
	ClearExpires bool
	LastUsed     *time.Time
}

// HistoryQuery filters and paginates the token change history.
type HistoryQuery struct {
	// Username restricts to tokens owned by this user.
	Username string

	// Actor restricts to changes made by this actor.
	Actor string

	// Key restricts to a token and its direct subtokens.
	Key string

	// Token restricts to exactly one token key.
	Token string

	// TokenType restricts to one token type.
	TokenType token.Type

	// IPAddress restricts to an exact address; IPNet to a CIDR block.
	// At most one of the two is set.
	IPAddress string
	IPNet     *net.IPNet

	// Since and Until bound the event time, inclusive.
	Since time.Time
	Until time.Time

	// Cursor positions the page; nil means the newest page.
	Cursor *token.HistoryCursor

	// Limit caps the page size; zero means no limit.
	Limit int
}

// TokenStore is the database of record for tokens.
type TokenStore interface {
	// Add inserts a token row and, when parent is set, the subtoken edge.
	// Returns ErrAlreadyExists when the key is taken and
	// ErrDuplicateTokenName when a user token name collides.
	Add(ctx context.Context, info *token.Info) error

	// Get returns the token row by key.
	Get(ctx context.Context, key string) (*token.Info, error)

	// GetByName returns the user token named name owned by username.
	GetByName(ctx context.Context, username, name string) (*token.Info, error)

	// List returns tokens owned by username, newest first. An empty
	// username lists every token.
	List(ctx context.Context, username string) ([]*token.Info, error)

	// Modify applies the given modifications to a token row.
	Modify(ctx context.Context, key string, mods *TokenModifications) error

	// Delete removes the token row and its subtoken edge. History rows
	// survive deletion.
	Delete(ctx context.Context, key string) error

	// Children returns the keys of the direct children of key.
	Children(ctx context.Context, key string) ([]string, error)

	// Subtokens returns the token rows of the direct children of key.
	Subtokens(ctx context.Context, key string) ([]*token.Info, error)

	// ListExpired returns tokens whose expiry is at or before now and has
	// no recorded expire event, so every row is reported exactly once.
	ListExpired(ctx context.Context, now time.Time) ([]*token.Info, error)
}

// HistoryStore is the append-only token audit log.
type HistoryStore interface {
	// Add appends a change entry.
	Add(ctx context.Context, entry *token.ChangeHistoryEntry) error

	// ListForToken returns entries for a single token, newest first.
	ListForToken(ctx context.Context, key string) ([]*token.ChangeHistoryEntry, error)

	// List returns one page of entries matching the query.
	List(ctx context.Context, q *HistoryQuery) (*token.PaginatedHistory, error)
}

// AdminStore is the roster of token administrators.
type AdminStore interface {
	// Add inserts an admin; a no-op if already present.
	Add(ctx context.Context, username, actor, ipAddress string) error

	// Delete removes an admin. Returns ErrNotFound if absent.
	Delete(ctx context.Context, username, actor, ipAddress string) error

	// List returns all admins, sorted.
	List(ctx context.Context) ([]string, error)

	// IsAdmin reports whether username is an admin.
	IsAdmin(ctx context.Context, username string) (bool, error)

	// Count returns the number of admins.
	Count(ctx context.Context) (int, error)
}
