// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/gafaelfawr/pkg/storage"
	"github.com/stacklok/gafaelfawr/pkg/token"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), "sqlite://:memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testInfo(key, username string, created time.Time) *token.Info {
	return &token.Info{
		Token:    key,
		Username: username,
		Type:     token.TypeSession,
		Scopes:   []string{"read:all", "exec:admin"},
		Created:  token.NewTimestamp(created),
	}
}

func TestTokenStoreRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewTokenStore(openTestDB(t))

	created := token.CurrentTime()
	expires := token.NewTimestamp(created.Add(time.Hour))
	info := testInfo(token.New().Key, "rachel", created)
	info.Expires = &expires

	require.NoError(t, store.Add(ctx, info))

	got, err := store.Get(ctx, info.Token)
	require.NoError(t, err)
	assert.Equal(t, "rachel", got.Username)
	assert.Equal(t, token.TypeSession, got.Type)
	assert.Equal(t, []string{"exec:admin", "read:all"}, got.Scopes)
	assert.Equal(t, created.Unix(), got.Created.Unix())
	require.NotNil(t, got.Expires)
	assert.Equal(t, expires.Unix(), got.Expires.Unix())
	assert.Empty(t, got.Parent)
}

func TestTokenStoreDuplicateKey(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewTokenStore(openTestDB(t))

	info := testInfo(token.New().Key, "rachel", token.CurrentTime())
	require.NoError(t, store.Add(ctx, info))
	err := store.Add(ctx, info)
	assert.ErrorIs(t, err, storage.ErrAlreadyExists)
}

func TestTokenStoreDuplicateName(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewTokenStore(openTestDB(t))

	first := testInfo(token.New().Key, "rachel", token.CurrentTime())
	first.Type = token.TypeUser
	first.Name = "laptop"
	require.NoError(t, store.Add(ctx, first))

	second := testInfo(token.New().Key, "rachel", token.CurrentTime())
	second.Type = token.TypeUser
	second.Name = "laptop"
	assert.ErrorIs(t, store.Add(ctx, second), storage.ErrDuplicateTokenName)

	// The same name under a different owner is fine.
	third := testInfo(token.New().Key, "marcus", token.CurrentTime())
	third.Type = token.TypeUser
	third.Name = "laptop"
	assert.NoError(t, store.Add(ctx, third))
}

func TestTokenStoreChildren(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewTokenStore(openTestDB(t))

	parent := testInfo(token.New().Key, "rachel", token.CurrentTime())
	require.NoError(t, store.Add(ctx, parent))

	child := testInfo(token.New().Key, "rachel", token.CurrentTime())
	child.Type = token.TypeInternal
	child.Service = "tap"
	child.Parent = parent.Token
	require.NoError(t, store.Add(ctx, child))

	children, err := store.Children(ctx, parent.Token)
	require.NoError(t, err)
	assert.Equal(t, []string{child.Token}, children)

	got, err := store.Get(ctx, child.Token)
	require.NoError(t, err)
	assert.Equal(t, parent.Token, got.Parent)
	assert.Equal(t, "tap", got.Service)

	// Deleting the child removes the subtoken edge.
	require.NoError(t, store.Delete(ctx, child.Token))
	children, err = store.Children(ctx, parent.Token)
	require.NoError(t, err)
	assert.Empty(t, children)
}

func TestTokenStoreModify(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewTokenStore(openTestDB(t))

	info := testInfo(token.New().Key, "rachel", token.CurrentTime())
	info.Type = token.TypeUser
	info.Name = "laptop"
	require.NoError(t, store.Add(ctx, info))

	name := "desktop"
	expires := token.CurrentTime().Add(2 * time.Hour)
	require.NoError(t, store.Modify(ctx, info.Token, &storage.TokenModifications{
		Name:    &name,
		Scopes:  []string{"read:all"},
		Expires: &expires,
	}))

	got, err := store.Get(ctx, info.Token)
	require.NoError(t, err)
	assert.Equal(t, "desktop", got.Name)
	assert.Equal(t, []string{"read:all"}, got.Scopes)
	require.NotNil(t, got.Expires)
	assert.Equal(t, expires.Unix(), got.Expires.Unix())

	require.NoError(t, store.Modify(ctx, info.Token, &storage.TokenModifications{
		ClearExpires: true,
	}))
	got, err = store.Get(ctx, info.Token)
	require.NoError(t, err)
	assert.Nil(t, got.Expires)

	err = store.Modify(ctx, "missing", &storage.TokenModifications{Name: &name})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestTokenStoreListExpired(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := openTestDB(t)
	store := NewTokenStore(db)
	history := NewHistoryStore(db)

	now := token.CurrentTime()
	past := token.NewTimestamp(now.Add(-time.Minute))
	future := token.NewTimestamp(now.Add(time.Hour))

	expired := testInfo(token.New().Key, "rachel", now.Add(-time.Hour))
	expired.Expires = &past
	require.NoError(t, store.Add(ctx, expired))

	live := testInfo(token.New().Key, "rachel", now)
	live.Expires = &future
	require.NoError(t, store.Add(ctx, live))

	forever := testInfo(token.New().Key, "rachel", now)
	require.NoError(t, store.Add(ctx, forever))

	// An expired token whose expiry is already in the history is skipped,
	// so sweeps never revisit it.
	handled := testInfo(token.New().Key, "rachel", now.Add(-2*time.Hour))
	handled.Expires = &past
	require.NoError(t, store.Add(ctx, handled))
	require.NoError(t, history.Add(ctx, &token.ChangeHistoryEntry{
		Token:     handled.Token,
		Username:  handled.Username,
		Type:      handled.Type,
		Scopes:    handled.Scopes,
		Actor:     token.BootstrapActor,
		Action:    token.ChangeExpire,
		EventTime: token.NewTimestamp(now),
	}))

	got, err := store.ListExpired(ctx, now)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, expired.Token, got[0].Token)
}

func TestHistoryStorePagination(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := openTestDB(t)
	store := NewHistoryStore(db)

	base := token.CurrentTime().Add(-time.Hour)
	for i := 0; i < 7; i++ {
		entry := &token.ChangeHistoryEntry{
			Token:     token.New().Key,
			Username:  "rachel",
			Type:      token.TypeSession,
			Scopes:    []string{"read:all"},
			Actor:     "rachel",
			Action:    token.ChangeCreate,
			IPAddress: "192.0.2.1",
			EventTime: token.NewTimestamp(base.Add(time.Duration(i) * time.Minute)),
		}
		require.NoError(t, store.Add(ctx, entry))
	}

	// First page, newest first.
	page, err := store.List(ctx, &storage.HistoryQuery{Username: "rachel", Limit: 3})
	require.NoError(t, err)
	assert.Equal(t, 7, page.Count)
	require.Len(t, page.Entries, 3)
	assert.Nil(t, page.PrevCursor)
	require.NotNil(t, page.NextCursor)
	assert.True(t, page.Entries[0].EventTime.After(page.Entries[1].EventTime.Time))

	// Cursor round-trips through its printable form.
	parsed, err := token.ParseCursor(page.NextCursor.String())
	require.NoError(t, err)
	assert.Equal(t, *page.NextCursor, parsed)

	// Second page continues where the first left off.
	second, err := store.List(ctx, &storage.HistoryQuery{
		Username: "rachel", Limit: 3, Cursor: page.NextCursor,
	})
	require.NoError(t, err)
	require.Len(t, second.Entries, 3)
	require.NotNil(t, second.PrevCursor)
	require.NotNil(t, second.NextCursor)
	assert.True(t, page.Entries[2].EventTime.Time.After(second.Entries[0].EventTime.Time) ||
		page.Entries[2].ID > second.Entries[0].ID)

	// Walking back from the second page reproduces the first.
	back, err := store.List(ctx, &storage.HistoryQuery{
		Username: "rachel", Limit: 3, Cursor: second.PrevCursor,
	})
	require.NoError(t, err)
	require.Len(t, back.Entries, 3)
	assert.Equal(t, page.Entries[0].ID, back.Entries[0].ID)
	assert.Equal(t, page.Entries[2].ID, back.Entries[2].ID)

	// Last page has no next cursor.
	third, err := store.List(ctx, &storage.HistoryQuery{
		Username: "rachel", Limit: 3, Cursor: second.NextCursor,
	})
	require.NoError(t, err)
	require.Len(t, third.Entries, 1)
	assert.Nil(t, third.NextCursor)
}

func TestHistoryStoreFilters(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewHistoryStore(openTestDB(t))

	now := token.CurrentTime()
	parent := token.New().Key
	child := token.New().Key

	entries := []*token.ChangeHistoryEntry{
		{
			Token: parent, Username: "rachel", Type: token.TypeSession,
			Actor: "rachel", Action: token.ChangeCreate,
			IPAddress: "192.0.2.10", EventTime: token.NewTimestamp(now),
		},
		{
			Token: child, Username: "rachel", Type: token.TypeInternal,
			Parent: parent, Actor: token.BootstrapActor, Action: token.ChangeCreate,
			EventTime: token.NewTimestamp(now),
		},
		{
			Token: token.New().Key, Username: "marcus", Type: token.TypeSession,
			Actor: "marcus", Action: token.ChangeCreate,
			IPAddress: "10.1.2.3", EventTime: token.NewTimestamp(now),
		},
	}
	for _, e := range entries {
		require.NoError(t, store.Add(ctx, e))
	}

	page, err := store.List(ctx, &storage.HistoryQuery{Key: parent})
	require.NoError(t, err)
	assert.Len(t, page.Entries, 2)

	page, err = store.List(ctx, &storage.HistoryQuery{Actor: token.BootstrapActor})
	require.NoError(t, err)
	require.Len(t, page.Entries, 1)
	assert.Equal(t, child, page.Entries[0].Token)

	page, err = store.List(ctx, &storage.HistoryQuery{TokenType: token.TypeInternal})
	require.NoError(t, err)
	assert.Len(t, page.Entries, 1)

	page, err = store.List(ctx, &storage.HistoryQuery{IPAddress: "10.1.2.3"})
	require.NoError(t, err)
	require.Len(t, page.Entries, 1)
	assert.Equal(t, "marcus", page.Entries[0].Username)
}

func TestAdminStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewAdminStore(openTestDB(t))

	require.NoError(t, store.Add(ctx, "rachel", token.BootstrapActor, ""))
	require.NoError(t, store.Add(ctx, "marcus", "rachel", "192.0.2.1"))

	// Re-adding is a no-op.
	require.NoError(t, store.Add(ctx, "rachel", token.BootstrapActor, ""))

	admins, err := store.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"marcus", "rachel"}, admins)

	isAdmin, err := store.IsAdmin(ctx, "rachel")
	require.NoError(t, err)
	assert.True(t, isAdmin)

	isAdmin, err = store.IsAdmin(ctx, "intruder")
	require.NoError(t, err)
	assert.False(t, isAdmin)

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	require.NoError(t, store.Delete(ctx, "marcus", "rachel", "192.0.2.1"))
	assert.ErrorIs(t, store.Delete(ctx, "marcus", "rachel", ""), storage.ErrNotFound)
}
