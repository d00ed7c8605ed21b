// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package ldap enriches user identities with POSIX group memberships from
// an LDAP directory.
//
// Lookups are cached per username with a TTL and collapsed through
// singleflight, so a burst of authentications for one user costs a single
// directory search.
package ldap

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	goldap "github.com/go-ldap/ldap/v3"
	"golang.org/x/sync/singleflight"

	"github.com/stacklok/gafaelfawr/pkg/config"
	"github.com/stacklok/gafaelfawr/pkg/logger"
	"github.com/stacklok/gafaelfawr/pkg/token"
)

// opTimeout bounds both the dial and each directory operation.
const opTimeout = 2 * time.Second

// conn is the slice of *goldap.Conn the client uses, extracted so tests can
// substitute a fake directory.
type conn interface {
	Bind(username, password string) error
	Search(req *goldap.SearchRequest) (*goldap.SearchResult, error)
	Close() error
}

type cacheEntry struct {
	groups  []token.Group
	expires time.Time
}

// Client looks up group memberships for usernames.
type Client struct {
	cfg  *config.LDAPConfig
	dial func() (conn, error)

	mu     sync.Mutex
	cache  map[string]cacheEntry
	flight singleflight.Group
}

// New creates a Client for the configured directory.
func New(cfg *config.LDAPConfig) *Client {
	return &Client{
		cfg: cfg,
		dial: func() (conn, error) {
			c, err := goldap.DialURL(cfg.URL,
				goldap.DialWithDialer(&net.Dialer{Timeout: opTimeout}))
			if err != nil {
				return nil, fmt.Errorf("dialing LDAP server: %w", err)
			}
			c.SetTimeout(opTimeout)
			return c, nil
		},
		cache: make(map[string]cacheEntry),
	}
}

// newWithDialer wires a custom dialer for tests.
func newWithDialer(cfg *config.LDAPConfig, dial func() (conn, error)) *Client {
	return &Client{cfg: cfg, dial: dial, cache: make(map[string]cacheEntry)}
}

// Groups returns the group memberships for a username, from cache when
// fresh.
func (c *Client) Groups(ctx context.Context, username string) ([]token.Group, error) {
	now := time.Now()
	c.mu.Lock()
	if entry, ok := c.cache[username]; ok && entry.expires.After(now) {
		c.mu.Unlock()
		return entry.groups, nil
	}
	c.mu.Unlock()

	result, err, _ := c.flight.Do(username, func() (any, error) {
		groups, err := c.search(ctx, username)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.cache[username] = cacheEntry{groups: groups, expires: time.Now().Add(c.cfg.CacheTTL())}
		c.mu.Unlock()
		return groups, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]token.Group), nil
}

// Invalidate drops the cached groups for a username.
func (c *Client) Invalidate(username string) {
	c.mu.Lock()
	delete(c.cache, username)
	c.mu.Unlock()
}

func (c *Client) search(_ context.Context, username string) ([]token.Group, error) {
	conn, err := c.dial()
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := conn.Close(); err != nil {
			logger.Debugw("failed to close LDAP connection", "error", err)
		}
	}()

	if c.cfg.UserDN != "" {
		if err := conn.Bind(c.cfg.UserDN, c.cfg.Password); err != nil {
			return nil, fmt.Errorf("binding as %s: %w", c.cfg.UserDN, err)
		}
	}

	filter := fmt.Sprintf("(&(objectClass=posixGroup)(memberUid=%s))",
		goldap.EscapeFilter(username))
	req := goldap.NewSearchRequest(
		c.cfg.GroupBaseDN,
		goldap.ScopeWholeSubtree, goldap.NeverDerefAliases, 0, int(opTimeout.Seconds()), false,
		filter,
		[]string{"cn", "gidNumber"},
		nil,
	)
	res, err := conn.Search(req)
	if err != nil {
		return nil, fmt.Errorf("searching groups for %s: %w", username, err)
	}

	groups := make([]token.Group, 0, len(res.Entries))
	for _, entry := range res.Entries {
		name := entry.GetAttributeValue("cn")
		if name == "" {
			continue
		}
		gid, err := strconv.Atoi(entry.GetAttributeValue("gidNumber"))
		if err != nil {
			logger.Warnw("skipping group with invalid gidNumber",
				"group", name, "user", username)
			continue
		}
		groups = append(groups, token.Group{Name: name, ID: gid})
	}
	return groups, nil
}
