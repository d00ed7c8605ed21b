// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"fmt"
	"sort"
	"time"
)

// Type classifies a token by how it was created and what it may be used for.
type Type string

// Token types.
const (
	// TypeSession is the top-level token bound to a browser session.
	TypeSession Type = "session"

	// TypeUser is a long-lived token named and managed by its owner.
	TypeUser Type = "user"

	// TypeNotebook is delegated to interactive compute environments,
	// deterministic per parent.
	TypeNotebook Type = "notebook"

	// TypeInternal is delegated to a downstream service with a scope
	// subset, deterministic per (parent, service, scopes).
	TypeInternal Type = "internal"

	// TypeService is created by an admin for a standalone service
	// identity with no parent session.
	TypeService Type = "service"
)

// Valid reports whether t is one of the known token types.
func (t Type) Valid() bool {
	switch t {
	case TypeSession, TypeUser, TypeNotebook, TypeInternal, TypeService:
		return true
	default:
		return false
	}
}

// Group is a group membership attached to a user identity.
type Group struct {
	// Name is the group name.
	Name string `json:"name"`

	// ID is the POSIX GID of the group.
	ID int `json:"id"`
}

// UserInfo is the supplementary identity data attached to a token. It comes
// from the upstream provider (and optionally LDAP) at login time and is
// stored only in the encrypted Redis record.
type UserInfo struct {
	// Username is the canonical lower-case username.
	Username string `json:"username"`

	// Name is the preferred full name, if known.
	Name string `json:"name,omitempty"`

	// Email is the email address, if known.
	Email string `json:"email,omitempty"`

	// UID is the numeric POSIX UID, if known. Zero means unknown.
	UID int `json:"uid,omitempty"`

	// GID is the primary POSIX GID, if known. Zero means unknown.
	GID int `json:"gid,omitempty"`

	// Groups lists group memberships.
	Groups []Group `json:"groups,omitempty"`
}

// Data is everything known about a token: the token itself, its
// authorization scope, and the identity it represents. This is the value
// sealed into Redis under the token key.
type Data struct {
	UserInfo

	// Token includes the secret and must never be logged.
	Token Token `json:"token"`

	// Type is the token type.
	Type Type `json:"token_type"`

	// Scopes is the sorted authorization scope set.
	Scopes []string `json:"scopes"`

	// Created is when the token was created, at second precision.
	Created time.Time `json:"created"`

	// Expires is when the token stops being valid. Nil means the token
	// does not expire.
	Expires *time.Time `json:"expires,omitempty"`
}

// HasScope reports whether the token carries the given scope.
func (d *Data) HasScope(scope string) bool {
	for _, s := range d.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// HasAllScopes reports whether every required scope is present.
func (d *Data) HasAllScopes(required []string) bool {
	for _, scope := range required {
		if !d.HasScope(scope) {
			return false
		}
	}
	return true
}

// HasAnyScope reports whether at least one required scope is present.
func (d *Data) HasAnyScope(required []string) bool {
	for _, scope := range required {
		if d.HasScope(scope) {
			return true
		}
	}
	return false
}

// Expired reports whether the token expiry has passed at the given time.
func (d *Data) Expired(now time.Time) bool {
	return d.Expires != nil && !d.Expires.After(now)
}

// Info is the database view of a token: the metadata exposed by the token
// administration API. Times serialize as integer epoch seconds on the wire.
type Info struct {
	// Token is the key only; the secret is not stored in the database.
	Token string `json:"token"`

	// Username owns the token.
	Username string `json:"username"`

	// Type is the token type.
	Type Type `json:"token_type"`

	// Name is the user-given label, only for user tokens.
	Name string `json:"token_name,omitempty"`

	// Scopes is the sorted authorization scope set.
	Scopes []string `json:"scopes"`

	// Service is the delegated service, only for internal tokens.
	Service string `json:"service,omitempty"`

	// Created is when the token was created.
	Created Timestamp `json:"created"`

	// Expires is when the token stops being valid, if ever.
	Expires *Timestamp `json:"expires,omitempty"`

	// LastUsed is when the token last authenticated a request, if known.
	LastUsed *Timestamp `json:"last_used,omitempty"`

	// Parent is the key of the parent token, if any.
	Parent string `json:"parent,omitempty"`
}

// Timestamp is a time that serializes as integer epoch seconds.
type Timestamp struct {
	time.Time
}

// NewTimestamp wraps a time at second precision.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{time.Unix(t.Unix(), 0).UTC()}
}

// NewTimestampPtr wraps an optional time; nil stays nil.
func NewTimestampPtr(t *time.Time) *Timestamp {
	if t == nil {
		return nil
	}
	ts := NewTimestamp(*t)
	return &ts
}

// MarshalJSON renders epoch seconds.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%d", t.Unix())), nil
}

// UnmarshalJSON parses epoch seconds.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var secs int64
	if _, err := fmt.Sscanf(string(data), "%d", &secs); err != nil {
		return fmt.Errorf("invalid timestamp %q: %w", string(data), err)
	}
	t.Time = time.Unix(secs, 0).UTC()
	return nil
}

// SortScopes returns a sorted, de-duplicated copy of the scope set.
func SortScopes(scopes []string) []string {
	seen := make(map[string]struct{}, len(scopes))
	out := make([]string, 0, len(scopes))
	for _, s := range scopes {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// ScopesSubset reports whether every element of scopes is in allowed.
func ScopesSubset(scopes, allowed []string) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, s := range allowed {
		set[s] = struct{}{}
	}
	for _, s := range scopes {
		if _, ok := set[s]; !ok {
			return false
		}
	}
	return true
}
