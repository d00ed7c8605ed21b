// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Change is the kind of a token lifecycle event.
type Change string

// Token change kinds.
const (
	ChangeCreate Change = "create"
	ChangeRevoke Change = "revoke"
	ChangeEdit   Change = "edit"
	ChangeExpire Change = "expire"
)

// BootstrapActor is recorded as the actor of system-initiated changes that
// have no authenticated user behind them.
const BootstrapActor = "<bootstrap>"

// ChangeHistoryEntry is one immutable record in the token audit log.
// Old* fields carry the prior value of a field modified by an edit and are
// unset for other change kinds.
type ChangeHistoryEntry struct {
	// ID is the database row id, used as the pagination tiebreaker.
	ID int64 `json:"id,omitempty"`

	// Token is the key of the affected token.
	Token string `json:"token"`

	// Username owns the affected token.
	Username string `json:"username"`

	// Type is the affected token's type.
	Type Type `json:"token_type"`

	// Name is the user-given label of the token, if any.
	Name string `json:"token_name,omitempty"`

	// Parent is the affected token's parent key, if any.
	Parent string `json:"parent,omitempty"`

	// Scopes is the scope set after the change.
	Scopes []string `json:"scopes"`

	// Service is the delegated service for internal tokens.
	Service string `json:"service,omitempty"`

	// Expires is the expiry after the change, if any.
	Expires *Timestamp `json:"expires,omitempty"`

	// Actor is the username that made the change, or BootstrapActor.
	Actor string `json:"actor"`

	// Action is the change kind.
	Action Change `json:"action"`

	// OldName is the previous label when an edit renamed the token.
	OldName string `json:"old_token_name,omitempty"`

	// OldScopes is the previous scope set when an edit changed scopes.
	OldScopes []string `json:"old_scopes,omitempty"`

	// OldExpires is the previous expiry when an edit changed it.
	OldExpires *Timestamp `json:"old_expires,omitempty"`

	// IPAddress is where the request came from; empty for system actions.
	IPAddress string `json:"ip_address,omitempty"`

	// EventTime is when the change happened.
	EventTime Timestamp `json:"event_time"`
}

// HistoryCursor is a keyset pagination position in the change history.
// The printable form is "<unix>_<id>" for a forward cursor and
// "p<unix>_<id>" for a cursor pointing at the previous page.
type HistoryCursor struct {
	// Time is the event time component of the position.
	Time time.Time

	// ID is the row id tiebreaker.
	ID int64

	// Previous marks a backward cursor.
	Previous bool
}

// ParseCursor parses the printable cursor form.
func ParseCursor(s string) (HistoryCursor, error) {
	if !cursorRegex.MatchString(s) {
		return HistoryCursor{}, fmt.Errorf("invalid cursor %q", s)
	}
	previous := strings.HasPrefix(s, "p")
	trimmed := strings.TrimPrefix(s, "p")
	timePart, idPart, _ := strings.Cut(trimmed, "_")
	secs, err := strconv.ParseInt(timePart, 10, 64)
	if err != nil {
		return HistoryCursor{}, fmt.Errorf("invalid cursor %q: %w", s, err)
	}
	id, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil {
		return HistoryCursor{}, fmt.Errorf("invalid cursor %q: %w", s, err)
	}
	return HistoryCursor{
		Time:     time.Unix(secs, 0).UTC(),
		ID:       id,
		Previous: previous,
	}, nil
}

// String renders the printable cursor form.
func (c HistoryCursor) String() string {
	prefix := ""
	if c.Previous {
		prefix = "p"
	}
	return fmt.Sprintf("%s%d_%d", prefix, c.Time.Unix(), c.ID)
}

// Invert flips the cursor direction, keeping the position.
func (c HistoryCursor) Invert() HistoryCursor {
	return HistoryCursor{Time: c.Time, ID: c.ID, Previous: !c.Previous}
}

// PaginatedHistory is one page of the change history plus the cursors
// needed to build RFC 8288 Link headers.
type PaginatedHistory struct {
	// Entries are the history records of this page, newest first.
	Entries []*ChangeHistoryEntry

	// Count is the total number of matching records.
	Count int

	// PrevCursor positions the previous page; zero when on the first page.
	PrevCursor *HistoryCursor

	// NextCursor positions the next page; zero when on the last page.
	NextCursor *HistoryCursor
}
