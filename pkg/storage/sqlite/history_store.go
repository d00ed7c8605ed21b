// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/stacklok/gafaelfawr/pkg/storage"
	"github.com/stacklok/gafaelfawr/pkg/token"
)

// HistoryStore implements storage.HistoryStore on SQLite.
type HistoryStore struct {
	db *sql.DB
}

// NewHistoryStore creates a SQLite-backed HistoryStore.
func NewHistoryStore(db *DB) *HistoryStore {
	return &HistoryStore{db: db.DB()}
}

var _ storage.HistoryStore = (*HistoryStore)(nil)

const historyColumns = `id, token, username, token_type, token_name, parent,
			scopes, service, expires, actor, action,
			old_token_name, old_scopes, old_expires, ip_address, event_time`

// Add appends a change entry to the audit log.
func (s *HistoryStore) Add(ctx context.Context, entry *token.ChangeHistoryEntry) error {
	var oldScopes any
	if entry.OldScopes != nil {
		oldScopes = encodeScopes(entry.OldScopes)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO token_change_history (
			token, username, token_type, token_name, parent, scopes,
			service, expires, actor, action,
			old_token_name, old_scopes, old_expires, ip_address, event_time
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.Token,
		entry.Username,
		string(entry.Type),
		nullString(entry.Name),
		nullString(entry.Parent),
		encodeScopes(entry.Scopes),
		nullString(entry.Service),
		nullTimestamp(entry.Expires),
		entry.Actor,
		string(entry.Action),
		nullString(entry.OldName),
		oldScopes,
		nullTimestamp(entry.OldExpires),
		nullString(entry.IPAddress),
		entry.EventTime.Unix(),
	)
	if err != nil {
		return fmt.Errorf("inserting history entry: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting history id: %w", err)
	}
	entry.ID = id
	return nil
}

// ListForToken returns entries for a single token, newest first.
func (s *HistoryStore) ListForToken(ctx context.Context, key string) ([]*token.ChangeHistoryEntry, error) {
	return s.queryEntries(ctx,
		`SELECT `+historyColumns+` FROM token_change_history
		 WHERE token = ? ORDER BY event_time DESC, id DESC`, key)
}

// List returns one page of entries matching the query, sorted newest first.
// Pagination is keyset on (event_time, id): a forward cursor selects rows at
// or before the position, a previous cursor rows strictly after it.
func (s *HistoryStore) List(ctx context.Context, q *storage.HistoryQuery) (*token.PaginatedHistory, error) {
	where, args := buildHistoryFilter(q)

	var count int
	countQuery := `SELECT COUNT(*) FROM token_change_history` + where
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&count); err != nil {
		return nil, fmt.Errorf("counting history entries: %w", err)
	}

	query := `SELECT ` + historyColumns + ` FROM token_change_history` + where
	pageArgs := args
	backward := q.Cursor != nil && q.Cursor.Previous
	if q.Cursor != nil {
		clause := ` AND (event_time < ? OR (event_time = ? AND id <= ?))`
		if backward {
			clause = ` AND (event_time > ? OR (event_time = ? AND id > ?))`
		}
		if where == "" {
			clause = " WHERE" + clause[4:]
		}
		query += clause
		pageArgs = append(pageArgs, q.Cursor.Time.Unix(), q.Cursor.Time.Unix(), q.Cursor.ID)
	}
	if backward {
		query += ` ORDER BY event_time ASC, id ASC`
	} else {
		query += ` ORDER BY event_time DESC, id DESC`
	}
	if q.Limit > 0 {
		// One extra row tells us whether a next page exists.
		query += fmt.Sprintf(` LIMIT %d`, q.Limit+1)
	}

	entries, err := s.queryEntries(ctx, query, pageArgs...)
	if err != nil {
		return nil, err
	}

	page := &token.PaginatedHistory{Count: count}
	var overflow *token.ChangeHistoryEntry
	if q.Limit > 0 && len(entries) > q.Limit {
		overflow = entries[q.Limit]
		entries = entries[:q.Limit]
	}
	if backward {
		reverse(entries)
	}
	page.Entries = entries

	if len(entries) == 0 {
		return page, nil
	}

	if backward {
		// The overflow row (oldest direction of the scan) proves rows
		// newer than this page exist.
		if overflow != nil {
			first := entries[0]
			page.PrevCursor = &token.HistoryCursor{
				Time: first.EventTime.Time, ID: first.ID, Previous: true,
			}
		}
		last := entries[len(entries)-1]
		next, err := s.positionAfter(ctx, where, args, last)
		if err != nil {
			return nil, err
		}
		page.NextCursor = next
	} else {
		if q.Cursor != nil {
			first := entries[0]
			page.PrevCursor = &token.HistoryCursor{
				Time: first.EventTime.Time, ID: first.ID, Previous: true,
			}
		}
		if overflow != nil {
			page.NextCursor = &token.HistoryCursor{
				Time: overflow.EventTime.Time, ID: overflow.ID,
			}
		}
	}
	return page, nil
}

// positionAfter finds the cursor of the row just older than entry, if any.
func (s *HistoryStore) positionAfter(
	ctx context.Context, where string, args []any, entry *token.ChangeHistoryEntry,
) (*token.HistoryCursor, error) {
	query := `SELECT event_time, id FROM token_change_history` + where
	clause := ` AND (event_time < ? OR (event_time = ? AND id < ?))`
	if where == "" {
		clause = " WHERE" + clause[4:]
	}
	query += clause + ` ORDER BY event_time DESC, id DESC LIMIT 1`
	args = append(append([]any{}, args...),
		entry.EventTime.Unix(), entry.EventTime.Unix(), entry.ID)

	var secs, id int64
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&secs, &id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("finding next cursor: %w", err)
	}
	return &token.HistoryCursor{Time: time.Unix(secs, 0).UTC(), ID: id}, nil
}

// buildHistoryFilter renders the WHERE clause for a history query.
func buildHistoryFilter(q *storage.HistoryQuery) (string, []any) {
	var conds []string
	var args []any

	add := func(cond string, vals ...any) {
		conds = append(conds, cond)
		args = append(args, vals...)
	}

	if q.Username != "" {
		add("username = ?", q.Username)
	}
	if q.Actor != "" {
		add("actor = ?", q.Actor)
	}
	if q.Key != "" {
		add("(token = ? OR parent = ?)", q.Key, q.Key)
	}
	if q.Token != "" {
		add("token = ?", q.Token)
	}
	if q.TokenType != "" {
		add("token_type = ?", string(q.TokenType))
	}
	if q.IPAddress != "" {
		add("ip_address = ?", q.IPAddress)
	}
	if q.IPNet != nil {
		// SQLite cannot match CIDR blocks; a textual prefix on the
		// network part covers the aligned /8, /16, /24 cases and the
		// service filters the page exactly.
		add("ip_address LIKE ?", cidrPrefix(q.IPNet)+"%")
	}
	if !q.Since.IsZero() {
		add("event_time >= ?", q.Since.Unix())
	}
	if !q.Until.IsZero() {
		add("event_time <= ?", q.Until.Unix())
	}

	if len(conds) == 0 {
		return "", nil
	}
	where := " WHERE " + conds[0]
	for _, c := range conds[1:] {
		where += " AND " + c
	}
	return where, args
}

// cidrPrefix returns the longest textual prefix shared by every address in
// the block, used to pre-filter in SQL.
func cidrPrefix(ipNet *net.IPNet) string {
	s := ipNet.IP.String()
	ones, bits := ipNet.Mask.Size()
	if ones == bits {
		return s
	}
	if ipNet.IP.To4() != nil {
		// Keep whole octets only.
		keep := ones / 8
		parts := strings.SplitAfter(s, ".")
		if keep >= len(parts) {
			return s
		}
		return strings.Join(parts[:keep], "")
	}
	// IPv6: keep whole 16-bit groups.
	keep := ones / 16
	parts := strings.SplitAfter(s, ":")
	if keep >= len(parts) {
		return s
	}
	return strings.Join(parts[:keep], "")
}

func (s *HistoryStore) queryEntries(
	ctx context.Context, query string, args ...any,
) ([]*token.ChangeHistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*token.ChangeHistoryEntry
	for rows.Next() {
		entry, err := scanHistoryRow(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating history rows: %w", err)
	}
	return entries, nil
}

func scanHistoryRow(sc scanner) (*token.ChangeHistoryEntry, error) {
	var (
		entry      token.ChangeHistoryEntry
		tokenType  string
		name       sql.NullString
		parent     sql.NullString
		scopes     string
		service    sql.NullString
		expires    sql.NullInt64
		action     string
		oldName    sql.NullString
		oldScopes  sql.NullString
		oldExpires sql.NullInt64
		ipAddress  sql.NullString
		eventTime  int64
	)
	err := sc.Scan(&entry.ID, &entry.Token, &entry.Username, &tokenType, &name,
		&parent, &scopes, &service, &expires, &entry.Actor, &action,
		&oldName, &oldScopes, &oldExpires, &ipAddress, &eventTime)
	if err != nil {
		return nil, fmt.Errorf("scanning history row: %w", err)
	}

	entry.Type = token.Type(tokenType)
	entry.Name = name.String
	entry.Parent = parent.String
	entry.Scopes = decodeScopes(scopes)
	entry.Service = service.String
	entry.Expires = timestampFromNull(expires)
	entry.Action = token.Change(action)
	entry.OldName = oldName.String
	if oldScopes.Valid {
		entry.OldScopes = decodeScopes(oldScopes.String)
	}
	entry.OldExpires = timestampFromNull(oldExpires)
	entry.IPAddress = ipAddress.String
	entry.EventTime = token.NewTimestamp(time.Unix(eventTime, 0))
	return &entry, nil
}

func reverse(entries []*token.ChangeHistoryEntry) {
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
}
