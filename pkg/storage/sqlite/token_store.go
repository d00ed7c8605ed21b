// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stacklok/gafaelfawr/pkg/storage"
	"github.com/stacklok/gafaelfawr/pkg/token"
)

// TokenStore implements storage.TokenStore on SQLite.
type TokenStore struct {
	db *sql.DB
}

// NewTokenStore creates a SQLite-backed TokenStore.
func NewTokenStore(db *DB) *TokenStore {
	return &TokenStore{db: db.DB()}
}

var _ storage.TokenStore = (*TokenStore)(nil)

// tokenColumns is the SELECT column list shared by all token queries.
const tokenColumns = `t.token, t.username, t.token_type, t.token_name, t.scopes,
			t.service, t.created, t.expires, t.last_used, s.parent`

const tokenFrom = ` FROM token t LEFT JOIN subtoken s ON s.child = t.token`

// Add inserts a token row and its subtoken edge inside one transaction.
func (s *TokenStore) Add(ctx context.Context, info *token.Info) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	// Token names are unique per owner. Check up front so the caller can
	// tell a name collision apart from a key collision; the partial unique
	// index still backstops concurrent inserts.
	if info.Type == token.TypeUser && info.Name != "" {
		var existing string
		err := tx.QueryRowContext(ctx,
			`SELECT token FROM token WHERE username = ? AND token_name = ?`,
			info.Username, info.Name,
		).Scan(&existing)
		if err == nil {
			return storage.ErrDuplicateTokenName
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("checking token name: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO token (
			token, username, token_type, token_name, scopes,
			service, created, expires, last_used
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		info.Token,
		info.Username,
		string(info.Type),
		nullString(info.Name),
		encodeScopes(info.Scopes),
		nullString(info.Service),
		info.Created.Unix(),
		nullTimestamp(info.Expires),
		nullTimestamp(info.LastUsed),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("inserting token: %w", err)
	}

	if info.Parent != "" {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO subtoken (child, parent) VALUES (?, ?)`,
			info.Token, info.Parent,
		); err != nil {
			return fmt.Errorf("inserting subtoken edge: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Get retrieves a token row by key.
func (s *TokenStore) Get(ctx context.Context, key string) (*token.Info, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+tokenColumns+tokenFrom+` WHERE t.token = ?`, key)
	return scanTokenRow(row)
}

// GetByName retrieves the user token named name owned by username.
func (s *TokenStore) GetByName(ctx context.Context, username, name string) (*token.Info, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+tokenColumns+tokenFrom+` WHERE t.username = ? AND t.token_name = ?`,
		username, name)
	return scanTokenRow(row)
}

// List returns tokens owned by username, newest first with the key as the
// tiebreaker. An empty username lists every token.
func (s *TokenStore) List(ctx context.Context, username string) ([]*token.Info, error) {
	query := `SELECT ` + tokenColumns + tokenFrom
	var args []any
	if username != "" {
		query += ` WHERE t.username = ?`
		args = append(args, username)
	}
	query += ` ORDER BY t.created DESC, t.token ASC`
	return s.queryTokens(ctx, query, args...)
}

// Modify applies the given modifications to a token row.
func (s *TokenStore) Modify(ctx context.Context, key string, mods *storage.TokenModifications) error {
	var sets []string
	var args []any

	if mods.Name != nil {
		sets = append(sets, "token_name = ?")
		args = append(args, nullString(*mods.Name))
	}
	if mods.Scopes != nil {
		sets = append(sets, "scopes = ?")
		args = append(args, encodeScopes(mods.Scopes))
	}
	switch {
	case mods.ClearExpires:
		sets = append(sets, "expires = NULL")
	case mods.Expires != nil:
		sets = append(sets, "expires = ?")
		args = append(args, mods.Expires.Unix())
	}
	if mods.LastUsed != nil {
		sets = append(sets, "last_used = ?")
		args = append(args, mods.LastUsed.Unix())
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, key)

	res, err := s.db.ExecContext(ctx,
		`UPDATE token SET `+strings.Join(sets, ", ")+` WHERE token = ?`, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrDuplicateTokenName
		}
		return fmt.Errorf("updating token: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// Delete removes a token row. The subtoken edge goes with it via cascade;
// history rows are left untouched.
func (s *TokenStore) Delete(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM token WHERE token = ?`, key)
	if err != nil {
		return fmt.Errorf("deleting token: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// Children returns the keys of the direct children of key.
func (s *TokenStore) Children(ctx context.Context, key string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT child FROM subtoken WHERE parent = ?`, key)
	if err != nil {
		return nil, fmt.Errorf("querying children: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var children []string
	for rows.Next() {
		var child string
		if err := rows.Scan(&child); err != nil {
			return nil, fmt.Errorf("scanning child key: %w", err)
		}
		children = append(children, child)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating child rows: %w", err)
	}
	return children, nil
}

// Subtokens returns the token rows of the direct children of key.
func (s *TokenStore) Subtokens(ctx context.Context, key string) ([]*token.Info, error) {
	return s.queryTokens(ctx,
		`SELECT `+tokenColumns+tokenFrom+` WHERE s.parent = ? ORDER BY t.created DESC, t.token ASC`,
		key)
}

// ListExpired returns tokens whose expiry is at or before now and whose
// expiry has not been recorded in the change history yet. The anti-join
// keeps repeated sweeps from re-reading rows handled long ago.
func (s *TokenStore) ListExpired(ctx context.Context, now time.Time) ([]*token.Info, error) {
	return s.queryTokens(ctx,
		`SELECT `+tokenColumns+tokenFrom+`
		 WHERE t.expires IS NOT NULL AND t.expires <= ?
		   AND NOT EXISTS (
		     SELECT 1 FROM token_change_history h
		     WHERE h.token = t.token AND h.action = ?
		   )`,
		now.Unix(), string(token.ChangeExpire))
}

func (s *TokenStore) queryTokens(ctx context.Context, query string, args ...any) ([]*token.Info, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying tokens: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tokens []*token.Info
	for rows.Next() {
		info, err := scanTokenRow(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating token rows: %w", err)
	}
	return tokens, nil
}

func scanTokenRow(sc scanner) (*token.Info, error) {
	var (
		key       string
		username  string
		tokenType string
		name      sql.NullString
		scopes    string
		service   sql.NullString
		created   int64
		expires   sql.NullInt64
		lastUsed  sql.NullInt64
		parent    sql.NullString
	)
	err := sc.Scan(&key, &username, &tokenType, &name, &scopes,
		&service, &created, &expires, &lastUsed, &parent)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("scanning token row: %w", err)
	}

	return &token.Info{
		Token:    key,
		Username: username,
		Type:     token.Type(tokenType),
		Name:     name.String,
		Scopes:   decodeScopes(scopes),
		Service:  service.String,
		Created:  token.NewTimestamp(time.Unix(created, 0)),
		Expires:  timestampFromNull(expires),
		LastUsed: timestampFromNull(lastUsed),
		Parent:   parent.String,
	}, nil
}

// encodeScopes renders the scope set as its sorted comma-joined DB form.
func encodeScopes(scopes []string) string {
	return strings.Join(token.SortScopes(scopes), ",")
}

// decodeScopes parses the comma-joined DB form.
func decodeScopes(s string) []string {
	if s == "" {
		return []string{}
	}
	return strings.Split(s, ",")
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTimestamp(t *token.Timestamp) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func timestampFromNull(v sql.NullInt64) *token.Timestamp {
	if !v.Valid {
		return nil
	}
	ts := token.NewTimestamp(time.Unix(v.Int64, 0))
	return &ts
}
