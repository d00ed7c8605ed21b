// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/stacklok/gafaelfawr/pkg/storage"
	"github.com/stacklok/gafaelfawr/pkg/token"
)

// AdminStore implements storage.AdminStore on SQLite. Every mutation writes
// a companion admin_history row in the same transaction.
type AdminStore struct {
	db *sql.DB
}

// NewAdminStore creates a SQLite-backed AdminStore.
func NewAdminStore(db *DB) *AdminStore {
	return &AdminStore{db: db.DB()}
}

var _ storage.AdminStore = (*AdminStore)(nil)

// Add inserts an admin. Adding an existing admin is a no-op and writes no
// history.
func (s *AdminStore) Add(ctx context.Context, username, actor, ipAddress string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	res, err := tx.ExecContext(ctx,
		`INSERT INTO admin (username) VALUES (?) ON CONFLICT DO NOTHING`, username)
	if err != nil {
		return fmt.Errorf("inserting admin: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected > 0 {
		if err := addAdminHistory(ctx, tx, username, "add", actor, ipAddress); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Delete removes an admin.
func (s *AdminStore) Delete(ctx context.Context, username, actor, ipAddress string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	res, err := tx.ExecContext(ctx, `DELETE FROM admin WHERE username = ?`, username)
	if err != nil {
		return fmt.Errorf("deleting admin: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}

	if err := addAdminHistory(ctx, tx, username, "remove", actor, ipAddress); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// List returns all admins, sorted by username.
func (s *AdminStore) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT username FROM admin ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("querying admins: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var admins []string
	for rows.Next() {
		var username string
		if err := rows.Scan(&username); err != nil {
			return nil, fmt.Errorf("scanning admin row: %w", err)
		}
		admins = append(admins, username)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating admin rows: %w", err)
	}
	return admins, nil
}

// IsAdmin reports whether username is an admin.
func (s *AdminStore) IsAdmin(ctx context.Context, username string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM admin WHERE username = ?`, username).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("checking admin: %w", err)
	}
	return count > 0, nil
}

// Count returns the number of admins.
func (s *AdminStore) Count(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM admin`).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting admins: %w", err)
	}
	return count, nil
}

func addAdminHistory(ctx context.Context, tx *sql.Tx, username, action, actor, ipAddress string) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO admin_history (username, action, actor, ip_address, event_time)
		VALUES (?, ?, ?, ?, ?)`,
		username, action, actor, nullString(ipAddress), token.CurrentTime().Unix(),
	); err != nil {
		return fmt.Errorf("inserting admin history: %w", err)
	}
	return nil
}
