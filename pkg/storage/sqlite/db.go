// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package sqlite implements the database of record on SQLite.
//
// The stores are written against database/sql with plain SQL, so swapping in
// another driver is a matter of the connection URL; SQLite is what ships.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	sqlite3 "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

// DB wraps the SQL connection shared by the stores.
type DB struct {
	db *sql.DB
}

// Open connects to the database named by databaseURL, applies pragmas, and
// runs pending migrations. Accepted URL forms: "sqlite:///path/to/db",
// "sqlite://:memory:", or a raw DSN passed through to the driver.
func Open(ctx context.Context, databaseURL string) (*DB, error) {
	dsn := dsnFromURL(databaseURL)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// SQLite handles one writer at a time; a single connection avoids
	// SQLITE_BUSY under concurrent transactions.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &DB{db: db}, nil
}

// dsnFromURL converts a database URL into a modernc.org/sqlite DSN with the
// pragmas every connection needs.
func dsnFromURL(databaseURL string) string {
	path := databaseURL
	switch {
	case strings.HasPrefix(databaseURL, "sqlite:///"):
		path = "/" + strings.TrimPrefix(databaseURL, "sqlite:///")
	case strings.HasPrefix(databaseURL, "sqlite://"):
		path = strings.TrimPrefix(databaseURL, "sqlite://")
	}
	if strings.Contains(path, "?") {
		return path
	}
	return path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
}

// DB exposes the underlying connection for the stores.
func (d *DB) DB() *sql.DB {
	return d.db
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// scanner is an interface satisfied by both *sql.Row and *sql.Rows.
type scanner interface{ Scan(dest ...any) error }

// isUniqueViolation checks for a SQLite UNIQUE constraint violation.
func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite3.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE ||
			code == sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

// rollback rolls back tx, ignoring errors (tx may already be committed).
func rollback(tx *sql.Tx) { _ = tx.Rollback() }
