// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package storage defines the persistence contracts of the token system.
//
// The database (pkg/storage/sqlite) is the system of record; Redis
// (pkg/storage/redisstore) is an encrypted performance mirror. Sentinel
// errors here let the service layer react without knowing the backend.
package storage

import "errors"

// Sentinel errors shared by the storage backends.
var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrAlreadyExists is returned when an insert hits a primary key that
	// is already present. The deterministic derivation path relies on this
	// to detect a concurrent winner.
	ErrAlreadyExists = errors.New("record already exists")

	// ErrDuplicateTokenName is returned when a user token insert reuses a
	// name the owner already has.
	ErrDuplicateTokenName = errors.New("token name already in use")
)
