// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package service holds the business logic between the HTTP handlers and
// the stores: token lifecycle and derivation, the admin roster, the embedded
// OIDC server, InfluxDB token issuance, and the expiry sweep.
package service

import (
	"context"
	"errors"
	"time"

	"github.com/stacklok/gafaelfawr/pkg/apierror"
	"github.com/stacklok/gafaelfawr/pkg/issuer"
	"github.com/stacklok/gafaelfawr/pkg/logger"
	"github.com/stacklok/gafaelfawr/pkg/token"
)

// ErrInvalidToken covers every resolution failure: unknown key, secret
// mismatch, expiry. Handlers map it to 401 invalid_token.
var ErrInvalidToken = errors.New("token is invalid")

// AdminScope grants authority over any user's tokens and the admin roster.
const AdminScope = "admin:token"

// UserTokenScope grants a user authority over their own tokens.
const UserTokenScope = "user:token"

// SessionStore is the encrypted Redis mirror of token data.
type SessionStore interface {
	Store(ctx context.Context, data *token.Data) error
	Get(ctx context.Context, key string) (*token.Data, error)
	Delete(ctx context.Context, key string) error
}

// Caller is the authenticated principal behind a service call.
type Caller struct {
	// Data is the resolved token, nil for the bootstrap token.
	Data *token.Data

	// Bootstrap marks the configuration bootstrap token, which acts with
	// admin authority under the BootstrapActor name.
	Bootstrap bool

	// IP is the client address recorded in history entries.
	IP string
}

// Actor returns the name recorded in history entries for this caller.
func (c *Caller) Actor() string {
	if c.Bootstrap {
		return token.BootstrapActor
	}
	return c.Data.Username
}

// HasAdmin reports whether the caller carries blanket token authority.
func (c *Caller) HasAdmin() bool {
	return c.Bootstrap || c.Data.HasScope(AdminScope)
}

// Username returns the authenticated username, empty for bootstrap.
func (c *Caller) Username() string {
	if c.Bootstrap {
		return ""
	}
	return c.Data.Username
}

// canRead reports whether the caller may inspect username's tokens.
func (c *Caller) canRead(username string) bool {
	return c.HasAdmin() || c.Username() == username
}

// canWrite reports whether the caller may mutate username's tokens.
func (c *Caller) canWrite(username string) bool {
	if c.HasAdmin() {
		return true
	}
	return c.Username() == username && c.Data.HasScope(UserTokenScope)
}

// InfluxDBService mints HS256 tokens for InfluxDB 1.x.
type InfluxDBService struct {
	issuer *issuer.Issuer
}

// NewInfluxDBService creates the InfluxDB token service.
func NewInfluxDBService(iss *issuer.Issuer) *InfluxDBService {
	return &InfluxDBService{issuer: iss}
}

// CreateToken mints a token for the authenticated user. Returns
// not_supported when no InfluxDB secret is configured.
func (s *InfluxDBService) CreateToken(data *token.Data) (string, error) {
	signed, err := s.issuer.InfluxDBToken(data.Username, time.Now())
	if err != nil {
		if errors.Is(err, issuer.ErrInfluxDBNotConfigured) {
			return "", apierror.NotSupported("No InfluxDB issuer configuration found")
		}
		return "", err
	}
	logger.Infow("Issued InfluxDB token",
		"user", data.Username, "token", data.Token.Key)
	return signed, nil
}
