// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package issuer mints the JWTs Gafaelfawr hands out: OpenID Connect
// id_tokens signed with the RSA issuer key, and HS256 InfluxDB tokens.
package issuer

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/stacklok/gafaelfawr/pkg/config"
	"github.com/stacklok/gafaelfawr/pkg/keys"
	"github.com/stacklok/gafaelfawr/pkg/token"
)

// ErrInfluxDBNotConfigured is returned when no InfluxDB secret is set.
var ErrInfluxDBNotConfigured = errors.New("no InfluxDB issuer configuration found")

// Issuer assembles and signs JWT claims.
type Issuer struct {
	cfg  *config.IssuerConfig
	keys *keys.Provider
}

// New creates an Issuer over the configured signing keys.
func New(cfg *config.IssuerConfig, provider *keys.Provider) *Issuer {
	return &Issuer{cfg: cfg, keys: provider}
}

// IDToken mints the id_token delivered at the OIDC token endpoint. The
// lifetime is capped by the session token expiry, so the JWT never outlives
// the session it stands for. Returns the signed JWT and its expiry.
func (i *Issuer) IDToken(data *token.Data, clientID, nonce string, now time.Time) (string, time.Time, error) {
	expires := now.Add(i.cfg.ExpLifetime())
	if data.Expires != nil && data.Expires.Before(expires) {
		expires = *data.Expires
	}

	claims := jwt.MapClaims{
		"iss":   i.cfg.Iss,
		"aud":   clientID,
		"sub":   data.Username,
		"iat":   now.Unix(),
		"exp":   expires.Unix(),
		"scope": "openid",
		"jti":   data.Token.Key,
	}
	if nonce != "" {
		claims["nonce"] = nonce
	}
	if data.UID != 0 {
		claims["uid_number"] = data.UID
	}
	if data.Name != "" {
		claims["name"] = data.Name
	}
	if data.Email != "" {
		claims["email"] = data.Email
	}

	t := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	t.Header["kid"] = i.keys.KeyID()
	signed, err := t.SignedString(i.keys.Key())
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing id_token: %w", err)
	}
	return signed, expires, nil
}

// InfluxDBEnabled reports whether an InfluxDB signing secret is configured.
func (i *Issuer) InfluxDBEnabled() bool {
	return len(i.cfg.InfluxDBSecret) > 0
}

// InfluxDBToken mints the HS256 token InfluxDB 1.x expects: claims are
// username, exp, and iat only. A configured influxdb_username overrides the
// authenticated username.
func (i *Issuer) InfluxDBToken(username string, now time.Time) (string, error) {
	if !i.InfluxDBEnabled() {
		return "", ErrInfluxDBNotConfigured
	}
	if i.cfg.InfluxDBUsername != "" {
		username = i.cfg.InfluxDBUsername
	}
	claims := jwt.MapClaims{
		"username": username,
		"iat":      now.Unix(),
		"exp":      now.Add(i.cfg.ExpLifetime()).Unix(),
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := t.SignedString(i.cfg.InfluxDBSecret)
	if err != nil {
		return "", fmt.Errorf("signing InfluxDB token: %w", err)
	}
	return signed, nil
}
