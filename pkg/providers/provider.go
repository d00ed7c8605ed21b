// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package providers defines the upstream identity provider contract shared
// by the GitHub and OpenID Connect login flows.
package providers

import (
	"context"
	"errors"

	"github.com/stacklok/gafaelfawr/pkg/token"
)

// ErrLoginFailed wraps any upstream rejection during the callback leg. The
// login handlers map it to a 403 rather than a 500.
var ErrLoginFailed = errors.New("upstream login failed")

// Login is the identity established by a completed login flow.
type Login struct {
	// UserInfo is the resolved identity, before LDAP enrichment.
	UserInfo token.UserInfo

	// GitHubToken is the upstream OAuth access token, kept in the session
	// cookie so logout can revoke the grant. Empty for OIDC logins.
	GitHubToken string
}

// Provider is an upstream identity provider.
type Provider interface {
	// AuthorizationURL builds the URL to redirect the browser to,
	// carrying the opaque state value.
	AuthorizationURL(state string) string

	// Complete exchanges the callback authorization code and resolves the
	// user identity.
	Complete(ctx context.Context, code string) (*Login, error)
}
