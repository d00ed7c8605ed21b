// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"fmt"
	"strings"

	"github.com/stacklok/gafaelfawr/pkg/apierror"
)

// ChallengeType selects the authentication scheme advertised on 401/403
// responses. Browsers pop a password dialog on Basic, so interactive routes
// ask for it explicitly; API routes default to Bearer.
type ChallengeType string

// Challenge schemes.
const (
	ChallengeBearer ChallengeType = "bearer"
	ChallengeBasic  ChallengeType = "basic"
)

// ParseChallengeType validates the auth_type request parameter.
func ParseChallengeType(s string) (ChallengeType, error) {
	switch s {
	case "", string(ChallengeBearer):
		return ChallengeBearer, nil
	case string(ChallengeBasic):
		return ChallengeBasic, nil
	default:
		return "", fmt.Errorf("unknown auth_type %q", s)
	}
}

// Challenge is a WWW-Authenticate header value under assembly.
type Challenge struct {
	// Type is the advertised scheme.
	Type ChallengeType

	// Realm is the deployment realm.
	Realm string

	// Error is the RFC 6750 error code. Only rendered for Bearer.
	Error string

	// Description is the RFC 6750 error_description. Only for Bearer.
	Description string

	// Scopes is rendered as the scope attribute on insufficient_scope
	// challenges.
	Scopes []string
}

// ChallengeFor builds the challenge matching an authentication error.
func ChallengeFor(ct ChallengeType, realm string, err *apierror.Error) *Challenge {
	c := &Challenge{Type: ct, Realm: realm}
	switch err.Type {
	case apierror.TypeInvalidRequest, apierror.TypeInvalidToken, apierror.TypeInsufficientScope:
		c.Error = err.Type
		c.Description = err.Message
	}
	return c
}

// Header renders the WWW-Authenticate value.
func (c *Challenge) Header() string {
	if c.Type == ChallengeBasic {
		return fmt.Sprintf("Basic realm=%q", c.Realm)
	}

	parts := []string{fmt.Sprintf("realm=%q", c.Realm)}
	if c.Error != "" {
		parts = append(parts, fmt.Sprintf("error=%q", c.Error))
	}
	if c.Description != "" {
		parts = append(parts, fmt.Sprintf("error_description=%q", c.Description))
	}
	if len(c.Scopes) > 0 {
		parts = append(parts, fmt.Sprintf("scope=%q", strings.Join(c.Scopes, " ")))
	}
	return "Bearer " + strings.Join(parts, ", ")
}
