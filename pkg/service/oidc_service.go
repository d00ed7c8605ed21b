// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stacklok/gafaelfawr/pkg/apierror"
	"github.com/stacklok/gafaelfawr/pkg/config"
	"github.com/stacklok/gafaelfawr/pkg/issuer"
	"github.com/stacklok/gafaelfawr/pkg/logger"
	"github.com/stacklok/gafaelfawr/pkg/storage"
	"github.com/stacklok/gafaelfawr/pkg/storage/redisstore"
	"github.com/stacklok/gafaelfawr/pkg/token"
)

// CodeStore is the single-use authorization code store.
type CodeStore interface {
	Create(ctx context.Context, auth *redisstore.Authorization) error
	Consume(ctx context.Context, code token.Code) (*redisstore.Authorization, error)
}

// OIDCService implements the embedded OpenID Connect identity provider:
// code issuance for registered clients and code redemption for signed JWTs.
type OIDCService struct {
	cfg    *config.OIDCServerConfig
	codes  CodeStore
	tokens *TokenService
	issuer *issuer.Issuer
}

// NewOIDCService wires the OIDC server over its collaborators.
func NewOIDCService(cfg *config.OIDCServerConfig, codes CodeStore, tokens *TokenService, iss *issuer.Issuer) *OIDCService {
	return &OIDCService{cfg: cfg, codes: codes, tokens: tokens, issuer: iss}
}

// Enabled reports whether any clients are registered.
func (s *OIDCService) Enabled() bool {
	return len(s.cfg.Clients) > 0
}

// ValidateClient checks the client identity and the redirect target of an
// authorization request. Until this passes, nothing may be sent back through
// redirectURI, not even protocol error codes.
func (s *OIDCService) ValidateClient(clientID, redirectURI string) error {
	client := s.findClient(clientID)
	if client == nil {
		return apierror.ValidationFailed(
			fmt.Sprintf("Unknown client_id %q", clientID), apierror.LocQuery, "client_id")
	}
	if !strings.HasPrefix(redirectURI, client.ReturnURI) {
		return apierror.InvalidReturnURL(
			"redirect_uri does not match the registered return URI", "redirect_uri")
	}
	return nil
}

// Authorize validates an authorization request for an authenticated user
// and mints a single-use code.
func (s *OIDCService) Authorize(ctx context.Context, data *token.Data, clientID, redirectURI, nonce string) (token.Code, error) {
	if err := s.ValidateClient(clientID, redirectURI); err != nil {
		return token.Code{}, err
	}

	auth := &redisstore.Authorization{
		Code:        token.NewCode(),
		ClientID:    clientID,
		RedirectURI: redirectURI,
		Token:       data.Token,
		Nonce:       nonce,
		CreatedAt:   token.CurrentTime(),
	}
	if err := s.codes.Create(ctx, auth); err != nil {
		return token.Code{}, fmt.Errorf("storing authorization code: %w", err)
	}
	logger.Infow("Issued authorization code",
		"user", data.Username, "client_id", clientID)
	return auth.Code, nil
}

// TokenResponse is the body of a successful token-endpoint redemption.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	IDToken     string `json:"id_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	Scope       string `json:"scope"`
}

// Redeem authenticates the client, consumes the code, and mints the JWT.
// The code is single-use: concurrent redemptions race on an atomic
// get-and-delete and at most one wins.
func (s *OIDCService) Redeem(ctx context.Context, clientID, clientSecret, rawCode, redirectURI string) (*TokenResponse, error) {
	if !s.authenticateClient(clientID, clientSecret) {
		return nil, apierror.InvalidClient("Invalid client credentials")
	}

	code, err := token.ParseCode(rawCode)
	if err != nil {
		return nil, apierror.InvalidGrant("Invalid authorization code")
	}
	auth, err := s.codes.Consume(ctx, code)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apierror.InvalidGrant("Invalid authorization code")
		}
		return nil, fmt.Errorf("consuming authorization code: %w", err)
	}
	if auth.ClientID != clientID || auth.RedirectURI != redirectURI {
		return nil, apierror.InvalidGrant("Authorization code was issued to a different client")
	}

	data, err := s.tokens.Resolve(ctx, auth.Token)
	if err != nil {
		if errors.Is(err, ErrInvalidToken) {
			return nil, apierror.InvalidGrant("Underlying session is no longer valid")
		}
		return nil, err
	}

	now := time.Now()
	idToken, expires, err := s.issuer.IDToken(data, clientID, auth.Nonce, now)
	if err != nil {
		return nil, fmt.Errorf("minting id_token: %w", err)
	}
	logger.Infow("Redeemed authorization code",
		"user", data.Username, "client_id", clientID, "token", data.Token.Key)
	return &TokenResponse{
		AccessToken: data.Token.String(),
		IDToken:     idToken,
		TokenType:   "Bearer",
		ExpiresIn:   int64(expires.Sub(now).Seconds()),
		Scope:       "openid",
	}, nil
}

// authenticateClient compares credentials against every registered client
// in constant time per candidate, without early exit on the id.
func (s *OIDCService) authenticateClient(clientID, clientSecret string) bool {
	ok := false
	for i := range s.cfg.Clients {
		client := &s.cfg.Clients[i]
		idMatch := subtle.ConstantTimeCompare([]byte(client.ID), []byte(clientID))
		secretMatch := subtle.ConstantTimeCompare([]byte(client.Secret), []byte(clientSecret))
		if idMatch&secretMatch == 1 {
			ok = true
		}
	}
	return ok
}

func (s *OIDCService) findClient(clientID string) *config.OIDCClient {
	for i := range s.cfg.Clients {
		if s.cfg.Clients[i].ID == clientID {
			return &s.cfg.Clients[i]
		}
	}
	return nil
}
