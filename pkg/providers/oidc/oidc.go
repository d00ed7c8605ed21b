// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package oidc implements login against a generic upstream OpenID Connect
// provider.
//
// Endpoints come from issuer discovery, with optional configuration
// overrides for providers that want a nonstandard authorization URL or
// extra query parameters. The ID token signature is checked against the
// provider JWKS, fetched through an auto-refreshing cache.
package oidc

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"golang.org/x/oauth2"

	"github.com/stacklok/gafaelfawr/pkg/config"
	"github.com/stacklok/gafaelfawr/pkg/providers"
	"github.com/stacklok/gafaelfawr/pkg/token"
)

const (
	// defaultUsernameClaim carries the username when not configured.
	defaultUsernameClaim = "uid"

	// defaultUIDClaim carries the numeric UID when not configured.
	defaultUIDClaim = "uidNumber"

	requestTimeout = 10 * time.Second
)

// Provider implements providers.Provider against an upstream OIDC issuer.
type Provider struct {
	cfg     *config.OIDCConfig
	oauth   *oauth2.Config
	client  *http.Client
	jwks    *jwk.Cache
	jwksURL string
}

// New discovers the issuer endpoints and prepares the JWKS cache. The
// context governs discovery and the lifetime of the background JWKS
// refresher.
func New(ctx context.Context, cfg *config.OIDCConfig, redirectURL string) (*Provider, error) {
	client := &http.Client{Timeout: requestTimeout}
	ctx = gooidc.ClientContext(ctx, client)

	discovered, err := gooidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("discovering OIDC issuer %s: %w", cfg.Issuer, err)
	}
	var meta struct {
		JWKSURI string `json:"jwks_uri"`
	}
	if err := discovered.Claims(&meta); err != nil {
		return nil, fmt.Errorf("reading issuer metadata: %w", err)
	}
	if meta.JWKSURI == "" {
		return nil, fmt.Errorf("issuer %s advertises no jwks_uri", cfg.Issuer)
	}

	endpoint := discovered.Endpoint()
	if cfg.LoginURL != "" {
		endpoint.AuthURL = cfg.LoginURL
	}
	if cfg.TokenURL != "" {
		endpoint.TokenURL = cfg.TokenURL
	}

	scopes := []string{gooidc.ScopeOpenID}
	for _, s := range cfg.Scopes {
		if s != gooidc.ScopeOpenID {
			scopes = append(scopes, s)
		}
	}

	cache, err := jwk.NewCache(ctx, httprc.NewClient(httprc.WithHTTPClient(client)))
	if err != nil {
		return nil, fmt.Errorf("creating JWKS cache: %w", err)
	}
	if err := cache.Register(ctx, meta.JWKSURI); err != nil {
		return nil, fmt.Errorf("registering JWKS URL: %w", err)
	}

	return &Provider{
		cfg: cfg,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  redirectURL,
			Scopes:       scopes,
			Endpoint:     endpoint,
		},
		client:  client,
		jwks:    cache,
		jwksURL: meta.JWKSURI,
	}, nil
}

// AuthorizationURL builds the upstream authorization redirect, appending any
// configured extra login parameters.
func (p *Provider) AuthorizationURL(state string) string {
	opts := make([]oauth2.AuthCodeOption, 0, len(p.cfg.LoginParams))
	for k, v := range p.cfg.LoginParams {
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}
	return p.oauth.AuthCodeURL(state, opts...)
}

// Complete exchanges the code, verifies the returned ID token, and maps its
// claims onto the user identity.
func (p *Provider) Complete(ctx context.Context, code string) (*providers.Login, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.client)
	tok, err := p.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("%w: exchanging code: %w", providers.ErrLoginFailed, err)
	}
	rawIDToken, ok := tok.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, fmt.Errorf("%w: token response carried no id_token", providers.ErrLoginFailed)
	}

	claims, err := p.verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", providers.ErrLoginFailed, err)
	}
	info, err := p.identity(claims)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", providers.ErrLoginFailed, err)
	}
	return &providers.Login{UserInfo: *info}, nil
}

// verify checks the ID token signature against the cached JWKS and validates
// the issuer, audience, and expiry claims.
func (p *Provider) verify(ctx context.Context, rawIDToken string) (jwt.MapClaims, error) {
	parsed, err := jwt.Parse(rawIDToken, p.keyFor(ctx),
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithIssuer(p.cfg.Issuer),
		jwt.WithAudience(p.audience()),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("verifying id_token: %w", err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("id_token carries no claims")
	}
	return claims, nil
}

// keyFor resolves the signing key for a token header from the JWKS cache.
func (p *Provider) keyFor(ctx context.Context) jwt.Keyfunc {
	return func(t *jwt.Token) (any, error) {
		kid, ok := t.Header["kid"].(string)
		if !ok {
			return nil, fmt.Errorf("id_token header missing kid")
		}
		keySet, err := p.jwks.Lookup(ctx, p.jwksURL)
		if err != nil {
			return nil, fmt.Errorf("looking up JWKS: %w", err)
		}
		key, found := keySet.LookupKeyID(kid)
		if !found {
			return nil, fmt.Errorf("key %s not in JWKS", kid)
		}
		var raw any
		if err := jwk.Export(key, &raw); err != nil {
			return nil, fmt.Errorf("exporting JWKS key: %w", err)
		}
		return raw, nil
	}
}

func (p *Provider) identity(claims jwt.MapClaims) (*token.UserInfo, error) {
	usernameClaim := p.cfg.UsernameClaim
	if usernameClaim == "" {
		usernameClaim = defaultUsernameClaim
	}
	username, ok := claims[usernameClaim].(string)
	if !ok || username == "" {
		return nil, fmt.Errorf("id_token has no %s claim", usernameClaim)
	}

	info := &token.UserInfo{Username: strings.ToLower(username)}
	if name, ok := claims["name"].(string); ok {
		info.Name = name
	}
	if email, ok := claims["email"].(string); ok {
		info.Email = email
	}

	uidClaim := p.cfg.UIDClaim
	if uidClaim == "" {
		uidClaim = defaultUIDClaim
	}
	if raw, ok := claims[uidClaim]; ok {
		uid, err := numericClaim(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s claim: %w", uidClaim, err)
		}
		info.UID = uid
	}
	return info, nil
}

func (p *Provider) audience() string {
	if p.cfg.Audience != "" {
		return p.cfg.Audience
	}
	return p.cfg.ClientID
}

// numericClaim accepts the numeric encodings seen in the wild: JSON numbers
// and digit strings.
func numericClaim(raw any) (int, error) {
	switch v := raw.(type) {
	case float64:
		return int(v), nil
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("not a number: %q", v)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("unexpected type %T", raw)
	}
}

// CodeFromCallback pulls the authorization code out of a provider callback
// URL, surfacing the provider error parameters when the login was refused.
func CodeFromCallback(query url.Values) (string, error) {
	if e := query.Get("error"); e != "" {
		desc := query.Get("error_description")
		return "", fmt.Errorf("%w: %s: %s", providers.ErrLoginFailed, e, desc)
	}
	code := query.Get("code")
	if code == "" {
		return "", fmt.Errorf("%w: callback carried no code", providers.ErrLoginFailed)
	}
	return code, nil
}
