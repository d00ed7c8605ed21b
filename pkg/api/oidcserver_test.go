// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/gafaelfawr/pkg/service"
	"github.com/stacklok/gafaelfawr/pkg/token"
)

const chronografRedirect = "https://chronograf.example.com/oauth/callback"

// authorizeCode drives the authorization endpoint and returns the code.
func authorizeCode(t *testing.T, ts *testServer, data *token.Data) string {
	t.Helper()
	params := url.Values{
		"client_id":     {"chronograf"},
		"redirect_uri":  {chronografRedirect},
		"response_type": {"code"},
		"scope":         {"openid"},
		"state":         {"chrono-state"},
		"nonce":         {"chrono-nonce"},
	}
	req := httptest.NewRequest(http.MethodGet, "/auth/openid/login?"+params.Encode(), nil)
	req.AddCookie(ts.sessionCookie(t, data, "csrf"))
	rec := ts.do(req)

	require.Equal(t, http.StatusFound, rec.Code)
	location, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "chronograf.example.com", location.Host)
	assert.Equal(t, "chrono-state", location.Query().Get("state"))
	code := location.Query().Get("code")
	require.NotEmpty(t, code)
	return code
}

func redeemForm(code string) url.Values {
	return url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {"chronograf"},
		"client_secret": {"chronograf-secret"},
		"code":          {code},
		"redirect_uri":  {chronografRedirect},
	}
}

func postToken(ts *testServer, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/auth/openid/token",
		strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return ts.do(req)
}

func TestOIDCServerCodeFlow(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	data := ts.session(t, "rachel", []string{"read:all"})

	code := authorizeCode(t, ts, data)
	rec := postToken(ts, redeemForm(code))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	var resp service.TokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, data.Token.String(), resp.AccessToken)
	assert.Equal(t, "Bearer", resp.TokenType)
	assert.Equal(t, "openid", resp.Scope)

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(resp.IDToken, claims, func(*jwt.Token) (any, error) {
		return ts.keys.Key().Public(), nil
	}, jwt.WithValidMethods([]string{"RS256"}))
	require.NoError(t, err)
	assert.Equal(t, "https://example.com", claims["iss"])
	assert.Equal(t, "rachel", claims["sub"])
	assert.Equal(t, "chrono-nonce", claims["nonce"])

	// Codes are single use: a replay is rejected.
	rec = postToken(ts, redeemForm(code))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_grant")
}

func TestOIDCServerLoginRedirectsUnauthenticated(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	target := "/auth/openid/login?client_id=chronograf&response_type=code&scope=openid"
	rec := ts.do(httptest.NewRequest(http.MethodGet, target, nil))

	require.Equal(t, http.StatusTemporaryRedirect, rec.Code)
	location := rec.Header().Get("Location")
	assert.True(t, strings.HasPrefix(location, "/login?rd="), location)
	rd, err := url.QueryUnescape(strings.TrimPrefix(location, "/login?rd="))
	require.NoError(t, err)
	assert.Equal(t, "https://example.com"+target, rd)
}

func TestOIDCServerProtocolErrorsRedirect(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	data := ts.session(t, "rachel", []string{"read:all"})

	params := url.Values{
		"client_id":     {"chronograf"},
		"redirect_uri":  {chronografRedirect},
		"response_type": {"token"},
		"scope":         {"openid"},
		"state":         {"s"},
	}
	req := httptest.NewRequest(http.MethodGet, "/auth/openid/login?"+params.Encode(), nil)
	req.AddCookie(ts.sessionCookie(t, data, "csrf"))
	rec := ts.do(req)

	require.Equal(t, http.StatusFound, rec.Code)
	location, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "unsupported_response_type", location.Query().Get("error"))
	assert.Equal(t, "s", location.Query().Get("state"))

	params.Set("response_type", "code")
	params.Set("scope", "profile")
	req = httptest.NewRequest(http.MethodGet, "/auth/openid/login?"+params.Encode(), nil)
	req.AddCookie(ts.sessionCookie(t, data, "csrf"))
	rec = ts.do(req)

	require.Equal(t, http.StatusFound, rec.Code)
	location, err = url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "invalid_scope", location.Query().Get("error"))
}

func TestOIDCServerNoRedirectToUnregisteredURI(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	data := ts.session(t, "rachel", []string{"read:all"})

	// A known client with a foreign redirect_uri must never receive a
	// redirect, even when the request also carries protocol errors that
	// would otherwise be reported via the Location header.
	params := url.Values{
		"client_id":     {"chronograf"},
		"redirect_uri":  {"https://evil.example.org/cb"},
		"response_type": {"token"},
		"scope":         {"openid"},
		"state":         {"s"},
	}
	req := httptest.NewRequest(http.MethodGet, "/auth/openid/login?"+params.Encode(), nil)
	req.AddCookie(ts.sessionCookie(t, data, "csrf"))
	rec := ts.do(req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, rec.Header().Get("Location"))

	params.Set("response_type", "code")
	req = httptest.NewRequest(http.MethodGet, "/auth/openid/login?"+params.Encode(), nil)
	req.AddCookie(ts.sessionCookie(t, data, "csrf"))
	rec = ts.do(req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, rec.Header().Get("Location"))
}

func TestOIDCServerUntrustedClient(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	data := ts.session(t, "rachel", []string{"read:all"})

	params := url.Values{
		"client_id":     {"impostor"},
		"redirect_uri":  {chronografRedirect},
		"response_type": {"code"},
		"scope":         {"openid"},
	}
	req := httptest.NewRequest(http.MethodGet, "/auth/openid/login?"+params.Encode(), nil)
	req.AddCookie(ts.sessionCookie(t, data, "csrf"))
	rec := ts.do(req)

	// No redirect for an untrusted client identity.
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOIDCServerTokenEndpointRejections(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	data := ts.session(t, "rachel", []string{"read:all"})

	form := redeemForm(authorizeCode(t, ts, data))
	form.Set("client_secret", "wrong")
	rec := postToken(ts, form)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_client")

	form = redeemForm("gc-bogus.bogus")
	rec = postToken(ts, form)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_grant")

	form = redeemForm(authorizeCode(t, ts, data))
	form.Set("grant_type", "client_credentials")
	rec = postToken(ts, form)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "unsupported_grant_type")
}

func TestOIDCServerBasicClientAuth(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	data := ts.session(t, "rachel", []string{"read:all"})

	form := redeemForm(authorizeCode(t, ts, data))
	form.Del("client_id")
	form.Del("client_secret")
	req := httptest.NewRequest(http.MethodPost, "/auth/openid/token",
		strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth("chronograf", "chronograf-secret")
	rec := ts.do(req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestOIDCServerDiscovery(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/.well-known/openid-configuration", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var doc discoveryDocument
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, "https://example.com", doc.Issuer)
	assert.Equal(t, "https://example.com/auth/openid/login", doc.AuthorizationEndpoint)
	assert.Equal(t, "https://example.com/auth/openid/token", doc.TokenEndpoint)
	assert.Equal(t, "https://example.com/.well-known/jwks.json", doc.JWKSURI)
	assert.Equal(t, []string{"code"}, doc.ResponseTypesSupported)

	rec = ts.do(httptest.NewRequest(http.MethodGet, "/.well-known/jwks.json", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var jwks struct {
		Keys []map[string]any `json:"keys"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &jwks))
	require.Len(t, jwks.Keys, 1)
	assert.Equal(t, "RS256", jwks.Keys[0]["alg"])
	assert.Equal(t, "test-key", jwks.Keys[0]["kid"])
}
