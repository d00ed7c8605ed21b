// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/gafaelfawr/pkg/providers"
	"github.com/stacklok/gafaelfawr/pkg/service"
	"github.com/stacklok/gafaelfawr/pkg/token"
)

// completeLogin drives the full browser flow and returns the session cookie.
func completeLogin(t *testing.T, ts *testServer, info token.UserInfo) *http.Cookie {
	t.Helper()

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/login?rd=/science", nil))
	require.Equal(t, http.StatusTemporaryRedirect, rec.Code)
	location, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "upstream.example.com", location.Host)
	state := location.Query().Get("state")
	require.NotEmpty(t, state)
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)

	ts.provider.login = &providers.Login{UserInfo: info}
	req := httptest.NewRequest(http.MethodGet, "/login?code=upstream-code&state="+state, nil)
	req.AddCookie(cookies[0])
	rec = ts.do(req)
	require.Equal(t, http.StatusTemporaryRedirect, rec.Code)
	assert.Equal(t, "/science", rec.Header().Get("Location"))
	cookies = rec.Result().Cookies()
	require.Len(t, cookies, 1)
	return cookies[0]
}

func TestLoginFlow(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	ctx := context.Background()

	sessionCookie := completeLogin(t, ts, token.UserInfo{
		Username: "rachel",
		UID:      4510,
		Groups:   []token.Group{{Name: "astronomers", ID: 1301}},
	})

	// The cookie carries a resolvable session token with group-mapped scopes.
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(sessionCookie)
	session, err := ts.codec.Get(req)
	require.NoError(t, err)
	assert.NotEmpty(t, session.CSRF)
	st, ok := session.SessionToken()
	require.True(t, ok)

	data, err := ts.tokens.Resolve(ctx, st)
	require.NoError(t, err)
	assert.Equal(t, "rachel", data.Username)
	assert.Equal(t, []string{"read:all", "user:token"}, data.Scopes)
	assert.Equal(t, token.TypeSession, data.Type)
}

func TestLoginInvalidReturnURL(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/login?rd=https://evil.example.net/", nil))

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_return_url")

	// Absolute return URLs must be https even on the right host.
	rec = ts.do(httptest.NewRequest(http.MethodGet, "/login?rd=http://example.com/science", nil))

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_return_url")
}

func TestCallbackStateMismatch(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/login", nil))
	require.Equal(t, http.StatusTemporaryRedirect, rec.Code)
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)

	req := httptest.NewRequest(http.MethodGet, "/login/callback?code=x&state=forged", nil)
	req.AddCookie(cookies[0])
	rec = ts.do(req)

	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "permission_denied")
}

func TestCallbackUpstreamError(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet,
		"/login/callback?error=access_denied&error_description=nope", nil)
	rec := ts.do(req)

	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "permission_denied")
}

func TestCallbackUpstreamFailure(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/login", nil))
	require.Equal(t, http.StatusTemporaryRedirect, rec.Code)
	location, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)

	ts.provider.err = providers.ErrLoginFailed
	req := httptest.NewRequest(http.MethodGet,
		"/login/callback?code=x&state="+location.Query().Get("state"), nil)
	req.AddCookie(cookies[0])
	rec = ts.do(req)

	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestLogout(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	ctx := context.Background()

	data := ts.session(t, "rachel", []string{"read:all"})
	req := httptest.NewRequest(http.MethodGet, "/logout", nil)
	req.AddCookie(ts.sessionCookie(t, data, "csrf"))
	rec := ts.do(req)

	require.Equal(t, http.StatusTemporaryRedirect, rec.Code)
	assert.Equal(t, "/", rec.Header().Get("Location"))

	// The session is revoked and the cookie cleared.
	_, err := ts.tokens.Resolve(ctx, data.Token)
	assert.ErrorIs(t, err, service.ErrInvalidToken)
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Negative(t, cookies[0].MaxAge)
}

func TestLogoutWithoutSession(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)
	ts.cfg.AfterLogoutURL = "https://example.com/goodbye"

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/logout", nil))

	require.Equal(t, http.StatusTemporaryRedirect, rec.Code)
	assert.Equal(t, "https://example.com/goodbye", rec.Header().Get("Location"))
}

func TestLogoutReturnURL(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/logout?rd=/farewell", nil))
	require.Equal(t, http.StatusTemporaryRedirect, rec.Code)
	assert.Equal(t, "/farewell", rec.Header().Get("Location"))

	// An off-site destination is ignored.
	rec = ts.do(httptest.NewRequest(http.MethodGet, "/logout?rd=https://evil.example.net/", nil))
	require.Equal(t, http.StatusTemporaryRedirect, rec.Code)
	assert.Equal(t, "/", rec.Header().Get("Location"))
}
