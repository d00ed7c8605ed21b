// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package cookie

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/gafaelfawr/pkg/crypto"
	"github.com/stacklok/gafaelfawr/pkg/token"
)

func newCodec(t *testing.T) *Codec {
	t.Helper()
	sealer, err := crypto.NewSealer(crypto.NewKey())
	require.NoError(t, err)
	return NewCodec(sealer)
}

func TestCodecRoundTrip(t *testing.T) {
	t.Parallel()
	codec := newCodec(t)

	sessionToken := token.New()
	rec := httptest.NewRecorder()
	require.NoError(t, codec.Set(rec, &Session{
		Token:     sessionToken.String(),
		CSRF:      "csrf-value",
		ReturnURL: "https://example.com/portal",
	}))

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	c := cookies[0]
	assert.Equal(t, token.CookieName, c.Name)
	assert.True(t, c.HttpOnly)
	assert.True(t, c.Secure)
	assert.Equal(t, http.SameSiteLaxMode, c.SameSite)
	assert.NotContains(t, c.Value, sessionToken.Key)

	req := httptest.NewRequest(http.MethodGet, "/auth", nil)
	req.AddCookie(c)
	session, err := codec.Get(req)
	require.NoError(t, err)
	assert.Equal(t, "csrf-value", session.CSRF)
	assert.Equal(t, "https://example.com/portal", session.ReturnURL)

	got, ok := session.SessionToken()
	require.True(t, ok)
	assert.Equal(t, sessionToken, got)
}

func TestCodecMissingCookie(t *testing.T) {
	t.Parallel()
	codec := newCodec(t)

	req := httptest.NewRequest(http.MethodGet, "/auth", nil)
	session, err := codec.Get(req)
	require.NoError(t, err)
	_, ok := session.SessionToken()
	assert.False(t, ok)
}

func TestCodecTamperedCookie(t *testing.T) {
	t.Parallel()
	codec := newCodec(t)

	req := httptest.NewRequest(http.MethodGet, "/auth", nil)
	req.AddCookie(&http.Cookie{Name: token.CookieName, Value: "tampered"})
	_, err := codec.Get(req)
	assert.ErrorIs(t, err, crypto.ErrUndecryptable)
}

func TestCodecClear(t *testing.T) {
	t.Parallel()
	codec := newCodec(t)

	rec := httptest.NewRecorder()
	codec.Clear(rec)
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, -1, cookies[0].MaxAge)
	assert.Empty(t, cookies[0].Value)
}
