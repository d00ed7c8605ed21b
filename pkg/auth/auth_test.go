// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/gafaelfawr/pkg/apierror"
	"github.com/stacklok/gafaelfawr/pkg/cookie"
	"github.com/stacklok/gafaelfawr/pkg/crypto"
	"github.com/stacklok/gafaelfawr/pkg/token"
)

func newTestCodec(t *testing.T) *cookie.Codec {
	t.Helper()
	sealer, err := crypto.NewSealer(crypto.NewKey())
	require.NoError(t, err)
	return cookie.NewCodec(sealer)
}

func basicAuth(user, pass string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
}

func TestExtractBearer(t *testing.T) {
	t.Parallel()
	codec := newTestCodec(t)
	want := token.New()

	req := httptest.NewRequest(http.MethodGet, "/auth", nil)
	req.Header.Set("Authorization", "Bearer "+want.String())

	got, source, err := Extract(req, codec)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, SourceBearer, source)
}

func TestExtractBasic(t *testing.T) {
	t.Parallel()
	codec := newTestCodec(t)
	want := token.New()

	tests := []struct {
		name   string
		header string
		source Source
	}{
		{"token as username", basicAuth(want.String(), "x-oauth-basic"), SourceBasicUsername},
		{"token as password", basicAuth("x-oauth-basic", want.String()), SourceBasicPassword},
		{"no marker, token in username", basicAuth(want.String(), "password"), SourceBasicUsername},
		{"no marker, token in password", basicAuth("someuser", want.String()), SourceBasicPassword},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodGet, "/auth", nil)
			req.Header.Set("Authorization", tt.header)

			got, source, err := Extract(req, codec)
			require.NoError(t, err)
			assert.Equal(t, want, got)
			assert.Equal(t, tt.source, source)
		})
	}
}

func TestExtractCookie(t *testing.T) {
	t.Parallel()
	codec := newTestCodec(t)
	want := token.New()

	rec := httptest.NewRecorder()
	require.NoError(t, codec.Set(rec, &cookie.Session{Token: want.String()}))

	req := httptest.NewRequest(http.MethodGet, "/auth", nil)
	req.AddCookie(rec.Result().Cookies()[0])

	got, source, err := Extract(req, codec)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, SourceCookie, source)
}

func TestExtractHeaderBeatsCookie(t *testing.T) {
	t.Parallel()
	codec := newTestCodec(t)
	headerToken := token.New()
	cookieToken := token.New()

	rec := httptest.NewRecorder()
	require.NoError(t, codec.Set(rec, &cookie.Session{Token: cookieToken.String()}))

	req := httptest.NewRequest(http.MethodGet, "/auth", nil)
	req.AddCookie(rec.Result().Cookies()[0])
	req.Header.Set("Authorization", "Bearer "+headerToken.String())

	got, _, err := Extract(req, codec)
	require.NoError(t, err)
	assert.Equal(t, headerToken, got)
}

func TestExtractNoToken(t *testing.T) {
	t.Parallel()
	codec := newTestCodec(t)

	req := httptest.NewRequest(http.MethodGet, "/auth", nil)
	_, _, err := Extract(req, codec)
	assert.ErrorIs(t, err, ErrNoToken)

	// A corrupted cookie counts as logged out rather than an error.
	req = httptest.NewRequest(http.MethodGet, "/auth", nil)
	req.AddCookie(&http.Cookie{Name: token.CookieName, Value: "garbage"})
	_, _, err = Extract(req, codec)
	assert.ErrorIs(t, err, ErrNoToken)
}

func TestExtractErrors(t *testing.T) {
	t.Parallel()
	codec := newTestCodec(t)

	tests := []struct {
		name     string
		header   string
		wantType string
	}{
		{"unknown scheme", "Digest abc", apierror.TypeInvalidRequest},
		{"no credentials", "Bearer", apierror.TypeInvalidRequest},
		{"bad bearer token", "Bearer not-a-token", apierror.TypeInvalidToken},
		{"bad basic base64", "Basic !!!", apierror.TypeInvalidRequest},
		{"basic without colon", "Basic " + base64.StdEncoding.EncodeToString([]byte("nocolon")), apierror.TypeInvalidRequest},
		{"basic with no token", basicAuth("user", "password"), apierror.TypeInvalidToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodGet, "/auth", nil)
			req.Header.Set("Authorization", tt.header)

			_, _, err := Extract(req, codec)
			var apiErr *apierror.Error
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.wantType, apiErr.Type)
		})
	}
}

func TestChallengeHeader(t *testing.T) {
	t.Parallel()

	c := ChallengeFor(ChallengeBearer, "example.com", apierror.InvalidToken("Token has expired"))
	assert.Equal(t,
		`Bearer realm="example.com", error="invalid_token", error_description="Token has expired"`,
		c.Header())

	c = ChallengeFor(ChallengeBearer, "example.com", apierror.InsufficientScope("Token missing required scope"))
	c.Scopes = []string{"exec:admin", "read:all"}
	assert.Equal(t,
		`Bearer realm="example.com", error="insufficient_scope", error_description="Token missing required scope", scope="exec:admin read:all"`,
		c.Header())

	// Basic never carries error attributes.
	c = ChallengeFor(ChallengeBasic, "example.com", apierror.InvalidToken("Token has expired"))
	assert.Equal(t, `Basic realm="example.com"`, c.Header())

	// Plain 401 with no error code.
	c = &Challenge{Type: ChallengeBearer, Realm: "example.com"}
	assert.Equal(t, `Bearer realm="example.com"`, c.Header())
}

func TestParseChallengeType(t *testing.T) {
	t.Parallel()

	ct, err := ParseChallengeType("")
	require.NoError(t, err)
	assert.Equal(t, ChallengeBearer, ct)

	ct, err = ParseChallengeType("basic")
	require.NoError(t, err)
	assert.Equal(t, ChallengeBasic, ct)

	_, err = ParseChallengeType("digest")
	assert.Error(t, err)
}

func TestSatisfy(t *testing.T) {
	t.Parallel()

	data := &token.Data{Scopes: []string{"read:all", "user:token"}}

	tests := []struct {
		satisfy  Satisfy
		required []string
		want     bool
	}{
		{SatisfyAll, nil, true},
		{SatisfyAll, []string{"read:all"}, true},
		{SatisfyAll, []string{"read:all", "user:token"}, true},
		{SatisfyAll, []string{"read:all", "exec:admin"}, false},
		{SatisfyAny, []string{"read:all", "exec:admin"}, true},
		{SatisfyAny, []string{"exec:admin"}, false},
		{SatisfyAny, nil, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.satisfy.Met(data, tt.required),
			"satisfy=%s required=%v", tt.satisfy, tt.required)
	}
}

func TestParseSatisfy(t *testing.T) {
	t.Parallel()

	s, err := ParseSatisfy("")
	require.NoError(t, err)
	assert.Equal(t, SatisfyAll, s)

	s, err = ParseSatisfy("any")
	require.NoError(t, err)
	assert.Equal(t, SatisfyAny, s)

	_, err = ParseSatisfy("most")
	assert.Error(t, err)
}
