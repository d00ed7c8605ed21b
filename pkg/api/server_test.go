// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/gafaelfawr/pkg/config"
	"github.com/stacklok/gafaelfawr/pkg/cookie"
	"github.com/stacklok/gafaelfawr/pkg/crypto"
	"github.com/stacklok/gafaelfawr/pkg/issuer"
	"github.com/stacklok/gafaelfawr/pkg/keys"
	"github.com/stacklok/gafaelfawr/pkg/providers"
	"github.com/stacklok/gafaelfawr/pkg/service"
	"github.com/stacklok/gafaelfawr/pkg/storage/redisstore"
	"github.com/stacklok/gafaelfawr/pkg/storage/sqlite"
	"github.com/stacklok/gafaelfawr/pkg/token"
)

// fakeProvider is an upstream identity provider that resolves every
// authorization code to a queued login.
type fakeProvider struct {
	login *providers.Login
	err   error
}

func (*fakeProvider) AuthorizationURL(state string) string {
	return "https://upstream.example.com/authorize?state=" + state
}

func (p *fakeProvider) Complete(context.Context, string) (*providers.Login, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.login, nil
}

type testServer struct {
	cfg      *config.Config
	handler  http.Handler
	codec    *cookie.Codec
	tokens   *service.TokenService
	admins   *service.AdminService
	provider *fakeProvider
	keys     *keys.Provider
	redis    *miniredis.Miniredis
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()

	db, err := sqlite.Open(ctx, "sqlite://:memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	sealer, err := crypto.NewSealer(crypto.NewKey())
	require.NoError(t, err)

	cfg := &config.Config{
		Realm:                "example.com",
		TokenLifetimeMinutes: 24 * 60,
		BootstrapToken:       token.New().String(),
		KnownScopes: map[string]string{
			"admin:token": "Can manage all tokens",
			"user:token":  "Can manage own tokens",
			"read:all":    "Can read anything",
			"exec:admin":  "Can administer services",
		},
		GroupMapping: map[string][]string{
			"read:all":   {"astronomers"},
			"exec:admin": {"admins"},
			"user:token": {"astronomers", "admins"},
		},
		Issuer: config.IssuerConfig{
			Iss:        "https://example.com",
			Aud:        "https://example.com",
			ExpMinutes: 30,
		},
		OIDCServer: &config.OIDCServerConfig{
			Clients: []config.OIDCClient{
				{
					ID:        "chronograf",
					Secret:    "chronograf-secret",
					ReturnURI: "https://chronograf.example.com/oauth/callback",
				},
			},
		},
	}

	codec := cookie.NewCodec(sealer)
	sessions := redisstore.NewTokenStore(client, sealer)
	tokens := service.NewTokenService(cfg, sqlite.NewTokenStore(db), sqlite.NewHistoryStore(db), sessions)
	admins := service.NewAdminService(sqlite.NewAdminStore(db))

	keyProvider, err := keys.NewGenerated("test-key")
	require.NoError(t, err)
	iss := issuer.New(&cfg.Issuer, keyProvider)
	oidc := service.NewOIDCService(cfg.OIDCServer, redisstore.NewCodeStore(client, sealer), tokens, iss)

	provider := &fakeProvider{}
	srv, err := NewServer(Options{
		Config:   cfg,
		Codec:    codec,
		Tokens:   tokens,
		Admins:   admins,
		OIDC:     oidc,
		InfluxDB: service.NewInfluxDBService(iss),
		Provider: provider,
		Keys:     keyProvider,
	})
	require.NoError(t, err)

	return &testServer{
		cfg:      cfg,
		handler:  srv.Handler(),
		codec:    codec,
		tokens:   tokens,
		admins:   admins,
		provider: provider,
		keys:     keyProvider,
		redis:    mr,
	}
}

// session mints a session token directly, bypassing the login flow.
func (ts *testServer) session(t *testing.T, username string, scopes []string) *token.Data {
	t.Helper()
	data, err := ts.tokens.CreateSessionToken(context.Background(), token.UserInfo{
		Username: username,
		UID:      4510,
		Email:    username + "@example.com",
		Groups:   []token.Group{{Name: "astronomers", ID: 1301}},
	}, scopes, "192.0.2.1")
	require.NoError(t, err)
	return data
}

// sessionCookie seals a browser session cookie for the given token.
func (ts *testServer) sessionCookie(t *testing.T, data *token.Data, csrf string) *http.Cookie {
	t.Helper()
	rec := httptest.NewRecorder()
	require.NoError(t, ts.codec.Set(rec, &cookie.Session{Token: data.Token.String(), CSRF: csrf}))
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	return cookies[0]
}

func (ts *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}
