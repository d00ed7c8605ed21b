// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package github

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/gafaelfawr/pkg/config"
	"github.com/stacklok/gafaelfawr/pkg/providers"
)

// fakeGitHub serves the subset of the GitHub API the provider touches.
type fakeGitHub struct {
	t       *testing.T
	revoked atomic.Bool
}

func (f *fakeGitHub) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/login/oauth/access_token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(f.t, r.ParseForm())
		if r.FormValue("code") != "good-code" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"access_token": "gho_testtoken",
			"token_type":   "bearer",
		})
	})
	mux.HandleFunc("/user", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(f.t, "Bearer gho_testtoken", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"login": "RachelExample",
			"id":    4510,
			"name":  "Rachel Example",
		})
	})
	mux.HandleFunc("/user/emails", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode([]map[string]any{
			{"email": "other@example.com", "primary": false},
			{"email": "rachel@example.com", "primary": true},
		})
	})
	mux.HandleFunc("/user/teams", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") != "1" {
			_, _ = w.Write([]byte("[]"))
			return
		}
		_ = json.NewEncoder(w).Encode([]map[string]any{
			{
				"slug": "infra-team", "name": "Infra Team", "id": 1001,
				"organization": map[string]string{"login": "ExampleOrg"},
			},
			{
				"slug": "", "name": "A Team With Spaces!", "id": 1002,
				"organization": map[string]string{"login": "exampleorg"},
			},
		})
	})
	mux.HandleFunc("/applications/test-client/grant", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(f.t, http.MethodDelete, r.Method)
		user, pass, ok := r.BasicAuth()
		assert.True(f.t, ok)
		assert.Equal(f.t, "test-client", user)
		assert.Equal(f.t, "test-secret", pass)
		f.revoked.Store(true)
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

func newTestProvider(t *testing.T) (*Provider, *fakeGitHub) {
	t.Helper()
	fake := &fakeGitHub{t: t}
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	cfg := &config.GitHubConfig{ClientID: "test-client", ClientSecret: "test-secret"}
	p := newProvider(cfg, "https://example.com/login",
		srv.URL+"/login/oauth/authorize", srv.URL+"/login/oauth/access_token", srv.URL)
	return p, fake
}

func TestAuthorizationURL(t *testing.T) {
	t.Parallel()
	p, _ := newTestProvider(t)

	u := p.AuthorizationURL("some-state")
	assert.Contains(t, u, "client_id=test-client")
	assert.Contains(t, u, "state=some-state")
	assert.Contains(t, u, "read%3Auser")
}

func TestComplete(t *testing.T) {
	t.Parallel()
	p, _ := newTestProvider(t)

	login, err := p.Complete(context.Background(), "good-code")
	require.NoError(t, err)

	assert.Equal(t, "rachelexample", login.UserInfo.Username)
	assert.Equal(t, "Rachel Example", login.UserInfo.Name)
	assert.Equal(t, "rachel@example.com", login.UserInfo.Email)
	assert.Equal(t, 4510, login.UserInfo.UID)
	assert.Equal(t, 4510, login.UserInfo.GID)
	assert.Equal(t, "gho_testtoken", login.GitHubToken)

	require.Len(t, login.UserInfo.Groups, 2)
	assert.Equal(t, "exampleorg-infra-team", login.UserInfo.Groups[0].Name)
	assert.Equal(t, 1001, login.UserInfo.Groups[0].ID)
	assert.Equal(t, "exampleorg-a-team-with-spaces-", login.UserInfo.Groups[1].Name)
}

func TestCompleteBadCode(t *testing.T) {
	t.Parallel()
	p, _ := newTestProvider(t)

	_, err := p.Complete(context.Background(), "bad-code")
	assert.ErrorIs(t, err, providers.ErrLoginFailed)
}

func TestRevoke(t *testing.T) {
	t.Parallel()
	p, fake := newTestProvider(t)

	require.NoError(t, p.Revoke(context.Background(), "gho_testtoken"))
	assert.True(t, fake.revoked.Load())
}

func TestGroupName(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "myorg-ops", GroupName("MyOrg", "ops"))
	assert.Equal(t, "org-team-with-odd-chars-", GroupName("Org", "team with odd chars!"))

	long := GroupName("a-very-long-organization-name", "and-a-long-team-slug")
	assert.Len(t, long, 32)
	assert.Equal(t, fmt.Sprintf("%.32s", "a-very-long-organization-name-and-a-long-team-slug"), long)
}
