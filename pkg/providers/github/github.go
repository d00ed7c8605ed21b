// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package github implements login against GitHub.com OAuth.
//
// Identity resolution maps GitHub's model onto POSIX-ish user info: the
// login name lower-cased is the username, the account id doubles as uid and
// primary gid, and team memberships become groups named after the org and
// team slug.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/stacklok/gafaelfawr/pkg/config"
	"github.com/stacklok/gafaelfawr/pkg/logger"
	"github.com/stacklok/gafaelfawr/pkg/providers"
	"github.com/stacklok/gafaelfawr/pkg/token"
)

const (
	authorizeURL = "https://github.com/login/oauth/authorize"
	tokenURL     = "https://github.com/login/oauth/access_token" // #nosec G101 -- endpoint, not a credential
	apiBaseURL   = "https://api.github.com"

	// maxResponseSize caps API response bodies.
	maxResponseSize = 64 * 1024

	// teamsPerPage is the page size for /user/teams.
	teamsPerPage = 100

	// groupNameLimit is the longest group name produced from a team.
	groupNameLimit = 32

	requestTimeout = 5 * time.Second
)

// oauthScopes are the GitHub OAuth scopes needed to read the user profile,
// org memberships, and email addresses.
var oauthScopes = []string{"read:user", "read:org", "user:email"}

// Provider implements providers.Provider against GitHub.com.
type Provider struct {
	oauth   *oauth2.Config
	client  *http.Client
	limiter *rate.Limiter
	apiURL  string

	clientID     string
	clientSecret string
}

// New creates a GitHub provider. redirectURL is the absolute URL of the
// login callback route.
func New(cfg *config.GitHubConfig, redirectURL string) *Provider {
	return newProvider(cfg, redirectURL, authorizeURL, tokenURL, apiBaseURL)
}

// newProvider wires explicit endpoints so tests can point at a local server.
func newProvider(cfg *config.GitHubConfig, redirectURL, authURL, tokURL, apiURL string) *Provider {
	return &Provider{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  redirectURL,
			Scopes:       oauthScopes,
			Endpoint:     oauth2.Endpoint{AuthURL: authURL, TokenURL: tokURL},
		},
		client:       &http.Client{Timeout: requestTimeout},
		limiter:      rate.NewLimiter(10, 20),
		apiURL:       apiURL,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
	}
}

// AuthorizationURL builds the GitHub authorization redirect.
func (p *Provider) AuthorizationURL(state string) string {
	return p.oauth.AuthCodeURL(state)
}

// Complete exchanges the code and assembles the user identity from the
// GitHub API.
func (p *Provider) Complete(ctx context.Context, code string) (*providers.Login, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.client)
	tok, err := p.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("%w: exchanging GitHub code: %w", providers.ErrLoginFailed, err)
	}

	var user struct {
		Login string `json:"login"`
		ID    int    `json:"id"`
		Name  string `json:"name"`
	}
	if err := p.getJSON(ctx, tok.AccessToken, "/user", &user); err != nil {
		return nil, err
	}
	if user.Login == "" || user.ID == 0 {
		return nil, fmt.Errorf("%w: GitHub user record incomplete", providers.ErrLoginFailed)
	}

	email, err := p.primaryEmail(ctx, tok.AccessToken)
	if err != nil {
		return nil, err
	}
	groups, err := p.teams(ctx, tok.AccessToken)
	if err != nil {
		return nil, err
	}

	return &providers.Login{
		UserInfo: token.UserInfo{
			Username: strings.ToLower(user.Login),
			Name:     user.Name,
			Email:    email,
			UID:      user.ID,
			GID:      user.ID,
			Groups:   groups,
		},
		GitHubToken: tok.AccessToken,
	}, nil
}

// Revoke deletes the OAuth grant so the next login asks for consent again
// and any copies of the access token stop working.
func (p *Provider) Revoke(ctx context.Context, accessToken string) error {
	body, err := json.Marshal(map[string]string{"access_token": accessToken})
	if err != nil {
		return fmt.Errorf("encoding revoke request: %w", err)
	}
	url := fmt.Sprintf("%s/applications/%s/grant", p.apiURL, p.clientID)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating revoke request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/vnd.github+json")
	req.SetBasicAuth(p.clientID, p.clientSecret)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("revoking GitHub grant: %w", err)
	}
	defer closeBody(resp)
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("revoking GitHub grant: status %d", resp.StatusCode)
	}
	return nil
}

func (p *Provider) primaryEmail(ctx context.Context, accessToken string) (string, error) {
	var emails []struct {
		Email   string `json:"email"`
		Primary bool   `json:"primary"`
	}
	if err := p.getJSON(ctx, accessToken, "/user/emails", &emails); err != nil {
		return "", err
	}
	for _, e := range emails {
		if e.Primary {
			return e.Email, nil
		}
	}
	if len(emails) > 0 {
		return emails[0].Email, nil
	}
	return "", nil
}

func (p *Provider) teams(ctx context.Context, accessToken string) ([]token.Group, error) {
	var groups []token.Group
	for page := 1; ; page++ {
		var teams []struct {
			Slug string `json:"slug"`
			Name string `json:"name"`
			ID   int    `json:"id"`
			Org  struct {
				Login string `json:"login"`
			} `json:"organization"`
		}
		path := fmt.Sprintf("/user/teams?per_page=%d&page=%d", teamsPerPage, page)
		if err := p.getJSON(ctx, accessToken, path, &teams); err != nil {
			return nil, err
		}
		for _, t := range teams {
			slug := t.Slug
			if slug == "" {
				slug = mangle(t.Name)
			}
			groups = append(groups, token.Group{
				Name: GroupName(t.Org.Login, slug),
				ID:   t.ID,
			})
		}
		if len(teams) < teamsPerPage {
			return groups, nil
		}
	}
}

func (p *Provider) getJSON(ctx context.Context, accessToken, path string, out any) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait failed: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.apiURL+path, nil)
	if err != nil {
		return fmt.Errorf("creating GitHub request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: GitHub request %s: %w", providers.ErrLoginFailed, path, err)
	}
	defer closeBody(resp)

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("reading GitHub response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: GitHub %s returned status %d", providers.ErrLoginFailed, path, resp.StatusCode)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decoding GitHub response %s: %w", path, err)
	}
	return nil
}

// GroupName builds the group name for an org team: "<org>-<slug>" lower-cased
// with invalid characters replaced and the result capped at 32 characters.
func GroupName(org, slug string) string {
	name := mangle(strings.ToLower(org) + "-" + strings.ToLower(slug))
	if len(name) > groupNameLimit {
		name = name[:groupNameLimit]
	}
	return name
}

// mangle replaces every character outside the group name grammar with "-".
func mangle(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return b.String()
}

func closeBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		logger.Debugw("failed to close response body", "error", err)
	}
}
