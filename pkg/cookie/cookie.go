// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package cookie seals and parses the Gafaelfawr session cookie.
//
// The cookie value is the session state serialized as JSON and sealed with
// the deployment session secret, so the browser holds ciphertext only.
package cookie

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/stacklok/gafaelfawr/pkg/crypto"
	"github.com/stacklok/gafaelfawr/pkg/token"
)

// Session is the state carried by the browser cookie.
type Session struct {
	// Token is the session token in printable form, set after login.
	Token string `json:"token,omitempty"`

	// CSRF must match the X-CSRF-Token header on state-changing browser
	// requests.
	CSRF string `json:"csrf,omitempty"`

	// State is the pending OAuth state during a login flow.
	State string `json:"state,omitempty"`

	// ReturnURL is where to send the browser once login completes.
	ReturnURL string `json:"rd,omitempty"`

	// GitHubToken is the upstream OAuth token, kept so logout can revoke
	// the grant. Only set for GitHub sessions.
	GitHubToken string `json:"github,omitempty"`
}

// SessionToken parses the session token out of the cookie state. Returns
// false when no valid token is present.
func (s *Session) SessionToken() (token.Token, bool) {
	if s.Token == "" {
		return token.Token{}, false
	}
	t, err := token.Parse(s.Token)
	if err != nil {
		return token.Token{}, false
	}
	return t, true
}

// Codec seals Session values into cookies and back.
type Codec struct {
	sealer *crypto.Sealer
}

// NewCodec creates a Codec over the session sealer.
func NewCodec(sealer *crypto.Sealer) *Codec {
	return &Codec{sealer: sealer}
}

// Set serializes the session and sets the cookie on the response.
func (c *Codec) Set(w http.ResponseWriter, session *Session) error {
	plaintext, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("serializing session cookie: %w", err)
	}
	blob, err := c.sealer.Seal(plaintext)
	if err != nil {
		return fmt.Errorf("sealing session cookie: %w", err)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     token.CookieName,
		Value:    blob,
		Path:     "/",
		Secure:   true,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// Get parses the session out of the request cookie. A missing cookie yields
// an empty session; an unreadable one is reported via crypto.ErrUndecryptable
// so the caller can log and treat it as logged out.
func (c *Codec) Get(r *http.Request) (*Session, error) {
	raw, err := r.Cookie(token.CookieName)
	if err != nil {
		return &Session{}, nil
	}
	plaintext, err := c.sealer.Open(raw.Value)
	if err != nil {
		return nil, err
	}
	var session Session
	if err := json.Unmarshal(plaintext, &session); err != nil {
		return nil, fmt.Errorf("%w: %w", crypto.ErrUndecryptable, err)
	}
	return &session, nil
}

// Clear expires the cookie on the response.
func (*Codec) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     token.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Secure:   true,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}
