// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/stacklok/gafaelfawr/pkg/apierror"
)

// openidLogin is the authorization endpoint of the embedded OIDC server.
// Unauthenticated browsers are funneled through the normal login flow and
// return here with a session.
func (s *Server) openidLogin(w http.ResponseWriter, r *http.Request) {
	if s.oidc == nil || !s.oidc.Enabled() {
		apierror.Write(w, apierror.NotSupported("OpenID Connect server is not configured"))
		return
	}
	ctx := r.Context()
	q := r.URL.Query()

	ident, err := s.Authenticate(r)
	if err != nil || ident.Caller.Data == nil {
		rd := url.QueryEscape(requestURL(r))
		http.Redirect(w, r, "/login?rd="+rd, http.StatusTemporaryRedirect)
		return
	}

	clientID := q.Get("client_id")
	redirectURI := q.Get("redirect_uri")
	state := q.Get("state")

	// The redirect target is untrusted until the client checks out. RFC 6749
	// forbids redirecting anywhere before that, so failures here are a 400
	// body, never a Location header.
	if err := s.oidc.ValidateClient(clientID, redirectURI); err != nil {
		var apiErr *apierror.Error
		if errors.As(err, &apiErr) {
			apiErr.Status = http.StatusBadRequest
			apierror.Write(w, apiErr)
			return
		}
		apierror.Write(w, apierror.Internal(middleware.GetReqID(ctx)))
		return
	}

	// Per RFC 6749, protocol errors after client validation are reported by
	// redirecting back to the client.
	if q.Get("response_type") != "code" {
		s.oauthRedirect(w, r, redirectURI, state, "unsupported_response_type")
		return
	}
	if !scopeContains(q.Get("scope"), "openid") {
		s.oauthRedirect(w, r, redirectURI, state, "invalid_scope")
		return
	}

	code, err := s.oidc.Authorize(ctx, ident.Caller.Data, clientID, redirectURI, q.Get("nonce"))
	if err != nil {
		var apiErr *apierror.Error
		if errors.As(err, &apiErr) {
			// Client identity or redirect target could not be trusted, so
			// no redirect: a 400 body instead.
			apiErr.Status = http.StatusBadRequest
			apierror.Write(w, apiErr)
			return
		}
		Logger(ctx).Error("Failed to issue authorization code", "error", err.Error())
		apierror.Write(w, apierror.Internal(middleware.GetReqID(ctx)))
		return
	}

	target, _ := url.Parse(redirectURI)
	values := target.Query()
	values.Set("code", code.String())
	if state != "" {
		values.Set("state", state)
	}
	target.RawQuery = values.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

// openidToken is the token endpoint: it authenticates the client and trades
// a single-use code for the session token and a signed id_token.
func (s *Server) openidToken(w http.ResponseWriter, r *http.Request) {
	if s.oidc == nil || !s.oidc.Enabled() {
		apierror.Write(w, apierror.NotSupported("OpenID Connect server is not configured"))
		return
	}
	if err := r.ParseForm(); err != nil {
		apierror.WriteOAuth(w, apierror.OAuthRequestError("Malformed request body"))
		return
	}

	if grantType := r.PostFormValue("grant_type"); grantType != "authorization_code" {
		apierror.WriteOAuth(w, &apierror.OAuthError{
			Code:        apierror.OAuthUnsupportedGrantType,
			Description: "Only authorization_code is supported",
			Status:      http.StatusBadRequest,
		})
		return
	}

	clientID := r.PostFormValue("client_id")
	clientSecret := r.PostFormValue("client_secret")
	if clientID == "" {
		if basicID, basicSecret, ok := r.BasicAuth(); ok {
			clientID, clientSecret = basicID, basicSecret
		}
	}

	resp, err := s.oidc.Redeem(r.Context(), clientID, clientSecret,
		r.PostFormValue("code"), r.PostFormValue("redirect_uri"))
	if err != nil {
		var oauthErr *apierror.OAuthError
		if errors.As(err, &oauthErr) {
			apierror.WriteOAuth(w, oauthErr)
			return
		}
		Logger(r.Context()).Error("Token redemption failed", "error", err.Error())
		apierror.Write(w, apierror.Internal(middleware.GetReqID(r.Context())))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	writeJSON(w, http.StatusOK, resp)
}

// oauthRedirect sends a protocol error back to the client's redirect URI.
// An unparseable redirect target degrades to a 400 body.
func (s *Server) oauthRedirect(w http.ResponseWriter, r *http.Request, redirectURI, state, errCode string) {
	target, err := url.Parse(redirectURI)
	if err != nil || redirectURI == "" {
		apierror.WriteOAuth(w, apierror.OAuthRequestError("Invalid redirect_uri"))
		return
	}
	values := target.Query()
	values.Set("error", errCode)
	if state != "" {
		values.Set("state", state)
	}
	target.RawQuery = values.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

func scopeContains(scope, want string) bool {
	for _, s := range strings.Fields(scope) {
		if s == want {
			return true
		}
	}
	return false
}

// requestURL reconstructs the URL of the current request for the login rd.
func requestURL(r *http.Request) string {
	scheme := "https"
	if r.TLS == nil && r.Header.Get("X-Forwarded-Proto") == "http" {
		scheme = "http"
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}
