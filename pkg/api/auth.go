// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/stacklok/gafaelfawr/pkg/apierror"
	"github.com/stacklok/gafaelfawr/pkg/auth"
	"github.com/stacklok/gafaelfawr/pkg/token"
)

// authRequest is the parsed parameter set of one /auth subrequest.
type authRequest struct {
	scopes        []string
	satisfy       auth.Satisfy
	challenge     auth.ChallengeType
	notebook      bool
	delegateTo    string
	delegateScope []string
	authURI       string
}

// authorize is the NGINX auth_request endpoint, the hot path of the whole
// service. It authenticates the subrequest, checks the required scopes, and
// optionally delivers a delegated token in the response headers.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request) {
	req, err := parseAuthRequest(r)
	if err != nil {
		apierror.WriteError(w, err, middleware.GetReqID(r.Context()))
		return
	}
	log := Logger(r.Context()).With(
		"auth_uri", req.authURI,
		"required_scope", strings.Join(req.scopes, " "),
		"satisfy", string(req.satisfy),
	)

	ident, err := s.Authenticate(r)
	if err != nil {
		s.authFailure(w, r, req, err, log)
		return
	}
	data := ident.Caller.Data
	if data == nil {
		// The bootstrap token carries no identity and cannot pass /auth.
		s.authFailure(w, r, req, apierror.InvalidToken("Token is not valid"), log)
		return
	}
	log = log.With(
		"token", ident.Token.Key,
		"token_source", string(ident.Source),
		"user", data.Username,
		"scope", strings.Join(data.Scopes, " "),
	)

	if !req.satisfy.Met(data, req.scopes) {
		log.Info("Permission denied")
		apiErr := apierror.InsufficientScope("Token is missing required scopes")
		challenge := auth.ChallengeFor(req.challenge, s.cfg.Realm, apiErr)
		challenge.Scopes = req.scopes
		w.Header().Set("WWW-Authenticate", challenge.Header())
		apierror.Write(w, apiErr)
		return
	}

	delivered := ident.Token
	deliveredScopes := data.Scopes
	switch {
	case req.notebook:
		delivered, err = s.tokens.GetNotebookToken(r.Context(), data, ident.Caller.IP)
	case req.delegateTo != "":
		deliveredScopes = req.delegateScope
		delivered, err = s.tokens.GetInternalToken(
			r.Context(), data, req.delegateTo, req.delegateScope, ident.Caller.IP)
	}
	if err != nil {
		s.delegationFailure(w, r, req, err, log)
		return
	}

	setIfPresent := func(name, value string) {
		if value != "" {
			w.Header().Set(name, value)
		}
	}
	setIfPresent("X-Auth-Request-User", data.Username)
	setIfPresent("X-Auth-Request-Email", data.Email)
	if data.UID != 0 {
		w.Header().Set("X-Auth-Request-Uid", fmt.Sprintf("%d", data.UID))
	}
	setIfPresent("X-Auth-Request-Groups", groupList(data.Groups))
	setIfPresent("X-Auth-Request-Token", delivered.String())
	setIfPresent("X-Auth-Request-Token-Scopes", strings.Join(token.SortScopes(deliveredScopes), " "))

	log.Info("Token authorized")
	w.WriteHeader(http.StatusOK)
}

// authFailure renders an authentication failure with the right challenge.
func (s *Server) authFailure(w http.ResponseWriter, r *http.Request, req *authRequest, err error, log *slog.Logger) {
	if errors.Is(err, auth.ErrNoToken) {
		challenge := &auth.Challenge{Type: req.challenge, Realm: s.cfg.Realm}
		w.Header().Set("WWW-Authenticate", challenge.Header())
		apierror.Write(w, apierror.InvalidToken("Authentication required"))
		return
	}
	var apiErr *apierror.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Type {
		case apierror.TypeInvalidRequest, apierror.TypeInvalidToken:
			challenge := auth.ChallengeFor(req.challenge, s.cfg.Realm, apiErr)
			w.Header().Set("WWW-Authenticate", challenge.Header())
		}
		apierror.Write(w, apiErr)
		return
	}
	log.Error("Authentication failed", "error", err.Error())
	apierror.WriteError(w, err, middleware.GetReqID(r.Context()))
}

// delegationFailure maps delegation errors: a scope subset violation is the
// caller's fault, everything else is ours.
func (s *Server) delegationFailure(w http.ResponseWriter, r *http.Request, req *authRequest, err error, log *slog.Logger) {
	var apiErr *apierror.Error
	if errors.As(err, &apiErr) {
		if apiErr.Type == apierror.TypeInsufficientScope {
			log.Info("Permission denied")
			challenge := auth.ChallengeFor(req.challenge, s.cfg.Realm, apiErr)
			challenge.Scopes = req.delegateScope
			w.Header().Set("WWW-Authenticate", challenge.Header())
		}
		apierror.Write(w, apiErr)
		return
	}
	log.Error("Token delegation failed", "error", err.Error())
	apierror.WriteError(w, err, middleware.GetReqID(r.Context()))
}

func parseAuthRequest(r *http.Request) (*authRequest, error) {
	q := r.URL.Query()
	satisfy, err := auth.ParseSatisfy(q.Get("satisfy"))
	if err != nil {
		return nil, apierror.ValidationFailed(err.Error(), apierror.LocQuery, "satisfy")
	}
	challenge, err := auth.ParseChallengeType(q.Get("auth_type"))
	if err != nil {
		return nil, apierror.ValidationFailed(err.Error(), apierror.LocQuery, "auth_type")
	}

	req := &authRequest{
		scopes:    scopeParams(q["scope"]),
		satisfy:   satisfy,
		challenge: challenge,
		authURI:   authURI(r),
	}
	if notebook := q.Get("notebook"); notebook != "" && notebook != "false" {
		req.notebook = true
	}
	req.delegateTo = q.Get("delegate_to")
	req.delegateScope = scopeParams(q["delegate_scope"])
	if req.notebook && req.delegateTo != "" {
		return nil, apierror.InvalidDelegateTo("notebook and delegate_to are mutually exclusive")
	}
	return req, nil
}

// scopeParams unions repeated and comma-separated scope values.
func scopeParams(values []string) []string {
	var scopes []string
	for _, value := range values {
		for _, scope := range strings.Split(value, ",") {
			if scope = strings.TrimSpace(scope); scope != "" {
				scopes = append(scopes, scope)
			}
		}
	}
	return token.SortScopes(scopes)
}

// groupList renders group names for the X-Auth-Request-Groups header.
func groupList(groups []token.Group) string {
	names := make([]string, 0, len(groups))
	for _, g := range groups {
		names = append(names, g.Name)
	}
	return strings.Join(names, ",")
}

// authURI is the protected URL the ingress is asking about, for logs only.
func authURI(r *http.Request) string {
	if uri := r.Header.Get("X-Original-URI"); uri != "" {
		return uri
	}
	if raw := r.Header.Get("X-Original-URL"); raw != "" {
		if u, err := url.Parse(raw); err == nil {
			return u.RequestURI()
		}
		return raw
	}
	return "NONE"
}
