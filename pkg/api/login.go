// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/stacklok/gafaelfawr/pkg/apierror"
	"github.com/stacklok/gafaelfawr/pkg/cookie"
	"github.com/stacklok/gafaelfawr/pkg/providers"
	"github.com/stacklok/gafaelfawr/pkg/service"
	"github.com/stacklok/gafaelfawr/pkg/token"
)

// login starts the upstream login flow. The callback leg arrives on the
// same route when the ingress is configured that way, so requests carrying
// code and state are dispatched to the callback handler.
func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("code") != "" && q.Get("state") != "" {
		s.callback(w, r)
		return
	}

	rd := q.Get("rd")
	if rd != "" && !validReturnURL(r, rd) {
		apierror.Write(w, apierror.InvalidReturnURL("Invalid return URL", "rd"))
		return
	}

	session, err := s.codec.Get(r)
	if err != nil {
		session = &cookie.Session{}
	}
	session.State = uuid.NewString()
	session.ReturnURL = rd
	if err := s.codec.Set(w, session); err != nil {
		Logger(r.Context()).Error("Failed to set session cookie", "error", err.Error())
		apierror.Write(w, apierror.Internal(middleware.GetReqID(r.Context())))
		return
	}
	http.Redirect(w, r, s.provider.AuthorizationURL(session.State), http.StatusTemporaryRedirect)
}

// callback completes the upstream login: state check, code exchange, group
// enrichment, scope computation, session token mint, cookie replacement.
func (s *Server) callback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := Logger(ctx)
	q := r.URL.Query()

	if errParam := q.Get("error"); errParam != "" {
		log.Warn("Upstream login reported an error",
			"error", errParam, "error_description", q.Get("error_description"))
		apierror.Write(w, apierror.PermissionDenied("Authentication provider rejected the login"))
		return
	}

	session, err := s.codec.Get(r)
	if err != nil {
		session = &cookie.Session{}
	}
	state := q.Get("state")
	if state == "" || session.State == "" || state != session.State {
		log.Warn("Login state mismatch")
		apierror.Write(w, apierror.PermissionDenied("Authentication state mismatch"))
		return
	}
	code := q.Get("code")
	if code == "" {
		apierror.Write(w, apierror.ValidationFailed("No authorization code", apierror.LocQuery, "code"))
		return
	}

	login, err := s.provider.Complete(ctx, code)
	if err != nil {
		if errors.Is(err, providers.ErrLoginFailed) {
			log.Warn("Upstream login failed", "error", err.Error())
			apierror.Write(w, apierror.PermissionDenied("Authentication provider failed"))
			return
		}
		log.Error("Upstream login failed", "error", err.Error())
		apierror.Write(w, apierror.Internal(middleware.GetReqID(ctx)))
		return
	}
	info := login.UserInfo

	if s.ldap != nil {
		groups, err := s.ldap.Groups(ctx, info.Username)
		if err != nil {
			log.Error("LDAP group lookup failed", "user", info.Username, "error", err.Error())
			apierror.Write(w, apierror.Internal(middleware.GetReqID(ctx)))
			return
		}
		info.Groups = groups
	}

	scopes := s.cfg.ScopesForGroups(groupNames(info.Groups))
	data, err := s.tokens.CreateSessionToken(ctx, info, scopes, ClientIP(ctx))
	if err != nil {
		log.Error("Failed to create session token", "user", info.Username, "error", err.Error())
		apierror.WriteError(w, err, middleware.GetReqID(ctx))
		return
	}

	fresh := &cookie.Session{
		Token:       data.Token.String(),
		CSRF:        uuid.NewString(),
		GitHubToken: login.GitHubToken,
	}
	if err := s.codec.Set(w, fresh); err != nil {
		log.Error("Failed to set session cookie", "error", err.Error())
		apierror.Write(w, apierror.Internal(middleware.GetReqID(ctx)))
		return
	}

	destination := session.ReturnURL
	if destination == "" {
		destination = "/"
	}
	log.Info("Successful login",
		"user", info.Username,
		"token", data.Token.Key,
		"scope", strings.Join(scopes, " "))
	http.Redirect(w, r, destination, http.StatusTemporaryRedirect)
}

// logout clears the session: the token tree is revoked, the upstream GitHub
// grant is released, and the cookie is dropped.
func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := Logger(ctx)

	session, err := s.codec.Get(r)
	if err != nil {
		session = &cookie.Session{}
	}

	loggedOut := false
	if t, ok := session.SessionToken(); ok {
		data, err := s.tokens.Resolve(ctx, t)
		if err == nil {
			caller := &service.Caller{Data: data, IP: ClientIP(ctx)}
			if err := s.tokens.Delete(ctx, caller, data.Username, t.Key); err != nil {
				log.Error("Failed to revoke session on logout",
					"user", data.Username, "token", t.Key, "error", err.Error())
			} else {
				loggedOut = true
				log.Info("Successful logout", "user", data.Username, "token", t.Key)
			}
		}
	}
	if !loggedOut {
		log.Info("Logout of already-logged-out session")
	}

	if session.GitHubToken != "" && s.github != nil {
		if err := s.github.Revoke(ctx, session.GitHubToken); err != nil {
			log.Warn("Failed to revoke GitHub OAuth grant", "error", err.Error())
		}
	}

	s.codec.Clear(w)
	destination := r.URL.Query().Get("rd")
	if destination != "" && !validReturnURL(r, destination) {
		destination = ""
	}
	if destination == "" {
		destination = s.cfg.AfterLogoutURL
	}
	if destination == "" {
		destination = "/"
	}
	http.Redirect(w, r, destination, http.StatusTemporaryRedirect)
}

// validReturnURL accepts relative paths and absolute https URLs pointing
// back at the host that served this request.
func validReturnURL(r *http.Request, rd string) bool {
	u, err := url.Parse(rd)
	if err != nil {
		return false
	}
	if u.Scheme == "" && u.Host == "" {
		return strings.HasPrefix(u.Path, "/")
	}
	if u.Scheme != "https" {
		return false
	}
	return u.Host == r.Host || u.Hostname() == r.Host
}

func groupNames(groups []token.Group) []string {
	names := make([]string, 0, len(groups))
	for _, g := range groups {
		names = append(names, g.Name)
	}
	return names
}
