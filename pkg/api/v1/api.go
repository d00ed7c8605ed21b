// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package v1 contains the REST token API mounted under /auth/api/v1.
package v1

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/stacklok/gafaelfawr/pkg/apierror"
	"github.com/stacklok/gafaelfawr/pkg/auth"
	"github.com/stacklok/gafaelfawr/pkg/config"
	"github.com/stacklok/gafaelfawr/pkg/cookie"
	"github.com/stacklok/gafaelfawr/pkg/service"
	"github.com/stacklok/gafaelfawr/pkg/token"
)

// Identity is the authenticated principal behind an API request, together
// with how it authenticated.
type Identity struct {
	// Caller is the resolved principal.
	Caller *service.Caller

	// Token is the presented token. Zero for the bootstrap token only if
	// the deployment never configured one.
	Token token.Token

	// Source is where the credential came from.
	Source auth.Source

	// CSRF is the session cookie's CSRF value, set only for cookie auth.
	CSRF string
}

// Authenticator resolves the principal behind a request. Implemented by the
// parent api package; injected here so the v1 routes stay transport-only.
type Authenticator interface {
	Authenticate(r *http.Request) (*Identity, error)
}

// Handler carries the dependencies of the v1 routes.
type Handler struct {
	cfg    *config.Config
	authn  Authenticator
	tokens *service.TokenService
	admins *service.AdminService
	codec  *cookie.Codec
}

// Router builds the /auth/api/v1 route tree.
func Router(
	cfg *config.Config,
	authn Authenticator,
	tokens *service.TokenService,
	admins *service.AdminService,
	codec *cookie.Codec,
) http.Handler {
	h := &Handler{cfg: cfg, authn: authn, tokens: tokens, admins: admins, codec: codec}

	r := chi.NewRouter()
	r.Get("/login", h.login)
	r.Get("/token-info", h.tokenInfo)
	r.Get("/user-info", h.userInfo)
	r.Post("/tokens", h.createAdminToken)
	r.Route("/users/{username}/tokens", func(r chi.Router) {
		r.Get("/", h.listTokens)
		r.Post("/", h.createToken)
		r.Get("/{key}", h.getToken)
		r.Patch("/{key}", h.modifyToken)
		r.Delete("/{key}", h.deleteToken)
		r.Get("/{key}/change-history", h.tokenChangeHistory)
	})
	r.Get("/history/token-changes", h.history)
	r.Route("/admins", func(r chi.Router) {
		r.Get("/", h.listAdmins)
		r.Post("/", h.addAdmin)
		r.Delete("/{username}", h.deleteAdmin)
	})
	return r
}

// authenticate resolves the caller or writes the failure response.
func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) (*Identity, bool) {
	ident, err := h.authn.Authenticate(r)
	if err != nil {
		h.writeError(w, r, err)
		return nil, false
	}
	return ident, true
}

// requireCSRF enforces the X-CSRF-Token header on state-changing requests
// authenticated by the browser cookie. Header-authenticated requests are
// exempt: an attacker cannot make a victim's browser attach those.
func requireCSRF(r *http.Request, ident *Identity) error {
	if ident.Source != auth.SourceCookie {
		return nil
	}
	header := r.Header.Get("X-CSRF-Token")
	if header == "" || header != ident.CSRF {
		return apierror.InvalidCSRF("CSRF token mismatch")
	}
	return nil
}

// writeError renders any error, attaching the bearer challenge required by
// RFC 6750 kinds. A request with no credentials at all gets a bare challenge.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, auth.ErrNoToken) {
		c := &auth.Challenge{Type: auth.ChallengeBearer, Realm: h.cfg.Realm}
		w.Header().Set("WWW-Authenticate", c.Header())
		apierror.Write(w, apierror.InvalidToken("Authentication required"))
		return
	}
	var apiErr *apierror.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Type {
		case apierror.TypeInvalidRequest, apierror.TypeInvalidToken, apierror.TypeInsufficientScope:
			c := auth.ChallengeFor(auth.ChallengeBearer, h.cfg.Realm, apiErr)
			w.Header().Set("WWW-Authenticate", c.Header())
		}
	}
	apierror.WriteError(w, err, middleware.GetReqID(r.Context()))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
