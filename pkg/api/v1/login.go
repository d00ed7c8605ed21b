// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/stacklok/gafaelfawr/pkg/apierror"
	"github.com/stacklok/gafaelfawr/pkg/logger"
)

type loginResponse struct {
	CSRF     string      `json:"csrf"`
	Username string      `json:"username"`
	Scopes   []string    `json:"scopes"`
	Config   loginConfig `json:"config"`
}

type loginConfig struct {
	Scopes []scopeDescription `json:"scopes"`
}

type scopeDescription struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// login bootstraps the browser frontend: it guarantees the session cookie
// carries a CSRF value and reports who is logged in and which scopes exist.
func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	ident, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	data := ident.Caller.Data
	if data == nil {
		h.writeError(w, r, apierror.InvalidToken("Token is not valid"))
		return
	}

	csrf := ident.CSRF
	if csrf == "" {
		csrf = uuid.NewString()
		session, err := h.codec.Get(r)
		if err != nil {
			session = nil
		}
		if session != nil {
			session.CSRF = csrf
			if err := h.codec.Set(w, session); err != nil {
				logger.Errorw("Failed to update session cookie", "error", err)
				apierror.Write(w, apierror.Internal(middleware.GetReqID(r.Context())))
				return
			}
		}
	}

	known := make([]scopeDescription, 0, len(h.cfg.KnownScopes))
	for _, name := range sortedScopeNames(h.cfg.KnownScopes) {
		known = append(known, scopeDescription{Name: name, Description: h.cfg.KnownScopes[name]})
	}
	writeJSON(w, http.StatusOK, loginResponse{
		CSRF:     csrf,
		Username: data.Username,
		Scopes:   data.Scopes,
		Config:   loginConfig{Scopes: known},
	})
}

func sortedScopeNames(scopes map[string]string) []string {
	names := make([]string, 0, len(scopes))
	for name := range scopes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
