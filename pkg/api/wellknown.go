// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/stacklok/gafaelfawr/pkg/apierror"
)

// discoveryDocument is the OIDC provider metadata of RFC 8414 / OIDC
// Discovery, minus everything this server does not implement.
type discoveryDocument struct {
	Issuer                 string   `json:"issuer"`
	AuthorizationEndpoint  string   `json:"authorization_endpoint"`
	TokenEndpoint          string   `json:"token_endpoint"`
	UserinfoEndpoint       string   `json:"userinfo_endpoint"`
	JWKSURI                string   `json:"jwks_uri"`
	ResponseTypesSupported []string `json:"response_types_supported"`
	SubjectTypesSupported  []string `json:"subject_types_supported"`
	AlgValuesSupported     []string `json:"id_token_signing_alg_values_supported"`
	ScopesSupported        []string `json:"scopes_supported"`
	AuthMethodsSupported   []string `json:"token_endpoint_auth_methods_supported"`
}

func (s *Server) openidConfiguration(w http.ResponseWriter, r *http.Request) {
	if s.oidc == nil || !s.oidc.Enabled() {
		apierror.Write(w, apierror.NotSupported("OpenID Connect server is not configured"))
		return
	}
	base := strings.TrimSuffix(s.cfg.Issuer.Iss, "/")
	writeJSON(w, http.StatusOK, discoveryDocument{
		Issuer:                 s.cfg.Issuer.Iss,
		AuthorizationEndpoint:  base + "/auth/openid/login",
		TokenEndpoint:          base + "/auth/openid/token",
		UserinfoEndpoint:       base + "/auth/api/v1/user-info",
		JWKSURI:                base + "/.well-known/jwks.json",
		ResponseTypesSupported: []string{"code"},
		SubjectTypesSupported:  []string{"public"},
		AlgValuesSupported:     []string{"RS256"},
		ScopesSupported:        []string{"openid"},
		AuthMethodsSupported:   []string{"client_secret_post", "client_secret_basic"},
	})
}

func (s *Server) jwks(w http.ResponseWriter, r *http.Request) {
	set, err := s.keys.JWKS()
	if err != nil {
		Logger(r.Context()).Error("Failed to build JWKS", "error", err.Error())
		apierror.Write(w, apierror.Internal(middleware.GetReqID(r.Context())))
		return
	}
	writeJSON(w, http.StatusOK, set)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
