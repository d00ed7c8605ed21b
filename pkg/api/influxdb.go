// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/stacklok/gafaelfawr/pkg/apierror"
	"github.com/stacklok/gafaelfawr/pkg/auth"
)

type influxdbTokenResponse struct {
	Token string `json:"token"`
}

// influxdbToken mints an HS256 JWT for InfluxDB 1.x from the presenting
// session. 404 not_supported when the deployment has no InfluxDB secret.
func (s *Server) influxdbToken(w http.ResponseWriter, r *http.Request) {
	ident, err := s.Authenticate(r)
	if err != nil || ident.Caller.Data == nil {
		challenge := &auth.Challenge{Type: auth.ChallengeBearer, Realm: s.cfg.Realm}
		w.Header().Set("WWW-Authenticate", challenge.Header())
		apierror.Write(w, apierror.InvalidToken("Authentication required"))
		return
	}

	signed, err := s.influxdb.CreateToken(ident.Caller.Data)
	if err != nil {
		apierror.WriteError(w, err, middleware.GetReqID(r.Context()))
		return
	}
	writeJSON(w, http.StatusOK, influxdbTokenResponse{Token: signed})
}
