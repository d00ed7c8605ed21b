// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"crypto/subtle"
	"errors"
	"net/http"

	"github.com/stacklok/gafaelfawr/pkg/apierror"
	v1 "github.com/stacklok/gafaelfawr/pkg/api/v1"
	"github.com/stacklok/gafaelfawr/pkg/auth"
	"github.com/stacklok/gafaelfawr/pkg/service"
)

// Authenticate resolves the principal behind a request. It implements
// v1.Authenticator for the token API and is shared by every authenticated
// route. The configured bootstrap token short-circuits resolution and acts
// with admin authority.
func (s *Server) Authenticate(r *http.Request) (*v1.Identity, error) {
	t, source, err := auth.Extract(r, s.codec)
	if err != nil {
		return nil, err
	}
	ident := &v1.Identity{Token: t, Source: source}
	if source == auth.SourceCookie {
		if session, err := s.codec.Get(r); err == nil {
			ident.CSRF = session.CSRF
		}
	}

	ip := ClientIP(r.Context())
	if s.cfg.BootstrapToken != "" &&
		subtle.ConstantTimeCompare([]byte(t.String()), []byte(s.cfg.BootstrapToken)) == 1 {
		ident.Caller = &service.Caller{Bootstrap: true, IP: ip}
		return ident, nil
	}

	data, err := s.tokens.Resolve(r.Context(), t)
	if err != nil {
		if errors.Is(err, service.ErrInvalidToken) {
			Logger(r.Context()).Info("Invalid token",
				"token", t.Key, "token_source", string(source))
			return nil, apierror.InvalidToken("Token is not valid")
		}
		return nil, err
	}
	ident.Caller = &service.Caller{Data: data, IP: ip}
	return ident, nil
}
