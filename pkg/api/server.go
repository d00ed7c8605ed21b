// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package api contains the HTTP surface of Gafaelfawr: the /auth subrequest
// endpoint, the login and logout flows, the embedded OpenID Connect server,
// and the /auth/api/v1 token API.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	v1 "github.com/stacklok/gafaelfawr/pkg/api/v1"
	"github.com/stacklok/gafaelfawr/pkg/config"
	"github.com/stacklok/gafaelfawr/pkg/cookie"
	"github.com/stacklok/gafaelfawr/pkg/keys"
	"github.com/stacklok/gafaelfawr/pkg/logger"
	"github.com/stacklok/gafaelfawr/pkg/providers"
	"github.com/stacklok/gafaelfawr/pkg/providers/github"
	"github.com/stacklok/gafaelfawr/pkg/providers/ldap"
	"github.com/stacklok/gafaelfawr/pkg/service"
)

// Not sure if these values need to be configurable.
const (
	middlewareTimeout = 60 * time.Second
	readHeaderTimeout = 10 * time.Second
)

// Options are the collaborators behind the HTTP surface. Config, Codec,
// Tokens, and Admins are required; the rest enable optional routes.
type Options struct {
	Config   *config.Config
	Codec    *cookie.Codec
	Tokens   *service.TokenService
	Admins   *service.AdminService
	OIDC     *service.OIDCService
	InfluxDB *service.InfluxDBService

	// Provider completes upstream logins. GitHub is additionally set when
	// the provider is GitHub, for grant revocation on logout.
	Provider providers.Provider
	GitHub   *github.Provider

	// LDAP enriches logins with group membership when configured.
	LDAP *ldap.Client

	// Keys signs id_tokens and publishes the JWKS.
	Keys *keys.Provider
}

// Server routes requests to the services.
type Server struct {
	cfg      *config.Config
	codec    *cookie.Codec
	tokens   *service.TokenService
	admins   *service.AdminService
	oidc     *service.OIDCService
	influxdb *service.InfluxDBService
	provider providers.Provider
	github   *github.Provider
	ldap     *ldap.Client
	keys     *keys.Provider
	proxies  []*net.IPNet
}

// NewServer assembles the HTTP layer.
func NewServer(opts Options) (*Server, error) {
	proxies, err := opts.Config.ProxyCIDRs()
	if err != nil {
		return nil, err
	}
	return &Server{
		cfg:      opts.Config,
		codec:    opts.Codec,
		tokens:   opts.Tokens,
		admins:   opts.Admins,
		oidc:     opts.OIDC,
		influxdb: opts.InfluxDB,
		provider: opts.Provider,
		github:   opts.GitHub,
		ldap:     opts.LDAP,
		keys:     opts.Keys,
		proxies:  proxies,
	}, nil
}

// Handler builds the route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.Timeout(middlewareTimeout),
		s.requestLogger,
	)

	r.Get("/auth", s.authorize)
	r.Get("/login", s.login)
	r.Get("/login/callback", s.callback)
	r.Get("/logout", s.logout)
	r.Get("/auth/openid/login", s.openidLogin)
	r.Post("/auth/openid/token", s.openidToken)
	r.Get("/.well-known/openid-configuration", s.openidConfiguration)
	r.Get("/.well-known/jwks.json", s.jwks)
	r.Get("/auth/tokens/influxdb/new", s.influxdbToken)
	r.Mount("/auth/api/v1", v1.Router(s.cfg, s, s.tokens, s.admins, s.codec))
	return r
}

// Serve runs the server on address until the context is canceled. It is
// assumed that the caller sets up appropriate signal handling.
func (s *Server) Serve(ctx context.Context, address string) error {
	srv := &http.Server{
		BaseContext:       func(net.Listener) context.Context { return ctx },
		Addr:              address,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", address, err)
	}
	logger.Infow("Starting server", "address", address)

	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Panicf("server stopped with error: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Infow("Server stopped")
	return nil
}
