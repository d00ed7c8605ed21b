// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/stacklok/gafaelfawr/pkg/api"
	"github.com/stacklok/gafaelfawr/pkg/config"
	"github.com/stacklok/gafaelfawr/pkg/cookie"
	"github.com/stacklok/gafaelfawr/pkg/crypto"
	"github.com/stacklok/gafaelfawr/pkg/issuer"
	"github.com/stacklok/gafaelfawr/pkg/keys"
	"github.com/stacklok/gafaelfawr/pkg/logger"
	"github.com/stacklok/gafaelfawr/pkg/providers"
	"github.com/stacklok/gafaelfawr/pkg/providers/github"
	"github.com/stacklok/gafaelfawr/pkg/providers/ldap"
	oidcprovider "github.com/stacklok/gafaelfawr/pkg/providers/oidc"
	"github.com/stacklok/gafaelfawr/pkg/service"
	"github.com/stacklok/gafaelfawr/pkg/storage/redisstore"
	"github.com/stacklok/gafaelfawr/pkg/storage/sqlite"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Gafaelfawr server",
	RunE:  serveRun,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 8080, "Port to listen on")
}

// serveRun is the composition root: it builds every store, service, and
// provider from the configuration and runs the HTTP server until signaled.
func serveRun(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	sealer, err := crypto.NewSealer(cfg.SessionSecret)
	if err != nil {
		return fmt.Errorf("building session sealer: %w", err)
	}
	codec := cookie.NewCodec(sealer)

	redisClient, err := redisstore.NewClient(cfg.RedisURL, cfg.RedisPassword)
	if err != nil {
		return fmt.Errorf("connecting to Redis: %w", err)
	}
	defer func() { _ = redisClient.Close() }()

	db, err := sqlite.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() { _ = db.Close() }()

	tokenStore := sqlite.NewTokenStore(db)
	historyStore := sqlite.NewHistoryStore(db)
	sessions := redisstore.NewTokenStore(redisClient, sealer)

	tokens := service.NewTokenService(cfg, tokenStore, historyStore, sessions)
	admins := service.NewAdminService(sqlite.NewAdminStore(db))
	if err := admins.Bootstrap(ctx, cfg.InitialAdmins); err != nil {
		return err
	}

	keyProvider, err := signingKeys(cfg)
	if err != nil {
		return err
	}
	iss := issuer.New(&cfg.Issuer, keyProvider)

	var oidcServer *service.OIDCService
	if cfg.OIDCServer != nil {
		codes := redisstore.NewCodeStore(redisClient, sealer)
		oidcServer = service.NewOIDCService(cfg.OIDCServer, codes, tokens, iss)
	}

	provider, githubProvider, err := loginProvider(ctx, cfg)
	if err != nil {
		return err
	}
	var ldapClient *ldap.Client
	if cfg.LDAP != nil {
		ldapClient = ldap.New(cfg.LDAP)
	}

	sweeper := service.NewSweeper(tokenStore, historyStore, sessions, cfg.ExpirySweepInterval())
	go sweeper.Run(ctx)

	srv, err := api.NewServer(api.Options{
		Config:   cfg,
		Codec:    codec,
		Tokens:   tokens,
		Admins:   admins,
		OIDC:     oidcServer,
		InfluxDB: service.NewInfluxDBService(iss),
		Provider: provider,
		GitHub:   githubProvider,
		LDAP:     ldapClient,
		Keys:     keyProvider,
	})
	if err != nil {
		return err
	}
	return srv.Serve(ctx, fmt.Sprintf(":%d", servePort))
}

// signingKeys loads the configured RSA key, or generates an ephemeral one
// for deployments that never mint JWTs.
func signingKeys(cfg *config.Config) (*keys.Provider, error) {
	if len(cfg.Issuer.KeyPEM) > 0 {
		provider, err := keys.NewFromPEM(cfg.Issuer.KeyPEM, cfg.Issuer.Kid)
		if err != nil {
			return nil, fmt.Errorf("loading issuer key: %w", err)
		}
		return provider, nil
	}
	logger.Warnw("No issuer key configured, generating an ephemeral signing key")
	return keys.NewGenerated(cfg.Issuer.Kid)
}

// loginProvider builds the configured upstream identity provider. The
// callback always lands on /login at the deployment realm.
func loginProvider(ctx context.Context, cfg *config.Config) (providers.Provider, *github.Provider, error) {
	redirectURL := "https://" + cfg.Realm + "/login"
	if cfg.GitHub != nil {
		gh := github.New(cfg.GitHub, redirectURL)
		return gh, gh, nil
	}
	provider, err := oidcprovider.New(ctx, cfg.OIDC, redirectURL)
	if err != nil {
		return nil, nil, fmt.Errorf("configuring upstream OIDC: %w", err)
	}
	return provider, nil, nil
}
