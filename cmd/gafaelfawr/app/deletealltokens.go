// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stacklok/gafaelfawr/pkg/crypto"
	"github.com/stacklok/gafaelfawr/pkg/logger"
	"github.com/stacklok/gafaelfawr/pkg/storage/redisstore"
)

var deleteAllTokensCmd = &cobra.Command{
	Use:   "delete-all-tokens",
	Short: "Delete every token from Redis",
	Long: `Delete all sealed token mirrors from Redis. Every user will have to log
in again. The SQLite history is untouched.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		sealer, err := crypto.NewSealer(cfg.SessionSecret)
		if err != nil {
			return fmt.Errorf("building session sealer: %w", err)
		}
		client, err := redisstore.NewClient(cfg.RedisURL, cfg.RedisPassword)
		if err != nil {
			return fmt.Errorf("connecting to Redis: %w", err)
		}
		defer func() { _ = client.Close() }()

		if err := redisstore.NewTokenStore(client, sealer).DeleteAll(ctx); err != nil {
			return err
		}
		logger.Infow("Deleted all tokens")
		return nil
	},
}
