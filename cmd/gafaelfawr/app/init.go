// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stacklok/gafaelfawr/pkg/logger"
	"github.com/stacklok/gafaelfawr/pkg/service"
	"github.com/stacklok/gafaelfawr/pkg/storage/sqlite"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the database",
	Long: `Run the database migrations and seed the initial admin roster from the
configuration. Safe to run repeatedly; existing admins are left alone.`,
	RunE: initRun,
}

func initRun(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	db, err := sqlite.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() { _ = db.Close() }()

	admins := service.NewAdminService(sqlite.NewAdminStore(db))
	if err := admins.Bootstrap(ctx, cfg.InitialAdmins); err != nil {
		return err
	}

	logger.Infow("Database initialized", "admins", len(cfg.InitialAdmins))
	return nil
}
