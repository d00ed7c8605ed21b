// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app provides the gafaelfawr command-line application.
package app

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/gafaelfawr/pkg/config"
	"github.com/stacklok/gafaelfawr/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:               "gafaelfawr",
	DisableAutoGenTag: true,
	Short:             "Gafaelfawr is the authentication and authorization gateway",
	Long: `Gafaelfawr authenticates users against GitHub or an upstream OpenID Connect
provider, issues opaque scoped tokens, and answers NGINX auth subrequests
for the services behind it.`,
	Run: func(cmd *cobra.Command, _ []string) {
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
}

// NewRootCmd creates the root command for the Gafaelfawr CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().String("config", "", "Path to the configuration file")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindEnv("config", "GAFAELFAWR_CONFIG")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(generateKeyCmd)
	rootCmd.AddCommand(generateTokenCmd)
	rootCmd.AddCommand(deleteAllTokensCmd)
	return rootCmd
}

// loadConfig resolves the configuration path from the flag, the environment,
// or the default location, and loads it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(config.Path(viper.GetString("config")))
	if err != nil {
		return nil, err
	}
	logger.Initialize(cfg.LogLevel)
	return cfg, nil
}
