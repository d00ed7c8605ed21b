// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stacklok/gafaelfawr/pkg/keys"
	"github.com/stacklok/gafaelfawr/pkg/token"
)

var generateKeyCmd = &cobra.Command{
	Use:   "generate-key",
	Short: "Generate an RSA signing key",
	Long:  `Generate a new RSA private key for the token issuer and print it as PEM.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		key, err := keys.Generate()
		if err != nil {
			return fmt.Errorf("generating key: %w", err)
		}
		pem, err := keys.EncodePEM(key)
		if err != nil {
			return fmt.Errorf("encoding key: %w", err)
		}
		cmd.Print(string(pem))
		return nil
	},
}

var generateTokenCmd = &cobra.Command{
	Use:   "generate-token",
	Short: "Generate a random token",
	Long: `Generate a new random token in the gt-<key>.<secret> format, suitable for
use as a bootstrap token secret.`,
	Run: func(cmd *cobra.Command, _ []string) {
		cmd.Println(token.New().String())
	},
}
