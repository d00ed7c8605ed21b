// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package main is the entry point for the Gafaelfawr server and CLI.
package main

import (
	"os"

	"github.com/stacklok/gafaelfawr/cmd/gafaelfawr/app"
)

func main() {
	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
