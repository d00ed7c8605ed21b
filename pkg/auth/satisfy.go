// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"fmt"

	"github.com/stacklok/gafaelfawr/pkg/token"
)

// Satisfy selects how a multi-scope requirement combines.
type Satisfy string

// Satisfy policies.
const (
	// SatisfyAll requires every listed scope. The default.
	SatisfyAll Satisfy = "all"

	// SatisfyAny requires at least one listed scope.
	SatisfyAny Satisfy = "any"
)

// ParseSatisfy validates the satisfy request parameter.
func ParseSatisfy(s string) (Satisfy, error) {
	switch s {
	case "", string(SatisfyAll):
		return SatisfyAll, nil
	case string(SatisfyAny):
		return SatisfyAny, nil
	default:
		return "", fmt.Errorf("unknown satisfy policy %q", s)
	}
}

// Met reports whether the token scope set meets the requirement. An empty
// requirement is met by any valid token.
func (s Satisfy) Met(data *token.Data, required []string) bool {
	if len(required) == 0 {
		return true
	}
	if s == SatisfyAny {
		return data.HasAnyScope(required)
	}
	return data.HasAllScopes(required)
}
