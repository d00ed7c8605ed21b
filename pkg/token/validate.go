// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"regexp"
	"time"
)

// MinimumLifetime is the shortest allowed distance between now and a
// token's requested expiry.
const MinimumLifetime = 5 * time.Minute

// CodeLifetime is how long an OIDC authorization code stays redeemable.
const CodeLifetime = time.Hour

// CookieName is the browser session cookie.
const CookieName = "gafaelfawr"

// MaxUsernameLength bounds canonical usernames.
const MaxUsernameLength = 64

var (
	usernameRegex = regexp.MustCompile(`^[a-z_][a-z0-9._-]*$`)
	scopeRegex    = regexp.MustCompile(`^[a-zA-Z0-9:._-]+$`)
	groupRegex    = regexp.MustCompile(`^[a-z_][a-zA-Z0-9._-]*$`)
	actorRegex    = regexp.MustCompile(`^(?:<bootstrap>|[a-z_][a-z0-9._-]+)$`)
	cursorRegex   = regexp.MustCompile(`^p?[0-9]+_[0-9]+$`)
)

// ValidUsername reports whether s is a well-formed canonical username.
func ValidUsername(s string) bool {
	return len(s) <= MaxUsernameLength && usernameRegex.MatchString(s)
}

// ValidScope reports whether s is a well-formed scope string.
func ValidScope(s string) bool {
	return scopeRegex.MatchString(s)
}

// ValidScopes reports whether every element is a well-formed scope.
func ValidScopes(scopes []string) bool {
	for _, s := range scopes {
		if !ValidScope(s) {
			return false
		}
	}
	return true
}

// ValidGroupName reports whether s is a well-formed group name.
func ValidGroupName(s string) bool {
	return groupRegex.MatchString(s)
}

// ValidActor reports whether s is a well-formed history actor: a username
// or the bootstrap marker.
func ValidActor(s string) bool {
	return len(s) <= MaxUsernameLength && actorRegex.MatchString(s)
}
