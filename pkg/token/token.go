// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package token defines the opaque token model and the validation grammar
// shared by every Gafaelfawr component.
//
// A token in printable form is "gt-<key>.<secret>" where key and secret are
// the URL-safe base64 encodings of 16 random bytes each. The key is the
// lookup handle stored in the database; the secret only ever lives inside
// the encrypted Redis record and in the hands of the client. OpenID Connect
// authorization codes share the same shape under the "gc-" prefix.
package token

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"sort"
	"strings"
	"time"
)

const (
	// TokenPrefix starts the printable form of every token.
	TokenPrefix = "gt-"

	// CodePrefix starts the printable form of every OIDC authorization code.
	CodePrefix = "gc-"

	// keyBytes is the entropy of the key and of the secret, in bytes.
	keyBytes = 16
)

// Token is an opaque bearer token. The zero value is not a valid token; use
// [New] or [Parse].
type Token struct {
	// Key is the public lookup handle.
	Key string

	// Secret authenticates possession of the token. Never logged.
	Secret string
}

// New mints a token with a random key and secret.
func New() Token {
	return Token{Key: randomString(), Secret: randomString()}
}

// NewWithKey mints a token with the given key and a random secret. Used for
// tokens whose key is derived deterministically from a parent.
func NewWithKey(key string) Token {
	return Token{Key: key, Secret: randomString()}
}

// Parse converts the printable form back into a Token. The input must carry
// the "gt-" prefix and both components must decode to 16 bytes.
func Parse(s string) (Token, error) {
	key, secret, err := parseParts(s, TokenPrefix)
	if err != nil {
		return Token{}, err
	}
	return Token{Key: key, Secret: secret}, nil
}

// String renders the printable form.
func (t Token) String() string {
	return TokenPrefix + t.Key + "." + t.Secret
}

// MarshalText serializes the token as its printable form.
func (t Token) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText parses the printable form.
func (t *Token) UnmarshalText(data []byte) error {
	parsed, err := Parse(string(data))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Code is an OIDC authorization code. Same shape as a Token, "gc-" prefix.
type Code struct {
	Key    string
	Secret string
}

// NewCode mints an authorization code with a random key and secret.
func NewCode() Code {
	return Code{Key: randomString(), Secret: randomString()}
}

// ParseCode converts the printable form back into a Code.
func ParseCode(s string) (Code, error) {
	key, secret, err := parseParts(s, CodePrefix)
	if err != nil {
		return Code{}, err
	}
	return Code{Key: key, Secret: secret}, nil
}

// String renders the printable form.
func (c Code) String() string {
	return CodePrefix + c.Key + "." + c.Secret
}

// MarshalText serializes the code as its printable form.
func (c Code) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText parses the printable form.
func (c *Code) UnmarshalText(data []byte) error {
	parsed, err := ParseCode(string(data))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// NotebookKey derives the deterministic key of the notebook token for a
// parent token key. Two concurrent requests for the same parent therefore
// race on the same database row instead of minting divergent tokens.
func NotebookKey(parentKey string) string {
	sum := sha256.Sum256([]byte(parentKey + "notebook"))
	return base64.RawURLEncoding.EncodeToString(sum[:keyBytes])
}

// InternalKey derives the deterministic key of the internal token delegated
// to service with the given scopes. The scope set is hashed in its sorted,
// space-separated wire form so that scope order never changes the identity.
func InternalKey(parentKey, service string, scopes []string) string {
	sorted := make([]string, len(scopes))
	copy(sorted, scopes)
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(parentKey + service + strings.Join(sorted, " ")))
	return base64.RawURLEncoding.EncodeToString(sum[:keyBytes])
}

// CurrentTime returns the current UTC time truncated to second precision,
// the resolution stored in the database.
func CurrentTime() time.Time {
	return time.Unix(time.Now().Unix(), 0).UTC()
}

func randomString() string {
	b := make([]byte, keyBytes)
	if _, err := rand.Read(b); err != nil {
		// Only reachable when the kernel entropy source is broken.
		panic(fmt.Sprintf("cannot read random bytes: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

func parseParts(s, prefix string) (string, string, error) {
	if !strings.HasPrefix(s, prefix) {
		return "", "", fmt.Errorf("token does not start with %s", prefix)
	}
	trimmed := strings.TrimPrefix(s, prefix)
	key, secret, found := strings.Cut(trimmed, ".")
	if !found {
		return "", "", fmt.Errorf("token is malformed")
	}
	for _, part := range []string{key, secret} {
		decoded, err := base64.RawURLEncoding.DecodeString(part)
		if err != nil || len(decoded) != keyBytes {
			return "", "", fmt.Errorf("token component is not %d bytes of base64", keyBytes)
		}
	}
	return key, secret, nil
}
