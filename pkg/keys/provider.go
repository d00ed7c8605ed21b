// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package keys provides the RSA signing key behind the OIDC server.
package keys

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"

	"github.com/lestrrat-go/jwx/v3/jwk"

	"github.com/stacklok/gafaelfawr/pkg/logger"
)

// Algorithm is the only signing algorithm the issuer uses.
const Algorithm = "RS256"

// rsaKeyBits is the size of generated keys.
const rsaKeyBits = 2048

// Provider holds the issuer signing key and its derived key id.
type Provider struct {
	key   *rsa.PrivateKey
	keyID string
}

// NewFromPEM loads an RSA private key from PEM (PKCS1 or PKCS8). The kid
// override, when non-empty, replaces the derived key id.
func NewFromPEM(pemData []byte, kid string) (*Provider, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in issuer key")
	}

	var key *rsa.PrivateKey
	switch block.Type {
	case "RSA PRIVATE KEY":
		parsed, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parsing PKCS1 key: %w", err)
		}
		key = parsed
	case "PRIVATE KEY":
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parsing PKCS8 key: %w", err)
		}
		rsaKey, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("issuer key is not RSA")
		}
		key = rsaKey
	default:
		return nil, fmt.Errorf("unsupported PEM block %q", block.Type)
	}

	return newProvider(key, kid)
}

// NewGenerated creates a provider with a fresh ephemeral key. Tokens signed
// with it become unverifiable after restart.
func NewGenerated(kid string) (*Provider, error) {
	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generating signing key: %w", err)
	}
	p, err := newProvider(key, kid)
	if err != nil {
		return nil, err
	}
	logger.Warnw("generated ephemeral signing key, issued tokens will not survive restart",
		"kid", p.keyID)
	return p, nil
}

func newProvider(key *rsa.PrivateKey, kid string) (*Provider, error) {
	if kid == "" {
		derived, err := DeriveKeyID(&key.PublicKey)
		if err != nil {
			return nil, err
		}
		kid = derived
	}
	return &Provider{key: key, keyID: kid}, nil
}

// Key returns the private signing key.
func (p *Provider) Key() *rsa.PrivateKey {
	return p.key
}

// KeyID returns the key id published in the JWKS and JWT headers.
func (p *Provider) KeyID() string {
	return p.keyID
}

// JWKS builds the public key set document for /.well-known/jwks.json.
func (p *Provider) JWKS() (jwk.Set, error) {
	key, err := jwk.Import(p.key.Public())
	if err != nil {
		return nil, fmt.Errorf("importing public key: %w", err)
	}
	if err := key.Set(jwk.KeyIDKey, p.keyID); err != nil {
		return nil, fmt.Errorf("setting kid: %w", err)
	}
	if err := key.Set(jwk.AlgorithmKey, Algorithm); err != nil {
		return nil, fmt.Errorf("setting alg: %w", err)
	}
	if err := key.Set(jwk.KeyUsageKey, "sig"); err != nil {
		return nil, fmt.Errorf("setting use: %w", err)
	}
	set := jwk.NewSet()
	if err := set.AddKey(key); err != nil {
		return nil, fmt.Errorf("building key set: %w", err)
	}
	return set, nil
}

// DeriveKeyID derives a stable key id from the public key: the first eight
// bytes of the SHA-256 of its DER encoding, base64url.
func DeriveKeyID(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("encoding public key: %w", err)
	}
	sum := sha256.Sum256(der)
	return base64.RawURLEncoding.EncodeToString(sum[:8]), nil
}

// EncodePEM renders a private key as PKCS8 PEM, the format written by the
// generate-key command.
func EncodePEM(key *rsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("encoding private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// Generate creates a new RSA key for the generate-key command.
func Generate() (*rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}
	return key, nil
}
