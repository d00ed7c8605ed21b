// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config loads and validates the Gafaelfawr configuration.
//
// Configuration comes from a single YAML file, /etc/gafaelfawr/gafaelfawr.yaml
// by default. Secrets are referenced by file path and read once at load time;
// the loaded values live only in memory.
package config

import (
	"encoding/base64"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stacklok/gafaelfawr/pkg/crypto"
	"github.com/stacklok/gafaelfawr/pkg/token"
)

// DefaultPath is where the configuration file lives unless overridden by the
// --config flag or the GAFAELFAWR_CONFIG environment variable.
const DefaultPath = "/etc/gafaelfawr/gafaelfawr.yaml"

// Defaults for optional settings.
const (
	DefaultTokenLifetime = 24 * time.Hour
	DefaultExpirySweep   = time.Hour
	DefaultLDAPCacheTTL  = 5 * time.Minute
	DefaultIssuerExp     = 30 * time.Minute
)

// Config is the full Gafaelfawr configuration.
type Config struct {
	// Realm is used in WWW-Authenticate challenges.
	Realm string `yaml:"realm"`

	// LogLevel is one of debug, info, warning, error.
	LogLevel string `yaml:"loglevel"`

	// SessionSecretFile holds the 32-byte key sealing Redis records and the
	// session cookie, base64 encoded.
	SessionSecretFile string `yaml:"session_secret_file"`

	// RedisURL is the redis:// connection URL of the token store.
	RedisURL string `yaml:"redis_url"`

	// RedisPasswordFile optionally holds the Redis password.
	RedisPasswordFile string `yaml:"redis_password_file"`

	// DatabaseURL is the connection URL of the database of record.
	DatabaseURL string `yaml:"database_url"`

	// BootstrapTokenFile optionally holds a token that authenticates as the
	// bootstrap actor with admin:token scope for the admin APIs.
	BootstrapTokenFile string `yaml:"bootstrap_token_file"`

	// Proxies lists CIDR blocks of the ingress proxies, used to pick the
	// client IP out of X-Forwarded-For.
	Proxies []string `yaml:"proxies"`

	// AfterLogoutURL is where /logout redirects without an rd parameter.
	AfterLogoutURL string `yaml:"after_logout_url"`

	// TokenLifetimeMinutes is the default session token lifetime.
	TokenLifetimeMinutes int `yaml:"token_lifetime_minutes"`

	// ExpirySweepMinutes is the interval of the background expiry sweep.
	ExpirySweepMinutes int `yaml:"expiry_sweep_minutes"`

	// Issuer configures JWT issuance (OIDC server id_token and InfluxDB).
	Issuer IssuerConfig `yaml:"issuer"`

	// GitHub configures the GitHub login provider.
	GitHub *GitHubConfig `yaml:"github"`

	// OIDC configures the upstream OIDC login provider.
	OIDC *OIDCConfig `yaml:"oidc"`

	// OIDCServer configures the embedded OIDC identity provider.
	OIDCServer *OIDCServerConfig `yaml:"oidc_server"`

	// LDAP configures optional LDAP group enrichment.
	LDAP *LDAPConfig `yaml:"ldap"`

	// GroupMapping maps a scope name to the groups that grant it.
	GroupMapping map[string][]string `yaml:"group_mapping"`

	// KnownScopes maps every recognized scope name to a description.
	KnownScopes map[string]string `yaml:"known_scopes"`

	// InitialAdmins is merged into the admin table on startup if absent.
	InitialAdmins []string `yaml:"initial_admins"`

	// Loaded secrets, populated by Load. Not part of the YAML.
	SessionSecret  []byte `yaml:"-"`
	RedisPassword  string `yaml:"-"`
	BootstrapToken string `yaml:"-"`
}

// IssuerConfig configures JWT issuance.
type IssuerConfig struct {
	// Iss is the iss claim and the base URL of the OIDC server.
	Iss string `yaml:"iss"`

	// Aud is the default audience for issued JWTs.
	Aud string `yaml:"aud"`

	// KeyFile holds the RSA private key in PEM. Empty means generate an
	// ephemeral key at startup.
	KeyFile string `yaml:"key_file"`

	// Kid overrides the derived key id.
	Kid string `yaml:"kid"`

	// ExpMinutes bounds the lifetime of issued JWTs.
	ExpMinutes int `yaml:"exp_minutes"`

	// InfluxDBSecretFile holds the HS256 secret for InfluxDB tokens.
	// Empty disables the InfluxDB endpoint.
	InfluxDBSecretFile string `yaml:"influxdb_secret_file"`

	// InfluxDBUsername, when set, is forced as the username claim of every
	// InfluxDB token.
	InfluxDBUsername string `yaml:"influxdb_username"`

	// Loaded secrets.
	KeyPEM         []byte `yaml:"-"`
	InfluxDBSecret []byte `yaml:"-"`
}

// ExpLifetime returns the configured JWT lifetime.
func (c *IssuerConfig) ExpLifetime() time.Duration {
	if c.ExpMinutes <= 0 {
		return DefaultIssuerExp
	}
	return time.Duration(c.ExpMinutes) * time.Minute
}

// GitHubConfig configures the GitHub login provider.
type GitHubConfig struct {
	ClientID         string `yaml:"client_id"`
	ClientSecretFile string `yaml:"client_secret_file"`

	ClientSecret string `yaml:"-"`
}

// OIDCConfig configures the upstream OIDC login provider.
type OIDCConfig struct {
	ClientID         string `yaml:"client_id"`
	ClientSecretFile string `yaml:"client_secret_file"`

	// Issuer is discovered for endpoints and used to verify the iss claim.
	Issuer string `yaml:"issuer"`

	// LoginURL overrides the discovered authorization endpoint.
	LoginURL string `yaml:"login_url"`

	// LoginParams are extra query parameters for the authorization request.
	LoginParams map[string]string `yaml:"login_params"`

	// TokenURL overrides the discovered token endpoint.
	TokenURL string `yaml:"token_url"`

	// Audience overrides the expected aud claim; defaults to ClientID.
	Audience string `yaml:"audience"`

	// Scopes requested at login; "openid" is always included.
	Scopes []string `yaml:"scopes"`

	// UsernameClaim names the claim carrying the username. Default "uid".
	UsernameClaim string `yaml:"username_claim"`

	// UIDClaim names the claim carrying the numeric UID. Default "uidNumber".
	UIDClaim string `yaml:"uid_claim"`

	ClientSecret string `yaml:"-"`
}

// OIDCServerConfig configures the embedded OIDC identity provider.
type OIDCServerConfig struct {
	// SecretsFile holds the registered clients as a JSON list of
	// {"id", "secret", "return_uri"} objects.
	SecretsFile string `yaml:"secrets_file"`

	Clients []OIDCClient `yaml:"-"`
}

// OIDCClient is one registered client of the embedded OIDC server.
type OIDCClient struct {
	ID string `json:"id" yaml:"id"`

	// Secret is compared in constant time at the token endpoint.
	Secret string `json:"secret" yaml:"secret"`

	// ReturnURI is the allowed redirect URI prefix.
	ReturnURI string `json:"return_uri" yaml:"return_uri"`
}

// LDAPConfig configures LDAP group enrichment.
type LDAPConfig struct {
	// URL is the ldap:// or ldaps:// server URL.
	URL string `yaml:"url"`

	// GroupBaseDN is the search base for posixGroup entries.
	GroupBaseDN string `yaml:"group_base_dn"`

	// UserDN and PasswordFile configure the service bind. Empty UserDN
	// means anonymous bind.
	UserDN       string `yaml:"user_dn"`
	PasswordFile string `yaml:"password_file"`

	// CacheTTLMinutes is how long group lists are cached per username.
	CacheTTLMinutes int `yaml:"cache_ttl_minutes"`

	Password string `yaml:"-"`
}

// CacheTTL returns the configured group cache lifetime.
func (c *LDAPConfig) CacheTTL() time.Duration {
	if c.CacheTTLMinutes <= 0 {
		return DefaultLDAPCacheTTL
	}
	return time.Duration(c.CacheTTLMinutes) * time.Minute
}

// TokenLifetime returns the default session token lifetime.
func (c *Config) TokenLifetime() time.Duration {
	if c.TokenLifetimeMinutes <= 0 {
		return DefaultTokenLifetime
	}
	return time.Duration(c.TokenLifetimeMinutes) * time.Minute
}

// ExpirySweepInterval returns the background sweep interval.
func (c *Config) ExpirySweepInterval() time.Duration {
	if c.ExpirySweepMinutes <= 0 {
		return DefaultExpirySweep
	}
	return time.Duration(c.ExpirySweepMinutes) * time.Minute
}

// ProxyCIDRs parses the configured proxy list.
func (c *Config) ProxyCIDRs() ([]*net.IPNet, error) {
	nets := make([]*net.IPNet, 0, len(c.Proxies))
	for _, block := range c.Proxies {
		_, ipNet, err := net.ParseCIDR(block)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy CIDR %q: %w", block, err)
		}
		nets = append(nets, ipNet)
	}
	return nets, nil
}

// ScopesForGroups maps a list of group names onto the scopes they grant.
func (c *Config) ScopesForGroups(groups []string) []string {
	memberOf := make(map[string]struct{}, len(groups))
	for _, g := range groups {
		memberOf[g] = struct{}{}
	}
	var scopes []string
	for scope, grantedBy := range c.GroupMapping {
		for _, g := range grantedBy {
			if _, ok := memberOf[g]; ok {
				scopes = append(scopes, scope)
				break
			}
		}
	}
	return token.SortScopes(scopes)
}

// Validate checks internal consistency of the configuration. Secret files
// are checked separately by Load.
func (c *Config) Validate() error {
	if c.Realm == "" {
		return fmt.Errorf("realm is required")
	}
	if c.SessionSecretFile == "" {
		return fmt.Errorf("session_secret_file is required")
	}
	if c.RedisURL == "" {
		return fmt.Errorf("redis_url is required")
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("database_url is required")
	}
	if (c.GitHub == nil) == (c.OIDC == nil) {
		return fmt.Errorf("exactly one of github and oidc must be configured")
	}
	if c.AfterLogoutURL != "" {
		if _, err := url.Parse(c.AfterLogoutURL); err != nil {
			return fmt.Errorf("invalid after_logout_url: %w", err)
		}
	}
	if _, err := c.ProxyCIDRs(); err != nil {
		return err
	}
	for _, admin := range c.InitialAdmins {
		if !token.ValidUsername(admin) {
			return fmt.Errorf("invalid username %q in initial_admins", admin)
		}
	}
	for scope := range c.GroupMapping {
		if _, ok := c.KnownScopes[scope]; !ok {
			return fmt.Errorf("scope %q in group_mapping missing from known_scopes", scope)
		}
	}
	for scope := range c.KnownScopes {
		if !token.ValidScope(scope) {
			return fmt.Errorf("invalid scope name %q in known_scopes", scope)
		}
	}
	return nil
}

// Path returns the configuration file path: the explicit argument if given,
// otherwise the GAFAELFAWR_CONFIG environment variable, otherwise the
// default path.
func Path(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if env := os.Getenv("GAFAELFAWR_CONFIG"); env != "" {
		return env
	}
	return DefaultPath
}

// Load reads the configuration file, resolves every referenced secret file,
// and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path is operator-supplied
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	if err := cfg.loadSecrets(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadSecrets() error {
	secret, err := readSecret(c.SessionSecretFile)
	if err != nil {
		return err
	}
	key, err := decodeSessionSecret(secret)
	if err != nil {
		return fmt.Errorf("invalid session secret in %s: %w", c.SessionSecretFile, err)
	}
	c.SessionSecret = key

	if c.RedisPasswordFile != "" {
		if c.RedisPassword, err = readSecret(c.RedisPasswordFile); err != nil {
			return err
		}
	}
	if c.BootstrapTokenFile != "" {
		if c.BootstrapToken, err = readSecret(c.BootstrapTokenFile); err != nil {
			return err
		}
		if _, err := token.Parse(c.BootstrapToken); err != nil {
			return fmt.Errorf("invalid bootstrap token in %s: %w", c.BootstrapTokenFile, err)
		}
	}
	if c.GitHub != nil {
		if c.GitHub.ClientSecret, err = readSecret(c.GitHub.ClientSecretFile); err != nil {
			return err
		}
	}
	if c.OIDC != nil {
		if c.OIDC.ClientSecret, err = readSecret(c.OIDC.ClientSecretFile); err != nil {
			return err
		}
	}
	if c.Issuer.KeyFile != "" {
		data, err := os.ReadFile(c.Issuer.KeyFile) // #nosec G304 -- operator-supplied
		if err != nil {
			return fmt.Errorf("reading issuer key: %w", err)
		}
		c.Issuer.KeyPEM = data
	}
	if c.Issuer.InfluxDBSecretFile != "" {
		secret, err := readSecret(c.Issuer.InfluxDBSecretFile)
		if err != nil {
			return err
		}
		c.Issuer.InfluxDBSecret = []byte(secret)
	}
	if c.OIDCServer != nil {
		if err := c.OIDCServer.loadClients(); err != nil {
			return err
		}
	}
	if c.LDAP != nil && c.LDAP.PasswordFile != "" {
		if c.LDAP.Password, err = readSecret(c.LDAP.PasswordFile); err != nil {
			return err
		}
	}
	return nil
}

func (s *OIDCServerConfig) loadClients() error {
	if s.SecretsFile == "" {
		return fmt.Errorf("oidc_server.secrets_file is required when oidc_server is configured")
	}
	data, err := os.ReadFile(s.SecretsFile) // #nosec G304 -- operator-supplied
	if err != nil {
		return fmt.Errorf("reading OIDC server secrets: %w", err)
	}
	if err := yaml.Unmarshal(data, &s.Clients); err != nil {
		return fmt.Errorf("parsing OIDC server secrets: %w", err)
	}
	for i, client := range s.Clients {
		if client.ID == "" || client.Secret == "" {
			return fmt.Errorf("OIDC server client %d is missing id or secret", i)
		}
	}
	return nil
}

// readSecret reads a secret file, trimming the trailing newline most secret
// management tools append.
func readSecret(path string) (string, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied
	if err != nil {
		return "", fmt.Errorf("reading secret %s: %w", path, err)
	}
	return strings.TrimRight(string(data), "\n"), nil
}

// decodeSessionSecret accepts either a raw 32-byte secret or its base64
// encoding, the format written by generate-session-secret tooling.
func decodeSessionSecret(s string) ([]byte, error) {
	if len(s) == crypto.KeySize {
		return []byte(s), nil
	}
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding, base64.URLEncoding, base64.RawURLEncoding,
	} {
		if key, err := enc.DecodeString(s); err == nil && len(key) == crypto.KeySize {
			return key, nil
		}
	}
	return nil, fmt.Errorf("session secret must be %d bytes, raw or base64", crypto.KeySize)
}
