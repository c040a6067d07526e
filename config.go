package broker

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultClockSkewGrace tolerates small clock drift between this server
	// and the identity provider when judging token expiry.
	DefaultClockSkewGrace = 5 * time.Second

	// DefaultCredentialCacheTTLSlack is subtracted from a cached delegated
	// credential's lifetime so a near-dead token is never handed to an
	// upstream call.
	DefaultCredentialCacheTTLSlack = 30 * time.Second

	// DefaultCredentialCacheMaxEntries bounds the delegated credential cache.
	DefaultCredentialCacheMaxEntries = 10000

	// DefaultPendingProvisioningTTL is how long an authorization URL handed
	// out by BeginProvisioning stays redeemable.
	DefaultPendingProvisioningTTL = 10 * time.Minute

	// DefaultProvisioningScope is requested during Flow 2 provisioning in
	// addition to the resource scopes.
	DefaultProvisioningScope = "openid profile email offline_access"
)

// Config holds the Token Broker configuration. The zero value is not usable;
// construct via explicit fields or FromEnv.
type Config struct {
	// OfflineAccess selects between the two deployment modes. When false the
	// broker only validates session tokens and passes them through; when true
	// it additionally drives provisioning, refresh, and token exchange.
	// Fixed at construction, never toggled per request.
	OfflineAccess bool

	// ServerAudience is this server's registered identifier. Inbound session
	// tokens must carry it as their audience.
	ServerAudience string

	// ResourceAudience is the upstream content system's identifier. Every
	// delegated credential is scoped to it.
	// SECURITY: must differ from ServerAudience when OfflineAccess is on;
	// equal audiences would let a client-facing token be replayed upstream.
	ResourceAudience string

	// RedirectURI is where the identity provider sends the user back after
	// Flow 2 authorization. Required when OfflineAccess is enabled.
	RedirectURI string

	// ProvisioningScopes are requested during Flow 2 on top of
	// DefaultProvisioningScope. Usually the resource scopes the background
	// workers need.
	ProvisioningScopes []string

	// ClockSkewGrace on expiry checks. Default: 5s.
	ClockSkewGrace time.Duration

	// CredentialCacheTTLSlack shortens cached credential lifetimes.
	// Default: 30s.
	CredentialCacheTTLSlack time.Duration

	// CredentialCacheMaxEntries bounds the cache. Default: 10000.
	CredentialCacheMaxEntries int

	// PendingProvisioningTTL bounds how long a provisioning state stays
	// redeemable. Default: 10m.
	PendingProvisioningTTL time.Duration

	// ProvisioningRate is provisioning starts per second allowed per subject.
	// Zero disables rate limiting.
	ProvisioningRate int

	// ProvisioningBurst is the per-subject burst size.
	ProvisioningBurst int

	// EnableAuditLogging enables structured security audit events
	// (sensitive data hashed).
	EnableAuditLogging bool

	// Logger for structured logging (optional, uses slog.Default()).
	Logger *slog.Logger
}

// applyDefaults normalizes the configuration and logs every adjustment, so a
// deployment's effective settings are visible at startup.
func (c *Config) applyDefaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.ClockSkewGrace <= 0 {
		c.ClockSkewGrace = DefaultClockSkewGrace
	}
	if c.CredentialCacheTTLSlack <= 0 {
		c.CredentialCacheTTLSlack = DefaultCredentialCacheTTLSlack
	}
	if c.CredentialCacheMaxEntries <= 0 {
		c.CredentialCacheMaxEntries = DefaultCredentialCacheMaxEntries
		c.Logger.Debug("Using default credential cache size",
			"max_entries", c.CredentialCacheMaxEntries)
	}
	if c.PendingProvisioningTTL <= 0 {
		c.PendingProvisioningTTL = DefaultPendingProvisioningTTL
	}
}

// validate rejects configurations that cannot work or are unsafe.
func (c *Config) validate() error {
	if c.ServerAudience == "" {
		return fmt.Errorf("server audience is required")
	}
	if c.ResourceAudience == "" {
		return fmt.Errorf("resource audience is required")
	}
	if c.OfflineAccess {
		if c.RedirectURI == "" {
			return fmt.Errorf("redirect URI is required when offline access is enabled")
		}
		// SECURITY: distinct audiences are the structural guarantee that a
		// session token can never be replayed against the resource server.
		if c.ServerAudience == c.ResourceAudience {
			return fmt.Errorf("server audience and resource audience must differ when offline access is enabled")
		}
	}
	return nil
}

// splitScopes splits a space-joined scope string into its parts.
func splitScopes(s string) []string {
	return strings.Fields(s)
}

// Environment variable names consumed by FromEnv.
const (
	EnvOfflineAccess     = "BROKER_OFFLINE_ACCESS"
	EnvServerAudience    = "BROKER_SERVER_AUDIENCE"
	EnvResourceAudience  = "BROKER_RESOURCE_AUDIENCE"
	EnvIssuerURL         = "BROKER_ISSUER_URL"
	EnvRedirectURI       = "BROKER_REDIRECT_URI"
	EnvProvisioningScope = "BROKER_PROVISIONING_SCOPES"
	EnvAuditLogging      = "BROKER_AUDIT_LOGGING"
)

// FromEnv loads the broker configuration from the environment. Only presence
// and values are contractual; defaults cover everything optional. The IdP
// issuer URL lives in the environment too but belongs to the adapter; it is
// returned separately.
func FromEnv() (Config, string, error) {
	cfg := Config{
		ServerAudience:   os.Getenv(EnvServerAudience),
		ResourceAudience: os.Getenv(EnvResourceAudience),
		RedirectURI:      os.Getenv(EnvRedirectURI),
	}

	if v := os.Getenv(EnvOfflineAccess); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, "", fmt.Errorf("invalid %s value %q: %w", EnvOfflineAccess, v, err)
		}
		cfg.OfflineAccess = enabled
	}
	if v := os.Getenv(EnvAuditLogging); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, "", fmt.Errorf("invalid %s value %q: %w", EnvAuditLogging, v, err)
		}
		cfg.EnableAuditLogging = enabled
	}
	if v := os.Getenv(EnvProvisioningScope); v != "" {
		cfg.ProvisioningScopes = strings.Fields(v)
	}

	issuer := os.Getenv(EnvIssuerURL)
	if issuer == "" {
		return Config{}, "", fmt.Errorf("%s is required", EnvIssuerURL)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, "", err
	}
	return cfg, issuer, nil
}
