package idp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// ProviderMetadata is the OIDC discovery document (RFC 8414 / OpenID Connect
// Discovery), limited to the endpoints the broker uses.
type ProviderMetadata struct {
	Issuer                        string   `json:"issuer"`
	AuthorizationEndpoint         string   `json:"authorization_endpoint"`
	TokenEndpoint                 string   `json:"token_endpoint"`
	UserInfoEndpoint              string   `json:"userinfo_endpoint,omitempty"`
	IntrospectionEndpoint         string   `json:"introspection_endpoint,omitempty"`
	RevocationEndpoint            string   `json:"revocation_endpoint,omitempty"`
	RegistrationEndpoint          string   `json:"registration_endpoint,omitempty"`
	JWKSUri                       string   `json:"jwks_uri"`
	ScopesSupported               []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported        []string `json:"response_types_supported"`
	GrantTypesSupported           []string `json:"grant_types_supported,omitempty"`
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported,omitempty"`
}

// SupportsTokenExchange reports whether the provider advertises the RFC 8693
// grant type. An empty grant_types_supported list is treated as unknown, not
// as unsupported, because many providers omit the field.
func (m *ProviderMetadata) SupportsTokenExchange() bool {
	if len(m.GrantTypesSupported) == 0 {
		return true
	}
	for _, gt := range m.GrantTypesSupported {
		if gt == grantTypeTokenExchange {
			return true
		}
	}
	return false
}

// cachedMetadata holds a discovery document with its fetch timestamp.
type cachedMetadata struct {
	doc       *ProviderMetadata
	fetchedAt time.Time
}

// discoveryCache fetches and caches the provider's discovery document.
// Fetched once and reused process-wide; InvalidateDiscovery is the manual
// refresh hook. Safe for concurrent use.
type discoveryCache struct {
	mu        sync.Mutex
	cached    *cachedMetadata
	ttl       time.Duration
	issuerURL string
	allowHTTP bool
	client    *http.Client
	logger    *slog.Logger
}

func newDiscoveryCache(issuerURL string, ttl time.Duration, allowHTTP bool, client *http.Client, logger *slog.Logger) *discoveryCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &discoveryCache{
		ttl:       ttl,
		issuerURL: issuerURL,
		allowHTTP: allowHTTP,
		client:    client,
		logger:    logger,
	}
}

// get returns the cached document, fetching when absent or expired.
func (d *discoveryCache) get(ctx context.Context) (*ProviderMetadata, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cached != nil && time.Since(d.cached.fetchedAt) < d.ttl {
		return d.cached.doc, nil
	}

	doc, err := d.fetch(ctx)
	if err != nil {
		// Serve a stale document over a hard failure when we have one;
		// the manual invalidation hook clears it if it is truly dead.
		if d.cached != nil {
			d.logger.Warn("Discovery refresh failed, serving stale metadata",
				"issuer", d.issuerURL, "error", err)
			return d.cached.doc, nil
		}
		return nil, err
	}

	d.cached = &cachedMetadata{doc: doc, fetchedAt: time.Now()}
	return doc, nil
}

// invalidate drops the cached document so the next read refetches.
func (d *discoveryCache) invalidate() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cached = nil
	d.logger.Debug("Discovery metadata cache invalidated", "issuer", d.issuerURL)
}

func (d *discoveryCache) fetch(ctx context.Context) (*ProviderMetadata, error) {
	discoveryURL := strings.TrimSuffix(d.issuerURL, "/") + "/.well-known/openid-configuration"

	d.logger.Debug("Fetching OIDC discovery document", "url", discoveryURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, discoveryURL, nil)
	if err != nil {
		return nil, &DiscoveryError{Issuer: d.issuerURL, err: err}
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, &DiscoveryError{Issuer: d.issuerURL, err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, &DiscoveryError{Issuer: d.issuerURL, err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	var doc ProviderMetadata
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, &DiscoveryError{Issuer: d.issuerURL, err: fmt.Errorf("malformed document: %w", err)}
	}

	if err := d.validate(&doc); err != nil {
		return nil, &DiscoveryError{Issuer: d.issuerURL, err: err}
	}

	d.logger.Info("OIDC discovery successful",
		"issuer", doc.Issuer,
		"authorization_endpoint", doc.AuthorizationEndpoint,
		"token_endpoint", doc.TokenEndpoint,
		"introspection_endpoint", doc.IntrospectionEndpoint != "",
		"registration_endpoint", doc.RegistrationEndpoint != "")

	return &doc, nil
}

// validate enforces presence and HTTPS on every advertised endpoint.
// Bearer material travels to each of these URLs, so a plaintext endpoint in
// the document is treated as a malformed document.
func (d *discoveryCache) validate(doc *ProviderMetadata) error {
	required := []struct {
		name string
		url  string
	}{
		{"issuer", doc.Issuer},
		{"authorization_endpoint", doc.AuthorizationEndpoint},
		{"token_endpoint", doc.TokenEndpoint},
	}
	for _, ep := range required {
		if ep.url == "" {
			return fmt.Errorf("%s is required but missing", ep.name)
		}
		if err := d.checkScheme(ep.name, ep.url); err != nil {
			return err
		}
	}

	optional := []struct {
		name string
		url  string
	}{
		{"jwks_uri", doc.JWKSUri},
		{"userinfo_endpoint", doc.UserInfoEndpoint},
		{"introspection_endpoint", doc.IntrospectionEndpoint},
		{"revocation_endpoint", doc.RevocationEndpoint},
		{"registration_endpoint", doc.RegistrationEndpoint},
	}
	for _, ep := range optional {
		if ep.url == "" {
			continue
		}
		if err := d.checkScheme(ep.name, ep.url); err != nil {
			return err
		}
	}

	return nil
}

func (d *discoveryCache) checkScheme(name, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", name, err)
	}
	if u.Scheme == "https" {
		return nil
	}
	if d.allowHTTP && u.Scheme == "http" {
		return nil
	}
	return fmt.Errorf("%s must use HTTPS: %s", name, raw)
}
