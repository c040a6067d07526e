// Package mock provides a mock identity provider for testing the broker
// without network access.
package mock

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/cmsbridge/mcp-broker/idp"
)

// IdentityProvider is a mock implementation of idp.IdentityProvider.
// Each method delegates to the corresponding func field, and CallCount
// tracks invocations so tests can assert on upstream traffic (e.g. "zero
// IdP calls before the scope check").
type IdentityProvider struct {
	DiscoverFunc                  func(ctx context.Context) (*idp.ProviderMetadata, error)
	AuthorizationURLFunc          func(ctx context.Context, state, redirectURI, audience string, scopes []string) (string, error)
	ExchangeAuthorizationCodeFunc func(ctx context.Context, code, redirectURI, audience string) (*oauth2.Token, error)
	RefreshFunc                   func(ctx context.Context, refreshToken, audience string) (*oauth2.Token, error)
	ExchangeTokenFunc             func(ctx context.Context, subjectToken, targetAudience string, scopes []string) (*oauth2.Token, error)
	IntrospectFunc                func(ctx context.Context, bearer string) (*idp.TokenClaims, error)

	mu         sync.Mutex
	callCounts map[string]int
}

var _ idp.IdentityProvider = (*IdentityProvider)(nil)

// New creates a mock with permissive defaults: every call succeeds and
// returns plausible tokens.
func New() *IdentityProvider {
	m := &IdentityProvider{callCounts: make(map[string]int)}

	m.DiscoverFunc = func(ctx context.Context) (*idp.ProviderMetadata, error) {
		return &idp.ProviderMetadata{
			Issuer:                "https://idp.example.com",
			AuthorizationEndpoint: "https://idp.example.com/authorize",
			TokenEndpoint:         "https://idp.example.com/token",
			IntrospectionEndpoint: "https://idp.example.com/introspect",
			JWKSUri:               "https://idp.example.com/keys",
		}, nil
	}
	m.AuthorizationURLFunc = func(ctx context.Context, state, redirectURI, audience string, scopes []string) (string, error) {
		return fmt.Sprintf("https://idp.example.com/authorize?state=%s&audience=%s&scope=%s",
			state, audience, strings.Join(scopes, "+")), nil
	}
	m.ExchangeAuthorizationCodeFunc = func(ctx context.Context, code, redirectURI, audience string) (*oauth2.Token, error) {
		return &oauth2.Token{
			AccessToken:  "mock-access-token",
			TokenType:    "Bearer",
			RefreshToken: "mock-refresh-token",
			Expiry:       time.Now().Add(time.Hour),
		}, nil
	}
	m.RefreshFunc = func(ctx context.Context, refreshToken, audience string) (*oauth2.Token, error) {
		return &oauth2.Token{
			AccessToken:  "mock-refreshed-access-token",
			TokenType:    "Bearer",
			RefreshToken: "mock-rotated-refresh-token",
			Expiry:       time.Now().Add(time.Hour),
		}, nil
	}
	m.ExchangeTokenFunc = func(ctx context.Context, subjectToken, targetAudience string, scopes []string) (*oauth2.Token, error) {
		return &oauth2.Token{
			AccessToken: "mock-exchanged-token",
			TokenType:   "Bearer",
			Expiry:      time.Now().Add(5 * time.Minute),
		}, nil
	}
	m.IntrospectFunc = func(ctx context.Context, bearer string) (*idp.TokenClaims, error) {
		return &idp.TokenClaims{Active: true, Subject: "mock-user"}, nil
	}

	return m
}

func (m *IdentityProvider) record(method string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callCounts[method]++
}

// CallCount returns how many times the named method was invoked.
func (m *IdentityProvider) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCounts[method]
}

// TotalCalls returns the number of invocations across all methods.
func (m *IdentityProvider) TotalCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, n := range m.callCounts {
		total += n
	}
	return total
}

func (m *IdentityProvider) Discover(ctx context.Context) (*idp.ProviderMetadata, error) {
	m.record("Discover")
	return m.DiscoverFunc(ctx)
}

func (m *IdentityProvider) AuthorizationURL(ctx context.Context, state, redirectURI, audience string, scopes []string) (string, error) {
	m.record("AuthorizationURL")
	return m.AuthorizationURLFunc(ctx, state, redirectURI, audience, scopes)
}

func (m *IdentityProvider) ExchangeAuthorizationCode(ctx context.Context, code, redirectURI, audience string) (*oauth2.Token, error) {
	m.record("ExchangeAuthorizationCode")
	return m.ExchangeAuthorizationCodeFunc(ctx, code, redirectURI, audience)
}

func (m *IdentityProvider) Refresh(ctx context.Context, refreshToken, audience string) (*oauth2.Token, error) {
	m.record("Refresh")
	return m.RefreshFunc(ctx, refreshToken, audience)
}

func (m *IdentityProvider) ExchangeToken(ctx context.Context, subjectToken, targetAudience string, scopes []string) (*oauth2.Token, error) {
	m.record("ExchangeToken")
	return m.ExchangeTokenFunc(ctx, subjectToken, targetAudience, scopes)
}

func (m *IdentityProvider) Introspect(ctx context.Context, bearer string) (*idp.TokenClaims, error) {
	m.record("Introspect")
	return m.IntrospectFunc(ctx, bearer)
}
