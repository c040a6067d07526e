package idp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// fakeProvider is a minimal OIDC provider for adapter tests. Handlers can be
// swapped per test; requests to the token endpoint are counted.
type fakeProvider struct {
	server       *httptest.Server
	mux          *http.ServeMux
	tokenCalls   atomic.Int64
	tokenHandler func(w http.ResponseWriter, r *http.Request)
}

func newFakeProvider(t *testing.T) *fakeProvider {
	t.Helper()

	fp := &fakeProvider{}
	mux := http.NewServeMux()

	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		base := fp.server.URL
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":                   base,
			"authorization_endpoint":   base + "/authorize",
			"token_endpoint":           base + "/token",
			"introspection_endpoint":   base + "/introspect",
			"registration_endpoint":    base + "/register",
			"jwks_uri":                 base + "/keys",
			"response_types_supported": []string{"code"},
		})
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		fp.tokenCalls.Add(1)
		if fp.tokenHandler != nil {
			fp.tokenHandler(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "fake-access",
			"token_type":    "Bearer",
			"refresh_token": "fake-refresh",
			"expires_in":    3600,
		})
	})

	fp.mux = mux
	fp.server = httptest.NewServer(mux)
	t.Cleanup(fp.server.Close)
	return fp
}

func newTestAdapter(t *testing.T, fp *fakeProvider) *Adapter {
	t.Helper()

	a, err := New(Config{
		IssuerURL:      fp.server.URL,
		ClientID:       "broker-client",
		ClientSecret:   "broker-secret",
		RequestTimeout: 5 * time.Second,
		AllowHTTP:      true, // httptest serves plain HTTP
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return a
}

func TestAdapter_Discover(t *testing.T) {
	fp := newFakeProvider(t)
	a := newTestAdapter(t, fp)

	doc, err := a.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if doc.TokenEndpoint != fp.server.URL+"/token" {
		t.Errorf("TokenEndpoint = %q", doc.TokenEndpoint)
	}
	if doc.IntrospectionEndpoint == "" {
		t.Error("IntrospectionEndpoint missing")
	}
}

func TestAdapter_Discover_RejectsHTTPWithoutOptIn(t *testing.T) {
	fp := newFakeProvider(t)

	a, err := New(Config{IssuerURL: fp.server.URL})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	_, err = a.Discover(context.Background())
	var de *DiscoveryError
	if !errors.As(err, &de) {
		t.Fatalf("Discover() error = %v, want DiscoveryError", err)
	}
}

func TestAdapter_Discover_Unreachable(t *testing.T) {
	a, err := New(Config{
		IssuerURL:      "https://127.0.0.1:1", // nothing listens here
		RequestTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	_, err = a.Discover(context.Background())
	var de *DiscoveryError
	if !errors.As(err, &de) {
		t.Fatalf("Discover() error = %v, want DiscoveryError", err)
	}
}

func TestAdapter_ExchangeAuthorizationCode_InvalidGrant(t *testing.T) {
	fp := newFakeProvider(t)
	fp.tokenHandler = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"error":             "invalid_grant",
			"error_description": "code expired",
		})
	}
	a := newTestAdapter(t, fp)

	_, err := a.ExchangeAuthorizationCode(context.Background(), "expired-code", "https://mcp.example.com/callback", "content-api")
	if !errors.Is(err, ErrInvalidGrant) {
		t.Fatalf("ExchangeAuthorizationCode() error = %v, want ErrInvalidGrant", err)
	}
	if got := fp.tokenCalls.Load(); got != 1 {
		t.Errorf("token endpoint calls = %d, want 1 (4xx must not be retried)", got)
	}
}

func TestAdapter_Refresh_RotatesRefreshToken(t *testing.T) {
	fp := newFakeProvider(t)
	fp.tokenHandler = func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if r.Form.Get("grant_type") != "refresh_token" {
			t.Errorf("grant_type = %q", r.Form.Get("grant_type"))
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "fresh-access",
			"token_type":    "Bearer",
			"refresh_token": "rotated-refresh",
			"expires_in":    3600,
		})
	}
	a := newTestAdapter(t, fp)

	tok, err := a.Refresh(context.Background(), "old-refresh", "content-api")
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if tok.AccessToken != "fresh-access" {
		t.Errorf("AccessToken = %q", tok.AccessToken)
	}
	if tok.RefreshToken != "rotated-refresh" {
		t.Errorf("RefreshToken = %q, rotation result must be surfaced", tok.RefreshToken)
	}
}

func TestAdapter_Refresh_KeepsRefreshTokenWithoutRotation(t *testing.T) {
	fp := newFakeProvider(t)
	fp.tokenHandler = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "fresh-access",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}
	a := newTestAdapter(t, fp)

	tok, err := a.Refresh(context.Background(), "stable-refresh", "content-api")
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if tok.RefreshToken != "stable-refresh" {
		t.Errorf("RefreshToken = %q, want original preserved", tok.RefreshToken)
	}
}

func TestAdapter_Refresh_InvalidGrant(t *testing.T) {
	fp := newFakeProvider(t)
	fp.tokenHandler = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
	}
	a := newTestAdapter(t, fp)

	_, err := a.Refresh(context.Background(), "revoked-refresh", "content-api")
	if !errors.Is(err, ErrInvalidGrant) {
		t.Fatalf("Refresh() error = %v, want ErrInvalidGrant", err)
	}
}

func TestAdapter_RetriesOnceOnTransientFailure(t *testing.T) {
	fp := newFakeProvider(t)
	fp.tokenHandler = func(w http.ResponseWriter, r *http.Request) {
		if fp.tokenCalls.Load() == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "after-retry",
			"token_type":   "Bearer",
			"expires_in":   60,
		})
	}
	a := newTestAdapter(t, fp)

	tok, err := a.Refresh(context.Background(), "refresh", "content-api")
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if tok.AccessToken != "after-retry" {
		t.Errorf("AccessToken = %q", tok.AccessToken)
	}
	if got := fp.tokenCalls.Load(); got != 2 {
		t.Errorf("token endpoint calls = %d, want 2 (single retry)", got)
	}
}

func TestAdapter_RetryIsBounded(t *testing.T) {
	fp := newFakeProvider(t)
	fp.tokenHandler = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	a := newTestAdapter(t, fp)

	_, err := a.Refresh(context.Background(), "refresh", "content-api")
	if err == nil {
		t.Fatal("Refresh() succeeded against a dead provider")
	}
	if !IsRetryable(err) {
		t.Errorf("error = %v, want retryable transport error", err)
	}
	if got := fp.tokenCalls.Load(); got != 2 {
		t.Errorf("token endpoint calls = %d, want exactly 2", got)
	}
}

func TestAdapter_AuthorizationURL(t *testing.T) {
	fp := newFakeProvider(t)
	a := newTestAdapter(t, fp)

	rawURL, err := a.AuthorizationURL(context.Background(),
		"state-123", "https://mcp.example.com/callback", "content-api",
		[]string{"openid", "profile", "email", "offline_access"})
	if err != nil {
		t.Fatalf("AuthorizationURL() error = %v", err)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("url.Parse() error = %v", err)
	}
	q := u.Query()
	if q.Get("state") != "state-123" {
		t.Errorf("state = %q", q.Get("state"))
	}
	if q.Get("audience") != "content-api" {
		t.Errorf("audience = %q", q.Get("audience"))
	}
	if !strings.Contains(q.Get("scope"), "offline_access") {
		t.Errorf("scope = %q, want offline_access requested", q.Get("scope"))
	}
	if q.Get("client_id") != "broker-client" {
		t.Errorf("client_id = %q", q.Get("client_id"))
	}
}
