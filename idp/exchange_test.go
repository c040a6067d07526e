package idp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"
)

func TestAdapter_ExchangeToken(t *testing.T) {
	fp := newFakeProvider(t)
	fp.tokenHandler = func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if got := r.Form.Get("grant_type"); got != grantTypeTokenExchange {
			t.Errorf("grant_type = %q", got)
		}
		if got := r.Form.Get("subject_token"); got != "session-bearer" {
			t.Errorf("subject_token = %q", got)
		}
		if got := r.Form.Get("audience"); got != "content-api" {
			t.Errorf("audience = %q", got)
		}
		if got := r.Form.Get("scope"); got != "notes:read" {
			t.Errorf("scope = %q, exchange must request only the needed scopes", got)
		}
		if _, _, ok := r.BasicAuth(); !ok {
			t.Error("exchange request missing client authentication")
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":      "delegated-bearer",
			"issued_token_type": tokenTypeAccessToken,
			"token_type":        "Bearer",
			"expires_in":        300,
		})
	}
	a := newTestAdapter(t, fp)

	tok, err := a.ExchangeToken(context.Background(), "session-bearer", "content-api", []string{"notes:read"})
	if err != nil {
		t.Fatalf("ExchangeToken() error = %v", err)
	}
	if tok.AccessToken != "delegated-bearer" {
		t.Errorf("AccessToken = %q", tok.AccessToken)
	}
	if tok.Expiry.IsZero() || time.Until(tok.Expiry) > 6*time.Minute {
		t.Errorf("Expiry = %v, want ~5m", tok.Expiry)
	}
}

func TestAdapter_ExchangeToken_Denied(t *testing.T) {
	for _, code := range []string{"invalid_target", "invalid_scope", "access_denied"} {
		t.Run(code, func(t *testing.T) {
			fp := newFakeProvider(t)
			fp.tokenHandler = func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusBadRequest)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": code})
			}
			a := newTestAdapter(t, fp)

			_, err := a.ExchangeToken(context.Background(), "session-bearer", "forbidden-api", []string{"notes:read"})
			if !errors.Is(err, ErrExchangeDenied) {
				t.Fatalf("ExchangeToken() error = %v, want ErrExchangeDenied", err)
			}
			if got := fp.tokenCalls.Load(); got != 1 {
				t.Errorf("token endpoint calls = %d, want 1", got)
			}
		})
	}
}

func TestAdapter_Introspect(t *testing.T) {
	fp := newFakeProvider(t)
	fp.mux.HandleFunc("/introspect", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if r.Form.Get("token") != "opaque-bearer" {
			t.Errorf("token = %q", r.Form.Get("token"))
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"active": true,
			"sub":    "alice",
			"aud":    []string{"mcp-server"},
			"scope":  "notes:read notes:write",
			"exp":    time.Now().Add(time.Hour).Unix(),
		})
	})
	a := newTestAdapter(t, fp)

	claims, err := a.Introspect(context.Background(), "opaque-bearer")
	if err != nil {
		t.Fatalf("Introspect() error = %v", err)
	}
	if !claims.Active {
		t.Error("Active = false")
	}
	if claims.Subject != "alice" {
		t.Errorf("Subject = %q", claims.Subject)
	}
	if len(claims.Scopes) != 2 {
		t.Errorf("Scopes = %v", claims.Scopes)
	}
	if len(claims.Audiences) != 1 || claims.Audiences[0] != "mcp-server" {
		t.Errorf("Audiences = %v", claims.Audiences)
	}
}

func TestAdapter_Introspect_StringAudience(t *testing.T) {
	fp := newFakeProvider(t)
	fp.mux.HandleFunc("/introspect", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"active": true,
			"sub":    "bob",
			"aud":    "mcp-server",
		})
	})
	a := newTestAdapter(t, fp)

	claims, err := a.Introspect(context.Background(), "opaque-bearer")
	if err != nil {
		t.Fatalf("Introspect() error = %v", err)
	}
	if len(claims.Audiences) != 1 || claims.Audiences[0] != "mcp-server" {
		t.Errorf("Audiences = %v, string aud must decode", claims.Audiences)
	}
}

func TestAdapter_RegisterClient(t *testing.T) {
	fp := newFakeProvider(t)
	fp.mux.HandleFunc("/register", func(w http.ResponseWriter, r *http.Request) {
		var req ClientRegistrationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode registration request: %v", err)
		}
		if req.ClientName != "content-mcp-broker" {
			t.Errorf("client_name = %q", req.ClientName)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"client_id":                 "issued-client-id",
			"client_secret":             "issued-secret",
			"registration_access_token": "mgmt-token",
			"registration_client_uri":   fp.server.URL + "/register/issued-client-id",
		})
	})
	a := newTestAdapter(t, fp)

	reg, err := a.RegisterClient(context.Background(), &ClientRegistrationRequest{
		ClientName:    "content-mcp-broker",
		RedirectURIs:  []string{"https://mcp.example.com/callback"},
		GrantTypes:    []string{"authorization_code", "refresh_token"},
		ResponseTypes: []string{"code"},
	}, "")
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}
	if reg.ClientID != "issued-client-id" {
		t.Errorf("ClientID = %q", reg.ClientID)
	}
	if reg.RegistrationClientURI == "" {
		t.Error("RegistrationClientURI missing, deregistration would be impossible")
	}
}

func TestAdapter_DeregisterClient_NotFoundIsSuccess(t *testing.T) {
	fp := newFakeProvider(t)
	fp.mux.HandleFunc("/register/gone", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("method = %q", r.Method)
		}
		w.WriteHeader(http.StatusNotFound)
	})
	a := newTestAdapter(t, fp)

	if err := a.DeregisterClient(context.Background(), fp.server.URL+"/register/gone", "mgmt-token"); err != nil {
		t.Fatalf("DeregisterClient() error = %v", err)
	}
}
