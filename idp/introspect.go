package idp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// introspectionResponse is the RFC 7662 Section 2.2 payload. The aud claim
// may arrive as a string or an array, so it gets a custom decoder.
type introspectionResponse struct {
	Active    bool         `json:"active"`
	Scope     string       `json:"scope,omitempty"`
	Subject   string       `json:"sub,omitempty"`
	Issuer    string       `json:"iss,omitempty"`
	Audience  audienceList `json:"aud,omitempty"`
	ExpiresAt int64        `json:"exp,omitempty"`
}

// audienceList accepts both the single-string and array JSON encodings of
// the aud claim.
type audienceList []string

func (a *audienceList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*a = audienceList{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("aud claim is neither string nor array")
	}
	*a = audienceList(many)
	return nil
}

// Introspect asks the provider's introspection endpoint about a bearer token
// (RFC 7662). Providers without an introspection endpoint cause an error;
// the guard only calls this when local verification is unavailable.
func (a *Adapter) Introspect(ctx context.Context, bearer string) (*TokenClaims, error) {
	doc, err := a.Discover(ctx)
	if err != nil {
		return nil, err
	}
	if doc.IntrospectionEndpoint == "" {
		return nil, fmt.Errorf("provider does not advertise an introspection endpoint")
	}

	form := url.Values{}
	form.Set("token", bearer)
	form.Set("token_type_hint", "access_token")

	var claims *TokenClaims
	err = a.retryTransient(ctx, "token introspection", func(ctx context.Context) error {
		clientID, clientSecret := a.credentials()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, doc.IntrospectionEndpoint, strings.NewReader(form.Encode()))
		if err != nil {
			return fmt.Errorf("failed to build introspection request: %w", err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Accept", "application/json")
		if clientID != "" {
			req.SetBasicAuth(url.QueryEscape(clientID), url.QueryEscape(clientSecret))
		}

		resp, err := a.httpClient.Do(req)
		if err != nil {
			return &TransportError{Op: "token introspection", err: err}
		}
		defer func() { _ = resp.Body.Close() }()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return &TransportError{Op: "token introspection", err: err}
		}

		if resp.StatusCode >= 500 {
			return &TransportError{Op: "token introspection", err: fmt.Errorf("status %d", resp.StatusCode)}
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("introspection failed with status %d", resp.StatusCode)
		}

		var out introspectionResponse
		if err := json.Unmarshal(body, &out); err != nil {
			return fmt.Errorf("malformed introspection response: %w", err)
		}

		claims = &TokenClaims{
			Active:    out.Active,
			Subject:   out.Subject,
			Issuer:    out.Issuer,
			Audiences: out.Audience,
			ExpiresAt: out.ExpiresAt,
		}
		if out.Scope != "" {
			claims.Scopes = strings.Fields(out.Scope)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claims, nil
}
