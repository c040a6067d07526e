package idp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// Token type identifiers and the grant type defined by RFC 8693.
const (
	tokenTypeAccessToken   = "urn:ietf:params:oauth:token-type:access_token"
	grantTypeTokenExchange = "urn:ietf:params:oauth:grant-type:token-exchange"
)

// tokenExchangeResponse is the RFC 8693 Section 2.2 success payload.
type tokenExchangeResponse struct {
	AccessToken     string `json:"access_token"`
	IssuedTokenType string `json:"issued_token_type"`
	TokenType       string `json:"token_type"`
	Scope           string `json:"scope,omitempty"`
	ExpiresIn       int64  `json:"expires_in,omitempty"`
}

// tokenEndpointError is the RFC 6749 Section 5.2 error envelope.
type tokenEndpointError struct {
	ErrorCode        string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// ExchangeToken performs RFC 8693 token exchange: it derives a token for
// targetAudience from subjectToken, requesting exactly the given scopes.
// The provider decides whether the delegation is allowed; a refusal surfaces
// as ErrExchangeDenied.
func (a *Adapter) ExchangeToken(ctx context.Context, subjectToken, targetAudience string, scopes []string) (*oauth2.Token, error) {
	doc, err := a.Discover(ctx)
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("grant_type", grantTypeTokenExchange)
	form.Set("requested_token_type", tokenTypeAccessToken)
	form.Set("subject_token", subjectToken)
	form.Set("subject_token_type", tokenTypeAccessToken)
	form.Set("audience", targetAudience)
	form.Set("resource", targetAudience)
	if len(scopes) > 0 {
		form.Set("scope", strings.Join(scopes, " "))
	}

	var token *oauth2.Token
	err = a.retryTransient(ctx, "token exchange", func(ctx context.Context) error {
		resp, denied, err := a.postTokenEndpoint(ctx, doc.TokenEndpoint, form)
		if err != nil {
			return err
		}
		if denied != nil {
			switch denied.ErrorCode {
			case "invalid_grant":
				return &invalidGrantError{desc: "subject token rejected during exchange"}
			default:
				// invalid_target, invalid_scope, access_denied and friends
				// all mean the provider refused this audience/scope pair.
				return &exchangeDeniedError{desc: fmt.Sprintf("provider error %q", denied.ErrorCode)}
			}
		}
		token = &oauth2.Token{
			AccessToken: resp.AccessToken,
			TokenType:   "Bearer",
		}
		if resp.ExpiresIn > 0 {
			token.Expiry = time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return token, nil
}

// postTokenEndpoint posts a form to the token endpoint with client
// authentication and decodes either the success payload or the OAuth error
// envelope. Returns (nil, envelope, nil) for definitive 4xx rejections and a
// TransportError for anything network-shaped.
func (a *Adapter) postTokenEndpoint(ctx context.Context, endpoint string, form url.Values) (*tokenExchangeResponse, *tokenEndpointError, error) {
	clientID, clientSecret := a.credentials()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build token endpoint request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if clientID != "" {
		req.SetBasicAuth(url.QueryEscape(clientID), url.QueryEscape(clientSecret))
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, nil, &TransportError{Op: "token endpoint", err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	// 1MB cap: token endpoint payloads are tiny, anything bigger is abuse.
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, nil, &TransportError{Op: "token endpoint", err: err}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		var out tokenExchangeResponse
		if err := json.Unmarshal(body, &out); err != nil {
			return nil, nil, fmt.Errorf("malformed token endpoint response: %w", err)
		}
		if out.AccessToken == "" {
			return nil, nil, fmt.Errorf("token endpoint response missing access_token")
		}
		return &out, nil, nil

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		var envelope tokenEndpointError
		if err := json.Unmarshal(body, &envelope); err != nil || envelope.ErrorCode == "" {
			envelope = tokenEndpointError{ErrorCode: fmt.Sprintf("http_%d", resp.StatusCode)}
		}
		return nil, &envelope, nil

	default:
		return nil, nil, &TransportError{Op: "token endpoint", err: fmt.Errorf("status %d", resp.StatusCode)}
	}
}
