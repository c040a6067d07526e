package idp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// ClientRegistrationRequest is the RFC 7591 registration payload this server
// sends when it registers itself at the identity provider.
type ClientRegistrationRequest struct {
	ClientName              string   `json:"client_name,omitempty"`
	RedirectURIs            []string `json:"redirect_uris,omitempty"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	Scope                   string   `json:"scope,omitempty"`
}

// ClientRegistrationResponse is the RFC 7591 response, including the
// RFC 7592 management fields needed for later deregistration.
type ClientRegistrationResponse struct {
	ClientID                string   `json:"client_id"`
	ClientSecret            string   `json:"client_secret,omitempty"`
	ClientIDIssuedAt        int64    `json:"client_id_issued_at,omitempty"`
	ClientSecretExpiresAt   int64    `json:"client_secret_expires_at,omitempty"`
	RegistrationAccessToken string   `json:"registration_access_token,omitempty"`
	RegistrationClientURI   string   `json:"registration_client_uri,omitempty"`
	RedirectURIs            []string `json:"redirect_uris,omitempty"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	Scope                   string   `json:"scope,omitempty"`
}

// RegisterClient performs RFC 7591 dynamic client registration against the
// provider's registration endpoint. initialAccessToken is optional; when set
// it is sent as a bearer credential (providers with gated registration).
func (a *Adapter) RegisterClient(ctx context.Context, req *ClientRegistrationRequest, initialAccessToken string) (*ClientRegistrationResponse, error) {
	doc, err := a.Discover(ctx)
	if err != nil {
		return nil, err
	}
	if doc.RegistrationEndpoint == "" {
		return nil, fmt.Errorf("provider does not advertise a registration endpoint")
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode registration request: %w", err)
	}

	var out *ClientRegistrationResponse
	err = a.retryTransient(ctx, "client registration", func(ctx context.Context) error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, doc.RegistrationEndpoint, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("failed to build registration request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Accept", "application/json")
		if initialAccessToken != "" {
			httpReq.Header.Set("Authorization", "Bearer "+initialAccessToken)
		}

		resp, err := a.httpClient.Do(httpReq)
		if err != nil {
			return &TransportError{Op: "client registration", err: err}
		}
		defer func() { _ = resp.Body.Close() }()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return &TransportError{Op: "client registration", err: err}
		}

		if resp.StatusCode >= 500 {
			return &TransportError{Op: "client registration", err: fmt.Errorf("status %d", resp.StatusCode)}
		}
		if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
			return fmt.Errorf("client registration failed with status %d", resp.StatusCode)
		}

		var reg ClientRegistrationResponse
		if err := json.Unmarshal(body, &reg); err != nil {
			return fmt.Errorf("malformed registration response: %w", err)
		}
		if reg.ClientID == "" {
			return fmt.Errorf("registration response missing client_id")
		}
		out = &reg
		return nil
	})
	if err != nil {
		return nil, err
	}

	a.logger.Info("Registered OAuth client at provider",
		"client_id", out.ClientID,
		"confidential", out.ClientSecret != "")
	return out, nil
}

// DeregisterClient deletes a previously registered client via its RFC 7592
// management URI. A 404 is treated as success: the registration is gone
// either way.
func (a *Adapter) DeregisterClient(ctx context.Context, registrationClientURI, registrationAccessToken string) error {
	if registrationClientURI == "" {
		return fmt.Errorf("registration management URI is required")
	}

	return a.retryTransient(ctx, "client deregistration", func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, registrationClientURI, nil)
		if err != nil {
			return fmt.Errorf("failed to build deregistration request: %w", err)
		}
		if registrationAccessToken != "" {
			req.Header.Set("Authorization", "Bearer "+registrationAccessToken)
		}

		resp, err := a.httpClient.Do(req)
		if err != nil {
			return &TransportError{Op: "client deregistration", err: err}
		}
		defer func() { _ = resp.Body.Close() }()

		switch {
		case resp.StatusCode == http.StatusNoContent, resp.StatusCode == http.StatusOK, resp.StatusCode == http.StatusNotFound:
			return nil
		case resp.StatusCode >= 500:
			return &TransportError{Op: "client deregistration", err: fmt.Errorf("status %d", resp.StatusCode)}
		default:
			return fmt.Errorf("client deregistration failed with status %d", resp.StatusCode)
		}
	})
}
