package broker

import (
	"time"

	"github.com/cmsbridge/mcp-broker/scope"
)

// SessionToken is the validated form of the credential an inbound caller
// presents. It is immutable once built and is never persisted; the broker
// discards it at request end.
type SessionToken struct {
	// Raw is the bearer value as presented. Needed for pass-through and as
	// the subject token of an RFC 8693 exchange.
	// SECURITY: never logged; log TokenID() instead.
	Raw string

	Issuer    string
	Subject   string
	Audiences []string
	Scopes    scope.Set
	ExpiresAt time.Time
}

// HasAudience reports whether the token was issued for the given audience.
func (t *SessionToken) HasAudience(aud string) bool {
	for _, a := range t.Audiences {
		if a == aud {
			return true
		}
	}
	return false
}

// TokenID returns a short non-sensitive identifier for logging.
func (t *SessionToken) TokenID() string {
	if len(t.Raw) <= 8 {
		return t.Raw
	}
	return t.Raw[:8] + "..."
}

// CredentialMode records which construction path produced a delegated
// credential.
type CredentialMode string

const (
	// ModePassThrough forwards the session token unchanged. Only legal when
	// the session token already carries the resource audience and offline
	// access is disabled.
	ModePassThrough CredentialMode = "pass_through"

	// ModeExchanged derives the credential from the session token via
	// RFC 8693 token exchange.
	ModeExchanged CredentialMode = "exchanged"

	// ModeRefreshed derives the credential from a stored offline grant via
	// the refresh grant.
	ModeRefreshed CredentialMode = "refreshed"
)

// DelegatedCredential is the ephemeral, in-memory-only credential the broker
// produces for one upstream call. It is never written to storage.
type DelegatedCredential struct {
	// Bearer is the access token for the upstream call.
	// SECURITY: never logged.
	Bearer string

	// Audience is always the resource server's identifier.
	Audience string

	// Scopes the credential carries. Invariant: always a subset of the
	// originating session token's (or offline grant's) scopes.
	Scopes scope.Set

	// Mode records the construction path.
	Mode CredentialMode

	ExpiresAt time.Time
}

// TokenID returns a short non-sensitive identifier for logging.
func (c *DelegatedCredential) TokenID() string {
	if len(c.Bearer) <= 8 {
		return c.Bearer
	}
	return c.Bearer[:8] + "..."
}

// ProvisioningState is the externally visible Flow 2 state for a subject.
type ProvisioningState string

const (
	// StateUnprovisioned means no offline grant exists for the subject.
	StateUnprovisioned ProvisioningState = "UNPROVISIONED"

	// StateAwaitingAuthorization means an authorization URL was handed out
	// and the callback has not arrived yet.
	StateAwaitingAuthorization ProvisioningState = "AWAITING_AUTHORIZATION"

	// StateProvisioned means a usable offline grant is stored.
	StateProvisioned ProvisioningState = "PROVISIONED"

	// StateExpiredGrant means the identity provider invalidated the grant;
	// the subject must provision again.
	StateExpiredGrant ProvisioningState = "EXPIRED_GRANT"
)
