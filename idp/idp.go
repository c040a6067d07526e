// Package idp wraps all network interaction with the external identity
// provider: OIDC discovery, authorization-code exchange, refresh,
// RFC 8693 token exchange, RFC 7662 introspection, and RFC 7591/7592
// dynamic client registration.
//
// Every call is a bounded network round trip: the adapter applies a request
// timeout and retries exactly once on transient transport failures. 4xx
// responses are never retried.
package idp

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/oauth2"
)

// IdentityProvider is the surface the token broker depends on. The concrete
// Adapter implements it against any standard OIDC provider; tests substitute
// the mock subpackage.
type IdentityProvider interface {
	// Discover fetches (or returns cached) provider metadata.
	Discover(ctx context.Context) (*ProviderMetadata, error)

	// AuthorizationURL builds the redirect URL for the authorization-code
	// grant against the given audience and scopes.
	AuthorizationURL(ctx context.Context, state, redirectURI, audience string, scopes []string) (string, error)

	// ExchangeAuthorizationCode redeems an authorization code.
	// Fails with ErrInvalidGrant when the provider rejects the code.
	ExchangeAuthorizationCode(ctx context.Context, code, redirectURI, audience string) (*oauth2.Token, error)

	// Refresh redeems a refresh token for a fresh access token.
	// Fails with ErrInvalidGrant when the provider rejects the refresh
	// token; the caller must treat that as a destroyed grant.
	// A returned token may carry an empty RefreshToken, meaning the
	// provider did not rotate; the stored refresh token stays valid.
	Refresh(ctx context.Context, refreshToken, audience string) (*oauth2.Token, error)

	// ExchangeToken performs RFC 8693 token exchange, deriving a token for
	// targetAudience from subjectToken. Fails with ErrExchangeDenied when
	// the provider refuses the audience/scope combination.
	ExchangeToken(ctx context.Context, subjectToken, targetAudience string, scopes []string) (*oauth2.Token, error)

	// Introspect asks the provider whether a bearer token is active and
	// returns its claims (RFC 7662). Used when local verification is not
	// possible (opaque tokens or no JWKS).
	Introspect(ctx context.Context, bearer string) (*TokenClaims, error)
}

// TokenClaims is the subset of token claims the broker cares about,
// normalized across local JWT verification and remote introspection.
type TokenClaims struct {
	Subject   string
	Issuer    string
	Audiences []string
	Scopes    []string
	ExpiresAt int64 // unix seconds, zero when the provider omitted it
	Active    bool
}

// Sentinel errors classifying provider rejections. Callers match with
// errors.Is; the wrapped chain keeps the provider detail for logs.
var (
	// ErrInvalidGrant is returned when the provider rejects an authorization
	// code or refresh token (OAuth error code "invalid_grant").
	ErrInvalidGrant = errors.New("identity provider rejected the grant")

	// ErrExchangeDenied is returned when the provider refuses a token
	// exchange for the requested audience/scope combination.
	ErrExchangeDenied = errors.New("identity provider denied the token exchange")
)

// DiscoveryError indicates the discovery document was unreachable or
// malformed. Callers should treat it as transient.
type DiscoveryError struct {
	Issuer string
	err    error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("discovery failed for issuer %s: %v", e.Issuer, e.err)
}

func (e *DiscoveryError) Unwrap() error { return e.err }

// TransportError wraps a network-level failure (timeout, connection refused,
// 5xx). These are retried once by the adapter before surfacing; when one
// escapes the adapter the caller may retry the whole operation.
type TransportError struct {
	Op  string
	err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failure during %s: %v", e.Op, e.err)
}

func (e *TransportError) Unwrap() error { return e.err }

// IsRetryable reports whether err is a transient transport failure.
func IsRetryable(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// invalidGrantError wraps a provider rejection while matching ErrInvalidGrant.
type invalidGrantError struct{ desc string }

func (e *invalidGrantError) Error() string {
	return fmt.Sprintf("%v: %s", ErrInvalidGrant, e.desc)
}

func (e *invalidGrantError) Is(target error) bool { return target == ErrInvalidGrant }

// exchangeDeniedError wraps a provider rejection while matching ErrExchangeDenied.
type exchangeDeniedError struct{ desc string }

func (e *exchangeDeniedError) Error() string {
	return fmt.Sprintf("%v: %s", ErrExchangeDenied, e.desc)
}

func (e *exchangeDeniedError) Is(target error) bool { return target == ErrExchangeDenied }

// ensure the concrete adapter keeps satisfying the contract
var _ IdentityProvider = (*Adapter)(nil)

// noCtx is a guard against accidentally passing a nil context into the
// oauth2 library, which would panic deep inside net/http.
func noCtx(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
