package broker

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/cmsbridge/mcp-broker/idp"
	"github.com/cmsbridge/mcp-broker/scope"
	"github.com/cmsbridge/mcp-broker/security"
)

// KeyfuncSource supplies a jwt.Keyfunc for local session token verification.
// *idp.Adapter implements it via the provider's JWKS endpoint.
type KeyfuncSource interface {
	Keyfunc(ctx context.Context) (jwt.Keyfunc, error)
}

// Introspector is the remote-verification fallback for opaque session tokens.
// idp.IdentityProvider satisfies it.
type Introspector interface {
	Introspect(ctx context.Context, bearer string) (*idp.TokenClaims, error)
}

// Guard enforces authorization at the entry point of every inbound operation.
// It validates the session token, applies the scope policy through the
// broker, and converts internal failures into caller-visible errors that
// never leak refresh tokens or upstream error bodies.
type Guard struct {
	broker     *Broker
	keys       KeyfuncSource
	introspect Introspector
	audience   string
	skewGrace  time.Duration
	logger     *slog.Logger
	auditor    *security.Auditor
}

// NewGuard builds a guard over the broker. keys enables local JWT
// verification; pass nil to force introspection for every token. introspect
// may be nil only when keys is set, in which case opaque tokens are rejected.
func NewGuard(b *Broker, keys KeyfuncSource, introspect Introspector) *Guard {
	return &Guard{
		broker:     b,
		keys:       keys,
		introspect: introspect,
		audience:   b.cfg.ServerAudience,
		skewGrace:  b.cfg.ClockSkewGrace,
		logger:     b.logger,
		auditor:    b.auditor,
	}
}

// sessionClaims is the JWT claim set the guard reads from session tokens.
type sessionClaims struct {
	jwt.RegisteredClaims
	Scope string `json:"scope,omitempty"`
}

// Authorize resolves (rawBearer, operation) into a ready-to-use delegated
// credential or a structured rejection.
//
// Audience and expiry are checked from the token's own claims before any
// network round trip: a token for the wrong audience is rejected without
// costing a JWKS fetch or an introspection call.
func (g *Guard) Authorize(ctx context.Context, rawBearer, operation string) (*DelegatedCredential, error) {
	session, err := g.VerifySessionToken(ctx, rawBearer)
	if err != nil {
		return nil, err
	}
	return g.broker.ResolveCredential(ctx, ResolveRequest{
		Session:   session,
		Operation: operation,
	})
}

// VerifySessionToken validates a raw bearer into a SessionToken. JWTs are
// verified locally against the provider's signing keys; opaque tokens fall
// back to RFC 7662 introspection.
func (g *Guard) VerifySessionToken(ctx context.Context, rawBearer string) (*SessionToken, error) {
	rawBearer = strings.TrimSpace(strings.TrimPrefix(rawBearer, "Bearer "))
	if rawBearer == "" {
		return nil, g.rejectAuth(ctx, "", "missing bearer token", nil)
	}

	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	var unverified sessionClaims
	if _, _, err := parser.ParseUnverified(rawBearer, &unverified); err != nil {
		// Not a JWT. Opaque tokens can only be validated remotely.
		return g.verifyByIntrospection(ctx, rawBearer)
	}

	// Audience and expiry first, from the unverified claims: a token that
	// fails either is rejected before any network call. Signature
	// verification below would reject tampered claims anyway.
	if !claimsAudience(unverified.Audience, g.audience) {
		g.auditor.LogEvent(security.Event{
			Type:    security.EventAudienceMismatch,
			Subject: unverified.Subject,
		})
		return nil, g.rejectAuth(ctx, unverified.Subject, "session token audience does not match this server", nil)
	}
	if unverified.ExpiresAt != nil &&
		security.IsTokenExpiredWithGracePeriod(unverified.ExpiresAt.Time, g.skewGrace) {
		return nil, g.rejectAuth(ctx, unverified.Subject, "session token is expired", nil)
	}

	if g.keys == nil {
		return g.verifyByIntrospection(ctx, rawBearer)
	}

	keyfunc, err := g.keys.Keyfunc(ctx)
	if err != nil {
		return nil, newTransient("signing keys are unavailable", err)
	}

	var claims sessionClaims
	if _, err := jwt.ParseWithClaims(rawBearer, &claims, keyfunc,
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512"}),
		jwt.WithLeeway(g.skewGrace),
		jwt.WithAudience(g.audience),
	); err != nil {
		return nil, g.rejectAuth(ctx, unverified.Subject, "session token verification failed", err)
	}

	session := &SessionToken{
		Raw:       rawBearer,
		Issuer:    claims.Issuer,
		Subject:   claims.Subject,
		Audiences: claims.Audience,
		Scopes:    scope.NewSet(splitScopes(claims.Scope)...),
	}
	if claims.ExpiresAt != nil {
		session.ExpiresAt = claims.ExpiresAt.Time
	}
	return session, nil
}

// verifyByIntrospection validates an opaque token via RFC 7662.
func (g *Guard) verifyByIntrospection(ctx context.Context, rawBearer string) (*SessionToken, error) {
	if g.introspect == nil {
		return nil, g.rejectAuth(ctx, "", "opaque tokens are not accepted by this deployment", nil)
	}

	claims, err := g.introspect.Introspect(ctx, rawBearer)
	if err != nil {
		return nil, newTransient("token introspection did not complete", err)
	}
	if !claims.Active {
		return nil, g.rejectAuth(ctx, claims.Subject, "session token is not active", nil)
	}
	if !claimsAudience(claims.Audiences, g.audience) {
		g.auditor.LogEvent(security.Event{
			Type:    security.EventAudienceMismatch,
			Subject: claims.Subject,
		})
		return nil, g.rejectAuth(ctx, claims.Subject, "session token audience does not match this server", nil)
	}
	if claims.ExpiresAt != 0 &&
		security.IsTokenExpiredWithGracePeriod(time.Unix(claims.ExpiresAt, 0), g.skewGrace) {
		return nil, g.rejectAuth(ctx, claims.Subject, "session token is expired", nil)
	}

	session := &SessionToken{
		Raw:       rawBearer,
		Issuer:    claims.Issuer,
		Subject:   claims.Subject,
		Audiences: claims.Audiences,
		Scopes:    scope.NewSet(claims.Scopes...),
	}
	if claims.ExpiresAt != 0 {
		session.ExpiresAt = time.Unix(claims.ExpiresAt, 0)
	}
	return session, nil
}

func (g *Guard) rejectAuth(ctx context.Context, subject, desc string, cause error) error {
	g.auditor.LogAuthFailure(subject, desc)
	if m := g.broker.metrics; m != nil {
		m.RecordGuardRejection(ctx, string(KindUnauthenticated))
	}
	return newUnauthenticated(desc, cause)
}

func claimsAudience(audiences []string, want string) bool {
	for _, a := range audiences {
		if a == want {
			return true
		}
	}
	return false
}
