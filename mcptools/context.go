// Package mcptools exposes the broker over the Model Context Protocol: the
// provisioning tool surface (provision_account, provisioning_status,
// capabilities) and a tool-handler middleware that authenticates the session
// token, applies the scope policy per tool name, and attaches the resolved
// delegated credential to the request context for downstream handlers.
package mcptools

import (
	"context"
	"net/http"

	broker "github.com/cmsbridge/mcp-broker"
)

type contextKey string

const (
	bearerKey     contextKey = "mcptools.bearer"
	sessionKey    contextKey = "mcptools.session"
	credentialKey contextKey = "mcptools.credential"
)

// ContextWithBearer attaches a raw bearer token (with or without the
// "Bearer " scheme prefix) to the context.
func ContextWithBearer(ctx context.Context, bearer string) context.Context {
	return context.WithValue(ctx, bearerKey, bearer)
}

// BearerFromContext returns the raw bearer token attached by the transport.
func BearerFromContext(ctx context.Context) (string, bool) {
	bearer, ok := ctx.Value(bearerKey).(string)
	return bearer, ok && bearer != ""
}

// ContextWithSession attaches a verified session token to the context.
func ContextWithSession(ctx context.Context, session *broker.SessionToken) context.Context {
	return context.WithValue(ctx, sessionKey, session)
}

// SessionFromContext returns the verified session token attached by the
// authorization middleware.
func SessionFromContext(ctx context.Context) (*broker.SessionToken, bool) {
	session, ok := ctx.Value(sessionKey).(*broker.SessionToken)
	return session, ok && session != nil
}

// ContextWithCredential attaches a resolved delegated credential.
func ContextWithCredential(ctx context.Context, cred *broker.DelegatedCredential) context.Context {
	return context.WithValue(ctx, credentialKey, cred)
}

// CredentialFromContext returns the delegated credential resolved by the
// authorization middleware. Tool handlers use it as the bearer for upstream
// calls; it is absent for operations that need authentication only.
func CredentialFromContext(ctx context.Context) (*broker.DelegatedCredential, bool) {
	cred, ok := ctx.Value(credentialKey).(*broker.DelegatedCredential)
	return cred, ok && cred != nil
}

// HTTPContextFunc copies the Authorization header into the request context so
// the authorization middleware can see it. Wire it into the streamable HTTP
// transport via server.WithHTTPContextFunc.
func HTTPContextFunc(ctx context.Context, r *http.Request) context.Context {
	if h := r.Header.Get("Authorization"); h != "" {
		ctx = ContextWithBearer(ctx, h)
	}
	return ctx
}
