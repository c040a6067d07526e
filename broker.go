// Package broker implements an OAuth token broker and progressive consent
// engine for servers that republish an upstream content system's APIs.
//
// The broker mediates identity between an inbound caller, this server, and
// the upstream resource server across two independently scoped OAuth flows:
// Flow 1 is plain session authentication (the caller brings a bearer token
// scoped to this server), Flow 2 is optional user-initiated provisioning of
// a durable offline-access grant against the resource server. Given a
// validated session token and an operation, the broker resolves a short-lived
// delegated credential via pass-through, RFC 8693 token exchange, or a
// provisioned refresh grant, while enforcing the scope policy and the
// invariant that a delegated credential's scopes never exceed those of the
// credential it was derived from.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/cmsbridge/mcp-broker/idp"
	"github.com/cmsbridge/mcp-broker/instrumentation"
	"github.com/cmsbridge/mcp-broker/scope"
	"github.com/cmsbridge/mcp-broker/security"
	"github.com/cmsbridge/mcp-broker/storage"
)

// refreshTimeout bounds a refresh that keeps running after its caller went
// away. A refresh must always commit or fail cleanly; it is never cancelled
// mid-flight because a half-applied rotation destroys the stored grant.
const refreshTimeout = 30 * time.Second

// Broker orchestrates the two OAuth flows and produces delegated credentials
// for upstream calls. Safe for concurrent use.
type Broker struct {
	cfg      Config
	store    storage.Store
	provider idp.IdentityProvider
	policy   *scope.Policy
	cache    *credentialCache
	logger   *slog.Logger
	auditor  *security.Auditor
	limiter  *security.RateLimiter
	metrics  *instrumentation.Metrics

	// refreshGroup serializes refreshes per subject: concurrent callers for
	// the same subject share one in-flight refresh, so a rotated refresh
	// token is never clobbered by a stale concurrent write.
	refreshGroup singleflight.Group

	// pending holds Flow 2 authorization states between BeginProvisioning
	// and the callback. In-memory only: an unredeemed URL dies with the
	// process, which is acceptable because no state is persisted before the
	// callback by contract.
	pendingMu sync.Mutex
	pending   map[string]*pendingProvisioning
}

type pendingProvisioning struct {
	subject   string
	scopes    []string
	createdAt time.Time
}

// New creates a broker. The store and provider are required; policy defaults
// to scope.DefaultPolicy() when nil.
func New(cfg Config, store storage.Store, provider idp.IdentityProvider, policy *scope.Policy) (*Broker, error) {
	if store == nil {
		return nil, fmt.Errorf("credential store is required")
	}
	if provider == nil {
		return nil, fmt.Errorf("identity provider adapter is required")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if policy == nil {
		policy = scope.DefaultPolicy()
	}

	b := &Broker{
		cfg:      cfg,
		store:    store,
		provider: provider,
		policy:   policy,
		cache:    newCredentialCache(cfg.CredentialCacheTTLSlack, cfg.CredentialCacheMaxEntries),
		logger:   cfg.Logger,
		auditor:  security.NewAuditor(cfg.Logger, cfg.EnableAuditLogging),
		pending:  make(map[string]*pendingProvisioning),
	}
	if cfg.ProvisioningRate > 0 {
		b.limiter = security.NewRateLimiter(cfg.ProvisioningRate, cfg.ProvisioningBurst, cfg.Logger)
	}

	b.logger.Info("Token broker initialized",
		"offline_access", cfg.OfflineAccess,
		"server_audience", cfg.ServerAudience,
		"resource_audience", cfg.ResourceAudience,
		"audit_logging", cfg.EnableAuditLogging)
	return b, nil
}

// SetInstrumentation attaches OpenTelemetry metrics. Call before serving
// traffic.
func (b *Broker) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst == nil {
		return
	}
	b.metrics = inst.Metrics()
}

// Policy exposes the scope policy for transport layers that need to
// enumerate operations.
func (b *Broker) Policy() *scope.Policy {
	return b.policy
}

// Stop releases background resources.
func (b *Broker) Stop() {
	if b.limiter != nil {
		b.limiter.Stop()
	}
}

// ResolveRequest describes one credential resolution.
type ResolveRequest struct {
	// Session is the validated inbound session token.
	Session *SessionToken

	// Operation is the tool/resource operation being invoked.
	Operation string

	// Background requests server-initiated access backed by the subject's
	// offline grant instead of caller-driven token exchange. Only meaningful
	// when offline access is enabled.
	Background bool
}

// ResolveCredential turns a validated session token and a target operation
// into a delegated credential for the upstream call, or a typed error.
//
// The scope check always runs first so a forbidden operation never costs an
// identity provider round trip.
func (b *Broker) ResolveCredential(ctx context.Context, req ResolveRequest) (*DelegatedCredential, error) {
	if req.Session == nil {
		return nil, newInternal("resolution without a session token", nil)
	}
	start := time.Now()

	cred, err := b.resolve(ctx, req)
	if b.metrics != nil {
		mode := "denied"
		outcome := "error"
		if err == nil {
			mode = string(cred.Mode)
			outcome = "success"
		}
		b.metrics.RecordResolution(ctx, mode, outcome, float64(time.Since(start).Milliseconds()))
	}
	return cred, err
}

func (b *Broker) resolve(ctx context.Context, req ResolveRequest) (*DelegatedCredential, error) {
	session := req.Session

	// Step 1: scope policy, before any network call.
	allowed, err := b.policy.Authorize(session.Scopes, req.Operation)
	if err != nil {
		var unknown *scope.UnknownOperationError
		if errors.As(err, &unknown) {
			return nil, newInternal(fmt.Sprintf("operation %q is not registered", req.Operation), err)
		}
		return nil, newInternal("scope policy failure", err)
	}
	if !allowed {
		b.auditor.LogScopeDenied(session.Subject, req.Operation, "")
		if b.metrics != nil {
			b.metrics.RecordGuardRejection(ctx, string(KindForbidden))
		}
		return nil, newForbidden(
			fmt.Sprintf("operation %q requires scopes the session token does not carry", req.Operation), nil)
	}
	required, _ := b.policy.RequiredScopes(req.Operation)

	// Step 2: pass-through mode.
	if !b.cfg.OfflineAccess {
		if !session.HasAudience(b.cfg.ResourceAudience) {
			return nil, newUnauthenticated("session token audience does not cover the resource server", nil)
		}
		return &DelegatedCredential{
			Bearer:    session.Raw,
			Audience:  b.cfg.ResourceAudience,
			Scopes:    session.Scopes,
			Mode:      ModePassThrough,
			ExpiresAt: session.ExpiresAt,
		}, nil
	}

	// Step 3: background access via the provisioned grant.
	if req.Background {
		return b.resolveFromGrant(ctx, session.Subject)
	}

	// Step 4: caller-driven token exchange, narrowed to the operation's
	// required scopes (least privilege).
	return b.resolveByExchange(ctx, session, required)
}

// resolveByExchange mints a delegated credential from the session token via
// RFC 8693, requesting exactly the operation's required scopes.
func (b *Broker) resolveByExchange(ctx context.Context, session *SessionToken, required scope.Set) (*DelegatedCredential, error) {
	scopes := required.Slice()

	if cached := b.cache.get(session.Subject, scopes, ModeExchanged); cached != nil {
		if b.metrics != nil {
			b.metrics.RecordCredentialCacheLookup(ctx, true)
		}
		return cached, nil
	}
	if b.metrics != nil {
		b.metrics.RecordCredentialCacheLookup(ctx, false)
	}

	tok, err := b.provider.ExchangeToken(ctx, session.Raw, b.cfg.ResourceAudience, scopes)
	if err != nil {
		switch {
		case errors.Is(err, idp.ErrExchangeDenied):
			b.auditor.LogExchangeDenied(session.Subject, "", scopes)
			if b.metrics != nil {
				b.metrics.RecordExchangeDenied(ctx)
			}
			return nil, &Error{
				Kind:        KindExchangeDenied,
				Description: "identity provider refused the requested audience and scopes",
				err:         err,
			}
		case idp.IsRetryable(err):
			return nil, newTransient("token exchange did not complete", err)
		default:
			return nil, newTransient("token exchange failed", err)
		}
	}

	cred := &DelegatedCredential{
		Bearer:    tok.AccessToken,
		Audience:  b.cfg.ResourceAudience,
		Scopes:    required,
		Mode:      ModeExchanged,
		ExpiresAt: tok.Expiry,
	}
	b.cache.put(session.Subject, scopes, cred)

	b.logger.Debug("Minted exchanged credential",
		"subject_token", session.TokenID(),
		"credential", cred.TokenID(),
		"scopes", scopes)
	return cred, nil
}

// resolveFromGrant redeems the subject's offline grant. Refreshes for the
// same subject are deduplicated through singleflight and always run to
// completion even when the triggering caller is cancelled.
func (b *Broker) resolveFromGrant(ctx context.Context, subject string) (*DelegatedCredential, error) {
	grant, err := b.store.GetGrant(ctx, subject)
	if err != nil {
		if errors.Is(err, storage.ErrGrantNotFound) {
			return nil, newNotProvisioned("no offline-access grant for this account", err)
		}
		return nil, newTransient("credential store unavailable", err)
	}
	if grant.State != storage.GrantActive {
		return nil, newNotProvisioned("the offline-access grant was invalidated; provision again", nil)
	}

	if cached := b.cache.get(subject, nil, ModeRefreshed); cached != nil {
		if b.metrics != nil {
			b.metrics.RecordCredentialCacheLookup(ctx, true)
		}
		return cached, nil
	}
	if b.metrics != nil {
		b.metrics.RecordCredentialCacheLookup(ctx, false)
	}

	v, err, _ := b.refreshGroup.Do(subject, func() (any, error) {
		// Detached from the caller: a refresh either commits the rotated
		// token or fails cleanly, regardless of caller cancellation.
		return b.refreshGrant(context.WithoutCancel(ctx), subject)
	})
	if err != nil {
		return nil, err
	}
	return v.(*DelegatedCredential), nil
}

// refreshGrant performs one refresh round trip and commits the result. Runs
// inside singleflight, so at most one instance per subject is in flight.
func (b *Broker) refreshGrant(ctx context.Context, subject string) (*DelegatedCredential, error) {
	ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	// Re-read inside the flight: a revocation racing ahead of us must win.
	grant, err := b.store.GetGrant(ctx, subject)
	if err != nil {
		if errors.Is(err, storage.ErrGrantNotFound) {
			return nil, newNotProvisioned("no offline-access grant for this account", err)
		}
		return nil, newTransient("credential store unavailable", err)
	}
	if grant.State != storage.GrantActive {
		return nil, newNotProvisioned("the offline-access grant was invalidated; provision again", nil)
	}

	tok, err := b.provider.Refresh(ctx, grant.RefreshToken, grant.Audience)
	if err != nil {
		if errors.Is(err, idp.ErrInvalidGrant) {
			return nil, b.expireGrant(ctx, subject, err)
		}
		b.auditor.LogRefreshFailed(subject, "transient failure")
		if b.metrics != nil {
			b.metrics.RecordRefresh(ctx, "error", false)
		}
		return nil, newTransient("token refresh did not complete", err)
	}

	// An empty refresh token means the provider did not rotate; keep the
	// stored one rather than overwriting it and stranding the grant.
	rotated := tok.RefreshToken != "" && tok.RefreshToken != grant.RefreshToken
	if rotated {
		grant.RefreshToken = tok.RefreshToken
	}
	grant.LastRefreshAt = time.Now()
	if err := b.store.PutGrant(ctx, grant); err != nil {
		// The provider already rotated; losing the new refresh token here
		// would strand the grant, so surface loudly.
		b.logger.Error("Failed to commit rotated refresh token",
			"subject", subject, "error", err)
		return nil, newTransient("failed to persist refreshed grant", err)
	}

	b.auditor.LogTokenRefreshed(subject, rotated)
	if b.metrics != nil {
		b.metrics.RecordRefresh(ctx, "success", rotated)
	}

	cred := &DelegatedCredential{
		Bearer:    tok.AccessToken,
		Audience:  b.cfg.ResourceAudience,
		Scopes:    scope.NewSet(grant.Scopes...),
		Mode:      ModeRefreshed,
		ExpiresAt: tok.Expiry,
	}
	b.cache.put(subject, nil, cred)
	return cred, nil
}

// expireGrant handles a definitive invalid_grant answer: the refresh token is
// destroyed, a tombstone records EXPIRED_GRANT for status checks, and the
// caller is told to provision again.
func (b *Broker) expireGrant(ctx context.Context, subject string, cause error) error {
	if err := b.store.MarkGrantExpired(ctx, subject); err != nil && !errors.Is(err, storage.ErrGrantNotFound) {
		b.logger.Error("Failed to mark grant expired", "subject", subject, "error", err)
	}
	b.cache.invalidateSubject(subject)

	b.auditor.LogGrantExpired(subject, "invalid_grant")
	if b.metrics != nil {
		b.metrics.RecordRefresh(ctx, "invalid_grant", false)
	}
	b.logger.Warn("Offline grant invalidated by identity provider", "subject", subject)

	return &Error{
		Kind:        KindNotProvisioned,
		Description: "the identity provider rejected the stored grant",
		Hint:        "invoke the provision_account tool to reauthorize offline access",
		err:         cause,
	}
}

// BeginProvisioning starts Flow 2 for a subject: it builds an authorization
// URL requesting offline access against the resource audience and returns it.
// No state is persisted until the callback arrives.
func (b *Broker) BeginProvisioning(ctx context.Context, subject string) (string, error) {
	if !b.cfg.OfflineAccess {
		return "", newForbidden("offline access is disabled for this deployment", nil)
	}
	if subject == "" {
		return "", newInternal("provisioning without a subject", nil)
	}
	if b.limiter != nil && !b.limiter.Allow(subject) {
		b.auditor.LogRateLimitExceeded(subject)
		if b.metrics != nil {
			b.metrics.RecordRateLimitExceeded(ctx, "provisioning")
		}
		return "", newTransient("too many provisioning attempts; try again later", nil)
	}

	scopes := append(splitScopes(DefaultProvisioningScope), b.cfg.ProvisioningScopes...)
	state := uuid.NewString()

	authURL, err := b.provider.AuthorizationURL(ctx, state, b.cfg.RedirectURI, b.cfg.ResourceAudience, scopes)
	if err != nil {
		return "", newTransient("could not build the authorization URL", err)
	}

	b.pendingMu.Lock()
	b.prunePendingLocked()
	b.pending[state] = &pendingProvisioning{
		subject:   subject,
		scopes:    scopes,
		createdAt: time.Now(),
	}
	b.pendingMu.Unlock()

	b.auditor.LogProvisioningStarted(subject, scopes)
	if b.metrics != nil {
		b.metrics.RecordProvisioningStarted(ctx)
	}
	b.logger.Info("Provisioning started", "subject", subject, "state", state[:8])
	return authURL, nil
}

// CompleteProvisioning consumes the authorization callback: it validates the
// state, exchanges the code, and writes the offline grant. The refresh token
// never leaves the broker.
func (b *Broker) CompleteProvisioning(ctx context.Context, state, code string) error {
	if !b.cfg.OfflineAccess {
		return newForbidden("offline access is disabled for this deployment", nil)
	}

	b.pendingMu.Lock()
	p, ok := b.pending[state]
	if ok {
		delete(b.pending, state)
	}
	b.pendingMu.Unlock()

	if !ok || time.Since(p.createdAt) > b.cfg.PendingProvisioningTTL {
		return newUnauthenticated("unknown or expired provisioning state", nil)
	}

	tok, err := b.provider.ExchangeAuthorizationCode(ctx, code, b.cfg.RedirectURI, b.cfg.ResourceAudience)
	if err != nil {
		if errors.Is(err, idp.ErrInvalidGrant) {
			return &Error{
				Kind:        KindInvalidGrant,
				Description: "the identity provider rejected the authorization code",
				err:         err,
			}
		}
		return newTransient("authorization code exchange did not complete", err)
	}
	if tok.RefreshToken == "" {
		return &Error{
			Kind:        KindInvalidGrant,
			Description: "the identity provider issued no refresh token; offline access was not granted",
			err:         nil,
		}
	}

	now := time.Now()
	grant := &storage.Grant{
		Subject:       p.subject,
		RefreshToken:  tok.RefreshToken,
		Audience:      b.cfg.ResourceAudience,
		Scopes:        p.scopes,
		State:         storage.GrantActive,
		CreatedAt:     now,
		LastRefreshAt: now,
	}
	if err := b.store.PutGrant(ctx, grant); err != nil {
		return newTransient("failed to persist the offline grant", err)
	}

	b.cache.invalidateSubject(p.subject)
	b.auditor.LogProvisioningCompleted(p.subject, p.scopes)
	if b.metrics != nil {
		b.metrics.RecordProvisioningCompleted(ctx)
	}
	b.logger.Info("Provisioning completed", "subject", p.subject)
	return nil
}

// ProvisioningStatus reports the Flow 2 state for a subject. Repeated calls
// without intervening provisioning or revocation return the same state.
func (b *Broker) ProvisioningStatus(ctx context.Context, subject string) (ProvisioningState, error) {
	grant, err := b.store.GetGrant(ctx, subject)
	switch {
	case err == nil:
		if grant.State == storage.GrantExpired {
			return StateExpiredGrant, nil
		}
		return StateProvisioned, nil
	case errors.Is(err, storage.ErrGrantNotFound):
		if b.hasPendingFor(subject) {
			return StateAwaitingAuthorization, nil
		}
		return StateUnprovisioned, nil
	default:
		return "", newTransient("credential store unavailable", err)
	}
}

// Revoke destroys the subject's offline grant and every cached credential
// derived from it, immediately.
func (b *Broker) Revoke(ctx context.Context, subject string) error {
	if err := b.store.DeleteGrant(ctx, subject); err != nil {
		return newTransient("failed to delete the offline grant", err)
	}
	b.cache.invalidateSubject(subject)

	b.auditor.LogProvisioningRevoked(subject)
	if b.metrics != nil {
		b.metrics.RecordProvisioningRevoked(ctx)
	}
	b.logger.Info("Provisioning revoked", "subject", subject)
	return nil
}

func (b *Broker) hasPendingFor(subject string) bool {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()
	b.prunePendingLocked()
	for _, p := range b.pending {
		if p.subject == subject {
			return true
		}
	}
	return false
}

// prunePendingLocked drops stale authorization states. Must be called with
// pendingMu held.
func (b *Broker) prunePendingLocked() {
	cutoff := time.Now().Add(-b.cfg.PendingProvisioningTTL)
	for state, p := range b.pending {
		if p.createdAt.Before(cutoff) {
			delete(b.pending, state)
		}
	}
}
