package broker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"sync"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/cmsbridge/mcp-broker/idp"
	idpmock "github.com/cmsbridge/mcp-broker/idp/mock"
	"github.com/cmsbridge/mcp-broker/scope"
	"github.com/cmsbridge/mcp-broker/storage"
	storagemock "github.com/cmsbridge/mcp-broker/storage/mock"
)

const (
	testServerAudience   = "https://mcp.example.com"
	testResourceAudience = "https://cms.example.com"
)

func newTestBroker(t *testing.T, offline bool) (*Broker, *idpmock.IdentityProvider, *storagemock.MockStore) {
	t.Helper()

	store := storagemock.NewMockStore()
	provider := idpmock.New()

	cfg := Config{
		OfflineAccess:    offline,
		ServerAudience:   testServerAudience,
		ResourceAudience: testResourceAudience,
		RedirectURI:      "https://mcp.example.com/callback",
	}

	b, err := New(cfg, store, provider, nil)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	t.Cleanup(b.Stop)
	return b, provider, store
}

func testSession(subject, audience string, scopes ...string) *SessionToken {
	return &SessionToken{
		Raw:       "session-bearer-" + subject,
		Issuer:    "https://idp.example.com",
		Subject:   subject,
		Audiences: []string{audience},
		Scopes:    scope.NewSet(scopes...),
		ExpiresAt: time.Now().Add(time.Hour),
	}
}

func activeGrant(subject string) *storage.Grant {
	now := time.Now()
	return &storage.Grant{
		Subject:       subject,
		RefreshToken:  "refresh-" + subject,
		Audience:      testResourceAudience,
		Scopes:        []string{"notes:read", "notes:write"},
		State:         storage.GrantActive,
		CreatedAt:     now,
		LastRefreshAt: now,
	}
}

func TestNew_Validation(t *testing.T) {
	store := storagemock.NewMockStore()
	provider := idpmock.New()
	cfg := Config{
		ServerAudience:   testServerAudience,
		ResourceAudience: testResourceAudience,
	}

	if _, err := New(cfg, nil, provider, nil); err == nil {
		t.Error("expected error for nil store")
	}
	if _, err := New(cfg, store, nil, nil); err == nil {
		t.Error("expected error for nil provider")
	}
	if _, err := New(Config{}, store, provider, nil); err == nil {
		t.Error("expected error for empty config")
	}
}

// Pass-through deployment, session audience covers the resource server,
// scopes suffice: the operation succeeds with zero identity provider calls.
func TestResolve_PassThrough(t *testing.T) {
	b, provider, _ := newTestBroker(t, false)
	session := testSession("alice", testResourceAudience, "notes:read", "notes:write")

	cred, err := b.ResolveCredential(context.Background(), ResolveRequest{
		Session:   session,
		Operation: "read_note",
	})
	if err != nil {
		t.Fatalf("ResolveCredential failed: %v", err)
	}
	if cred.Mode != ModePassThrough {
		t.Errorf("Mode = %q, want %q", cred.Mode, ModePassThrough)
	}
	if cred.Bearer != session.Raw {
		t.Error("pass-through must forward the session bearer unchanged")
	}
	if cred.Audience != testResourceAudience {
		t.Errorf("Audience = %q", cred.Audience)
	}
	if provider.TotalCalls() != 0 {
		t.Errorf("pass-through made %d identity provider calls, want 0", provider.TotalCalls())
	}
}

// Pass-through deployment, session audience does not cover the resource
// server: every operation fails Unauthenticated.
func TestResolve_PassThroughAudienceMismatch(t *testing.T) {
	b, provider, _ := newTestBroker(t, false)
	session := testSession("alice", testServerAudience, "notes:read")

	_, err := b.ResolveCredential(context.Background(), ResolveRequest{
		Session:   session,
		Operation: "read_note",
	})
	if !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("expected Unauthenticated, got %v", err)
	}
	if provider.TotalCalls() != 0 {
		t.Errorf("audience rejection made %d identity provider calls, want 0", provider.TotalCalls())
	}
}

// Offline deployment, no grant for the subject, background access requested:
// fails NotProvisioned.
func TestResolve_BackgroundWithoutGrant(t *testing.T) {
	b, _, _ := newTestBroker(t, true)
	session := testSession("alice", testServerAudience, "notes:read")

	_, err := b.ResolveCredential(context.Background(), ResolveRequest{
		Session:    session,
		Operation:  "read_note",
		Background: true,
	})
	if !errors.Is(err, ErrNotProvisioned) {
		t.Errorf("expected NotProvisioned, got %v", err)
	}
}

// Offline deployment, grant exists, refresh answers invalid_grant: the grant
// is destroyed, the caller is told to re-provision, and a status check
// reports EXPIRED_GRANT.
func TestResolve_RefreshInvalidGrant(t *testing.T) {
	b, provider, store := newTestBroker(t, true)
	ctx := context.Background()

	if err := store.PutGrant(ctx, activeGrant("alice")); err != nil {
		t.Fatalf("PutGrant failed: %v", err)
	}
	provider.RefreshFunc = func(ctx context.Context, refreshToken, audience string) (*oauth2.Token, error) {
		return nil, idp.ErrInvalidGrant
	}

	_, err := b.ResolveCredential(ctx, ResolveRequest{
		Session:    testSession("alice", testServerAudience, "notes:read"),
		Operation:  "read_note",
		Background: true,
	})
	if !errors.Is(err, ErrNotProvisioned) {
		t.Errorf("expected NotProvisioned after invalid_grant, got %v", err)
	}

	state, err := b.ProvisioningStatus(ctx, "alice")
	if err != nil {
		t.Fatalf("ProvisioningStatus failed: %v", err)
	}
	if state != StateExpiredGrant {
		t.Errorf("state = %q, want %q", state, StateExpiredGrant)
	}

	grant, err := store.GetGrant(ctx, "alice")
	if err != nil {
		t.Fatalf("GetGrant failed: %v", err)
	}
	if grant.RefreshToken != "" {
		t.Error("refresh token must be destroyed after invalid_grant")
	}
}

// Scope policy denies the operation: Forbidden, and the identity provider is
// never consulted.
func TestResolve_ScopeDenied(t *testing.T) {
	b, provider, _ := newTestBroker(t, true)
	session := testSession("alice", testServerAudience, "notes:read")

	_, err := b.ResolveCredential(context.Background(), ResolveRequest{
		Session:   session,
		Operation: "delete_note",
	})
	if !errors.Is(err, ErrForbidden) {
		t.Errorf("expected Forbidden, got %v", err)
	}
	if provider.TotalCalls() != 0 {
		t.Errorf("scope rejection made %d identity provider calls, want 0", provider.TotalCalls())
	}
}

func TestResolve_UnknownOperation(t *testing.T) {
	b, _, _ := newTestBroker(t, false)

	_, err := b.ResolveCredential(context.Background(), ResolveRequest{
		Session:   testSession("alice", testResourceAudience, "notes:read"),
		Operation: "does_not_exist",
	})
	if err == nil {
		t.Fatal("expected error for unregistered operation")
	}
	var be *Error
	if !errors.As(err, &be) || be.Kind != KindInternal {
		t.Errorf("expected internal error, got %v", err)
	}
}

// Exchange narrows the credential to the operation's required scopes.
func TestResolve_ExchangeLeastPrivilege(t *testing.T) {
	b, provider, _ := newTestBroker(t, true)

	var requestedScopes []string
	provider.ExchangeTokenFunc = func(ctx context.Context, subjectToken, targetAudience string, scopes []string) (*oauth2.Token, error) {
		requestedScopes = scopes
		return &oauth2.Token{AccessToken: "exchanged", Expiry: time.Now().Add(5 * time.Minute)}, nil
	}

	session := testSession("alice", testServerAudience,
		"notes:read", "notes:write", "calendar:read", "files:write")
	cred, err := b.ResolveCredential(context.Background(), ResolveRequest{
		Session:   session,
		Operation: "read_note",
	})
	if err != nil {
		t.Fatalf("ResolveCredential failed: %v", err)
	}
	if cred.Mode != ModeExchanged {
		t.Errorf("Mode = %q, want %q", cred.Mode, ModeExchanged)
	}
	if len(requestedScopes) != 1 || requestedScopes[0] != "notes:read" {
		t.Errorf("exchange requested %v, want exactly [notes:read]", requestedScopes)
	}
	if !session.Scopes.IsSupersetOf(cred.Scopes) {
		t.Error("delegated scopes must be a subset of the session scopes")
	}
}

func TestResolve_ExchangeDenied(t *testing.T) {
	b, provider, _ := newTestBroker(t, true)

	provider.ExchangeTokenFunc = func(ctx context.Context, subjectToken, targetAudience string, scopes []string) (*oauth2.Token, error) {
		return nil, idp.ErrExchangeDenied
	}

	_, err := b.ResolveCredential(context.Background(), ResolveRequest{
		Session:   testSession("alice", testServerAudience, "notes:read"),
		Operation: "read_note",
	})
	if !errors.Is(err, ErrExchangeDenied) {
		t.Errorf("expected ExchangeDenied, got %v", err)
	}
}

// Property: for random scope supersets, the delegated credential's scope set
// is always a subset of the session token's.
func TestResolve_ScopeSubsetProperty(t *testing.T) {
	b, _, _ := newTestBroker(t, true)
	rng := rand.New(rand.NewSource(1))

	extras := []string{
		"calendar:read", "calendar:write", "contacts:read", "contacts:write",
		"tables:read", "tables:write", "files:read", "files:write",
	}
	operations := map[string]string{
		"read_note":   "notes:read",
		"delete_note": "notes:write",
		"list_events": "calendar:read",
		"write_file":  "files:write",
	}

	for i := 0; i < 50; i++ {
		for op, required := range operations {
			scopes := []string{required}
			for _, extra := range extras {
				if rng.Intn(2) == 0 {
					scopes = append(scopes, extra)
				}
			}
			session := testSession("alice", testServerAudience, scopes...)

			cred, err := b.ResolveCredential(context.Background(), ResolveRequest{
				Session:   session,
				Operation: op,
			})
			if err != nil {
				t.Fatalf("ResolveCredential(%s) failed: %v", op, err)
			}
			if !session.Scopes.IsSupersetOf(cred.Scopes) {
				t.Fatalf("operation %s: delegated scopes %v escape session scopes %v",
					op, cred.Scopes.Slice(), session.Scopes.Slice())
			}
		}
	}
}

// Two concurrent background resolutions for the same subject share exactly
// one refresh; the rotated token is committed exactly once.
func TestResolve_ConcurrentRefreshSingleFlight(t *testing.T) {
	b, provider, store := newTestBroker(t, true)
	ctx := context.Background()

	if err := store.PutGrant(ctx, activeGrant("alice")); err != nil {
		t.Fatalf("PutGrant failed: %v", err)
	}

	provider.RefreshFunc = func(ctx context.Context, refreshToken, audience string) (*oauth2.Token, error) {
		time.Sleep(50 * time.Millisecond) // widen the race window
		return &oauth2.Token{
			AccessToken:  "refreshed-access",
			RefreshToken: "rotated-refresh",
			Expiry:       time.Now().Add(time.Hour),
		}, nil
	}

	const callers = 16
	var wg sync.WaitGroup
	creds := make([]*DelegatedCredential, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			creds[n], errs[n] = b.ResolveCredential(ctx, ResolveRequest{
				Session:    testSession("alice", testServerAudience, "notes:read"),
				Operation:  "read_note",
				Background: true,
			})
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d failed: %v", i, errs[i])
		}
		if creds[i].Bearer != "refreshed-access" {
			t.Errorf("caller %d got bearer %q", i, creds[i].Bearer)
		}
	}
	if n := provider.CallCount("Refresh"); n != 1 {
		t.Errorf("Refresh called %d times, want 1", n)
	}

	grant, err := store.GetGrant(ctx, "alice")
	if err != nil {
		t.Fatalf("GetGrant failed: %v", err)
	}
	if grant.RefreshToken != "rotated-refresh" {
		t.Errorf("stored refresh token = %q, want the rotated one", grant.RefreshToken)
	}
}

// A caller-side cancellation must not abort an in-flight refresh: the
// rotated token still commits.
func TestResolve_RefreshSurvivesCancellation(t *testing.T) {
	b, provider, store := newTestBroker(t, true)
	ctx := context.Background()

	if err := store.PutGrant(ctx, activeGrant("alice")); err != nil {
		t.Fatalf("PutGrant failed: %v", err)
	}

	refreshStarted := make(chan struct{})
	provider.RefreshFunc = func(ctx context.Context, refreshToken, audience string) (*oauth2.Token, error) {
		close(refreshStarted)
		time.Sleep(30 * time.Millisecond)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return &oauth2.Token{
			AccessToken:  "refreshed-access",
			RefreshToken: "rotated-refresh",
			Expiry:       time.Now().Add(time.Hour),
		}, nil
	}

	callerCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = b.ResolveCredential(callerCtx, ResolveRequest{
			Session:    testSession("alice", testServerAudience, "notes:read"),
			Operation:  "read_note",
			Background: true,
		})
	}()
	<-refreshStarted
	cancel()
	<-done

	grant, err := store.GetGrant(ctx, "alice")
	if err != nil {
		t.Fatalf("GetGrant failed: %v", err)
	}
	if grant.RefreshToken != "rotated-refresh" {
		t.Errorf("stored refresh token = %q, want the rotated one despite cancellation", grant.RefreshToken)
	}
}

func TestResolve_RefreshedCredentialCached(t *testing.T) {
	b, provider, store := newTestBroker(t, true)
	ctx := context.Background()

	if err := store.PutGrant(ctx, activeGrant("alice")); err != nil {
		t.Fatalf("PutGrant failed: %v", err)
	}

	req := ResolveRequest{
		Session:    testSession("alice", testServerAudience, "notes:read"),
		Operation:  "read_note",
		Background: true,
	}
	for i := 0; i < 3; i++ {
		if _, err := b.ResolveCredential(ctx, req); err != nil {
			t.Fatalf("resolution %d failed: %v", i, err)
		}
	}
	if n := provider.CallCount("Refresh"); n != 1 {
		t.Errorf("Refresh called %d times across cached resolutions, want 1", n)
	}
}

func TestResolve_RefreshWithoutRotationKeepsStoredToken(t *testing.T) {
	b, provider, store := newTestBroker(t, true)
	ctx := context.Background()

	if err := store.PutGrant(ctx, activeGrant("alice")); err != nil {
		t.Fatalf("PutGrant failed: %v", err)
	}

	// Providers that do not rotate omit the refresh token from the
	// response. The stored token must survive such a refresh.
	provider.RefreshFunc = func(ctx context.Context, refreshToken, audience string) (*oauth2.Token, error) {
		return &oauth2.Token{
			AccessToken: "refreshed-access",
			Expiry:      time.Now().Add(time.Hour),
		}, nil
	}

	cred, err := b.ResolveCredential(ctx, ResolveRequest{
		Session:    testSession("alice", testServerAudience, "notes:read"),
		Operation:  "read_note",
		Background: true,
	})
	if err != nil {
		t.Fatalf("ResolveCredential failed: %v", err)
	}
	if cred.Bearer != "refreshed-access" {
		t.Errorf("Bearer = %q, want refreshed access token", cred.Bearer)
	}

	grant, err := store.GetGrant(ctx, "alice")
	if err != nil {
		t.Fatalf("GetGrant failed: %v", err)
	}
	if grant.RefreshToken != "refresh-alice" {
		t.Errorf("stored refresh token = %q, want original %q", grant.RefreshToken, "refresh-alice")
	}
	if grant.State != storage.GrantActive {
		t.Errorf("grant state = %v, want active", grant.State)
	}
	if n := provider.CallCount("Refresh"); n != 1 {
		t.Errorf("Refresh called %d times, want 1", n)
	}
}

// ============================================================
// Provisioning flow
// ============================================================

func beginAndExtractState(t *testing.T, b *Broker, subject string) string {
	t.Helper()
	authURL, err := b.BeginProvisioning(context.Background(), subject)
	if err != nil {
		t.Fatalf("BeginProvisioning failed: %v", err)
	}
	u, err := url.Parse(authURL)
	if err != nil {
		t.Fatalf("authorization URL unparseable: %v", err)
	}
	state := u.Query().Get("state")
	if state == "" {
		t.Fatal("authorization URL carries no state")
	}
	return state
}

func TestProvisioning_FullFlow(t *testing.T) {
	b, _, store := newTestBroker(t, true)
	ctx := context.Background()

	if st, _ := b.ProvisioningStatus(ctx, "alice"); st != StateUnprovisioned {
		t.Fatalf("initial state = %q, want %q", st, StateUnprovisioned)
	}

	state := beginAndExtractState(t, b, "alice")

	if st, _ := b.ProvisioningStatus(ctx, "alice"); st != StateAwaitingAuthorization {
		t.Errorf("state after begin = %q, want %q", st, StateAwaitingAuthorization)
	}

	if err := b.CompleteProvisioning(ctx, state, "auth-code"); err != nil {
		t.Fatalf("CompleteProvisioning failed: %v", err)
	}

	if st, _ := b.ProvisioningStatus(ctx, "alice"); st != StateProvisioned {
		t.Errorf("state after complete = %q, want %q", st, StateProvisioned)
	}

	grant, err := store.GetGrant(ctx, "alice")
	if err != nil {
		t.Fatalf("GetGrant failed: %v", err)
	}
	if grant.RefreshToken == "" {
		t.Error("completed provisioning must store a refresh token")
	}
	if grant.Audience != testResourceAudience {
		t.Errorf("grant audience = %q, want the resource audience", grant.Audience)
	}
}

func TestProvisioning_DisabledDeployment(t *testing.T) {
	b, _, _ := newTestBroker(t, false)

	if _, err := b.BeginProvisioning(context.Background(), "alice"); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected Forbidden when offline access is disabled, got %v", err)
	}
}

func TestProvisioning_UnknownState(t *testing.T) {
	b, _, _ := newTestBroker(t, true)

	err := b.CompleteProvisioning(context.Background(), "never-issued", "code")
	if !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("expected Unauthenticated for unknown state, got %v", err)
	}
}

func TestProvisioning_StateSingleUse(t *testing.T) {
	b, _, _ := newTestBroker(t, true)
	ctx := context.Background()

	state := beginAndExtractState(t, b, "alice")
	if err := b.CompleteProvisioning(ctx, state, "auth-code"); err != nil {
		t.Fatalf("first completion failed: %v", err)
	}
	if err := b.CompleteProvisioning(ctx, state, "auth-code"); !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("expected replayed state to be rejected, got %v", err)
	}
}

func TestProvisioning_CodeRejected(t *testing.T) {
	b, provider, _ := newTestBroker(t, true)

	provider.ExchangeAuthorizationCodeFunc = func(ctx context.Context, code, redirectURI, audience string) (*oauth2.Token, error) {
		return nil, idp.ErrInvalidGrant
	}

	state := beginAndExtractState(t, b, "alice")
	err := b.CompleteProvisioning(context.Background(), state, "bad-code")
	if !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("expected InvalidGrant, got %v", err)
	}
}

func TestProvisioning_NoRefreshTokenGranted(t *testing.T) {
	b, provider, _ := newTestBroker(t, true)

	provider.ExchangeAuthorizationCodeFunc = func(ctx context.Context, code, redirectURI, audience string) (*oauth2.Token, error) {
		return &oauth2.Token{AccessToken: "access-only", Expiry: time.Now().Add(time.Hour)}, nil
	}

	state := beginAndExtractState(t, b, "alice")
	err := b.CompleteProvisioning(context.Background(), state, "auth-code")
	if !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("expected InvalidGrant when no refresh token is issued, got %v", err)
	}
}

func TestProvisioning_StatusIdempotent(t *testing.T) {
	b, _, store := newTestBroker(t, true)
	ctx := context.Background()

	if err := store.PutGrant(ctx, activeGrant("alice")); err != nil {
		t.Fatalf("PutGrant failed: %v", err)
	}

	for i := 0; i < 5; i++ {
		st, err := b.ProvisioningStatus(ctx, "alice")
		if err != nil {
			t.Fatalf("status check %d failed: %v", i, err)
		}
		if st != StateProvisioned {
			t.Errorf("status check %d = %q, want %q", i, st, StateProvisioned)
		}
	}
}

func TestProvisioning_RateLimited(t *testing.T) {
	store := storagemock.NewMockStore()
	provider := idpmock.New()
	b, err := New(Config{
		OfflineAccess:     true,
		ServerAudience:    testServerAudience,
		ResourceAudience:  testResourceAudience,
		RedirectURI:       "https://mcp.example.com/callback",
		ProvisioningRate:  1,
		ProvisioningBurst: 2,
	}, store, provider, nil)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	t.Cleanup(b.Stop)

	ctx := context.Background()
	sawLimit := false
	for i := 0; i < 5; i++ {
		if _, err := b.BeginProvisioning(ctx, "alice"); errors.Is(err, ErrTransient) {
			sawLimit = true
		}
	}
	if !sawLimit {
		t.Error("expected the provisioning rate limit to trip within 5 rapid attempts")
	}
}

func TestRevoke(t *testing.T) {
	b, _, store := newTestBroker(t, true)
	ctx := context.Background()

	if err := store.PutGrant(ctx, activeGrant("alice")); err != nil {
		t.Fatalf("PutGrant failed: %v", err)
	}
	// Warm the credential cache through a background resolution.
	if _, err := b.ResolveCredential(ctx, ResolveRequest{
		Session:    testSession("alice", testServerAudience, "notes:read"),
		Operation:  "read_note",
		Background: true,
	}); err != nil {
		t.Fatalf("warmup resolution failed: %v", err)
	}

	if err := b.Revoke(ctx, "alice"); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}

	if st, _ := b.ProvisioningStatus(ctx, "alice"); st != StateUnprovisioned {
		t.Errorf("state after revoke = %q, want %q", st, StateUnprovisioned)
	}
	if got := b.cache.get("alice", nil, ModeRefreshed); got != nil {
		t.Error("revocation must invalidate cached credentials immediately")
	}
	if _, err := store.GetGrant(ctx, "alice"); !errors.Is(err, storage.ErrGrantNotFound) {
		t.Errorf("expected grant deleted, got %v", err)
	}
}

// Subjects are independent: a refresh in flight for one subject does not
// block resolutions for another.
func TestResolve_SubjectsIndependent(t *testing.T) {
	b, provider, store := newTestBroker(t, true)
	ctx := context.Background()

	for _, subject := range []string{"alice", "bob"} {
		if err := store.PutGrant(ctx, activeGrant(subject)); err != nil {
			t.Fatalf("PutGrant(%s) failed: %v", subject, err)
		}
	}

	aliceBlocked := make(chan struct{})
	provider.RefreshFunc = func(ctx context.Context, refreshToken, audience string) (*oauth2.Token, error) {
		if refreshToken == "refresh-alice" {
			<-aliceBlocked
		}
		return &oauth2.Token{
			AccessToken:  fmt.Sprintf("access-for-%s", refreshToken),
			RefreshToken: refreshToken,
			Expiry:       time.Now().Add(time.Hour),
		}, nil
	}

	aliceDone := make(chan struct{})
	go func() {
		defer close(aliceDone)
		_, _ = b.ResolveCredential(ctx, ResolveRequest{
			Session:    testSession("alice", testServerAudience, "notes:read"),
			Operation:  "read_note",
			Background: true,
		})
	}()

	// Bob's refresh must complete while alice's is still blocked.
	bobDone := make(chan struct{})
	go func() {
		defer close(bobDone)
		_, err := b.ResolveCredential(ctx, ResolveRequest{
			Session:    testSession("bob", testServerAudience, "notes:read"),
			Operation:  "read_note",
			Background: true,
		})
		if err != nil {
			t.Errorf("bob's resolution failed: %v", err)
		}
	}()

	select {
	case <-bobDone:
	case <-time.After(2 * time.Second):
		t.Error("bob's resolution blocked behind alice's in-flight refresh")
	}
	close(aliceBlocked)
	<-aliceDone
}
