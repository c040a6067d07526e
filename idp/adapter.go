package idp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

const (
	// DefaultRequestTimeout bounds every provider round trip.
	DefaultRequestTimeout = 10 * time.Second

	// DefaultDiscoveryTTL is how long a fetched discovery document is reused.
	DefaultDiscoveryTTL = time.Hour
)

// Config holds the adapter configuration.
type Config struct {
	// IssuerURL is the provider's issuer, used for discovery.
	IssuerURL string

	// ClientID and ClientSecret identify this server at the provider. They
	// may be empty at construction time when dynamic registration runs
	// first; SetClientCredentials installs them afterwards.
	ClientID     string
	ClientSecret string

	// HTTPClient is an optional custom HTTP client. When nil a client with
	// RequestTimeout is used.
	HTTPClient *http.Client

	// RequestTimeout bounds each provider call. Default: 10s.
	RequestTimeout time.Duration

	// DiscoveryTTL is the reuse window for discovery metadata. Default: 1h.
	DiscoveryTTL time.Duration

	// AllowHTTP permits plain-HTTP provider endpoints.
	// WARNING: bearer material leaks over plaintext. Local development only.
	AllowHTTP bool

	// Logger for structured logging (nil uses slog.Default()).
	Logger *slog.Logger
}

// Adapter is the concrete IdentityProvider backed by a standard OIDC
// provider. It is safe for concurrent use.
type Adapter struct {
	cfg        Config
	httpClient *http.Client
	discovery  *discoveryCache
	jwks       *jwksCache
	logger     *slog.Logger

	mu           sync.RWMutex // guards the client credential swap
	clientID     string
	clientSecret string
}

// New creates an adapter. Discovery is performed lazily on first use so the
// broker can start while the provider is briefly unreachable.
func New(cfg Config) (*Adapter, error) {
	if cfg.IssuerURL == "" {
		return nil, fmt.Errorf("issuer URL is required")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.DiscoveryTTL <= 0 {
		cfg.DiscoveryTTL = DefaultDiscoveryTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.RequestTimeout}
	}

	a := &Adapter{
		cfg:          cfg,
		httpClient:   httpClient,
		logger:       cfg.Logger,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
	}
	a.discovery = newDiscoveryCache(cfg.IssuerURL, cfg.DiscoveryTTL, cfg.AllowHTTP, httpClient, cfg.Logger)
	a.jwks = newJWKSCache(httpClient, cfg.DiscoveryTTL, cfg.Logger)
	return a, nil
}

// SetClientCredentials installs the client identity after dynamic
// registration completed. Safe to call concurrently with in-flight requests;
// requests started before the swap finish with the old identity.
func (a *Adapter) SetClientCredentials(clientID, clientSecret string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.clientID = clientID
	a.clientSecret = clientSecret
}

func (a *Adapter) credentials() (string, string) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.clientID, a.clientSecret
}

// Discover returns the provider metadata, fetching and caching on first use.
func (a *Adapter) Discover(ctx context.Context) (*ProviderMetadata, error) {
	ctx, cancel := a.boundCtx(ctx)
	defer cancel()
	return a.discovery.get(ctx)
}

// InvalidateDiscovery drops the cached discovery document (and the JWKS
// derived from it) so the next call refetches. Manual hook for operators
// after a provider migration.
func (a *Adapter) InvalidateDiscovery() {
	a.discovery.invalidate()
	a.jwks.invalidate()
}

// AuthorizationURL builds the redirect URL for the authorization-code grant.
// The audience travels as the RFC 8707 resource parameter alongside the
// conventional audience parameter, which covers the common providers.
func (a *Adapter) AuthorizationURL(ctx context.Context, state, redirectURI, audience string, scopes []string) (string, error) {
	doc, err := a.Discover(ctx)
	if err != nil {
		return "", err
	}

	clientID, _ := a.credentials()
	conf := &oauth2.Config{
		ClientID:    clientID,
		RedirectURL: redirectURI,
		Scopes:      append([]string(nil), scopes...),
		Endpoint: oauth2.Endpoint{
			AuthURL:  doc.AuthorizationEndpoint,
			TokenURL: doc.TokenEndpoint,
		},
	}

	opts := []oauth2.AuthCodeOption{oauth2.AccessTypeOffline}
	if audience != "" {
		opts = append(opts,
			oauth2.SetAuthURLParam("audience", audience),
			oauth2.SetAuthURLParam("resource", audience),
		)
	}
	return conf.AuthCodeURL(state, opts...), nil
}

// ExchangeAuthorizationCode redeems an authorization code for tokens.
func (a *Adapter) ExchangeAuthorizationCode(ctx context.Context, code, redirectURI, audience string) (*oauth2.Token, error) {
	doc, err := a.Discover(ctx)
	if err != nil {
		return nil, err
	}

	conf := a.oauth2Config(doc, redirectURI)

	var token *oauth2.Token
	err = a.retryTransient(ctx, "authorization code exchange", func(ctx context.Context) error {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, a.httpClient)
		var opts []oauth2.AuthCodeOption
		if audience != "" {
			opts = append(opts, oauth2.SetAuthURLParam("audience", audience))
		}
		tok, err := conf.Exchange(ctx, code, opts...)
		if err != nil {
			return classifyTokenEndpointError("authorization code exchange", err)
		}
		token = tok
		return nil
	})
	if err != nil {
		return nil, err
	}
	return token, nil
}

// Refresh redeems a refresh token. Providers with refresh-token rotation
// return a new refresh token inside the result; the caller must persist it.
func (a *Adapter) Refresh(ctx context.Context, refreshToken, audience string) (*oauth2.Token, error) {
	doc, err := a.Discover(ctx)
	if err != nil {
		return nil, err
	}

	conf := a.oauth2Config(doc, "")

	var token *oauth2.Token
	err = a.retryTransient(ctx, "token refresh", func(ctx context.Context) error {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, a.httpClient)
		// TokenSource captures the rotated refresh token from the response.
		src := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
		tok, err := src.Token()
		if err != nil {
			return classifyTokenEndpointError("token refresh", err)
		}
		token = tok
		return nil
	})
	if err != nil {
		return nil, err
	}

	if token.RefreshToken == "" {
		// Provider without rotation: the old refresh token stays valid.
		token.RefreshToken = refreshToken
	}
	_ = audience // audience is pinned at grant time; kept for interface symmetry
	return token, nil
}

func (a *Adapter) oauth2Config(doc *ProviderMetadata, redirectURI string) *oauth2.Config {
	clientID, clientSecret := a.credentials()
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURI,
		Endpoint: oauth2.Endpoint{
			AuthURL:  doc.AuthorizationEndpoint,
			TokenURL: doc.TokenEndpoint,
		},
	}
}

// boundCtx attaches the request timeout unless the caller already set a
// tighter deadline.
func (a *Adapter) boundCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = noCtx(ctx)
	if _, has := ctx.Deadline(); has {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, a.cfg.RequestTimeout)
}

// retryTransient runs fn with the request timeout, retrying exactly once when
// the failure is a transient transport error. Provider rejections (4xx) are
// never retried.
func (a *Adapter) retryTransient(ctx context.Context, op string, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		attemptCtx, cancel := a.boundCtx(ctx)
		err := fn(attemptCtx)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if !IsRetryable(err) {
			return err
		}
		if ctx.Err() != nil {
			return err
		}
		a.logger.Warn("Transient identity provider failure, retrying once",
			"operation", op, "error", err)
	}
	return lastErr
}

// classifyTokenEndpointError turns an oauth2 library error into the adapter's
// error taxonomy. A *oauth2.RetrieveError is a definitive provider answer;
// anything else is transport-level and retryable. 5xx retrieve errors are
// treated as transport failures because the provider did not decide anything.
func classifyTokenEndpointError(op string, err error) error {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return &TransportError{Op: op, err: err}
	}
	if re.Response != nil && re.Response.StatusCode >= 500 {
		return &TransportError{Op: op, err: fmt.Errorf("provider returned status %d", re.Response.StatusCode)}
	}

	switch re.ErrorCode {
	case "invalid_grant":
		return &invalidGrantError{desc: op + " rejected"}
	case "invalid_scope", "invalid_target", "access_denied", "unauthorized_client":
		return &exchangeDeniedError{desc: fmt.Sprintf("%s refused (%s)", op, re.ErrorCode)}
	default:
		// Do not leak the provider response body to callers; a short
		// code-only summary is enough and is logged upstream.
		return fmt.Errorf("%s failed with provider error %q", op, re.ErrorCode)
	}
}
