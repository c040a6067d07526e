package idp

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// jwk is a single RSA key from the provider's JWKS document. Non-RSA keys
// are skipped; the broker only verifies RS256/RS384/RS512 session tokens
// locally and falls back to introspection for everything else.
type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type jwksDocument struct {
	Keys []jwk `json:"keys"`
}

// jwksCache fetches and caches the provider's signing keys, keyed by kid.
// A verification miss on an unknown kid triggers one refetch (key rotation),
// throttled so a flood of bad tokens cannot hammer the provider.
type jwksCache struct {
	mu         sync.Mutex
	keys       map[string]*rsa.PublicKey
	fetchedAt  time.Time
	ttl        time.Duration
	minRefetch time.Duration
	client     *http.Client
	logger     *slog.Logger
}

func newJWKSCache(client *http.Client, ttl time.Duration, logger *slog.Logger) *jwksCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &jwksCache{
		keys:       make(map[string]*rsa.PublicKey),
		ttl:        ttl,
		minRefetch: time.Minute,
		client:     client,
		logger:     logger,
	}
}

func (c *jwksCache) invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys = make(map[string]*rsa.PublicKey)
	c.fetchedAt = time.Time{}
}

// key returns the RSA public key for kid, fetching the JWKS from jwksURI
// when the cache is cold, expired, or missing the kid.
func (c *jwksCache) key(ctx context.Context, jwksURI, kid string) (*rsa.PublicKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if k, ok := c.keys[kid]; ok && time.Since(c.fetchedAt) < c.ttl {
		return k, nil
	}

	// Unknown kid or stale cache: refetch, but not more often than
	// minRefetch to bound load from garbage tokens.
	if time.Since(c.fetchedAt) >= c.minRefetch {
		if err := c.fetchLocked(ctx, jwksURI); err != nil {
			return nil, err
		}
	}

	k, ok := c.keys[kid]
	if !ok {
		return nil, fmt.Errorf("no signing key with kid %q", kid)
	}
	return k, nil
}

func (c *jwksCache) fetchLocked(ctx context.Context, jwksURI string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, jwksURI, nil)
	if err != nil {
		return fmt.Errorf("failed to build JWKS request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return &TransportError{Op: "JWKS fetch", err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return &TransportError{Op: "JWKS fetch", err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	var doc jwksDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return fmt.Errorf("malformed JWKS document: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kty != "RSA" || (k.Use != "" && k.Use != "sig") {
			continue
		}
		pub, err := k.rsaPublicKey()
		if err != nil {
			c.logger.Warn("Skipping unparseable JWKS key", "kid", k.Kid, "error", err)
			continue
		}
		keys[k.Kid] = pub
	}

	c.keys = keys
	c.fetchedAt = time.Now()
	c.logger.Debug("JWKS refreshed", "keys", len(keys))
	return nil
}

func (k jwk) rsaPublicKey() (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("bad modulus: %w", err)
	}
	eb, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("bad exponent: %w", err)
	}
	e := 0
	for _, b := range eb {
		e = e<<8 | int(b)
	}
	if e <= 1 {
		return nil, fmt.Errorf("invalid exponent")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: e}, nil
}

// Keyfunc returns a jwt.Keyfunc resolving RS256-family signing keys via the
// provider's JWKS endpoint. The returned func rejects every other algorithm,
// including alg=none.
func (a *Adapter) Keyfunc(ctx context.Context) (jwt.Keyfunc, error) {
	doc, err := a.Discover(ctx)
	if err != nil {
		return nil, err
	}
	if doc.JWKSUri == "" {
		return nil, fmt.Errorf("provider does not advertise a jwks_uri")
	}

	return func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", token.Method.Alg())
		}
		kid, _ := token.Header["kid"].(string)
		keyCtx, cancel := a.boundCtx(ctx)
		defer cancel()
		return a.jwks.key(keyCtx, doc.JWKSUri, kid)
	}, nil
}
