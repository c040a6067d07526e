package broker

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/cmsbridge/mcp-broker/security"
)

// credentialCache is an expiry-aware cache of delegated credentials keyed by
// (subject, scope hash, mode). Entries near expiry are treated as absent so
// an upstream call never receives a token about to die mid-flight.
type credentialCache struct {
	mu         sync.RWMutex
	entries    map[cacheKey]*cacheEntry
	ttlSlack   time.Duration
	maxEntries int

	hits   int64
	misses int64
}

type cacheKey struct {
	subject   string
	scopeHash string
	mode      CredentialMode
}

type cacheEntry struct {
	credential *DelegatedCredential
	storedAt   time.Time
}

func newCredentialCache(ttlSlack time.Duration, maxEntries int) *credentialCache {
	return &credentialCache{
		entries:    make(map[cacheKey]*cacheEntry),
		ttlSlack:   ttlSlack,
		maxEntries: maxEntries,
	}
}

// scopeHash produces a stable digest of a sorted scope slice, so that the
// same scope set always maps to the same cache key.
func scopeHash(scopes []string) string {
	h := sha256.Sum256([]byte(strings.Join(scopes, " ")))
	return hex.EncodeToString(h[:8])
}

func (c *credentialCache) key(subject string, scopes []string, mode CredentialMode) cacheKey {
	return cacheKey{subject: subject, scopeHash: scopeHash(scopes), mode: mode}
}

// get returns a cached credential that will stay valid for at least ttlSlack,
// or nil on miss.
func (c *credentialCache) get(subject string, scopes []string, mode CredentialMode) *DelegatedCredential {
	k := c.key(subject, scopes, mode)

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[k]
	if !ok {
		c.misses++
		return nil
	}
	if security.IsTokenExpiringSoon(entry.credential.ExpiresAt, c.ttlSlack) {
		delete(c.entries, k)
		c.misses++
		return nil
	}
	c.hits++
	return entry.credential
}

// put stores a credential. Credentials already inside the slack window are
// not worth caching and are dropped.
func (c *credentialCache) put(subject string, scopes []string, cred *DelegatedCredential) {
	if cred == nil {
		return
	}
	if security.IsTokenExpiringSoon(cred.ExpiresAt, c.ttlSlack) {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.maxEntries > 0 && len(c.entries) >= c.maxEntries {
		c.evictLocked()
	}
	c.entries[c.key(subject, scopes, cred.Mode)] = &cacheEntry{
		credential: cred,
		storedAt:   time.Now(),
	}
}

// evictLocked drops expired entries first; if nothing expired, the oldest
// entry goes. Must be called with the lock held.
func (c *credentialCache) evictLocked() {
	removed := false
	for k, e := range c.entries {
		if security.IsTokenExpiringSoon(e.credential.ExpiresAt, c.ttlSlack) {
			delete(c.entries, k)
			removed = true
		}
	}
	if removed {
		return
	}

	var oldestKey cacheKey
	var oldest time.Time
	first := true
	for k, e := range c.entries {
		if first || e.storedAt.Before(oldest) {
			oldestKey = k
			oldest = e.storedAt
			first = false
		}
	}
	if !first {
		delete(c.entries, oldestKey)
	}
}

// invalidateSubject drops every cached credential for a subject. Called on
// revocation and on grant expiry so a dead grant cannot keep serving.
func (c *credentialCache) invalidateSubject(subject string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if k.subject == subject {
			delete(c.entries, k)
		}
	}
}

func (c *credentialCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
