// Package security provides security-related functionality for the token
// broker, including rate limiting, encryption at rest, audit logging, and
// clock-skew-tolerant expiry checks.
//
// # Rate Limiting
//
// The RateLimiter enforces a per-subject token bucket. The broker checks it
// before minting an authorization URL, so one misbehaving session cannot
// start provisioning flows in a loop and starve the identity provider for
// everyone else. Subjects are tracked LRU with a hard capacity (10,000 by
// default) and a background sweep drops buckets idle for 30 minutes.
//
//	limiter := security.NewRateLimiter(10, 20, logger)
//	defer limiter.Stop()
//
//	if !limiter.Allow(subject) {
//	    // Too many provisioning attempts from this subject.
//	    return errors.ErrTransient
//	}
//
// # Encryption at Rest
//
// The Encryptor wraps AES-256-GCM for sealing refresh tokens and the
// broker's client secret before they reach a storage backend. Keys are
// KeySize (32) bytes; with no key configured the Encryptor passes values
// through, which is meant for development only.
//
// # Audit Logging
//
// The Auditor emits structured security events (provisioning lifecycle,
// refresh failures, scope denials) with subjects hashed before logging so
// audit trails never carry raw user identifiers.
//
// # Clock Skew
//
// IsTokenExpiredWithGracePeriod tolerates small clock differences between the
// broker and the identity provider when judging expiry, and
// IsTokenExpiringSoon lets the credential cache refuse to hand out tokens
// that would die mid-flight on an upstream call.
package security
