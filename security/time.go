package security

import "time"

// DefaultClockSkewGracePeriod absorbs clock drift between the broker and the
// identity provider when judging an expiry claim. Session tokens minted by
// the provider a moment before a guard check can otherwise read as already
// expired on a host whose clock runs slightly ahead. Five seconds covers
// normal NTP drift without meaningfully extending a token's life.
const DefaultClockSkewGracePeriod = 5 * time.Second

// IsTokenExpiredWithGracePeriod reports whether expiresAt lies more than
// gracePeriod in the past. A zero expiry means the token carries no expiry
// claim and is never considered expired here.
func IsTokenExpiredWithGracePeriod(expiresAt time.Time, gracePeriod time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return time.Now().After(expiresAt.Add(gracePeriod))
}

// IsTokenExpiringSoon reports whether expiresAt falls within threshold from
// now. The credential cache uses it to refuse to serve a delegated
// credential that would die mid-flight on an upstream call; a miss makes the
// caller fetch a fresh one instead. A zero expiry never reads as expiring.
func IsTokenExpiringSoon(expiresAt time.Time, threshold time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return time.Now().Add(threshold).After(expiresAt)
}
