// Package testutil provides shared testing helpers for the broker: random
// strings, OAuth2 test tokens, and an RSA signer that mints session-token
// JWTs with a matching JWKS document.
package testutil
