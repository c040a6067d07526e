package testutil

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// GenerateRandomString generates a random base64url string of the given length.
func GenerateRandomString(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate random string: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)[:length]
}

// GenerateTestToken creates a test OAuth2 token valid for one hour.
func GenerateTestToken() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  GenerateRandomString(32),
		TokenType:    "Bearer",
		RefreshToken: GenerateRandomString(32),
		Expiry:       time.Now().Add(time.Hour),
	}
}

// GenerateTestTokenWithExpiry creates a test OAuth2 token with a specific expiry.
func GenerateTestTokenWithExpiry(expiry time.Time) *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  GenerateRandomString(32),
		TokenType:    "Bearer",
		RefreshToken: GenerateRandomString(32),
		Expiry:       expiry,
	}
}

// JWTSigner mints RS256 session tokens for tests and serves the JWKS
// document that verifies them.
type JWTSigner struct {
	Key *rsa.PrivateKey
	Kid string
}

// NewJWTSigner generates a fresh 2048-bit RSA signer.
func NewJWTSigner() *JWTSigner {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(fmt.Sprintf("failed to generate RSA key: %v", err))
	}
	return &JWTSigner{Key: key, Kid: "test-key-" + GenerateRandomString(8)}
}

// SessionClaims describe a test session token.
type SessionClaims struct {
	Issuer   string
	Subject  string
	Audience []string
	Scope    string
	Expiry   time.Time
}

// Sign mints a signed RS256 JWT for the given claims.
func (s *JWTSigner) Sign(c SessionClaims) string {
	if c.Expiry.IsZero() {
		c.Expiry = time.Now().Add(time.Hour)
	}
	claims := jwt.MapClaims{
		"iss":   c.Issuer,
		"sub":   c.Subject,
		"aud":   c.Audience,
		"scope": c.Scope,
		"exp":   c.Expiry.Unix(),
		"iat":   time.Now().Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = s.Kid
	signed, err := token.SignedString(s.Key)
	if err != nil {
		panic(fmt.Sprintf("failed to sign test JWT: %v", err))
	}
	return signed
}

// JWKSHandler serves the signer's public key as a JWKS document.
func (s *JWTSigner) JWKSHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pub := &s.Key.PublicKey
		e := pub.E
		eb := []byte{byte(e >> 16), byte(e >> 8), byte(e)}
		// strip leading zero bytes
		for len(eb) > 1 && eb[0] == 0 {
			eb = eb[1:]
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"keys": []map[string]any{{
				"kty": "RSA",
				"use": "sig",
				"alg": "RS256",
				"kid": s.Kid,
				"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(eb),
			}},
		})
	}
}
