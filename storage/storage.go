// Package storage defines the Credential Store contracts: durable keyed
// persistence for offline-access grants and the deployment's dynamic client
// registration record. Backends live in subpackages (memory, sqlite, valkey).
package storage

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by all backends.
var (
	// ErrGrantNotFound is returned when no grant exists for a subject.
	ErrGrantNotFound = errors.New("grant not found")

	// ErrRegistrationNotFound is returned when no client registration has
	// been stored for this deployment.
	ErrRegistrationNotFound = errors.New("client registration not found")
)

// GrantState describes the lifecycle of a stored offline-access grant.
type GrantState string

const (
	// GrantActive means the grant holds a usable refresh token.
	GrantActive GrantState = "active"

	// GrantExpired means the identity provider rejected the refresh token
	// (invalid_grant). The refresh token has been destroyed; only a
	// tombstone remains so status checks can report that re-provisioning
	// is required.
	GrantExpired GrantState = "expired"
)

// Grant is a durable offline-access grant for one subject, obtained through
// the user-driven provisioning flow.
//
// SECURITY: RefreshToken is sensitive material. Backends encrypt it at rest
// when an encryptor is configured, and it must never appear in logs or be
// returned to the caller that initiated provisioning.
type Grant struct {
	Subject       string
	RefreshToken  string
	Audience      string
	Scopes        []string
	State         GrantState
	CreatedAt     time.Time
	LastRefreshAt time.Time

	// ExpiredAt is set when the grant transitions to GrantExpired.
	// Backends use it to prune old tombstones.
	ExpiredAt time.Time
}

// Clone returns a deep copy so callers cannot mutate stored state.
func (g *Grant) Clone() *Grant {
	if g == nil {
		return nil
	}
	c := *g
	c.Scopes = append([]string(nil), g.Scopes...)
	return &c
}

// ClientRegistration is the deployment's dynamically registered OAuth client.
// There is exactly one per deployment.
//
// SECURITY: ClientSecret and ManagementToken are sensitive. Backends encrypt
// them at rest when an encryptor is configured.
type ClientRegistration struct {
	Issuer          string
	ClientID        string
	ClientSecret    string
	Scopes          []string
	ManagementToken string
	ManagementURI   string
	CreatedAt       time.Time
}

// Clone returns a deep copy so callers cannot mutate stored state.
func (r *ClientRegistration) Clone() *ClientRegistration {
	if r == nil {
		return nil
	}
	c := *r
	c.Scopes = append([]string(nil), r.Scopes...)
	return &c
}

// GrantStore persists offline-access grants keyed by subject.
//
// Backends must support concurrent access for different subjects without
// cross-subject interference, and per-subject operations must be
// linearizable. Serialization of concurrent refreshes for the same subject
// is the broker's responsibility, not the store's.
type GrantStore interface {
	// PutGrant stores or replaces the grant for a subject.
	PutGrant(ctx context.Context, grant *Grant) error

	// GetGrant retrieves the grant for a subject.
	// Returns ErrGrantNotFound if none exists.
	GetGrant(ctx context.Context, subject string) (*Grant, error)

	// DeleteGrant removes the grant for a subject entirely, tombstone
	// included. Deleting a missing grant is not an error.
	DeleteGrant(ctx context.Context, subject string) error

	// MarkGrantExpired destroys the grant's refresh token and leaves an
	// expired tombstone in its place, so a later status check can
	// distinguish "never provisioned" from "grant expired".
	// Returns ErrGrantNotFound if no grant exists for the subject.
	MarkGrantExpired(ctx context.Context, subject string) error
}

// RegistrationStore persists the deployment's single client registration.
type RegistrationStore interface {
	// PutRegistrationIfAbsent stores the registration only if none exists
	// yet, and reports whether the write happened. When a registration is
	// already present the stored one is returned with created=false, so
	// concurrent first-time startups converge on a single registration.
	//
	// SECURITY: This check-and-set MUST be atomic. Two racing instances
	// must never both believe their registration won.
	PutRegistrationIfAbsent(ctx context.Context, reg *ClientRegistration) (stored *ClientRegistration, created bool, err error)

	// GetRegistration retrieves the stored registration.
	// Returns ErrRegistrationNotFound if none exists.
	GetRegistration(ctx context.Context) (*ClientRegistration, error)

	// DeleteRegistration removes the stored registration.
	// Deleting a missing registration is not an error.
	DeleteRegistration(ctx context.Context) error
}

// Store is the full Credential Store contract the broker consumes.
type Store interface {
	GrantStore
	RegistrationStore
}
