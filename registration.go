package broker

import (
	"context"
	"errors"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/cmsbridge/mcp-broker/idp"
	"github.com/cmsbridge/mcp-broker/storage"
)

// registrationProvider is the slice of the identity provider adapter the
// registrar needs: RFC 7591/7592 calls plus credential installation.
// *idp.Adapter satisfies it.
type registrationProvider interface {
	Discover(ctx context.Context) (*idp.ProviderMetadata, error)
	RegisterClient(ctx context.Context, req *idp.ClientRegistrationRequest, initialAccessToken string) (*idp.ClientRegistrationResponse, error)
	DeregisterClient(ctx context.Context, registrationClientURI, registrationAccessToken string) error
	SetClientCredentials(clientID, clientSecret string)
}

// RegistrarConfig configures first-run dynamic client registration.
type RegistrarConfig struct {
	// ClientName is sent in the RFC 7591 request.
	ClientName string

	// Scopes the registration should cover (the union of every scope the
	// broker may request during provisioning or exchange).
	Scopes []string

	// InitialAccessToken authenticates the registration call on providers
	// with gated registration. Optional.
	InitialAccessToken string
}

// EnsureRegistration makes sure exactly one client registration exists for
// this deployment and installs its credentials into the adapter.
//
// Concurrent first-time startups across instances race through the store's
// compare-and-set: every instance registers optimistically, exactly one write
// wins, and losers deregister their duplicate and adopt the winner's record.
func (b *Broker) EnsureRegistration(ctx context.Context, provider registrationProvider, cfg RegistrarConfig) error {
	existing, err := b.store.GetRegistration(ctx)
	if err == nil {
		provider.SetClientCredentials(existing.ClientID, existing.ClientSecret)
		b.logger.Info("Using stored client registration", "client_id", existing.ClientID)
		return nil
	}
	if !errors.Is(err, storage.ErrRegistrationNotFound) {
		return newTransient("credential store unavailable", err)
	}

	meta, err := provider.Discover(ctx)
	if err != nil {
		return newTransient("identity provider discovery failed", err)
	}

	resp, err := provider.RegisterClient(ctx, &idp.ClientRegistrationRequest{
		ClientName:              cfg.ClientName,
		RedirectURIs:            []string{b.cfg.RedirectURI},
		GrantTypes:              []string{"authorization_code", "refresh_token", "urn:ietf:params:oauth:grant-type:token-exchange"},
		ResponseTypes:           []string{"code"},
		TokenEndpointAuthMethod: "client_secret_basic",
		Scope:                   joinScopes(cfg.Scopes),
	}, cfg.InitialAccessToken)
	if err != nil {
		return newTransient("dynamic client registration failed", err)
	}

	record := &storage.ClientRegistration{
		Issuer:        meta.Issuer,
		ClientID:      resp.ClientID,
		ClientSecret:  resp.ClientSecret,
		Scopes:        cfg.Scopes,
		ManagementURI: resp.RegistrationClientURI,
		CreatedAt:     time.Now(),
	}
	// SECURITY: the RFC 7592 management token is never persisted raw. Only a
	// bcrypt hash is stored; deregistration requires the operator to present
	// the token, and this instance keeps it in memory for race cleanup only.
	if resp.RegistrationAccessToken != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(resp.RegistrationAccessToken), bcrypt.DefaultCost)
		if err != nil {
			return newInternal("failed to hash the registration management token", err)
		}
		record.ManagementToken = string(hash)
	}

	stored, created, err := b.store.PutRegistrationIfAbsent(ctx, record)
	if err != nil {
		return newTransient("failed to persist the client registration", err)
	}

	if !created {
		// Another instance won the race. Drop our duplicate registration at
		// the provider and adopt the committed record.
		b.logger.Info("Adopting client registration from another instance",
			"client_id", stored.ClientID)
		if resp.RegistrationClientURI != "" {
			if derr := provider.DeregisterClient(ctx, resp.RegistrationClientURI, resp.RegistrationAccessToken); derr != nil {
				b.logger.Warn("Failed to clean up duplicate registration",
					"client_id", resp.ClientID, "error", derr)
			}
		}
		provider.SetClientCredentials(stored.ClientID, stored.ClientSecret)
		return nil
	}

	provider.SetClientCredentials(resp.ClientID, resp.ClientSecret)
	b.auditor.LogClientRegistered(resp.ClientID, meta.Issuer)
	b.logger.Info("Registered broker client at identity provider",
		"client_id", resp.ClientID, "issuer", meta.Issuer)
	return nil
}

// Deregister deletes the deployment's client registration at the provider and
// in the store. managementToken must be the RFC 7592 registration access
// token returned at registration time; it is verified against the stored
// bcrypt hash before anything is deleted.
func (b *Broker) Deregister(ctx context.Context, provider registrationProvider, managementToken string) error {
	record, err := b.store.GetRegistration(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrRegistrationNotFound) {
			return newNotProvisioned("no client registration exists", err)
		}
		return newTransient("credential store unavailable", err)
	}

	if record.ManagementToken != "" {
		if bcrypt.CompareHashAndPassword([]byte(record.ManagementToken), []byte(managementToken)) != nil {
			return newForbidden("management token does not match the stored registration", nil)
		}
	}

	if record.ManagementURI != "" {
		if err := provider.DeregisterClient(ctx, record.ManagementURI, managementToken); err != nil {
			return newTransient("deregistration at the identity provider failed", err)
		}
	}

	if err := b.store.DeleteRegistration(ctx); err != nil {
		return newTransient("failed to delete the stored registration", err)
	}
	b.logger.Info("Client registration deleted", "client_id", record.ClientID)
	return nil
}

func joinScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}
