package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/cmsbridge/mcp-broker/security"
	"github.com/cmsbridge/mcp-broker/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "broker:"

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second
)

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "broker:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a Valkey-backed implementation of the Credential Store.
// It implements storage.GrantStore and storage.RegistrationStore.
type Store struct {
	client valkeygo.Client
	prefix string
	logger *slog.Logger

	// encryptor provides optional refresh-token encryption at rest
	encryptor   *security.Encryptor
	encryptorMu sync.RWMutex
}

// Compile-time interface checks
var (
	_ storage.GrantStore        = (*Store)(nil)
	_ storage.RegistrationStore = (*Store)(nil)
	_ storage.Store             = (*Store)(nil)
)

// New creates a new Valkey-backed storage instance.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client: client,
		prefix: prefix,
		logger: logger,
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// SetEncryptor sets the encryptor for refresh-token encryption at rest.
func (s *Store) SetEncryptor(enc *security.Encryptor) {
	s.encryptorMu.Lock()
	defer s.encryptorMu.Unlock()
	s.encryptor = enc
	if enc != nil && enc.IsEnabled() {
		s.logger.Info("Refresh token encryption at rest enabled for Valkey storage")
	}
}

func (s *Store) getEncryptor() *security.Encryptor {
	s.encryptorMu.RLock()
	defer s.encryptorMu.RUnlock()
	return s.encryptor
}

func (s *Store) grantKey(subject string) string {
	return s.prefix + "grant:" + subject
}

func (s *Store) registrationKey() string {
	return s.prefix + "registration"
}

// grantJSON is the wire representation of a stored grant.
type grantJSON struct {
	Subject       string   `json:"subject"`
	RefreshToken  string   `json:"refresh_token"`
	Audience      string   `json:"audience"`
	Scopes        []string `json:"scopes"`
	State         string   `json:"state"`
	CreatedAt     int64    `json:"created_at"`
	LastRefreshAt int64    `json:"last_refresh_at"`
	ExpiredAt     int64    `json:"expired_at,omitempty"`
}

func toGrantJSON(g *storage.Grant) *grantJSON {
	j := &grantJSON{
		Subject:       g.Subject,
		RefreshToken:  g.RefreshToken,
		Audience:      g.Audience,
		Scopes:        g.Scopes,
		State:         string(g.State),
		CreatedAt:     g.CreatedAt.Unix(),
		LastRefreshAt: g.LastRefreshAt.Unix(),
	}
	if !g.ExpiredAt.IsZero() {
		j.ExpiredAt = g.ExpiredAt.Unix()
	}
	return j
}

func fromGrantJSON(j *grantJSON) *storage.Grant {
	g := &storage.Grant{
		Subject:       j.Subject,
		RefreshToken:  j.RefreshToken,
		Audience:      j.Audience,
		Scopes:        j.Scopes,
		State:         storage.GrantState(j.State),
		CreatedAt:     time.Unix(j.CreatedAt, 0),
		LastRefreshAt: time.Unix(j.LastRefreshAt, 0),
	}
	if j.ExpiredAt != 0 {
		g.ExpiredAt = time.Unix(j.ExpiredAt, 0)
	}
	return g
}

// registrationJSON is the wire representation of a stored client registration.
type registrationJSON struct {
	Issuer          string   `json:"issuer"`
	ClientID        string   `json:"client_id"`
	ClientSecret    string   `json:"client_secret"`
	Scopes          []string `json:"scopes"`
	ManagementToken string   `json:"management_token"`
	ManagementURI   string   `json:"management_uri"`
	CreatedAt       int64    `json:"created_at"`
}

func toRegistrationJSON(r *storage.ClientRegistration) *registrationJSON {
	return &registrationJSON{
		Issuer:          r.Issuer,
		ClientID:        r.ClientID,
		ClientSecret:    r.ClientSecret,
		Scopes:          r.Scopes,
		ManagementToken: r.ManagementToken,
		ManagementURI:   r.ManagementURI,
		CreatedAt:       r.CreatedAt.Unix(),
	}
}

func fromRegistrationJSON(j *registrationJSON) *storage.ClientRegistration {
	return &storage.ClientRegistration{
		Issuer:          j.Issuer,
		ClientID:        j.ClientID,
		ClientSecret:    j.ClientSecret,
		Scopes:          j.Scopes,
		ManagementToken: j.ManagementToken,
		ManagementURI:   j.ManagementURI,
		CreatedAt:       time.Unix(j.CreatedAt, 0),
	}
}

// ============================================================
// GrantStore Implementation
// ============================================================

// PutGrant stores or replaces the grant for a subject.
func (s *Store) PutGrant(ctx context.Context, grant *storage.Grant) error {
	if grant == nil {
		return fmt.Errorf("grant cannot be nil")
	}
	if grant.Subject == "" {
		return fmt.Errorf("subject cannot be empty")
	}

	stored, err := storage.EncryptGrant(grant, s.getEncryptor())
	if err != nil {
		return err
	}

	data, err := json.Marshal(toGrantJSON(stored))
	if err != nil {
		return fmt.Errorf("failed to marshal grant: %w", err)
	}

	key := s.grantKey(grant.Subject)
	if err := s.client.Do(ctx, s.client.B().Set().Key(key).Value(string(data)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to save grant: %w", err)
	}

	s.logger.Debug("Saved grant", "subject", grant.Subject, "state", grant.State)
	return nil
}

// GetGrant retrieves the grant for a subject.
func (s *Store) GetGrant(ctx context.Context, subject string) (*storage.Grant, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.grantKey(subject)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrGrantNotFound
		}
		return nil, fmt.Errorf("failed to get grant: %w", err)
	}

	var j grantJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal grant: %w", err)
	}

	return storage.DecryptGrant(fromGrantJSON(&j), s.getEncryptor())
}

// DeleteGrant removes the grant for a subject, tombstone included.
func (s *Store) DeleteGrant(ctx context.Context, subject string) error {
	if err := s.client.Do(ctx, s.client.B().Del().Key(s.grantKey(subject)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete grant: %w", err)
	}
	return nil
}

// MarkGrantExpired destroys the refresh token and leaves an expired tombstone.
func (s *Store) MarkGrantExpired(ctx context.Context, subject string) error {
	grant, err := s.GetGrant(ctx, subject)
	if err != nil {
		return err
	}

	grant.RefreshToken = ""
	grant.State = storage.GrantExpired
	grant.ExpiredAt = time.Now()

	data, err := json.Marshal(toGrantJSON(grant))
	if err != nil {
		return fmt.Errorf("failed to marshal grant: %w", err)
	}

	if err := s.client.Do(ctx, s.client.B().Set().Key(s.grantKey(subject)).Value(string(data)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to mark grant expired: %w", err)
	}

	s.logger.Debug("Marked grant expired", "subject", subject)
	return nil
}

// ============================================================
// RegistrationStore Implementation
// ============================================================

// PutRegistrationIfAbsent stores the registration only if none exists yet.
// Atomicity comes from SET NX on the fixed registration key: of two racing
// instances exactly one write wins, the other reads the winner back.
func (s *Store) PutRegistrationIfAbsent(ctx context.Context, reg *storage.ClientRegistration) (*storage.ClientRegistration, bool, error) {
	if reg == nil || reg.ClientID == "" {
		return nil, false, fmt.Errorf("invalid registration")
	}

	stored, err := storage.EncryptRegistration(reg, s.getEncryptor())
	if err != nil {
		return nil, false, err
	}

	data, err := json.Marshal(toRegistrationJSON(stored))
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal registration: %w", err)
	}

	key := s.registrationKey()
	err = s.client.Do(ctx, s.client.B().Set().Key(key).Value(string(data)).Nx().Build()).Error()
	if err == nil {
		s.logger.Info("Stored client registration", "client_id", reg.ClientID)
		return reg.Clone(), true, nil
	}
	if !isNilError(err) {
		return nil, false, fmt.Errorf("failed to save registration: %w", err)
	}

	// SET NX returned nil: a registration already exists
	existing, err := s.GetRegistration(ctx)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// GetRegistration retrieves the stored registration.
func (s *Store) GetRegistration(ctx context.Context) (*storage.ClientRegistration, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.registrationKey()).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrRegistrationNotFound
		}
		return nil, fmt.Errorf("failed to get registration: %w", err)
	}

	var j registrationJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal registration: %w", err)
	}

	return storage.DecryptRegistration(fromRegistrationJSON(&j), s.getEncryptor())
}

// DeleteRegistration removes the stored registration.
func (s *Store) DeleteRegistration(ctx context.Context) error {
	if err := s.client.Do(ctx, s.client.B().Del().Key(s.registrationKey()).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete registration: %w", err)
	}
	return nil
}

// isNilError checks if an error represents a nil/missing key response
func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}
