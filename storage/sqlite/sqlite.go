package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/cmsbridge/mcp-broker/security"
	"github.com/cmsbridge/mcp-broker/storage"
)

// registrationKey is the fixed primary key for the deployment's single
// client registration row.
const registrationKey = "deployment"

const schema = `
CREATE TABLE IF NOT EXISTS grants (
	subject         TEXT PRIMARY KEY,
	refresh_token   TEXT NOT NULL,
	audience        TEXT NOT NULL,
	scopes          TEXT NOT NULL,
	state           TEXT NOT NULL,
	created_at      TIMESTAMP NOT NULL,
	last_refresh_at TIMESTAMP NOT NULL,
	expired_at      TIMESTAMP
);

CREATE TABLE IF NOT EXISTS client_registrations (
	id               TEXT PRIMARY KEY,
	issuer           TEXT NOT NULL,
	client_id        TEXT NOT NULL,
	client_secret    TEXT NOT NULL,
	scopes           TEXT NOT NULL,
	management_token TEXT NOT NULL,
	management_uri   TEXT NOT NULL,
	created_at       TIMESTAMP NOT NULL
);
`

// Store is a SQLite-backed implementation of the Credential Store.
// It implements storage.GrantStore and storage.RegistrationStore.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	encryptor   *security.Encryptor
	encryptorMu sync.RWMutex
}

// Compile-time interface checks
var (
	_ storage.GrantStore        = (*Store)(nil)
	_ storage.RegistrationStore = (*Store)(nil)
	_ storage.Store             = (*Store)(nil)
)

// New opens (or creates) the database at dsn and applies the schema.
//
// SQLite serializes writers per connection, so the pool is capped at a
// single connection to avoid SQLITE_BUSY under concurrent writes.
func New(dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("sqlite dsn is required")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{
		db:     db,
		logger: slog.Default(),
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database connection is still alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
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
		s.logger.Info("Refresh token encryption at rest enabled for SQLite storage")
	}
}

func (s *Store) getEncryptor() *security.Encryptor {
	s.encryptorMu.RLock()
	defer s.encryptorMu.RUnlock()
	return s.encryptor
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

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO grants (subject, refresh_token, audience, scopes, state, created_at, last_refresh_at, expired_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(subject) DO UPDATE SET
			refresh_token   = excluded.refresh_token,
			audience        = excluded.audience,
			scopes          = excluded.scopes,
			state           = excluded.state,
			last_refresh_at = excluded.last_refresh_at,
			expired_at      = excluded.expired_at`,
		stored.Subject,
		stored.RefreshToken,
		stored.Audience,
		strings.Join(stored.Scopes, " "),
		string(stored.State),
		stored.CreatedAt,
		stored.LastRefreshAt,
		nullTime(stored.ExpiredAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save grant: %w", err)
	}

	s.logger.Debug("Saved grant", "subject", grant.Subject, "state", grant.State)
	return nil
}

// GetGrant retrieves the grant for a subject.
func (s *Store) GetGrant(ctx context.Context, subject string) (*storage.Grant, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT subject, refresh_token, audience, scopes, state, created_at, last_refresh_at, expired_at
		FROM grants WHERE subject = ?`, subject)

	grant, err := scanGrant(row)
	if err != nil {
		return nil, err
	}

	return storage.DecryptGrant(grant, s.getEncryptor())
}

// DeleteGrant removes the grant for a subject, tombstone included.
func (s *Store) DeleteGrant(ctx context.Context, subject string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM grants WHERE subject = ?`, subject); err != nil {
		return fmt.Errorf("failed to delete grant: %w", err)
	}
	return nil
}

// MarkGrantExpired destroys the refresh token and leaves an expired tombstone.
func (s *Store) MarkGrantExpired(ctx context.Context, subject string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE grants
		SET refresh_token = '', state = ?, expired_at = ?
		WHERE subject = ?`,
		string(storage.GrantExpired), time.Now(), subject)
	if err != nil {
		return fmt.Errorf("failed to mark grant expired: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to mark grant expired: %w", err)
	}
	if affected == 0 {
		return storage.ErrGrantNotFound
	}

	s.logger.Debug("Marked grant expired", "subject", subject)
	return nil
}

// PruneExpiredGrants removes expired-grant tombstones older than the retention.
// Callers are expected to run this periodically.
func (s *Store) PruneExpiredGrants(ctx context.Context, retention time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM grants
		WHERE state = ? AND expired_at IS NOT NULL AND expired_at < ?`,
		string(storage.GrantExpired), time.Now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("failed to prune expired grants: %w", err)
	}
	return res.RowsAffected()
}

// ============================================================
// RegistrationStore Implementation
// ============================================================

// PutRegistrationIfAbsent stores the registration only if none exists yet.
// Atomicity comes from the INSERT OR IGNORE on the fixed primary key: of two
// racing instances exactly one insert wins, the other reads the winner back.
func (s *Store) PutRegistrationIfAbsent(ctx context.Context, reg *storage.ClientRegistration) (*storage.ClientRegistration, bool, error) {
	if reg == nil || reg.ClientID == "" {
		return nil, false, fmt.Errorf("invalid registration")
	}

	stored, err := storage.EncryptRegistration(reg, s.getEncryptor())
	if err != nil {
		return nil, false, err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO client_registrations
			(id, issuer, client_id, client_secret, scopes, management_token, management_uri, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		registrationKey,
		stored.Issuer,
		stored.ClientID,
		stored.ClientSecret,
		strings.Join(stored.Scopes, " "),
		stored.ManagementToken,
		stored.ManagementURI,
		stored.CreatedAt,
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to save registration: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to save registration: %w", err)
	}
	if affected == 1 {
		s.logger.Info("Stored client registration", "client_id", reg.ClientID)
		return reg.Clone(), true, nil
	}

	existing, err := s.GetRegistration(ctx)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// GetRegistration retrieves the stored registration.
func (s *Store) GetRegistration(ctx context.Context) (*storage.ClientRegistration, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT issuer, client_id, client_secret, scopes, management_token, management_uri, created_at
		FROM client_registrations WHERE id = ?`, registrationKey)

	var reg storage.ClientRegistration
	var scopes string
	err := row.Scan(&reg.Issuer, &reg.ClientID, &reg.ClientSecret, &scopes,
		&reg.ManagementToken, &reg.ManagementURI, &reg.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrRegistrationNotFound
		}
		return nil, fmt.Errorf("failed to get registration: %w", err)
	}
	reg.Scopes = splitScopes(scopes)

	return storage.DecryptRegistration(&reg, s.getEncryptor())
}

// DeleteRegistration removes the stored registration.
func (s *Store) DeleteRegistration(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM client_registrations WHERE id = ?`, registrationKey); err != nil {
		return fmt.Errorf("failed to delete registration: %w", err)
	}
	return nil
}

// ============================================================
// Internal helpers
// ============================================================

func scanGrant(row *sql.Row) (*storage.Grant, error) {
	var g storage.Grant
	var scopes, state string
	var expiredAt sql.NullTime

	err := row.Scan(&g.Subject, &g.RefreshToken, &g.Audience, &scopes, &state,
		&g.CreatedAt, &g.LastRefreshAt, &expiredAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrGrantNotFound
		}
		return nil, fmt.Errorf("failed to get grant: %w", err)
	}

	g.Scopes = splitScopes(scopes)
	g.State = storage.GrantState(state)
	if expiredAt.Valid {
		g.ExpiredAt = expiredAt.Time
	}
	return &g, nil
}

func splitScopes(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return strings.Fields(s)
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}
