package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/cmsbridge/mcp-broker/instrumentation"
	"github.com/cmsbridge/mcp-broker/security"
	"github.com/cmsbridge/mcp-broker/storage"
)

const (
	// DefaultCleanupInterval is how often expired tombstones are pruned
	DefaultCleanupInterval = time.Minute

	// DefaultTombstoneRetention is how long expired-grant tombstones are kept
	// so status checks can report that re-provisioning is required
	DefaultTombstoneRetention = 30 * 24 * time.Hour
)

// Store is an in-memory implementation of the Credential Store.
// It implements storage.GrantStore and storage.RegistrationStore.
type Store struct {
	mu sync.RWMutex

	// Offline grants keyed by subject (refresh token encrypted at rest
	// if encryptor is set). Expired tombstones live in the same map.
	grants map[string]*storage.Grant

	// The deployment's single client registration
	registration *storage.ClientRegistration

	// Security
	encryptor *security.Encryptor

	// Instrumentation
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
	meter           metric.Meter

	// Atomic counters for metrics (lock-free access during metric collection)
	grantsCountAtomic        atomic.Int64
	registrationsCountAtomic atomic.Int64

	// Cleanup
	cleanupInterval    time.Duration
	tombstoneRetention time.Duration
	stopCleanup        chan struct{}
	logger             *slog.Logger
}

// Compile-time interface checks
var (
	_ storage.GrantStore        = (*Store)(nil)
	_ storage.RegistrationStore = (*Store)(nil)
	_ storage.Store             = (*Store)(nil)
)

// New creates a new in-memory store with the default cleanup interval.
func New() *Store {
	return NewWithInterval(DefaultCleanupInterval)
}

// NewWithInterval creates a new in-memory store with a custom cleanup interval.
// If cleanupInterval is 0 or negative, the default of 1 minute is used.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = DefaultCleanupInterval
	}

	s := &Store{
		grants:             make(map[string]*storage.Grant),
		cleanupInterval:    cleanupInterval,
		tombstoneRetention: DefaultTombstoneRetention,
		stopCleanup:        make(chan struct{}),
		logger:             slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetEncryptor sets the encryptor for refresh-token encryption at rest
func (s *Store) SetEncryptor(enc *security.Encryptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.encryptor = enc
	if enc != nil && enc.IsEnabled() {
		s.logger.Info("Refresh token encryption at rest enabled for storage")
	}
}

// SetTombstoneRetention sets how long expired-grant tombstones are kept.
func (s *Store) SetTombstoneRetention(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d > 0 {
		s.tombstoneRetention = d
	}
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
		s.meter = inst.Meter("storage")
	}

	s.grantsCountAtomic.Store(int64(len(s.grants)))
	if s.registration != nil {
		s.registrationsCountAtomic.Store(1)
	}
	s.mu.Unlock()

	if inst != nil {
		err := inst.RegisterStorageSizeCallbacks(
			func() int64 { return s.grantsCountAtomic.Load() },
			func() int64 { return s.registrationsCountAtomic.Load() },
		)
		if err != nil {
			s.logger.Warn("Failed to register storage size callbacks", "error", err)
		}
	}
}

// Stop gracefully stops the cleanup goroutine
func (s *Store) Stop() {
	close(s.stopCleanup)
}

// ============================================================
// GrantStore Implementation
// ============================================================

// PutGrant stores or replaces the grant for a subject with optional encryption.
func (s *Store) PutGrant(ctx context.Context, grant *storage.Grant) error {
	ctx, span := s.startStorageSpan(ctx, "put_grant")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "put_grant", err, startTime)
	}()

	if grant == nil {
		err = fmt.Errorf("grant cannot be nil")
		return err
	}
	if grant.Subject == "" {
		err = fmt.Errorf("subject cannot be empty")
		return err
	}

	stored, err := storage.EncryptGrant(grant, s.getEncryptor())
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.grants[grant.Subject]
	s.grants[grant.Subject] = stored.Clone()
	if !existed {
		s.grantsCountAtomic.Add(1)
	}

	s.logger.Debug("Saved grant", "subject", grant.Subject, "state", grant.State)
	return nil
}

// GetGrant retrieves the grant for a subject, decrypting the refresh token when needed.
func (s *Store) GetGrant(ctx context.Context, subject string) (*storage.Grant, error) {
	ctx, span := s.startStorageSpan(ctx, "get_grant")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "get_grant", err, startTime)
	}()

	s.mu.RLock()
	grant, ok := s.grants[subject]
	s.mu.RUnlock()

	if !ok {
		err = storage.ErrGrantNotFound
		return nil, err
	}

	var out *storage.Grant
	out, err = storage.DecryptGrant(grant, s.getEncryptor())
	if err != nil {
		return nil, err
	}
	return out.Clone(), nil
}

// DeleteGrant removes the grant for a subject, tombstone included.
func (s *Store) DeleteGrant(ctx context.Context, subject string) error {
	ctx, span := s.startStorageSpan(ctx, "delete_grant")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "delete_grant", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.grants[subject]; ok {
		delete(s.grants, subject)
		s.grantsCountAtomic.Add(-1)
		s.logger.Debug("Deleted grant", "subject", subject)
	}
	return nil
}

// MarkGrantExpired destroys the refresh token and leaves an expired tombstone.
func (s *Store) MarkGrantExpired(ctx context.Context, subject string) error {
	ctx, span := s.startStorageSpan(ctx, "mark_grant_expired")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "mark_grant_expired", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	grant, ok := s.grants[subject]
	if !ok {
		err = storage.ErrGrantNotFound
		return err
	}

	tombstone := grant.Clone()
	tombstone.RefreshToken = ""
	tombstone.State = storage.GrantExpired
	tombstone.ExpiredAt = time.Now()
	s.grants[subject] = tombstone

	s.logger.Debug("Marked grant expired", "subject", subject)
	return nil
}

// ============================================================
// RegistrationStore Implementation
// ============================================================

// PutRegistrationIfAbsent stores the registration only if none exists yet.
// The check-and-set happens under the store lock, so concurrent first-time
// startups converge on a single registration.
func (s *Store) PutRegistrationIfAbsent(ctx context.Context, reg *storage.ClientRegistration) (*storage.ClientRegistration, bool, error) {
	ctx, span := s.startStorageSpan(ctx, "put_registration")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "put_registration", err, startTime)
	}()

	if reg == nil || reg.ClientID == "" {
		err = fmt.Errorf("invalid registration")
		return nil, false, err
	}

	enc := s.getEncryptor()
	stored, err := storage.EncryptRegistration(reg, enc)
	if err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.registration != nil {
		var existing *storage.ClientRegistration
		existing, err = storage.DecryptRegistration(s.registration, enc)
		if err != nil {
			return nil, false, err
		}
		return existing.Clone(), false, nil
	}

	s.registration = stored.Clone()
	s.registrationsCountAtomic.Store(1)
	s.logger.Info("Stored client registration", "client_id", reg.ClientID)
	return reg.Clone(), true, nil
}

// GetRegistration retrieves the stored registration.
func (s *Store) GetRegistration(ctx context.Context) (*storage.ClientRegistration, error) {
	ctx, span := s.startStorageSpan(ctx, "get_registration")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "get_registration", err, startTime)
	}()

	s.mu.RLock()
	reg := s.registration
	s.mu.RUnlock()

	if reg == nil {
		err = storage.ErrRegistrationNotFound
		return nil, err
	}

	var out *storage.ClientRegistration
	out, err = storage.DecryptRegistration(reg, s.getEncryptor())
	if err != nil {
		return nil, err
	}
	return out.Clone(), nil
}

// DeleteRegistration removes the stored registration.
func (s *Store) DeleteRegistration(ctx context.Context) error {
	ctx, span := s.startStorageSpan(ctx, "delete_registration")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "delete_registration", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.registration != nil {
		s.registration = nil
		s.registrationsCountAtomic.Store(0)
		s.logger.Info("Deleted client registration")
	}
	return nil
}

// ============================================================
// Internal helpers
// ============================================================

func (s *Store) getEncryptor() *security.Encryptor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.encryptor
}

// startStorageSpan starts a tracing span for a storage operation (nil-safe)
func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	s.mu.RLock()
	tracer := s.tracer
	s.mu.RUnlock()

	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	ctx, span := tracer.Start(ctx, "storage."+operation)
	instrumentation.AddStorageAttributes(span, operation, "memory")
	return ctx, span
}

// recordStorageOperation records metrics and span status for a storage operation
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	s.mu.RLock()
	inst := s.instrumentation
	s.mu.RUnlock()

	if err != nil {
		instrumentation.RecordError(span, err)
	} else {
		instrumentation.SetSpanSuccess(span)
	}

	if inst == nil {
		return
	}

	result := "success"
	if err != nil {
		result = "error"
		if err == storage.ErrGrantNotFound || err == storage.ErrRegistrationNotFound {
			result = "not_found"
		}
	}
	inst.Metrics().RecordStorageOperation(ctx, operation, result, float64(time.Since(startTime).Milliseconds()))
}

// cleanupLoop periodically prunes expired tombstones past their retention.
func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCleanup:
			return
		}
	}
}

func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	removed := 0
	for subject, grant := range s.grants {
		if grant.State == storage.GrantExpired && !grant.ExpiredAt.IsZero() &&
			now.Sub(grant.ExpiredAt) > s.tombstoneRetention {
			delete(s.grants, subject)
			s.grantsCountAtomic.Add(-1)
			removed++
		}
	}

	if removed > 0 {
		s.logger.Debug("Cleaned up expired grant tombstones", "removed", removed)
	}
}
