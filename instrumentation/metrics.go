package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments for the broker
type Metrics struct {
	// Broker Metrics
	ResolutionsTotal       metric.Int64Counter
	ResolutionDuration     metric.Float64Histogram
	RefreshTotal           metric.Int64Counter
	ExchangeDeniedTotal    metric.Int64Counter
	ProvisioningStarted    metric.Int64Counter
	ProvisioningCompleted  metric.Int64Counter
	ProvisioningRevoked    metric.Int64Counter
	GuardRejectionsTotal   metric.Int64Counter
	CredentialCacheLookups metric.Int64Counter

	// Identity Provider Metrics
	IdPCallsTotal   metric.Int64Counter
	IdPCallDuration metric.Float64Histogram
	IdPCallErrors   metric.Int64Counter

	// Storage Metrics
	StorageOperationTotal     metric.Int64Counter
	StorageOperationDuration  metric.Float64Histogram
	StorageGrantsCount        metric.Int64ObservableGauge
	StorageRegistrationsCount metric.Int64ObservableGauge

	// Security Metrics
	RateLimitExceeded         metric.Int64Counter
	AuditEventsTotal          metric.Int64Counter
	EncryptionOperationsTotal metric.Int64Counter
	EncryptionDuration        metric.Float64Histogram
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}

	brokerMeter := inst.Meter("broker")
	idpMeter := inst.Meter("idp")
	storageMeter := inst.Meter("storage")
	securityMeter := inst.Meter("security")

	var err error
	m.ResolutionsTotal, err = brokerMeter.Int64Counter(
		"broker.resolutions.total",
		metric.WithDescription("Total number of credential resolutions"),
		metric.WithUnit("{resolution}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resolutions.total counter: %w", err)
	}

	m.ResolutionDuration, err = brokerMeter.Float64Histogram(
		"broker.resolution.duration",
		metric.WithDescription("Credential resolution duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resolution.duration histogram: %w", err)
	}

	m.RefreshTotal, err = brokerMeter.Int64Counter(
		"broker.refresh.total",
		metric.WithDescription("Number of offline-grant refresh attempts"),
		metric.WithUnit("{refresh}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create refresh.total counter: %w", err)
	}

	m.ExchangeDeniedTotal, err = brokerMeter.Int64Counter(
		"broker.exchange.denied",
		metric.WithDescription("Number of token exchange denials from the identity provider"),
		metric.WithUnit("{denial}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create exchange.denied counter: %w", err)
	}

	m.ProvisioningStarted, err = brokerMeter.Int64Counter(
		"broker.provisioning.started",
		metric.WithDescription("Number of provisioning flows started"),
		metric.WithUnit("{flow}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create provisioning.started counter: %w", err)
	}

	m.ProvisioningCompleted, err = brokerMeter.Int64Counter(
		"broker.provisioning.completed",
		metric.WithDescription("Number of provisioning flows completed"),
		metric.WithUnit("{flow}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create provisioning.completed counter: %w", err)
	}

	m.ProvisioningRevoked, err = brokerMeter.Int64Counter(
		"broker.provisioning.revoked",
		metric.WithDescription("Number of offline grants revoked"),
		metric.WithUnit("{revocation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create provisioning.revoked counter: %w", err)
	}

	m.GuardRejectionsTotal, err = brokerMeter.Int64Counter(
		"broker.guard.rejections",
		metric.WithDescription("Number of requests rejected by the authorization guard"),
		metric.WithUnit("{rejection}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create guard.rejections counter: %w", err)
	}

	m.CredentialCacheLookups, err = brokerMeter.Int64Counter(
		"broker.credential_cache.lookups",
		metric.WithDescription("Delegated credential cache lookups by result"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create credential_cache.lookups counter: %w", err)
	}

	m.IdPCallsTotal, err = idpMeter.Int64Counter(
		"idp.calls.total",
		metric.WithDescription("Total number of identity provider calls"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create idp.calls.total counter: %w", err)
	}

	m.IdPCallDuration, err = idpMeter.Float64Histogram(
		"idp.call.duration",
		metric.WithDescription("Identity provider call duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create idp.call.duration histogram: %w", err)
	}

	m.IdPCallErrors, err = idpMeter.Int64Counter(
		"idp.call.errors",
		metric.WithDescription("Total number of identity provider call errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create idp.call.errors counter: %w", err)
	}

	m.StorageOperationTotal, err = storageMeter.Int64Counter(
		"storage.operation.total",
		metric.WithDescription("Total number of storage operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.total counter: %w", err)
	}

	m.StorageOperationDuration, err = storageMeter.Float64Histogram(
		"storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.duration histogram: %w", err)
	}

	m.StorageGrantsCount, err = storageMeter.Int64ObservableGauge(
		"storage.grants.count",
		metric.WithDescription("Number of stored offline grants"),
		metric.WithUnit("{grant}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.grants.count gauge: %w", err)
	}

	m.StorageRegistrationsCount, err = storageMeter.Int64ObservableGauge(
		"storage.registrations.count",
		metric.WithDescription("Number of stored client registrations"),
		metric.WithUnit("{registration}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.registrations.count gauge: %w", err)
	}

	m.RateLimitExceeded, err = securityMeter.Int64Counter(
		"broker.rate_limit.exceeded",
		metric.WithDescription("Number of rate limit violations"),
		metric.WithUnit("{violation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate_limit.exceeded counter: %w", err)
	}

	m.AuditEventsTotal, err = securityMeter.Int64Counter(
		"broker.audit.events.total",
		metric.WithDescription("Total number of audit events"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit.events.total counter: %w", err)
	}

	m.EncryptionOperationsTotal, err = securityMeter.Int64Counter(
		"broker.encryption.operations.total",
		metric.WithDescription("Total number of encryption/decryption operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create encryption.operations.total counter: %w", err)
	}

	m.EncryptionDuration, err = securityMeter.Float64Histogram(
		"broker.encryption.duration",
		metric.WithDescription("Encryption/decryption operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create encryption.duration histogram: %w", err)
	}

	return m, nil
}

// Helper methods for common metric recording patterns

// RecordResolution records a credential resolution by mode and outcome
func (m *Metrics) RecordResolution(ctx context.Context, mode, outcome string, durationMs float64) {
	attrs := []attribute.KeyValue{
		attribute.String("mode", mode),
		attribute.String("outcome", outcome),
	}

	m.ResolutionsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.ResolutionDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String("mode", mode)))
}

// RecordRefresh records an offline-grant refresh attempt
func (m *Metrics) RecordRefresh(ctx context.Context, outcome string, rotated bool) {
	m.RefreshTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.Bool("rotated", rotated),
	))
}

// RecordExchangeDenied records a token exchange denial
func (m *Metrics) RecordExchangeDenied(ctx context.Context) {
	m.ExchangeDeniedTotal.Add(ctx, 1)
}

// RecordProvisioningStarted records the start of a provisioning flow
func (m *Metrics) RecordProvisioningStarted(ctx context.Context) {
	m.ProvisioningStarted.Add(ctx, 1)
}

// RecordProvisioningCompleted records a completed provisioning flow
func (m *Metrics) RecordProvisioningCompleted(ctx context.Context) {
	m.ProvisioningCompleted.Add(ctx, 1)
}

// RecordProvisioningRevoked records a grant revocation
func (m *Metrics) RecordProvisioningRevoked(ctx context.Context) {
	m.ProvisioningRevoked.Add(ctx, 1)
}

// RecordGuardRejection records a guard rejection by error kind
func (m *Metrics) RecordGuardRejection(ctx context.Context, kind string) {
	m.GuardRejectionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
	))
}

// RecordCredentialCacheLookup records a delegated credential cache lookup
func (m *Metrics) RecordCredentialCacheLookup(ctx context.Context, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CredentialCacheLookups.Add(ctx, 1, metric.WithAttributes(
		attribute.String("result", result),
	))
}

// RecordIdPCall records an identity provider call
func (m *Metrics) RecordIdPCall(ctx context.Context, operation string, durationMs float64, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("operation", operation),
	}

	m.IdPCallsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.IdPCallDuration.Record(ctx, durationMs, metric.WithAttributes(attrs...))

	if err != nil {
		m.IdPCallErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordStorageOperation records a storage operation
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	attrs := []attribute.KeyValue{
		attribute.String("operation", operation),
		attribute.String("result", result),
	}

	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}

// RecordRateLimitExceeded records a rate limit violation
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, limiterType string) {
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("limiter_type", limiterType),
	))
}

// RecordAuditEvent records an audit event
func (m *Metrics) RecordAuditEvent(ctx context.Context, eventType string) {
	m.AuditEventsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
	))
}

// RecordEncryptionOperation records an encryption/decryption operation
func (m *Metrics) RecordEncryptionOperation(ctx context.Context, operation string, durationMs float64) {
	attrs := []attribute.KeyValue{
		attribute.String("operation", operation),
	}

	m.EncryptionOperationsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.EncryptionDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}
