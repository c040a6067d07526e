package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Common span attribute keys
//
// SECURITY WARNING: Never log actual sensitive values (access tokens, refresh
// tokens, client secrets, etc.) in traces or metrics. Only log metadata such
// as operation names, modes, error kinds, and validation results. Traces are
// often persisted for extended periods, accessible to wider audiences than
// production systems, and replicated across monitoring infrastructure.
const (
	// Broker attributes - SAFE to use for metadata only
	AttrSubject        = "broker.subject"         // Subject identifier (non-secret)
	AttrOperation      = "broker.operation"       // Requested operation name
	AttrResolutionMode = "broker.resolution_mode" // passthrough, exchanged, or provisioned
	AttrAudience       = "broker.audience"        // Target audience identifier
	AttrScope          = "broker.scope"           // Requested scopes
	AttrErrorKind      = "broker.error_kind"      // Error kind on rejection
	AttrGrantState     = "broker.grant_state"     // Offline grant state

	// Storage attributes
	AttrStorageOperation = "storage.operation"
	AttrStorageResult    = "storage.result"
	AttrStorageType      = "storage.type"

	// Identity provider attributes
	AttrIdPIssuer    = "idp.issuer"
	AttrIdPOperation = "idp.operation"
	AttrIdPStatus    = "idp.status"

	// Security attributes
	AttrRateLimiterType     = "security.rate_limiter.type"
	AttrAuditEventType      = "security.audit.event_type"
	AttrEncryptionOperation = "security.encryption.operation"
)

// RecordError records an error on a span with proper status codes (nil-safe)
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful (nil-safe)
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanError sets an error status on a span (nil-safe)
func SetSpanError(span trace.Span, message string) {
	if span != nil {
		span.SetStatus(codes.Error, message)
	}
}

// SetSpanAttributes sets attributes on a span (nil-safe)
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddResolutionAttributes adds common credential resolution attributes to a span (nil-safe)
func AddResolutionAttributes(span trace.Span, subject, operation, mode string) {
	if subject != "" {
		SetSpanAttributes(span, attribute.String(AttrSubject, subject))
	}
	if operation != "" {
		SetSpanAttributes(span, attribute.String(AttrOperation, operation))
	}
	if mode != "" {
		SetSpanAttributes(span, attribute.String(AttrResolutionMode, mode))
	}
}

// AddStorageAttributes adds storage operation attributes to a span (nil-safe)
func AddStorageAttributes(span trace.Span, operation, storageType string) {
	SetSpanAttributes(span,
		attribute.String(AttrStorageOperation, operation),
		attribute.String(AttrStorageType, storageType),
	)
}

// AddIdPAttributes adds identity provider attributes to a span (nil-safe)
func AddIdPAttributes(span trace.Span, issuer, operation string) {
	SetSpanAttributes(span,
		attribute.String(AttrIdPIssuer, issuer),
		attribute.String(AttrIdPOperation, operation),
	)
}
