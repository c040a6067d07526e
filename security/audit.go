package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Auditor handles security event logging with PII protection.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
	}
}

// Event represents a security audit event
type Event struct {
	Type      string
	Subject   string
	Operation string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event with hashed PII
func (a *Auditor) LogEvent(event Event) {
	if !a.enabled {
		return
	}

	event.Timestamp = time.Now()

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"subject_hash", hashForLogging(event.Subject),
		"operation", event.Operation,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogProvisioningStarted logs when a provisioning flow is initiated
func (a *Auditor) LogProvisioningStarted(subject string, scopes []string) {
	a.LogEvent(Event{
		Type:    EventProvisioningStarted,
		Subject: subject,
		Details: map[string]any{
			"scopes": scopes,
		},
	})
}

// LogProvisioningCompleted logs when an authorization callback completes provisioning
func (a *Auditor) LogProvisioningCompleted(subject string, scopes []string) {
	a.LogEvent(Event{
		Type:    EventProvisioningCompleted,
		Subject: subject,
		Details: map[string]any{
			"scopes": scopes,
		},
	})
}

// LogProvisioningRevoked logs when a subject's grant is revoked
func (a *Auditor) LogProvisioningRevoked(subject string) {
	a.LogEvent(Event{
		Type:    EventProvisioningRevoked,
		Subject: subject,
	})
}

// LogGrantExpired logs when a grant becomes permanently invalid
func (a *Auditor) LogGrantExpired(subject, reason string) {
	a.LogEvent(Event{
		Type:    EventGrantExpired,
		Subject: subject,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogTokenRefreshed logs when a provisioned refresh token is redeemed
func (a *Auditor) LogTokenRefreshed(subject string, rotated bool) {
	a.LogEvent(Event{
		Type:    EventTokenRefreshed,
		Subject: subject,
		Details: map[string]any{
			"rotated": rotated,
		},
	})
}

// LogRefreshFailed logs a refresh rejection from the identity provider
func (a *Auditor) LogRefreshFailed(subject, reason string) {
	a.LogEvent(Event{
		Type:    EventRefreshFailed,
		Subject: subject,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogExchangeDenied logs when the identity provider refuses a token exchange
func (a *Auditor) LogExchangeDenied(subject, operation string, scopes []string) {
	a.LogEvent(Event{
		Type:      EventExchangeDenied,
		Subject:   subject,
		Operation: operation,
		Details: map[string]any{
			"scopes": scopes,
		},
	})
}

// LogAuthFailure logs a session token verification failure
func (a *Auditor) LogAuthFailure(subject, reason string) {
	a.LogEvent(Event{
		Type:    EventAuthFailure,
		Subject: subject,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogScopeDenied logs a scope rejection for an operation
func (a *Auditor) LogScopeDenied(subject, operation, requiredScope string) {
	a.LogEvent(Event{
		Type:      EventScopeDenied,
		Subject:   subject,
		Operation: operation,
		Details: map[string]any{
			"required_scope": requiredScope,
		},
	})
}

// LogRateLimitExceeded logs a rate limit violation
func (a *Auditor) LogRateLimitExceeded(subject string) {
	a.LogEvent(Event{
		Type:    EventRateLimitExceeded,
		Subject: subject,
	})
}

// LogClientRegistered logs when the broker registers with the identity provider
func (a *Auditor) LogClientRegistered(clientID, issuer string) {
	a.LogEvent(Event{
		Type: EventClientRegistered,
		Details: map[string]any{
			"client_id": clientID,
			"issuer":    issuer,
		},
	})
}

// hashForLogging creates a SHA256 hash of sensitive data for logging
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
