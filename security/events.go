package security

// Event type constants for security audit logging.
// These constants ensure consistency across the codebase and prevent typos
// when logging security-relevant events.
const (
	// Provisioning lifecycle events

	// EventProvisioningStarted is logged when a provisioning flow is initiated for a subject
	EventProvisioningStarted = "provisioning_started"

	// EventProvisioningCompleted is logged when an authorization callback completes provisioning
	EventProvisioningCompleted = "provisioning_completed"

	// EventProvisioningRevoked is logged when a subject's grant is revoked
	EventProvisioningRevoked = "provisioning_revoked"

	// EventGrantExpired is logged when a provisioned grant becomes permanently invalid
	EventGrantExpired = "grant_expired"

	// Credential resolution events

	// EventCredentialIssued is logged when a delegated credential is minted for an upstream call
	EventCredentialIssued = "credential_issued"

	// EventTokenRefreshed is logged when a provisioned refresh token is redeemed
	EventTokenRefreshed = "token_refreshed"

	// EventRefreshFailed is logged when a refresh attempt is rejected by the identity provider
	EventRefreshFailed = "refresh_failed"

	// EventExchangeDenied is logged when the identity provider refuses a token exchange
	EventExchangeDenied = "exchange_denied"

	// Security violation events

	// EventAuthFailure is logged when session token verification fails
	EventAuthFailure = "auth_failure"

	// EventScopeDenied is logged when a session token lacks the scope an operation requires
	EventScopeDenied = "scope_denied"

	// EventAudienceMismatch is logged when a session token carries the wrong audience
	EventAudienceMismatch = "audience_mismatch"

	// EventScopeEscalationAttempt is logged when a requested credential exceeds the session's scopes
	EventScopeEscalationAttempt = "scope_escalation_attempt"

	// EventRateLimitExceeded is logged when a rate limit is exceeded
	EventRateLimitExceeded = "rate_limit_exceeded"

	// Registration events

	// EventClientRegistered is logged when the broker registers itself with the identity provider
	EventClientRegistered = "client_registered"

	// EventRegistrationAdopted is logged when an instance adopts a registration another instance won
	EventRegistrationAdopted = "registration_adopted"
)
