package broker

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies broker failures for callers. The kind decides both the
// status a transport layer should use and whether the caller can retry
// (only KindTransient) or must reauthorize.
type Kind string

const (
	// KindUnauthenticated means the session token is missing, malformed,
	// expired, or carries the wrong audience. Never retried.
	KindUnauthenticated Kind = "unauthenticated"

	// KindForbidden means the scope policy denied the operation, or the
	// identity provider refused the requested audience/scope combination.
	// Never retried.
	KindForbidden Kind = "forbidden"

	// KindNotProvisioned means the operation needs an offline-access grant
	// that does not exist (or was invalidated). The caller must run the
	// provisioning flow.
	KindNotProvisioned Kind = "not_provisioned"

	// KindInvalidGrant means the identity provider rejected a stored refresh
	// token or authorization code. The associated grant is deleted before
	// this surfaces.
	KindInvalidGrant Kind = "invalid_grant"

	// KindExchangeDenied means the identity provider refused a token
	// exchange for the requested audience/scope combination.
	KindExchangeDenied Kind = "exchange_denied"

	// KindTransient covers discovery failures and transport errors after the
	// bounded retry is exhausted. Callers may try again.
	KindTransient Kind = "transient"

	// KindInternal covers programming errors and unexpected states.
	KindInternal Kind = "internal"
)

// Error is the caller-visible broker error. Description is safe to show to
// the original caller: constructors never copy refresh tokens, client
// secrets, or upstream error bodies into it.
type Error struct {
	Kind        Kind
	Description string
	// Hint optionally tells the caller how to recover (e.g. invoke the
	// provisioning tool). May be empty.
	Hint string

	err error // wrapped cause, for logs only
}

func (e *Error) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Description, e.Hint)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Description)
}

// Unwrap exposes the internal cause for errors.Is/As chains. The cause is
// for logging and tests; transports must serialize Description/Hint only.
func (e *Error) Unwrap() error { return e.err }

// Is matches two broker errors by kind, so callers can compare against the
// exported kind sentinels without caring about descriptions.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Kind == other.Kind
}

// HTTPStatus maps the error kind to a transport status code.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindForbidden, KindNotProvisioned, KindExchangeDenied, KindInvalidGrant:
		return http.StatusForbidden
	case KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Kind sentinels for errors.Is comparisons.
var (
	ErrUnauthenticated = &Error{Kind: KindUnauthenticated}
	ErrForbidden       = &Error{Kind: KindForbidden}
	ErrNotProvisioned  = &Error{Kind: KindNotProvisioned}
	ErrInvalidGrant    = &Error{Kind: KindInvalidGrant}
	ErrExchangeDenied  = &Error{Kind: KindExchangeDenied}
	ErrTransient       = &Error{Kind: KindTransient}
)

func newUnauthenticated(desc string, cause error) *Error {
	return &Error{Kind: KindUnauthenticated, Description: desc, err: cause}
}

func newForbidden(desc string, cause error) *Error {
	return &Error{Kind: KindForbidden, Description: desc, err: cause}
}

func newNotProvisioned(desc string, cause error) *Error {
	return &Error{
		Kind:        KindNotProvisioned,
		Description: desc,
		Hint:        "invoke the provision_account tool to authorize offline access",
		err:         cause,
	}
}

func newTransient(desc string, cause error) *Error {
	return &Error{Kind: KindTransient, Description: desc, err: cause}
}

func newInternal(desc string, cause error) *Error {
	return &Error{Kind: KindInternal, Description: desc, err: cause}
}
