package security

import "errors"

var (
	// ErrPermissionDenied — capability or entity-restriction failure. Never
	// retried; surfaced to the caller as a rejection.
	ErrPermissionDenied = errors.New("security: permission denied")

	// ErrRateLimited — category window exhausted. The caller must wait for
	// the window to reset.
	ErrRateLimited = errors.New("security: rate limited")

	// ErrLockedOut — failed-attempt lockout is active across all categories.
	ErrLockedOut = errors.New("security: locked out")

	// ErrSuspiciousActivity — the abuse heuristics tripped; requires manual
	// clearing of the flag.
	ErrSuspiciousActivity = errors.New("security: suspicious activity blocked")

	// ErrTokenInvalid — capability token missing, expired, or bound to a
	// different operation or scope. The caller must re-authorize.
	ErrTokenInvalid = errors.New("security: token invalid or expired")

	// ErrNoSession — verification was required but no valid session exists.
	ErrNoSession = errors.New("security: no valid verification session")
)
