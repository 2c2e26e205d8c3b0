package gateway

import "errors"

// Sentinel errors for the gateway domain. Each maps to exactly one pipeline
// terminal state and one HTTP status; see internal/server's errorStatus.
var (
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrAuthorizationDenied  = errors.New("authorization denied")
	ErrSecurityRejected     = errors.New("request rejected by security policy")
	ErrQuotaExceeded        = errors.New("quota exceeded")
	ErrRateLimited          = errors.New("rate limited")
	ErrModelNotAllowed      = errors.New("model not allowed")
	ErrUpstreamFailed       = errors.New("upstream provider error")
	ErrAllProvidersFailed   = errors.New("all providers failed")
	ErrOverloaded           = errors.New("gateway overloaded")
	ErrMalformedRequest     = errors.New("malformed request")
	ErrInternal             = errors.New("internal error")

	ErrNotFound       = errors.New("not found")
	ErrConflict       = errors.New("conflict")
	ErrCredentialExpired = errors.New("credential expired")
	ErrCredentialBlocked = errors.New("credential blocked")
)
