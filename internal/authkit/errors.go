package authkit

import "errors"

// Error kinds returned by the token and session services. Callers branch with errors.Is;
// the wrapping text carries the failing operation.
var (
	// ErrUnauthorized indicates a bad, absent, or revoked credential.
	ErrUnauthorized = errors.New("auth.unauthorized")
	// ErrExpired indicates a token or session past its deadline.
	ErrExpired = errors.New("auth.expired")
	// ErrBlacklisted indicates a well-formed access token whose identifier is on the active blacklist.
	ErrBlacklisted = errors.New("auth.blacklisted")
	// ErrAlreadyUsed indicates a single-use session that was already consumed.
	ErrAlreadyUsed = errors.New("auth.already_used")
	// ErrCodeMismatch indicates a wrong SSO verification code.
	ErrCodeMismatch = errors.New("auth.code_mismatch")
	// ErrMalformed indicates an access token with an invalid signature or format.
	ErrMalformed = errors.New("auth.malformed")
	// ErrNotFound indicates an unknown identifier.
	ErrNotFound = errors.New("auth.not_found")
	// ErrStoreUnavailable indicates a persistence failure or timeout.
	ErrStoreUnavailable = errors.New("auth.store_unavailable")
)

// ErrorCode returns the stable code of the error kind wrapped by err, or "auth.internal".
func ErrorCode(err error) string {
	for _, kind := range []error{
		ErrBlacklisted,
		ErrExpired,
		ErrMalformed,
		ErrCodeMismatch,
		ErrAlreadyUsed,
		ErrNotFound,
		ErrUnauthorized,
		ErrStoreUnavailable,
	} {
		if errors.Is(err, kind) {
			return kind.Error()
		}
	}
	return "auth.internal"
}
