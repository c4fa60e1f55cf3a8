package authkit

import (
	"context"
	"time"
)

// UserDirectory resolves application users. It is read-only from this package's perspective.
type UserDirectory interface {
	FindUserByID(ctx context.Context, userID string) (User, error)
	FindUserByEmail(ctx context.Context, email string) (User, error)
}

// RefreshCredentialStore persists refresh credentials and their revocation state.
// Secrets reach the store only as hashes.
type RefreshCredentialStore interface {
	Create(ctx context.Context, credential RefreshCredential, secretHash string) error
	// FindBySecret returns the credential owned by userID whose secret hashes to secretHash.
	FindBySecret(ctx context.Context, userID string, secretHash string) (RefreshCredential, error)
	// Rotate revokes previousID only if it is not yet revoked and inserts the successor in the
	// same transaction. A lost race yields ErrUnauthorized and leaves no successor behind.
	Rotate(ctx context.Context, previousID string, successor RefreshCredential, successorHash string) error
	// Revoke flips the revoked flag. It reports whether this call performed the flip.
	Revoke(ctx context.Context, credentialID string) (bool, error)
	// RevokeAllForUser revokes every live credential of the user and returns how many were flipped.
	RevokeAllForUser(ctx context.Context, userID string) (int64, error)
	Delete(ctx context.Context, credentialID string) error
	// PurgeExpired removes credentials whose expiration is before the given instant.
	PurgeExpired(ctx context.Context, before time.Time) (int64, error)
}

// BlacklistStore records access token identifiers that must be rejected.
type BlacklistStore interface {
	Add(ctx context.Context, entry BlacklistEntry) error
	IsActive(ctx context.Context, tokenID string, now time.Time) (bool, error)
	Purge(ctx context.Context, now time.Time) (int64, error)
}

// RecoverySessionStore persists password recovery sessions.
type RecoverySessionStore interface {
	Create(ctx context.Context, session RecoverySession) error
	Find(ctx context.Context, sessionID string) (RecoverySession, error)
	// MarkOpened flips IsOpened from false to true. It reports whether this call performed the flip.
	MarkOpened(ctx context.Context, sessionID string) (bool, error)
	// Replace drops every unopened session of session.UserID and stores session in one atomic step.
	// It reports how many sessions were dropped.
	Replace(ctx context.Context, session RecoverySession) (int64, error)
	PurgeExpired(ctx context.Context, before time.Time) (int64, error)
}

// SsoSessionStore persists SSO bridging sessions together with the verification code hash.
type SsoSessionStore interface {
	Create(ctx context.Context, session SsoSession, codeHash string) error
	Find(ctx context.Context, sessionID string) (SsoSession, string, error)
	// Consume deletes the session. It reports whether this call removed it.
	Consume(ctx context.Context, sessionID string) (bool, error)
	PurgeExpired(ctx context.Context, before time.Time) (int64, error)
}
