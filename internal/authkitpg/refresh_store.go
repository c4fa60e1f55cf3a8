package authkitpg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tyemirov/meetauth/internal/authkit"
)

// RefreshCredentialStore persists refresh credentials in PostgreSQL through pgx.
type RefreshCredentialStore struct {
	pool *pgxpool.Pool
}

// NewRefreshCredentialStore constructs a Postgres store.
func NewRefreshCredentialStore(pool *pgxpool.Pool) *RefreshCredentialStore {
	return &RefreshCredentialStore{pool: pool}
}

func unavailable(operation string, err error) error {
	return fmt.Errorf("%s.pgx: %w: %w", operation, authkit.ErrStoreUnavailable, err)
}

func utcOrNil(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	converted := value.UTC()
	return &converted
}

// Create inserts a credential row keyed by its hashed secret.
func (store *RefreshCredentialStore) Create(ctx context.Context, credential authkit.RefreshCredential, secretHash string) error {
	_, err := store.pool.Exec(ctx, `
INSERT INTO "RefreshToken" ("Id", "Token", "UserId", "IsRevoked", "Expiration")
VALUES ($1, $2, $3, $4, $5)
`, credential.ID, secretHash, credential.UserID, credential.Revoked, utcOrNil(credential.Expiration))
	if err != nil {
		return unavailable("refresh_store.create", err)
	}
	return nil
}

// FindBySecret returns the credential owned by userID whose secret hashes to secretHash.
func (store *RefreshCredentialStore) FindBySecret(ctx context.Context, userID string, secretHash string) (authkit.RefreshCredential, error) {
	var credential authkit.RefreshCredential
	var expiration *time.Time
	row := store.pool.QueryRow(ctx, `
SELECT "Id", "UserId", "IsRevoked", "Expiration"
FROM "RefreshToken"
WHERE "Token" = $1 AND "UserId" = $2
`, secretHash, userID)
	if scanErr := row.Scan(&credential.ID, &credential.UserID, &credential.Revoked, &expiration); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return authkit.RefreshCredential{}, fmt.Errorf("refresh_store.find.pgx: %w", authkit.ErrNotFound)
		}
		return authkit.RefreshCredential{}, unavailable("refresh_store.find", scanErr)
	}
	credential.Expiration = utcOrNil(expiration)
	return credential, nil
}

// Rotate revokes previousID only if it is still live and inserts the successor in one transaction.
func (store *RefreshCredentialStore) Rotate(ctx context.Context, previousID string, successor authkit.RefreshCredential, successorHash string) error {
	tx, beginErr := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if beginErr != nil {
		return unavailable("refresh_store.rotate", beginErr)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, updateErr := tx.Exec(ctx, `
UPDATE "RefreshToken" SET "IsRevoked" = TRUE
WHERE "Id" = $1 AND "IsRevoked" = FALSE
`, previousID)
	if updateErr != nil {
		return unavailable("refresh_store.rotate", updateErr)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("refresh_store.rotate.pgx: %w", authkit.ErrUnauthorized)
	}
	if _, insertErr := tx.Exec(ctx, `
INSERT INTO "RefreshToken" ("Id", "Token", "UserId", "IsRevoked", "Expiration")
VALUES ($1, $2, $3, FALSE, $4)
`, successor.ID, successorHash, successor.UserID, utcOrNil(successor.Expiration)); insertErr != nil {
		return unavailable("refresh_store.rotate", insertErr)
	}
	if commitErr := tx.Commit(ctx); commitErr != nil {
		return unavailable("refresh_store.rotate", commitErr)
	}
	return nil
}

// Revoke flips the revoked flag and reports whether this call performed the flip.
func (store *RefreshCredentialStore) Revoke(ctx context.Context, credentialID string) (bool, error) {
	var flipped bool
	row := store.pool.QueryRow(ctx, `
WITH target AS (
    SELECT "Id", "IsRevoked" FROM "RefreshToken" WHERE "Id" = $1
), flipped AS (
    UPDATE "RefreshToken" SET "IsRevoked" = TRUE
    WHERE "Id" = $1 AND "IsRevoked" = FALSE
    RETURNING "Id"
)
SELECT EXISTS (SELECT 1 FROM flipped) FROM target
`, credentialID)
	if scanErr := row.Scan(&flipped); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return false, fmt.Errorf("refresh_store.revoke.pgx: %w", authkit.ErrNotFound)
		}
		return false, unavailable("refresh_store.revoke", scanErr)
	}
	return flipped, nil
}

// RevokeAllForUser revokes every live credential of the user.
func (store *RefreshCredentialStore) RevokeAllForUser(ctx context.Context, userID string) (int64, error) {
	tag, err := store.pool.Exec(ctx, `
UPDATE "RefreshToken" SET "IsRevoked" = TRUE
WHERE "UserId" = $1 AND "IsRevoked" = FALSE
`, userID)
	if err != nil {
		return 0, unavailable("refresh_store.revoke_all", err)
	}
	return tag.RowsAffected(), nil
}

// Delete removes a credential row.
func (store *RefreshCredentialStore) Delete(ctx context.Context, credentialID string) error {
	if _, err := store.pool.Exec(ctx, `DELETE FROM "RefreshToken" WHERE "Id" = $1`, credentialID); err != nil {
		return unavailable("refresh_store.delete", err)
	}
	return nil
}

// PurgeExpired removes credentials whose expiration is before the given instant.
func (store *RefreshCredentialStore) PurgeExpired(ctx context.Context, before time.Time) (int64, error) {
	tag, err := store.pool.Exec(ctx, `DELETE FROM "RefreshToken" WHERE "Expiration" < $1`, before.UTC())
	if err != nil {
		return 0, unavailable("refresh_store.purge", err)
	}
	return tag.RowsAffected(), nil
}
