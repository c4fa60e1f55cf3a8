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

// BlacklistStore keeps access token blacklist entries in PostgreSQL.
type BlacklistStore struct {
	pool *pgxpool.Pool
}

// NewBlacklistStore constructs a Postgres blacklist.
func NewBlacklistStore(pool *pgxpool.Pool) *BlacklistStore {
	return &BlacklistStore{pool: pool}
}

// Add inserts or replaces the entry for its token identifier.
func (store *BlacklistStore) Add(ctx context.Context, entry authkit.BlacklistEntry) error {
	_, err := store.pool.Exec(ctx, `
INSERT INTO "BlacklistToken" ("Token", "EndOfBlacklisting", "UserId")
VALUES ($1, $2, $3)
ON CONFLICT ("Token") DO UPDATE SET "EndOfBlacklisting" = EXCLUDED."EndOfBlacklisting", "UserId" = EXCLUDED."UserId"
`, entry.TokenID, entry.EndOfBlacklisting.UTC(), entry.UserID)
	if err != nil {
		return unavailable("blacklist_store.add", err)
	}
	return nil
}

// IsActive reports whether the token identifier is blacklisted at now.
func (store *BlacklistStore) IsActive(ctx context.Context, tokenID string, now time.Time) (bool, error) {
	var end time.Time
	scanErr := store.pool.QueryRow(ctx, `SELECT "EndOfBlacklisting" FROM "BlacklistToken" WHERE "Token" = $1`, tokenID).Scan(&end)
	if scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return false, nil
		}
		return false, unavailable("blacklist_store.is_active", scanErr)
	}
	return authkit.BlacklistEntry{TokenID: tokenID, EndOfBlacklisting: end}.ActiveAt(now), nil
}

// Purge deletes entries that ended before now.
func (store *BlacklistStore) Purge(ctx context.Context, now time.Time) (int64, error) {
	tag, err := store.pool.Exec(ctx, `DELETE FROM "BlacklistToken" WHERE "EndOfBlacklisting" < $1`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("blacklist_store.purge.pgx: %w: %w", authkit.ErrStoreUnavailable, err)
	}
	return tag.RowsAffected(), nil
}
