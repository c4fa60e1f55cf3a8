package authkitpg

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EnsureSchema creates the refresh credential and blacklist tables if they do not exist.
// Column names match the tables the GORM stores migrate, so either backend can serve the same database.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS "RefreshToken" (
    "Id" TEXT PRIMARY KEY,
    "Token" TEXT NOT NULL UNIQUE,
    "UserId" TEXT NOT NULL,
    "IsRevoked" BOOLEAN NOT NULL DEFAULT FALSE,
    "Expiration" TIMESTAMPTZ NULL
);
CREATE INDEX IF NOT EXISTS "idx_RefreshToken_UserId" ON "RefreshToken" ("UserId");
CREATE TABLE IF NOT EXISTS "BlacklistToken" (
    "Token" TEXT PRIMARY KEY,
    "EndOfBlacklisting" TIMESTAMPTZ NOT NULL,
    "UserId" TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS "idx_BlacklistToken_EndOfBlacklisting" ON "BlacklistToken" ("EndOfBlacklisting");
`)
	if err != nil {
		return fmt.Errorf("authkitpg.schema: %w", err)
	}
	return nil
}
