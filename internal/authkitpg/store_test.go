package authkitpg

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/tyemirov/meetauth/internal/authkit"
	"go.uber.org/zap/zaptest"
)

func newTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	databaseURL := os.Getenv("MEETAUTH_TEST_POSTGRES_URL")
	if databaseURL == "" {
		t.Skip("MEETAUTH_TEST_POSTGRES_URL not set")
	}
	pool, err := BuildPool(context.Background(), databaseURL)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func TestBuildPoolRejectsInvalidURL(t *testing.T) {
	t.Parallel()
	_, err := BuildPool(context.Background(), "postgres://localhost:notaport/meetauth")
	require.Error(t, err)
}

func TestRefreshCredentialStore(t *testing.T) {
	pool := newTestPool(t)
	ctx := context.Background()
	store := NewRefreshCredentialStore(pool)
	userID := "pg-user-" + uuid.NewString()
	now := time.Now().UTC().Truncate(time.Microsecond)
	expiration := now.Add(time.Hour)

	first := authkit.RefreshCredential{ID: uuid.NewString(), UserID: userID, Expiration: &expiration}
	require.NoError(t, store.Create(ctx, first, "hash-"+first.ID))

	found, err := store.FindBySecret(ctx, userID, "hash-"+first.ID)
	require.NoError(t, err)
	require.Equal(t, first.ID, found.ID)
	require.True(t, found.Expiration.Equal(expiration))

	_, err = store.FindBySecret(ctx, "someone-else", "hash-"+first.ID)
	require.ErrorIs(t, err, authkit.ErrNotFound)

	successor := authkit.RefreshCredential{ID: uuid.NewString(), UserID: userID}
	require.NoError(t, store.Rotate(ctx, first.ID, successor, "hash-"+successor.ID))
	loser := authkit.RefreshCredential{ID: uuid.NewString(), UserID: userID}
	require.ErrorIs(t, store.Rotate(ctx, first.ID, loser, "hash-"+loser.ID), authkit.ErrUnauthorized)
	_, err = store.FindBySecret(ctx, userID, "hash-"+loser.ID)
	require.ErrorIs(t, err, authkit.ErrNotFound)

	flipped, err := store.Revoke(ctx, successor.ID)
	require.NoError(t, err)
	require.True(t, flipped)
	flipped, err = store.Revoke(ctx, successor.ID)
	require.NoError(t, err)
	require.False(t, flipped)
	_, err = store.Revoke(ctx, uuid.NewString())
	require.ErrorIs(t, err, authkit.ErrNotFound)

	live := authkit.RefreshCredential{ID: uuid.NewString(), UserID: userID}
	require.NoError(t, store.Create(ctx, live, "hash-"+live.ID))
	revoked, err := store.RevokeAllForUser(ctx, userID)
	require.NoError(t, err)
	require.EqualValues(t, 1, revoked)

	require.NoError(t, store.Delete(ctx, live.ID))
	_, err = store.FindBySecret(ctx, userID, "hash-"+live.ID)
	require.ErrorIs(t, err, authkit.ErrNotFound)

	purged, err := store.PurgeExpired(ctx, expiration.Add(time.Second))
	require.NoError(t, err)
	require.GreaterOrEqual(t, purged, int64(1))
}

func TestRefreshRotationOverPostgresHasOneWinner(t *testing.T) {
	pool := newTestPool(t)
	ctx := context.Background()
	service := authkit.NewRefreshRotationService(NewRefreshCredentialStore(pool), time.Hour, nil, zaptest.NewLogger(t), nil)
	userID := "pg-race-" + uuid.NewString()

	issued, err := service.Issue(ctx, userID)
	require.NoError(t, err)

	const attempts = 6
	failures := make([]error, attempts)
	var waitGroup sync.WaitGroup
	for attempt := 0; attempt < attempts; attempt++ {
		waitGroup.Add(1)
		go func(index int) {
			defer waitGroup.Done()
			_, failures[index] = service.Rotate(ctx, issued.Secret, userID)
		}(attempt)
	}
	waitGroup.Wait()

	var winners int
	for _, failure := range failures {
		if failure == nil {
			winners++
			continue
		}
		require.ErrorIs(t, failure, authkit.ErrUnauthorized)
	}
	require.Equal(t, 1, winners)
}

func TestBlacklistStore(t *testing.T) {
	pool := newTestPool(t)
	ctx := context.Background()
	store := NewBlacklistStore(pool)
	tokenID := uuid.NewString()
	now := time.Now().UTC().Truncate(time.Microsecond)
	end := now.Add(time.Minute)

	active, err := store.IsActive(ctx, tokenID, now)
	require.NoError(t, err)
	require.False(t, active)

	require.NoError(t, store.Add(ctx, authkit.BlacklistEntry{TokenID: tokenID, EndOfBlacklisting: end, UserID: "u"}))
	require.NoError(t, store.Add(ctx, authkit.BlacklistEntry{TokenID: tokenID, EndOfBlacklisting: end, UserID: "u"}))
	active, err = store.IsActive(ctx, tokenID, end)
	require.NoError(t, err)
	require.True(t, active)
	active, err = store.IsActive(ctx, tokenID, end.Add(time.Microsecond))
	require.NoError(t, err)
	require.False(t, active)

	purged, err := store.Purge(ctx, end.Add(time.Second))
	require.NoError(t, err)
	require.GreaterOrEqual(t, purged, int64(1))
}
