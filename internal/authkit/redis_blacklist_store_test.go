package authkit

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestRedisBlacklistStoreUnavailable(t *testing.T) {
	t.Parallel()
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = client.Close() })
	store := NewRedisBlacklistStore(client, newManualClock(testEpoch))

	_, err := store.IsActive(context.Background(), "jti-1", testEpoch)
	require.ErrorIs(t, err, ErrStoreUnavailable)

	err = store.Add(context.Background(), BlacklistEntry{TokenID: "jti-1", EndOfBlacklisting: testEpoch.Add(time.Minute)})
	require.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestParseRedisBlacklistValue(t *testing.T) {
	t.Parallel()
	end := time.Date(2024, 5, 1, 12, 15, 0, 123, time.UTC)

	parsed, err := parseRedisBlacklistValue("1714565700000000123:user-1")
	require.NoError(t, err)
	require.True(t, parsed.Equal(end))

	_, err = parseRedisBlacklistValue("garbage")
	require.Error(t, err)
}

func TestRedisBlacklistStoreLive(t *testing.T) {
	redisURL := os.Getenv("MEETAUTH_TEST_REDIS_URL")
	if redisURL == "" {
		t.Skip("MEETAUTH_TEST_REDIS_URL not set")
	}
	ctx := context.Background()
	client, err := NewRedisClient(ctx, redisURL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	now := time.Now().UTC()
	store := NewRedisBlacklistStore(client, nil)
	tokenID := "live-" + newRefreshCredentialID(now)
	end := now.Add(time.Minute)

	require.NoError(t, store.Add(ctx, BlacklistEntry{TokenID: tokenID, EndOfBlacklisting: end, UserID: "user-1"}))
	active, err := store.IsActive(ctx, tokenID, now)
	require.NoError(t, err)
	require.True(t, active)
	active, err = store.IsActive(ctx, tokenID, end)
	require.NoError(t, err)
	require.True(t, active)
	active, err = store.IsActive(ctx, tokenID, end.Add(time.Nanosecond))
	require.NoError(t, err)
	require.False(t, active)

	require.NoError(t, store.Add(ctx, BlacklistEntry{TokenID: tokenID, EndOfBlacklisting: now.Add(-time.Second)}))
	active, err = store.IsActive(ctx, tokenID, now)
	require.NoError(t, err)
	require.False(t, active)
}
