package authkit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisBlacklistKeyPrefix = "meetauth:blacklist:"

// RedisBlacklistStore keeps blacklist entries as keys whose TTL ends with the entry.
// The stored value carries EndOfBlacklisting so lookups stay exact even with TTL rounding.
type RedisBlacklistStore struct {
	client *redis.Client
	clock  Clock
}

// NewRedisBlacklistStore wraps an existing client.
func NewRedisBlacklistStore(client *redis.Client, clock Clock) *RedisBlacklistStore {
	return &RedisBlacklistStore{client: client, clock: clockOrSystem(clock)}
}

// NewRedisClient parses a redis:// URL and verifies connectivity.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	options, parseErr := redis.ParseURL(redisURL)
	if parseErr != nil {
		return nil, fmt.Errorf("blacklist_store.redis.parse_url: %w", parseErr)
	}
	client := redis.NewClient(options)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("blacklist_store.redis.ping: %w", err)
	}
	return client, nil
}

// Add inserts or replaces the entry. Entries already past their end are not written.
func (store *RedisBlacklistStore) Add(ctx context.Context, entry BlacklistEntry) error {
	remaining := entry.EndOfBlacklisting.Sub(store.clock.Now())
	if remaining <= 0 {
		if err := store.client.Del(ctx, redisBlacklistKey(entry.TokenID)).Err(); err != nil {
			return fmt.Errorf("blacklist_store.add.redis: %w: %w", ErrStoreUnavailable, err)
		}
		return nil
	}
	value := strconv.FormatInt(entry.EndOfBlacklisting.UnixNano(), 10) + ":" + entry.UserID
	// Keep the key one second past the end so the exact-instant comparison in IsActive still sees it.
	if err := store.client.Set(ctx, redisBlacklistKey(entry.TokenID), value, remaining+time.Second).Err(); err != nil {
		return fmt.Errorf("blacklist_store.add.redis: %w: %w", ErrStoreUnavailable, err)
	}
	return nil
}

// IsActive reports whether the token identifier is blacklisted at now.
func (store *RedisBlacklistStore) IsActive(ctx context.Context, tokenID string, now time.Time) (bool, error) {
	raw, err := store.client.Get(ctx, redisBlacklistKey(tokenID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("blacklist_store.is_active.redis: %w: %w", ErrStoreUnavailable, err)
	}
	until, parseErr := parseRedisBlacklistValue(raw)
	if parseErr != nil {
		return false, fmt.Errorf("blacklist_store.is_active.redis: %w: %w", ErrStoreUnavailable, parseErr)
	}
	return !now.After(until), nil
}

// Purge is a no-op: redis expires keys on its own.
func (store *RedisBlacklistStore) Purge(ctx context.Context, now time.Time) (int64, error) {
	return 0, nil
}

func redisBlacklistKey(tokenID string) string {
	return redisBlacklistKeyPrefix + tokenID
}

func parseRedisBlacklistValue(raw string) (time.Time, error) {
	endText, _, _ := strings.Cut(raw, ":")
	unixNano, err := strconv.ParseInt(endText, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("blacklist_store.redis.value: %w", err)
	}
	return time.Unix(0, unixNano).UTC(), nil
}
