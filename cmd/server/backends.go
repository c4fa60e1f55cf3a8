package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/tyemirov/meetauth/internal/authkit"
	"github.com/tyemirov/meetauth/internal/authkitpg"
	"github.com/tyemirov/meetauth/internal/web"
	"go.uber.org/zap"
)

type backendSettings struct {
	DatabaseURL    string
	RedisURL       string
	RefreshBackend string
	SeedUsers      []string
}

// backends holds the stores selected for one server run and the handles that own them.
type backends struct {
	Refresh   authkit.RefreshCredentialStore
	Blacklist authkit.BlacklistStore
	Recovery  authkit.RecoverySessionStore
	Sso       authkit.SsoSessionStore
	Users     authkit.UserDirectory
	Driver    string

	closers []func()
}

// Close releases every pool opened by openBackends in reverse order.
func (selected *backends) Close() {
	for index := len(selected.closers) - 1; index >= 0; index-- {
		selected.closers[index]()
	}
	selected.closers = nil
}

var (
	openDatabaseStores = authkit.NewDatabaseStores
	openPgxPool        = authkitpg.BuildPool
	openRedisClient    = authkit.NewRedisClient
)

func openBackends(ctx context.Context, settings backendSettings, logger *zap.Logger) (*backends, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	refreshBackend := strings.ToLower(strings.TrimSpace(settings.RefreshBackend))
	if refreshBackend == "" {
		refreshBackend = refreshBackendGorm
	}
	if refreshBackend != refreshBackendGorm && refreshBackend != refreshBackendPgx {
		return nil, configError(configCodeInvalidRefreshBackend, fmt.Sprintf("unsupported refresh_store_backend %q", settings.RefreshBackend))
	}

	selected := &backends{}
	if strings.TrimSpace(settings.DatabaseURL) == "" {
		if refreshBackend == refreshBackendPgx {
			return nil, configError(configCodeInvalidRefreshBackend, "refresh_store_backend pgx requires a postgres database_url")
		}
		seeds, seedErr := web.ParseUserSeeds(settings.SeedUsers)
		if seedErr != nil {
			return nil, configError(configCodeSeedUsers, seedErr.Error())
		}
		selected.Refresh = authkit.NewMemoryRefreshCredentialStore()
		selected.Blacklist = authkit.NewMemoryBlacklistStore()
		selected.Recovery = authkit.NewMemoryRecoverySessionStore()
		selected.Sso = authkit.NewMemorySsoSessionStore()
		selected.Users = web.NewInMemoryUsers(seeds...)
		selected.Driver = "memory"
		logger.Info("using in-memory stores", zap.Int("seed_users", len(seeds)))
	} else {
		databaseStores, storeErr := openDatabaseStores(ctx, settings.DatabaseURL)
		if storeErr != nil {
			return nil, fmt.Errorf("%s: %w", configCodeStoreInit, storeErr)
		}
		selected.closers = append(selected.closers, func() { _ = databaseStores.Close() })
		selected.Refresh = databaseStores.RefreshCredentials()
		selected.Blacklist = databaseStores.Blacklist()
		selected.Recovery = databaseStores.RecoverySessions()
		selected.Sso = databaseStores.SsoSessions()
		selected.Users = databaseStores.Users()
		selected.Driver = databaseStores.Driver()
		if len(settings.SeedUsers) > 0 {
			logger.Warn("seed_users ignored when a database is configured",
				zap.String("code", "config.seed_users_ignored"))
		}

		if refreshBackend == refreshBackendPgx {
			if databaseStores.Driver() != "postgres" {
				selected.Close()
				return nil, configError(configCodeInvalidRefreshBackend, "refresh_store_backend pgx requires a postgres database_url")
			}
			pool, poolErr := openPgxPool(ctx, settings.DatabaseURL)
			if poolErr != nil {
				selected.Close()
				return nil, fmt.Errorf("%s: %w", configCodeStoreInit, poolErr)
			}
			selected.attachPgx(pool)
		}
		logger.Info("using persistent stores",
			zap.String("driver", selected.Driver),
			zap.String("refresh_backend", refreshBackend))
	}

	if strings.TrimSpace(settings.RedisURL) != "" {
		client, redisErr := openRedisClient(ctx, settings.RedisURL)
		if redisErr != nil {
			selected.Close()
			return nil, fmt.Errorf("%s: %w", configCodeStoreInit, redisErr)
		}
		selected.attachRedis(client)
		logger.Info("using redis blacklist store")
	}
	return selected, nil
}

func (selected *backends) attachPgx(pool *pgxpool.Pool) {
	selected.closers = append(selected.closers, pool.Close)
	selected.Refresh = authkitpg.NewRefreshCredentialStore(pool)
	selected.Blacklist = authkitpg.NewBlacklistStore(pool)
	selected.Driver = "postgres+pgx"
}

func (selected *backends) attachRedis(client *redis.Client) {
	selected.closers = append(selected.closers, func() { _ = client.Close() })
	selected.Blacklist = authkit.NewRedisBlacklistStore(client, authkit.NewSystemClock())
}
