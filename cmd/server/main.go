package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/tyemirov/meetauth/internal/authkit"
	"github.com/tyemirov/meetauth/internal/web"
	"go.uber.org/zap"
	"google.golang.org/api/idtoken"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

var buildGoogleTokenValidator = func(ctx context.Context) (authkit.GoogleTokenValidator, error) {
	return idtoken.NewValidator(ctx)
}

var metricsRegisterer prometheus.Registerer = prometheus.DefaultRegisterer

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "meetauth",
		Short:   "Auth service with Google Sign-In, JWT access tokens, rotating refresh credentials, recovery and SSO sessions",
		PreRunE: prepareServerConfig,
		RunE:    runServer,
	}

	flags := rootCmd.Flags()
	flags.String("listen_addr", ":8080", "HTTP listen address")
	flags.String("cookie_domain", "", "Cookie domain; empty for host-only")
	flags.String("google_web_client_id", "", "Google Web OAuth Client ID")
	flags.String("jwt_signing_key", "", "HS256 signing secret for access JWT")
	flags.String("jwt_private_key_file", "", "PEM encoded RSA private key; switches access tokens to RS256")
	flags.String("jwt_issuer", defaultIssuer, "Issuer claim for access JWT")
	flags.Duration("session_ttl", 15*time.Minute, "Access token TTL")
	flags.Duration("refresh_ttl", 30*24*time.Hour, "Refresh credential TTL; 0 issues credentials without expiration")
	flags.Duration("recovery_ttl", 30*time.Minute, "Recovery session TTL")
	flags.Duration("sso_ttl", 5*time.Minute, "SSO session TTL; 0 issues sessions without expiration")
	flags.Duration("nonce_ttl", 5*time.Minute, "Nonce lifetime for Google Sign-In exchanges")
	flags.Duration("recovery_request_interval", time.Minute, "Minimum spacing between recovery requests for one email")
	flags.Bool("dev_insecure_http", false, "Allow insecure HTTP for local dev")
	flags.String("database_url", "", "Database URL (postgres:// or sqlite://; leave empty for in-memory stores)")
	flags.String("redis_url", "", "Redis URL for the access token blacklist; leave empty to keep it with the other stores")
	flags.String("refresh_store_backend", refreshBackendGorm, "Refresh credential backend for postgres databases: gorm or pgx")
	flags.Bool("enable_cors", false, "Enable CORS for cross-origin clients (required to set SameSite=None cookies)")
	flags.StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled (required if enable_cors is true)")
	flags.Duration("retention_interval", time.Hour, "Interval between sweeps of expired credentials; 0 disables the sweeper")
	flags.StringSlice("seed_users", []string{}, "In-memory users as email[=role] when no database is configured")

	flags.VisitAll(func(flag *pflag.Flag) {
		_ = viper.BindPFlag(flag.Name, flag)
	})

	viper.SetEnvPrefix("APP")
	viper.AutomaticEnv()

	return rootCmd
}

const (
	defaultIssuer     = "meetauth"
	sessionCookieName = "app_session"
	refreshCookieName = "app_refresh"

	refreshBackendGorm = "gorm"
	refreshBackendPgx  = "pgx"

	configCodeMissingGoogleClientID   = "config.missing_google_web_client_id"
	configCodeMissingJWTSigningKey    = "config.missing_jwt_signing_key"
	configCodeInvalidSigningKey       = "config.invalid_jwt_signing_key"
	configCodeInvalidSessionTTL       = "config.invalid_session_ttl"
	configCodeInvalidRefreshTTL       = "config.invalid_refresh_ttl"
	configCodeInvalidSsoTTL           = "config.invalid_sso_ttl"
	configCodeInvalidRefreshBackend   = "config.invalid_refresh_store_backend"
	configCodeUninitializedServerConf = "config.uninitialized_server_config"
	configCodeGoogleValidatorInit     = "config.google_validator_init"
	configCodeStoreInit               = "config.store_init"
	configCodeSeedUsers               = "config.invalid_seed_users"
)

type contextKey string

const serverConfigContextKey contextKey = "serverConfig"

func prepareServerConfig(command *cobra.Command, arguments []string) error {
	serverConfig, loadErr := LoadServerConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, serverConfigContextKey, serverConfig))
	return nil
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

// LoadServerConfig reads and validates the viper-bound settings.
func LoadServerConfig() (authkit.ServerConfig, error) {
	googleWebClientID := viper.GetString("google_web_client_id")
	if googleWebClientID == "" {
		return authkit.ServerConfig{}, configError(configCodeMissingGoogleClientID, "google_web_client_id must be provided")
	}

	signingKey, keyErr := loadSigningKey()
	if keyErr != nil {
		return authkit.ServerConfig{}, keyErr
	}

	sessionTTL := viper.GetDuration("session_ttl")
	if sessionTTL <= 0 {
		return authkit.ServerConfig{}, configError(configCodeInvalidSessionTTL, "session_ttl must be greater than zero")
	}

	refreshTTL := viper.GetDuration("refresh_ttl")
	if refreshTTL < 0 {
		return authkit.ServerConfig{}, configError(configCodeInvalidRefreshTTL, "refresh_ttl must not be negative")
	}

	recoveryTTL := viper.GetDuration("recovery_ttl")
	if recoveryTTL <= 0 {
		recoveryTTL = 30 * time.Minute
	}

	ssoTTL := viper.GetDuration("sso_ttl")
	if ssoTTL < 0 {
		return authkit.ServerConfig{}, configError(configCodeInvalidSsoTTL, "sso_ttl must not be negative")
	}

	nonceTTL := 5 * time.Minute
	if configuredNonceTTL := viper.GetDuration("nonce_ttl"); configuredNonceTTL > 0 {
		nonceTTL = configuredNonceTTL
	}

	issuer := strings.TrimSpace(viper.GetString("jwt_issuer"))
	if issuer == "" {
		issuer = defaultIssuer
	}

	return authkit.ServerConfig{
		GoogleWebClientID:       googleWebClientID,
		SigningKey:              signingKey,
		AppJWTIssuer:            issuer,
		CookieDomain:            viper.GetString("cookie_domain"),
		SessionCookieName:       sessionCookieName,
		RefreshCookieName:       refreshCookieName,
		SessionTTL:              sessionTTL,
		RefreshTTL:              refreshTTL,
		RecoveryTTL:             recoveryTTL,
		SsoTTL:                  ssoTTL,
		NonceTTL:                nonceTTL,
		RecoveryRequestInterval: viper.GetDuration("recovery_request_interval"),
		AllowInsecureHTTP:       viper.GetBool("dev_insecure_http"),
	}, nil
}

func loadSigningKey() (authkit.SigningKey, error) {
	if privateKeyFile := strings.TrimSpace(viper.GetString("jwt_private_key_file")); privateKeyFile != "" {
		privateKeyPEM, readErr := os.ReadFile(privateKeyFile)
		if readErr != nil {
			return authkit.SigningKey{}, configError(configCodeInvalidSigningKey, readErr.Error())
		}
		signingKey, parseErr := authkit.NewRSASigningKeyFromPEM(privateKeyPEM)
		if parseErr != nil {
			return authkit.SigningKey{}, configError(configCodeInvalidSigningKey, parseErr.Error())
		}
		return signingKey, nil
	}

	jwtSigningKey := viper.GetString("jwt_signing_key")
	if jwtSigningKey == "" {
		return authkit.SigningKey{}, configError(configCodeMissingJWTSigningKey, "jwt_signing_key must be provided")
	}
	signingKey, keyErr := authkit.NewHMACSigningKey([]byte(jwtSigningKey))
	if keyErr != nil {
		return authkit.SigningKey{}, configError(configCodeInvalidSigningKey, keyErr.Error())
	}
	return signingKey, nil
}

func runServer(command *cobra.Command, arguments []string) error {
	logger, loggerErr := zap.NewProduction()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	commandContext := command.Context()
	var contextValue any
	if commandContext != nil {
		contextValue = commandContext.Value(serverConfigContextKey)
	}
	serverConfig, ok := contextValue.(authkit.ServerConfig)
	if !ok {
		return configError(configCodeUninitializedServerConf, "server configuration not prepared; PreRunE must execute before RunE")
	}

	listenAddr := viper.GetString("listen_addr")
	enableCORS := viper.GetBool("enable_cors")
	corsAllowedOrigins := viper.GetStringSlice("cors_allowed_origins")
	retentionInterval := viper.GetDuration("retention_interval")

	serverConfig.SameSiteMode = http.SameSiteStrictMode
	if enableCORS {
		serverConfig.SameSiteMode = http.SameSiteNoneMode
	}

	backends, backendErr := openBackends(commandContext, backendSettings{
		DatabaseURL:    viper.GetString("database_url"),
		RedisURL:       viper.GetString("redis_url"),
		RefreshBackend: viper.GetString("refresh_store_backend"),
		SeedUsers:      viper.GetStringSlice("seed_users"),
	}, logger)
	if backendErr != nil {
		return backendErr
	}
	defer backends.Close()

	validator, validatorErr := buildGoogleTokenValidator(commandContext)
	if validatorErr != nil {
		return fmt.Errorf("%s: %w", configCodeGoogleValidatorInit, validatorErr)
	}

	metricsRecorder, metricsErr := authkit.NewPrometheusMetrics(metricsRegisterer)
	if metricsErr != nil {
		return metricsErr
	}

	clock := authkit.NewSystemClock()
	tokens, tokensErr := authkit.NewTokenService(serverConfig, backends.Blacklist, clock, logger, metricsRecorder)
	if tokensErr != nil {
		return tokensErr
	}
	refresh := authkit.NewRefreshRotationService(backends.Refresh, serverConfig.RefreshTTL, clock, logger, metricsRecorder)
	recovery := authkit.NewRecoveryService(backends.Recovery, serverConfig.RecoveryTTL, clock, logger, metricsRecorder)
	sso := authkit.NewSsoService(backends.Sso, serverConfig.SsoTTL, clock, logger, metricsRecorder)
	orchestrator := authkit.NewTokenOrchestrator(tokens, refresh, backends.Users, logger, metricsRecorder)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(zapLoggerMiddleware(logger))

	if enableCORS {
		corsMiddleware, corsErr := web.ConfigureCORS(logger, web.CORSSettings{
			Origins:           corsAllowedOrigins,
			AllowInsecureHTTP: serverConfig.AllowInsecureHTTP,
		})
		if corsErr != nil {
			return corsErr
		}
		router.Use(corsMiddleware)
	}

	mountErr := authkit.MountAuthRoutes(router, authkit.RouteDependencies{
		Configuration:   serverConfig,
		Tokens:          tokens,
		Orchestrator:    orchestrator,
		Refresh:         refresh,
		Recovery:        recovery,
		Sso:             sso,
		Users:           backends.Users,
		Nonces:          authkit.NewMemoryNonceStore(serverConfig.NonceTTL, clock),
		Notifier:        authkit.NewLoggingRecoveryNotifier(logger),
		GoogleValidator: validator,
		Clock:           clock,
		Logger:          logger,
	})
	if mountErr != nil {
		return mountErr
	}

	protected := router.Group("/api")
	protected.Use(authkit.RequireSession(tokens))
	protected.GET("/me", web.HandleWhoAmI(logger, backends.Users))

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	if retentionInterval > 0 {
		sweeper := authkit.NewRetentionSweeper(backends.Refresh, backends.Blacklist, backends.Recovery, backends.Sso,
			retentionInterval, clock, logger, metricsRecorder)
		go sweeper.Run(shutdownCtx)
	}

	server := &http.Server{
		Addr:              listenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		stopSignals := make(chan os.Signal, 1)
		signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(stopSignals)
		select {
		case <-stopSignals:
		case <-shutdownCtx.Done():
			return
		}
		graceCtx, graceCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}()

	logger.Info("listening",
		zap.String("addr", listenAddr),
		zap.String("signing_alg", serverConfig.SigningKey.Algorithm()),
		zap.String("store_driver", backends.Driver))
	if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", err)
	}
	return nil
}

func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		duration := time.Since(startTime)
		logger.Info("http",
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.Duration("elapsed", duration),
		)
	}
}
