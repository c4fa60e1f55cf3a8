package authkit

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"google.golang.org/api/idtoken"
)

// GoogleTokenValidator verifies Google ID tokens for an audience.
type GoogleTokenValidator interface {
	Validate(ctx context.Context, idToken string, audience string) (*idtoken.Payload, error)
}

var newGoogleTokenValidator = func(ctx context.Context) (GoogleTokenValidator, error) {
	return idtoken.NewValidator(ctx)
}

// RouteDependencies carries the services behind the auth endpoints.
type RouteDependencies struct {
	Configuration   ServerConfig
	Tokens          *TokenService
	Orchestrator    *TokenOrchestrator
	Refresh         *RefreshRotationService
	Recovery        *RecoveryService
	Sso             *SsoService
	Users           UserDirectory
	Nonces          NonceStore
	Notifier        RecoveryNotifier
	GoogleValidator GoogleTokenValidator
	Clock           Clock
	Logger          *zap.Logger
}

type authRoutes struct {
	RouteDependencies
	throttle *recoveryThrottle
}

// MountAuthRoutes registers the /auth endpoints and the admin revocation endpoint.
func MountAuthRoutes(router gin.IRouter, dependencies RouteDependencies) error {
	if dependencies.Tokens == nil || dependencies.Orchestrator == nil || dependencies.Refresh == nil ||
		dependencies.Recovery == nil || dependencies.Sso == nil || dependencies.Users == nil || dependencies.Nonces == nil {
		return errors.New("routes.mount: missing service dependency")
	}
	if dependencies.Logger == nil {
		dependencies.Logger = zap.NewNop()
	}
	if dependencies.Notifier == nil {
		dependencies.Notifier = NewLoggingRecoveryNotifier(dependencies.Logger)
	}
	dependencies.Clock = clockOrSystem(dependencies.Clock)
	if dependencies.GoogleValidator == nil {
		validator, validatorErr := newGoogleTokenValidator(context.Background())
		if validatorErr != nil {
			return fmt.Errorf("routes.mount: google validator: %w", validatorErr)
		}
		dependencies.GoogleValidator = validator
	}
	handlers := &authRoutes{
		RouteDependencies: dependencies,
		throttle:          newRecoveryThrottle(dependencies.Configuration.RecoveryRequestInterval, dependencies.Clock),
	}

	router.POST("/auth/nonce", handlers.issueNonce)
	router.POST("/auth/google", handlers.beginGoogleLogin)
	router.POST("/auth/sso/complete", handlers.completeSso)
	router.POST("/auth/refresh", handlers.refresh)
	router.POST("/auth/logout", handlers.logout)
	router.POST("/auth/recovery", handlers.startRecovery)
	router.POST("/auth/recovery/consume", handlers.consumeRecovery)
	router.GET("/auth/validate", RequireSession(dependencies.Tokens), handlers.validate)
	router.POST("/api/admin/revoke", RequireSession(dependencies.Tokens), RequireRole(RoleAdmin), handlers.adminRevoke)
	return nil
}

func (handlers *authRoutes) issueNonce(contextGin *gin.Context) {
	nonce, err := handlers.Nonces.Issue(contextGin.Request.Context())
	if err != nil {
		handlers.Logger.Error("nonce issue failed", zap.String("code", "nonce.issue_failed"), zap.Error(err))
		contextGin.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	contextGin.JSON(http.StatusOK, gin.H{"nonce": nonce})
}

func (handlers *authRoutes) beginGoogleLogin(contextGin *gin.Context) {
	var inbound struct {
		GoogleIDToken string `json:"google_id_token"`
		Nonce         string `json:"nonce"`
	}
	if err := contextGin.ShouldBindJSON(&inbound); err != nil || strings.TrimSpace(inbound.GoogleIDToken) == "" || strings.TrimSpace(inbound.Nonce) == "" {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
		return
	}
	if !handlers.Configuration.AllowInsecureHTTP && !isHTTPS(contextGin.Request) {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "https_required"})
		return
	}
	ctx := contextGin.Request.Context()
	if err := handlers.Nonces.Consume(ctx, inbound.Nonce); err != nil {
		writeAuthError(contextGin, err)
		return
	}
	payload, validateErr := handlers.GoogleValidator.Validate(ctx, inbound.GoogleIDToken, handlers.Configuration.GoogleWebClientID)
	if validateErr != nil {
		handlers.Logger.Warn("google token rejected", zap.String("code", "google.invalid_token"), zap.Error(validateErr))
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_google_token"})
		return
	}
	issuerValue, _ := payload.Claims["iss"].(string)
	if issuerValue != "https://accounts.google.com" && issuerValue != "accounts.google.com" {
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_issuer"})
		return
	}
	tokenNonce, _ := payload.Claims["nonce"].(string)
	if tokenNonce != inbound.Nonce {
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_nonce"})
		return
	}
	userEmail, _ := payload.Claims["email"].(string)
	emailVerified, _ := payload.Claims["email_verified"].(bool)
	if userEmail == "" || !emailVerified {
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unverified_identity"})
		return
	}

	user, lookupErr := handlers.Users.FindUserByEmail(ctx, userEmail)
	if lookupErr != nil {
		writeAuthError(contextGin, lookupErr)
		return
	}
	started, beginErr := handlers.Sso.Begin(ctx, user.Email, user.ID)
	if beginErr != nil {
		writeAuthError(contextGin, beginErr)
		return
	}
	response := gin.H{
		"sso_session_id":    started.Session.ID,
		"verification_code": started.VerificationCode,
	}
	if started.Session.ExpiresAt != nil {
		response["expires_at"] = started.Session.ExpiresAt.UTC()
	}
	contextGin.JSON(http.StatusOK, response)
}

func (handlers *authRoutes) completeSso(contextGin *gin.Context) {
	var inbound struct {
		SsoSessionID     string `json:"sso_session_id"`
		VerificationCode string `json:"verification_code"`
	}
	if err := contextGin.ShouldBindJSON(&inbound); err != nil || strings.TrimSpace(inbound.SsoSessionID) == "" {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
		return
	}
	ctx := contextGin.Request.Context()
	userID, completeErr := handlers.Sso.Complete(ctx, inbound.SsoSessionID, inbound.VerificationCode)
	if completeErr != nil {
		writeAuthError(contextGin, completeErr)
		return
	}
	user, lookupErr := handlers.Users.FindUserByID(ctx, userID)
	if lookupErr != nil {
		writeAuthError(contextGin, lookupErr)
		return
	}
	pair, issueErr := handlers.Orchestrator.IssueCredentialPair(ctx, user)
	if issueErr != nil {
		writeAuthError(contextGin, issueErr)
		return
	}
	handlers.writePairCookies(contextGin, user.ID, pair)
	contextGin.JSON(http.StatusOK, gin.H{
		"user_id":    user.ID,
		"user_email": user.Email,
		"role":       user.Role,
		"expires_at": pair.AccessExpiresAt,
	})
}

func (handlers *authRoutes) refresh(contextGin *gin.Context) {
	refreshCookie, cookieErr := contextGin.Request.Cookie(handlers.Configuration.RefreshCookieName)
	if cookieErr != nil {
		writeAuthError(contextGin, ErrUnauthorized)
		return
	}
	userID, secret, ok := DecodeRefreshCookie(refreshCookie.Value)
	if !ok {
		writeAuthError(contextGin, ErrUnauthorized)
		return
	}
	pair, err := handlers.Orchestrator.RefreshCredentialPair(contextGin.Request.Context(), secret, userID)
	if err != nil {
		if errors.Is(err, ErrUnauthorized) {
			handlers.clearCookies(contextGin)
		}
		writeAuthError(contextGin, err)
		return
	}
	handlers.writePairCookies(contextGin, userID, pair)
	contextGin.Status(http.StatusNoContent)
}

func (handlers *authRoutes) logout(contextGin *gin.Context) {
	ctx := contextGin.Request.Context()
	var failure error
	if accessToken := presentedAccessToken(contextGin.Request, handlers.Configuration.SessionCookieName); accessToken != "" {
		claims, validateErr := handlers.Tokens.Validate(ctx, accessToken)
		switch {
		case validateErr == nil:
			if err := handlers.Tokens.Blacklist(ctx, claims); err != nil {
				failure = err
			} else if err := handlers.Refresh.Revoke(ctx, claims.ID); err != nil && !errors.Is(err, ErrNotFound) {
				failure = err
			}
		case errors.Is(validateErr, ErrStoreUnavailable):
			failure = validateErr
		}
	}
	if refreshCookie, cookieErr := contextGin.Request.Cookie(handlers.Configuration.RefreshCookieName); cookieErr == nil {
		if userID, secret, ok := DecodeRefreshCookie(refreshCookie.Value); ok {
			if err := handlers.Refresh.RevokeBySecret(ctx, secret, userID); err != nil && failure == nil {
				failure = err
			}
		}
	}
	handlers.clearCookies(contextGin)
	if failure != nil {
		handlers.Logger.Error("logout incomplete", zap.String("code", "logout.failed"), zap.Error(failure))
		writeAuthError(contextGin, failure)
		return
	}
	contextGin.Status(http.StatusNoContent)
}

func (handlers *authRoutes) startRecovery(contextGin *gin.Context) {
	var inbound struct {
		Email string `json:"email"`
	}
	if err := contextGin.ShouldBindJSON(&inbound); err != nil || strings.TrimSpace(inbound.Email) == "" {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
		return
	}
	contextGin.Status(http.StatusAccepted)
	if !handlers.throttle.Allow(inbound.Email) {
		handlers.Logger.Info("recovery request throttled", zap.String("code", "recovery.throttled"))
		return
	}
	ctx := contextGin.Request.Context()
	user, lookupErr := handlers.Users.FindUserByEmail(ctx, inbound.Email)
	if lookupErr != nil {
		if !errors.Is(lookupErr, ErrNotFound) {
			handlers.Logger.Error("recovery lookup failed", zap.String("code", "recovery.lookup_failed"), zap.Error(lookupErr))
		}
		return
	}
	session, startErr := handlers.Recovery.Start(ctx, user.ID)
	if startErr != nil {
		handlers.Logger.Error("recovery start failed", zap.String("code", "recovery.start_failed"), zap.Error(startErr))
		return
	}
	if notifyErr := handlers.Notifier.NotifyRecovery(ctx, user, session); notifyErr != nil {
		handlers.Logger.Error("recovery notification failed", zap.String("code", "recovery.notify_failed"), zap.Error(notifyErr))
	}
}

func (handlers *authRoutes) consumeRecovery(contextGin *gin.Context) {
	var inbound struct {
		RecoverySessionID string `json:"recovery_session_id"`
	}
	if err := contextGin.ShouldBindJSON(&inbound); err != nil {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
		return
	}
	userID, err := handlers.Recovery.Consume(contextGin.Request.Context(), inbound.RecoverySessionID)
	if err != nil {
		writeAuthError(contextGin, err)
		return
	}
	contextGin.JSON(http.StatusOK, gin.H{"user_id": userID})
}

func (handlers *authRoutes) validate(contextGin *gin.Context) {
	claims, _ := ClaimsFromContext(contextGin)
	contextGin.JSON(http.StatusOK, gin.H{
		"user_id":    claims.GetUserID(),
		"user_email": claims.GetUserEmail(),
		"role":       claims.GetUserRole(),
		"token_id":   claims.GetTokenID(),
		"expires_at": claims.GetExpiresAt(),
	})
}

func (handlers *authRoutes) adminRevoke(contextGin *gin.Context) {
	var inbound struct {
		UserID  string `json:"user_id"`
		TokenID string `json:"token_id"`
	}
	if err := contextGin.ShouldBindJSON(&inbound); err != nil || strings.TrimSpace(inbound.UserID) == "" {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
		return
	}
	ctx := contextGin.Request.Context()
	if inbound.TokenID != "" {
		if err := handlers.Tokens.BlacklistTokenID(ctx, inbound.TokenID, inbound.UserID); err != nil {
			writeAuthError(contextGin, err)
			return
		}
	}
	revoked, err := handlers.Refresh.RevokeAll(ctx, inbound.UserID)
	if err != nil {
		writeAuthError(contextGin, err)
		return
	}
	admin, _ := ClaimsFromContext(contextGin)
	handlers.Logger.Info("sessions revoked by admin",
		zap.String("code", "admin.revoke"),
		zap.String("admin_id", admin.GetUserID()),
		zap.String("user_id", inbound.UserID),
		zap.Int64("refresh_revoked", revoked))
	contextGin.JSON(http.StatusOK, gin.H{"refresh_revoked": revoked})
}

func (handlers *authRoutes) writePairCookies(contextGin *gin.Context, userID string, pair CredentialPair) {
	configuration := handlers.Configuration
	http.SetCookie(contextGin.Writer, &http.Cookie{
		Name:     configuration.SessionCookieName,
		Value:    pair.AccessToken,
		Path:     "/",
		Domain:   configuration.CookieDomain,
		Expires:  pair.AccessExpiresAt,
		Secure:   !configuration.AllowInsecureHTTP,
		HttpOnly: true,
		SameSite: configuration.SameSiteMode,
	})
	refreshCookie := &http.Cookie{
		Name:     configuration.RefreshCookieName,
		Value:    EncodeRefreshCookie(userID, pair.RefreshSecret),
		Path:     "/auth",
		Domain:   configuration.CookieDomain,
		Secure:   !configuration.AllowInsecureHTTP,
		HttpOnly: true,
		SameSite: configuration.SameSiteMode,
	}
	if pair.RefreshCredential.Expiration != nil {
		refreshCookie.Expires = *pair.RefreshCredential.Expiration
	} else {
		refreshCookie.Expires = handlers.Clock.Now().Add(persistentCookieLifetime)
	}
	http.SetCookie(contextGin.Writer, refreshCookie)
}

// persistentCookieLifetime bounds the browser lifetime of refresh cookies for non-expiring credentials.
const persistentCookieLifetime = 400 * 24 * time.Hour

func (handlers *authRoutes) clearCookies(contextGin *gin.Context) {
	configuration := handlers.Configuration
	clearCookie(contextGin, configuration.SessionCookieName, "/", configuration)
	clearCookie(contextGin, configuration.RefreshCookieName, "/auth", configuration)
}

func clearCookie(contextGin *gin.Context, name string, path string, configuration ServerConfig) {
	http.SetCookie(contextGin.Writer, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     path,
		Domain:   configuration.CookieDomain,
		MaxAge:   -1,
		Secure:   !configuration.AllowInsecureHTTP,
		HttpOnly: true,
		SameSite: configuration.SameSiteMode,
	})
}

// StatusForError maps an error kind onto its HTTP status.
func StatusForError(err error) int {
	switch ErrorCode(err) {
	case ErrUnauthorized.Error(), ErrExpired.Error(), ErrBlacklisted.Error(), ErrMalformed.Error(), ErrCodeMismatch.Error():
		return http.StatusUnauthorized
	case ErrNotFound.Error():
		return http.StatusNotFound
	case ErrAlreadyUsed.Error():
		return http.StatusConflict
	case ErrStoreUnavailable.Error():
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeAuthError(contextGin *gin.Context, err error) {
	contextGin.AbortWithStatusJSON(StatusForError(err), gin.H{"error": ErrorCode(err)})
}

func isHTTPS(request *http.Request) bool {
	if request.TLS != nil {
		return true
	}
	if strings.EqualFold(request.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	forwarded := request.Header.Get("Forwarded")
	if forwarded != "" && strings.Contains(strings.ToLower(forwarded), "proto=https") {
		return true
	}
	host, _, splitErr := net.SplitHostPort(request.Host)
	return splitErr == nil && host == "localhost"
}
