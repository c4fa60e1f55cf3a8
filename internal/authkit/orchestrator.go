package authkit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// AccessTokenMinter signs access tokens; TokenService is the production implementation.
type AccessTokenMinter interface {
	Issue(user User, tokenID string) (string, time.Time, error)
}

// TokenOrchestrator issues access/refresh pairs whose jti equals the refresh credential id.
type TokenOrchestrator struct {
	tokens  AccessTokenMinter
	refresh *RefreshRotationService
	users   UserDirectory
	logger  *zap.Logger
	metrics MetricsRecorder
}

// NewTokenOrchestrator composes the token minter and the rotation service.
func NewTokenOrchestrator(tokens AccessTokenMinter, refresh *RefreshRotationService, users UserDirectory, logger *zap.Logger, metrics MetricsRecorder) *TokenOrchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TokenOrchestrator{
		tokens:  tokens,
		refresh: refresh,
		users:   users,
		logger:  logger,
		metrics: metricsOrNop(metrics),
	}
}

// IssueCredentialPair creates a refresh credential, then an access token bound to it. If minting
// fails the credential is discarded so nothing orphaned survives.
func (orchestrator *TokenOrchestrator) IssueCredentialPair(ctx context.Context, user User) (CredentialPair, error) {
	issued, issueErr := orchestrator.refresh.Issue(ctx, user.ID)
	if issueErr != nil {
		return CredentialPair{}, fmt.Errorf("orchestrator.issue_pair: %w", issueErr)
	}
	return orchestrator.bind(ctx, user, issued, "orchestrator.issue_pair")
}

// RefreshCredentialPair rotates the presented secret and mints an access token for the successor.
// Rotation errors propagate unchanged.
func (orchestrator *TokenOrchestrator) RefreshCredentialPair(ctx context.Context, presentedSecret string, userID string) (CredentialPair, error) {
	rotation, rotateErr := orchestrator.refresh.Rotate(ctx, presentedSecret, userID)
	if rotateErr != nil {
		return CredentialPair{}, rotateErr
	}
	user, lookupErr := orchestrator.users.FindUserByID(ctx, userID)
	if lookupErr != nil {
		orchestrator.compensate(ctx, rotation.Current.Credential.ID, lookupErr)
		if errors.Is(lookupErr, ErrNotFound) {
			return CredentialPair{}, fmt.Errorf("orchestrator.refresh_pair: %w", ErrUnauthorized)
		}
		return CredentialPair{}, fmt.Errorf("orchestrator.refresh_pair: %w", lookupErr)
	}
	return orchestrator.bind(ctx, user, rotation.Current, "orchestrator.refresh_pair")
}

func (orchestrator *TokenOrchestrator) bind(ctx context.Context, user User, issued IssuedCredential, operation string) (CredentialPair, error) {
	accessToken, accessExpiresAt, mintErr := orchestrator.tokens.Issue(user, issued.Credential.ID)
	if mintErr != nil {
		orchestrator.compensate(ctx, issued.Credential.ID, mintErr)
		return CredentialPair{}, fmt.Errorf("%s: %w", operation, mintErr)
	}
	return CredentialPair{
		AccessToken:       accessToken,
		AccessExpiresAt:   accessExpiresAt,
		RefreshCredential: issued.Credential,
		RefreshSecret:     issued.Secret,
	}, nil
}

func (orchestrator *TokenOrchestrator) compensate(ctx context.Context, credentialID string, cause error) {
	orchestrator.metrics.Increment(metricPairCompensated)
	if discardErr := orchestrator.refresh.discard(ctx, credentialID); discardErr != nil {
		orchestrator.logger.Error("orphaned refresh credential",
			zap.String("code", "orchestrator.compensation_failed"),
			zap.String("credential_id", credentialID),
			zap.NamedError("cause", cause),
			zap.Error(discardErr))
		return
	}
	orchestrator.logger.Warn("discarded unbound refresh credential",
		zap.String("code", "orchestrator.compensated"),
		zap.String("credential_id", credentialID),
		zap.Error(cause))
}
