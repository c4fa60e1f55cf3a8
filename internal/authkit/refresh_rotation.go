package authkit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// IssuedCredential pairs a stored credential with its secret. The secret exists only here and in the client's cookie.
type IssuedCredential struct {
	Credential RefreshCredential
	Secret     string
}

// RotationResult is the outcome of a successful rotation.
type RotationResult struct {
	Previous RefreshCredential
	Current  IssuedCredential
}

// RefreshRotationService issues and rotates refresh credentials and detects reuse of rotated ones.
type RefreshRotationService struct {
	store   RefreshCredentialStore
	ttl     time.Duration
	clock   Clock
	logger  *zap.Logger
	metrics MetricsRecorder
}

// NewRefreshRotationService builds the service. A ttl of zero issues credentials without expiration.
func NewRefreshRotationService(store RefreshCredentialStore, ttl time.Duration, clock Clock, logger *zap.Logger, metrics MetricsRecorder) *RefreshRotationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RefreshRotationService{
		store:   store,
		ttl:     ttl,
		clock:   clockOrSystem(clock),
		logger:  logger,
		metrics: metricsOrNop(metrics),
	}
}

// Issue creates and persists a fresh credential for the user.
func (service *RefreshRotationService) Issue(ctx context.Context, userID string) (IssuedCredential, error) {
	if strings.TrimSpace(userID) == "" {
		return IssuedCredential{}, fmt.Errorf("refresh_rotation.issue: %w", ErrUnauthorized)
	}
	issued, hashValue, err := service.newCredential(userID)
	if err != nil {
		return IssuedCredential{}, fmt.Errorf("refresh_rotation.issue: %w", err)
	}
	if err := service.store.Create(ctx, issued.Credential, hashValue); err != nil {
		return IssuedCredential{}, fmt.Errorf("refresh_rotation.issue: %w", err)
	}
	service.metrics.Increment(metricRefreshIssued)
	return issued, nil
}

// Rotate exchanges a presented secret for a successor credential. Presenting a revoked or expired
// secret revokes every live credential of the user before failing.
func (service *RefreshRotationService) Rotate(ctx context.Context, presentedSecret string, userID string) (RotationResult, error) {
	if strings.TrimSpace(presentedSecret) == "" || strings.TrimSpace(userID) == "" {
		service.metrics.Increment(metricRefreshRejected)
		return RotationResult{}, fmt.Errorf("refresh_rotation.rotate: %w", ErrUnauthorized)
	}
	previous, findErr := service.store.FindBySecret(ctx, userID, hashOpaque(presentedSecret))
	if findErr != nil {
		if errors.Is(findErr, ErrNotFound) {
			service.metrics.Increment(metricRefreshRejected)
			return RotationResult{}, fmt.Errorf("refresh_rotation.rotate: %w", ErrUnauthorized)
		}
		return RotationResult{}, fmt.Errorf("refresh_rotation.rotate: %w", findErr)
	}
	if previous.Revoked || previous.ExpiredAt(service.clock.Now()) {
		return RotationResult{}, service.rejectReuse(ctx, previous)
	}

	successor, successorHash, err := service.newCredential(userID)
	if err != nil {
		return RotationResult{}, fmt.Errorf("refresh_rotation.rotate: %w", err)
	}
	if rotateErr := service.store.Rotate(ctx, previous.ID, successor.Credential, successorHash); rotateErr != nil {
		if errors.Is(rotateErr, ErrUnauthorized) || errors.Is(rotateErr, ErrNotFound) {
			previous.Revoked = true
			return RotationResult{}, service.rejectReuse(ctx, previous)
		}
		return RotationResult{}, fmt.Errorf("refresh_rotation.rotate: %w", rotateErr)
	}
	previous.Revoked = true
	service.metrics.Increment(metricRefreshRotated)
	return RotationResult{Previous: previous, Current: successor}, nil
}

func (service *RefreshRotationService) rejectReuse(ctx context.Context, presented RefreshCredential) error {
	service.metrics.Increment(metricRefreshReuseDetected)
	revokedCount, revokeErr := service.store.RevokeAllForUser(ctx, presented.UserID)
	if revokeErr != nil {
		service.logger.Error("refresh reuse cascade failed",
			zap.String("code", "refresh.reuse_cascade_failed"),
			zap.String("user_id", presented.UserID),
			zap.String("credential_id", presented.ID),
			zap.Error(revokeErr))
		return fmt.Errorf("refresh_rotation.rotate: %w: %w", ErrUnauthorized, revokeErr)
	}
	service.logger.Warn("refresh credential reuse detected",
		zap.String("code", "refresh.reuse_detected"),
		zap.String("user_id", presented.UserID),
		zap.String("credential_id", presented.ID),
		zap.Bool("revoked", presented.Revoked),
		zap.Int64("cascade_revoked", revokedCount))
	return fmt.Errorf("refresh_rotation.rotate: %w", ErrUnauthorized)
}

// Revoke marks the credential revoked. Revoking an already revoked credential succeeds.
func (service *RefreshRotationService) Revoke(ctx context.Context, credentialID string) error {
	flipped, err := service.store.Revoke(ctx, credentialID)
	if err != nil {
		return fmt.Errorf("refresh_rotation.revoke: %w", err)
	}
	if flipped {
		service.metrics.Increment(metricRefreshRevoked)
	}
	return nil
}

// RevokeBySecret revokes the credential the client holds. An unknown secret is not an error.
func (service *RefreshRotationService) RevokeBySecret(ctx context.Context, presentedSecret string, userID string) error {
	if strings.TrimSpace(presentedSecret) == "" || strings.TrimSpace(userID) == "" {
		return nil
	}
	credential, findErr := service.store.FindBySecret(ctx, userID, hashOpaque(presentedSecret))
	if findErr != nil {
		if errors.Is(findErr, ErrNotFound) {
			return nil
		}
		return fmt.Errorf("refresh_rotation.revoke_by_secret: %w", findErr)
	}
	return service.Revoke(ctx, credential.ID)
}

// RevokeAll revokes every live credential of the user.
func (service *RefreshRotationService) RevokeAll(ctx context.Context, userID string) (int64, error) {
	revoked, err := service.store.RevokeAllForUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("refresh_rotation.revoke_all: %w", err)
	}
	return revoked, nil
}

// discard removes a credential that was never handed to a client, falling back to revocation.
func (service *RefreshRotationService) discard(ctx context.Context, credentialID string) error {
	deleteErr := service.store.Delete(ctx, credentialID)
	if deleteErr == nil {
		return nil
	}
	if _, revokeErr := service.store.Revoke(ctx, credentialID); revokeErr != nil {
		return fmt.Errorf("refresh_rotation.discard: %w", errors.Join(deleteErr, revokeErr))
	}
	return nil
}

func (service *RefreshRotationService) newCredential(userID string) (IssuedCredential, string, error) {
	now := service.clock.Now().UTC()
	secret, hashValue, err := generateRefreshOpaque()
	if err != nil {
		return IssuedCredential{}, "", err
	}
	credential := RefreshCredential{
		ID:     newRefreshCredentialID(now),
		UserID: userID,
	}
	if service.ttl > 0 {
		expiration := now.Add(service.ttl)
		credential.Expiration = &expiration
	}
	return IssuedCredential{Credential: credential, Secret: secret}, hashValue, nil
}
