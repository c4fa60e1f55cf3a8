package authkit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// StartedSsoSession carries the verification code, which is shown to the caller once and stored only as a hash.
type StartedSsoSession struct {
	Session          SsoSession
	VerificationCode string
}

// SsoService bridges an external identity-provider login to local credential issuance.
type SsoService struct {
	store   SsoSessionStore
	ttl     time.Duration
	clock   Clock
	logger  *zap.Logger
	metrics MetricsRecorder
}

// NewSsoService builds the service. A ttl of zero creates sessions without expiry.
func NewSsoService(store SsoSessionStore, ttl time.Duration, clock Clock, logger *zap.Logger, metrics MetricsRecorder) *SsoService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SsoService{
		store:   store,
		ttl:     ttl,
		clock:   clockOrSystem(clock),
		logger:  logger,
		metrics: metricsOrNop(metrics),
	}
}

// Begin records a verified external login for the user.
func (service *SsoService) Begin(ctx context.Context, userEmail string, userID string) (StartedSsoSession, error) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(userEmail) == "" {
		return StartedSsoSession{}, fmt.Errorf("sso.begin: %w", ErrUnauthorized)
	}
	code, codeHash, err := generateVerificationCode()
	if err != nil {
		return StartedSsoSession{}, fmt.Errorf("sso.begin: %w", err)
	}
	now := service.clock.Now().UTC()
	session := SsoSession{
		ID:        newSessionID(),
		UserID:    userID,
		UserEmail: userEmail,
		CreatedAt: now,
	}
	if service.ttl > 0 {
		expiresAt := now.Add(service.ttl)
		session.ExpiresAt = &expiresAt
	}
	if err := service.store.Create(ctx, session, codeHash); err != nil {
		return StartedSsoSession{}, fmt.Errorf("sso.begin: %w", err)
	}
	service.metrics.Increment(metricSsoBegun)
	return StartedSsoSession{Session: session, VerificationCode: code}, nil
}

// Complete consumes the session when the presented code matches and returns its owner.
func (service *SsoService) Complete(ctx context.Context, sessionID string, presentedCode string) (string, error) {
	session, codeHash, findErr := service.store.Find(ctx, sessionID)
	if findErr != nil {
		if errors.Is(findErr, ErrNotFound) {
			service.metrics.Increment(metricSsoRejected)
		}
		return "", fmt.Errorf("sso.complete: %w", findErr)
	}
	if session.ExpiresAt != nil && service.clock.Now().After(*session.ExpiresAt) {
		if _, discardErr := service.store.Consume(ctx, sessionID); discardErr != nil {
			service.logger.Warn("expired sso session not discarded",
				zap.String("code", "sso.discard_failed"),
				zap.String("session_id", sessionID),
				zap.Error(discardErr))
		}
		service.metrics.Increment(metricSsoRejected)
		return "", fmt.Errorf("sso.complete: %w", ErrExpired)
	}
	if !hashesEqual(hashOpaque(presentedCode), codeHash) {
		service.metrics.Increment(metricSsoRejected)
		return "", fmt.Errorf("sso.complete: %w", ErrCodeMismatch)
	}
	consumed, consumeErr := service.store.Consume(ctx, sessionID)
	if consumeErr != nil {
		return "", fmt.Errorf("sso.complete: %w", consumeErr)
	}
	if !consumed {
		service.metrics.Increment(metricSsoRejected)
		return "", fmt.Errorf("sso.complete: %w", ErrAlreadyUsed)
	}
	service.metrics.Increment(metricSsoCompleted)
	return session.UserID, nil
}
