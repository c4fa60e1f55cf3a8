package authkit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// RecoveryService runs the single-use password recovery session state machine:
// Created (unopened, before expiry) moves to Opened exactly once; Opened and expired sessions never validate again.
type RecoveryService struct {
	store   RecoverySessionStore
	ttl     time.Duration
	clock   Clock
	logger  *zap.Logger
	metrics MetricsRecorder
}

// NewRecoveryService builds the service with the given session lifetime.
func NewRecoveryService(store RecoverySessionStore, ttl time.Duration, clock Clock, logger *zap.Logger, metrics MetricsRecorder) *RecoveryService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RecoveryService{
		store:   store,
		ttl:     ttl,
		clock:   clockOrSystem(clock),
		logger:  logger,
		metrics: metricsOrNop(metrics),
	}
}

// Start opens a new recovery session, dropping any unopened session the user still holds.
func (service *RecoveryService) Start(ctx context.Context, userID string) (RecoverySession, error) {
	if strings.TrimSpace(userID) == "" {
		return RecoverySession{}, fmt.Errorf("recovery.start: %w", ErrUnauthorized)
	}
	session := RecoverySession{
		ID:         newSessionID(),
		UserID:     userID,
		ExpiryDate: service.clock.Now().UTC().Add(service.ttl),
		IsOpened:   false,
	}
	superseded, replaceErr := service.store.Replace(ctx, session)
	if replaceErr != nil {
		return RecoverySession{}, fmt.Errorf("recovery.start: %w", replaceErr)
	}
	if superseded > 0 {
		service.logger.Info("superseded recovery sessions",
			zap.String("code", "recovery.superseded"),
			zap.String("user_id", userID),
			zap.Int64("count", superseded))
	}
	service.metrics.Increment(metricRecoveryStarted)
	return session, nil
}

// Consume opens the session and returns its owner. An opened session reports ErrAlreadyUsed regardless of expiry.
func (service *RecoveryService) Consume(ctx context.Context, sessionID string) (string, error) {
	if strings.TrimSpace(sessionID) == "" {
		service.metrics.Increment(metricRecoveryRejected)
		return "", fmt.Errorf("recovery.consume: %w", ErrNotFound)
	}
	session, findErr := service.store.Find(ctx, sessionID)
	if findErr != nil {
		if errors.Is(findErr, ErrNotFound) {
			service.metrics.Increment(metricRecoveryRejected)
		}
		return "", fmt.Errorf("recovery.consume: %w", findErr)
	}
	if session.IsOpened {
		service.metrics.Increment(metricRecoveryRejected)
		return "", fmt.Errorf("recovery.consume: %w", ErrAlreadyUsed)
	}
	if service.clock.Now().After(session.ExpiryDate) {
		service.metrics.Increment(metricRecoveryRejected)
		return "", fmt.Errorf("recovery.consume: %w", ErrExpired)
	}
	opened, markErr := service.store.MarkOpened(ctx, sessionID)
	if markErr != nil {
		return "", fmt.Errorf("recovery.consume: %w", markErr)
	}
	if !opened {
		service.metrics.Increment(metricRecoveryRejected)
		return "", fmt.Errorf("recovery.consume: %w", ErrAlreadyUsed)
	}
	service.metrics.Increment(metricRecoveryConsumed)
	return session.UserID, nil
}
