package authkit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestSsoServiceBeginAndComplete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	metrics := NewCounterMetrics()
	service := NewSsoService(NewMemorySsoSessionStore(), 5*time.Minute, newManualClock(testEpoch), zaptest.NewLogger(t), metrics)

	started, err := service.Begin(ctx, "user@example.com", "user-1")
	require.NoError(t, err)
	require.NotEmpty(t, started.Session.ID)
	require.NotEmpty(t, started.VerificationCode)
	require.Equal(t, testEpoch, started.Session.CreatedAt)
	require.NotNil(t, started.Session.ExpiresAt)
	require.Equal(t, testEpoch.Add(5*time.Minute), *started.Session.ExpiresAt)

	userID, err := service.Complete(ctx, started.Session.ID, started.VerificationCode)
	require.NoError(t, err)
	require.Equal(t, "user-1", userID)

	_, err = service.Complete(ctx, started.Session.ID, started.VerificationCode)
	require.ErrorIs(t, err, ErrNotFound, "a completed session is gone")

	require.EqualValues(t, 1, metrics.Count(metricSsoBegun))
	require.EqualValues(t, 1, metrics.Count(metricSsoCompleted))
}

func TestSsoServiceCompleteRejections(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := newManualClock(testEpoch)
	store := NewMemorySsoSessionStore()
	service := NewSsoService(store, 5*time.Minute, clock, nil, nil)

	_, err := service.Complete(ctx, "unknown", "code")
	require.ErrorIs(t, err, ErrNotFound)

	started, err := service.Begin(ctx, "user@example.com", "user-1")
	require.NoError(t, err)

	_, err = service.Complete(ctx, started.Session.ID, "wrong-code")
	require.ErrorIs(t, err, ErrCodeMismatch)
	userID, err := service.Complete(ctx, started.Session.ID, started.VerificationCode)
	require.NoError(t, err, "a mismatch does not consume the session")
	require.Equal(t, "user-1", userID)

	expiring, err := service.Begin(ctx, "user@example.com", "user-1")
	require.NoError(t, err)
	clock.Advance(5*time.Minute + time.Second)
	_, err = service.Complete(ctx, expiring.Session.ID, expiring.VerificationCode)
	require.ErrorIs(t, err, ErrExpired)
	_, _, err = store.Find(ctx, expiring.Session.ID)
	require.ErrorIs(t, err, ErrNotFound, "expired sessions are discarded")

	_, err = service.Begin(ctx, "", "user-1")
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestSsoServiceWithoutExpiry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := newManualClock(testEpoch)
	service := NewSsoService(NewMemorySsoSessionStore(), 0, clock, nil, nil)

	started, err := service.Begin(ctx, "user@example.com", "user-1")
	require.NoError(t, err)
	require.Nil(t, started.Session.ExpiresAt)

	clock.Advance(365 * 24 * time.Hour)
	userID, err := service.Complete(ctx, started.Session.ID, started.VerificationCode)
	require.NoError(t, err)
	require.Equal(t, "user-1", userID)
}

func TestSsoServiceConcurrentCompleteSucceedsOnce(t *testing.T) {
	t.Parallel()
	for _, factory := range storeFactories() {
		factory := factory
		t.Run(factory.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			service := NewSsoService(factory.build(t).sso, 5*time.Minute, newManualClock(testEpoch), nil, nil)
			started, err := service.Begin(ctx, "user@example.com", "user-1")
			require.NoError(t, err)

			var successes atomic.Int32
			var waitGroup sync.WaitGroup
			for attempt := 0; attempt < 8; attempt++ {
				waitGroup.Add(1)
				go func() {
					defer waitGroup.Done()
					if _, completeErr := service.Complete(ctx, started.Session.ID, started.VerificationCode); completeErr == nil {
						successes.Add(1)
					}
				}()
			}
			waitGroup.Wait()
			require.EqualValues(t, 1, successes.Load())
		})
	}
}
