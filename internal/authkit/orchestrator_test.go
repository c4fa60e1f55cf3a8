package authkit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type staticDirectory map[string]User

func (directory staticDirectory) FindUserByID(ctx context.Context, userID string) (User, error) {
	user, ok := directory[userID]
	if !ok {
		return User{}, fmt.Errorf("static_directory: %w", ErrNotFound)
	}
	return user, nil
}

func (directory staticDirectory) FindUserByEmail(ctx context.Context, email string) (User, error) {
	for _, user := range directory {
		if strings.EqualFold(user.Email, email) {
			return user, nil
		}
	}
	return User{}, fmt.Errorf("static_directory: %w", ErrNotFound)
}

type failingMinter struct{}

func (failingMinter) Issue(user User, tokenID string) (string, time.Time, error) {
	return "", time.Time{}, errors.New("jwt.mint.failure: forced")
}

type orchestratorFixture struct {
	orchestrator *TokenOrchestrator
	tokens       *TokenService
	store        *MemoryRefreshCredentialStore
	metrics      *CounterMetrics
	clock        *manualClock
}

func newOrchestratorFixture(t *testing.T, minter AccessTokenMinter, users UserDirectory) orchestratorFixture {
	t.Helper()
	clock := newManualClock(testEpoch)
	metrics := NewCounterMetrics()
	logger := zaptest.NewLogger(t)
	tokens, err := NewTokenService(newTestServerConfig(t), NewMemoryBlacklistStore(), clock, logger, metrics)
	require.NoError(t, err)
	if minter == nil {
		minter = tokens
	}
	store := NewMemoryRefreshCredentialStore()
	refresh := NewRefreshRotationService(store, 24*time.Hour, clock, logger, metrics)
	return orchestratorFixture{
		orchestrator: NewTokenOrchestrator(minter, refresh, users, logger, metrics),
		tokens:       tokens,
		store:        store,
		metrics:      metrics,
		clock:        clock,
	}
}

func TestOrchestratorPairIsLinked(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	user := User{ID: "U", Email: "u@example.com", Role: RoleStandard}
	fixture := newOrchestratorFixture(t, nil, staticDirectory{"U": user})

	pair, err := fixture.orchestrator.IssueCredentialPair(ctx, user)
	require.NoError(t, err)
	claims, err := fixture.tokens.Validate(ctx, pair.AccessToken)
	require.NoError(t, err)
	require.Equal(t, pair.RefreshCredential.ID, claims.ID)
	require.Equal(t, "U", claims.Subject)
	require.Equal(t, testEpoch.Add(15*time.Minute), pair.AccessExpiresAt)

	fixture.clock.Advance(time.Minute)
	refreshed, err := fixture.orchestrator.RefreshCredentialPair(ctx, pair.RefreshSecret, "U")
	require.NoError(t, err)
	refreshedClaims, err := fixture.tokens.Validate(ctx, refreshed.AccessToken)
	require.NoError(t, err)
	require.Equal(t, refreshed.RefreshCredential.ID, refreshedClaims.ID)
	require.NotEqual(t, pair.RefreshCredential.ID, refreshed.RefreshCredential.ID)

	previous, err := fixture.store.FindBySecret(ctx, "U", hashOpaque(pair.RefreshSecret))
	require.NoError(t, err)
	require.True(t, previous.Revoked)
}

func TestOrchestratorReplayAfterRotation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	user := User{ID: "U", Email: "u@example.com"}
	fixture := newOrchestratorFixture(t, nil, staticDirectory{"U": user})

	first, err := fixture.orchestrator.IssueCredentialPair(ctx, user)
	require.NoError(t, err)
	second, err := fixture.orchestrator.RefreshCredentialPair(ctx, first.RefreshSecret, "U")
	require.NoError(t, err)

	_, err = fixture.orchestrator.RefreshCredentialPair(ctx, first.RefreshSecret, "U")
	require.ErrorIs(t, err, ErrUnauthorized)

	_, err = fixture.orchestrator.RefreshCredentialPair(ctx, second.RefreshSecret, "U")
	require.ErrorIs(t, err, ErrUnauthorized, "the replay revoked the successor too")
}

func TestOrchestratorCompensatesFailedMint(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	user := User{ID: "U", Email: "u@example.com"}
	fixture := newOrchestratorFixture(t, failingMinter{}, staticDirectory{"U": user})

	_, err := fixture.orchestrator.IssueCredentialPair(ctx, user)
	require.Error(t, err)
	require.EqualValues(t, 1, fixture.metrics.Count(metricPairCompensated))

	revoked, err := fixture.store.RevokeAllForUser(ctx, "U")
	require.NoError(t, err)
	require.Zero(t, revoked, "no live credential survives a failed mint")
}

func TestOrchestratorRefreshForUnknownUser(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	user := User{ID: "U", Email: "u@example.com"}
	directory := staticDirectory{"U": user}
	fixture := newOrchestratorFixture(t, nil, directory)

	pair, err := fixture.orchestrator.IssueCredentialPair(ctx, user)
	require.NoError(t, err)
	delete(directory, "U")

	_, err = fixture.orchestrator.RefreshCredentialPair(ctx, pair.RefreshSecret, "U")
	require.ErrorIs(t, err, ErrUnauthorized)
	require.EqualValues(t, 1, fixture.metrics.Count(metricPairCompensated))

	revoked, err := fixture.store.RevokeAllForUser(ctx, "U")
	require.NoError(t, err)
	require.Zero(t, revoked)
}
