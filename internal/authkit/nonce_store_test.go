package authkit

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryNonceStoreIssueAndConsume(t *testing.T) {
	t.Parallel()
	store := NewMemoryNonceStore(2*time.Minute, newManualClock(time.Unix(1000, 0)))

	token, err := store.Issue(context.Background())
	if err != nil {
		t.Fatalf("issue nonce: %v", err)
	}
	if token == "" {
		t.Fatalf("expected token")
	}

	if err := store.Consume(context.Background(), token); err != nil {
		t.Fatalf("consume nonce: %v", err)
	}

	err = store.Consume(context.Background(), token)
	if !errors.Is(err, ErrNonceNotFound) || !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrNonceNotFound, got %v", err)
	}
}

func TestMemoryNonceStoreExpiry(t *testing.T) {
	t.Parallel()
	clock := newManualClock(time.Unix(1000, 0))
	store := NewMemoryNonceStore(time.Minute, clock)

	token, err := store.Issue(context.Background())
	if err != nil {
		t.Fatalf("issue nonce: %v", err)
	}

	clock.Advance(2 * time.Minute)

	err = store.Consume(context.Background(), token)
	if !errors.Is(err, ErrNonceExpired) || !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrNonceExpired, got %v", err)
	}
	if err := store.Consume(context.Background(), token); !errors.Is(err, ErrNonceNotFound) {
		t.Fatalf("expected expired nonce to be gone, got %v", err)
	}
}

func TestMemoryNonceStoreRandomFailure(t *testing.T) {
	original := refreshTokenRandomSource
	refreshTokenRandomSource = failingReader{}
	t.Cleanup(func() { refreshTokenRandomSource = original })

	store := NewMemoryNonceStore(time.Minute, nil)
	if _, err := store.Issue(context.Background()); err == nil {
		t.Fatalf("expected random source failure")
	}
}
