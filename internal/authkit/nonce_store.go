package authkit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrNonceNotFound indicates the supplied nonce was not issued or already consumed.
	ErrNonceNotFound = fmt.Errorf("nonce.not_found: %w", ErrUnauthorized)
	// ErrNonceExpired indicates the nonce expired before consumption.
	ErrNonceExpired = fmt.Errorf("nonce.expired: %w", ErrExpired)
)

// NonceStore issues one-time nonces that bind a Google ID token to the SSO exchange that requested it.
type NonceStore interface {
	Issue(ctx context.Context) (string, error)
	Consume(ctx context.Context, nonce string) error
}

type memoryNonceStore struct {
	mutex   sync.Mutex
	entries map[string]time.Time
	ttl     time.Duration
	clock   Clock
}

// NewMemoryNonceStore constructs an in-memory NonceStore with the provided TTL.
func NewMemoryNonceStore(ttl time.Duration, clock Clock) NonceStore {
	return &memoryNonceStore{
		entries: make(map[string]time.Time),
		ttl:     ttl,
		clock:   clockOrSystem(clock),
	}
}

func (store *memoryNonceStore) Issue(ctx context.Context) (string, error) {
	nonce, _, err := randomOpaque(refreshOpaqueByteLength, "nonce.random")
	if err != nil {
		return "", err
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.purgeExpiredLocked()
	store.entries[nonce] = store.clock.Now().Add(store.ttl)
	return nonce, nil
}

func (store *memoryNonceStore) Consume(ctx context.Context, nonce string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	defer store.purgeExpiredLocked()
	expiry, ok := store.entries[nonce]
	if !ok {
		return ErrNonceNotFound
	}
	delete(store.entries, nonce)
	if store.clock.Now().After(expiry) {
		return ErrNonceExpired
	}
	return nil
}

func (store *memoryNonceStore) purgeExpiredLocked() {
	now := store.clock.Now()
	for nonce, expiry := range store.entries {
		if now.After(expiry) {
			delete(store.entries, nonce)
		}
	}
}
