package authkit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryRefreshCredentialStore is an in-memory store intended for tests and dev.
type MemoryRefreshCredentialStore struct {
	mutex  sync.Mutex
	byID   map[string]*memoryCredentialRecord
	byHash map[string]string
}

type memoryCredentialRecord struct {
	credential RefreshCredential
	hash       string
}

// NewMemoryRefreshCredentialStore creates a new in-memory credential store.
func NewMemoryRefreshCredentialStore() *MemoryRefreshCredentialStore {
	return &MemoryRefreshCredentialStore{
		byID:   make(map[string]*memoryCredentialRecord),
		byHash: make(map[string]string),
	}
}

// Create stores a credential under its secret hash.
func (store *MemoryRefreshCredentialStore) Create(ctx context.Context, credential RefreshCredential, secretHash string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.insertLocked(credential, secretHash)
}

func (store *MemoryRefreshCredentialStore) insertLocked(credential RefreshCredential, secretHash string) error {
	if _, exists := store.byID[credential.ID]; exists {
		return fmt.Errorf("refresh_store.create.memory: duplicate id %s: %w", credential.ID, ErrStoreUnavailable)
	}
	store.byID[credential.ID] = &memoryCredentialRecord{credential: credential, hash: secretHash}
	store.byHash[secretHash] = credential.ID
	return nil
}

// FindBySecret returns the credential matching the hash and owner.
func (store *MemoryRefreshCredentialStore) FindBySecret(ctx context.Context, userID string, secretHash string) (RefreshCredential, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	credentialID, ok := store.byHash[secretHash]
	if !ok {
		return RefreshCredential{}, fmt.Errorf("refresh_store.find.memory: %w", ErrNotFound)
	}
	record := store.byID[credentialID]
	if record == nil || record.credential.UserID != userID {
		return RefreshCredential{}, fmt.Errorf("refresh_store.find.memory: %w", ErrNotFound)
	}
	return record.credential, nil
}

// Rotate revokes previousID and inserts the successor atomically under the store mutex.
func (store *MemoryRefreshCredentialStore) Rotate(ctx context.Context, previousID string, successor RefreshCredential, successorHash string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	record := store.byID[previousID]
	if record == nil {
		return fmt.Errorf("refresh_store.rotate.memory: %w", ErrNotFound)
	}
	if record.credential.Revoked {
		return fmt.Errorf("refresh_store.rotate.memory: %w", ErrUnauthorized)
	}
	if err := store.insertLocked(successor, successorHash); err != nil {
		return err
	}
	record.credential.Revoked = true
	return nil
}

// Revoke marks a credential as revoked.
func (store *MemoryRefreshCredentialStore) Revoke(ctx context.Context, credentialID string) (bool, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	record := store.byID[credentialID]
	if record == nil {
		return false, fmt.Errorf("refresh_store.revoke.memory: %w", ErrNotFound)
	}
	if record.credential.Revoked {
		return false, nil
	}
	record.credential.Revoked = true
	return true, nil
}

// RevokeAllForUser revokes every live credential owned by the user.
func (store *MemoryRefreshCredentialStore) RevokeAllForUser(ctx context.Context, userID string) (int64, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	var revoked int64
	for _, record := range store.byID {
		if record.credential.UserID == userID && !record.credential.Revoked {
			record.credential.Revoked = true
			revoked++
		}
	}
	return revoked, nil
}

// Delete removes a credential entirely.
func (store *MemoryRefreshCredentialStore) Delete(ctx context.Context, credentialID string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	record := store.byID[credentialID]
	if record == nil {
		return nil
	}
	delete(store.byHash, record.hash)
	delete(store.byID, credentialID)
	return nil
}

// PurgeExpired removes credentials that expired before the given instant.
func (store *MemoryRefreshCredentialStore) PurgeExpired(ctx context.Context, before time.Time) (int64, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	var purged int64
	for credentialID, record := range store.byID {
		if record.credential.Expiration != nil && record.credential.Expiration.Before(before) {
			delete(store.byHash, record.hash)
			delete(store.byID, credentialID)
			purged++
		}
	}
	return purged, nil
}

// MemoryBlacklistStore keeps blacklist entries in a map and drops inert ones on lookup.
type MemoryBlacklistStore struct {
	mutex   sync.Mutex
	entries map[string]BlacklistEntry
}

// NewMemoryBlacklistStore constructs an empty blacklist.
func NewMemoryBlacklistStore() *MemoryBlacklistStore {
	return &MemoryBlacklistStore{entries: make(map[string]BlacklistEntry)}
}

// Add inserts or replaces the entry for its token identifier.
func (store *MemoryBlacklistStore) Add(ctx context.Context, entry BlacklistEntry) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.entries[entry.TokenID] = entry
	return nil
}

// IsActive reports whether the token identifier is blacklisted at now.
func (store *MemoryBlacklistStore) IsActive(ctx context.Context, tokenID string, now time.Time) (bool, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	entry, ok := store.entries[tokenID]
	if !ok {
		return false, nil
	}
	if !entry.ActiveAt(now) {
		delete(store.entries, tokenID)
		return false, nil
	}
	return true, nil
}

// Purge drops every entry that ended before now.
func (store *MemoryBlacklistStore) Purge(ctx context.Context, now time.Time) (int64, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	var purged int64
	for tokenID, entry := range store.entries {
		if entry.EndOfBlacklisting.Before(now) {
			delete(store.entries, tokenID)
			purged++
		}
	}
	return purged, nil
}

// MemoryRecoverySessionStore keeps recovery sessions in a map.
type MemoryRecoverySessionStore struct {
	mutex    sync.Mutex
	sessions map[string]RecoverySession
}

// NewMemoryRecoverySessionStore constructs an empty recovery session store.
func NewMemoryRecoverySessionStore() *MemoryRecoverySessionStore {
	return &MemoryRecoverySessionStore{sessions: make(map[string]RecoverySession)}
}

// Create stores a new session.
func (store *MemoryRecoverySessionStore) Create(ctx context.Context, session RecoverySession) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.sessions[session.ID] = session
	return nil
}

// Find returns the session by id.
func (store *MemoryRecoverySessionStore) Find(ctx context.Context, sessionID string) (RecoverySession, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	session, ok := store.sessions[sessionID]
	if !ok {
		return RecoverySession{}, fmt.Errorf("recovery_store.find.memory: %w", ErrNotFound)
	}
	return session, nil
}

// MarkOpened flips IsOpened once.
func (store *MemoryRecoverySessionStore) MarkOpened(ctx context.Context, sessionID string) (bool, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	session, ok := store.sessions[sessionID]
	if !ok || session.IsOpened {
		return false, nil
	}
	session.IsOpened = true
	store.sessions[sessionID] = session
	return true, nil
}

// Replace removes the user's sessions that were never opened and stores the new one under the same lock.
func (store *MemoryRecoverySessionStore) Replace(ctx context.Context, session RecoverySession) (int64, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	var deleted int64
	for sessionID, existing := range store.sessions {
		if existing.UserID == session.UserID && !existing.IsOpened {
			delete(store.sessions, sessionID)
			deleted++
		}
	}
	store.sessions[session.ID] = session
	return deleted, nil
}

// PurgeExpired removes sessions that expired before the given instant.
func (store *MemoryRecoverySessionStore) PurgeExpired(ctx context.Context, before time.Time) (int64, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	var purged int64
	for sessionID, session := range store.sessions {
		if session.ExpiryDate.Before(before) {
			delete(store.sessions, sessionID)
			purged++
		}
	}
	return purged, nil
}

// MemorySsoSessionStore keeps SSO sessions in a map.
type MemorySsoSessionStore struct {
	mutex    sync.Mutex
	sessions map[string]memorySsoRecord
}

type memorySsoRecord struct {
	session  SsoSession
	codeHash string
}

// NewMemorySsoSessionStore constructs an empty SSO session store.
func NewMemorySsoSessionStore() *MemorySsoSessionStore {
	return &MemorySsoSessionStore{sessions: make(map[string]memorySsoRecord)}
}

// Create stores a new session with its verification code hash.
func (store *MemorySsoSessionStore) Create(ctx context.Context, session SsoSession, codeHash string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.sessions[session.ID] = memorySsoRecord{session: session, codeHash: codeHash}
	return nil
}

// Find returns the session and its code hash.
func (store *MemorySsoSessionStore) Find(ctx context.Context, sessionID string) (SsoSession, string, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	record, ok := store.sessions[sessionID]
	if !ok {
		return SsoSession{}, "", fmt.Errorf("sso_store.find.memory: %w", ErrNotFound)
	}
	return record.session, record.codeHash, nil
}

// Consume deletes the session once.
func (store *MemorySsoSessionStore) Consume(ctx context.Context, sessionID string) (bool, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if _, ok := store.sessions[sessionID]; !ok {
		return false, nil
	}
	delete(store.sessions, sessionID)
	return true, nil
}

// PurgeExpired removes sessions whose expiry passed before the given instant.
func (store *MemorySsoSessionStore) PurgeExpired(ctx context.Context, before time.Time) (int64, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	var purged int64
	for sessionID, record := range store.sessions {
		if record.session.ExpiresAt != nil && record.session.ExpiresAt.Before(before) {
			delete(store.sessions, sessionID)
			purged++
		}
	}
	return purged, nil
}
