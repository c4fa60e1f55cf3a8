package authkit

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	sqliteDialector "github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var (
	// ErrUnsupportedDialect indicates that no GORM dialector is available for the scheme.
	ErrUnsupportedDialect = errors.New("database_store.unsupported_dialect")

	errEmptyDatabaseURL    = errors.New("database_store.empty_database_url")
	errSQLiteEmptyPath     = errors.New("database_store.sqlite.empty_path")
	errSQLiteInvalidURL    = errors.New("database_store.sqlite.invalid_url")
	errUnsupportedNoScheme = errors.New("database_store.unsupported_no_scheme")
)

type refreshCredentialRecord struct {
	ID         string     `gorm:"column:Id;primaryKey"`
	Token      string     `gorm:"column:Token;uniqueIndex;not null"`
	UserID     string     `gorm:"column:UserId;index;not null"`
	IsRevoked  bool       `gorm:"column:IsRevoked;not null;default:false"`
	Expiration *time.Time `gorm:"column:Expiration"`
}

func (refreshCredentialRecord) TableName() string {
	return "RefreshToken"
}

func (record refreshCredentialRecord) credential() RefreshCredential {
	return RefreshCredential{
		ID:         record.ID,
		UserID:     record.UserID,
		Revoked:    record.IsRevoked,
		Expiration: record.Expiration,
	}
}

func newRefreshCredentialRecord(credential RefreshCredential, secretHash string) refreshCredentialRecord {
	return refreshCredentialRecord{
		ID:         credential.ID,
		Token:      secretHash,
		UserID:     credential.UserID,
		IsRevoked:  credential.Revoked,
		Expiration: utcPointer(credential.Expiration),
	}
}

type blacklistRecord struct {
	Token             string    `gorm:"column:Token;primaryKey"`
	EndOfBlacklisting time.Time `gorm:"column:EndOfBlacklisting;index;not null"`
	UserID            string    `gorm:"column:UserId;not null"`
}

func (blacklistRecord) TableName() string {
	return "BlacklistToken"
}

type recoverySessionRecord struct {
	ID         string    `gorm:"column:Id;primaryKey"`
	UserID     string    `gorm:"column:UserId;index;not null"`
	ExpiryDate time.Time `gorm:"column:ExpiryDate;not null"`
	IsOpened   bool      `gorm:"column:IsOpened;not null;default:false"`
}

func (recoverySessionRecord) TableName() string {
	return "RecoverySession"
}

type ssoSessionRecord struct {
	ID               string     `gorm:"column:Id;primaryKey"`
	UserID           string     `gorm:"column:UserId;not null"`
	UserEmail        string     `gorm:"column:UserEmail;not null"`
	CreatedAt        time.Time  `gorm:"column:CreatedAt;not null"`
	ExpiresAt        *time.Time `gorm:"column:ExpiresAt"`
	VerificationCode string     `gorm:"column:VerificationCode;not null"`
}

func (ssoSessionRecord) TableName() string {
	return "SsoSession"
}

type userRecord struct {
	ID             string     `gorm:"column:Id;primaryKey"`
	Name           string     `gorm:"column:Name"`
	Email          string     `gorm:"column:Email;uniqueIndex;not null"`
	AvatarName     string     `gorm:"column:AvatarName"`
	Role           string     `gorm:"column:Role;not null;default:standard"`
	LastTimeLogged *time.Time `gorm:"column:LastTimeLogged"`
}

func (userRecord) TableName() string {
	return "Users"
}

func (record userRecord) user() User {
	return User{
		ID:             record.ID,
		Name:           record.Name,
		Email:          record.Email,
		AvatarName:     record.AvatarName,
		Role:           ParseRole(record.Role),
		LastTimeLogged: record.LastTimeLogged,
	}
}

// DatabaseStores persists every credential kind using GORM over postgres or sqlite.
type DatabaseStores struct {
	db          *gorm.DB
	driverLabel string
}

// NewDatabaseStores opens the database and migrates the credential tables.
func NewDatabaseStores(ctx context.Context, databaseURL string) (*DatabaseStores, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("database_store.open: %w", errEmptyDatabaseURL)
	}
	dialector, driverLabel, err := resolveDialector(databaseURL)
	if err != nil {
		return nil, err
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if openErr != nil {
		return nil, fmt.Errorf("database_store.open.%s: %w", driverLabel, openErr)
	}
	if driverLabel == "sqlite" {
		sqlDB, poolErr := gormDB.DB()
		if poolErr != nil {
			return nil, fmt.Errorf("database_store.open.%s: %w", driverLabel, poolErr)
		}
		// sqlite serializes writers; one connection avoids "database is locked" under concurrent rotation.
		sqlDB.SetMaxOpenConns(1)
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(
		&userRecord{},
		&refreshCredentialRecord{},
		&blacklistRecord{},
		&recoverySessionRecord{},
		&ssoSessionRecord{},
	); migrateErr != nil {
		return nil, fmt.Errorf("database_store.migrate.%s: %w", driverLabel, migrateErr)
	}
	return &DatabaseStores{
		db:          gormDB,
		driverLabel: driverLabel,
	}, nil
}

// Driver exposes the selected database driver label.
func (stores *DatabaseStores) Driver() string {
	return stores.driverLabel
}

// Close releases the underlying connection pool.
func (stores *DatabaseStores) Close() error {
	sqlDB, err := stores.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// RefreshCredentials returns the RefreshToken table adapter.
func (stores *DatabaseStores) RefreshCredentials() RefreshCredentialStore {
	return &databaseRefreshCredentialStore{stores: stores}
}

// Blacklist returns the BlacklistToken table adapter.
func (stores *DatabaseStores) Blacklist() BlacklistStore {
	return &databaseBlacklistStore{stores: stores}
}

// RecoverySessions returns the RecoverySession table adapter.
func (stores *DatabaseStores) RecoverySessions() RecoverySessionStore {
	return &databaseRecoverySessionStore{stores: stores}
}

// SsoSessions returns the SsoSession table adapter.
func (stores *DatabaseStores) SsoSessions() SsoSessionStore {
	return &databaseSsoSessionStore{stores: stores}
}

// Users returns a read-only directory over the Users table.
func (stores *DatabaseStores) Users() UserDirectory {
	return &databaseUserDirectory{stores: stores}
}

func (stores *DatabaseStores) failure(operation string, err error) error {
	return fmt.Errorf("%s.%s: %w: %w", operation, stores.driverLabel, ErrStoreUnavailable, err)
}

func (stores *DatabaseStores) kind(operation string, kind error) error {
	return fmt.Errorf("%s.%s: %w", operation, stores.driverLabel, kind)
}

type databaseRefreshCredentialStore struct {
	stores *DatabaseStores
}

func (store *databaseRefreshCredentialStore) Create(ctx context.Context, credential RefreshCredential, secretHash string) error {
	record := newRefreshCredentialRecord(credential, secretHash)
	if err := store.stores.db.WithContext(ctx).Create(&record).Error; err != nil {
		return store.stores.failure("refresh_store.create", err)
	}
	return nil
}

func (store *databaseRefreshCredentialStore) FindBySecret(ctx context.Context, userID string, secretHash string) (RefreshCredential, error) {
	var record refreshCredentialRecord
	err := store.stores.db.WithContext(ctx).
		Where(map[string]interface{}{"Token": secretHash, "UserId": userID}).
		Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return RefreshCredential{}, store.stores.kind("refresh_store.find", ErrNotFound)
		}
		return RefreshCredential{}, store.stores.failure("refresh_store.find", err)
	}
	return record.credential(), nil
}

func (store *databaseRefreshCredentialStore) Rotate(ctx context.Context, previousID string, successor RefreshCredential, successorHash string) error {
	successorRecord := newRefreshCredentialRecord(successor, successorHash)
	var lostRace bool
	err := store.stores.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&refreshCredentialRecord{}).
			Where(map[string]interface{}{"Id": previousID, "IsRevoked": false}).
			Update("IsRevoked", true)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			lostRace = true
			return ErrUnauthorized
		}
		return tx.Create(&successorRecord).Error
	})
	if lostRace {
		return store.stores.kind("refresh_store.rotate", ErrUnauthorized)
	}
	if err != nil {
		return store.stores.failure("refresh_store.rotate", err)
	}
	return nil
}

func (store *databaseRefreshCredentialStore) Revoke(ctx context.Context, credentialID string) (bool, error) {
	result := store.stores.db.WithContext(ctx).Model(&refreshCredentialRecord{}).
		Where(map[string]interface{}{"Id": credentialID, "IsRevoked": false}).
		Update("IsRevoked", true)
	if result.Error != nil {
		return false, store.stores.failure("refresh_store.revoke", result.Error)
	}
	if result.RowsAffected > 0 {
		return true, nil
	}
	var record refreshCredentialRecord
	findErr := store.stores.db.WithContext(ctx).Where(map[string]interface{}{"Id": credentialID}).Take(&record).Error
	if errors.Is(findErr, gorm.ErrRecordNotFound) {
		return false, store.stores.kind("refresh_store.revoke", ErrNotFound)
	}
	if findErr != nil {
		return false, store.stores.failure("refresh_store.revoke", findErr)
	}
	return false, nil
}

func (store *databaseRefreshCredentialStore) RevokeAllForUser(ctx context.Context, userID string) (int64, error) {
	result := store.stores.db.WithContext(ctx).Model(&refreshCredentialRecord{}).
		Where(map[string]interface{}{"UserId": userID, "IsRevoked": false}).
		Update("IsRevoked", true)
	if result.Error != nil {
		return 0, store.stores.failure("refresh_store.revoke_all", result.Error)
	}
	return result.RowsAffected, nil
}

func (store *databaseRefreshCredentialStore) Delete(ctx context.Context, credentialID string) error {
	err := store.stores.db.WithContext(ctx).
		Where(map[string]interface{}{"Id": credentialID}).
		Delete(&refreshCredentialRecord{}).Error
	if err != nil {
		return store.stores.failure("refresh_store.delete", err)
	}
	return nil
}

func (store *databaseRefreshCredentialStore) PurgeExpired(ctx context.Context, before time.Time) (int64, error) {
	result := store.stores.db.WithContext(ctx).
		Where(clause.Lt{Column: clause.Column{Name: "Expiration"}, Value: before.UTC()}).
		Delete(&refreshCredentialRecord{})
	if result.Error != nil {
		return 0, store.stores.failure("refresh_store.purge", result.Error)
	}
	return result.RowsAffected, nil
}

type databaseBlacklistStore struct {
	stores *DatabaseStores
}

func (store *databaseBlacklistStore) Add(ctx context.Context, entry BlacklistEntry) error {
	record := blacklistRecord{
		Token:             entry.TokenID,
		EndOfBlacklisting: entry.EndOfBlacklisting.UTC(),
		UserID:            entry.UserID,
	}
	err := store.stores.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "Token"}},
		DoUpdates: clause.AssignmentColumns([]string{"EndOfBlacklisting", "UserId"}),
	}).Create(&record).Error
	if err != nil {
		return store.stores.failure("blacklist_store.add", err)
	}
	return nil
}

func (store *databaseBlacklistStore) IsActive(ctx context.Context, tokenID string, now time.Time) (bool, error) {
	var record blacklistRecord
	err := store.stores.db.WithContext(ctx).Where(map[string]interface{}{"Token": tokenID}).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, store.stores.failure("blacklist_store.is_active", err)
	}
	return !now.After(record.EndOfBlacklisting), nil
}

func (store *databaseBlacklistStore) Purge(ctx context.Context, now time.Time) (int64, error) {
	result := store.stores.db.WithContext(ctx).
		Where(clause.Lt{Column: clause.Column{Name: "EndOfBlacklisting"}, Value: now.UTC()}).
		Delete(&blacklistRecord{})
	if result.Error != nil {
		return 0, store.stores.failure("blacklist_store.purge", result.Error)
	}
	return result.RowsAffected, nil
}

type databaseRecoverySessionStore struct {
	stores *DatabaseStores
}

func newRecoverySessionRecord(session RecoverySession) recoverySessionRecord {
	return recoverySessionRecord{
		ID:         session.ID,
		UserID:     session.UserID,
		ExpiryDate: session.ExpiryDate.UTC(),
		IsOpened:   session.IsOpened,
	}
}

func (store *databaseRecoverySessionStore) Create(ctx context.Context, session RecoverySession) error {
	record := newRecoverySessionRecord(session)
	if err := store.stores.db.WithContext(ctx).Create(&record).Error; err != nil {
		return store.stores.failure("recovery_store.create", err)
	}
	return nil
}

func (store *databaseRecoverySessionStore) Find(ctx context.Context, sessionID string) (RecoverySession, error) {
	var record recoverySessionRecord
	err := store.stores.db.WithContext(ctx).Where(map[string]interface{}{"Id": sessionID}).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return RecoverySession{}, store.stores.kind("recovery_store.find", ErrNotFound)
		}
		return RecoverySession{}, store.stores.failure("recovery_store.find", err)
	}
	return RecoverySession{
		ID:         record.ID,
		UserID:     record.UserID,
		ExpiryDate: record.ExpiryDate,
		IsOpened:   record.IsOpened,
	}, nil
}

func (store *databaseRecoverySessionStore) MarkOpened(ctx context.Context, sessionID string) (bool, error) {
	result := store.stores.db.WithContext(ctx).Model(&recoverySessionRecord{}).
		Where(map[string]interface{}{"Id": sessionID, "IsOpened": false}).
		Update("IsOpened", true)
	if result.Error != nil {
		return false, store.stores.failure("recovery_store.mark_opened", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// Replace runs the delete and the insert in one transaction. On postgres a transaction-scoped
// advisory lock keyed by the user serializes concurrent replacements; sqlite runs on one connection.
func (store *databaseRecoverySessionStore) Replace(ctx context.Context, session RecoverySession) (int64, error) {
	var deleted int64
	err := store.stores.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if store.stores.driverLabel == "postgres" {
			if err := tx.Exec("SELECT pg_advisory_xact_lock(hashtext(?))", "RecoverySession:"+session.UserID).Error; err != nil {
				return err
			}
		}
		result := tx.Where(map[string]interface{}{"UserId": session.UserID, "IsOpened": false}).
			Delete(&recoverySessionRecord{})
		if result.Error != nil {
			return result.Error
		}
		deleted = result.RowsAffected
		record := newRecoverySessionRecord(session)
		return tx.Create(&record).Error
	})
	if err != nil {
		return 0, store.stores.failure("recovery_store.replace", err)
	}
	return deleted, nil
}

func (store *databaseRecoverySessionStore) PurgeExpired(ctx context.Context, before time.Time) (int64, error) {
	result := store.stores.db.WithContext(ctx).
		Where(clause.Lt{Column: clause.Column{Name: "ExpiryDate"}, Value: before.UTC()}).
		Delete(&recoverySessionRecord{})
	if result.Error != nil {
		return 0, store.stores.failure("recovery_store.purge", result.Error)
	}
	return result.RowsAffected, nil
}

type databaseSsoSessionStore struct {
	stores *DatabaseStores
}

func (store *databaseSsoSessionStore) Create(ctx context.Context, session SsoSession, codeHash string) error {
	record := ssoSessionRecord{
		ID:               session.ID,
		UserID:           session.UserID,
		UserEmail:        session.UserEmail,
		CreatedAt:        session.CreatedAt.UTC(),
		ExpiresAt:        utcPointer(session.ExpiresAt),
		VerificationCode: codeHash,
	}
	if err := store.stores.db.WithContext(ctx).Create(&record).Error; err != nil {
		return store.stores.failure("sso_store.create", err)
	}
	return nil
}

func (store *databaseSsoSessionStore) Find(ctx context.Context, sessionID string) (SsoSession, string, error) {
	var record ssoSessionRecord
	err := store.stores.db.WithContext(ctx).Where(map[string]interface{}{"Id": sessionID}).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return SsoSession{}, "", store.stores.kind("sso_store.find", ErrNotFound)
		}
		return SsoSession{}, "", store.stores.failure("sso_store.find", err)
	}
	return SsoSession{
		ID:        record.ID,
		UserID:    record.UserID,
		UserEmail: record.UserEmail,
		CreatedAt: record.CreatedAt,
		ExpiresAt: record.ExpiresAt,
	}, record.VerificationCode, nil
}

func (store *databaseSsoSessionStore) Consume(ctx context.Context, sessionID string) (bool, error) {
	result := store.stores.db.WithContext(ctx).
		Where(map[string]interface{}{"Id": sessionID}).
		Delete(&ssoSessionRecord{})
	if result.Error != nil {
		return false, store.stores.failure("sso_store.consume", result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (store *databaseSsoSessionStore) PurgeExpired(ctx context.Context, before time.Time) (int64, error) {
	result := store.stores.db.WithContext(ctx).
		Where(clause.Lt{Column: clause.Column{Name: "ExpiresAt"}, Value: before.UTC()}).
		Delete(&ssoSessionRecord{})
	if result.Error != nil {
		return 0, store.stores.failure("sso_store.purge", result.Error)
	}
	return result.RowsAffected, nil
}

type databaseUserDirectory struct {
	stores *DatabaseStores
}

func (directory *databaseUserDirectory) FindUserByID(ctx context.Context, userID string) (User, error) {
	return directory.find(ctx, "user_directory.find_by_id", map[string]interface{}{"Id": userID})
}

func (directory *databaseUserDirectory) FindUserByEmail(ctx context.Context, email string) (User, error) {
	return directory.find(ctx, "user_directory.find_by_email", map[string]interface{}{"Email": strings.ToLower(strings.TrimSpace(email))})
}

func (directory *databaseUserDirectory) find(ctx context.Context, operation string, condition map[string]interface{}) (User, error) {
	var record userRecord
	err := directory.stores.db.WithContext(ctx).Where(condition).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return User{}, directory.stores.kind(operation, ErrNotFound)
		}
		return User{}, directory.stores.failure(operation, err)
	}
	return record.user(), nil
}

func utcPointer(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	converted := value.UTC()
	return &converted
}

func resolveDialector(databaseURL string) (gorm.Dialector, string, error) {
	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("database_store.parse_url: %w", err)
	}
	if parsed.Scheme == "" {
		return nil, "", fmt.Errorf("database_store.dialect: %w", errUnsupportedNoScheme)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return postgres.Open(databaseURL), "postgres", nil
	case "sqlite", "sqlite3":
		dsn, dsnErr := buildSQLiteDSN(parsed)
		if dsnErr != nil {
			return nil, "", fmt.Errorf("database_store.sqlite: %w", dsnErr)
		}
		return sqliteDialector.Open(dsn), "sqlite", nil
	default:
		return nil, "", fmt.Errorf("database_store.dialect.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedDialect)
	}
}

func buildSQLiteDSN(parsed *url.URL) (string, error) {
	if parsed == nil {
		return "", errSQLiteInvalidURL
	}
	var builder strings.Builder
	switch {
	case parsed.Opaque != "":
		builder.WriteString(parsed.Opaque)
	case parsed.Host != "":
		builder.WriteString(parsed.Host)
		if parsed.Path != "" {
			if !strings.HasPrefix(parsed.Path, "/") {
				builder.WriteString("/")
			}
			builder.WriteString(parsed.Path)
		}
	default:
		builder.WriteString(parsed.Path)
	}
	if builder.Len() == 0 {
		return "", errSQLiteEmptyPath
	}
	if parsed.RawQuery != "" {
		builder.WriteString("?")
		builder.WriteString(parsed.RawQuery)
	}
	return builder.String(), nil
}
