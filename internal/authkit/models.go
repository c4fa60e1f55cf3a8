package authkit

import "time"

// Role is the authorization level carried in access tokens.
type Role string

const (
	// RoleStandard is the default role for application users.
	RoleStandard Role = "standard"
	// RoleAdmin may revoke other users' sessions.
	RoleAdmin Role = "admin"
)

// ParseRole maps stored role text onto a Role, defaulting to RoleStandard.
func ParseRole(value string) Role {
	if Role(value) == RoleAdmin {
		return RoleAdmin
	}
	return RoleStandard
}

// User is an identity resolved from the user directory. It is never owned by the stores in this package.
type User struct {
	ID             string
	Name           string
	Email          string
	AvatarName     string
	Role           Role
	LastTimeLogged *time.Time
}

// RefreshCredential is a persisted refresh token. The secret is never part of the value;
// stores keep only its hash.
type RefreshCredential struct {
	ID         string
	UserID     string
	Revoked    bool
	Expiration *time.Time
}

// ExpiredAt reports whether the credential is past its expiration at the given instant.
func (credential RefreshCredential) ExpiredAt(now time.Time) bool {
	return credential.Expiration != nil && now.After(*credential.Expiration)
}

// BlacklistEntry denies an access token identifier until EndOfBlacklisting.
type BlacklistEntry struct {
	TokenID           string
	EndOfBlacklisting time.Time
	UserID            string
}

// ActiveAt reports whether the entry still blacklists its token at the given instant.
func (entry BlacklistEntry) ActiveAt(now time.Time) bool {
	return !now.After(entry.EndOfBlacklisting)
}

// RecoverySession is a single-use, time-boxed password recovery grant.
type RecoverySession struct {
	ID         string
	UserID     string
	ExpiryDate time.Time
	IsOpened   bool
}

// SsoSession bridges an external identity-provider callback to local credential issuance.
type SsoSession struct {
	ID        string
	UserID    string
	UserEmail string
	CreatedAt time.Time
	ExpiresAt *time.Time
}

// CredentialPair is what login and refresh hand back to the transport layer.
type CredentialPair struct {
	AccessToken       string
	AccessExpiresAt   time.Time
	RefreshCredential RefreshCredential
	RefreshSecret     string
}
