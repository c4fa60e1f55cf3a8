package authkit

import (
	"net/http"
	"time"
)

// ServerConfig configures issuers, cookies, and the lifetimes of every credential kind.
type ServerConfig struct {
	GoogleWebClientID string
	SigningKey        SigningKey
	AppJWTIssuer      string
	CookieDomain      string
	SessionCookieName string
	RefreshCookieName string
	// SessionTTL is the access token lifetime; blacklist entries never need to outlive it.
	SessionTTL time.Duration
	// RefreshTTL of zero issues refresh credentials without an expiration.
	RefreshTTL  time.Duration
	RecoveryTTL time.Duration
	// SsoTTL of zero issues SSO sessions without an expiration.
	SsoTTL   time.Duration
	NonceTTL time.Duration
	// RecoveryRequestInterval is the minimum spacing between recovery requests for one email.
	RecoveryRequestInterval time.Duration
	SameSiteMode            http.SameSite
	AllowInsecureHTTP       bool
}
