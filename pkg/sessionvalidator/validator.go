package sessionvalidator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// Now returns the current UTC timestamp.
func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// RevocationChecker reports whether a token identifier is currently denied.
type RevocationChecker interface {
	IsRevoked(ctx context.Context, tokenID string, now time.Time) (bool, error)
}

// Config configures the Validator.
type Config struct {
	// VerificationKey is the HMAC secret ([]byte) or the RSA public key (*rsa.PublicKey).
	VerificationKey any
	// Algorithm defaults to HS256.
	Algorithm   string
	Issuer      string
	CookieName  string
	Clock       Clock
	Revocations RevocationChecker
}

// DefaultContextKey is used by GinMiddleware when no explicit key is provided.
const DefaultContextKey = "auth_claims"

// DefaultCookieName is used when Config.CookieName is empty.
const DefaultCookieName = "app_session"

// Sentinel errors exposed by the validator.
var (
	ErrMissingVerificationKey = errors.New("session.validator.missing_verification_key")
	ErrMissingIssuer          = errors.New("session.validator.missing_issuer")
	ErrMissingToken           = errors.New("session.validator.missing_token")
	ErrMissingCookie          = errors.New("session.validator.missing_cookie")
	ErrInvalidToken           = errors.New("session.validator.invalid_token")
	ErrInvalidIssuer          = errors.New("session.validator.invalid_issuer")
	ErrTokenExpired           = errors.New("session.validator.expired")
	ErrTokenRevoked           = errors.New("session.validator.revoked")
	ErrRevocationUnavailable  = errors.New("session.validator.revocation_unavailable")
)

// Validator validates meetauth access tokens.
type Validator struct {
	verificationKey any
	algorithm       string
	issuer          string
	cookieName      string
	clock           Clock
	revocations     RevocationChecker
}

// Claims represent the payload embedded inside access tokens. The registered ID claim (jti)
// equals the id of the refresh credential minted alongside the token.
type Claims struct {
	UserEmail string `json:"email"`
	UserRole  string `json:"role"`
	jwt.RegisteredClaims
}

// GetUserID returns the subject of the token.
func (claims *Claims) GetUserID() string {
	if claims == nil {
		return ""
	}
	return claims.Subject
}

// GetUserEmail returns the email associated with the session.
func (claims *Claims) GetUserEmail() string {
	if claims == nil {
		return ""
	}
	return claims.UserEmail
}

// GetUserRole returns the role associated with the session.
func (claims *Claims) GetUserRole() string {
	if claims == nil {
		return ""
	}
	return claims.UserRole
}

// GetTokenID returns the jti claim.
func (claims *Claims) GetTokenID() string {
	if claims == nil {
		return ""
	}
	return claims.ID
}

// GetExpiresAt returns the expiry timestamp in UTC.
func (claims *Claims) GetExpiresAt() time.Time {
	if claims == nil || claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time.UTC()
}

// GetIssuedTime returns the iat timestamp in UTC.
func (claims *Claims) GetIssuedTime() time.Time {
	if claims == nil || claims.IssuedAt == nil {
		return time.Time{}
	}
	return claims.IssuedAt.Time.UTC()
}

// New constructs a Validator after validating the supplied configuration.
func New(configuration Config) (*Validator, error) {
	if isEmptyKey(configuration.VerificationKey) {
		return nil, fmt.Errorf("session.validator.new: %w", ErrMissingVerificationKey)
	}
	if strings.TrimSpace(configuration.Issuer) == "" {
		return nil, fmt.Errorf("session.validator.new: %w", ErrMissingIssuer)
	}
	algorithm := configuration.Algorithm
	if strings.TrimSpace(algorithm) == "" {
		algorithm = jwt.SigningMethodHS256.Alg()
	}
	cookieName := configuration.CookieName
	if strings.TrimSpace(cookieName) == "" {
		cookieName = DefaultCookieName
	}
	clock := configuration.Clock
	if clock == nil {
		clock = systemClock{}
	}
	return &Validator{
		verificationKey: configuration.VerificationKey,
		algorithm:       algorithm,
		issuer:          configuration.Issuer,
		cookieName:      cookieName,
		clock:           clock,
		revocations:     configuration.Revocations,
	}, nil
}

func isEmptyKey(key any) bool {
	switch typed := key.(type) {
	case nil:
		return true
	case []byte:
		return len(typed) == 0
	default:
		return false
	}
}

// ValidateToken validates the provided JWT string and returns the parsed claims.
func (validator *Validator) ValidateToken(ctx context.Context, tokenString string) (*Claims, error) {
	if strings.TrimSpace(tokenString) == "" {
		return nil, fmt.Errorf("session.validator.validate_token: %w", ErrMissingToken)
	}
	parsedToken, parseErr := jwt.ParseWithClaims(tokenString, &Claims{}, func(parsed *jwt.Token) (interface{}, error) {
		return validator.verificationKey, nil
	}, jwt.WithValidMethods([]string{validator.algorithm}), jwt.WithoutClaimsValidation())
	if parseErr != nil || parsedToken == nil || !parsedToken.Valid {
		return nil, fmt.Errorf("session.validator.validate_token: %w", ErrInvalidToken)
	}
	claims, ok := parsedToken.Claims.(*Claims)
	if !ok || claims.Subject == "" || claims.ExpiresAt == nil {
		return nil, fmt.Errorf("session.validator.validate_token: %w", ErrInvalidToken)
	}
	if claims.Issuer != validator.issuer {
		return nil, fmt.Errorf("session.validator.validate_token: %w", ErrInvalidIssuer)
	}
	current := validator.clock.Now()
	if current.After(claims.ExpiresAt.Time) {
		return nil, fmt.Errorf("session.validator.validate_token: %w", ErrTokenExpired)
	}
	if claims.NotBefore != nil && current.Before(claims.NotBefore.Time) {
		return nil, fmt.Errorf("session.validator.validate_token: %w", ErrInvalidToken)
	}
	if claims.IssuedAt != nil && current.Before(claims.IssuedAt.Time) {
		return nil, fmt.Errorf("session.validator.validate_token: %w", ErrInvalidToken)
	}
	if validator.revocations != nil && claims.ID != "" {
		revoked, checkErr := validator.revocations.IsRevoked(ctx, claims.ID, current)
		if checkErr != nil {
			return nil, fmt.Errorf("session.validator.validate_token: %w: %w", ErrRevocationUnavailable, checkErr)
		}
		if revoked {
			return nil, fmt.Errorf("session.validator.validate_token: %w", ErrTokenRevoked)
		}
	}
	return claims, nil
}

// ValidateRequest reads the configured cookie from the request and validates it.
func (validator *Validator) ValidateRequest(request *http.Request) (*Claims, error) {
	if request == nil {
		return nil, fmt.Errorf("session.validator.validate_request: %w", ErrMissingToken)
	}
	cookie, cookieErr := request.Cookie(validator.cookieName)
	if cookieErr != nil || cookie == nil || strings.TrimSpace(cookie.Value) == "" {
		return nil, fmt.Errorf("session.validator.validate_request: %w", ErrMissingCookie)
	}
	return validator.ValidateToken(request.Context(), cookie.Value)
}

// GinMiddleware returns a Gin middleware that validates the session cookie and injects claims.
func (validator *Validator) GinMiddleware(contextKey string) gin.HandlerFunc {
	if strings.TrimSpace(contextKey) == "" {
		contextKey = DefaultContextKey
	}
	return func(contextGin *gin.Context) {
		claims, err := validator.ValidateRequest(contextGin.Request)
		if err != nil {
			if errors.Is(err, ErrRevocationUnavailable) {
				contextGin.AbortWithStatus(http.StatusServiceUnavailable)
				return
			}
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		contextGin.Set(contextKey, claims)
		contextGin.Next()
	}
}
