package authkit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/tyemirov/meetauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

// AccessClaims are embedded in the session token. The registered ID claim is the token identifier (jti).
type AccessClaims = sessionvalidator.Claims

var (
	errEmptySubject  = errors.New("jwt.mint.failure: subject must be non-empty")
	errEmptyTokenID  = errors.New("jwt.mint.failure: token identifier must be non-empty")
	errUnsignableKey = errors.New("jwt.mint.failure: signing key is not initialized")
)

// TokenService mints and validates signed access tokens.
type TokenService struct {
	signingKey SigningKey
	issuer     string
	accessTTL  time.Duration
	cookieName string
	blacklist  BlacklistStore
	parser     *sessionvalidator.Validator
	clock      Clock
	logger     *zap.Logger
	metrics    MetricsRecorder
}

// NewTokenService wires the signing key, the blacklist, and the access token lifetime.
func NewTokenService(configuration ServerConfig, blacklist BlacklistStore, clock Clock, logger *zap.Logger, metrics MetricsRecorder) (*TokenService, error) {
	if configuration.SigningKey.IsZero() {
		return nil, errUnsignableKey
	}
	if blacklist == nil {
		return nil, errors.New("token_service.new: blacklist store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	clock = clockOrSystem(clock)
	parser, parserErr := sessionvalidator.New(sessionvalidator.Config{
		VerificationKey: configuration.SigningKey.VerificationKey(),
		Algorithm:       configuration.SigningKey.Algorithm(),
		Issuer:          configuration.AppJWTIssuer,
		CookieName:      configuration.SessionCookieName,
		Clock:           clock,
	})
	if parserErr != nil {
		return nil, fmt.Errorf("token_service.new: %w", parserErr)
	}
	return &TokenService{
		signingKey: configuration.SigningKey,
		issuer:     configuration.AppJWTIssuer,
		accessTTL:  configuration.SessionTTL,
		cookieName: configuration.SessionCookieName,
		blacklist:  blacklist,
		parser:     parser,
		clock:      clock,
		logger:     logger,
		metrics:    metricsOrNop(metrics),
	}, nil
}

// Issue signs an access token for the user whose jti is tokenID. It has no persistence side effect.
func (service *TokenService) Issue(user User, tokenID string) (string, time.Time, error) {
	if strings.TrimSpace(user.ID) == "" {
		return "", time.Time{}, errEmptySubject
	}
	if strings.TrimSpace(tokenID) == "" {
		return "", time.Time{}, errEmptyTokenID
	}
	issuedAt := service.clock.Now().UTC().Truncate(time.Second)
	expiresAt := issuedAt.Add(service.accessTTL)
	token := jwt.NewWithClaims(service.signingKey.method, AccessClaims{
		UserEmail: user.Email,
		UserRole:  string(user.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        tokenID,
			Issuer:    service.issuer,
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	signed, err := token.SignedString(service.signingKey.signKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("jwt.mint.failure: %w", err)
	}
	service.metrics.Increment(metricAccessIssued)
	return signed, expiresAt, nil
}

// Validate verifies signature, expiry, and the blacklist. A blacklist lookup failure fails closed.
func (service *TokenService) Validate(ctx context.Context, signed string) (*AccessClaims, error) {
	claims, parseErr := service.parser.ValidateToken(ctx, signed)
	if parseErr != nil {
		if errors.Is(parseErr, sessionvalidator.ErrTokenExpired) {
			return nil, fmt.Errorf("token_service.validate: %w", ErrExpired)
		}
		return nil, fmt.Errorf("token_service.validate: %w", ErrMalformed)
	}
	if claims.ID == "" {
		return nil, fmt.Errorf("token_service.validate: %w", ErrMalformed)
	}
	blacklisted, lookupErr := service.blacklist.IsActive(ctx, claims.ID, service.clock.Now())
	if lookupErr != nil {
		service.logger.Error("blacklist lookup failed",
			zap.String("code", "token.validate.blacklist_unavailable"),
			zap.Error(lookupErr))
		return nil, fmt.Errorf("token_service.validate: %w", lookupErr)
	}
	if blacklisted {
		service.metrics.Increment(metricAccessBlacklisted)
		return nil, fmt.Errorf("token_service.validate: %w", ErrBlacklisted)
	}
	return claims, nil
}

// IsRevoked lets the blacklist back a sessionvalidator.Validator in downstream services.
func (service *TokenService) IsRevoked(ctx context.Context, tokenID string, now time.Time) (bool, error) {
	return service.blacklist.IsActive(ctx, tokenID, now)
}

// Blacklist denies the token until its own expiry, which is the longest it could otherwise be used.
func (service *TokenService) Blacklist(ctx context.Context, claims *AccessClaims) error {
	if claims == nil || claims.ID == "" {
		return fmt.Errorf("token_service.blacklist: %w", ErrMalformed)
	}
	until := claims.GetExpiresAt()
	if until.IsZero() {
		until = service.clock.Now().Add(service.accessTTL)
	}
	if err := service.blacklist.Add(ctx, BlacklistEntry{
		TokenID:           claims.ID,
		EndOfBlacklisting: until,
		UserID:            claims.Subject,
	}); err != nil {
		return fmt.Errorf("token_service.blacklist: %w", err)
	}
	service.metrics.Increment(metricAccessBlacklistAdded)
	return nil
}

// BlacklistTokenID denies a token known only by identifier for one full access lifetime from now.
func (service *TokenService) BlacklistTokenID(ctx context.Context, tokenID string, userID string) error {
	if strings.TrimSpace(tokenID) == "" {
		return fmt.Errorf("token_service.blacklist: %w", ErrMalformed)
	}
	if err := service.blacklist.Add(ctx, BlacklistEntry{
		TokenID:           tokenID,
		EndOfBlacklisting: service.clock.Now().Add(service.accessTTL),
		UserID:            userID,
	}); err != nil {
		return fmt.Errorf("token_service.blacklist: %w", err)
	}
	service.metrics.Increment(metricAccessBlacklistAdded)
	return nil
}

// CookieName is the cookie that carries access tokens.
func (service *TokenService) CookieName() string {
	return service.cookieName
}

// ExtractClaim returns a claim from the validated session cookie. Any failure is reported as absence.
func (service *TokenService) ExtractClaim(request *http.Request, claimName string) (string, bool) {
	if request == nil {
		return "", false
	}
	sessionCookie, cookieErr := request.Cookie(service.cookieName)
	if cookieErr != nil || sessionCookie == nil || strings.TrimSpace(sessionCookie.Value) == "" {
		return "", false
	}
	claims, validateErr := service.Validate(request.Context(), sessionCookie.Value)
	if validateErr != nil {
		return "", false
	}
	return claimValue(claims, claimName)
}

func claimValue(claims *AccessClaims, claimName string) (string, bool) {
	var value string
	switch claimName {
	case "sub":
		value = claims.Subject
	case "email":
		value = claims.UserEmail
	case "role":
		value = claims.UserRole
	case "jti":
		value = claims.ID
	case "iss":
		value = claims.Issuer
	case "iat":
		if claims.IssuedAt != nil {
			value = strconv.FormatInt(claims.IssuedAt.Unix(), 10)
		}
	case "exp":
		if claims.ExpiresAt != nil {
			value = strconv.FormatInt(claims.ExpiresAt.Unix(), 10)
		}
	}
	return value, value != ""
}
