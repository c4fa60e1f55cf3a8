package authkit

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ClaimsContextKey is where RequireSession stores the validated claims.
const ClaimsContextKey = "auth_claims"

// RequireSession validates the access token and injects claims. The token is read from the session
// cookie, falling back to an Authorization bearer header.
func RequireSession(tokens *TokenService) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		accessToken := presentedAccessToken(contextGin.Request, tokens.CookieName())
		if accessToken == "" {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": ErrUnauthorized.Error()})
			return
		}
		claims, err := tokens.Validate(contextGin.Request.Context(), accessToken)
		if err != nil {
			writeAuthError(contextGin, err)
			return
		}
		contextGin.Set(ClaimsContextKey, claims)
		contextGin.Next()
	}
}

// RequireRole rejects sessions whose role claim differs from the required one. It must run after RequireSession.
func RequireRole(role Role) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		claims, ok := ClaimsFromContext(contextGin)
		if !ok {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": ErrUnauthorized.Error()})
			return
		}
		if ParseRole(claims.UserRole) != role {
			contextGin.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "auth.forbidden"})
			return
		}
		contextGin.Next()
	}
}

// ClaimsFromContext returns the claims injected by RequireSession.
func ClaimsFromContext(contextGin *gin.Context) (*AccessClaims, bool) {
	value, exists := contextGin.Get(ClaimsContextKey)
	if !exists {
		return nil, false
	}
	claims, ok := value.(*AccessClaims)
	return claims, ok && claims != nil
}

func presentedAccessToken(request *http.Request, cookieName string) string {
	if sessionCookie, cookieErr := request.Cookie(cookieName); cookieErr == nil && strings.TrimSpace(sessionCookie.Value) != "" {
		return sessionCookie.Value
	}
	authorization := request.Header.Get("Authorization")
	scheme, token, found := strings.Cut(authorization, " ")
	if found && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(token)
	}
	return ""
}
