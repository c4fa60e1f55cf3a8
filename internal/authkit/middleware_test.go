package authkit

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestRequireRole(t *testing.T) {
	gin.SetMode(gin.TestMode)

	testCases := []struct {
		name     string
		claims   *AccessClaims
		expected int
	}{
		{name: "no session", expected: http.StatusUnauthorized},
		{name: "standard", claims: &AccessClaims{UserRole: "standard"}, expected: http.StatusForbidden},
		{name: "unknown role", claims: &AccessClaims{UserRole: "root"}, expected: http.StatusForbidden},
		{name: "admin", claims: &AccessClaims{UserRole: "admin"}, expected: http.StatusOK},
	}
	for _, testCase := range testCases {
		router := gin.New()
		claims := testCase.claims
		router.GET("/admin", func(contextGin *gin.Context) {
			if claims != nil {
				contextGin.Set(ClaimsContextKey, claims)
			}
			contextGin.Next()
		}, RequireRole(RoleAdmin), func(contextGin *gin.Context) {
			contextGin.Status(http.StatusOK)
		})
		recorder := httptest.NewRecorder()
		router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/admin", nil))
		if recorder.Code != testCase.expected {
			t.Fatalf("%s: expected %d, got %d", testCase.name, testCase.expected, recorder.Code)
		}
	}
}

func TestRequireSessionFailsClosed(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tokens, _ := newTestTokenService(t, failingBlacklistStore{}, newManualClock(testEpoch))
	signed, _, err := tokens.Issue(User{ID: "user-1"}, "jti-1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	router := gin.New()
	router.GET("/secure", RequireSession(tokens), func(contextGin *gin.Context) {
		contextGin.Status(http.StatusOK)
	})
	request := httptest.NewRequest(http.MethodGet, "/secure", nil)
	request.AddCookie(&http.Cookie{Name: tokens.CookieName(), Value: signed})
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when the blacklist is unavailable, got %d", recorder.Code)
	}
}

func TestPresentedAccessToken(t *testing.T) {
	t.Parallel()
	request := httptest.NewRequest(http.MethodGet, "/", nil)
	if token := presentedAccessToken(request, "app_session"); token != "" {
		t.Fatalf("expected no token, got %q", token)
	}
	request.Header.Set("Authorization", "Basic abc")
	if token := presentedAccessToken(request, "app_session"); token != "" {
		t.Fatalf("expected basic auth to be ignored, got %q", token)
	}
	request.Header.Set("Authorization", "bearer header-token")
	if token := presentedAccessToken(request, "app_session"); token != "header-token" {
		t.Fatalf("expected header token, got %q", token)
	}
	request.AddCookie(&http.Cookie{Name: "app_session", Value: "cookie-token"})
	if token := presentedAccessToken(request, "app_session"); token != "cookie-token" {
		t.Fatalf("expected cookie to win, got %q", token)
	}
}
