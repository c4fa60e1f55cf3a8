package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/tyemirov/meetauth/internal/authkit"
	"go.uber.org/zap"
)

func TestConfigureCORS(t *testing.T) {
	t.Parallel()
	gin.SetMode(gin.TestMode)

	router := gin.New()
	middleware, err := ConfigureCORS(zap.NewNop(), CORSSettings{Origins: []string{"http://localhost"}})
	if err != nil {
		t.Fatalf("unexpected error configuring CORS: %v", err)
	}
	router.Use(middleware)
	router.OPTIONS("/resource", func(contextGin *gin.Context) {
		contextGin.Status(http.StatusNoContent)
	})

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodOptions, "/resource", nil)
	request.Header.Set("Origin", "http://localhost")
	request.Header.Set("Access-Control-Request-Method", http.MethodPost)
	router.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204 from preflight, got %d", recorder.Code)
	}
	if origin := recorder.Header().Get("Access-Control-Allow-Origin"); origin != "http://localhost" {
		t.Fatalf("unexpected allowed origin header: %q", origin)
	}
	if credentials := recorder.Header().Get("Access-Control-Allow-Credentials"); credentials != "true" {
		t.Fatalf("expected credentials to be allowed, got %q", credentials)
	}
}

func TestConfigureCORSRejectsInvalidOrigins(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name          string
		settings      CORSSettings
		expectedError error
	}{
		{name: "nil", settings: CORSSettings{}, expectedError: errNoCORSOrigins},
		{name: "whitespace", settings: CORSSettings{Origins: []string{"  "}}, expectedError: errNoCORSOrigins},
		{name: "wildcard", settings: CORSSettings{Origins: []string{"*"}}, expectedError: errCORSWildcard},
		{name: "path", settings: CORSSettings{Origins: []string{"https://example.com/app"}}, expectedError: errCORSMalformedOrigin},
		{name: "query", settings: CORSSettings{Origins: []string{"https://example.com?x=1"}}, expectedError: errCORSMalformedOrigin},
		{name: "scheme", settings: CORSSettings{Origins: []string{"ftp://example.com"}}, expectedError: errCORSMalformedOrigin},
		{name: "no host", settings: CORSSettings{Origins: []string{"example.com"}}, expectedError: errCORSMalformedOrigin},
		{name: "userinfo", settings: CORSSettings{Origins: []string{"https://user@example.com"}}, expectedError: errCORSMalformedOrigin},
		{name: "plain http", settings: CORSSettings{Origins: []string{"http://app.example.com"}}, expectedError: errCORSInsecureOrigin},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if _, err := ConfigureCORS(nil, testCase.settings); !errors.Is(err, testCase.expectedError) {
				t.Fatalf("expected %v, got %v", testCase.expectedError, err)
			}
		})
	}
}

func TestNormalizeOriginsDeduplicatesAndSorts(t *testing.T) {
	t.Parallel()
	origins, err := normalizeOrigins(CORSSettings{Origins: []string{"https://B.example.com", "https://a.example.com/", "https://b.example.com"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(origins) != 2 || origins[0] != "https://a.example.com" || origins[1] != "https://b.example.com" {
		t.Fatalf("unexpected origins %v", origins)
	}
}

func TestNormalizeOriginsInsecureHTTP(t *testing.T) {
	t.Parallel()
	origins, err := normalizeOrigins(CORSSettings{Origins: []string{"http://app.example.com:8080"}, AllowInsecureHTTP: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if origins[0] != "http://app.example.com:8080" {
		t.Fatalf("unexpected origins %v", origins)
	}
	if _, err := normalizeOrigins(CORSSettings{Origins: []string{"http://127.0.0.1:3000"}}); err != nil {
		t.Fatalf("expected loopback http origin to be accepted, got %v", err)
	}
}

func TestInMemoryUsers(t *testing.T) {
	t.Parallel()
	directory := NewInMemoryUsers(authkit.User{ID: "user-1", Email: "User@Example.com", Role: authkit.RoleAdmin})

	byEmail, err := directory.FindUserByEmail(context.Background(), " user@example.COM ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if byEmail.ID != "user-1" || byEmail.Role != authkit.RoleAdmin {
		t.Fatalf("unexpected user: %+v", byEmail)
	}
	if _, err := directory.FindUserByID(context.Background(), "user-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := directory.FindUserByID(context.Background(), "missing"); !errors.Is(err, authkit.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := directory.FindUserByEmail(context.Background(), "missing@example.com"); !errors.Is(err, authkit.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestParseUserSeeds(t *testing.T) {
	t.Parallel()
	users, err := ParseUserSeeds([]string{"Alice@example.com=admin", " bob@example.com ", ""})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(users) != 2 {
		t.Fatalf("expected two users, got %d", len(users))
	}
	if users[0].Email != "alice@example.com" || users[0].Role != authkit.RoleAdmin || users[0].Name != "alice" {
		t.Fatalf("unexpected first user: %+v", users[0])
	}
	if users[1].Role != authkit.RoleStandard {
		t.Fatalf("expected standard role, got %q", users[1].Role)
	}
	again, err := ParseUserSeeds([]string{"alice@example.com"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if again[0].ID != users[0].ID {
		t.Fatalf("expected stable ids across runs")
	}

	for _, invalid := range []string{"not-an-email", "carol@example.com=root"} {
		if _, err := ParseUserSeeds([]string{invalid}); err == nil {
			t.Fatalf("expected error for %q", invalid)
		}
	}
}

func whoAmIRouter(directory authkit.UserDirectory, claims *authkit.AccessClaims) *gin.Engine {
	router := gin.New()
	router.Use(func(contextGin *gin.Context) {
		if claims != nil {
			contextGin.Set(authkit.ClaimsContextKey, claims)
		}
		contextGin.Next()
	})
	router.GET("/me", HandleWhoAmI(zap.NewNop(), directory))
	return router
}

func TestHandleWhoAmI(t *testing.T) {
	t.Parallel()
	gin.SetMode(gin.TestMode)

	directory := NewInMemoryUsers(authkit.User{ID: "user-1", Name: "Demo User", Email: "user@example.com", AvatarName: "demo.png", Role: authkit.RoleStandard})
	router := whoAmIRouter(directory, &authkit.AccessClaims{
		UserEmail: "user@example.com",
		UserRole:  "standard",
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        "jti-1",
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Unix(1700000000, 0)),
		},
	})

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/me", nil))

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	expected := map[string]interface{}{
		"user_id":     "user-1",
		"user_email":  "user@example.com",
		"display":     "Demo User",
		"avatar_name": "demo.png",
		"role":        "standard",
		"token_id":    "jti-1",
	}
	for key, value := range expected {
		if payload[key] != value {
			t.Fatalf("unexpected %s: %v", key, payload[key])
		}
	}
	if _, ok := payload["expires"]; !ok {
		t.Fatalf("expected expires in response")
	}
}

func TestHandleWhoAmIMissingClaims(t *testing.T) {
	t.Parallel()
	gin.SetMode(gin.TestMode)

	recorder := httptest.NewRecorder()
	whoAmIRouter(NewInMemoryUsers(), nil).ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/me", nil))
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 when claims missing, got %d", recorder.Code)
	}
}

func TestHandleWhoAmIMissingUser(t *testing.T) {
	t.Parallel()
	gin.SetMode(gin.TestMode)

	claims := &authkit.AccessClaims{RegisteredClaims: jwt.RegisteredClaims{Subject: "missing"}}
	recorder := httptest.NewRecorder()
	whoAmIRouter(NewInMemoryUsers(), claims).ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/me", nil))
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 when user missing, got %d", recorder.Code)
	}
}
