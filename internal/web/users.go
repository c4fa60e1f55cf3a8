package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/tyemirov/meetauth/internal/authkit"
	"go.uber.org/zap"
)

var errInvalidUserSeed = errors.New("web.users.invalid_seed")

// InMemoryUsers is a user directory used for demo and local runs.
type InMemoryUsers struct {
	mutex   sync.RWMutex
	byID    map[string]authkit.User
	byEmail map[string]string
}

// NewInMemoryUsers constructs a directory holding the given users.
func NewInMemoryUsers(users ...authkit.User) *InMemoryUsers {
	directory := &InMemoryUsers{
		byID:    make(map[string]authkit.User),
		byEmail: make(map[string]string),
	}
	for _, user := range users {
		directory.Put(user)
	}
	return directory
}

// Put inserts or replaces a user.
func (directory *InMemoryUsers) Put(user authkit.User) {
	directory.mutex.Lock()
	defer directory.mutex.Unlock()
	directory.byID[user.ID] = user
	directory.byEmail[normalizeEmail(user.Email)] = user.ID
}

// FindUserByID returns the user with the given id.
func (directory *InMemoryUsers) FindUserByID(ctx context.Context, userID string) (authkit.User, error) {
	directory.mutex.RLock()
	defer directory.mutex.RUnlock()
	user, ok := directory.byID[userID]
	if !ok {
		return authkit.User{}, fmt.Errorf("web.users.find_by_id: %w", authkit.ErrNotFound)
	}
	return user, nil
}

// FindUserByEmail returns the user registered under the email, compared case-insensitively.
func (directory *InMemoryUsers) FindUserByEmail(ctx context.Context, email string) (authkit.User, error) {
	directory.mutex.RLock()
	defer directory.mutex.RUnlock()
	userID, ok := directory.byEmail[normalizeEmail(email)]
	if !ok {
		return authkit.User{}, fmt.Errorf("web.users.find_by_email: %w", authkit.ErrNotFound)
	}
	return directory.byID[userID], nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ParseUserSeeds turns "email" or "email=role" entries into users with stable ids derived from the email.
func ParseUserSeeds(entries []string) ([]authkit.User, error) {
	users := make([]authkit.User, 0, len(entries))
	for _, entry := range entries {
		trimmed := strings.TrimSpace(entry)
		if trimmed == "" {
			continue
		}
		email, roleText, _ := strings.Cut(trimmed, "=")
		email = normalizeEmail(email)
		if !strings.Contains(email, "@") {
			return nil, fmt.Errorf("%w: %q", errInvalidUserSeed, entry)
		}
		role := authkit.RoleStandard
		switch strings.TrimSpace(roleText) {
		case "", string(authkit.RoleStandard):
		case string(authkit.RoleAdmin):
			role = authkit.RoleAdmin
		default:
			return nil, fmt.Errorf("%w: unknown role in %q", errInvalidUserSeed, entry)
		}
		name, _, _ := strings.Cut(email, "@")
		users = append(users, authkit.User{
			ID:    uuid.NewSHA1(uuid.NameSpaceURL, []byte("mailto:"+email)).String(),
			Name:  name,
			Email: email,
			Role:  role,
		})
	}
	return users, nil
}

// HandleWhoAmI resolves the authenticated user's profile payload.
func HandleWhoAmI(logger *zap.Logger, users authkit.UserDirectory) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	if users == nil {
		panic("user directory is required")
	}

	return func(contextGin *gin.Context) {
		claims, found := authkit.ClaimsFromContext(contextGin)
		if !found || claims.GetUserID() == "" {
			logger.Warn("missing auth claims on context",
				zap.String("code", "api.me.missing_claims"))
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return
		}

		user, lookupErr := users.FindUserByID(contextGin.Request.Context(), claims.GetUserID())
		if lookupErr != nil {
			if errors.Is(lookupErr, authkit.ErrNotFound) {
				logger.Warn("user profile missing",
					zap.String("code", "api.me.profile_missing"),
					zap.String("user_id", claims.GetUserID()))
			} else {
				logger.Error("user profile lookup error",
					zap.String("code", "api.me.profile_error"),
					zap.String("user_id", claims.GetUserID()),
					zap.Error(lookupErr))
			}
			contextGin.AbortWithStatusJSON(authkit.StatusForError(lookupErr), gin.H{"error": authkit.ErrorCode(lookupErr)})
			return
		}

		contextGin.JSON(http.StatusOK, gin.H{
			"user_id":     user.ID,
			"user_email":  user.Email,
			"display":     user.Name,
			"avatar_name": user.AvatarName,
			"role":        user.Role,
			"token_id":    claims.GetTokenID(),
			"expires":     claims.GetExpiresAt(),
		})
	}
}
