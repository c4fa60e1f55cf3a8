package authkit

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

const (
	refreshOpaqueByteLength    = 32
	verificationCodeByteLength = 24
	refreshCookieSeparator     = "."
)

var refreshTokenRandomSource io.Reader = rand.Reader

var (
	credentialEntropyMutex sync.Mutex
	credentialEntropy      = ulid.Monotonic(rand.Reader, 0)
)

// newRefreshCredentialID returns a lexicographically sortable identifier that doubles as the access token jti.
func newRefreshCredentialID(now time.Time) string {
	credentialEntropyMutex.Lock()
	defer credentialEntropyMutex.Unlock()
	return ulid.MustNew(ulid.Timestamp(now), credentialEntropy).String()
}

func newSessionID() string {
	return uuid.NewString()
}

func generateRefreshOpaque() (string, string, error) {
	return randomOpaque(refreshOpaqueByteLength, "refresh_store.random")
}

func generateVerificationCode() (string, string, error) {
	return randomOpaque(verificationCodeByteLength, "sso_session.random")
}

func randomOpaque(byteLength int, code string) (string, string, error) {
	randomBytes := make([]byte, byteLength)
	if _, err := io.ReadFull(refreshTokenRandomSource, randomBytes); err != nil {
		return "", "", fmt.Errorf("%s: %w", code, err)
	}
	opaque := base64.RawURLEncoding.EncodeToString(randomBytes)
	return opaque, hashOpaque(opaque), nil
}

func hashOpaque(opaque string) string {
	sum := sha256.Sum256([]byte(opaque))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func hashesEqual(left string, right string) bool {
	return subtle.ConstantTimeCompare([]byte(left), []byte(right)) == 1
}

// EncodeRefreshCookie packs the owner and the secret into one cookie value.
func EncodeRefreshCookie(userID string, secret string) string {
	return userID + refreshCookieSeparator + secret
}

// DecodeRefreshCookie splits a refresh cookie value on its last separator.
func DecodeRefreshCookie(value string) (string, string, bool) {
	index := strings.LastIndex(value, refreshCookieSeparator)
	if index <= 0 || index == len(value)-1 {
		return "", "", false
	}
	return value[:index], value[index+1:], true
}
