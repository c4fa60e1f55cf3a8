package authkit

import (
	"crypto/rsa"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

var (
	errEmptySigningSecret = errors.New("signing_key.empty_secret")
	errEmptyPrivateKey    = errors.New("signing_key.empty_private_key")
)

// SigningKey is the process-wide access token key. It is built once at startup and injected.
type SigningKey struct {
	method    jwt.SigningMethod
	signKey   any
	verifyKey any
}

// NewHMACSigningKey builds an HS256 key from a shared secret.
func NewHMACSigningKey(secret []byte) (SigningKey, error) {
	if len(secret) == 0 {
		return SigningKey{}, errEmptySigningSecret
	}
	return SigningKey{
		method:    jwt.SigningMethodHS256,
		signKey:   secret,
		verifyKey: secret,
	}, nil
}

// NewRSASigningKeyFromPEM builds an RS256 key from a PEM encoded private key.
func NewRSASigningKeyFromPEM(privateKeyPEM []byte) (SigningKey, error) {
	if len(privateKeyPEM) == 0 {
		return SigningKey{}, errEmptyPrivateKey
	}
	privateKey, parseErr := jwt.ParseRSAPrivateKeyFromPEM(privateKeyPEM)
	if parseErr != nil {
		return SigningKey{}, fmt.Errorf("signing_key.parse_rsa: %w", parseErr)
	}
	return NewRSASigningKey(privateKey), nil
}

// NewRSASigningKey builds an RS256 key from a parsed private key.
func NewRSASigningKey(privateKey *rsa.PrivateKey) SigningKey {
	return SigningKey{
		method:    jwt.SigningMethodRS256,
		signKey:   privateKey,
		verifyKey: &privateKey.PublicKey,
	}
}

// Algorithm returns the JWT alg header value.
func (key SigningKey) Algorithm() string {
	if key.method == nil {
		return ""
	}
	return key.method.Alg()
}

// VerificationKey returns the key downstream validators need.
func (key SigningKey) VerificationKey() any {
	return key.verifyKey
}

// IsZero reports whether the key was never initialized.
func (key SigningKey) IsZero() bool {
	return key.method == nil
}
