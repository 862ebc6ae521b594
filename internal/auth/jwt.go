// Package auth issues and validates the bearer tokens the Control API
// requires on every authenticated route, HS256-signed with a shared
// secret installed once at startup.
package auth

import (
	"errors"
	"fmt"
	"os"
	"time"

	jwt "github.com/dgrijalva/jwt-go"
)

// Claims carries the identity a session-scoped request authenticates
// as: the user_id sessions are created under, plus a coarse role. The
// role is carried in the token and exposed by middleware.Role; no
// route checks it.
type Claims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	jwt.StandardClaims
}

var (
	issuer   = "flowctl"
	audience = "flowctl-api"

	// ErrWeakSecret is returned when JWT_SECRET is missing or shorter
	// than 32 bytes.
	ErrWeakSecret = errors.New("auth: JWT_SECRET must be at least 32 characters")
)

// secret must be set once via SetSecret (normally from internal/config
// at process start) before GenerateToken/ValidateToken are called.
var secret []byte

// SetSecret installs the signing key, failing fast if key is too
// short.
func SetSecret(key string) error {
	if len(key) < 32 {
		return ErrWeakSecret
	}
	secret = []byte(key)
	return nil
}

// GenerateToken issues a signed 24h bearer token for userID/role.
func GenerateToken(userID, role string) (string, error) {
	if secret == nil {
		return "", errors.New("auth: secret not configured, call SetSecret first")
	}
	now := time.Now()
	claims := Claims{
		UserID: userID,
		Role:   role,
		StandardClaims: jwt.StandardClaims{
			Issuer:    issuer,
			Audience:  audience,
			IssuedAt:  now.Unix(),
			NotBefore: now.Unix(),
			ExpiresAt: now.Add(24 * time.Hour).Unix(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// ValidateToken parses and validates a bearer token, returning its
// Claims on success.
func ValidateToken(tokenString string) (*Claims, error) {
	if secret == nil {
		return nil, errors.New("auth: secret not configured, call SetSecret first")
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.Audience != audience {
		return nil, errors.New("invalid audience")
	}
	return claims, nil
}

// LoadSecretFromEnv reads JWT_SECRET from the environment, falling
// back to an insecure dev default only when the variable is entirely
// absent (never when it's merely short — that stays a startup
// failure).
func LoadSecretFromEnv() error {
	v := os.Getenv("JWT_SECRET")
	if v == "" {
		return SetSecret("insecure_default_secret_for_dev_mode_only_32bytes")
	}
	return SetSecret(v)
}
