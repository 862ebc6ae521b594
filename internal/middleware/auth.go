// Package middleware holds the Control API's request pipeline: bearer
// token authentication and CORS. Identity extracted from a validated
// token travels in the request context under unexported key types, so
// no other package can collide with or forge the values.
package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/applyctl/flowctl/internal/auth"
)

type contextKey int

const (
	userIDKey contextKey = iota
	roleKey
)

// ErrNoIdentity is returned by UserID/Role when the request never
// passed through Authenticate.
var ErrNoIdentity = errors.New("middleware: no authenticated identity in context")

// Authenticate validates the Authorization bearer token and injects
// the caller's user id and role into the request context. A request
// with a missing, malformed, or invalid token never reaches the
// wrapped handler.
func Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			http.Error(w, "missing or malformed Authorization header", http.StatusUnauthorized)
			return
		}
		claims, err := auth.ValidateToken(token)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), userIDKey, claims.UserID)
		ctx = context.WithValue(ctx, roleKey, claims.Role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) || len(h) == len(prefix) {
		return "", false
	}
	return h[len(prefix):], true
}

// UserID returns the authenticated caller's user id.
func UserID(ctx context.Context) (string, error) {
	id, ok := ctx.Value(userIDKey).(string)
	if !ok || id == "" {
		return "", ErrNoIdentity
	}
	return id, nil
}

// Role returns the authenticated caller's role.
func Role(ctx context.Context) (string, error) {
	role, ok := ctx.Value(roleKey).(string)
	if !ok {
		return "", ErrNoIdentity
	}
	return role, nil
}
