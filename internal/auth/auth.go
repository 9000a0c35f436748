// Package auth guards the admin surface with a bcrypt-hashed bearer token
// and carries actor identity on the request context.
package auth

import (
	"context"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// BcryptCost is the cost factor for token hashing.
const BcryptCost = 12

type ctxKey string

const actorKey ctxKey = "auth_actor"

// HashToken generates a bcrypt hash of an admin API token, suitable for
// the SENTIMENT_ADMIN_TOKEN_HASH setting.
func HashToken(token string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(token), BcryptCost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

// CheckToken compares a presented token with the configured hash.
func CheckToken(token, hash string) bool {
	if strings.TrimSpace(token) == "" || strings.TrimSpace(hash) == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) == nil
}

// WithActor returns a context carrying the authenticated actor identity.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

// ActorFrom returns the actor identity from the context, or "admin" when
// the caller authenticated without naming themselves.
func ActorFrom(ctx context.Context) string {
	if actor, ok := ctx.Value(actorKey).(string); ok && actor != "" {
		return actor
	}
	return "admin"
}
