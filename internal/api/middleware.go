package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/pocketparent/Sentiment-by-Hatchling/internal/auth"
	"github.com/pocketparent/Sentiment-by-Hatchling/pkg/entitlement"
)

type ctxKey string

const (
	userIDKey ctxKey = "user_id"
	roleKey   ctxKey = "role"
)

// requireUser extracts the caller identity set by the upstream gateway.
// Requests without an X-User-ID header are rejected.
func (r *Router) requireUser(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		userID := strings.TrimSpace(req.Header.Get("X-User-ID"))
		if userID == "" {
			writeJSONError(w, http.StatusUnauthorized, "missing_identity", "X-User-ID header is required")
			return
		}
		role := entitlement.ParseRole(req.Header.Get("X-Role"))
		ctx := context.WithValue(req.Context(), userIDKey, userID)
		ctx = context.WithValue(ctx, roleKey, role)
		next(w, req.WithContext(ctx))
	}
}

// requireAdmin enforces the bearer token against the configured bcrypt hash
// and records the acting operator from X-Actor.
func (r *Router) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if r.config.AdminTokenHash == "" {
			writeJSONError(w, http.StatusServiceUnavailable, "admin_disabled", "No admin token is configured")
			return
		}
		token := bearerToken(req)
		if token == "" || !auth.CheckToken(token, r.config.AdminTokenHash) {
			log.Warn().Str("path", req.URL.Path).Str("remote", req.RemoteAddr).Msg("Admin auth failed")
			writeJSONError(w, http.StatusUnauthorized, "unauthorized", "Invalid or missing admin token")
			return
		}
		actor := strings.TrimSpace(req.Header.Get("X-Actor"))
		if actor == "" {
			actor = "admin"
		}
		next(w, req.WithContext(auth.WithActor(req.Context(), actor)))
	}
}

// bearerToken pulls the admin token from the Authorization header, falling
// back to a token query parameter for websocket clients that cannot set
// headers.
func bearerToken(req *http.Request) string {
	header := req.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return strings.TrimSpace(req.URL.Query().Get("token"))
}

func userFrom(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey).(string)
	return id
}

func roleFrom(ctx context.Context) entitlement.Role {
	if role, ok := ctx.Value(roleKey).(entitlement.Role); ok {
		return role
	}
	return entitlement.RoleParent
}

// writeJSON writes v as a JSON response body.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

// writeJSONError writes a JSON error response.
func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"error":   code,
		"message": message,
	})
}
