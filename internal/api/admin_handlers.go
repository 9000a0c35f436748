package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pocketparent/Sentiment-by-Hatchling/internal/auth"
	"github.com/pocketparent/Sentiment-by-Hatchling/internal/metrics"
	"github.com/pocketparent/Sentiment-by-Hatchling/pkg/entitlement"
)

const (
	defaultSearchLimit = 50
	defaultAuditLimit  = 100
)

type overrideRequest struct {
	Target string `json:"target"`
	Note   string `json:"note"`
}

// handleAdminEntitlement dispatches /api/admin/entitlements/{user_id} and
// its /override and /audit subresources.
func (r *Router) handleAdminEntitlement(w http.ResponseWriter, req *http.Request) {
	rest := strings.TrimPrefix(req.URL.Path, "/api/admin/entitlements/")
	userID, action, _ := strings.Cut(rest, "/")
	if userID == "" {
		writeJSONError(w, http.StatusNotFound, "not_found", "User id is required")
		return
	}

	switch action {
	case "":
		if req.Method != http.MethodGet {
			writeJSONError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
			return
		}
		r.adminGetEntitlement(w, userID)
	case "override":
		if req.Method != http.MethodPost {
			writeJSONError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
			return
		}
		r.adminOverride(w, req, userID)
	case "audit":
		if req.Method != http.MethodGet {
			writeJSONError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
			return
		}
		r.adminAudit(w, req, userID)
	default:
		writeJSONError(w, http.StatusNotFound, "not_found", "Unknown resource")
	}
}

func (r *Router) adminGetEntitlement(w http.ResponseWriter, userID string) {
	rec, err := r.store.GetEntitlement(userID)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "store_error", "Failed to load entitlement")
		return
	}
	if rec == nil {
		writeJSONError(w, http.StatusNotFound, "not_found", "No entitlement record for user")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entitlement":  rec,
		"capabilities": entitlement.Capabilities(rec.Status, entitlement.RoleParent).Strings(),
	})
}

func (r *Router) adminOverride(w http.ResponseWriter, req *http.Request, userID string) {
	var body overrideRequest
	if err := decodeBody(req, &body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	target, ok := entitlement.ParseStatus(body.Target)
	if !ok {
		writeJSONError(w, http.StatusBadRequest, "invalid_target", "Unknown target status")
		return
	}

	actor := auth.ActorFrom(req.Context())
	// A client retrying with the same Idempotency-Key gets the original
	// outcome instead of a second transition.
	idemKey := strings.TrimSpace(req.Header.Get("Idempotency-Key"))
	outcome, err := r.processor.Override(req.Context(), userID, target, actor, body.Note, idemKey)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "override_failed", err.Error())
		return
	}
	rec, err := r.store.GetEntitlement(userID)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "store_error", "Failed to reload entitlement")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"outcome":     outcome,
		"entitlement": rec,
	})
}

func (r *Router) adminAudit(w http.ResponseWriter, req *http.Request, userID string) {
	limit := queryInt(req, "limit", defaultAuditLimit)
	entries, err := r.store.ListAudit(userID, limit)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "store_error", "Failed to load audit trail")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (r *Router) handleSearchEntitlements(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
		return
	}
	pattern := strings.TrimSpace(req.URL.Query().Get("pattern"))
	if pattern == "" {
		writeJSONError(w, http.StatusBadRequest, "missing_pattern", "A pattern query parameter is required")
		return
	}
	records, err := r.store.SearchEntitlements(pattern, queryInt(req, "limit", defaultSearchLimit))
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "store_error", "Search failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entitlements": records})
}

func (r *Router) handleStats(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
		return
	}
	byStatus, err := r.store.CountEntitlementsByStatus()
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "store_error", "Failed to count entitlements")
		return
	}
	active, due, err := r.store.ReminderStats(time.Now().UTC())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "store_error", "Failed to count reminders")
		return
	}

	statuses := make(map[string]int, len(byStatus))
	for status, n := range byStatus {
		statuses[string(status)] = n
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entitlements_by_status": statuses,
		"reminders_active":       active,
		"reminders_due":          due,
		"dispatch_totals":        metrics.DispatchTotals(),
		"ws_clients":             r.hub.ClientCount(),
	})
}

func queryInt(req *http.Request, key string, fallback int) int {
	raw := req.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
