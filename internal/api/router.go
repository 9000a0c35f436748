// Package api exposes the HTTP surface: reminder CRUD and phone
// verification for authenticated users, the billing webhook ingress,
// and a token-protected admin surface over entitlements.
package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/pocketparent/Sentiment-by-Hatchling/internal/billing"
	"github.com/pocketparent/Sentiment-by-Hatchling/internal/config"
	"github.com/pocketparent/Sentiment-by-Hatchling/internal/store"
	"github.com/pocketparent/Sentiment-by-Hatchling/internal/verify"
	"github.com/pocketparent/Sentiment-by-Hatchling/internal/websocket"
)

// Router wires every HTTP handler onto one mux.
type Router struct {
	mux       *http.ServeMux
	config    *config.Config
	store     *store.Store
	processor *billing.Processor
	verifier  *verify.Service
	hub       *websocket.Hub
	webhook   http.Handler
}

// NewRouter creates the HTTP handler for the whole service.
func NewRouter(cfg *config.Config, st *store.Store, processor *billing.Processor, verifier *verify.Service, hub *websocket.Hub, webhook http.Handler) http.Handler {
	r := &Router{
		mux:       http.NewServeMux(),
		config:    cfg,
		store:     st,
		processor: processor,
		verifier:  verifier,
		hub:       hub,
		webhook:   webhook,
	}
	r.setupRoutes()
	return r
}

func (r *Router) setupRoutes() {
	r.mux.HandleFunc("/healthz", r.handleHealth)

	if r.webhook != nil {
		r.mux.Handle("/api/billing/webhook", r.webhook)
	}

	// User surface. Identity comes from the upstream gateway.
	r.mux.HandleFunc("/api/capabilities", r.requireUser(r.handleCapabilities))
	r.mux.HandleFunc("/api/reminders", r.requireUser(func(w http.ResponseWriter, req *http.Request) {
		switch req.Method {
		case http.MethodGet:
			r.handleListReminders(w, req)
		case http.MethodPost:
			r.handleCreateReminder(w, req)
		default:
			writeJSONError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
		}
	}))
	r.mux.HandleFunc("/api/reminders/", r.requireUser(func(w http.ResponseWriter, req *http.Request) {
		switch req.Method {
		case http.MethodGet:
			r.handleGetReminder(w, req)
		case http.MethodPatch:
			r.handleUpdateReminder(w, req)
		case http.MethodDelete:
			r.handleDeleteReminder(w, req)
		default:
			writeJSONError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
		}
	}))
	r.mux.HandleFunc("/api/verify/start", r.requireUser(r.handleVerifyStart))
	r.mux.HandleFunc("/api/verify/check", r.requireUser(r.handleVerifyCheck))

	// Admin surface.
	r.mux.HandleFunc("/api/admin/entitlements", r.requireAdmin(r.handleSearchEntitlements))
	r.mux.HandleFunc("/api/admin/entitlements/", r.requireAdmin(r.handleAdminEntitlement))
	r.mux.HandleFunc("/api/admin/stats", r.requireAdmin(r.handleStats))
	r.mux.HandleFunc("/api/admin/events/ws", r.requireAdmin(r.handleEventsWS))
}

// ServeHTTP implements http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	requestID := uuid.NewString()
	w.Header().Set("X-Request-ID", requestID)
	if strings.HasPrefix(req.URL.Path, "/api/") {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Cache-Control", "no-store")
	}

	start := time.Now()
	r.mux.ServeHTTP(w, req)
	log.Debug().
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Str("request_id", requestID).
		Dur("duration", time.Since(start)).
		Msg("Request handled")
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	if err := r.store.Ping(); err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, "store_unavailable", "Database is not reachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (r *Router) handleEventsWS(w http.ResponseWriter, req *http.Request) {
	r.hub.ServeWS(w, req)
}
