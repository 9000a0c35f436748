package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pocketparent/Sentiment-by-Hatchling/internal/store"
	"github.com/pocketparent/Sentiment-by-Hatchling/pkg/entitlement"
	"github.com/pocketparent/Sentiment-by-Hatchling/pkg/recurrence"
	"github.com/pocketparent/Sentiment-by-Hatchling/pkg/reminder"
)

const maxReminderBody = 64 * 1024

type reminderCreateRequest struct {
	Message      string    `json:"message"`
	Repeat       string    `json:"repeat"`
	ScheduleTime time.Time `json:"schedule_time"`
}

// reminderUpdateRequest carries a partial edit; nil fields are untouched.
type reminderUpdateRequest struct {
	Message      *string    `json:"message"`
	Repeat       *string    `json:"repeat"`
	ScheduleTime *time.Time `json:"schedule_time"`
	Active       *bool      `json:"active"`
}

// callerCapabilities derives the capability set for the request's user.
// A user with no entitlement record is treated as status none.
func (r *Router) callerCapabilities(userID string, role entitlement.Role) (entitlement.CapabilitySet, entitlement.Status, error) {
	rec, err := r.store.GetEntitlement(userID)
	if err != nil {
		return nil, entitlement.StatusNone, err
	}
	status := entitlement.StatusNone
	if rec != nil {
		status = rec.Status
	}
	return entitlement.Capabilities(status, role), status, nil
}

// requireWrite runs the single permission check every mutating reminder
// route passes through. It writes the error response itself.
func (r *Router) requireWrite(w http.ResponseWriter, req *http.Request) bool {
	caps, status, err := r.callerCapabilities(userFrom(req.Context()), roleFrom(req.Context()))
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "store_error", "Failed to load entitlement")
		return false
	}
	if !caps.CanWrite() {
		log.Debug().
			Str("user_id", userFrom(req.Context())).
			Str("status", string(status)).
			Msg("Write denied by entitlement")
		writeJSONError(w, http.StatusForbidden, "subscription_required", "Your subscription does not allow changes")
		return false
	}
	return true
}

func (r *Router) handleListReminders(w http.ResponseWriter, req *http.Request) {
	records, err := r.store.ListReminders(userFrom(req.Context()))
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "store_error", "Failed to list reminders")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reminders": records})
}

func (r *Router) handleCreateReminder(w http.ResponseWriter, req *http.Request) {
	if !r.requireWrite(w, req) {
		return
	}

	var body reminderCreateRequest
	if err := decodeBody(req, &body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	rule, ok := recurrence.ParseRule(body.Repeat)
	if !ok {
		writeJSONError(w, http.StatusBadRequest, "invalid_repeat", "Repeat must be none, daily, weekly or monthly")
		return
	}

	rec, err := reminder.New(userFrom(req.Context()), body.Message, rule, body.ScheduleTime, time.Now().UTC())
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_reminder", err.Error())
		return
	}
	created, err := r.store.CreateReminder(rec)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "store_error", "Failed to create reminder")
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (r *Router) handleGetReminder(w http.ResponseWriter, req *http.Request) {
	rec, ok := r.loadOwnedReminder(w, req)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (r *Router) handleUpdateReminder(w http.ResponseWriter, req *http.Request) {
	if !r.requireWrite(w, req) {
		return
	}
	rec, ok := r.loadOwnedReminder(w, req)
	if !ok {
		return
	}

	var body reminderUpdateRequest
	if err := decodeBody(req, &body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}

	updated := rec.Clone()
	reanchor := false
	if body.Message != nil {
		updated.Message = strings.TrimSpace(*body.Message)
	}
	if body.Repeat != nil {
		rule, valid := recurrence.ParseRule(*body.Repeat)
		if !valid {
			writeJSONError(w, http.StatusBadRequest, "invalid_repeat", "Repeat must be none, daily, weekly or monthly")
			return
		}
		updated.Repeat = rule
		reanchor = true
	}
	if body.ScheduleTime != nil {
		updated.ScheduleTime = *body.ScheduleTime
		reanchor = true
	}
	if body.Active != nil {
		updated.Active = *body.Active
		if *body.Active {
			reanchor = true
		}
	}
	if err := updated.Validate(); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_reminder", err.Error())
		return
	}
	if reanchor && updated.Active {
		due := reminder.FirstDue(updated.ScheduleTime, updated.Repeat, time.Now().UTC())
		updated.NextSend = &due
	}
	if !updated.Active {
		updated.NextSend = nil
	}

	persisted, err := r.store.UpdateReminder(updated, rec.Version)
	switch {
	case errors.Is(err, store.ErrConflict):
		writeJSONError(w, http.StatusConflict, "conflict", "Reminder was modified concurrently, reload and retry")
		return
	case errors.Is(err, store.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, "not_found", "Reminder not found")
		return
	case err != nil:
		writeJSONError(w, http.StatusInternalServerError, "store_error", "Failed to update reminder")
		return
	}
	writeJSON(w, http.StatusOK, persisted)
}

func (r *Router) handleDeleteReminder(w http.ResponseWriter, req *http.Request) {
	if !r.requireWrite(w, req) {
		return
	}
	rec, ok := r.loadOwnedReminder(w, req)
	if !ok {
		return
	}
	if err := r.store.DeleteReminder(rec.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSONError(w, http.StatusNotFound, "not_found", "Reminder not found")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "store_error", "Failed to delete reminder")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) handleCapabilities(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
		return
	}
	role := roleFrom(req.Context())
	caps, status, err := r.callerCapabilities(userFrom(req.Context()), role)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "store_error", "Failed to load entitlement")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":      userFrom(req.Context()),
		"role":         role,
		"status":       status,
		"capabilities": caps.Strings(),
	})
}

// loadOwnedReminder resolves the path id and enforces that the reminder
// belongs to the caller. Foreign reminders 404 rather than 403 so ids do
// not leak.
func (r *Router) loadOwnedReminder(w http.ResponseWriter, req *http.Request) (reminder.Record, bool) {
	id := strings.TrimPrefix(req.URL.Path, "/api/reminders/")
	if id == "" || strings.Contains(id, "/") {
		writeJSONError(w, http.StatusNotFound, "not_found", "Reminder not found")
		return reminder.Record{}, false
	}
	rec, err := r.store.GetReminder(id)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "store_error", "Failed to load reminder")
		return reminder.Record{}, false
	}
	if rec == nil || rec.UserID != userFrom(req.Context()) {
		writeJSONError(w, http.StatusNotFound, "not_found", "Reminder not found")
		return reminder.Record{}, false
	}
	return *rec, true
}

func decodeBody(req *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, req.Body, maxReminderBody))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
