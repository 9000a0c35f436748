package api

import (
	"errors"
	"net/http"

	"github.com/pocketparent/Sentiment-by-Hatchling/internal/verify"
)

type verifyStartRequest struct {
	Phone string `json:"phone"`
}

type verifyCheckRequest struct {
	Code string `json:"code"`
}

func (r *Router) handleVerifyStart(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
		return
	}
	var body verifyStartRequest
	if err := decodeBody(req, &body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	err := r.verifier.Start(req.Context(), userFrom(req.Context()), body.Phone)
	switch {
	case errors.Is(err, verify.ErrInvalidPhone):
		writeJSONError(w, http.StatusBadRequest, "invalid_phone", "Phone number must be in E.164 format")
		return
	case err != nil:
		writeJSONError(w, http.StatusInternalServerError, "send_failed", "Could not send verification code")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

func (r *Router) handleVerifyCheck(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
		return
	}
	var body verifyCheckRequest
	if err := decodeBody(req, &body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	phone, err := r.verifier.Check(req.Context(), userFrom(req.Context()), body.Code)
	switch {
	case errors.Is(err, verify.ErrCodeInvalid):
		// Expired, wrong or already consumed all look the same to the caller.
		writeJSONError(w, http.StatusGone, "code_invalid", "Verification code is invalid or expired")
		return
	case err != nil:
		writeJSONError(w, http.StatusInternalServerError, "store_error", "Failed to check verification code")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"verified": true, "phone": phone})
}
