package billing

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/pocketparent/Sentiment-by-Hatchling/internal/store"
	"github.com/pocketparent/Sentiment-by-Hatchling/pkg/entitlement"
)

const webhookBodyLimit = 1024 * 1024 // 1 MiB

// WebhookHandler receives Stripe webhook events, verifies their signature
// and feeds the typed equivalents to the Processor.
type WebhookHandler struct {
	secret    string
	processor *Processor
	store     *store.Store
	now       func() time.Time
}

type webhookErrorResponse struct {
	Error string `json:"error"`
}

type webhookReceivedResponse struct {
	Received bool   `json:"received"`
	Outcome  string `json:"outcome,omitempty"`
}

// NewWebhookHandler creates the webhook HTTP handler.
func NewWebhookHandler(secret string, processor *Processor, st *store.Store) *WebhookHandler {
	return &WebhookHandler{secret: secret, processor: processor, store: st, now: time.Now}
}

// ServeHTTP verifies the Stripe signature and applies the event.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, webhookErrorResponse{Error: "method not allowed"})
		return
	}
	if strings.TrimSpace(h.secret) == "" {
		writeJSON(w, http.StatusServiceUnavailable, webhookErrorResponse{Error: "webhook secret not configured"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, webhookErrorResponse{Error: "failed to read request body"})
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sigHeader) == "" {
		writeJSON(w, http.StatusBadRequest, webhookErrorResponse{Error: "missing Stripe signature"})
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, h.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		writeJSON(w, http.StatusBadRequest, webhookErrorResponse{Error: "invalid Stripe signature"})
		return
	}

	userID, typed, err := h.translate(&event)
	if err != nil {
		log.Error().Err(err).
			Str("event_id", event.ID).
			Str("type", string(event.Type)).
			Msg("Stripe webhook decode failed")
		writeJSON(w, http.StatusBadRequest, webhookErrorResponse{Error: "malformed event payload"})
		return
	}
	if typed == nil {
		// Unhandled event type; acknowledged so the sender stops retrying.
		log.Debug().
			Str("type", string(event.Type)).
			Str("event_id", event.ID).
			Msg("Stripe webhook ignored (unhandled type)")
		writeJSON(w, http.StatusOK, webhookReceivedResponse{Received: true})
		return
	}
	if userID == "" {
		log.Warn().
			Str("type", string(event.Type)).
			Str("event_id", event.ID).
			Msg("Stripe webhook references no known user, nothing to apply")
		writeJSON(w, http.StatusOK, webhookReceivedResponse{Received: true})
		return
	}

	outcome, err := h.processor.Apply(r.Context(), userID, event.ID, typed)
	if err != nil {
		log.Error().Err(err).
			Str("event_id", event.ID).
			Str("type", string(event.Type)).
			Str("user_id", userID).
			Msg("Stripe webhook processing failed")
		writeJSON(w, http.StatusInternalServerError, webhookErrorResponse{Error: "processing failed"})
		return
	}
	if outcome == entitlement.OutcomeConflict {
		// Retryable: answer 500 so Stripe redelivers.
		writeJSON(w, http.StatusInternalServerError, webhookErrorResponse{Error: "conflict, retry later"})
		return
	}

	writeJSON(w, http.StatusOK, webhookReceivedResponse{Received: true, Outcome: string(outcome)})
}

// translate decodes the provider envelope into a typed event plus the user
// it belongs to. A nil event means the type is not handled; an empty user
// id means the event could not be attributed to anyone.
func (h *WebhookHandler) translate(event *stripelib.Event) (string, entitlement.Event, error) {
	switch event.Type {
	case "customer.created":
		var cust customerPayload
		if err := json.Unmarshal(event.Data.Raw, &cust); err != nil {
			return "", nil, fmt.Errorf("decode customer: %w", err)
		}
		return cust.Metadata["user_id"], entitlement.CustomerLinked{CustomerID: cust.ID}, nil

	case "customer.subscription.created":
		var sub subscriptionPayload
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return "", nil, fmt.Errorf("decode subscription: %w", err)
		}
		userID, err := h.resolveUser(sub.Metadata, sub.Customer)
		if err != nil {
			return "", nil, err
		}
		return userID, entitlement.SubscriptionStarted{
			SubscriptionID: sub.ID,
			Plan:           sub.plan(),
			TrialDays:      h.trialDays(sub.TrialEnd),
		}, nil

	case "customer.subscription.trial_will_end":
		var sub subscriptionPayload
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return "", nil, fmt.Errorf("decode subscription: %w", err)
		}
		userID, err := h.resolveUser(sub.Metadata, sub.Customer)
		if err != nil {
			return "", nil, err
		}
		return userID, entitlement.TrialWillEnd{}, nil

	case "invoice.payment_succeeded":
		var inv invoicePayload
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return "", nil, fmt.Errorf("decode invoice: %w", err)
		}
		userID, err := h.resolveUser(inv.Metadata, inv.Customer)
		if err != nil {
			return "", nil, err
		}
		ev := entitlement.PaymentSucceeded{}
		if inv.PeriodEnd > 0 {
			end := time.Unix(inv.PeriodEnd, 0).UTC()
			ev.PeriodEnd = &end
		}
		return userID, ev, nil

	case "invoice.payment_failed":
		var inv invoicePayload
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return "", nil, fmt.Errorf("decode invoice: %w", err)
		}
		userID, err := h.resolveUser(inv.Metadata, inv.Customer)
		if err != nil {
			return "", nil, err
		}
		return userID, entitlement.PaymentFailed{AttemptCount: inv.AttemptCount}, nil

	case "customer.subscription.deleted":
		var sub subscriptionPayload
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return "", nil, fmt.Errorf("decode subscription: %w", err)
		}
		userID, err := h.resolveUser(sub.Metadata, sub.Customer)
		if err != nil {
			return "", nil, err
		}
		return userID, entitlement.SubscriptionCancelled{}, nil

	default:
		return "", nil, nil
	}
}

// resolveUser prefers the user id the checkout flow stamped into metadata,
// then falls back to a reverse lookup through the customer reference.
func (h *WebhookHandler) resolveUser(metadata map[string]string, customerID string) (string, error) {
	if userID := strings.TrimSpace(metadata["user_id"]); userID != "" {
		return userID, nil
	}
	rec, err := h.store.GetEntitlementByCustomerID(strings.TrimSpace(customerID))
	if err != nil {
		return "", fmt.Errorf("lookup user by customer: %w", err)
	}
	if rec == nil {
		return "", nil
	}
	return rec.UserID, nil
}

// trialDays converts the provider's absolute trial end into whole days
// from now, rounding up so a 13.5-day remainder still grants 14.
func (h *WebhookHandler) trialDays(trialEnd int64) int {
	if trialEnd <= 0 {
		return 0
	}
	until := time.Unix(trialEnd, 0).UTC().Sub(h.now().UTC())
	if until <= 0 {
		return 0
	}
	return int(math.Ceil(until.Hours() / 24))
}

// customerPayload is a minimal representation of a Stripe customer event.
type customerPayload struct {
	ID       string            `json:"id"`
	Metadata map[string]string `json:"metadata"`
}

// subscriptionPayload is a minimal representation of a Stripe subscription
// event.
type subscriptionPayload struct {
	ID       string `json:"id"`
	Customer string `json:"customer"`
	TrialEnd int64  `json:"trial_end"`
	Items    struct {
		Data []struct {
			Price struct {
				LookupKey string            `json:"lookup_key"`
				Metadata  map[string]string `json:"metadata"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
	Metadata map[string]string `json:"metadata"`
}

// plan extracts the plan identifier from the first subscription item,
// preferring the price lookup key over its metadata.
func (s *subscriptionPayload) plan() string {
	for _, item := range s.Items.Data {
		if key := strings.TrimSpace(item.Price.LookupKey); key != "" {
			return key
		}
		if plan := strings.TrimSpace(item.Price.Metadata["plan"]); plan != "" {
			return plan
		}
	}
	return ""
}

// invoicePayload is a minimal representation of a Stripe invoice event.
type invoicePayload struct {
	Customer     string            `json:"customer"`
	AttemptCount int               `json:"attempt_count"`
	PeriodEnd    int64             `json:"period_end"`
	Metadata     map[string]string `json:"metadata"`
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("billing: encode webhook response")
	}
}
