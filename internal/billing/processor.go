// Package billing turns verified billing events into entitlement
// transitions. The processor is the only writer of entitlement records.
package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pocketparent/Sentiment-by-Hatchling/internal/metrics"
	"github.com/pocketparent/Sentiment-by-Hatchling/internal/store"
	"github.com/pocketparent/Sentiment-by-Hatchling/pkg/entitlement"
)

// maxApplyAttempts bounds the CAS retry loop. Two concurrent events for
// one user resolve in one retry; more attempts than this means something
// is hammering the row and the caller should redeliver later.
const maxApplyAttempts = 3

// Broadcaster pushes feed messages to connected admin dashboards.
type Broadcaster interface {
	Broadcast(msgType string, data any)
}

// Processor applies billing events to entitlement records: dedupe, load,
// pure transition, optimistic persist with bounded retry.
type Processor struct {
	store *store.Store
	feed  Broadcaster
	now   func() time.Time
}

// NewProcessor creates a Processor. feed may be nil.
func NewProcessor(st *store.Store, feed Broadcaster) *Processor {
	return &Processor{store: st, feed: feed, now: time.Now}
}

// Apply runs one billing event through the entitlement state machine.
//
// The returned outcome is one of applied, ignored, duplicate or conflict.
// Per-user transitions serialize through the version check: when a
// concurrent event for the same user wins the race, the loop reloads and
// re-applies so events are never applied against a stale record. A non-nil
// error means the store itself failed; the caller should have the sender
// redeliver.
func (p *Processor) Apply(ctx context.Context, userID, eventID string, ev entitlement.Event) (entitlement.Outcome, error) {
	kind := string(ev.Kind())

	seen, err := p.store.SeenEvent(eventID)
	if err != nil {
		return "", fmt.Errorf("dedupe lookup: %w", err)
	}
	if seen {
		log.Debug().
			Str("event_id", eventID).
			Str("kind", kind).
			Str("user_id", userID).
			Msg("Billing event already applied, skipping")
		metrics.RecordBillingEvent(kind, string(entitlement.OutcomeDuplicate))
		return entitlement.OutcomeDuplicate, nil
	}

	for attempt := 0; attempt < maxApplyAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		current, err := p.store.GetEntitlement(userID)
		if err != nil {
			return "", fmt.Errorf("load entitlement: %w", err)
		}
		rec := entitlement.NewRecord(userID)
		if current != nil {
			rec = *current
		}

		next, outcome := entitlement.Apply(rec, ev, p.now().UTC())
		if outcome == entitlement.OutcomeIgnored {
			log.Info().
				Str("event_id", eventID).
				Str("kind", kind).
				Str("user_id", userID).
				Str("status", string(rec.Status)).
				Msg("Billing event ignored, precondition not met")
			if err := p.store.MarkEventProcessed(eventID, userID, kind, string(outcome)); err != nil {
				return "", err
			}
			metrics.RecordBillingEvent(kind, string(outcome))
			return outcome, nil
		}

		stored, err := p.store.PutEntitlement(next, rec.Version)
		if errors.Is(err, store.ErrConflict) {
			metrics.RecordConflictRetry()
			log.Debug().
				Str("event_id", eventID).
				Str("user_id", userID).
				Int("attempt", attempt+1).
				Msg("Entitlement write lost a race, retrying")
			continue
		}
		if err != nil {
			return "", fmt.Errorf("persist entitlement: %w", err)
		}

		if err := p.store.MarkEventProcessed(eventID, userID, kind, string(outcome)); err != nil {
			return "", err
		}

		p.logApplied(ev, eventID, rec, stored)
		metrics.RecordBillingEvent(kind, string(outcome))
		if stored.Status != rec.Status {
			metrics.RecordTransition(string(rec.Status), string(stored.Status))
		}
		if p.feed != nil {
			p.feed.Broadcast("transition", map[string]any{
				"user_id": userID,
				"kind":    kind,
				"from":    rec.Status,
				"to":      stored.Status,
				"version": stored.Version,
			})
		}
		return outcome, nil
	}

	log.Warn().
		Str("event_id", eventID).
		Str("user_id", userID).
		Str("kind", kind).
		Int("attempts", maxApplyAttempts).
		Msg("Entitlement update kept losing races, surfacing conflict")
	metrics.RecordBillingEvent(kind, string(entitlement.OutcomeConflict))
	return entitlement.OutcomeConflict, nil
}

// logApplied logs a persisted transition. Operator overrides log at warn
// with the actor so the audit trail has a counterpart in the log stream.
func (p *Processor) logApplied(ev entitlement.Event, eventID string, prev, next entitlement.Record) {
	if override, ok := ev.(entitlement.ManualOverride); ok {
		log.Warn().
			Str("event_id", eventID).
			Str("user_id", next.UserID).
			Str("actor", override.Actor).
			Str("from", string(prev.Status)).
			Str("to", string(next.Status)).
			Msg("Manual entitlement override applied")
		return
	}
	log.Info().
		Str("event_id", eventID).
		Str("user_id", next.UserID).
		Str("kind", string(ev.Kind())).
		Str("from", string(prev.Status)).
		Str("to", string(next.Status)).
		Int64("version", next.Version).
		Msg("Billing event applied")
}
