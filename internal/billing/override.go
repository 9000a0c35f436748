package billing

import (
	"context"
	"fmt"

	"github.com/oklog/ulid/v2"

	"github.com/pocketparent/Sentiment-by-Hatchling/internal/metrics"
	"github.com/pocketparent/Sentiment-by-Hatchling/internal/store"
	"github.com/pocketparent/Sentiment-by-Hatchling/pkg/entitlement"
)

// Override forces a user's entitlement to target by explicit operator
// action. It runs through the normal processor path under a synthetic
// event id derived from requestID, so a retried admin request carrying
// the same idempotency key dedupes like any billing event. With an empty
// requestID every call gets a fresh id and applies independently. An
// audit entry records who moved whom from where.
func (p *Processor) Override(ctx context.Context, userID string, target entitlement.Status, actor, note, requestID string) (entitlement.Outcome, error) {
	if !target.Valid() {
		return "", fmt.Errorf("invalid target status %q", target)
	}
	if actor == "" {
		return "", fmt.Errorf("override requires an actor")
	}

	prior := entitlement.StatusNone
	if current, err := p.store.GetEntitlement(userID); err != nil {
		return "", fmt.Errorf("load entitlement: %w", err)
	} else if current != nil {
		prior = current.Status
	}

	eventID := "override-" + requestID
	if requestID == "" {
		eventID = "override-" + ulid.Make().String()
	}
	outcome, err := p.Apply(ctx, userID, eventID, entitlement.ManualOverride{
		Target: target,
		Actor:  actor,
	})
	if err != nil {
		return outcome, err
	}
	if outcome != entitlement.OutcomeApplied {
		return outcome, nil
	}

	metrics.RecordOverride()
	if _, err := p.store.AppendAudit(store.AuditEntry{
		UserID:     userID,
		Actor:      actor,
		Action:     "manual_override",
		FromStatus: string(prior),
		ToStatus:   string(target),
		Note:       note,
	}); err != nil {
		// The transition already landed; a failed audit write must be
		// loud but must not roll it back.
		return outcome, fmt.Errorf("transition applied but audit append failed: %w", err)
	}
	return outcome, nil
}
