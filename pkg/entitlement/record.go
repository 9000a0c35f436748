package entitlement

import (
	"strings"
	"time"
)

// Record is the persisted entitlement for one user. It is created lazily on
// the first billing event for that user and never deleted, only transitioned.
type Record struct {
	UserID                 string     `json:"user_id"`
	Status                 Status     `json:"status"`
	Plan                   string     `json:"plan,omitempty"`
	TrialEnd               *time.Time `json:"trial_end,omitempty"`
	CurrentPeriodEnd       *time.Time `json:"current_period_end,omitempty"`
	PaymentFailureCount    int        `json:"payment_failure_count"`
	ExternalSubscriptionID string     `json:"external_subscription_id,omitempty"`
	ExternalCustomerID     string     `json:"external_customer_id,omitempty"`
	Version                int64      `json:"version"`
	UpdatedAt              time.Time  `json:"updated_at"`
}

// NewRecord returns the default record for a user that has no billing history
// yet. Version 0 marks a record that has never been persisted.
func NewRecord(userID string) Record {
	return Record{
		UserID: userID,
		Status: StatusNone,
	}
}

// Clone returns a deep copy so the caller can't mutate through shared
// pointer fields.
func (r Record) Clone() Record {
	cp := r
	cp.TrialEnd = cloneTimePtr(r.TrialEnd)
	cp.CurrentPeriodEnd = cloneTimePtr(r.CurrentPeriodEnd)
	return cp
}

// Normalize trims identifier fields and fails the status closed to
// StatusNone if storage handed back something unrecognized.
func Normalize(r Record) Record {
	cp := r.Clone()
	cp.UserID = strings.TrimSpace(cp.UserID)
	cp.Plan = strings.TrimSpace(cp.Plan)
	cp.ExternalSubscriptionID = strings.TrimSpace(cp.ExternalSubscriptionID)
	cp.ExternalCustomerID = strings.TrimSpace(cp.ExternalCustomerID)
	if !cp.Status.Valid() {
		cp.Status = StatusNone
	}
	if cp.PaymentFailureCount < 0 {
		cp.PaymentFailureCount = 0
	}
	return cp
}

// TrialLive reports whether the record is inside a trial window
// (trial_end is only meaningful in these states).
func (r Record) TrialLive() bool {
	return r.Status == StatusTrialing || r.Status == StatusTrialEnding
}

func cloneTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}
