package entitlement

import "time"

// EventKind identifies a billing event type for logging and dedupe records.
type EventKind string

const (
	KindCustomerLinked        EventKind = "customer_linked"
	KindSubscriptionStarted   EventKind = "subscription_started"
	KindTrialWillEnd          EventKind = "trial_will_end"
	KindPaymentSucceeded      EventKind = "payment_succeeded"
	KindPaymentFailed         EventKind = "payment_failed"
	KindSubscriptionCancelled EventKind = "subscription_cancelled"
	KindManualOverride        EventKind = "manual_override"
)

// Event is a verified, typed billing event. The webhook adapter translates
// raw provider payloads into these before anything touches a record.
type Event interface {
	Kind() EventKind
}

// CustomerLinked records the external billing customer created for a user.
// It never changes the status; a user stays at StatusNone until a
// subscription event arrives.
type CustomerLinked struct {
	CustomerID string
}

// SubscriptionStarted begins a subscription, optionally with a trial.
type SubscriptionStarted struct {
	SubscriptionID string
	Plan           string
	TrialDays      int
}

// TrialWillEnd is the provider's pre-expiry notice for a live trial.
type TrialWillEnd struct{}

// PaymentSucceeded confirms a renewal through the given period end.
type PaymentSucceeded struct {
	PeriodEnd *time.Time
}

// PaymentFailed reports a failed charge and the provider's attempt count.
type PaymentFailed struct {
	AttemptCount int
}

// SubscriptionCancelled ends the subscription.
type SubscriptionCancelled struct{}

// ManualOverride forces a status. It is the only unconditional transition,
// reserved for explicit operator action, and always carries the actor for
// the audit trail.
type ManualOverride struct {
	Target Status
	Actor  string
}

func (CustomerLinked) Kind() EventKind        { return KindCustomerLinked }
func (SubscriptionStarted) Kind() EventKind   { return KindSubscriptionStarted }
func (TrialWillEnd) Kind() EventKind          { return KindTrialWillEnd }
func (PaymentSucceeded) Kind() EventKind      { return KindPaymentSucceeded }
func (PaymentFailed) Kind() EventKind         { return KindPaymentFailed }
func (SubscriptionCancelled) Kind() EventKind { return KindSubscriptionCancelled }
func (ManualOverride) Kind() EventKind        { return KindManualOverride }

// Outcome classifies what applying an event did.
//
// Apply produces OutcomeApplied or OutcomeIgnored; the processor adds
// OutcomeDuplicate (event id already seen) and OutcomeConflict (optimistic
// write lost its retry budget).
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeConflict  Outcome = "conflict"
)
