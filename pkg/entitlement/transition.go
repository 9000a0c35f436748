package entitlement

import "time"

// DefaultTrialDays is the trial length granted when an operator overrides a
// user into a trial state that has no trial end on record.
const DefaultTrialDays = 14

// finalFailureThreshold is the payment attempt count at which a past-due
// subscription loses paid access.
const finalFailureThreshold = 3

// startableFrom marks the statuses a new subscription may start from.
var startableFrom = map[Status]bool{
	StatusNone:      true,
	StatusCancelled: true,
}

// renewableFrom marks the statuses a successful payment may renew from.
// A payment for an unknown or never-subscribed user is ignored, not applied.
var renewableFrom = map[Status]bool{
	StatusTrialing:     true,
	StatusTrialEnding:  true,
	StatusActive:       true,
	StatusPastDue:      true,
	StatusPastDueFinal: true,
}

// failableFrom marks the statuses a payment failure is meaningful in.
var failableFrom = map[Status]bool{
	StatusActive:  true,
	StatusPastDue: true,
}

// Apply computes the record that results from one billing event.
//
// It is a pure function: inputs are never mutated, and it is total over
// every (status, event) pair. Events whose precondition does not hold
// return the unchanged record with OutcomeIgnored rather than an error,
// because providers replay events and deliver them out of order.
func Apply(rec Record, ev Event, now time.Time) (Record, Outcome) {
	next := rec.Clone()

	switch e := ev.(type) {
	case CustomerLinked:
		next.ExternalCustomerID = e.CustomerID
		return next, OutcomeApplied

	case SubscriptionStarted:
		if !startableFrom[rec.Status] {
			return rec, OutcomeIgnored
		}
		next.Plan = e.Plan
		next.ExternalSubscriptionID = e.SubscriptionID
		next.PaymentFailureCount = 0
		if e.TrialDays > 0 {
			next.Status = StatusTrialing
			end := now.Add(time.Duration(e.TrialDays) * 24 * time.Hour)
			next.TrialEnd = &end
		} else {
			next.Status = StatusActive
			next.TrialEnd = nil
		}
		return next, OutcomeApplied

	case TrialWillEnd:
		if rec.Status != StatusTrialing {
			return rec, OutcomeIgnored
		}
		next.Status = StatusTrialEnding
		return next, OutcomeApplied

	case PaymentSucceeded:
		if !renewableFrom[rec.Status] {
			return rec, OutcomeIgnored
		}
		next.Status = StatusActive
		next.PaymentFailureCount = 0
		next.TrialEnd = nil
		// Renewal horizon only moves forward; a replayed older invoice
		// must not shrink the paid-through date.
		if e.PeriodEnd != nil {
			if next.CurrentPeriodEnd == nil || e.PeriodEnd.After(*next.CurrentPeriodEnd) {
				end := *e.PeriodEnd
				next.CurrentPeriodEnd = &end
			}
		}
		return next, OutcomeApplied

	case PaymentFailed:
		if !failableFrom[rec.Status] {
			return rec, OutcomeIgnored
		}
		next.PaymentFailureCount = e.AttemptCount
		if e.AttemptCount < finalFailureThreshold {
			next.Status = StatusPastDue
		} else {
			next.Status = StatusPastDueFinal
		}
		return next, OutcomeApplied

	case SubscriptionCancelled:
		if rec.Status == StatusNone {
			return rec, OutcomeIgnored
		}
		next.Status = StatusCancelled
		next.ExternalSubscriptionID = ""
		next.TrialEnd = nil
		return next, OutcomeApplied

	case ManualOverride:
		if !e.Target.Valid() {
			return rec, OutcomeIgnored
		}
		next.Status = e.Target
		// Keep the record invariants true no matter where the operator
		// lands it.
		switch {
		case next.TrialLive() && next.TrialEnd == nil:
			end := now.Add(DefaultTrialDays * 24 * time.Hour)
			next.TrialEnd = &end
		case !next.TrialLive():
			next.TrialEnd = nil
		}
		if next.Status == StatusPastDueFinal && next.PaymentFailureCount < finalFailureThreshold {
			next.PaymentFailureCount = finalFailureThreshold
		}
		return next, OutcomeApplied

	default:
		// Unknown event types are ignored, never fatal.
		return rec, OutcomeIgnored
	}
}
