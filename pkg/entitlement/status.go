package entitlement

import "strings"

// Status represents the billing lifecycle state of a user's entitlement.
type Status string

const (
	StatusNone         Status = "none"           // No subscription has ever been started
	StatusTrialing     Status = "trialing"       // Inside a free trial window
	StatusActive       Status = "active"         // Paid and current
	StatusTrialEnding  Status = "trial_ending"   // Trial expiry notice received, trial still live
	StatusPastDue      Status = "past_due"       // Payment failed, still inside the retry window
	StatusPastDueFinal Status = "past_due_final" // Final payment failure, paid access revoked
	StatusCancelled    Status = "cancelled"      // Subscription ended by user or operator
)

// allStatuses lists every recognized status. Order matters for deterministic
// enumeration in stats and tests.
var allStatuses = []Status{
	StatusNone,
	StatusTrialing,
	StatusActive,
	StatusTrialEnding,
	StatusPastDue,
	StatusPastDueFinal,
	StatusCancelled,
}

// AllStatuses returns every recognized status in stable order.
func AllStatuses() []Status {
	out := make([]Status, len(allStatuses))
	copy(out, allStatuses)
	return out
}

// Valid reports whether the status is one of the recognized lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusNone, StatusTrialing, StatusActive, StatusTrialEnding,
		StatusPastDue, StatusPastDueFinal, StatusCancelled:
		return true
	default:
		return false
	}
}

// ParseStatus normalizes raw input into a Status.
// Unknown input returns StatusNone and ok=false so callers fail closed.
func ParseStatus(raw string) (Status, bool) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	if s.Valid() {
		return s, true
	}
	return StatusNone, false
}

// Role identifies the caller's relationship to a journal account.
type Role string

const (
	RoleParent    Role = "parent"
	RoleCoParent  Role = "co_parent"
	RoleCaregiver Role = "caregiver"
	RoleAdmin     Role = "admin"
)

// ParseRole normalizes raw input into a Role. Unknown input returns
// RoleParent so callers never gain privileges from a malformed role.
func ParseRole(raw string) Role {
	switch Role(strings.ToLower(strings.TrimSpace(raw))) {
	case RoleCoParent:
		return RoleCoParent
	case RoleCaregiver:
		return RoleCaregiver
	case RoleAdmin:
		return RoleAdmin
	default:
		return RoleParent
	}
}
