package entitlement

import "sort"

// Capability is one concrete permission derived from entitlement status.
type Capability string

const (
	CapabilityRead   Capability = "read"
	CapabilityWrite  Capability = "write"
	CapabilityExport Capability = "export"
	CapabilityAdmin  Capability = "admin"
)

// CapabilitySet is the set of permissions a caller holds.
type CapabilitySet map[Capability]struct{}

// Has reports whether the set contains the capability.
func (s CapabilitySet) Has(c Capability) bool {
	_, ok := s[c]
	return ok
}

// CanWrite reports whether the caller may create or modify journal content,
// including reminders.
func (s CapabilitySet) CanWrite() bool { return s.Has(CapabilityWrite) }

// Strings returns the capabilities as sorted strings for JSON responses.
func (s CapabilitySet) Strings() []string {
	out := make([]string, 0, len(s))
	for c := range s {
		out = append(out, string(c))
	}
	sort.Strings(out)
	return out
}

func setOf(caps ...Capability) CapabilitySet {
	s := make(CapabilitySet, len(caps))
	for _, c := range caps {
		s[c] = struct{}{}
	}
	return s
}

// statusCapabilities maps each status to the permissions it grants.
// past_due keeps full access: a single missed payment is a retry window,
// not a punishment. Only past_due_final revokes paid capabilities.
var statusCapabilities = map[Status][]Capability{
	StatusNone:         {CapabilityRead},
	StatusTrialing:     {CapabilityRead, CapabilityWrite, CapabilityExport},
	StatusActive:       {CapabilityRead, CapabilityWrite, CapabilityExport},
	StatusTrialEnding:  {CapabilityRead, CapabilityWrite, CapabilityExport},
	StatusPastDue:      {CapabilityRead, CapabilityWrite, CapabilityExport},
	StatusPastDueFinal: {CapabilityRead},
	StatusCancelled:    {CapabilityRead},
}

// Capabilities derives the permission set for a status and role. This is the
// single source of truth for access decisions; no other component re-derives
// them. Unknown statuses fall back to read-only.
func Capabilities(status Status, role Role) CapabilitySet {
	if role == RoleAdmin {
		return setOf(CapabilityRead, CapabilityWrite, CapabilityExport, CapabilityAdmin)
	}
	caps, ok := statusCapabilities[status]
	if !ok {
		return setOf(CapabilityRead)
	}
	return setOf(caps...)
}

// RecordCapabilities derives the permission set for a stored record.
func RecordCapabilities(rec Record, role Role) CapabilitySet {
	return Capabilities(rec.Status, role)
}
