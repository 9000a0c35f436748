package notify

import (
	"strings"

	wildcard "github.com/IGLOU-EU/go-wildcard/v2"
)

// DestinationPolicy decides whether a destination (phone number, webhook
// host) may receive messages. Deny patterns win over allow patterns; an
// empty allow list permits everything not denied.
type DestinationPolicy struct {
	Allow []string
	Deny  []string
}

// Permit reports whether the destination passes the policy.
func (p DestinationPolicy) Permit(destination string) bool {
	destination = strings.TrimSpace(destination)
	if destination == "" {
		return false
	}
	for _, pattern := range p.Deny {
		if wildcard.Match(pattern, destination) {
			return false
		}
	}
	if len(p.Allow) == 0 {
		return true
	}
	for _, pattern := range p.Allow {
		if wildcard.Match(pattern, destination) {
			return true
		}
	}
	return false
}
