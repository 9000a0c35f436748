// Package notify delivers reminder and verification messages to users.
// The transport behind a Dispatcher is opaque to the scheduler; a failed
// Send leaves the reminder untouched for the next scan.
package notify

import (
	"context"

	"github.com/rs/zerolog/log"
)

// Dispatcher sends one message to one user.
type Dispatcher interface {
	Send(ctx context.Context, userID, message string) error
}

// LogDispatcher writes messages to the log instead of an external
// transport. Dev and test fallback.
type LogDispatcher struct{}

// Send logs the message.
func (LogDispatcher) Send(_ context.Context, userID, message string) error {
	log.Info().
		Str("user_id", userID).
		Int("length", len(message)).
		Msg("Notification dispatched to log")
	return nil
}

// SendTo logs a message addressed straight to a phone number.
func (LogDispatcher) SendTo(_ context.Context, phone, message string) error {
	log.Info().
		Str("phone", phone).
		Int("length", len(message)).
		Msg("Notification dispatched to log")
	return nil
}
