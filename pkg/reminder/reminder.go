// Package reminder defines the reminder record and the rules for computing
// its due time. Mutation happens in two places only: user-initiated edits
// through the API and the scheduler's post-dispatch reschedule; both go
// through the store's optimistic version check.
package reminder

import (
	"errors"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/pocketparent/Sentiment-by-Hatchling/pkg/recurrence"
)

// MaxMessageLen bounds the reminder message (one SMS segment chain).
const MaxMessageLen = 640

var (
	// ErrNoMessage is returned when a reminder has an empty message.
	ErrNoMessage = errors.New("reminder message is empty")

	// ErrNoSchedule is returned when a reminder has no anchor time.
	ErrNoSchedule = errors.New("reminder schedule time is not set")

	// ErrMessageTooLong is returned when the message exceeds MaxMessageLen.
	ErrMessageTooLong = errors.New("reminder message too long")
)

// Record is one reminder. ScheduleTime is the anchor: it fixes the
// time-of-day, and for monthly repeats the day-of-month, of every
// occurrence. NextSend is derived, never authoritative.
type Record struct {
	ID           string          `json:"id"`
	UserID       string          `json:"user_id"`
	Message      string          `json:"message"`
	Repeat       recurrence.Rule `json:"repeat"`
	ScheduleTime time.Time       `json:"schedule_time"`
	Active       bool            `json:"active"`
	LastSent     *time.Time      `json:"last_sent,omitempty"`
	NextSend     *time.Time      `json:"next_send,omitempty"`
	Version      int64           `json:"version"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// New builds an active reminder with a fresh ULID and its first due time.
func New(userID, message string, rule recurrence.Rule, scheduleTime, now time.Time) (Record, error) {
	rec := Record{
		ID:           ulid.Make().String(),
		UserID:       strings.TrimSpace(userID),
		Message:      strings.TrimSpace(message),
		Repeat:       rule,
		ScheduleTime: scheduleTime,
		Active:       true,
	}
	if err := rec.Validate(); err != nil {
		return Record{}, err
	}
	first := FirstDue(scheduleTime, rule, now)
	rec.NextSend = &first
	return rec, nil
}

// Validate checks the fields a user edit may have broken.
func (r Record) Validate() error {
	if strings.TrimSpace(r.Message) == "" {
		return ErrNoMessage
	}
	if len(r.Message) > MaxMessageLen {
		return ErrMessageTooLong
	}
	if r.ScheduleTime.IsZero() {
		return ErrNoSchedule
	}
	return nil
}

// Clone returns a deep copy so callers can't mutate through shared
// pointer fields.
func (r Record) Clone() Record {
	cp := r
	cp.LastSent = cloneTimePtr(r.LastSent)
	cp.NextSend = cloneTimePtr(r.NextSend)
	return cp
}

// FirstDue computes the initial due time for a new or re-anchored reminder:
// a future anchor is due at itself; a past anchor with a repeat rule is due
// at its next occurrence; a past one-shot anchor is due immediately.
func FirstDue(anchor time.Time, rule recurrence.Rule, now time.Time) time.Time {
	if anchor.After(now) {
		return anchor
	}
	if next, ok := recurrence.NextOccurrence(anchor, rule, now); ok {
		return next
	}
	return now
}

// Dispatched returns the record as it should be persisted after a
// successful send at sentAt. One-shot reminders deactivate; repeating
// ones get their next occurrence computed from the anchor, so a late
// dispatch never drifts the schedule.
func (r Record) Dispatched(sentAt time.Time) Record {
	next := r.Clone()
	sent := sentAt
	next.LastSent = &sent
	if due, ok := recurrence.NextOccurrence(r.ScheduleTime, r.Repeat, sentAt); ok {
		next.NextSend = &due
	} else {
		next.Active = false
		next.NextSend = nil
	}
	return next
}

func cloneTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}
