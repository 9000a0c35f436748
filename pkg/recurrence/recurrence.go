// Package recurrence computes when a repeating reminder is next due.
//
// A reminder's anchor timestamp defines its time-of-day, its weekday for
// weekly rules, and its day-of-month for monthly rules. The next occurrence
// is always derived from those anchor components relative to a reference
// instant, never by incrementing the previously stored due time, so late
// dispatches can't drift the schedule.
package recurrence

import (
	"strings"
	"time"
)

// Rule is a reminder repeat rule.
type Rule string

const (
	RuleNone    Rule = "none"
	RuleDaily   Rule = "daily"
	RuleWeekly  Rule = "weekly"
	RuleMonthly Rule = "monthly"
)

// Valid reports whether the rule is recognized.
func (r Rule) Valid() bool {
	switch r {
	case RuleNone, RuleDaily, RuleWeekly, RuleMonthly:
		return true
	default:
		return false
	}
}

// Repeats reports whether the rule produces further occurrences.
func (r Rule) Repeats() bool { return r.Valid() && r != RuleNone }

// ParseRule normalizes raw input into a Rule. An empty string means
// one-shot. Unknown input returns RuleNone and ok=false.
func ParseRule(raw string) (Rule, bool) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	if normalized == "" {
		return RuleNone, true
	}
	r := Rule(normalized)
	if r.Valid() {
		return r, true
	}
	return RuleNone, false
}

// NextOccurrence returns the first instant strictly after reference that
// matches the anchor's schedule components under the given rule:
//
//	daily   - the anchor's time-of-day
//	weekly  - the anchor's weekday and time-of-day
//	monthly - the anchor's day-of-month (clamped to the target month's last
//	          valid day, so a reminder anchored on the 31st fires on
//	          Feb 28, or Feb 29 in a leap year) and time-of-day
//
// Calendar math happens in the anchor's location. RuleNone has no next
// occurrence and returns ok=false.
func NextOccurrence(anchor time.Time, rule Rule, reference time.Time) (time.Time, bool) {
	ref := reference.In(anchor.Location())

	switch rule {
	case RuleDaily:
		year, month, day := ref.Date()
		next := atAnchorClock(year, month, day, anchor)
		if !next.After(ref) {
			next = atAnchorClock(year, month, day+1, anchor)
		}
		return next, true

	case RuleWeekly:
		year, month, day := ref.Date()
		offset := (int(anchor.Weekday()) - int(ref.Weekday()) + 7) % 7
		next := atAnchorClock(year, month, day+offset, anchor)
		if !next.After(ref) {
			next = atAnchorClock(year, month, day+offset+7, anchor)
		}
		return next, true

	case RuleMonthly:
		year, month, _ := ref.Date()
		next := atAnchorClock(year, month, clampDay(anchor.Day(), year, month), anchor)
		if !next.After(ref) {
			firstOfNext := time.Date(year, month, 1, 0, 0, 0, 0, anchor.Location()).AddDate(0, 1, 0)
			year, month = firstOfNext.Year(), firstOfNext.Month()
			next = atAnchorClock(year, month, clampDay(anchor.Day(), year, month), anchor)
		}
		return next, true

	default:
		return time.Time{}, false
	}
}

// atAnchorClock builds an instant on the given calendar day carrying the
// anchor's time-of-day. time.Date normalizes day overflow (Jan 32 becomes
// Feb 1), which is what the daily and weekly advances rely on.
func atAnchorClock(year int, month time.Month, day int, anchor time.Time) time.Time {
	hour, min, sec := anchor.Clock()
	return time.Date(year, month, day, hour, min, sec, 0, anchor.Location())
}

// clampDay bounds an anchor day-of-month to the last valid day of the
// target month.
func clampDay(day, year int, month time.Month) int {
	if last := daysIn(year, month); day > last {
		return last
	}
	return day
}

// daysIn returns the number of days in the month: day zero of the
// following month is this month's last day.
func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
