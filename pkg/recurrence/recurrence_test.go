package recurrence

import (
	"testing"
	"time"
)

func mustTime(t *testing.T, value string) time.Time {
	t.Helper()
	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		t.Fatalf("parse %q: %v", value, err)
	}
	return parsed
}

func TestParseRule(t *testing.T) {
	tests := []struct {
		raw    string
		want   Rule
		wantOK bool
	}{
		{"daily", RuleDaily, true},
		{" Weekly ", RuleWeekly, true},
		{"MONTHLY", RuleMonthly, true},
		{"none", RuleNone, true},
		{"", RuleNone, true},
		{"fortnightly", RuleNone, false},
	}

	for _, tt := range tests {
		got, ok := ParseRule(tt.raw)
		if got != tt.want || ok != tt.wantOK {
			t.Fatalf("ParseRule(%q) = (%q, %t), want (%q, %t)", tt.raw, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestNextOccurrence_None(t *testing.T) {
	anchor := mustTime(t, "2026-01-31T20:00:00Z")
	if _, ok := NextOccurrence(anchor, RuleNone, anchor); ok {
		t.Fatal("one-shot rule must not produce a next occurrence")
	}
}

func TestNextOccurrence_Daily(t *testing.T) {
	anchor := mustTime(t, "2026-01-05T20:30:00Z")

	t.Run("dispatched_on_time_advances_one_day", func(t *testing.T) {
		got, ok := NextOccurrence(anchor, RuleDaily, mustTime(t, "2026-03-01T20:30:00Z"))
		want := mustTime(t, "2026-03-02T20:30:00Z")
		if !ok || !got.Equal(want) {
			t.Fatalf("next = %v, want %v", got, want)
		}
	})

	t.Run("late_dispatch_does_not_skip_a_day", func(t *testing.T) {
		// Scan lag pushed the dispatch past midnight; the same-day slot
		// at the anchor's time is still ahead.
		got, _ := NextOccurrence(anchor, RuleDaily, mustTime(t, "2026-03-02T00:10:00Z"))
		want := mustTime(t, "2026-03-02T20:30:00Z")
		if !got.Equal(want) {
			t.Fatalf("next = %v, want %v", got, want)
		}
	})

	t.Run("month_rollover", func(t *testing.T) {
		got, _ := NextOccurrence(anchor, RuleDaily, mustTime(t, "2026-01-31T20:30:00Z"))
		want := mustTime(t, "2026-02-01T20:30:00Z")
		if !got.Equal(want) {
			t.Fatalf("next = %v, want %v", got, want)
		}
	})
}

func TestNextOccurrence_Weekly(t *testing.T) {
	// Anchor is a Monday evening.
	anchor := mustTime(t, "2026-01-05T19:00:00Z")
	if anchor.Weekday() != time.Monday {
		t.Fatalf("test anchor weekday = %s, want Monday", anchor.Weekday())
	}

	t.Run("dispatched_on_time_advances_one_week", func(t *testing.T) {
		got, _ := NextOccurrence(anchor, RuleWeekly, mustTime(t, "2026-03-09T19:00:00Z"))
		want := mustTime(t, "2026-03-16T19:00:00Z")
		if !got.Equal(want) {
			t.Fatalf("next = %v, want %v", got, want)
		}
	})

	t.Run("late_dispatch_realigns_to_anchor_weekday", func(t *testing.T) {
		// Dispatched on Wednesday after outage; next slot is the coming
		// Monday, not Wednesday plus seven days.
		got, _ := NextOccurrence(anchor, RuleWeekly, mustTime(t, "2026-03-11T08:00:00Z"))
		want := mustTime(t, "2026-03-16T19:00:00Z")
		if !got.Equal(want) {
			t.Fatalf("next = %v, want %v", got, want)
		}
		if got.Weekday() != time.Monday {
			t.Fatalf("next weekday = %s, want Monday", got.Weekday())
		}
	})
}

func TestNextOccurrence_Monthly(t *testing.T) {
	anchor := mustTime(t, "2026-01-31T20:00:00Z")

	t.Run("february_clamps_to_28_in_common_year", func(t *testing.T) {
		got, _ := NextOccurrence(anchor, RuleMonthly, mustTime(t, "2026-02-01T09:00:00Z"))
		want := mustTime(t, "2026-02-28T20:00:00Z")
		if !got.Equal(want) {
			t.Fatalf("next = %v, want %v", got, want)
		}
	})

	t.Run("february_clamps_to_29_in_leap_year", func(t *testing.T) {
		got, _ := NextOccurrence(anchor, RuleMonthly, mustTime(t, "2028-02-01T09:00:00Z"))
		want := mustTime(t, "2028-02-29T20:00:00Z")
		if !got.Equal(want) {
			t.Fatalf("next = %v, want %v", got, want)
		}
	})

	t.Run("thirty_day_month_clamps_to_30", func(t *testing.T) {
		got, _ := NextOccurrence(anchor, RuleMonthly, mustTime(t, "2026-03-31T20:00:00Z"))
		want := mustTime(t, "2026-04-30T20:00:00Z")
		if !got.Equal(want) {
			t.Fatalf("next = %v, want %v", got, want)
		}
	})

	t.Run("unclamped_when_day_fits", func(t *testing.T) {
		got, _ := NextOccurrence(anchor, RuleMonthly, mustTime(t, "2026-03-05T08:00:00Z"))
		want := mustTime(t, "2026-03-31T20:00:00Z")
		if !got.Equal(want) {
			t.Fatalf("next = %v, want %v", got, want)
		}
	})

	t.Run("december_rolls_into_next_year", func(t *testing.T) {
		got, _ := NextOccurrence(anchor, RuleMonthly, mustTime(t, "2026-12-31T20:00:00Z"))
		want := mustTime(t, "2027-01-31T20:00:00Z")
		if !got.Equal(want) {
			t.Fatalf("next = %v, want %v", got, want)
		}
	})

	t.Run("mid_month_anchor_keeps_its_day", func(t *testing.T) {
		midAnchor := mustTime(t, "2026-01-15T07:45:00Z")
		got, _ := NextOccurrence(midAnchor, RuleMonthly, mustTime(t, "2026-01-15T07:45:00Z"))
		want := mustTime(t, "2026-02-15T07:45:00Z")
		if !got.Equal(want) {
			t.Fatalf("next = %v, want %v", got, want)
		}
	})
}

func TestNextOccurrence_AlwaysAfterReference(t *testing.T) {
	anchor := mustTime(t, "2026-01-31T23:59:59Z")
	references := []string{
		"2026-01-31T23:59:59Z",
		"2026-02-28T12:00:00Z",
		"2026-06-15T00:00:00Z",
		"2026-12-31T23:59:59Z",
	}

	for _, rule := range []Rule{RuleDaily, RuleWeekly, RuleMonthly} {
		for _, raw := range references {
			ref := mustTime(t, raw)
			got, ok := NextOccurrence(anchor, rule, ref)
			if !ok {
				t.Fatalf("%s from %s: no occurrence", rule, raw)
			}
			if !got.After(ref) {
				t.Fatalf("%s from %s: next %v not after reference", rule, raw, got)
			}
		}
	}
}
