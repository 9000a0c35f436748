package billing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pocketparent/Sentiment-by-Hatchling/internal/store"
	"github.com/pocketparent/Sentiment-by-Hatchling/pkg/entitlement"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type feedRecorder struct {
	mu       sync.Mutex
	messages []string
}

func (f *feedRecorder) Broadcast(msgType string, _ any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msgType)
}

func (f *feedRecorder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

func TestApplyCreatesRecordLazily(t *testing.T) {
	s := newTestStore(t)
	feed := &feedRecorder{}
	p := NewProcessor(s, feed)
	ctx := context.Background()

	outcome, err := p.Apply(ctx, "u1", "evt_1", entitlement.SubscriptionStarted{
		SubscriptionID: "sub_1", Plan: "monthly", TrialDays: 14,
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if outcome != entitlement.OutcomeApplied {
		t.Fatalf("outcome = %q, want applied", outcome)
	}

	rec, err := s.GetEntitlement("u1")
	if err != nil || rec == nil {
		t.Fatalf("get = (%v, %v)", rec, err)
	}
	if rec.Status != entitlement.StatusTrialing || rec.Version != 1 {
		t.Fatalf("record = %+v", rec)
	}
	if rec.TrialEnd == nil {
		t.Fatal("trialing record must carry trial_end")
	}
	if feed.count() != 1 {
		t.Fatalf("feed messages = %d, want 1", feed.count())
	}
}

func TestApplyReplayIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	p := NewProcessor(s, nil)
	ctx := context.Background()

	periodEnd := time.Now().UTC().Add(30 * 24 * time.Hour).Truncate(time.Second)
	ev := entitlement.PaymentSucceeded{PeriodEnd: &periodEnd}

	if _, err := p.Apply(ctx, "u1", "evt_start", entitlement.SubscriptionStarted{
		SubscriptionID: "sub_1", Plan: "monthly",
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	first, err := p.Apply(ctx, "u1", "evt_pay", ev)
	if err != nil || first != entitlement.OutcomeApplied {
		t.Fatalf("first = (%q, %v)", first, err)
	}
	after, _ := s.GetEntitlement("u1")

	for i := 0; i < 3; i++ {
		outcome, err := p.Apply(ctx, "u1", "evt_pay", ev)
		if err != nil {
			t.Fatalf("replay %d: %v", i, err)
		}
		if outcome != entitlement.OutcomeDuplicate {
			t.Fatalf("replay outcome = %q, want duplicate", outcome)
		}
	}

	final, _ := s.GetEntitlement("u1")
	if final.Version != after.Version || final.Status != after.Status {
		t.Fatalf("replay mutated record: %+v vs %+v", final, after)
	}
	if final.CurrentPeriodEnd == nil || !final.CurrentPeriodEnd.Equal(periodEnd) {
		t.Fatalf("period end = %v, want %v", final.CurrentPeriodEnd, periodEnd)
	}
}

func TestApplyIgnoredEventDoesNotWrite(t *testing.T) {
	s := newTestStore(t)
	p := NewProcessor(s, nil)
	ctx := context.Background()

	// TrialWillEnd for a user with no subscription: precondition fails.
	outcome, err := p.Apply(ctx, "u1", "evt_trial", entitlement.TrialWillEnd{})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if outcome != entitlement.OutcomeIgnored {
		t.Fatalf("outcome = %q, want ignored", outcome)
	}
	if rec, _ := s.GetEntitlement("u1"); rec != nil {
		t.Fatalf("ignored event persisted a record: %+v", rec)
	}

	// But the event id is still consumed.
	outcome, err = p.Apply(ctx, "u1", "evt_trial", entitlement.TrialWillEnd{})
	if err != nil || outcome != entitlement.OutcomeDuplicate {
		t.Fatalf("replay = (%q, %v), want duplicate", outcome, err)
	}
}

func TestApplyOutOfOrderEvents(t *testing.T) {
	s := newTestStore(t)
	p := NewProcessor(s, nil)
	ctx := context.Background()

	// A payment failure arriving before any subscription exists is
	// ignored, not an error and not a bogus past_due record.
	outcome, err := p.Apply(ctx, "u1", "evt_fail", entitlement.PaymentFailed{AttemptCount: 1})
	if err != nil || outcome != entitlement.OutcomeIgnored {
		t.Fatalf("early failure = (%q, %v), want ignored", outcome, err)
	}

	if _, err := p.Apply(ctx, "u1", "evt_start", entitlement.SubscriptionStarted{
		SubscriptionID: "sub_1", Plan: "annual",
	}); err != nil {
		t.Fatalf("start: %v", err)
	}

	outcome, err = p.Apply(ctx, "u1", "evt_fail_2", entitlement.PaymentFailed{AttemptCount: 3})
	if err != nil || outcome != entitlement.OutcomeApplied {
		t.Fatalf("final failure = (%q, %v)", outcome, err)
	}
	rec, _ := s.GetEntitlement("u1")
	if rec.Status != entitlement.StatusPastDueFinal || rec.PaymentFailureCount != 3 {
		t.Fatalf("record = %+v", rec)
	}
	if entitlement.Capabilities(rec.Status, entitlement.RoleParent).CanWrite() {
		t.Fatal("past_due_final must not grant write")
	}
}

func TestApplyConcurrentEventsSerialize(t *testing.T) {
	s := newTestStore(t)
	p := NewProcessor(s, nil)
	ctx := context.Background()

	if _, err := p.Apply(ctx, "u1", "evt_start", entitlement.SubscriptionStarted{
		SubscriptionID: "sub_1", Plan: "monthly",
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	// Concurrent failure events for one user. The CAS retry loop must
	// serialize them; none may be lost or misapplied.
	var wg sync.WaitGroup
	outcomes := make([]entitlement.Outcome, 2)
	errs := make([]error, 2)
	events := []entitlement.Event{
		entitlement.PaymentFailed{AttemptCount: 1},
		entitlement.PaymentFailed{AttemptCount: 2},
	}
	for i, ev := range events {
		wg.Add(1)
		go func(i int, ev entitlement.Event) {
			defer wg.Done()
			outcomes[i], errs[i] = p.Apply(ctx, "u1", "evt_concurrent_"+string(rune('a'+i)), ev)
		}(i, ev)
	}
	wg.Wait()

	for i := range errs {
		if errs[i] != nil {
			t.Fatalf("event %d: %v", i, errs[i])
		}
		if outcomes[i] != entitlement.OutcomeApplied {
			t.Fatalf("event %d outcome = %q, want applied", i, outcomes[i])
		}
	}

	rec, _ := s.GetEntitlement("u1")
	if rec.Status != entitlement.StatusPastDue {
		t.Fatalf("status = %q, want past_due", rec.Status)
	}
	// Seed write + both failures.
	if rec.Version != 3 {
		t.Fatalf("version = %d, want 3", rec.Version)
	}
}

func TestOverride(t *testing.T) {
	s := newTestStore(t)
	p := NewProcessor(s, nil)
	ctx := context.Background()

	if _, err := p.Apply(ctx, "u1", "evt_start", entitlement.SubscriptionStarted{
		SubscriptionID: "sub_1", Plan: "monthly",
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	outcome, err := p.Override(ctx, "u1", entitlement.StatusCancelled, "ops@example.com", "chargeback", "")
	if err != nil {
		t.Fatalf("override: %v", err)
	}
	if outcome != entitlement.OutcomeApplied {
		t.Fatalf("outcome = %q, want applied", outcome)
	}

	rec, _ := s.GetEntitlement("u1")
	if rec.Status != entitlement.StatusCancelled {
		t.Fatalf("status = %q, want cancelled", rec.Status)
	}

	entries, err := s.ListAudit("u1", 10)
	if err != nil || len(entries) != 1 {
		t.Fatalf("audit = (%d, %v), want 1 entry", len(entries), err)
	}
	e := entries[0]
	if e.Actor != "ops@example.com" || e.Action != "manual_override" ||
		e.FromStatus != "active" || e.ToStatus != "cancelled" || e.Note != "chargeback" {
		t.Fatalf("audit entry = %+v", e)
	}
}

func TestOverrideRetrySameRequestID(t *testing.T) {
	s := newTestStore(t)
	p := NewProcessor(s, nil)
	ctx := context.Background()

	if _, err := p.Apply(ctx, "u1", "evt_start", entitlement.SubscriptionStarted{
		SubscriptionID: "sub_1", Plan: "monthly",
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	first, err := p.Override(ctx, "u1", entitlement.StatusCancelled, "ops", "chargeback", "req-42")
	if err != nil {
		t.Fatalf("override: %v", err)
	}
	if first != entitlement.OutcomeApplied {
		t.Fatalf("first outcome = %q, want applied", first)
	}

	// A retried request carries the same id and must not apply twice.
	second, err := p.Override(ctx, "u1", entitlement.StatusCancelled, "ops", "chargeback", "req-42")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if second != entitlement.OutcomeDuplicate {
		t.Fatalf("retry outcome = %q, want duplicate", second)
	}

	entries, err := s.ListAudit("u1", 10)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("audit entries = %d, want 1", len(entries))
	}

	// A distinct id is a distinct action.
	third, err := p.Override(ctx, "u1", entitlement.StatusActive, "ops", "", "req-43")
	if err != nil {
		t.Fatalf("second action: %v", err)
	}
	if third != entitlement.OutcomeApplied {
		t.Fatalf("second action outcome = %q, want applied", third)
	}
}

func TestOverrideValidation(t *testing.T) {
	s := newTestStore(t)
	p := NewProcessor(s, nil)
	ctx := context.Background()

	if _, err := p.Override(ctx, "u1", entitlement.Status("bogus"), "ops", "", ""); err == nil {
		t.Fatal("invalid target must be rejected")
	}
	if _, err := p.Override(ctx, "u1", entitlement.StatusActive, "", "", ""); err == nil {
		t.Fatal("missing actor must be rejected")
	}
}
