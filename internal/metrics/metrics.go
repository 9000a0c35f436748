// Package metrics exposes Prometheus collectors for the billing event
// pipeline and the reminder scheduler.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Billing event pipeline
	BillingEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentiment_billing_events_total",
			Help: "Billing events processed by event kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	EntitlementTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentiment_entitlement_transitions_total",
			Help: "Entitlement status transitions by from and to status",
		},
		[]string{"from", "to"},
	)

	ManualOverridesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sentiment_manual_overrides_total",
			Help: "Operator-initiated entitlement overrides",
		},
	)

	StoreConflictRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sentiment_store_conflict_retries_total",
			Help: "Optimistic write conflicts retried by the event processor",
		},
	)

	// Reminder scheduler
	ReminderScansTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sentiment_reminder_scans_total",
			Help: "Due-scan cycles executed",
		},
	)

	ReminderScanSkippedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sentiment_reminder_scans_skipped_total",
			Help: "Scan cycles skipped because another instance holds the lease",
		},
	)

	RemindersDispatchedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentiment_reminders_dispatched_total",
			Help: "Reminder dispatch attempts by result",
		},
		[]string{"result"}, // sent, failed, skipped, conflict
	)

	ReminderScanDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sentiment_reminder_scan_duration_seconds",
			Help:    "Duration of one full due-scan cycle",
			Buckets: []float64{0.05, 0.25, 1, 5, 15, 60, 120},
		},
	)

	RemindersDueGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentiment_reminders_due",
			Help: "Reminders found due at the start of the last scan",
		},
	)
)

// RecordBillingEvent records the outcome of one processed billing event.
func RecordBillingEvent(kind, outcome string) {
	BillingEventsTotal.WithLabelValues(kind, outcome).Inc()
}

// RecordTransition records a status change that was persisted.
func RecordTransition(from, to string) {
	EntitlementTransitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordOverride records an operator override.
func RecordOverride() {
	ManualOverridesTotal.Inc()
}

// RecordConflictRetry records one CAS retry inside the processor.
func RecordConflictRetry() {
	StoreConflictRetriesTotal.Inc()
}

// RecordScan records one completed due-scan cycle.
func RecordScan(due int, elapsed time.Duration) {
	ReminderScansTotal.Inc()
	RemindersDueGauge.Set(float64(due))
	ReminderScanDuration.Observe(elapsed.Seconds())
}

// RecordScanSkipped records a cycle yielded to another lease holder.
func RecordScanSkipped() {
	ReminderScanSkippedTotal.Inc()
}

// RecordDispatch records one reminder dispatch attempt.
func RecordDispatch(result string) {
	RemindersDispatchedTotal.WithLabelValues(result).Inc()
}

// DispatchTotals reads the cumulative dispatch counters back out of the
// registry, keyed by result label. Used by the admin stats endpoint.
func DispatchTotals() map[string]float64 {
	totals := make(map[string]float64)
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		return totals
	}
	for _, mf := range families {
		if mf.GetName() != "sentiment_reminders_dispatched_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "result" {
					totals[lp.GetValue()] = m.GetCounter().GetValue()
				}
			}
		}
	}
	return totals
}
