// Package reminder runs the periodic due-scan that dispatches reminders
// and computes when each fires next.
package reminder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/pocketparent/Sentiment-by-Hatchling/internal/metrics"
	"github.com/pocketparent/Sentiment-by-Hatchling/internal/notify"
	"github.com/pocketparent/Sentiment-by-Hatchling/internal/store"
	"github.com/pocketparent/Sentiment-by-Hatchling/pkg/entitlement"
	"github.com/pocketparent/Sentiment-by-Hatchling/pkg/reminder"
)

const leaseName = "reminder-scan"

// Broadcaster pushes dispatch results to the admin live feed.
type Broadcaster interface {
	Broadcast(msgType string, data any)
}

// Options tune the scheduler loop.
type Options struct {
	Interval        time.Duration
	BatchLimit      int
	Workers         int
	DispatchTimeout time.Duration
	HostID          string
}

// Scheduler scans for due reminders and dispatches them. One scan cycle
// runs at a time across all service instances, guarded by a store lease.
type Scheduler struct {
	store      *store.Store
	dispatcher notify.Dispatcher
	feed       Broadcaster
	opts       Options
	now        func() time.Time
}

// Summary reports what one scan cycle did.
type Summary struct {
	Due       int `json:"due"`
	Sent      int `json:"sent"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
	Conflicts int `json:"conflicts"`
}

// New creates a Scheduler. feed may be nil.
func New(st *store.Store, dispatcher notify.Dispatcher, feed Broadcaster, opts Options) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.BatchLimit <= 0 {
		opts.BatchLimit = 100
	}
	if opts.Workers <= 0 {
		opts.Workers = 8
	}
	if opts.DispatchTimeout <= 0 {
		opts.DispatchTimeout = 30 * time.Second
	}
	if opts.HostID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "scheduler"
		}
		opts.HostID = fmt.Sprintf("%s-%d", hostname, os.Getpid())
	}
	return &Scheduler{
		store:      st,
		dispatcher: dispatcher,
		feed:       feed,
		opts:       opts,
		now:        time.Now,
	}
}

// Run starts the scan loop. It blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	log.Info().
		Dur("interval", s.opts.Interval).
		Int("batch_limit", s.opts.BatchLimit).
		Int("workers", s.opts.Workers).
		Str("host_id", s.opts.HostID).
		Msg("Reminder scheduler started")

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Reminder scheduler stopped")
			return
		case <-ticker.C:
			s.Scan(ctx)
		}
	}
}

// Scan runs one due-scan cycle. No error inside the batch aborts the rest;
// everything lands in the summary.
func (s *Scheduler) Scan(ctx context.Context) Summary {
	start := s.now()

	// The lease outlives the longest plausible cycle so two instances
	// never dispatch the same batch.
	leaseTTL := s.opts.Interval + s.opts.DispatchTimeout
	held, err := s.store.AcquireLease(leaseName, s.opts.HostID, leaseTTL)
	if err != nil {
		log.Error().Err(err).Msg("Reminder scan lease acquisition failed")
		return Summary{}
	}
	if !held {
		metrics.RecordScanSkipped()
		log.Debug().Str("host_id", s.opts.HostID).Msg("Reminder scan lease held elsewhere, skipping cycle")
		return Summary{}
	}
	defer func() {
		if err := s.store.ReleaseLease(leaseName, s.opts.HostID); err != nil {
			log.Warn().Err(err).Msg("Reminder scan lease release failed")
		}
	}()

	now := start.UTC()
	due, err := s.store.FindDue(now, s.opts.BatchLimit)
	if err != nil {
		log.Error().Err(err).Msg("Due reminder query failed")
		return Summary{}
	}

	summary := Summary{Due: len(due)}
	if len(due) > 0 {
		results := make([]dispatchResult, len(due))

		// Each dispatch is an independent unit of work; a slow send
		// holds up one worker, not the batch.
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.opts.Workers)
		for i, rec := range due {
			g.Go(func() error {
				results[i] = s.dispatchOne(gctx, rec, now)
				return nil
			})
		}
		_ = g.Wait()

		for _, res := range results {
			switch res {
			case resultSent:
				summary.Sent++
			case resultSkipped:
				summary.Skipped++
			case resultFailed:
				summary.Failed++
			case resultConflict:
				summary.Conflicts++
			}
		}
	}

	elapsed := s.now().Sub(start)
	metrics.RecordScan(summary.Due, elapsed)
	if summary.Due > 0 {
		log.Info().
			Int("due", summary.Due).
			Int("sent", summary.Sent).
			Int("skipped", summary.Skipped).
			Int("failed", summary.Failed).
			Int("conflicts", summary.Conflicts).
			Dur("elapsed", elapsed).
			Msg("Reminder scan complete")
	}
	if s.feed != nil && summary.Due > 0 {
		s.feed.Broadcast("scan", summary)
	}
	return summary
}

type dispatchResult int

const (
	resultSent dispatchResult = iota
	resultSkipped
	resultFailed
	resultConflict
)

func (s *Scheduler) dispatchOne(ctx context.Context, rec reminder.Record, now time.Time) dispatchResult {
	// A lapsed entitlement pauses dispatch but never deactivates the
	// reminder; it resumes untouched once the user is writable again.
	if !s.userWritable(rec.UserID) {
		metrics.RecordDispatch("skipped")
		log.Debug().
			Str("reminder_id", rec.ID).
			Str("user_id", rec.UserID).
			Msg("Reminder skipped, user not writable")
		return resultSkipped
	}

	dctx, cancel := context.WithTimeout(ctx, s.opts.DispatchTimeout)
	err := s.dispatcher.Send(dctx, rec.UserID, rec.Message)
	cancel()
	if err != nil {
		// State untouched: the reminder is still due next scan.
		metrics.RecordDispatch("failed")
		log.Warn().Err(err).
			Str("reminder_id", rec.ID).
			Str("user_id", rec.UserID).
			Msg("Reminder dispatch failed, will retry next scan")
		return resultFailed
	}

	updated := rec.Dispatched(now)
	if _, err := s.store.UpdateReminder(updated, rec.Version); err != nil {
		if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
			// A user edit (or delete) raced the dispatch. Their write
			// wins; the next scan re-reads the fresh row.
			metrics.RecordDispatch("conflict")
			log.Debug().
				Str("reminder_id", rec.ID).
				Msg("Reminder reschedule lost to a concurrent edit")
			return resultConflict
		}
		metrics.RecordDispatch("failed")
		log.Error().Err(err).
			Str("reminder_id", rec.ID).
			Msg("Reminder reschedule write failed")
		return resultFailed
	}

	metrics.RecordDispatch("sent")
	if s.feed != nil {
		s.feed.Broadcast("dispatch", map[string]any{
			"reminder_id": rec.ID,
			"user_id":     rec.UserID,
			"repeat":      rec.Repeat,
			"next_send":   updated.NextSend,
		})
	}
	return resultSent
}

func (s *Scheduler) userWritable(userID string) bool {
	rec, err := s.store.GetEntitlement(userID)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("Entitlement lookup failed during scan")
		return false
	}
	status := entitlement.StatusNone
	if rec != nil {
		status = rec.Status
	}
	return entitlement.Capabilities(status, entitlement.RoleParent).CanWrite()
}
