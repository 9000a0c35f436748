package store

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

const janitorInterval = 1 * time.Hour

// Janitor periodically purges rows with a bounded lifetime: processed
// billing events past the dedupe retention window, expired verification
// codes, and expired scheduler leases.
type Janitor struct {
	store          *Store
	eventRetention time.Duration
	now            func() time.Time
}

// NewJanitor creates a Janitor. eventRetention bounds how long billing
// event ids are remembered for dedupe.
func NewJanitor(store *Store, eventRetention time.Duration) *Janitor {
	return &Janitor{
		store:          store,
		eventRetention: eventRetention,
		now:            time.Now,
	}
}

// Run starts the purge loop. It blocks until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	log.Info().Dur("event_retention", j.eventRetention).Msg("Store janitor started")

	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Store janitor stopped")
			return
		case <-ticker.C:
			j.sweep()
		}
	}
}

func (j *Janitor) sweep() {
	now := j.now().UTC()

	events, err := j.store.PurgeProcessedEvents(now.Add(-j.eventRetention))
	if err != nil {
		log.Error().Err(err).Msg("Janitor: purge processed events failed")
	}
	codes, err := j.store.PurgeExpiredCodes(now)
	if err != nil {
		log.Error().Err(err).Msg("Janitor: purge verification codes failed")
	}
	leases, err := j.store.PurgeExpiredLeases(now)
	if err != nil {
		log.Error().Err(err).Msg("Janitor: purge leases failed")
	}

	if events+codes+leases > 0 {
		log.Info().
			Int64("events", events).
			Int64("codes", codes).
			Int64("leases", leases).
			Msg("Janitor sweep purged expired rows")
	}
}
