package store

import (
	"fmt"
	"time"
)

// SeenEvent reports whether a billing event id has already been applied.
func (s *Store) SeenEvent(eventID string) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM processed_events WHERE event_id = ?`, eventID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("lookup processed event: %w", err)
	}
	return n > 0, nil
}

// MarkEventProcessed records that a billing event id has been applied (or
// deliberately ignored). Re-marking an id is a no-op so a retried delivery
// that raced its twin never errors here.
func (s *Store) MarkEventProcessed(eventID, userID, eventType, outcome string) error {
	_, err := s.db.Exec(`
		INSERT INTO processed_events (event_id, user_id, event_type, outcome, processed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(event_id) DO NOTHING`,
		eventID, userID, eventType, outcome, s.now().UTC().Unix(),
	)
	if err != nil {
		return fmt.Errorf("mark event processed: %w", err)
	}
	return nil
}

// PurgeProcessedEvents drops dedupe rows older than the cutoff. Replays of
// purged ids are safe to reprocess: every transition is idempotent with
// respect to already-applied effects.
func (s *Store) PurgeProcessedEvents(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM processed_events WHERE processed_at < ?`, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("purge processed events: %w", err)
	}
	return res.RowsAffected()
}
