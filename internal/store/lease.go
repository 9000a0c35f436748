package store

import (
	"fmt"
	"time"
)

// AcquireLease takes or renews a named lease for holder, valid for ttl.
// It returns false when a different holder owns an unexpired lease.
// Multiple service instances share one database, so this is the mutual
// exclusion that keeps two reminder scans from overlapping.
func (s *Store) AcquireLease(name, holder string, ttl time.Duration) (bool, error) {
	now := s.now().UTC()
	expires := now.Add(ttl).Unix()

	res, err := s.db.Exec(`
		INSERT INTO leases (name, holder, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			holder = excluded.holder,
			expires_at = excluded.expires_at
		WHERE leases.holder = excluded.holder OR leases.expires_at < ?`,
		name, holder, expires, now.Unix(),
	)
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", name, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", name, err)
	}
	return affected > 0, nil
}

// ReleaseLease gives up a lease early. Releasing a lease held by someone
// else is a no-op.
func (s *Store) ReleaseLease(name, holder string) error {
	if _, err := s.db.Exec(`DELETE FROM leases WHERE name = ? AND holder = ?`, name, holder); err != nil {
		return fmt.Errorf("release lease %s: %w", name, err)
	}
	return nil
}

// PurgeExpiredLeases drops leases whose expiry has passed.
func (s *Store) PurgeExpiredLeases(now time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM leases WHERE expires_at < ?`, now.Unix())
	if err != nil {
		return 0, fmt.Errorf("purge leases: %w", err)
	}
	return res.RowsAffected()
}
