package store

import (
	"crypto/subtle"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCodeExpired is returned when a verification code exists but its
	// TTL has elapsed.
	ErrCodeExpired = errors.New("verification code expired")

	// ErrCodeMismatch is returned when the presented code does not match
	// the stored one.
	ErrCodeMismatch = errors.New("verification code mismatch")
)

// PutVerificationCode stores (or replaces) the pending phone verification
// code for a user. One pending code per user; issuing a new one invalidates
// the old.
func (s *Store) PutVerificationCode(userID, phone, code string, ttl time.Duration) error {
	now := s.now().UTC()
	_, err := s.db.Exec(`
		INSERT INTO verification_codes (user_id, phone, code, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			phone = excluded.phone,
			code = excluded.code,
			expires_at = excluded.expires_at,
			created_at = excluded.created_at`,
		userID, phone, code, now.Add(ttl).Unix(), now.Unix(),
	)
	if err != nil {
		return fmt.Errorf("put verification code: %w", err)
	}
	return nil
}

// ConsumeVerificationCode checks a presented code and, on success, deletes
// it so it is single-use. Expired and mismatched codes are reported
// distinctly; an expired code is also removed.
func (s *Store) ConsumeVerificationCode(userID, code string) (string, error) {
	var phone, stored string
	var expiresAt int64
	err := s.db.QueryRow(`
		SELECT phone, code, expires_at FROM verification_codes WHERE user_id = ?`,
		userID).Scan(&phone, &stored, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("lookup verification code: %w", err)
	}

	if s.now().UTC().Unix() > expiresAt {
		_, _ = s.db.Exec(`DELETE FROM verification_codes WHERE user_id = ?`, userID)
		return "", ErrCodeExpired
	}
	if subtle.ConstantTimeCompare([]byte(stored), []byte(code)) != 1 {
		return "", ErrCodeMismatch
	}

	if _, err := s.db.Exec(`DELETE FROM verification_codes WHERE user_id = ?`, userID); err != nil {
		return "", fmt.Errorf("consume verification code: %w", err)
	}
	return phone, nil
}

// PurgeExpiredCodes drops verification codes whose TTL has elapsed.
func (s *Store) PurgeExpiredCodes(now time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM verification_codes WHERE expires_at < ?`, now.Unix())
	if err != nil {
		return 0, fmt.Errorf("purge verification codes: %w", err)
	}
	return res.RowsAffected()
}
