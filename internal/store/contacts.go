package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// PutContact records a verified phone number for a user, replacing any
// previous one.
func (s *Store) PutContact(userID, phone string) error {
	_, err := s.db.Exec(`
		INSERT INTO contacts (user_id, phone, verified_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			phone = excluded.phone,
			verified_at = excluded.verified_at`,
		userID, phone, s.now().UTC().Unix(),
	)
	if err != nil {
		return fmt.Errorf("put contact: %w", err)
	}
	return nil
}

// ContactPhone returns the verified phone number for a user, or ErrNotFound
// when the user never completed verification.
func (s *Store) ContactPhone(userID string) (string, error) {
	var phone string
	err := s.db.QueryRow(`SELECT phone FROM contacts WHERE user_id = ?`, userID).Scan(&phone)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("lookup contact: %w", err)
	}
	return phone, nil
}
