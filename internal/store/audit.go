package store

import (
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// AuditEntry is one append-only row recording an operator action against a
// user's entitlement.
type AuditEntry struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	Actor      string    `json:"actor"`
	Action     string    `json:"action"`
	FromStatus string    `json:"from_status"`
	ToStatus   string    `json:"to_status"`
	Note       string    `json:"note,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// AppendAudit writes one audit entry. A missing id gets a fresh ULID so
// entries sort by time.
func (s *Store) AppendAudit(entry AuditEntry) (AuditEntry, error) {
	if entry.ID == "" {
		entry.ID = ulid.Make().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now().UTC()
	}

	_, err := s.db.Exec(`
		INSERT INTO audit_log (id, user_id, actor, action, from_status, to_status, note, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.UserID, entry.Actor, entry.Action,
		entry.FromStatus, entry.ToStatus, entry.Note, entry.CreatedAt.Unix(),
	)
	if err != nil {
		return AuditEntry{}, fmt.Errorf("append audit entry: %w", err)
	}
	return entry, nil
}

// ListAudit returns a user's audit trail, newest first.
func (s *Store) ListAudit(userID string, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT id, user_id, actor, action, from_status, to_status, note, created_at
		FROM audit_log WHERE user_id = ?
		ORDER BY id DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.UserID, &e.Actor, &e.Action,
			&e.FromStatus, &e.ToStatus, &e.Note, &createdAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.CreatedAt = unixTime(createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}
