package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pocketparent/Sentiment-by-Hatchling/pkg/recurrence"
	"github.com/pocketparent/Sentiment-by-Hatchling/pkg/reminder"
)

// CreateReminder inserts a new reminder. The caller builds the record with
// reminder.New; version is forced to 1 here.
func (s *Store) CreateReminder(rec reminder.Record) (reminder.Record, error) {
	next := rec.Clone()
	next.Version = 1
	now := s.now().UTC()
	if next.CreatedAt.IsZero() {
		next.CreatedAt = now
	}
	next.UpdatedAt = now

	_, err := s.db.Exec(`
		INSERT INTO reminders (
			id, user_id, message, repeat, schedule_time, active,
			last_sent, next_send, version, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		next.ID, next.UserID, next.Message, string(next.Repeat),
		next.ScheduleTime.Unix(), boolToInt(next.Active),
		nullableTimeUnix(next.LastSent), nullableTimeUnix(next.NextSend),
		next.Version, next.CreatedAt.Unix(), next.UpdatedAt.Unix(),
	)
	if err != nil {
		return reminder.Record{}, fmt.Errorf("create reminder: %w", err)
	}
	return next, nil
}

// GetReminder retrieves one reminder by id. Returns (nil, nil) when absent.
func (s *Store) GetReminder(id string) (*reminder.Record, error) {
	row := s.db.QueryRow(reminderSelect+` WHERE id = ?`, id)
	rec, err := scanReminder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get reminder: %w", err)
	}
	return rec, nil
}

// ListReminders returns all reminders owned by a user, newest first.
func (s *Store) ListReminders(userID string) ([]reminder.Record, error) {
	rows, err := s.db.Query(reminderSelect+` WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list reminders: %w", err)
	}
	defer rows.Close()
	return collectReminders(rows)
}

// FindDue returns active reminders whose next_send has elapsed, oldest due
// first so chronically failing sends don't starve fresh ones.
func (s *Store) FindDue(now time.Time, limit int) ([]reminder.Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(reminderSelect+`
		WHERE active = 1 AND next_send IS NOT NULL AND next_send <= ?
		ORDER BY next_send ASC LIMIT ?`, now.Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("find due reminders: %w", err)
	}
	defer rows.Close()
	return collectReminders(rows)
}

// UpdateReminder persists a mutated reminder with an optimistic version
// check. The stored row must still carry expectedVersion or the write is
// rejected with ErrConflict; a missing row reports ErrNotFound.
func (s *Store) UpdateReminder(rec reminder.Record, expectedVersion int64) (reminder.Record, error) {
	next := rec.Clone()
	next.Version = expectedVersion + 1
	next.UpdatedAt = s.now().UTC()

	res, err := s.db.Exec(`
		UPDATE reminders SET
			message = ?, repeat = ?, schedule_time = ?, active = ?,
			last_sent = ?, next_send = ?, version = ?, updated_at = ?
		WHERE id = ? AND version = ?`,
		next.Message, string(next.Repeat), next.ScheduleTime.Unix(),
		boolToInt(next.Active), nullableTimeUnix(next.LastSent),
		nullableTimeUnix(next.NextSend), next.Version, next.UpdatedAt.Unix(),
		next.ID, expectedVersion,
	)
	if err != nil {
		return reminder.Record{}, fmt.Errorf("update reminder: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return reminder.Record{}, fmt.Errorf("update reminder: %w", err)
	}
	if affected == 0 {
		existing, err := s.GetReminder(next.ID)
		if err != nil {
			return reminder.Record{}, err
		}
		if existing == nil {
			return reminder.Record{}, ErrNotFound
		}
		return reminder.Record{}, ErrConflict
	}
	return next, nil
}

// DeleteReminder removes a reminder. Deleting an absent row reports
// ErrNotFound.
func (s *Store) DeleteReminder(id string) error {
	res, err := s.db.Exec(`DELETE FROM reminders WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete reminder: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete reminder: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ReminderStats reports active and currently-due reminder counts.
func (s *Store) ReminderStats(now time.Time) (active, due int, err error) {
	row := s.db.QueryRow(`
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN next_send IS NOT NULL AND next_send <= ? THEN 1 ELSE 0 END), 0)
		FROM reminders WHERE active = 1`, now.Unix())
	if err := row.Scan(&active, &due); err != nil {
		return 0, 0, fmt.Errorf("reminder stats: %w", err)
	}
	return active, due, nil
}

const reminderSelect = `
	SELECT id, user_id, message, repeat, schedule_time, active,
	       last_sent, next_send, version, created_at, updated_at
	FROM reminders`

func scanReminder(sc scanner) (*reminder.Record, error) {
	var rec reminder.Record
	var repeat string
	var scheduleTime, createdAt, updatedAt int64
	var active int
	var lastSent, nextSend sql.NullInt64

	if err := sc.Scan(
		&rec.ID, &rec.UserID, &rec.Message, &repeat, &scheduleTime,
		&active, &lastSent, &nextSend, &rec.Version, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	rec.Repeat, _ = recurrence.ParseRule(repeat)
	rec.ScheduleTime = unixTime(scheduleTime)
	rec.Active = active != 0
	rec.LastSent = timeFromNullUnix(lastSent)
	rec.NextSend = timeFromNullUnix(nextSend)
	rec.CreatedAt = unixTime(createdAt)
	rec.UpdatedAt = unixTime(updatedAt)
	return &rec, nil
}

func collectReminders(rows *sql.Rows) ([]reminder.Record, error) {
	var out []reminder.Record
	for rows.Next() {
		rec, err := scanReminder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reminder: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}
