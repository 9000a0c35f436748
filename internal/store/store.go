package store

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrConflict is returned when an optimistic write loses to a
	// concurrent update of the same row.
	ErrConflict = errors.New("version conflict")

	// ErrNotFound is returned when a targeted row does not exist.
	ErrNotFound = errors.New("not found")
)

// Store provides persistence for entitlements, reminders, processed billing
// events, audit entries, verification codes and scheduler leases, backed by
// a single SQLite database.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) the database in dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dir, "sentiment.db")
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db, now: time.Now}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS entitlements (
		user_id                  TEXT PRIMARY KEY,
		status                   TEXT NOT NULL DEFAULT 'none',
		plan                     TEXT NOT NULL DEFAULT '',
		trial_end                INTEGER,
		current_period_end       INTEGER,
		payment_failure_count    INTEGER NOT NULL DEFAULT 0,
		external_subscription_id TEXT NOT NULL DEFAULT '',
		external_customer_id     TEXT NOT NULL DEFAULT '',
		version                  INTEGER NOT NULL DEFAULT 1,
		updated_at               INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_entitlements_status ON entitlements(status);
	CREATE INDEX IF NOT EXISTS idx_entitlements_customer ON entitlements(external_customer_id);

	CREATE TABLE IF NOT EXISTS reminders (
		id            TEXT PRIMARY KEY,
		user_id       TEXT NOT NULL,
		message       TEXT NOT NULL DEFAULT '',
		repeat        TEXT NOT NULL DEFAULT 'none',
		schedule_time INTEGER NOT NULL,
		active        INTEGER NOT NULL DEFAULT 1,
		last_sent     INTEGER,
		next_send     INTEGER,
		version       INTEGER NOT NULL DEFAULT 1,
		created_at    INTEGER NOT NULL,
		updated_at    INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_reminders_user ON reminders(user_id);
	CREATE INDEX IF NOT EXISTS idx_reminders_due ON reminders(active, next_send);

	CREATE TABLE IF NOT EXISTS processed_events (
		event_id     TEXT PRIMARY KEY,
		user_id      TEXT NOT NULL DEFAULT '',
		event_type   TEXT NOT NULL DEFAULT '',
		outcome      TEXT NOT NULL DEFAULT '',
		processed_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_processed_events_at ON processed_events(processed_at);

	CREATE TABLE IF NOT EXISTS audit_log (
		id          TEXT PRIMARY KEY,
		user_id     TEXT NOT NULL,
		actor       TEXT NOT NULL DEFAULT '',
		action      TEXT NOT NULL DEFAULT '',
		from_status TEXT NOT NULL DEFAULT '',
		to_status   TEXT NOT NULL DEFAULT '',
		note        TEXT NOT NULL DEFAULT '',
		created_at  INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_log_user ON audit_log(user_id);

	CREATE TABLE IF NOT EXISTS verification_codes (
		user_id    TEXT PRIMARY KEY,
		phone      TEXT NOT NULL DEFAULT '',
		code       TEXT NOT NULL,
		expires_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS contacts (
		user_id     TEXT PRIMARY KEY,
		phone       TEXT NOT NULL,
		verified_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS leases (
		name       TEXT PRIMARY KEY,
		holder     TEXT NOT NULL,
		expires_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity (used for readiness probes).
func (s *Store) Ping() error {
	return s.db.Ping()
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// scanner is an interface satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func nullableTimeUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func timeFromNullUnix(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	ts := time.Unix(v.Int64, 0).UTC()
	return &ts
}

func unixTime(v int64) time.Time {
	return time.Unix(v, 0).UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
