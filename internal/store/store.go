// Package store persists accounts, calendars, events, recurrences and sync
// states in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"calhub/internal/models"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// Store is the local event store used by the orchestrator and the API.
type Store interface {
	SaveAccount(ctx context.Context, acc *models.CalendarAccount) error
	GetAccount(ctx context.Context, id string) (*models.CalendarAccount, error)
	ListActiveAccounts(ctx context.Context) ([]*models.CalendarAccount, error)
	DeleteAccount(ctx context.Context, id string) error
	MarkAccountSynced(ctx context.Context, id string, at time.Time) error
	UpdateAccountCredentials(ctx context.Context, id string, blob []byte) error

	UpsertCalendar(ctx context.Context, cal *models.Calendar) (bool, error)
	GetCalendar(ctx context.Context, id string) (*models.Calendar, error)
	ListCalendars(ctx context.Context, accountID string) ([]*models.Calendar, error)
	SetCalendarVisibility(ctx context.Context, id string, visible bool) error

	CreateEvent(ctx context.Context, ev *models.Event) error
	UpsertEvent(ctx context.Context, ev *models.Event) (bool, error)
	GetEvent(ctx context.Context, id string) (*models.Event, error)
	GetEventByExternalID(ctx context.Context, calendarID, externalID string) (*models.Event, error)
	UpdateEvent(ctx context.Context, ev *models.Event) error
	DeleteEvent(ctx context.Context, id string) error
	ListEventsByCalendar(ctx context.Context, calendarID string) ([]*models.Event, error)
	ListEventsInRange(ctx context.Context, from, to time.Time) ([]*models.Event, error)
	FindDuplicateCandidates(ctx context.Context, ev *models.Event, window time.Duration) ([]models.Event, error)
	ExternalETags(ctx context.Context, calendarID string) (map[string]string, error)

	UpsertRecurrence(ctx context.Context, rec *models.Recurrence) error
	GetRecurrence(ctx context.Context, eventID string) (*models.Recurrence, error)
	DeleteRecurrence(ctx context.Context, eventID string) error

	UpsertSyncState(ctx context.Context, st *models.SyncState) error
	GetSyncState(ctx context.Context, accountID, calendarID string) (*models.SyncState, error)
	ListSyncStates(ctx context.Context, accountID string) ([]*models.SyncState, error)
}

// SQLite implements Store.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

var _ Store = (*SQLite)(nil)

// Open opens (creating if needed) the database at path and applies the schema.
func Open(ctx context.Context, path string) (*SQLite, error) {
	// - journal_mode=WAL: Write-Ahead Logging for better concurrency
	// - foreign_keys=ON: Enforce foreign key constraints
	// - busy_timeout=5000: Wait 5s on lock instead of failing immediately
	// - synchronous=NORMAL: Good balance of safety and speed
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?"
	} else {
		dsn += "&"
	}
	dsn += "_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping SQLite database: %w", err)
	}

	s, err := New(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an open database and applies the schema.
func New(ctx context.Context, db *sql.DB) (*SQLite, error) {
	// SQLite doesn't support multiple writers, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &SQLite{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const schema = `
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS accounts (
	id           TEXT PRIMARY KEY,
	user_id      TEXT NOT NULL,
	provider     TEXT NOT NULL,
	email        TEXT NOT NULL DEFAULT '',
	credentials  BLOB,
	last_sync_at TEXT,
	is_active    INTEGER NOT NULL DEFAULT 1,
	created_at   TEXT NOT NULL,
	updated_at   TEXT NOT NULL,
	UNIQUE (user_id, provider)
);

CREATE TABLE IF NOT EXISTS calendars (
	id           TEXT PRIMARY KEY,
	account_id   TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
	external_id  TEXT NOT NULL,
	name         TEXT NOT NULL DEFAULT '',
	color        TEXT NOT NULL DEFAULT '',
	time_zone    TEXT NOT NULL DEFAULT '',
	is_visible   INTEGER NOT NULL DEFAULT 1,
	is_read_only INTEGER NOT NULL DEFAULT 0,
	is_primary   INTEGER NOT NULL DEFAULT 0,
	created_at   TEXT NOT NULL,
	updated_at   TEXT NOT NULL,
	UNIQUE (account_id, external_id)
);

CREATE TABLE IF NOT EXISTS events (
	id              TEXT PRIMARY KEY,
	calendar_id     TEXT NOT NULL REFERENCES calendars(id) ON DELETE CASCADE,
	title           TEXT NOT NULL DEFAULT '',
	description     TEXT NOT NULL DEFAULT '',
	location        TEXT NOT NULL DEFAULT '',
	start_at        TEXT NOT NULL,
	end_at          TEXT NOT NULL,
	time_zone       TEXT NOT NULL DEFAULT '',
	all_day         INTEGER NOT NULL DEFAULT 0,
	status          TEXT NOT NULL DEFAULT 'confirmed',
	color           TEXT NOT NULL DEFAULT '',
	external_id     TEXT,
	ics_uid         TEXT,
	etag            TEXT NOT NULL DEFAULT '',
	is_recurring    INTEGER NOT NULL DEFAULT 0,
	linked_event_id TEXT REFERENCES events(id) ON DELETE SET NULL,
	created_at      TEXT NOT NULL,
	updated_at      TEXT NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_events_calendar_external ON events (calendar_id, external_id);
CREATE INDEX IF NOT EXISTS idx_events_ics_uid ON events (ics_uid);
CREATE INDEX IF NOT EXISTS idx_events_external_id ON events (external_id);
CREATE INDEX IF NOT EXISTS idx_events_start ON events (start_at);

CREATE TABLE IF NOT EXISTS recurrences (
	event_id TEXT PRIMARY KEY REFERENCES events(id) ON DELETE CASCADE,
	rrule    TEXT NOT NULL,
	until_at TEXT,
	count    INTEGER,
	exdates  TEXT NOT NULL DEFAULT '[]'
);

CREATE TABLE IF NOT EXISTS sync_states (
	account_id   TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
	calendar_id  TEXT NOT NULL REFERENCES calendars(id) ON DELETE CASCADE,
	sync_token   TEXT NOT NULL DEFAULT '',
	ctag         TEXT NOT NULL DEFAULT '',
	last_sync_at TEXT,
	status       TEXT NOT NULL DEFAULT 'idle',
	last_error   TEXT NOT NULL DEFAULT '',
	error_count  INTEGER NOT NULL DEFAULT 0,
	updated_at   TEXT NOT NULL,
	PRIMARY KEY (account_id, calendar_id)
);
`

// Timestamps are stored as fixed-width UTC text so they sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid stored timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseNullTime(s sql.NullString) (time.Time, error) {
	if !s.Valid || s.String == "" {
		return time.Time{}, nil
	}
	return parseTime(s.String)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type scanner interface {
	Scan(dest ...any) error
}

func checkAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
