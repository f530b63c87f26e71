package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"calhub/internal/models"
)

const eventColumns = `id, calendar_id, title, description, location, start_at, end_at, time_zone, all_day, status, color,
	external_id, ics_uid, etag, is_recurring, linked_event_id, created_at, updated_at`

// CreateEvent inserts a new event. An empty ev.ID is generated.
func (s *SQLite) CreateEvent(ctx context.Context, ev *models.Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Status == "" {
		ev.Status = models.StatusConfirmed
	}
	now := s.now().UTC()
	ev.CreatedAt = now
	ev.UpdatedAt = now
	ev.IsRecurring = false

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (`+eventColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)`,
		ev.ID, ev.CalendarID, ev.Title, ev.Description, ev.Location,
		formatTime(ev.Start), formatTime(ev.End), ev.TimeZone, boolInt(ev.AllDay), string(ev.Status), ev.Color,
		nullString(ev.ExternalID), nullString(ev.ICSUID), ev.ETag, nullString(ev.LinkedEventID),
		formatTime(now), formatTime(now))
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// UpsertEvent stores a remote-backed event keyed by (calendar, external id).
// An existing row is refreshed in place and keeps its id, creation time,
// recurrence flag and, unless ev sets one, its link. It reports whether a
// new row was inserted.
func (s *SQLite) UpsertEvent(ctx context.Context, ev *models.Event) (bool, error) {
	if ev.ExternalID == "" {
		return false, fmt.Errorf("upsert requires an external id")
	}

	existing, err := s.GetEventByExternalID(ctx, ev.CalendarID, ev.ExternalID)
	if errors.Is(err, ErrNotFound) {
		if err := s.CreateEvent(ctx, ev); err != nil {
			return false, err
		}
		return true, nil
	}
	if err != nil {
		return false, err
	}

	ev.ID = existing.ID
	ev.CreatedAt = existing.CreatedAt
	ev.IsRecurring = existing.IsRecurring
	if ev.LinkedEventID == "" {
		ev.LinkedEventID = existing.LinkedEventID
	}
	return false, s.UpdateEvent(ctx, ev)
}

// UpdateEvent overwrites the stored event with ev. The recurrence flag is
// owned by the recurrence methods and is not written here.
func (s *SQLite) UpdateEvent(ctx context.Context, ev *models.Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	if ev.Status == "" {
		ev.Status = models.StatusConfirmed
	}
	ev.UpdatedAt = s.now().UTC()

	res, err := s.db.ExecContext(ctx,
		`UPDATE events SET calendar_id = ?, title = ?, description = ?, location = ?, start_at = ?, end_at = ?,
			time_zone = ?, all_day = ?, status = ?, color = ?, external_id = ?, ics_uid = ?, etag = ?,
			linked_event_id = ?, updated_at = ?
		WHERE id = ?`,
		ev.CalendarID, ev.Title, ev.Description, ev.Location, formatTime(ev.Start), formatTime(ev.End),
		ev.TimeZone, boolInt(ev.AllDay), string(ev.Status), ev.Color, nullString(ev.ExternalID),
		nullString(ev.ICSUID), ev.ETag, nullString(ev.LinkedEventID), formatTime(ev.UpdatedAt), ev.ID)
	if err != nil {
		return fmt.Errorf("failed to update event: %w", err)
	}
	return checkAffected(res)
}

// GetEvent returns the event with the given id.
func (s *SQLite) GetEvent(ctx context.Context, id string) (*models.Event, error) {
	ev, err := scanEvent(s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return ev, err
}

// GetEventByExternalID returns the event a provider knows as externalID.
func (s *SQLite) GetEventByExternalID(ctx context.Context, calendarID, externalID string) (*models.Event, error) {
	ev, err := scanEvent(s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE calendar_id = ? AND external_id = ?`, calendarID, externalID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return ev, err
}

// DeleteEvent removes an event and its recurrence.
func (s *SQLite) DeleteEvent(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete event: %w", err)
	}
	return checkAffected(res)
}

// ListEventsByCalendar returns every event stored for a calendar.
func (s *SQLite) ListEventsByCalendar(ctx context.Context, calendarID string) ([]*models.Event, error) {
	return s.queryEvents(ctx, `SELECT `+eventColumns+` FROM events WHERE calendar_id = ? ORDER BY start_at`, calendarID)
}

// ListEventsInRange returns the events overlapping [from, to] plus every
// recurring master, whose occurrences may fall anywhere.
func (s *SQLite) ListEventsInRange(ctx context.Context, from, to time.Time) ([]*models.Event, error) {
	return s.queryEvents(ctx,
		`SELECT `+eventColumns+` FROM events WHERE (start_at <= ? AND end_at >= ?) OR is_recurring = 1 ORDER BY start_at`,
		formatTime(to), formatTime(from))
}

// FindDuplicateCandidates returns events in other calendars that share ev's
// ICS UID or external id, or start within window of ev.
func (s *SQLite) FindDuplicateCandidates(ctx context.Context, ev *models.Event, window time.Duration) ([]models.Event, error) {
	list, err := s.queryEvents(ctx,
		`SELECT `+eventColumns+` FROM events
		WHERE calendar_id != ? AND (ics_uid = ? OR external_id = ? OR start_at BETWEEN ? AND ?)`,
		ev.CalendarID, nullString(ev.ICSUID), nullString(ev.ExternalID),
		formatTime(ev.Start.Add(-window)), formatTime(ev.Start.Add(window)))
	if err != nil {
		return nil, err
	}
	out := make([]models.Event, len(list))
	for i, e := range list {
		out[i] = *e
	}
	return out, nil
}

// ExternalETags maps the external ids of a calendar's remote-backed events to
// their last known etag.
func (s *SQLite) ExternalETags(ctx context.Context, calendarID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT external_id, etag FROM events WHERE calendar_id = ? AND external_id IS NOT NULL`, calendarID)
	if err != nil {
		return nil, fmt.Errorf("failed to list etags: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var id, etag string
		if err := rows.Scan(&id, &etag); err != nil {
			return nil, err
		}
		out[id] = etag
	}
	return out, rows.Err()
}

func (s *SQLite) queryEvents(ctx context.Context, query string, args ...any) ([]*models.Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var out []*models.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func scanEvent(row scanner) (*models.Event, error) {
	var (
		ev                         models.Event
		start, end                 string
		allDay, recurring          int
		status                     string
		externalID, icsUID, linked sql.NullString
		createdAt, updatedAt       string
	)
	if err := row.Scan(&ev.ID, &ev.CalendarID, &ev.Title, &ev.Description, &ev.Location,
		&start, &end, &ev.TimeZone, &allDay, &status, &ev.Color,
		&externalID, &icsUID, &ev.ETag, &recurring, &linked, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	ev.AllDay = allDay == 1
	ev.IsRecurring = recurring == 1
	ev.Status = models.EventStatus(status)
	ev.ExternalID = externalID.String
	ev.ICSUID = icsUID.String
	ev.LinkedEventID = linked.String

	var err error
	if ev.Start, err = parseTime(start); err != nil {
		return nil, err
	}
	if ev.End, err = parseTime(end); err != nil {
		return nil, err
	}
	if ev.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if ev.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &ev, nil
}
