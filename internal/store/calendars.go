package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"calhub/internal/models"
)

const calendarColumns = `id, account_id, external_id, name, color, time_zone, is_visible, is_read_only, is_primary, created_at, updated_at`

// UpsertCalendar inserts a calendar not seen before, or refreshes the
// metadata of an existing one matched by (account, external id). Visibility
// is only written on insert; afterwards it belongs to the user. cal is
// updated with the stored id and visibility. It reports whether a row was
// inserted.
func (s *SQLite) UpsertCalendar(ctx context.Context, cal *models.Calendar) (bool, error) {
	now := s.now().UTC()

	existing, err := scanCalendar(s.db.QueryRowContext(ctx,
		`SELECT `+calendarColumns+` FROM calendars WHERE account_id = ? AND external_id = ?`,
		cal.AccountID, cal.ExternalID))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if cal.ID == "" {
			cal.ID = uuid.NewString()
		}
		cal.CreatedAt = now
		cal.UpdatedAt = now
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO calendars (`+calendarColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			cal.ID, cal.AccountID, cal.ExternalID, cal.Name, cal.Color, cal.TimeZone,
			boolInt(cal.IsVisible), boolInt(cal.IsReadOnly), boolInt(cal.IsPrimary),
			formatTime(now), formatTime(now))
		if err != nil {
			return false, fmt.Errorf("failed to insert calendar: %w", err)
		}
		return true, nil
	case err != nil:
		return false, fmt.Errorf("failed to look up calendar: %w", err)
	}

	cal.ID = existing.ID
	cal.IsVisible = existing.IsVisible
	cal.CreatedAt = existing.CreatedAt
	cal.UpdatedAt = now
	_, err = s.db.ExecContext(ctx,
		`UPDATE calendars SET name = ?, color = ?, time_zone = ?, is_read_only = ?, is_primary = ?, updated_at = ? WHERE id = ?`,
		cal.Name, cal.Color, cal.TimeZone, boolInt(cal.IsReadOnly), boolInt(cal.IsPrimary), formatTime(now), cal.ID)
	if err != nil {
		return false, fmt.Errorf("failed to update calendar: %w", err)
	}
	return false, nil
}

// GetCalendar returns the calendar with the given id.
func (s *SQLite) GetCalendar(ctx context.Context, id string) (*models.Calendar, error) {
	cal, err := scanCalendar(s.db.QueryRowContext(ctx,
		`SELECT `+calendarColumns+` FROM calendars WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return cal, err
}

// ListCalendars returns the calendars of an account.
func (s *SQLite) ListCalendars(ctx context.Context, accountID string) ([]*models.Calendar, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+calendarColumns+` FROM calendars WHERE account_id = ? ORDER BY is_primary DESC, name`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list calendars: %w", err)
	}
	defer rows.Close()

	var out []*models.Calendar
	for rows.Next() {
		cal, err := scanCalendar(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cal)
	}
	return out, rows.Err()
}

// SetCalendarVisibility shows or hides a calendar. Hidden calendars are not
// synced.
func (s *SQLite) SetCalendarVisibility(ctx context.Context, id string, visible bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE calendars SET is_visible = ?, updated_at = ? WHERE id = ?`,
		boolInt(visible), formatTime(s.now()), id)
	if err != nil {
		return fmt.Errorf("failed to update calendar visibility: %w", err)
	}
	return checkAffected(res)
}

func scanCalendar(row scanner) (*models.Calendar, error) {
	var (
		cal                        models.Calendar
		visible, readOnly, primary int
		createdAt, updatedAt       string
	)
	if err := row.Scan(&cal.ID, &cal.AccountID, &cal.ExternalID, &cal.Name, &cal.Color, &cal.TimeZone,
		&visible, &readOnly, &primary, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	cal.IsVisible = visible == 1
	cal.IsReadOnly = readOnly == 1
	cal.IsPrimary = primary == 1

	var err error
	if cal.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if cal.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &cal, nil
}
