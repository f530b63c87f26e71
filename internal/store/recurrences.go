package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"calhub/internal/models"
	"calhub/internal/rrule"
)

// UpsertRecurrence writes the recurrence of an event and marks the event as
// recurring. Until and Count are re-derived from the rule string; a rule that
// does not parse is stored with both left empty.
func (s *SQLite) UpsertRecurrence(ctx context.Context, rec *models.Recurrence) error {
	rec.Until, rec.Count = nil, nil
	if rule, err := rrule.Parse(rec.RRule); err == nil {
		if !rule.Until.IsZero() {
			until := rule.Until
			rec.Until = &until
		}
		if rule.Count > 0 {
			count := rule.Count
			rec.Count = &count
		}
	}

	exdates, err := encodeExDates(rec.ExDates)
	if err != nil {
		return err
	}

	var until sql.NullString
	if rec.Until != nil {
		until = nullTime(*rec.Until)
	}
	var count sql.NullInt64
	if rec.Count != nil {
		count = sql.NullInt64{Int64: int64(*rec.Count), Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE events SET is_recurring = 1 WHERE id = ?`, rec.EventID)
	if err != nil {
		return fmt.Errorf("failed to flag recurring event: %w", err)
	}
	if err := checkAffected(res); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO recurrences (event_id, rrule, until_at, count, exdates) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (event_id) DO UPDATE SET rrule = excluded.rrule, until_at = excluded.until_at,
			count = excluded.count, exdates = excluded.exdates`,
		rec.EventID, rec.RRule, until, count, exdates)
	if err != nil {
		return fmt.Errorf("failed to upsert recurrence: %w", err)
	}
	return tx.Commit()
}

// GetRecurrence returns the recurrence of an event.
func (s *SQLite) GetRecurrence(ctx context.Context, eventID string) (*models.Recurrence, error) {
	var (
		rec     models.Recurrence
		until   sql.NullString
		count   sql.NullInt64
		exdates string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT event_id, rrule, until_at, count, exdates FROM recurrences WHERE event_id = ?`, eventID).
		Scan(&rec.EventID, &rec.RRule, &until, &count, &exdates)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get recurrence: %w", err)
	}

	if until.Valid {
		t, err := parseTime(until.String)
		if err != nil {
			return nil, err
		}
		rec.Until = &t
	}
	if count.Valid {
		c := int(count.Int64)
		rec.Count = &c
	}
	if rec.ExDates, err = decodeExDates(exdates); err != nil {
		return nil, err
	}
	return &rec, nil
}

// DeleteRecurrence removes the recurrence of an event and clears its
// recurring flag. Deleting a missing recurrence is not an error.
func (s *SQLite) DeleteRecurrence(ctx context.Context, eventID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM recurrences WHERE event_id = ?`, eventID); err != nil {
		return fmt.Errorf("failed to delete recurrence: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE events SET is_recurring = 0 WHERE id = ?`, eventID); err != nil {
		return fmt.Errorf("failed to clear recurring flag: %w", err)
	}
	return tx.Commit()
}

func encodeExDates(dates []time.Time) (string, error) {
	out := make([]string, 0, len(dates))
	seen := make(map[string]struct{}, len(dates))
	for _, d := range dates {
		s := formatTime(d)
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	b, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("failed to encode exdates: %w", err)
	}
	return string(b), nil
}

func decodeExDates(s string) ([]time.Time, error) {
	var raw []string
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		return nil, fmt.Errorf("failed to decode exdates: %w", err)
	}
	out := make([]time.Time, 0, len(raw))
	for _, r := range raw {
		t, err := parseTime(r)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}
