package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"calhub/internal/models"
)

const syncStateColumns = `account_id, calendar_id, sync_token, ctag, last_sync_at, status, last_error, error_count, updated_at`

// UpsertSyncState writes the sync state of a calendar.
func (s *SQLite) UpsertSyncState(ctx context.Context, st *models.SyncState) error {
	st.UpdatedAt = s.now().UTC()
	if st.Status == "" {
		st.Status = models.SyncIdle
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_states (`+syncStateColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (account_id, calendar_id) DO UPDATE SET sync_token = excluded.sync_token,
			ctag = excluded.ctag, last_sync_at = excluded.last_sync_at, status = excluded.status,
			last_error = excluded.last_error, error_count = excluded.error_count, updated_at = excluded.updated_at`,
		st.AccountID, st.CalendarID, st.SyncToken, st.CTag, nullTime(st.LastSyncAt), string(st.Status),
		st.LastError, st.ErrorCount, formatTime(st.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert sync state: %w", err)
	}
	return nil
}

// GetSyncState returns the sync state of a calendar.
func (s *SQLite) GetSyncState(ctx context.Context, accountID, calendarID string) (*models.SyncState, error) {
	st, err := scanSyncState(s.db.QueryRowContext(ctx,
		`SELECT `+syncStateColumns+` FROM sync_states WHERE account_id = ? AND calendar_id = ?`, accountID, calendarID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return st, err
}

// ListSyncStates returns the sync states of every calendar of an account.
func (s *SQLite) ListSyncStates(ctx context.Context, accountID string) ([]*models.SyncState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+syncStateColumns+` FROM sync_states WHERE account_id = ? ORDER BY calendar_id`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync states: %w", err)
	}
	defer rows.Close()

	var out []*models.SyncState
	for rows.Next() {
		st, err := scanSyncState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func scanSyncState(row scanner) (*models.SyncState, error) {
	var (
		st        models.SyncState
		lastSync  sql.NullString
		status    string
		updatedAt string
	)
	if err := row.Scan(&st.AccountID, &st.CalendarID, &st.SyncToken, &st.CTag, &lastSync,
		&status, &st.LastError, &st.ErrorCount, &updatedAt); err != nil {
		return nil, err
	}
	st.Status = models.SyncStatus(status)

	var err error
	if st.LastSyncAt, err = parseNullTime(lastSync); err != nil {
		return nil, err
	}
	if st.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &st, nil
}
