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

const accountColumns = `id, user_id, provider, email, credentials, last_sync_at, is_active, created_at, updated_at`

// SaveAccount inserts the account, or updates the existing account of the
// same user and provider. acc.ID is set to the stored id.
func (s *SQLite) SaveAccount(ctx context.Context, acc *models.CalendarAccount) error {
	now := s.now().UTC()

	var existingID string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM accounts WHERE user_id = ? AND provider = ?`,
		acc.UserID, string(acc.Provider)).Scan(&existingID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if acc.ID == "" {
			acc.ID = uuid.NewString()
		}
		acc.CreatedAt = now
		acc.UpdatedAt = now
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO accounts (`+accountColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			acc.ID, acc.UserID, string(acc.Provider), acc.Email, acc.Credentials,
			nullTime(acc.LastSyncAt), boolInt(acc.IsActive), formatTime(now), formatTime(now))
		if err != nil {
			return fmt.Errorf("failed to insert account: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("failed to look up account: %w", err)
	}

	acc.ID = existingID
	acc.UpdatedAt = now
	_, err = s.db.ExecContext(ctx,
		`UPDATE accounts SET email = ?, credentials = ?, is_active = ?, updated_at = ? WHERE id = ?`,
		acc.Email, acc.Credentials, boolInt(acc.IsActive), formatTime(now), acc.ID)
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}
	return nil
}

// GetAccount returns the account with the given id.
func (s *SQLite) GetAccount(ctx context.Context, id string) (*models.CalendarAccount, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	acc, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return acc, err
}

// ListActiveAccounts returns every active account.
func (s *SQLite) ListActiveAccounts(ctx context.Context) ([]*models.CalendarAccount, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE is_active = 1 ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var out []*models.CalendarAccount
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, acc)
	}
	return out, rows.Err()
}

// DeleteAccount removes the account together with its calendars, events and
// sync states.
func (s *SQLite) DeleteAccount(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	return checkAffected(res)
}

// MarkAccountSynced records the time of the last sync run.
func (s *SQLite) MarkAccountSynced(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET last_sync_at = ?, updated_at = ? WHERE id = ?`,
		formatTime(at), formatTime(s.now()), id)
	if err != nil {
		return fmt.Errorf("failed to mark account synced: %w", err)
	}
	return checkAffected(res)
}

// UpdateAccountCredentials replaces the stored credential blob.
func (s *SQLite) UpdateAccountCredentials(ctx context.Context, id string, blob []byte) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET credentials = ?, updated_at = ? WHERE id = ?`,
		blob, formatTime(s.now()), id)
	if err != nil {
		return fmt.Errorf("failed to update credentials: %w", err)
	}
	return checkAffected(res)
}

func scanAccount(row scanner) (*models.CalendarAccount, error) {
	var (
		acc                  models.CalendarAccount
		provider             string
		lastSync             sql.NullString
		active               int
		createdAt, updatedAt string
	)
	if err := row.Scan(&acc.ID, &acc.UserID, &provider, &acc.Email, &acc.Credentials,
		&lastSync, &active, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	acc.Provider = models.ProviderKind(provider)
	acc.IsActive = active == 1

	var err error
	if acc.LastSyncAt, err = parseNullTime(lastSync); err != nil {
		return nil, err
	}
	if acc.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if acc.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &acc, nil
}
