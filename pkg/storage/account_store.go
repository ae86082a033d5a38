package storage

import (
	"database/sql"
	"time"
)

// Account maps a dashboard account to its platform and device-cloud device.
// The dashboard owns the richer account record; the orchestrator only needs
// this routing slice.
type Account struct {
	AccountID string    `json:"accountId"`
	Platform  string    `json:"platform"`
	DeviceID  string    `json:"deviceId"`
	Username  string    `json:"username,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// GetAccount retrieves an account by ID. Returns nil when unknown.
func (s *Store) GetAccount(accountID string) (*Account, error) {
	query := `
		SELECT account_id, platform, device_id, username, created_at
		FROM accounts WHERE account_id = ?
	`
	var acc Account
	var username sql.NullString
	err := s.db.QueryRow(query, accountID).Scan(
		&acc.AccountID,
		&acc.Platform,
		&acc.DeviceID,
		&username,
		&acc.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if username.Valid {
		acc.Username = username.String
	}
	return &acc, nil
}

// UpsertAccount writes an account routing record.
func (s *Store) UpsertAccount(acc *Account) error {
	query := `
		INSERT INTO accounts (account_id, platform, device_id, username)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (account_id) DO UPDATE SET
			platform = excluded.platform,
			device_id = excluded.device_id,
			username = excluded.username
	`
	var usernameArg any
	if acc.Username != "" {
		usernameArg = acc.Username
	}
	_, err := s.db.Exec(query, acc.AccountID, acc.Platform, acc.DeviceID, usernameArg)
	return err
}

// ListAccounts returns all known accounts ordered by creation time.
func (s *Store) ListAccounts() ([]*Account, error) {
	rows, err := s.db.Query(`
		SELECT account_id, platform, device_id, username, created_at
		FROM accounts ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []*Account
	for rows.Next() {
		var acc Account
		var username sql.NullString
		if err := rows.Scan(&acc.AccountID, &acc.Platform, &acc.DeviceID, &username, &acc.CreatedAt); err != nil {
			return nil, err
		}
		if username.Valid {
			acc.Username = username.String
		}
		accounts = append(accounts, &acc)
	}
	return accounts, rows.Err()
}
