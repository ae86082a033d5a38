package storage

import (
	"database/sql"
	"strings"
	"time"
)

// Session status constants. Surfaced verbatim to the dashboard.
const (
	SessionStatusNeedsLogin = "needs_login"
	SessionStatusActive     = "active"
	SessionStatusExpired    = "expired"
)

// Session is the persisted browser auth state for one (account, platform) pair.
type Session struct {
	AccountID      string     `json:"accountId"`
	Platform       string     `json:"platform"`
	Status         string     `json:"status"`
	CookiesBlob    []byte     `json:"-"`
	LastVerifiedAt *time.Time `json:"lastVerifiedAt,omitempty"`
	LastError      string     `json:"lastError,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// GetSession retrieves the session for an account. Returns nil when no
// session record exists yet.
func (s *Store) GetSession(accountID string) (*Session, error) {
	query := `
		SELECT account_id, platform, status, cookies_blob, last_verified_at, last_error, created_at, updated_at
		FROM sessions WHERE account_id = ?
	`
	var session Session
	var cookies []byte
	var verified sql.NullTime
	var lastError sql.NullString
	err := s.db.QueryRow(query, accountID).Scan(
		&session.AccountID,
		&session.Platform,
		&session.Status,
		&cookies,
		&verified,
		&lastError,
		&session.CreatedAt,
		&session.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	session.CookiesBlob = cookies
	if verified.Valid {
		session.LastVerifiedAt = &verified.Time
	}
	if lastError.Valid {
		session.LastError = lastError.String
	}
	return &session, nil
}

// UpsertSession writes a session record, last-writer-wins per account.
// Retries on transient SQLITE_BUSY during concurrent operations.
func (s *Store) UpsertSession(session *Session) error {
	status := strings.TrimSpace(strings.ToLower(session.Status))
	if status == "" {
		status = SessionStatusNeedsLogin
	}

	query := `
		INSERT INTO sessions (account_id, platform, status, cookies_blob, last_verified_at, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT (account_id, platform) DO UPDATE SET
			status = excluded.status,
			cookies_blob = excluded.cookies_blob,
			last_verified_at = excluded.last_verified_at,
			last_error = excluded.last_error,
			updated_at = CURRENT_TIMESTAMP
	`

	var verifiedArg any
	if session.LastVerifiedAt != nil {
		verifiedArg = *session.LastVerifiedAt
	}
	var lastErrorArg any
	if session.LastError != "" {
		lastErrorArg = session.LastError
	}

	maxRetries := 3
	baseDelay := 100 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		_, err = s.db.Exec(query,
			session.AccountID,
			session.Platform,
			status,
			session.CookiesBlob,
			verifiedArg,
			lastErrorArg,
		)

		if err == nil {
			return nil
		}

		if isBusyError(err) && attempt < maxRetries {
			delay := baseDelay * time.Duration(1<<uint(attempt)) // Exponential backoff
			time.Sleep(delay)
			continue
		}

		return err
	}

	return err
}

// ClearSession resets a session to needs_login and wipes the cookie blob.
// A missing session record is not an error.
func (s *Store) ClearSession(accountID string) error {
	query := `
		UPDATE sessions
		SET status = ?, cookies_blob = NULL, last_error = NULL, updated_at = CURRENT_TIMESTAMP
		WHERE account_id = ?
	`
	_, err := s.db.Exec(query, SessionStatusNeedsLogin, accountID)
	return err
}
