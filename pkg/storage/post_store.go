package storage

import (
	"database/sql"
	"encoding/json"
	"time"
)

// Post status constants.
const (
	PostStatusScheduled = "scheduled"
	PostStatusPosting   = "posting"
	PostStatusPosted    = "posted"
	PostStatusFailed    = "failed"
)

// Post is a scheduled or completed post record.
type Post struct {
	PostID        string     `json:"postId"`
	AccountID     string     `json:"accountId"`
	Content       string     `json:"content"`
	MediaURLs     []string   `json:"mediaUrls,omitempty"`
	ScheduledAt   *time.Time `json:"scheduledAt,omitempty"`
	Status        string     `json:"status"`
	PostURL       string     `json:"postUrl,omitempty"`
	ScreenshotURL string     `json:"screenshotUrl,omitempty"`
	LastError     string     `json:"lastError,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// CreatePost inserts a new post record.
func (s *Store) CreatePost(post *Post) error {
	status := post.Status
	if status == "" {
		status = PostStatusScheduled
	}

	media, err := encodeMediaURLs(post.MediaURLs)
	if err != nil {
		return err
	}

	var scheduledArg any
	if post.ScheduledAt != nil {
		scheduledArg = *post.ScheduledAt
	}

	_, err = s.db.Exec(`
		INSERT INTO posts (post_id, account_id, content, media_urls, scheduled_at, status)
		VALUES (?, ?, ?, ?, ?, ?)
	`, post.PostID, post.AccountID, post.Content, media, scheduledArg, status)
	return err
}

// GetPost retrieves a post by ID. Returns nil when unknown.
func (s *Store) GetPost(postID string) (*Post, error) {
	row := s.db.QueryRow(`
		SELECT post_id, account_id, content, media_urls, scheduled_at, status,
		       post_url, screenshot_url, last_error, created_at, updated_at
		FROM posts WHERE post_id = ?
	`, postID)
	return scanPost(row)
}

// ListDuePosts returns scheduled posts whose scheduled time has passed.
func (s *Store) ListDuePosts(now time.Time, limit int) ([]*Post, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT post_id, account_id, content, media_urls, scheduled_at, status,
		       post_url, screenshot_url, last_error, created_at, updated_at
		FROM posts
		WHERE status = ? AND scheduled_at IS NOT NULL AND scheduled_at <= ?
		ORDER BY scheduled_at
		LIMIT ?
	`, PostStatusScheduled, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var posts []*Post
	for rows.Next() {
		post, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		posts = append(posts, post)
	}
	return posts, rows.Err()
}

// ListPostsByAccount returns all posts for an account, newest first.
func (s *Store) ListPostsByAccount(accountID string) ([]*Post, error) {
	rows, err := s.db.Query(`
		SELECT post_id, account_id, content, media_urls, scheduled_at, status,
		       post_url, screenshot_url, last_error, created_at, updated_at
		FROM posts WHERE account_id = ? ORDER BY created_at DESC
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var posts []*Post
	for rows.Next() {
		post, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		posts = append(posts, post)
	}
	return posts, rows.Err()
}

// MarkPostPosting transitions a scheduled post to posting. Returns false when
// the post was not in scheduled state, which guards against double dispatch.
func (s *Store) MarkPostPosting(postID string) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE posts SET status = ?, updated_at = CURRENT_TIMESTAMP
		WHERE post_id = ? AND status = ?
	`, PostStatusPosting, postID, PostStatusScheduled)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// MarkPostPosted records a successful post outcome.
func (s *Store) MarkPostPosted(postID, postURL, screenshotURL string) error {
	_, err := s.db.Exec(`
		UPDATE posts SET status = ?, post_url = ?, screenshot_url = ?, last_error = NULL,
			updated_at = CURRENT_TIMESTAMP
		WHERE post_id = ?
	`, PostStatusPosted, postURL, screenshotURL, postID)
	return err
}

// MarkPostFailed records a failed post outcome.
func (s *Store) MarkPostFailed(postID, message string) error {
	_, err := s.db.Exec(`
		UPDATE posts SET status = ?, last_error = ?, updated_at = CURRENT_TIMESTAMP
		WHERE post_id = ?
	`, PostStatusFailed, message, postID)
	return err
}

// RequeuePost returns a failed post to scheduled state for an explicit retry.
// Returns false when the post was not in failed state.
func (s *Store) RequeuePost(postID string, scheduledAt time.Time) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE posts SET status = ?, scheduled_at = ?, last_error = NULL,
			updated_at = CURRENT_TIMESTAMP
		WHERE post_id = ? AND status = ?
	`, PostStatusScheduled, scheduledAt, postID, PostStatusFailed)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPost(row rowScanner) (*Post, error) {
	var post Post
	var media sql.NullString
	var scheduled sql.NullTime
	var postURL, screenshotURL, lastError sql.NullString

	err := row.Scan(
		&post.PostID,
		&post.AccountID,
		&post.Content,
		&media,
		&scheduled,
		&post.Status,
		&postURL,
		&screenshotURL,
		&lastError,
		&post.CreatedAt,
		&post.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if media.Valid && media.String != "" {
		if err := json.Unmarshal([]byte(media.String), &post.MediaURLs); err != nil {
			return nil, err
		}
	}
	if scheduled.Valid {
		post.ScheduledAt = &scheduled.Time
	}
	if postURL.Valid {
		post.PostURL = postURL.String
	}
	if screenshotURL.Valid {
		post.ScreenshotURL = screenshotURL.String
	}
	if lastError.Valid {
		post.LastError = lastError.String
	}
	return &post, nil
}

func encodeMediaURLs(urls []string) (any, error) {
	if len(urls) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(urls)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}
