// Package driver owns the live automation handle against a running browser
// on a device-cloud instance. One driver is acquired per operation and closed
// exactly once on every exit path.
package driver

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrClosed is returned when operating on a closed driver.
	ErrClosed = errors.New("driver closed")

	// ErrRuntimeUnavailable is returned when the automation runtime is not
	// initialized.
	ErrRuntimeUnavailable = errors.New("automation runtime unavailable")
)

// Driver exposes the automation primitives the operation state machine runs
// against. All calls may block on network I/O to the remote device and honor
// context cancellation.
type Driver interface {
	// Navigate loads a URL and waits for the page to settle.
	Navigate(ctx context.Context, url string) error

	// Type fills the element matching selector with text.
	Type(ctx context.Context, selector, text string) error

	// Click clicks the element matching selector.
	Click(ctx context.Context, selector string) error

	// WaitFor blocks until selector is visible or the timeout elapses.
	WaitFor(ctx context.Context, selector string, timeout time.Duration) error

	// Content returns the current page HTML for signature detection.
	Content(ctx context.Context) (string, error)

	// URL returns the current page URL.
	URL() string

	// Screenshot captures the current viewport.
	Screenshot(ctx context.Context) ([]byte, error)

	// Upload attaches files to the file input matching selector.
	Upload(ctx context.Context, selector string, files []UploadFile) error

	// Cookies serializes the browser context's auth state.
	Cookies(ctx context.Context) ([]byte, error)

	// RestoreCookies loads a previously serialized auth state.
	RestoreCookies(ctx context.Context, blob []byte) error

	// Close releases the handle. Safe to call more than once; only the first
	// call tears down resources.
	Close() error
}

// UploadFile is an in-memory file handed to a platform's media input.
type UploadFile struct {
	Name     string
	MimeType string
	Data     []byte
}

// Factory acquires drivers against device control endpoints.
type Factory interface {
	// Acquire connects to a device's automation endpoint and returns a ready
	// driver.
	Acquire(ctx context.Context, endpoint string) (Driver, error)

	// Close releases the underlying runtime.
	Close() error
}
