package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/akiranaka1984/sns-orchestrator/pkg/errors"
)

// PlaywrightFactory acquires drivers by connecting Playwright to the CDP
// endpoint exposed by a running device.
type PlaywrightFactory struct {
	mu             sync.Mutex
	pw             *playwright.Playwright
	screenshotType string
	initialized    bool
}

// NewPlaywrightFactory creates an uninitialized factory. Initialize must be
// called before acquiring drivers.
func NewPlaywrightFactory(screenshotType string) *PlaywrightFactory {
	if screenshotType == "" {
		screenshotType = "jpeg"
	}
	return &PlaywrightFactory{screenshotType: screenshotType}
}

// Initialize installs and starts the Playwright runtime.
func (f *PlaywrightFactory) Initialize() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.initialized {
		return nil
	}

	opts := &playwright.RunOptions{
		Verbose: false,
		Stdout:  io.Discard,
		Stderr:  io.Discard,
	}

	if err := playwright.Install(opts); err != nil {
		return fmt.Errorf("failed to install playwright: %w", err)
	}

	pw, err := playwright.Run(opts)
	if err != nil {
		return fmt.Errorf("failed to start playwright: %w", err)
	}

	f.pw = pw
	f.initialized = true
	return nil
}

// Acquire connects to a device's CDP endpoint and returns a driver bound to
// one page.
func (f *PlaywrightFactory) Acquire(ctx context.Context, endpoint string) (Driver, error) {
	f.mu.Lock()
	if !f.initialized || f.pw == nil {
		f.mu.Unlock()
		return nil, ErrRuntimeUnavailable
	}
	pw := f.pw
	f.mu.Unlock()

	browser, err := pw.Chromium.ConnectOverCDP(endpoint)
	if err != nil {
		return nil, driverErr(err, "cdp_connect", "failed to connect to device browser").
			WithContext("endpoint", endpoint)
	}

	// A CDP-attached browser usually carries an existing default context.
	var browserCtx playwright.BrowserContext
	if contexts := browser.Contexts(); len(contexts) > 0 {
		browserCtx = contexts[0]
	} else {
		browserCtx, err = browser.NewContext()
		if err != nil {
			browser.Close()
			return nil, driverErr(err, "context_create", "failed to create browser context")
		}
	}

	var page playwright.Page
	if pages := browserCtx.Pages(); len(pages) > 0 {
		page = pages[0]
	} else {
		page, err = browserCtx.NewPage()
		if err != nil {
			browser.Close()
			return nil, driverErr(err, "page_create", "failed to create page")
		}
	}

	return &playwrightDriver{
		browser:        browser,
		browserCtx:     browserCtx,
		page:           page,
		screenshotType: f.screenshotType,
	}, nil
}

// Close stops the Playwright runtime.
func (f *PlaywrightFactory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.initialized || f.pw == nil {
		return nil
	}
	f.initialized = false
	return f.pw.Stop()
}

// playwrightDriver implements Driver on one Playwright page.
type playwrightDriver struct {
	browser        playwright.Browser
	browserCtx     playwright.BrowserContext
	page           playwright.Page
	screenshotType string

	closeOnce sync.Once
	closed    bool
	mu        sync.Mutex
}

func (d *playwrightDriver) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *playwrightDriver) Navigate(ctx context.Context, url string) error {
	if d.isClosed() {
		return ErrClosed
	}
	opts := playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
	}
	if ms, ok := remainingMillis(ctx); ok {
		opts.Timeout = playwright.Float(ms)
	}
	if _, err := d.page.Goto(url, opts); err != nil {
		return driverErr(err, "navigate", "navigation failed").WithContext("url", url)
	}
	return nil
}

func (d *playwrightDriver) Type(ctx context.Context, selector, text string) error {
	if d.isClosed() {
		return ErrClosed
	}
	opts := playwright.PageFillOptions{}
	if ms, ok := remainingMillis(ctx); ok {
		opts.Timeout = playwright.Float(ms)
	}
	if err := d.page.Fill(selector, text, opts); err != nil {
		return driverErr(err, "type", "fill failed").WithContext("selector", selector)
	}
	return nil
}

func (d *playwrightDriver) Click(ctx context.Context, selector string) error {
	if d.isClosed() {
		return ErrClosed
	}
	opts := playwright.PageClickOptions{}
	if ms, ok := remainingMillis(ctx); ok {
		opts.Timeout = playwright.Float(ms)
	}
	if err := d.page.Click(selector, opts); err != nil {
		return driverErr(err, "click", "click failed").WithContext("selector", selector)
	}
	return nil
}

func (d *playwrightDriver) WaitFor(ctx context.Context, selector string, timeout time.Duration) error {
	if d.isClosed() {
		return ErrClosed
	}
	if ms, ok := remainingMillis(ctx); ok && time.Duration(ms)*time.Millisecond < timeout {
		timeout = time.Duration(ms) * time.Millisecond
	}
	_, err := d.page.WaitForSelector(selector, playwright.PageWaitForSelectorOptions{
		State:   playwright.WaitForSelectorStateVisible,
		Timeout: playwright.Float(float64(timeout.Milliseconds())),
	})
	if err != nil {
		return driverErr(err, "wait_for", "wait failed").WithContext("selector", selector)
	}
	return nil
}

func (d *playwrightDriver) Content(ctx context.Context) (string, error) {
	if d.isClosed() {
		return "", ErrClosed
	}
	content, err := d.page.Content()
	if err != nil {
		return "", driverErr(err, "content", "failed to read page content")
	}
	return content, nil
}

func (d *playwrightDriver) URL() string {
	if d.isClosed() {
		return ""
	}
	return d.page.URL()
}

func (d *playwrightDriver) Screenshot(ctx context.Context) ([]byte, error) {
	if d.isClosed() {
		return nil, ErrClosed
	}
	opts := playwright.PageScreenshotOptions{}
	if d.screenshotType == "jpeg" {
		opts.Type = playwright.ScreenshotTypeJpeg
		opts.Quality = playwright.Int(60)
	} else {
		opts.Type = playwright.ScreenshotTypePng
	}
	data, err := d.page.Screenshot(opts)
	if err != nil {
		return nil, driverErr(err, "screenshot", "screenshot failed")
	}
	return data, nil
}

func (d *playwrightDriver) Upload(ctx context.Context, selector string, files []UploadFile) error {
	if d.isClosed() {
		return ErrClosed
	}
	inputs := make([]playwright.InputFile, 0, len(files))
	for _, f := range files {
		inputs = append(inputs, playwright.InputFile{
			Name:     f.Name,
			MimeType: f.MimeType,
			Buffer:   f.Data,
		})
	}
	opts := playwright.PageSetInputFilesOptions{}
	if ms, ok := remainingMillis(ctx); ok {
		opts.Timeout = playwright.Float(ms)
	}
	if err := d.page.SetInputFiles(selector, inputs, opts); err != nil {
		return driverErr(err, "upload", "file upload failed").WithContext("selector", selector)
	}
	return nil
}

// cookieBlob is the serialized auth-state format stored in the session store.
type cookieBlob struct {
	Cookies []playwright.Cookie `json:"cookies"`
}

func (d *playwrightDriver) Cookies(ctx context.Context) ([]byte, error) {
	if d.isClosed() {
		return nil, ErrClosed
	}
	cookies, err := d.browserCtx.Cookies()
	if err != nil {
		return nil, driverErr(err, "cookies", "failed to read cookies")
	}
	return json.Marshal(cookieBlob{Cookies: cookies})
}

func (d *playwrightDriver) RestoreCookies(ctx context.Context, blob []byte) error {
	if d.isClosed() {
		return ErrClosed
	}
	if len(blob) == 0 {
		return nil
	}
	var stored cookieBlob
	if err := json.Unmarshal(blob, &stored); err != nil {
		return driverErr(err, "cookies", "malformed cookie blob")
	}
	if len(stored.Cookies) == 0 {
		return nil
	}
	if err := d.browserCtx.AddCookies(toOptionalCookies(stored.Cookies)); err != nil {
		return driverErr(err, "cookies", "failed to restore cookies")
	}
	return nil
}

func (d *playwrightDriver) Close() error {
	var err error
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		d.mu.Unlock()
		// Best-effort teardown; the device may already have dropped the
		// transport.
		_ = d.page.Close()
		err = d.browser.Close()
	})
	return err
}

func toOptionalCookies(cookies []playwright.Cookie) []playwright.OptionalCookie {
	out := make([]playwright.OptionalCookie, 0, len(cookies))
	for _, c := range cookies {
		c := c
		out = append(out, playwright.OptionalCookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   playwright.String(c.Domain),
			Path:     playwright.String(c.Path),
			Expires:  playwright.Float(c.Expires),
			HttpOnly: playwright.Bool(c.HttpOnly),
			Secure:   playwright.Bool(c.Secure),
			SameSite: c.SameSite,
		})
	}
	return out
}

// remainingMillis converts a context deadline to Playwright's millisecond
// timeout convention.
func remainingMillis(ctx context.Context) (float64, bool) {
	deadline, ok := ctx.Deadline()
	if !ok {
		return 0, false
	}
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return 1, true
	}
	return float64(remaining.Milliseconds()), true
}

func driverErr(err error, reason, message string) *errors.Error {
	return errors.Wrap(err, errors.ErrCodeDriver, message).WithContext("reason", reason)
}
