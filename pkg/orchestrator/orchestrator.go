// Package orchestrator coordinates automation runs per account. It owns the
// active-operation map that enforces at most one running operation per
// account, and it is the only writer of session state.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/akiranaka1984/sns-orchestrator/pkg/device"
	"github.com/akiranaka1984/sns-orchestrator/pkg/driver"
	"github.com/akiranaka1984/sns-orchestrator/pkg/errors"
	"github.com/akiranaka1984/sns-orchestrator/pkg/logging"
	"github.com/akiranaka1984/sns-orchestrator/pkg/operation"
	"github.com/akiranaka1984/sns-orchestrator/pkg/preview"
	"github.com/akiranaka1984/sns-orchestrator/pkg/signature"
	"github.com/akiranaka1984/sns-orchestrator/pkg/storage"
	"github.com/akiranaka1984/sns-orchestrator/pkg/telemetry"
)

// Options wires the orchestrator's collaborators.
type Options struct {
	Store         *storage.Store
	Devices       device.LifecycleAPI
	Drivers       driver.Factory
	Signatures    *signature.Registry
	Machine       *operation.Machine
	Broadcaster   *preview.Broadcaster
	Logger        *logging.Logger
	BootTimeout   time.Duration
	ScreenshotDir string
}

// Orchestrator serializes operations per account and persists their
// session-state outcomes.
type Orchestrator struct {
	store         *storage.Store
	devices       device.LifecycleAPI
	drivers       driver.Factory
	signatures    *signature.Registry
	machine       *operation.Machine
	broadcaster   *preview.Broadcaster
	logger        *logging.Logger
	bootTimeout   time.Duration
	screenshotDir string

	mu     sync.Mutex
	active map[string]*operation.Operation
}

// New creates an orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Store == nil || opts.Devices == nil || opts.Drivers == nil ||
		opts.Signatures == nil || opts.Machine == nil || opts.Broadcaster == nil {
		return nil, errors.New(errors.ErrCodeConfigInvalid, "orchestrator is missing a required collaborator")
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewDiscardLogger()
	}
	if opts.BootTimeout <= 0 {
		opts.BootTimeout = 90 * time.Second
	}
	if opts.ScreenshotDir != "" {
		if err := os.MkdirAll(opts.ScreenshotDir, 0o755); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeStorageWrite, "failed to create screenshot directory")
		}
	}
	return &Orchestrator{
		store:         opts.Store,
		devices:       opts.Devices,
		drivers:       opts.Drivers,
		signatures:    opts.Signatures,
		machine:       opts.Machine,
		broadcaster:   opts.Broadcaster,
		logger:        opts.Logger,
		bootTimeout:   opts.BootTimeout,
		screenshotDir: opts.ScreenshotDir,
		active:        make(map[string]*operation.Operation),
	}, nil
}

// LoginResult is the terminal outcome reported to the caller.
type LoginResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// PostResult is the terminal outcome of a post run.
type PostResult struct {
	Success       bool   `json:"success"`
	PostURL       string `json:"postUrl,omitempty"`
	ScreenshotURL string `json:"screenshotUrl,omitempty"`
	Message       string `json:"message"`
}

// HealthResult reports whether the stored session is still honored.
type HealthResult struct {
	Healthy bool   `json:"healthy"`
	Status  string `json:"status"`
}

// DeleteResult reports the outcome of a session teardown.
type DeleteResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Login drives a login flow for the account and persists the resulting
// session state. A second request while any operation runs for the account
// is rejected immediately.
func (o *Orchestrator) Login(ctx context.Context, accountID, username, password string) (*LoginResult, error) {
	op, err := o.begin(accountID, operation.TypeLogin)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	ctx, span := telemetry.StartOperationSpan(ctx, string(operation.TypeLogin), accountID, op.ID)
	defer func() {
		o.finish(accountID)
		span.End()
		recordOperation(operation.TypeLogin, op.Status(), time.Since(start))
	}()

	d, det, account, err := o.acquire(ctx, accountID)
	if err != nil {
		telemetry.RecordError(ctx, err)
		return nil, err
	}
	defer d.Close()

	// A still-valid cookie lets the login short-circuit at the first step.
	if session, serr := o.store.GetSession(accountID); serr == nil && session != nil && len(session.CookiesBlob) > 0 {
		if rerr := d.RestoreCookies(ctx, session.CookiesBlob); rerr != nil {
			o.logger.Warn(logging.CategorySession, "cookie_restore_failed", rerr.Error(), map[string]any{
				"account_id": accountID,
			})
		}
	}
	if username == "" {
		username = account.Username
	}

	res, err := o.machine.RunLogin(ctx, op, d, det, operation.Credentials{Username: username, Password: password})
	if err != nil {
		telemetry.RecordError(ctx, err)
		o.persistSession(accountID, account.Platform, storage.SessionStatusNeedsLogin, nil, errorMessage(err))
		return nil, err
	}
	if !res.Success {
		o.persistSession(accountID, account.Platform, storage.SessionStatusNeedsLogin, nil, res.Message)
		return &LoginResult{Success: false, Message: res.Message}, nil
	}

	o.persistSession(accountID, account.Platform, storage.SessionStatusActive, res.CookiesBlob, "")
	return &LoginResult{Success: true, Message: res.Message}, nil
}

// Post publishes content through the account's browser. The session must be
// active; there is no implicit re-login.
func (o *Orchestrator) Post(ctx context.Context, accountID, content string, mediaURLs []string) (*PostResult, error) {
	session, err := o.store.GetSession(accountID)
	if err != nil {
		return nil, err
	}
	if session == nil || session.Status != storage.SessionStatusActive {
		return nil, errors.New(errors.ErrCodeSessionExpired, "session is not active").
			WithContext("account_id", accountID).
			WithUserMessage("Session is not active. Please log in first.")
	}

	op, err := o.begin(accountID, operation.TypePost)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	ctx, span := telemetry.StartOperationSpan(ctx, string(operation.TypePost), accountID, op.ID)
	defer func() {
		o.finish(accountID)
		span.End()
		recordOperation(operation.TypePost, op.Status(), time.Since(start))
	}()

	d, det, account, err := o.acquire(ctx, accountID)
	if err != nil {
		telemetry.RecordError(ctx, err)
		return nil, err
	}
	defer d.Close()

	if err := d.RestoreCookies(ctx, session.CookiesBlob); err != nil {
		telemetry.RecordError(ctx, err)
		return nil, err
	}

	res, err := o.machine.RunPost(ctx, op, d, det, operation.PostParams{Content: content, MediaURLs: mediaURLs})
	if err != nil {
		telemetry.RecordError(ctx, err)
		if errors.IsCode(err, errors.ErrCodeSessionExpired) {
			// The platform invalidated the session out from under us. The
			// cookies stay for inspection, only the status flips.
			o.persistSession(accountID, account.Platform, storage.SessionStatusExpired, session.CookiesBlob, errorMessage(err))
		}
		return nil, err
	}

	screenshotURL := ""
	if len(res.Screenshot) > 0 {
		screenshotURL, err = o.saveScreenshot(op.ID, res.Screenshot)
		if err != nil {
			o.logger.Warn(logging.CategoryStorage, "screenshot_save_failed", err.Error(), map[string]any{
				"operation_id": op.ID,
			})
		}
	}
	return &PostResult{
		Success:       true,
		PostURL:       res.PostURL,
		ScreenshotURL: screenshotURL,
		Message:       res.Message,
	}, nil
}

// CheckHealth probes the platform for session validity without mutating
// platform state. Cookies are never cleared by a health check.
func (o *Orchestrator) CheckHealth(ctx context.Context, accountID string) (*HealthResult, error) {
	session, err := o.store.GetSession(accountID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, errors.New(errors.ErrCodeSessionMissing, "no session recorded for account").
			WithContext("account_id", accountID)
	}

	op, err := o.begin(accountID, operation.TypeHealthCheck)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	ctx, span := telemetry.StartOperationSpan(ctx, string(operation.TypeHealthCheck), accountID, op.ID)
	defer func() {
		o.finish(accountID)
		span.End()
		recordOperation(operation.TypeHealthCheck, op.Status(), time.Since(start))
	}()

	d, det, account, err := o.acquire(ctx, accountID)
	if err != nil {
		telemetry.RecordError(ctx, err)
		return nil, err
	}
	defer d.Close()

	if err := d.RestoreCookies(ctx, session.CookiesBlob); err != nil {
		telemetry.RecordError(ctx, err)
		return nil, err
	}

	res, err := o.machine.RunHealthCheck(ctx, op, d, det)
	if err != nil {
		telemetry.RecordError(ctx, err)
		return nil, err
	}

	status := session.Status
	cookies := session.CookiesBlob
	switch res.Verdict {
	case signature.VerdictLoggedIn:
		// An active session must carry cookies. A record with no stored
		// blob (e.g. needs_login) gets a fresh capture from the live page;
		// if even that is empty, the stored status stands.
		if len(cookies) == 0 {
			fresh, cookieErr := d.Cookies(ctx)
			if cookieErr != nil || len(fresh) == 0 {
				return &HealthResult{Healthy: res.Healthy, Status: status}, nil
			}
			cookies = fresh
		}
		status = storage.SessionStatusActive
	case signature.VerdictLoginPage:
		status = storage.SessionStatusExpired
	}
	// Challenge and unknown verdicts leave the stored status untouched.
	if status != session.Status || res.Healthy {
		o.persistSession(accountID, account.Platform, status, cookies, "")
	}
	return &HealthResult{Healthy: res.Healthy, Status: status}, nil
}

// TestPreview opens a read-only browser preview for the account and returns
// once it is running. The preview holds until StopPreview is called or the
// hold timeout elapses; progress is observed via the broadcaster only.
func (o *Orchestrator) TestPreview(ctx context.Context, accountID string, hold time.Duration) error {
	op, err := o.begin(accountID, operation.TypeTest)
	if err != nil {
		return err
	}
	if hold <= 0 {
		hold = 10 * time.Minute
	}

	// The cancel is bound before device boot so an explicit stop issued
	// while the device is still starting takes effect immediately.
	runCtx, cancel := context.WithTimeout(context.Background(), hold)
	op.BindCancel(cancel)

	d, det, account, err := o.acquire(runCtx, accountID)
	if err != nil {
		cancel()
		o.finish(accountID)
		return err
	}

	// The browser page is not attached yet; a raw device screenshot gives
	// subscribers something to look at while the driver connects.
	if shot, shotErr := o.devices.Screenshot(runCtx, account.DeviceID); shotErr == nil && len(shot) > 0 {
		o.broadcaster.Frame(accountID, op.ID, operation.StepConnecting, shot)
	}

	go func() {
		start := time.Now()
		defer func() {
			d.Close()
			cancel()
			o.finish(accountID)
			recordOperation(operation.TypeTest, op.Status(), time.Since(start))
		}()
		o.machine.RunTest(runCtx, op, d, det)
	}()
	return nil
}

// StopPreview cancels a running test preview. Stopping when nothing runs is
// not an error.
func (o *Orchestrator) StopPreview(accountID string) bool {
	o.mu.Lock()
	op, ok := o.active[accountID]
	o.mu.Unlock()
	if !ok || op.Type != operation.TypeTest {
		return false
	}
	op.Cancel()
	return true
}

// DeleteSession clears the stored session and stops the device. Device stop
// failures are logged, not surfaced.
func (o *Orchestrator) DeleteSession(ctx context.Context, accountID string) (*DeleteResult, error) {
	o.mu.Lock()
	if _, busy := o.active[accountID]; busy {
		o.mu.Unlock()
		return nil, alreadyRunning(accountID)
	}
	o.mu.Unlock()

	if err := o.store.ClearSession(accountID); err != nil {
		return nil, err
	}

	account, err := o.store.GetAccount(accountID)
	if err == nil && account != nil {
		if _, err := o.devices.Stop(ctx, account.DeviceID); err != nil {
			o.logger.Warn(logging.CategoryDevice, "device_stop_failed", err.Error(), map[string]any{
				"account_id": accountID,
				"device_id":  account.DeviceID,
			})
		}
	}
	return &DeleteResult{Success: true, Message: "session cleared"}, nil
}

// ActiveOperation reports the running operation for an account, if any.
func (o *Orchestrator) ActiveOperation(accountID string) (*operation.Operation, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	op, ok := o.active[accountID]
	return op, ok
}

// Broadcaster exposes the preview fan-out for transport layers.
func (o *Orchestrator) Broadcaster() *preview.Broadcaster {
	return o.broadcaster
}

// Store exposes persistence for read-side handlers.
func (o *Orchestrator) Store() *storage.Store {
	return o.store
}

func (o *Orchestrator) begin(accountID string, t operation.Type) (*operation.Operation, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.active[accountID]; busy {
		recordRejected(t)
		return nil, alreadyRunning(accountID)
	}
	op := operation.New(accountID, t)
	o.active[accountID] = op
	return op, nil
}

func (o *Orchestrator) finish(accountID string) {
	o.mu.Lock()
	delete(o.active, accountID)
	o.mu.Unlock()
	o.broadcaster.OperationFinished(accountID)
}

// acquire resolves the account, boots its device, and connects a driver.
func (o *Orchestrator) acquire(ctx context.Context, accountID string) (driver.Driver, signature.Detector, *storage.Account, error) {
	account, err := o.store.GetAccount(accountID)
	if err != nil {
		return nil, nil, nil, err
	}
	if account == nil {
		return nil, nil, nil, errors.New(errors.ErrCodeInvalidInput, "unknown account").
			WithContext("account_id", accountID)
	}
	det, ok := o.signatures.ForPlatform(account.Platform)
	if !ok {
		return nil, nil, nil, errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("unsupported platform %q", account.Platform)).
			WithContext("account_id", accountID)
	}

	status, err := o.devices.EnsureRunning(ctx, account.DeviceID, o.bootTimeout)
	if err != nil {
		return nil, nil, nil, err
	}

	d, err := o.drivers.Acquire(ctx, status.ControlURL)
	if err != nil {
		return nil, nil, nil, err
	}
	return d, det, account, nil
}

func (o *Orchestrator) persistSession(accountID, platform, status string, cookies []byte, lastError string) {
	now := time.Now().UTC()
	session := &storage.Session{
		AccountID:   accountID,
		Platform:    platform,
		Status:      status,
		CookiesBlob: cookies,
		LastError:   lastError,
	}
	if status == storage.SessionStatusActive {
		session.LastVerifiedAt = &now
	}
	if err := o.store.UpsertSession(session); err != nil {
		o.logger.Error(logging.CategorySession, "session_persist_failed", err.Error(), map[string]any{
			"account_id": accountID,
			"status":     status,
		})
	}
}

func (o *Orchestrator) saveScreenshot(operationID string, data []byte) (string, error) {
	if o.screenshotDir == "" {
		return "", nil
	}
	name := fmt.Sprintf("%s.jpg", operationID)
	if err := os.WriteFile(filepath.Join(o.screenshotDir, name), data, 0o644); err != nil {
		return "", errors.Wrap(err, errors.ErrCodeStorageWrite, "failed to write screenshot")
	}
	return "/screenshots/" + name, nil
}

func alreadyRunning(accountID string) *errors.Error {
	return errors.New(errors.ErrCodeAlreadyRunning, "an operation is already running for this account").
		WithContext("account_id", accountID).
		WithRetryable(true).
		WithUserMessage("Another operation is in progress for this account. Try again shortly.")
}

func errorMessage(err error) string {
	if err == nil {
		return ""
	}
	if e, ok := err.(*errors.Error); ok {
		if e.UserMessage != "" {
			return e.UserMessage
		}
		return e.Message
	}
	return err.Error()
}
