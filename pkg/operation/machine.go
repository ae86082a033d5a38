package operation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/akiranaka1984/sns-orchestrator/pkg/driver"
	"github.com/akiranaka1984/sns-orchestrator/pkg/errors"
	"github.com/akiranaka1984/sns-orchestrator/pkg/logging"
	"github.com/akiranaka1984/sns-orchestrator/pkg/signature"
)

// pollInterval drives signature re-checks during redirect and confirmation
// waits.
const pollInterval = 500 * time.Millisecond

// Config bounds step execution and frame capture.
type Config struct {
	// StepTimeout bounds page-load heavy steps.
	StepTimeout time.Duration
	// TypingTimeout bounds fill/click steps, which should be near-instant.
	TypingTimeout time.Duration
	// FrameInterval is the preview frame capture cadence.
	FrameInterval time.Duration
	// CeilingMargin pads the per-run wall clock ceiling beyond the sum of
	// step timeouts.
	CeilingMargin time.Duration
}

// Machine executes operation flows against a driver, streaming progress to a
// sink.
type Machine struct {
	cfg        Config
	sink       Sink
	logger     *logging.Logger
	fetchMedia MediaFetcher
}

// NewMachine creates a machine. A nil fetcher gets the HTTP default.
func NewMachine(cfg Config, sink Sink, logger *logging.Logger, fetcher MediaFetcher) *Machine {
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = 30 * time.Second
	}
	if cfg.TypingTimeout <= 0 {
		cfg.TypingTimeout = 10 * time.Second
	}
	if cfg.FrameInterval <= 0 {
		cfg.FrameInterval = 400 * time.Millisecond
	}
	if cfg.CeilingMargin <= 0 {
		cfg.CeilingMargin = 30 * time.Second
	}
	if fetcher == nil {
		fetcher = NewHTTPMediaFetcher(nil)
	}
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}
	return &Machine{cfg: cfg, sink: sink, logger: logger, fetchMedia: fetcher}
}

// Ceiling is the wall clock bound for a run with the given number of steps.
func (m *Machine) Ceiling(steps int) time.Duration {
	return time.Duration(steps)*m.cfg.StepTimeout + m.cfg.CeilingMargin
}

// Credentials are the platform login inputs.
type Credentials struct {
	Username string
	Password string
}

// LoginResult is the terminal outcome of a login run.
type LoginResult struct {
	Success     bool
	Message     string
	CookiesBlob []byte
}

// PostParams are the inputs of a post run.
type PostParams struct {
	Content   string
	MediaURLs []string
}

// PostResult is the terminal outcome of a post run.
type PostResult struct {
	Success    bool
	Message    string
	PostURL    string
	Screenshot []byte
}

// HealthResult is the terminal outcome of a health check run.
type HealthResult struct {
	Healthy bool
	Verdict signature.Verdict
}

// RunLogin drives the login flow. A mechanical failure (driver, timeout)
// returns an error; a platform rejection returns a result with Success false.
func (m *Machine) RunLogin(ctx context.Context, op *Operation, d driver.Driver, det signature.Detector, creds Credentials) (*LoginResult, error) {
	ctx, cancel := context.WithTimeout(ctx, m.Ceiling(len(Sequence(TypeLogin, false))))
	defer cancel()
	op.BindCancel(cancel)
	stop := m.startFramePump(ctx, op, d)
	defer stop()

	profile := det.Profile()
	sel := profile.Selectors

	var alreadyLoggedIn bool
	err := m.runStep(ctx, op, StepNavigatingToLogin, m.cfg.StepTimeout, func(stepCtx context.Context) error {
		if err := d.Navigate(stepCtx, profile.LoginURL); err != nil {
			return err
		}
		html, err := d.Content(stepCtx)
		if err != nil {
			return err
		}
		// A stale cookie may already be valid; the platform then redirects
		// straight to the app shell.
		alreadyLoggedIn = det.Classify(html, d.URL()) == signature.VerdictLoggedIn
		return nil
	})
	if err != nil {
		return m.loginFailed(op, err)
	}
	if alreadyLoggedIn {
		return m.loginSucceeded(ctx, op, d, "already logged in")
	}

	err = m.runStep(ctx, op, StepEnteringUsername, m.cfg.TypingTimeout, func(stepCtx context.Context) error {
		if err := d.WaitFor(stepCtx, sel.Username, m.cfg.TypingTimeout); err != nil {
			return err
		}
		return d.Type(stepCtx, sel.Username, creds.Username)
	})
	if err != nil {
		return m.loginFailed(op, err)
	}

	err = m.runStep(ctx, op, StepEnteringPassword, m.cfg.TypingTimeout, func(stepCtx context.Context) error {
		if err := d.Type(stepCtx, sel.Password, creds.Password); err != nil {
			return err
		}
		return d.Click(stepCtx, sel.LoginSubmit)
	})
	if err != nil {
		return m.loginFailed(op, err)
	}

	var verdict signature.Verdict
	err = m.runStep(ctx, op, StepWaitingForRedirect, m.cfg.StepTimeout, func(stepCtx context.Context) error {
		v, err := m.pollUntil(stepCtx, d, det, func(v signature.Verdict) bool {
			return v == signature.VerdictLoggedIn || v == signature.VerdictChallenge
		})
		verdict = v
		return err
	})
	if err != nil {
		// Timing out while the login form is still visible means the
		// platform rejected the credentials rather than the step stalling.
		if errors.IsCode(err, errors.ErrCodeStepTimeout) && verdict == signature.VerdictLoginPage {
			op.setStatus(StatusFailed)
			return &LoginResult{Success: false, Message: "login rejected: login page still shown"}, nil
		}
		return m.loginFailed(op, err)
	}
	if verdict == signature.VerdictChallenge {
		op.setStatus(StatusFailed)
		return &LoginResult{Success: false, Message: "login blocked by a challenge page"}, nil
	}

	return m.loginSucceeded(ctx, op, d, "login succeeded")
}

func (m *Machine) loginSucceeded(ctx context.Context, op *Operation, d driver.Driver, message string) (*LoginResult, error) {
	blob, err := d.Cookies(ctx)
	if err != nil {
		return m.loginFailed(op, err)
	}
	op.setStatus(StatusSucceeded)
	return &LoginResult{Success: true, Message: message, CookiesBlob: blob}, nil
}

func (m *Machine) loginFailed(op *Operation, err error) (*LoginResult, error) {
	op.setStatus(StatusFailed)
	return nil, err
}

// RunPost drives the post flow against an active session.
func (m *Machine) RunPost(ctx context.Context, op *Operation, d driver.Driver, det signature.Detector, params PostParams) (*PostResult, error) {
	withMedia := len(params.MediaURLs) > 0
	ctx, cancel := context.WithTimeout(ctx, m.Ceiling(len(Sequence(TypePost, withMedia))))
	defer cancel()
	op.BindCancel(cancel)
	stop := m.startFramePump(ctx, op, d)
	defer stop()

	profile := det.Profile()
	sel := profile.Selectors

	err := m.runStep(ctx, op, StepNavigatingToHome, m.cfg.StepTimeout, func(stepCtx context.Context) error {
		if err := d.Navigate(stepCtx, profile.HomeURL); err != nil {
			return err
		}
		html, err := d.Content(stepCtx)
		if err != nil {
			return err
		}
		if det.Classify(html, d.URL()) == signature.VerdictLoginPage {
			return errors.New(errors.ErrCodeSessionExpired, "platform no longer recognizes the stored session").
				WithUserMessage("Session expired. Please log in again.")
		}
		return nil
	})
	if err != nil {
		return m.postFailed(op, err)
	}

	err = m.runStep(ctx, op, StepOpeningCompose, m.cfg.StepTimeout, func(stepCtx context.Context) error {
		if err := d.Click(stepCtx, sel.ComposeButton); err != nil {
			return err
		}
		return d.WaitFor(stepCtx, sel.ComposeBox, m.cfg.StepTimeout)
	})
	if err != nil {
		return m.postFailed(op, err)
	}

	err = m.runStep(ctx, op, StepEnteringContent, m.cfg.TypingTimeout, func(stepCtx context.Context) error {
		return d.Type(stepCtx, sel.ComposeBox, params.Content)
	})
	if err != nil {
		return m.postFailed(op, err)
	}

	if withMedia {
		err = m.runStep(ctx, op, StepUploadingMedia, m.cfg.StepTimeout, func(stepCtx context.Context) error {
			files := make([]driver.UploadFile, 0, len(params.MediaURLs))
			for _, u := range params.MediaURLs {
				f, err := m.fetchMedia(stepCtx, u)
				if err != nil {
					return err
				}
				files = append(files, f)
			}
			return d.Upload(stepCtx, sel.MediaInput, files)
		})
		if err != nil {
			return m.postFailed(op, err)
		}
	}

	var result *PostResult
	err = m.runStep(ctx, op, StepSubmittingPost, m.cfg.StepTimeout, func(stepCtx context.Context) error {
		if err := d.Click(stepCtx, sel.PostSubmit); err != nil {
			return err
		}
		confirmed, html, err := m.pollConfirmed(stepCtx, d, det)
		if err != nil {
			return err
		}
		if !confirmed {
			return errors.New(errors.ErrCodeDriver, "no post confirmation observed").
				WithContext("reason", "confirm_missing")
		}
		shot, err := d.Screenshot(stepCtx)
		if err != nil {
			return err
		}
		result = &PostResult{
			Success:    true,
			Message:    "post submitted",
			PostURL:    det.PostURL(html, d.URL()),
			Screenshot: shot,
		}
		return nil
	})
	if err != nil {
		return m.postFailed(op, err)
	}

	op.setStatus(StatusSucceeded)
	return result, nil
}

func (m *Machine) postFailed(op *Operation, err error) (*PostResult, error) {
	op.setStatus(StatusFailed)
	return nil, err
}

// RunHealthCheck probes whether the platform still honors the stored session.
// It mutates nothing on the platform.
func (m *Machine) RunHealthCheck(ctx context.Context, op *Operation, d driver.Driver, det signature.Detector) (*HealthResult, error) {
	ctx, cancel := context.WithTimeout(ctx, m.Ceiling(1))
	defer cancel()
	op.BindCancel(cancel)
	stop := m.startFramePump(ctx, op, d)
	defer stop()

	var verdict signature.Verdict
	err := m.runStep(ctx, op, StepCheckingLoginStatus, m.cfg.StepTimeout, func(stepCtx context.Context) error {
		if err := d.Navigate(stepCtx, det.Profile().HomeURL); err != nil {
			return err
		}
		html, err := d.Content(stepCtx)
		if err != nil {
			return err
		}
		verdict = det.Classify(html, d.URL())
		return nil
	})
	if err != nil {
		op.setStatus(StatusFailed)
		return nil, err
	}

	healthy := verdict == signature.VerdictLoggedIn
	if healthy {
		op.setStatus(StatusSucceeded)
	} else {
		op.setStatus(StatusFailed)
	}
	return &HealthResult{Healthy: healthy, Verdict: verdict}, nil
}

// RunTest opens a read-only preview and holds it until the context is
// cancelled. It always terminates as done; page errors are logged and the
// preview stays open so the operator can see the broken state.
func (m *Machine) RunTest(ctx context.Context, op *Operation, d driver.Driver, det signature.Detector) {
	stop := m.startFramePump(ctx, op, d)
	defer stop()

	m.transition(op, StepConnecting)

	m.transition(op, StepLoadingPage)
	loadCtx, loadCancel := context.WithTimeout(ctx, m.cfg.StepTimeout)
	if err := d.Navigate(loadCtx, det.Profile().HomeURL); err != nil {
		m.logger.Warn(logging.CategoryOperation, "test_page_load_failed", err.Error(), map[string]any{
			"account_id":   op.AccountID,
			"operation_id": op.ID,
		})
	}
	loadCancel()

	m.transition(op, StepPreviewing)
	<-ctx.Done()

	op.setStatus(StatusDone)
	m.transition(op, StepDone)
}

// runStep emits the step event, then executes fn under the step's own
// timeout. A deadline hit inside the step surfaces as a step timeout naming
// the step.
func (m *Machine) runStep(ctx context.Context, op *Operation, step Step, timeout time.Duration, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, errors.ErrCodeStepTimeout, "operation ceiling exceeded").
			WithContext("step", string(step))
	}
	m.transition(op, step)

	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := fn(stepCtx)
	if err == nil {
		return nil
	}
	if deadlineHit(stepCtx, err) && ctx.Err() == nil {
		return errors.Wrap(err, errors.ErrCodeStepTimeout,
			fmt.Sprintf("step %s exceeded its %s timeout", step, timeout)).
			WithContext("step", string(step)).
			WithUserMessage(fmt.Sprintf("Timed out during %s.", strings.ReplaceAll(string(step), "_", " ")))
	}
	if e, ok := err.(*errors.Error); ok {
		return e.WithContext("step", string(step))
	}
	return errors.Wrap(err, errors.ErrCodeDriver, "step failed").WithContext("step", string(step))
}

func (m *Machine) transition(op *Operation, step Step) {
	op.setStep(step)
	ev := Event{
		OperationID:   op.ID,
		AccountID:     op.AccountID,
		OperationType: op.Type,
		Step:          step,
		Timestamp:     time.Now().UTC(),
	}
	if m.sink != nil {
		m.sink.StepEvent(ev)
	}
	m.logger.OperationEvent(logging.LevelInfo, op.AccountID, op.ID, string(step), "step_transition", "")
}

// pollUntil re-reads the page until the verdict satisfies done or the step
// context expires. The last observed verdict is returned either way.
func (m *Machine) pollUntil(ctx context.Context, d driver.Driver, det signature.Detector, done func(signature.Verdict) bool) (signature.Verdict, error) {
	last := signature.VerdictUnknown
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		html, err := d.Content(ctx)
		if err != nil {
			return last, err
		}
		last = det.Classify(html, d.URL())
		if done(last) {
			return last, nil
		}
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-ticker.C:
		}
	}
}

// pollConfirmed waits for the post confirmation signature, returning the HTML
// of the confirming page for permalink extraction.
func (m *Machine) pollConfirmed(ctx context.Context, d driver.Driver, det signature.Detector) (bool, string, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		html, err := d.Content(ctx)
		if err != nil {
			return false, "", err
		}
		if det.PostConfirmed(html, d.URL()) {
			return true, html, nil
		}
		select {
		case <-ctx.Done():
			return false, html, ctx.Err()
		case <-ticker.C:
		}
	}
}

// startFramePump captures frames at the configured cadence until the returned
// stop function is called or the run context ends. Capture failures are
// skipped; frames are best-effort.
func (m *Machine) startFramePump(ctx context.Context, op *Operation, d driver.Driver) func() {
	pumpCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		limiter := rate.NewLimiter(rate.Every(m.cfg.FrameInterval), 1)
		for {
			if err := limiter.Wait(pumpCtx); err != nil {
				return
			}
			shot, err := d.Screenshot(pumpCtx)
			if err != nil {
				if err == driver.ErrClosed {
					return
				}
				continue
			}
			if m.sink != nil {
				m.sink.Frame(op.AccountID, op.ID, op.Step(), shot)
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func deadlineHit(stepCtx context.Context, err error) bool {
	if stepCtx.Err() == context.DeadlineExceeded {
		return true
	}
	return errors.IsCode(err, errors.ErrCodeStepTimeout) || err == context.DeadlineExceeded
}
