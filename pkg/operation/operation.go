// Package operation implements the per-account automation flows as ordered
// step sequences. Each run drives one browser handle through its steps,
// emitting a step event on every transition and JPEG frames at a fixed
// cadence while running.
package operation

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Type identifies an automation flow.
type Type string

const (
	TypeLogin       Type = "login"
	TypePost        Type = "post"
	TypeHealthCheck Type = "health_check"
	TypeTest        Type = "test"
)

// Step names are rendered verbatim by dashboard clients. Do not rename.
type Step string

const (
	StepNavigatingToLogin   Step = "navigating_to_login"
	StepEnteringUsername    Step = "entering_username"
	StepEnteringPassword    Step = "entering_password"
	StepWaitingForRedirect  Step = "waiting_for_redirect"
	StepNavigatingToHome    Step = "navigating_to_home"
	StepOpeningCompose      Step = "opening_compose"
	StepEnteringContent     Step = "entering_content"
	StepUploadingMedia      Step = "uploading_media"
	StepSubmittingPost      Step = "submitting_post"
	StepCheckingLoginStatus Step = "checking_login_status"
	StepConnecting          Step = "connecting"
	StepLoadingPage         Step = "loading_page"
	StepPreviewing          Step = "previewing"
	StepDone                Step = "done"
)

// Status is an operation's lifecycle state. Test runs terminate as done
// regardless of what happened while previewing.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusDone      Status = "done"
)

// Sequence returns the ordered steps for an operation type. The media upload
// step only appears when the post carries media.
func Sequence(t Type, withMedia bool) []Step {
	switch t {
	case TypeLogin:
		return []Step{StepNavigatingToLogin, StepEnteringUsername, StepEnteringPassword, StepWaitingForRedirect}
	case TypePost:
		if withMedia {
			return []Step{StepNavigatingToHome, StepOpeningCompose, StepEnteringContent, StepUploadingMedia, StepSubmittingPost}
		}
		return []Step{StepNavigatingToHome, StepOpeningCompose, StepEnteringContent, StepSubmittingPost}
	case TypeHealthCheck:
		return []Step{StepCheckingLoginStatus}
	case TypeTest:
		return []Step{StepConnecting, StepLoadingPage, StepPreviewing}
	default:
		return nil
	}
}

// Event is emitted on every step transition.
type Event struct {
	OperationID   string    `json:"operationId"`
	AccountID     string    `json:"accountId"`
	OperationType Type      `json:"operationType"`
	Step          Step      `json:"step"`
	Timestamp     time.Time `json:"timestamp"`
}

// Sink receives step events and preview frames. Step event delivery must be
// ordered; frame delivery is best-effort.
type Sink interface {
	StepEvent(ev Event)
	Frame(accountID, operationID string, step Step, data []byte)
}

// Operation is one tracked run. Step and status are read concurrently by
// preview subscribers connecting mid-run.
type Operation struct {
	ID        string
	AccountID string
	Type      Type
	StartedAt time.Time

	mu        sync.Mutex
	step      Step
	status    Status
	cancel    context.CancelFunc
	cancelled bool
}

// New creates a running operation with a fresh ULID.
func New(accountID string, t Type) *Operation {
	return &Operation{
		ID:        ulid.Make().String(),
		AccountID: accountID,
		Type:      t,
		StartedAt: time.Now().UTC(),
		status:    StatusRunning,
	}
}

// Step returns the step currently executing.
func (o *Operation) Step() Step {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.step
}

// Status returns the operation's lifecycle state.
func (o *Operation) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// BindCancel attaches the run context's cancel function so the operation can
// be stopped externally. A cancellation requested before binding fires as
// soon as the function is attached.
func (o *Operation) BindCancel(cancel context.CancelFunc) {
	o.mu.Lock()
	o.cancel = cancel
	fire := o.cancelled
	o.mu.Unlock()
	if fire {
		cancel()
	}
}

// Cancel stops the run if a cancel function is bound.
func (o *Operation) Cancel() {
	o.mu.Lock()
	o.cancelled = true
	cancel := o.cancel
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (o *Operation) setStep(step Step) {
	o.mu.Lock()
	o.step = step
	o.mu.Unlock()
}

func (o *Operation) setStatus(status Status) {
	o.mu.Lock()
	o.status = status
	o.mu.Unlock()
}
