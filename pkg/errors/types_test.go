package errors

import (
	stderrors "errors"
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	err := New(ErrCodeDeviceUnavailable, "device did not come online")

	if err.Code != ErrCodeDeviceUnavailable {
		t.Errorf("Expected code %s, got %s", ErrCodeDeviceUnavailable, err.Code)
	}
	if err.Message != "device did not come online" {
		t.Errorf("Unexpected message: %s", err.Message)
	}
	if err.Retryable {
		t.Error("New errors should not be retryable by default")
	}
	if len(err.Stack) == 0 {
		t.Error("Expected stack frames to be captured")
	}
}

func TestWrap(t *testing.T) {
	underlying := stderrors.New("connection refused")
	err := Wrap(underlying, ErrCodeDriver, "navigation failed")

	if !stderrors.Is(err, underlying) {
		t.Error("Wrapped error should match errors.Is on underlying")
	}
	if !strings.Contains(err.Error(), "connection refused") {
		t.Errorf("Error string should include underlying: %s", err.Error())
	}
	if !strings.Contains(err.Error(), "DRIVER_ERROR") {
		t.Errorf("Error string should include code: %s", err.Error())
	}
}

func TestWrapNil(t *testing.T) {
	if err := Wrap(nil, ErrCodeInternal, "noop"); err != nil {
		t.Error("Wrapping nil should return nil")
	}
}

func TestWithContext(t *testing.T) {
	err := New(ErrCodeStepTimeout, "step exceeded bound").
		WithContext("step", "entering_password").
		WithContext("account_id", "acc1")

	if err.Context["step"] != "entering_password" {
		t.Error("Context value missing")
	}
	if !strings.Contains(err.Error(), "entering_password") {
		t.Errorf("Error string should include context: %s", err.Error())
	}
}

func TestUserFacing(t *testing.T) {
	err := New(ErrCodeSessionExpired, "session precondition failed")
	if err.UserFacing() != "session precondition failed" {
		t.Error("UserFacing should fall back to Message")
	}

	err = err.WithUserMessage("Please log in again before posting")
	if err.UserFacing() != "Please log in again before posting" {
		t.Error("UserFacing should prefer UserMessage")
	}
}

func TestIsCode(t *testing.T) {
	err := New(ErrCodeAlreadyRunning, "operation in flight")

	if !IsCode(err, ErrCodeAlreadyRunning) {
		t.Error("IsCode should match")
	}
	if IsCode(err, ErrCodeSessionMissing) {
		t.Error("IsCode should not match a different code")
	}
	if IsCode(stderrors.New("plain"), ErrCodeAlreadyRunning) {
		t.Error("IsCode should not match plain errors")
	}
	if IsCode(nil, ErrCodeAlreadyRunning) {
		t.Error("IsCode should not match nil")
	}
}

func TestGetCode(t *testing.T) {
	if got := GetCode(New(ErrCodeStorageWrite, "upsert failed")); got != ErrCodeStorageWrite {
		t.Errorf("Expected STORAGE_WRITE, got %s", got)
	}
	if got := GetCode(stderrors.New("plain")); got != ErrCodeInternal {
		t.Errorf("Plain errors should map to INTERNAL, got %s", got)
	}
	if got := GetCode(nil); got != "" {
		t.Errorf("Nil should map to empty code, got %s", got)
	}
}

func TestIsRetryable(t *testing.T) {
	err := New(ErrCodeDeviceUnavailable, "boot timeout").WithRetryable(true)
	if !IsRetryable(err) {
		t.Error("Expected retryable")
	}
	if IsRetryable(New(ErrCodeInvalidInput, "bad payload")) {
		t.Error("Expected not retryable")
	}
}
