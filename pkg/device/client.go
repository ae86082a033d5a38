// Package device wraps the device-cloud provider API. Each dashboard account
// is bound to one virtual device running a controllable browser; this client
// drives that device's lifecycle and exposes its control endpoint.
package device

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/akiranaka1984/sns-orchestrator/pkg/errors"
	"github.com/akiranaka1984/sns-orchestrator/pkg/logging"
)

// State is the provider-reported device state.
type State string

const (
	StateRunning  State = "running"
	StateStarting State = "starting"
	StateStopped  State = "stopped"
	StateError    State = "error"
)

// Status is the provider's view of one device.
type Status struct {
	DeviceID string `json:"deviceId"`
	State    State  `json:"state"`
	// ControlURL is the reachable automation endpoint (CDP over websocket)
	// for a running device. Empty unless State is running.
	ControlURL string `json:"controlUrl,omitempty"`
}

// LifecycleResult is the provider's response to a lifecycle call.
type LifecycleResult struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// LifecycleAPI is the surface the orchestrator depends on. Implemented by
// Client; faked in tests.
type LifecycleAPI interface {
	Start(ctx context.Context, deviceID string) (*LifecycleResult, error)
	Stop(ctx context.Context, deviceID string) (*LifecycleResult, error)
	Restart(ctx context.Context, deviceID string) (*LifecycleResult, error)
	GetStatus(ctx context.Context, deviceID string) (*Status, error)
	EnsureRunning(ctx context.Context, deviceID string, timeout time.Duration) (*Status, error)
	Screenshot(ctx context.Context, deviceID string) ([]byte, error)
}

// Config configures the device-cloud client.
type Config struct {
	BaseURL      string
	APIKey       string
	APIKeyHeader string
	PollInterval time.Duration
	HTTPClient   *http.Client
}

const maxAttempts = 3

// Client talks to the device-cloud provider over its REST API.
type Client struct {
	baseURL      string
	apiKey       string
	apiKeyHeader string
	pollInterval time.Duration
	retryBackoff time.Duration
	httpClient   *http.Client
	logger       *logging.Logger
}

// NewClient creates a device-cloud client.
func NewClient(cfg Config, logger *logging.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New(errors.ErrCodeConfigInvalid, "device base URL is required")
	}
	if cfg.APIKey == "" {
		return nil, errors.New(errors.ErrCodeConfigInvalid, "device API key is required")
	}
	if cfg.APIKeyHeader == "" {
		cfg.APIKeyHeader = "DuoPlus-API-Key"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL:      cfg.BaseURL,
		apiKey:       cfg.APIKey,
		apiKeyHeader: cfg.APIKeyHeader,
		pollInterval: cfg.PollInterval,
		retryBackoff: 500 * time.Millisecond,
		httpClient:   httpClient,
		logger:       logger,
	}, nil
}

// Start asks the provider to boot a device.
func (c *Client) Start(ctx context.Context, deviceID string) (*LifecycleResult, error) {
	return c.lifecycle(ctx, deviceID, "start")
}

// Stop asks the provider to shut a device down.
func (c *Client) Stop(ctx context.Context, deviceID string) (*LifecycleResult, error) {
	return c.lifecycle(ctx, deviceID, "stop")
}

// Restart asks the provider to reboot a device.
func (c *Client) Restart(ctx context.Context, deviceID string) (*LifecycleResult, error) {
	return c.lifecycle(ctx, deviceID, "restart")
}

func (c *Client) lifecycle(ctx context.Context, deviceID, action string) (*LifecycleResult, error) {
	var result LifecycleResult
	err := c.doJSON(ctx, http.MethodPost,
		fmt.Sprintf("%s/devices/%s/%s", c.baseURL, deviceID, action), nil, &result)
	if err != nil {
		return nil, err
	}
	c.logger.Info(logging.CategoryDevice, "lifecycle_"+action, result.Message, map[string]any{
		"device_id": deviceID,
		"success":   result.Success,
	})
	return &result, nil
}

// GetStatus fetches the provider's current view of a device.
func (c *Client) GetStatus(ctx context.Context, deviceID string) (*Status, error) {
	var status Status
	err := c.doJSON(ctx, http.MethodGet,
		fmt.Sprintf("%s/devices/%s/status", c.baseURL, deviceID), nil, &status)
	if err != nil {
		return nil, err
	}
	if status.DeviceID == "" {
		status.DeviceID = deviceID
	}
	return &status, nil
}

// EnsureRunning brings a device to running state within the timeout, starting
// it if necessary and polling until the provider reports a control endpoint.
func (c *Client) EnsureRunning(ctx context.Context, deviceID string, timeout time.Duration) (*Status, error) {
	deadline := time.Now().Add(timeout)

	status, err := c.GetStatus(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if status.State == StateRunning && status.ControlURL != "" {
		return status, nil
	}

	if status.State == StateStopped || status.State == StateError {
		if _, err := c.Start(ctx, deviceID); err != nil {
			return nil, err
		}
	}

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, errors.Wrap(ctx.Err(), errors.ErrCodeDeviceUnavailable, "device boot cancelled").
				WithContext("device_id", deviceID)
		case <-ticker.C:
			status, err := c.GetStatus(ctx, deviceID)
			if err != nil {
				// Transient status failures during boot are expected; keep
				// polling until the deadline.
				if time.Now().After(deadline) {
					return nil, err
				}
				continue
			}
			if status.State == StateRunning && status.ControlURL != "" {
				return status, nil
			}
			if time.Now().After(deadline) {
				return nil, errors.New(errors.ErrCodeDeviceUnavailable,
					fmt.Sprintf("device %s did not reach running state within %s", deviceID, timeout)).
					WithContext("device_id", deviceID).
					WithContext("state", string(status.State)).
					WithRetryable(true).
					WithUserMessage("The device could not be brought online. Try again in a moment.")
			}
		}
	}
}

// Screenshot fetches a raw device screenshot, independent of any browser
// driver. Used for preview before a page is attached.
func (c *Client) Screenshot(ctx context.Context, deviceID string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/devices/%s/screenshot", c.baseURL, deviceID), nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeDeviceAPI, "build screenshot request")
	}
	req.Header.Set(c.apiKeyHeader, c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeDeviceAPI, "screenshot request failed").
			WithContext("device_id", deviceID).WithRetryable(true)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp, deviceID)
	}
	return io.ReadAll(resp.Body)
}

// doJSON issues one provider API call, retrying transient failures. Network
// errors, 5xx and 429 responses are retried up to maxAttempts with a fixed
// backoff; everything else fails on the first response.
func (c *Client) doJSON(ctx context.Context, method, url string, body any, out any) error {
	var payload []byte
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeDeviceAPI, "encode request body")
		}
		payload = data
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return errors.Wrap(ctx.Err(), errors.ErrCodeDeviceAPI, "device API request cancelled").
					WithContext("url", url)
			case <-time.After(c.retryBackoff):
			}
		}

		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeDeviceAPI, "build request")
		}
		req.Header.Set(c.apiKeyHeader, c.apiKey)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = errors.Wrap(err, errors.ErrCodeDeviceAPI, "device API request failed").
				WithContext("url", url).WithRetryable(true)
			continue
		}

		if resp.StatusCode != http.StatusOK {
			apiErr := apiError(resp, "")
			resp.Body.Close()
			if !errors.IsRetryable(apiErr) {
				return apiErr
			}
			lastErr = apiErr
			continue
		}

		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				resp.Body.Close()
				return errors.Wrap(err, errors.ErrCodeDeviceAPI, "decode device API response")
			}
		}
		resp.Body.Close()
		return nil
	}
	return lastErr
}

func apiError(resp *http.Response, deviceID string) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	err := errors.New(errors.ErrCodeDeviceAPI,
		fmt.Sprintf("device API returned %d", resp.StatusCode)).
		WithContext("body", string(body))
	if deviceID != "" {
		err = err.WithContext("device_id", deviceID)
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		err = err.WithRetryable(true)
	}
	return err
}
