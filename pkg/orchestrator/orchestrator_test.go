package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akiranaka1984/sns-orchestrator/pkg/device"
	"github.com/akiranaka1984/sns-orchestrator/pkg/driver"
	"github.com/akiranaka1984/sns-orchestrator/pkg/errors"
	"github.com/akiranaka1984/sns-orchestrator/pkg/operation"
	"github.com/akiranaka1984/sns-orchestrator/pkg/preview"
	"github.com/akiranaka1984/sns-orchestrator/pkg/signature"
	"github.com/akiranaka1984/sns-orchestrator/pkg/storage"
)

const (
	loginPageHTML = `<html><body><input autocomplete="username"></body></html>`
	homePageHTML  = `<html><body><a data-testid="AppTabBar_Home_Link" href="/home"></a><a href="/user/status/42"></a></body></html>`
)

type fakeDevices struct {
	mu        sync.Mutex
	stopCalls []string
	ensureErr error
	bootHold  chan struct{}
}

func (f *fakeDevices) Start(ctx context.Context, deviceID string) (*device.LifecycleResult, error) {
	return &device.LifecycleResult{Success: true}, nil
}

func (f *fakeDevices) Stop(ctx context.Context, deviceID string) (*device.LifecycleResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls = append(f.stopCalls, deviceID)
	return &device.LifecycleResult{Success: true}, nil
}

func (f *fakeDevices) Restart(ctx context.Context, deviceID string) (*device.LifecycleResult, error) {
	return &device.LifecycleResult{Success: true}, nil
}

func (f *fakeDevices) GetStatus(ctx context.Context, deviceID string) (*device.Status, error) {
	return &device.Status{DeviceID: deviceID, State: device.StateRunning, ControlURL: "ws://dev"}, nil
}

func (f *fakeDevices) EnsureRunning(ctx context.Context, deviceID string, timeout time.Duration) (*device.Status, error) {
	f.mu.Lock()
	err := f.ensureErr
	hold := f.bootHold
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if hold != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-hold:
		}
	}
	return &device.Status{DeviceID: deviceID, State: device.StateRunning, ControlURL: "ws://dev"}, nil
}

func (f *fakeDevices) Screenshot(ctx context.Context, deviceID string) ([]byte, error) {
	return []byte("device-shot"), nil
}

type fakeDriver struct {
	mu         sync.Mutex
	html       string
	pageURL    string
	typed      map[string]string
	cookies    []byte
	closeCalls int
	onClick    func(selector string)
}

func newFakeDriver(html, pageURL string) *fakeDriver {
	return &fakeDriver{
		html:    html,
		pageURL: pageURL,
		typed:   map[string]string{},
		cookies: []byte(`{"cookies":[]}`),
	}
}

func (f *fakeDriver) setPage(html, pageURL string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.html = html
	f.pageURL = pageURL
}

func (f *fakeDriver) Navigate(ctx context.Context, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pageURL = url
	return nil
}

func (f *fakeDriver) Type(ctx context.Context, selector, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typed[selector] = text
	return nil
}

func (f *fakeDriver) Click(ctx context.Context, selector string) error {
	f.mu.Lock()
	hook := f.onClick
	f.mu.Unlock()
	if hook != nil {
		hook(selector)
	}
	return nil
}

func (f *fakeDriver) WaitFor(ctx context.Context, selector string, timeout time.Duration) error {
	return nil
}

func (f *fakeDriver) Content(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.html, nil
}

func (f *fakeDriver) URL() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pageURL
}

func (f *fakeDriver) Screenshot(ctx context.Context) ([]byte, error) {
	return []byte("frame"), nil
}

func (f *fakeDriver) Upload(ctx context.Context, selector string, files []driver.UploadFile) error {
	return nil
}

func (f *fakeDriver) Cookies(ctx context.Context) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cookies, nil
}

func (f *fakeDriver) RestoreCookies(ctx context.Context, blob []byte) error { return nil }

func (f *fakeDriver) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalls++
	return nil
}

func (f *fakeDriver) closedTimes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCalls
}

type fakeFactory struct {
	mu      sync.Mutex
	next    func() *fakeDriver
	drivers []*fakeDriver
}

func (f *fakeFactory) Acquire(ctx context.Context, endpoint string) (driver.Driver, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := f.next()
	f.drivers = append(f.drivers, d)
	return d, nil
}

func (f *fakeFactory) Close() error { return nil }

func (f *fakeFactory) lastDriver() *fakeDriver {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.drivers) == 0 {
		return nil
	}
	return f.drivers[len(f.drivers)-1]
}

type testHarness struct {
	orch    *Orchestrator
	store   *storage.Store
	devices *fakeDevices
	factory *fakeFactory
}

func newHarness(t *testing.T, nextDriver func() *fakeDriver) *testHarness {
	t.Helper()

	store, err := storage.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.UpsertAccount(&storage.Account{
		AccountID: "acc1",
		Platform:  "twitter",
		DeviceID:  "dev-1",
		Username:  "user",
	}))

	devices := &fakeDevices{}
	factory := &fakeFactory{next: nextDriver}
	broadcaster := preview.NewBroadcaster(preview.Config{HeartbeatInterval: time.Hour}, nil, nil)
	t.Cleanup(broadcaster.Close)

	machine := operation.NewMachine(operation.Config{
		StepTimeout:   2 * time.Second,
		TypingTimeout: 2 * time.Second,
		FrameInterval: 50 * time.Millisecond,
		CeilingMargin: time.Second,
	}, broadcaster, nil, func(ctx context.Context, mediaURL string) (driver.UploadFile, error) {
		return driver.UploadFile{Name: "img.png", MimeType: "image/png", Data: []byte("png")}, nil
	})

	orch, err := New(Options{
		Store:         store,
		Devices:       devices,
		Drivers:       factory,
		Signatures:    signature.NewRegistry(nil),
		Machine:       machine,
		Broadcaster:   broadcaster,
		BootTimeout:   time.Second,
		ScreenshotDir: t.TempDir(),
	})
	require.NoError(t, err)

	return &testHarness{orch: orch, store: store, devices: devices, factory: factory}
}

// loginDriver lands on the app shell once the login form is submitted.
func loginDriver() *fakeDriver {
	d := newFakeDriver(loginPageHTML, "https://x.com/i/flow/login")
	d.onClick = func(selector string) {
		if selector == `button[data-testid="LoginForm_Login_Button"]` {
			d.setPage(homePageHTML, "https://x.com/home")
		}
	}
	return d
}

func TestLoginHappyPathActivatesSession(t *testing.T) {
	h := newHarness(t, loginDriver)

	res, err := h.orch.Login(context.Background(), "acc1", "user", "pass")
	require.NoError(t, err)
	assert.True(t, res.Success)

	session, err := h.store.GetSession("acc1")
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, storage.SessionStatusActive, session.Status)
	assert.NotEmpty(t, session.CookiesBlob)
	assert.NotNil(t, session.LastVerifiedAt)

	// The driver is released exactly once.
	assert.Equal(t, 1, h.factory.lastDriver().closedTimes())
}

func TestMutualExclusionPerAccount(t *testing.T) {
	h := newHarness(t, func() *fakeDriver {
		return newFakeDriver(homePageHTML, "https://x.com/home")
	})

	require.NoError(t, h.orch.TestPreview(context.Background(), "acc1", time.Minute))

	_, err := h.orch.Login(context.Background(), "acc1", "user", "pass")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeAlreadyRunning))

	_, err = h.orch.DeleteSession(context.Background(), "acc1")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeAlreadyRunning))

	// Stopping the preview frees the account for new operations.
	assert.True(t, h.orch.StopPreview("acc1"))
	require.Eventually(t, func() bool {
		_, busy := h.orch.ActiveOperation("acc1")
		return !busy
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, h.factory.lastDriver().closedTimes())
}

func TestDeviceUnavailableFreesAccount(t *testing.T) {
	h := newHarness(t, loginDriver)
	h.devices.ensureErr = errors.New(errors.ErrCodeDeviceUnavailable, "device did not boot")

	_, err := h.orch.Login(context.Background(), "acc1", "user", "pass")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeDeviceUnavailable))

	_, busy := h.orch.ActiveOperation("acc1")
	assert.False(t, busy)
}

func TestPostRequiresActiveSession(t *testing.T) {
	h := newHarness(t, loginDriver)

	_, err := h.orch.Post(context.Background(), "acc1", "hello", nil)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeSessionExpired))

	// No operation was started and no driver acquired.
	_, busy := h.orch.ActiveOperation("acc1")
	assert.False(t, busy)
	assert.Nil(t, h.factory.lastDriver())
}

func TestPostWithMediaCapturesURLAndScreenshot(t *testing.T) {
	h := newHarness(t, func() *fakeDriver {
		return newFakeDriver(homePageHTML, "https://x.com/home")
	})
	seedActiveSession(t, h.store)

	res, err := h.orch.Post(context.Background(), "acc1", "hello", []string{"https://cdn.example.com/img.png"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "https://x.com/user/status/42", res.PostURL)
	assert.NotEmpty(t, res.ScreenshotURL)
	assert.Equal(t, 1, h.factory.lastDriver().closedTimes())
}

func TestExpiredHealthCheckKeepsCookies(t *testing.T) {
	h := newHarness(t, func() *fakeDriver {
		// Platform bounces to the login form: cookies no longer honored.
		return newFakeDriver(loginPageHTML, "https://x.com/login")
	})
	seedActiveSession(t, h.store)

	res, err := h.orch.CheckHealth(context.Background(), "acc1")
	require.NoError(t, err)
	assert.False(t, res.Healthy)
	assert.Equal(t, storage.SessionStatusExpired, res.Status)

	session, err := h.store.GetSession("acc1")
	require.NoError(t, err)
	assert.Equal(t, storage.SessionStatusExpired, session.Status)
	assert.NotEmpty(t, session.CookiesBlob, "health checks never clear cookies")
}

func TestHealthCheckCapturesCookiesBeforeActivating(t *testing.T) {
	h := newHarness(t, func() *fakeDriver {
		// The platform still honors the device's browser state even though
		// no cookies blob was ever stored for the account.
		return newFakeDriver(homePageHTML, "https://x.com/home")
	})
	require.NoError(t, h.store.UpsertSession(&storage.Session{
		AccountID: "acc1",
		Platform:  "twitter",
		Status:    storage.SessionStatusNeedsLogin,
	}))

	res, err := h.orch.CheckHealth(context.Background(), "acc1")
	require.NoError(t, err)
	assert.True(t, res.Healthy)
	assert.Equal(t, storage.SessionStatusActive, res.Status)

	session, err := h.store.GetSession("acc1")
	require.NoError(t, err)
	assert.Equal(t, storage.SessionStatusActive, session.Status)
	assert.NotEmpty(t, session.CookiesBlob, "active sessions always carry cookies")
}

func TestHealthCheckWithoutCookiesKeepsStatus(t *testing.T) {
	h := newHarness(t, func() *fakeDriver {
		d := newFakeDriver(homePageHTML, "https://x.com/home")
		d.cookies = nil
		return d
	})
	require.NoError(t, h.store.UpsertSession(&storage.Session{
		AccountID: "acc1",
		Platform:  "twitter",
		Status:    storage.SessionStatusNeedsLogin,
	}))

	res, err := h.orch.CheckHealth(context.Background(), "acc1")
	require.NoError(t, err)
	assert.Equal(t, storage.SessionStatusNeedsLogin, res.Status)

	session, err := h.store.GetSession("acc1")
	require.NoError(t, err)
	assert.Equal(t, storage.SessionStatusNeedsLogin, session.Status)
	assert.Empty(t, session.CookiesBlob)
}

func TestHealthCheckMissingSession(t *testing.T) {
	h := newHarness(t, loginDriver)

	_, err := h.orch.CheckHealth(context.Background(), "acc1")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeSessionMissing))
}

func TestDeleteSessionStopsDevice(t *testing.T) {
	h := newHarness(t, loginDriver)
	seedActiveSession(t, h.store)

	res, err := h.orch.DeleteSession(context.Background(), "acc1")
	require.NoError(t, err)
	assert.True(t, res.Success)

	session, err := h.store.GetSession("acc1")
	require.NoError(t, err)
	assert.Equal(t, storage.SessionStatusNeedsLogin, session.Status)
	assert.Empty(t, session.CookiesBlob)

	h.devices.mu.Lock()
	defer h.devices.mu.Unlock()
	assert.Equal(t, []string{"dev-1"}, h.devices.stopCalls)
}

func TestStopPreviewWithoutRunIsNoop(t *testing.T) {
	h := newHarness(t, loginDriver)
	assert.False(t, h.orch.StopPreview("acc1"))
}

func TestStopPreviewTakesEffectDuringDeviceBoot(t *testing.T) {
	h := newHarness(t, func() *fakeDriver {
		return newFakeDriver(homePageHTML, "https://x.com/home")
	})
	h.devices.bootHold = make(chan struct{})

	errCh := make(chan error, 1)
	go func() {
		errCh <- h.orch.TestPreview(context.Background(), "acc1", time.Minute)
	}()
	require.Eventually(t, func() bool {
		_, busy := h.orch.ActiveOperation("acc1")
		return busy
	}, 2*time.Second, 5*time.Millisecond)

	// The device is still booting; the stop must abort the boot wait
	// instead of being dropped.
	require.Eventually(t, func() bool {
		return h.orch.StopPreview("acc1")
	}, 2*time.Second, 5*time.Millisecond)

	require.Error(t, <-errCh)
	require.Eventually(t, func() bool {
		_, busy := h.orch.ActiveOperation("acc1")
		return !busy
	}, 2*time.Second, 5*time.Millisecond)
}

func seedActiveSession(t *testing.T, store *storage.Store) {
	t.Helper()
	require.NoError(t, store.UpsertSession(&storage.Session{
		AccountID:   "acc1",
		Platform:    "twitter",
		Status:      storage.SessionStatusActive,
		CookiesBlob: []byte(`{"cookies":[]}`),
	}))
}
