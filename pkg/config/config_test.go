package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPathPrefersEnv(t *testing.T) {
	t.Setenv("SNS_CONFIG", "/etc/sns/custom.yaml")
	assert.Equal(t, "/etc/sns/custom.yaml", DefaultPath())

	t.Setenv("SNS_CONFIG", "")
	assert.True(t, filepath.IsAbs(DefaultPath()) || DefaultPath() == "config.yaml")
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, DefaultBind, cfg.Server.Bind)
	assert.Equal(t, DefaultFrameInterval, cfg.Preview.FrameInterval)
	assert.Equal(t, DefaultDeviceAPIKeyHeader, cfg.Device.APIKeyHeader)
	assert.Equal(t, "jpeg", cfg.Operation.ScreenshotType)
}

func TestLoadPartialFileFillsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  bind: "0.0.0.0:9000"
device:
  base_url: "https://openapi.example.net"
  boot_timeout: 2m
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9000", cfg.Server.Bind)
	assert.Equal(t, "https://openapi.example.net", cfg.Device.BaseURL)
	assert.Equal(t, 2*time.Minute, cfg.Device.BootTimeout)
	// Unset fields fall back to defaults
	assert.Equal(t, DefaultDevicePollTick, cfg.Device.PollInterval)
	assert.Equal(t, DefaultStepTimeout, cfg.Operation.StepTimeout)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SNS_DEVICE_API_KEY", "secret-key")
	t.Setenv("SNS_BIND", "127.0.0.1:7777")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "secret-key", cfg.Device.APIKey)
	assert.Equal(t, "127.0.0.1:7777", cfg.Server.Bind)
}

func TestValidateRejectsBadScreenshotType(t *testing.T) {
	cfg := Default()
	cfg.Operation.ScreenshotType = "gif"
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsNonHTTPDeviceURL(t *testing.T) {
	cfg := Default()
	cfg.Device.BaseURL = "ftp://example.net"
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsTooFastFrameInterval(t *testing.T) {
	cfg := Default()
	cfg.Preview.FrameInterval = 10 * time.Millisecond
	assert.Error(t, cfg.Validate())
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [not a map"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}
