package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/akiranaka1984/sns-orchestrator/pkg/errors"
)

// Default configuration values exported for documentation and validation
const (
	DefaultBind           = "127.0.0.1:8090"
	DefaultDatabasePath   = "sns-orchestrator.db"
	DefaultLogDir         = "logs"
	DefaultFrameInterval  = 400 * time.Millisecond
	DefaultStepTimeout    = 30 * time.Second
	DefaultTypingTimeout  = 10 * time.Second
	DefaultDeviceBootWait = 90 * time.Second
	DefaultDevicePollTick = 3 * time.Second
	DefaultSchedulerTick  = 30 * time.Second

	// DefaultDeviceAPIKeyHeader matches the device-cloud provider's expected
	// authentication header.
	DefaultDeviceAPIKeyHeader = "DuoPlus-API-Key"
)

// Config represents the complete orchestrator configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Device    DeviceConfig    `yaml:"device"`
	Storage   StorageConfig   `yaml:"storage"`
	Bus       BusConfig       `yaml:"bus"`
	Preview   PreviewConfig   `yaml:"preview"`
	Operation OperationConfig `yaml:"operation"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Logging   LoggingConfig   `yaml:"logging"`
	Platforms PlatformConfig  `yaml:"platforms"`
}

// ServerConfig configures the HTTP API server
type ServerConfig struct {
	Bind string `yaml:"bind"`
}

// DeviceConfig configures the device-cloud provider client
type DeviceConfig struct {
	BaseURL      string        `yaml:"base_url"`
	APIKey       string        `yaml:"api_key"`
	APIKeyHeader string        `yaml:"api_key_header"`
	BootTimeout  time.Duration `yaml:"boot_timeout"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// StorageConfig configures SQLite persistence
type StorageConfig struct {
	DatabasePath  string `yaml:"database_path"`
	ScreenshotDir string `yaml:"screenshot_dir"`
}

// BusConfig configures the message bus. An empty URL selects the in-memory bus.
type BusConfig struct {
	URL  string `yaml:"url"`
	Name string `yaml:"name"`
}

// PreviewConfig tunes frame capture and delivery
type PreviewConfig struct {
	FrameInterval     time.Duration `yaml:"frame_interval"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	SubscriberBuffer  int           `yaml:"subscriber_buffer"`
}

// OperationConfig bounds step and operation execution
type OperationConfig struct {
	StepTimeout    time.Duration `yaml:"step_timeout"`
	TypingTimeout  time.Duration `yaml:"typing_timeout"`
	CeilingMargin  time.Duration `yaml:"ceiling_margin"`
	ScreenshotType string        `yaml:"screenshot_type"`
}

// SchedulerConfig configures the scheduled-post worker
type SchedulerConfig struct {
	Enabled      bool          `yaml:"enabled"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Workers      int           `yaml:"workers"`
}

// LoggingConfig configures structured logging
type LoggingConfig struct {
	Dir      string `yaml:"dir"`
	MinLevel string `yaml:"min_level"`
}

// PlatformConfig allows per-platform selector overrides for signature
// detection. Keys are platform names (twitter, instagram, tiktok, facebook).
type PlatformConfig struct {
	SelectorOverrides map[string]map[string]string `yaml:"selector_overrides"`
}

// Default returns a Config populated with defaults
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Bind: DefaultBind,
		},
		Device: DeviceConfig{
			APIKeyHeader: DefaultDeviceAPIKeyHeader,
			BootTimeout:  DefaultDeviceBootWait,
			PollInterval: DefaultDevicePollTick,
		},
		Storage: StorageConfig{
			DatabasePath:  DefaultDatabasePath,
			ScreenshotDir: "screenshots",
		},
		Bus: BusConfig{
			Name: "sns-orchestrator",
		},
		Preview: PreviewConfig{
			FrameInterval:     DefaultFrameInterval,
			HeartbeatInterval: 15 * time.Second,
			SubscriberBuffer:  64,
		},
		Operation: OperationConfig{
			StepTimeout:    DefaultStepTimeout,
			TypingTimeout:  DefaultTypingTimeout,
			CeilingMargin:  30 * time.Second,
			ScreenshotType: "jpeg",
		},
		Scheduler: SchedulerConfig{
			Enabled:      true,
			PollInterval: DefaultSchedulerTick,
			Workers:      2,
		},
		Logging: LoggingConfig{
			Dir:      DefaultLogDir,
			MinLevel: "info",
		},
	}
}

// Load reads a YAML config file, applies defaults for unset fields, applies
// environment overrides, and validates the result. A missing file is not an
// error; defaults plus environment are used.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, errors.Wrap(err, errors.ErrCodeConfigLoad,
					fmt.Sprintf("failed to read config %s", path))
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeConfigParse,
				fmt.Sprintf("failed to parse config %s", path))
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "invalid configuration")
	}
	return cfg, nil
}

// applyEnv overrides secrets and endpoints from the environment.
func (c *Config) applyEnv() {
	if v := os.Getenv("SNS_DEVICE_API_KEY"); v != "" {
		c.Device.APIKey = v
	}
	if v := os.Getenv("SNS_DEVICE_BASE_URL"); v != "" {
		c.Device.BaseURL = v
	}
	if v := os.Getenv("SNS_BIND"); v != "" {
		c.Server.Bind = v
	}
	if v := os.Getenv("SNS_DATABASE_PATH"); v != "" {
		c.Storage.DatabasePath = v
	}
	if v := os.Getenv("SNS_NATS_URL"); v != "" {
		c.Bus.URL = v
	}
}

// applyDefaults fills zero values left by partial YAML files.
func (c *Config) applyDefaults() {
	def := Default()
	if c.Server.Bind == "" {
		c.Server.Bind = def.Server.Bind
	}
	if c.Device.APIKeyHeader == "" {
		c.Device.APIKeyHeader = def.Device.APIKeyHeader
	}
	if c.Device.BootTimeout <= 0 {
		c.Device.BootTimeout = def.Device.BootTimeout
	}
	if c.Device.PollInterval <= 0 {
		c.Device.PollInterval = def.Device.PollInterval
	}
	if c.Storage.DatabasePath == "" {
		c.Storage.DatabasePath = def.Storage.DatabasePath
	}
	if c.Storage.ScreenshotDir == "" {
		c.Storage.ScreenshotDir = def.Storage.ScreenshotDir
	}
	if c.Bus.Name == "" {
		c.Bus.Name = def.Bus.Name
	}
	if c.Preview.FrameInterval <= 0 {
		c.Preview.FrameInterval = def.Preview.FrameInterval
	}
	if c.Preview.HeartbeatInterval <= 0 {
		c.Preview.HeartbeatInterval = def.Preview.HeartbeatInterval
	}
	if c.Preview.SubscriberBuffer <= 0 {
		c.Preview.SubscriberBuffer = def.Preview.SubscriberBuffer
	}
	if c.Operation.StepTimeout <= 0 {
		c.Operation.StepTimeout = def.Operation.StepTimeout
	}
	if c.Operation.TypingTimeout <= 0 {
		c.Operation.TypingTimeout = def.Operation.TypingTimeout
	}
	if c.Operation.CeilingMargin <= 0 {
		c.Operation.CeilingMargin = def.Operation.CeilingMargin
	}
	if c.Operation.ScreenshotType == "" {
		c.Operation.ScreenshotType = def.Operation.ScreenshotType
	}
	if c.Scheduler.PollInterval <= 0 {
		c.Scheduler.PollInterval = def.Scheduler.PollInterval
	}
	if c.Scheduler.Workers <= 0 {
		c.Scheduler.Workers = def.Scheduler.Workers
	}
	if c.Logging.Dir == "" {
		c.Logging.Dir = def.Logging.Dir
	}
	if c.Logging.MinLevel == "" {
		c.Logging.MinLevel = def.Logging.MinLevel
	}
}

// Validate checks invariants that would otherwise surface as runtime failures.
func (c *Config) Validate() error {
	if c.Device.BaseURL != "" && !strings.HasPrefix(c.Device.BaseURL, "http://") && !strings.HasPrefix(c.Device.BaseURL, "https://") {
		return fmt.Errorf("device.base_url must be an http(s) URL, got %q", c.Device.BaseURL)
	}
	switch c.Operation.ScreenshotType {
	case "jpeg", "png":
	default:
		return fmt.Errorf("operation.screenshot_type must be jpeg or png, got %q", c.Operation.ScreenshotType)
	}
	switch c.Logging.MinLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.min_level must be one of debug/info/warn/error, got %q", c.Logging.MinLevel)
	}
	if c.Preview.FrameInterval < 100*time.Millisecond {
		return fmt.Errorf("preview.frame_interval must be at least 100ms to bound bandwidth, got %s", c.Preview.FrameInterval)
	}
	return nil
}

// DefaultPath returns the conventional config file location.
func DefaultPath() string {
	if v := os.Getenv("SNS_CONFIG"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".sns-orchestrator", "config.yaml")
}
