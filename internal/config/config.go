package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Supported device types.
const (
	DeviceMock        = "mock"
	DeviceGPIOTrigger = "gpio_trigger"
)

// WorkflowConfig names the scan workflow and where its data lives.
type WorkflowConfig struct {
	Name     string `yaml:"name" env:"PAGEGO_WORKFLOW"`
	DataDir  string `yaml:"data_dir" env:"PAGEGO_DATA_DIR"`
	Database string `yaml:"database" env:"PAGEGO_DATABASE"` // SQLite file; defaults to <data_dir>/pagego.db
}

// DeviceConfig describes one imaging device. Devices are triggered together;
// each shot yields one page per device, in the order listed.
type DeviceConfig struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"` // "mock" or "gpio_trigger"

	// gpio_trigger
	FocusPin          int    `yaml:"focus_pin"`          // GPIO pin for FOCUS line
	ShutterPin        int    `yaml:"shutter_pin"`        // GPIO pin for SHUTTER line
	FocusDelayMs      int    `yaml:"focus_delay_ms"`     // autofocus delay (ms)
	ShutterDelayMs    int    `yaml:"shutter_delay_ms"`   // shutter hold time (ms)
	IncomingDir       string `yaml:"incoming_dir"`       // tether download directory
	DownloadTimeoutMs int    `yaml:"download_timeout_ms"` // wait for the downloaded file (ms)

	// mock
	WidthPx  int `yaml:"width_px"`
	HeightPx int `yaml:"height_px"`
	DelayMs  int `yaml:"delay_ms"` // simulated capture latency
}

// SessionConfig holds capture session timing. A zero timeout disables it.
type SessionConfig struct {
	PrepareTimeoutMs int `yaml:"prepare_timeout_ms" env:"PAGEGO_PREPARE_TIMEOUT_MS"`
	CaptureTimeoutMs int `yaml:"capture_timeout_ms" env:"PAGEGO_CAPTURE_TIMEOUT_MS"`
}

// WebConfig holds the operator UI settings.
type WebConfig struct {
	Port       int `yaml:"port" env:"PAGEGO_PORT"`
	ThumbWidth int `yaml:"thumb_width" env:"PAGEGO_THUMB_WIDTH"` // preview thumbnail width (px)
}

// DefaultsConfig contains generic parameters.
type DefaultsConfig struct {
	DebugLevel int  `yaml:"debug_level" env:"PAGEGO_DEBUG_LEVEL"` // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	MockGPIO   bool `yaml:"mock_gpio" env:"PAGEGO_MOCK_GPIO"`     // use mock GPIO (true=dev/test, false=real Raspberry Pi)
}

// Config aggregates all application configuration.
type Config struct {
	Workflow WorkflowConfig `yaml:"workflow"`
	Devices  []DeviceConfig `yaml:"devices"`
	Session  SessionConfig  `yaml:"session"`
	Web      WebConfig      `yaml:"web"`
	Defaults DefaultsConfig `yaml:"defaults"`
}

// ValidateConfigPath checks that path is a .yaml file inside a configs/
// directory and does not escape it.
func ValidateConfigPath(path string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("config path is empty")
	}
	if strings.Contains(filepath.ToSlash(path), "..") {
		return fmt.Errorf("config path %q must not contain '..'", path)
	}
	if filepath.Ext(path) != ".yaml" {
		return fmt.Errorf("config path %q must have a .yaml extension", path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	if filepath.Base(filepath.Dir(abs)) != "configs" {
		return fmt.Errorf("config path %q must be inside a configs/ directory", path)
	}
	return nil
}

// Load reads a YAML file, applies PAGEGO_* environment overrides and
// defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse is Load without the file read.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() error {
	if c.Workflow.Name == "" {
		c.Workflow.Name = "default"
	}
	if strings.ContainsAny(c.Workflow.Name, `/\`) || c.Workflow.Name == "." || c.Workflow.Name == ".." {
		return fmt.Errorf("workflow.name %q is not a valid directory name", c.Workflow.Name)
	}
	if c.Workflow.DataDir == "" {
		c.Workflow.DataDir = "data"
	}
	if c.Workflow.Database == "" {
		c.Workflow.Database = filepath.Join(c.Workflow.DataDir, "pagego.db")
	}

	if len(c.Devices) == 0 {
		return fmt.Errorf("at least one device is required")
	}
	seen := make(map[string]bool, len(c.Devices))
	for i := range c.Devices {
		d := &c.Devices[i]
		if d.Name == "" {
			d.Name = fmt.Sprintf("device%d", i)
		}
		if seen[d.Name] {
			return fmt.Errorf("devices[%d]: duplicate name %q", i, d.Name)
		}
		seen[d.Name] = true

		switch d.Type {
		case DeviceMock:
			if d.WidthPx <= 0 {
				d.WidthPx = 640
			}
			if d.HeightPx <= 0 {
				d.HeightPx = 960
			}
		case DeviceGPIOTrigger:
			if d.FocusPin <= 0 || d.ShutterPin <= 0 {
				return fmt.Errorf("devices[%d]: focus_pin and shutter_pin are required", i)
			}
			if d.FocusPin == d.ShutterPin {
				return fmt.Errorf("devices[%d]: focus_pin and shutter_pin must differ", i)
			}
			if d.FocusDelayMs <= 0 {
				d.FocusDelayMs = 500 // 500ms for autofocus
			}
			if d.ShutterDelayMs <= 0 {
				d.ShutterDelayMs = 200 // 200ms shutter hold
			}
			if d.DownloadTimeoutMs <= 0 {
				d.DownloadTimeoutMs = 10000
			}
			if d.IncomingDir == "" {
				d.IncomingDir = filepath.Join(c.Workflow.DataDir, "incoming", d.Name)
			}
		case "":
			return fmt.Errorf("devices[%d]: type is required", i)
		default:
			return fmt.Errorf("devices[%d]: unsupported device type: %s", i, d.Type)
		}
	}

	if c.Session.PrepareTimeoutMs < 0 || c.Session.CaptureTimeoutMs < 0 {
		return fmt.Errorf("session timeouts must be >= 0")
	}

	if c.Web.Port == 0 {
		c.Web.Port = 8080
	}
	if c.Web.Port < 0 || c.Web.Port > 65535 {
		return fmt.Errorf("web.port must be 1-65535, got %d", c.Web.Port)
	}
	if c.Web.ThumbWidth <= 0 {
		c.Web.ThumbWidth = 320
	}

	if c.Defaults.DebugLevel < 0 || c.Defaults.DebugLevel > 4 {
		return fmt.Errorf("debug_level must be between 0 and 4, got %d", c.Defaults.DebugLevel)
	}
	return nil
}

// PrepareTimeout returns how long device preparation may take (0 = unbounded).
func (c *Config) PrepareTimeout() time.Duration {
	return time.Duration(c.Session.PrepareTimeoutMs) * time.Millisecond
}

// CaptureTimeout returns how long a single shot may take (0 = unbounded).
func (c *Config) CaptureTimeout() time.Duration {
	return time.Duration(c.Session.CaptureTimeoutMs) * time.Millisecond
}

// WorkflowDir returns the directory holding the workflow's images.
func (c *Config) WorkflowDir() string {
	return filepath.Join(c.Workflow.DataDir, c.Workflow.Name)
}

// FocusDelay returns the autofocus delay duration.
func (d DeviceConfig) FocusDelay() time.Duration {
	return time.Duration(d.FocusDelayMs) * time.Millisecond
}

// ShutterDelay returns the shutter hold duration.
func (d DeviceConfig) ShutterDelay() time.Duration {
	return time.Duration(d.ShutterDelayMs) * time.Millisecond
}

// DownloadTimeout returns how long to wait for a tethered download.
func (d DeviceConfig) DownloadTimeout() time.Duration {
	return time.Duration(d.DownloadTimeoutMs) * time.Millisecond
}

// Delay returns the simulated capture latency of a mock device.
func (d DeviceConfig) Delay() time.Duration {
	return time.Duration(d.DelayMs) * time.Millisecond
}
