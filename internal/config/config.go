package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chaz8081/blescout/internal/ble"
)

// Config holds all application configuration.
type Config struct {
	Adapter  string        `yaml:"adapter"` // BlueZ adapter name, Linux only
	Scan     ScanConfig    `yaml:"scan"`
	Connect  ConnectConfig `yaml:"connect"`
	LogLevel string        `yaml:"log_level"`
}

// ScanConfig holds scan session settings.
type ScanConfig struct {
	Timeout      time.Duration `yaml:"timeout"`
	Mode         string        `yaml:"mode"` // "low_power", "balanced" or "low_latency"
	ServiceUUIDs []string      `yaml:"service_uuids"`
	NamePrefix   string        `yaml:"name_prefix"`
}

// ConnectConfig holds connection session settings.
type ConnectConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "blescout")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Adapter: "hci0",
		Scan: ScanConfig{
			Timeout: ble.DefaultScanTimeout,
			Mode:    "low_latency",
		},
		Connect: ConnectConfig{
			Timeout: ble.DefaultConnectTimeout,
		},
		LogLevel: "info",
	}
}

// WriteDefault writes the default config to DefaultConfigPath if no file
// exists there yet. It returns the path written, or "" when a config was
// already present.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}

	content := append([]byte(defaultHeader), data...)
	if err := os.WriteFile(path, content, 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

const defaultHeader = `# blescout configuration
# scan.mode: low_power | balanced | low_latency
# scan.service_uuids: only report peripherals advertising one of these services
`

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. A leading ~ in path is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(expandTilde(path))
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Scan.NamePrefix = strings.TrimSpace(cfg.Scan.NamePrefix)

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.Adapter == "" {
		return fmt.Errorf("adapter must not be empty")
	}

	if c.Scan.Timeout <= 0 {
		return fmt.Errorf("scan.timeout must be > 0")
	}

	if _, err := ble.ParseScanMode(c.Scan.Mode); err != nil {
		return fmt.Errorf("scan.mode must be low_power, balanced, or low_latency, got %q", c.Scan.Mode)
	}

	for _, u := range c.Scan.ServiceUUIDs {
		if strings.TrimSpace(u) == "" {
			return fmt.Errorf("scan.service_uuids must not contain empty entries")
		}
	}

	if c.Connect.Timeout <= 0 {
		return fmt.Errorf("connect.timeout must be > 0")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// ScanOptions converts the scan section into controller options.
func (c *Config) ScanOptions() ble.ScanOptions {
	mode, err := ble.ParseScanMode(c.Scan.Mode)
	if err != nil {
		mode = ble.ScanModeLowLatency
	}
	opts := ble.DefaultScanOptions()
	opts.Timeout = c.Scan.Timeout
	opts.Mode = mode
	opts.Filter = ble.ScanFilter{
		ServiceUUIDs: c.Scan.ServiceUUIDs,
		NamePrefix:   c.Scan.NamePrefix,
	}
	return opts
}

// ConnOptions converts the connect section into controller options.
func (c *Config) ConnOptions() ble.ConnOptions {
	opts := ble.DefaultConnOptions()
	opts.ConnectTimeout = c.Connect.Timeout
	return opts
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
