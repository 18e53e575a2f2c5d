package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config holds all daemon configuration
type Config struct {
	General   GeneralConfig   `toml:"general"`
	Worker    WorkerConfig    `toml:"worker"`
	Web       WebConfig       `toml:"web"`
	Retention RetentionConfig `toml:"retention"`
	Log       LogConfig       `toml:"log"`
	Notify    NotifyConfig    `toml:"notify"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	DatabasePath string `toml:"database_path"`
	// BasePath anchors default service log files
	BasePath string `toml:"base_path"`
}

// WorkerConfig describes how the PTY worker is launched. An empty Path runs
// this binary's own worker subcommand.
type WorkerConfig struct {
	Path         string   `toml:"path"`
	Args         []string `toml:"args"`
	Shell        string   `toml:"shell"`
	RestartDelay Duration `toml:"restart_delay"`
	KillGrace    Duration `toml:"kill_grace"`
}

// WebConfig holds HTTP API settings
type WebConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// RetentionConfig controls periodic output trimming. An empty Schedule
// disables it.
type RetentionConfig struct {
	Schedule string `toml:"schedule"`
	Keep     int    `toml:"keep"`
}

// LogConfig controls the daemon logger
type LogConfig struct {
	Level       string `toml:"level"`
	Development bool   `toml:"development"`
}

// NotifyConfig selects who hears about processes ending. On lists the
// terminal statuses that trigger a notification.
type NotifyConfig struct {
	WebhookURL string   `toml:"webhook_url"`
	Desktop    bool     `toml:"desktop"`
	On         []string `toml:"on"`
}

// Enabled reports whether any notifier is configured
func (n NotifyConfig) Enabled() bool {
	return n.WebhookURL != "" || n.Desktop
}

// Duration is a time.Duration written as a string such as "1s" in TOML
type Duration struct {
	time.Duration
}

// UnmarshalText parses a Go duration string
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText formats the duration
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		General: GeneralConfig{
			DatabasePath: filepath.Join(home, ".botical", "processes.db"),
			BasePath:     filepath.Join(home, ".botical"),
		},
		Worker: WorkerConfig{
			Shell:        "/bin/sh",
			RestartDelay: Duration{time.Second},
			KillGrace:    Duration{5 * time.Second},
		},
		Web: WebConfig{
			Port: 8080,
			Host: "127.0.0.1",
		},
		Retention: RetentionConfig{
			Schedule: "@every 1h",
			Keep:     10000,
		},
		Log: LogConfig{
			Level: "info",
		},
		Notify: NotifyConfig{
			On: []string{"failed"},
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	// Expand paths
	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)
	cfg.General.BasePath = ExpandPath(cfg.General.BasePath)
	cfg.Worker.Path = ExpandPath(cfg.Worker.Path)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail later at runtime
func (c *Config) Validate() error {
	if c.General.DatabasePath == "" {
		return fmt.Errorf("general.database_path is required")
	}
	if c.Web.Port < 0 || c.Web.Port > 65535 {
		return fmt.Errorf("web.port %d out of range", c.Web.Port)
	}
	if c.Retention.Keep < 0 {
		return fmt.Errorf("retention.keep must not be negative")
	}
	if c.Worker.RestartDelay.Duration < 0 || c.Worker.KillGrace.Duration < 0 {
		return fmt.Errorf("worker durations must not be negative")
	}
	for _, status := range c.Notify.On {
		switch status {
		case "completed", "failed", "killed":
		default:
			return fmt.Errorf("notify.on: %q is not a terminal status", status)
		}
	}
	return nil
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "botical", "procd.toml")
}
