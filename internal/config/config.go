package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig `yaml:"server"`
	Inject   InjectConfig `yaml:"inject"`
	Queue    QueueConfig  `yaml:"queue"`
	Hotkey   HotkeyConfig `yaml:"hotkey"`
	LogLevel string       `yaml:"log_level"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Addr         string `yaml:"addr"`
	MaxBodyBytes int64  `yaml:"max_body_bytes"`
}

// InjectConfig holds keystroke injection settings.
type InjectConfig struct {
	Backend  string        `yaml:"backend"` // "robotgo" or "keybd"
	Unicode  bool          `yaml:"unicode"`
	KeyDelay time.Duration `yaml:"key_delay"`
}

// QueueConfig holds job queue settings.
type QueueConfig struct {
	Depth        int           `yaml:"depth"`
	StuckTimeout time.Duration `yaml:"stuck_timeout"` // 0 disables
}

// HotkeyConfig holds the pause hotkey settings.
type HotkeyConfig struct {
	Enabled bool     `yaml:"enabled"`
	Keys    []string `yaml:"keys"`
	Mode    string   `yaml:"mode"` // "toggle" or "hold"
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "keytyper")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:         "127.0.0.1:9999",
			MaxBodyBytes: 1 << 20,
		},
		Inject: InjectConfig{
			Backend: "robotgo",
			Unicode: true,
		},
		Queue: QueueConfig{
			Depth: 64,
		},
		Hotkey: HotkeyConfig{
			Keys: []string{"ctrl", "shift", "p"},
			Mode: "toggle",
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. A leading tilde in path is expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(expandTilde(path))
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr must not be empty")
	}

	if c.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("server.max_body_bytes must be > 0")
	}

	switch c.Inject.Backend {
	case "robotgo", "keybd":
	default:
		return fmt.Errorf("inject.backend must be \"robotgo\" or \"keybd\", got %q", c.Inject.Backend)
	}

	if c.Inject.KeyDelay < 0 {
		return fmt.Errorf("inject.key_delay must not be negative")
	}

	if c.Queue.Depth <= 0 {
		return fmt.Errorf("queue.depth must be > 0")
	}

	if c.Queue.StuckTimeout < 0 {
		return fmt.Errorf("queue.stuck_timeout must not be negative")
	}

	if c.Hotkey.Enabled && len(c.Hotkey.Keys) == 0 {
		return fmt.Errorf("hotkey.keys must not be empty")
	}

	switch c.Hotkey.Mode {
	case "hold", "toggle":
	default:
		return fmt.Errorf("hotkey.mode must be \"hold\" or \"toggle\", got %q", c.Hotkey.Mode)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// ParseLogLevel maps a config log level to a slog.Level. Unknown values
// fall back to info.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

const defaultTemplate = `# keytyper configuration
#
# Text POSTed to the server is typed into the focused window.

server:
  addr: 127.0.0.1:9999
  max_body_bytes: 1048576

inject:
  # robotgo works on X11, macOS and Windows. keybd drives a Linux uinput
  # virtual keyboard and can only type US-QWERTY characters.
  backend: robotgo
  # Type characters outside the keyboard layout as text (robotgo only).
  unicode: true
  key_delay: 0s

queue:
  depth: 64
  # Fail a job that has not finished after this long. 0 disables.
  stuck_timeout: 0s

hotkey:
  # Global hotkey that pauses and resumes typing.
  enabled: false
  keys: ["ctrl", "shift", "p"]
  mode: toggle

log_level: info
`

// WriteDefault writes a commented default config to DefaultConfigPath.
// If a file already exists it is left untouched and ("", nil) is returned.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("checking config file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(defaultTemplate), 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
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
