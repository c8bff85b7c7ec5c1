package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all devbridge configuration.
type Config struct {
	// Bridge host settings
	Bridge BridgeConfig `yaml:"bridge"`

	// Device sessions and the reload runner
	Session SessionConfig `yaml:"session"`

	// Declared tool plugins
	Tools ToolsConfig `yaml:"tools"`

	// Settings persistence
	Store StoreConfig `yaml:"store"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// BridgeConfig configures the bridge host.
type BridgeConfig struct {
	Workers int `yaml:"workers"` // pool size for blocking methods
}

// SessionConfig configures the device controller and reload runner.
type SessionConfig struct {
	Controller      string `yaml:"controller"` // script, simulator
	Platform        string `yaml:"platform"`   // ios, android
	AppLoadTimeout  string `yaml:"app_load_timeout"`
	PollInterval    string `yaml:"poll_interval"`
	MaxPollInterval string `yaml:"max_poll_interval"`
	PreviewURL      string `yaml:"preview_url"` // {device} is replaced with the device id

	// Script controller
	Shell          string            `yaml:"shell"`
	WorkDir        string            `yaml:"work_dir"`
	CommandTimeout string            `yaml:"command_timeout"`
	Commands       map[string]string `yaml:"commands"`

	// Simulator controller
	Simulator SimulatorConfig `yaml:"simulator"`
}

// SimulatorConfig tunes the in-process simulator controller.
type SimulatorConfig struct {
	Delay      string `yaml:"delay"`
	BuildSteps int    `yaml:"build_steps"`
	LoadAfter  int    `yaml:"load_after"`
}

// ToolsConfig declares the tool plugins registered at startup.
type ToolsConfig struct {
	Plugins []PluginConfig `yaml:"plugins"`
}

// PluginConfig declares one tool plugin.
type PluginConfig struct {
	ID    string `yaml:"id"`
	Label string `yaml:"label"`
	// OpenCommand runs when the plugin's panel is opened.
	OpenCommand string `yaml:"open_command,omitempty"`
}

// StoreConfig configures settings persistence.
type StoreConfig struct {
	Driver string `yaml:"driver"` // sqlite, memory
	Path   string `yaml:"path"`
}

// Controller kinds.
const (
	ControllerScript    = "script"
	ControllerSimulator = "simulator"
)

// Store drivers.
const (
	StoreSQLite = "sqlite"
	StoreMemory = "memory"
)

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Bridge: BridgeConfig{
			Workers: 16,
		},

		Session: SessionConfig{
			Controller:      ControllerScript,
			Platform:        "ios",
			AppLoadTimeout:  "60s",
			PollInterval:    "250ms",
			MaxPollInterval: "2s",
			PreviewURL:      "http://localhost:8081/{device}",
			Shell:           "/bin/sh",
			WorkDir:         ".",
			CommandTimeout:  "10m",
			Commands:        map[string]string{},
			Simulator: SimulatorConfig{
				Delay:      "200ms",
				BuildSteps: 5,
				LoadAfter:  2,
			},
		},

		Tools: ToolsConfig{
			Plugins: []PluginConfig{
				{ID: "network", Label: "Network Inspector"},
				{ID: "profiler", Label: "Performance Profiler"},
			},
		},

		Store: StoreConfig{
			Driver: StoreSQLite,
			Path:   ".devbridge/settings.db",
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// DefaultPath returns the config path inside workspace.
func DefaultPath(workspace string) string {
	return filepath.Join(workspace, ".devbridge", "config.yaml")
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Defaults if the config file doesn't exist
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Override with environment variables
	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if path := os.Getenv("DEVBRIDGE_DB"); path != "" {
		c.Store.Path = path
	}
	if level := os.Getenv("DEVBRIDGE_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if debug := os.Getenv("DEVBRIDGE_DEBUG"); debug != "" {
		if on, err := strconv.ParseBool(debug); err == nil {
			c.Logging.DebugMode = on
		}
	}
	if ctrl := os.Getenv("DEVBRIDGE_CONTROLLER"); ctrl != "" {
		c.Session.Controller = ctrl
	}
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// GetAppLoadTimeout returns how long a launched app may take to load.
func (c *Config) GetAppLoadTimeout() time.Duration {
	return parseDuration(c.Session.AppLoadTimeout, 60*time.Second)
}

// GetPollInterval returns the first AppLoaded poll interval.
func (c *Config) GetPollInterval() time.Duration {
	return parseDuration(c.Session.PollInterval, 250*time.Millisecond)
}

// GetMaxPollInterval returns the AppLoaded poll interval cap.
func (c *Config) GetMaxPollInterval() time.Duration {
	return parseDuration(c.Session.MaxPollInterval, 2*time.Second)
}

// GetCommandTimeout returns the script controller command timeout.
func (c *Config) GetCommandTimeout() time.Duration {
	return parseDuration(c.Session.CommandTimeout, 10*time.Minute)
}

// GetSimulatorDelay returns the simulated per-operation delay.
func (c *Config) GetSimulatorDelay() time.Duration {
	d, err := time.ParseDuration(c.Session.Simulator.Delay)
	if err != nil || d < 0 {
		return 0
	}
	return d
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.Session.Controller {
	case ControllerScript, ControllerSimulator:
	default:
		return fmt.Errorf("invalid session controller: %q (valid: %s, %s)",
			c.Session.Controller, ControllerScript, ControllerSimulator)
	}

	switch c.Store.Driver {
	case StoreMemory:
	case StoreSQLite:
		if c.Store.Path == "" {
			return fmt.Errorf("store path required for driver %s", StoreSQLite)
		}
	default:
		return fmt.Errorf("invalid store driver: %q (valid: %s, %s)", c.Store.Driver, StoreSQLite, StoreMemory)
	}

	if c.Bridge.Workers < 0 {
		return fmt.Errorf("bridge workers must not be negative: %d", c.Bridge.Workers)
	}

	seen := make(map[string]bool, len(c.Tools.Plugins))
	for i, p := range c.Tools.Plugins {
		if p.ID == "" {
			return fmt.Errorf("tools.plugins[%d]: id required", i)
		}
		if seen[p.ID] {
			return fmt.Errorf("tools.plugins[%d]: duplicate id %q", i, p.ID)
		}
		seen[p.ID] = true
	}

	for _, field := range []struct{ name, value string }{
		{"session.app_load_timeout", c.Session.AppLoadTimeout},
		{"session.poll_interval", c.Session.PollInterval},
		{"session.max_poll_interval", c.Session.MaxPollInterval},
		{"session.command_timeout", c.Session.CommandTimeout},
	} {
		if field.value == "" {
			continue
		}
		if _, err := time.ParseDuration(field.value); err != nil {
			return fmt.Errorf("invalid %s: %w", field.name, err)
		}
	}
	return nil
}
