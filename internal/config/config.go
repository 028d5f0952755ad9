// Package config defines the autoclaude configuration schema and its
// viper bindings.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/autoclaude/autoclaude/internal/logging"
	"github.com/autoclaude/autoclaude/internal/phase"
	"github.com/autoclaude/autoclaude/internal/profile"
)

// Config represents the complete autoclaude configuration.
type Config struct {
	// Fallback maps a phase name to its credential fallback chain.
	Fallback map[string][]profile.ChainEntry `mapstructure:"fallback"`

	// Profiles declares the API credential profiles referenced by chains.
	Profiles map[string]ProfileConfig `mapstructure:"profiles"`

	// ActiveProfile names the profile used when a phase has no chain.
	ActiveProfile string `mapstructure:"active_profile"`

	Worker        WorkerConfig          `mapstructure:"worker"`
	Classifier    ClassifierConfig      `mapstructure:"classifier"`
	Local         profile.LocalSettings `mapstructure:"local"`
	Logging       LoggingConfig         `mapstructure:"logging"`
	Paths         PathsConfig           `mapstructure:"paths"`
	Notifications NotificationConfig    `mapstructure:"notifications"`
}

// WorkerConfig controls worker process lifecycle timing.
type WorkerConfig struct {
	// GracePeriodSeconds is the SIGTERM-to-SIGKILL grace window.
	GracePeriodSeconds int `mapstructure:"grace_period_seconds"`
	// KillSafetyTimeoutMs bounds the wait for an exit after SIGKILL.
	KillSafetyTimeoutMs int `mapstructure:"kill_safety_timeout_ms"`
}

// GracePeriod returns the grace window as a time.Duration.
func (c *WorkerConfig) GracePeriod() time.Duration {
	return time.Duration(c.GracePeriodSeconds) * time.Second
}

// KillSafetyTimeout returns the safety timeout as a time.Duration.
func (c *WorkerConfig) KillSafetyTimeout() time.Duration {
	return time.Duration(c.KillSafetyTimeoutMs) * time.Millisecond
}

// ClassifierConfig controls failure classification.
type ClassifierConfig struct {
	// WindowBytes is the size of the output tail window inspected by the
	// classifier, per spawn.
	WindowBytes int `mapstructure:"window_bytes"`
}

// LoggingConfig controls the debug log.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `mapstructure:"level"`
	// Dir is where run logs are written. Empty means the run directory.
	Dir string `mapstructure:"dir"`
}

// PathsConfig holds filesystem locations.
type PathsConfig struct {
	// ExtraBin lists additional directories appended to the worker PATH.
	ExtraBin []string `mapstructure:"extra_bin"`
}

// NotificationConfig controls outcome notifications.
type NotificationConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Fallback: map[string][]profile.ChainEntry{},
		Profiles: map[string]ProfileConfig{},
		Worker: WorkerConfig{
			GracePeriodSeconds:  5,
			KillSafetyTimeoutMs: 500,
		},
		Classifier: ClassifierConfig{
			WindowBytes: 16 * 1024,
		},
		Local: profile.LocalSettings{},
		Logging: LoggingConfig{
			Level: "info",
		},
		Paths: PathsConfig{
			ExtraBin: []string{},
		},
		Notifications: NotificationConfig{
			Enabled: true,
		},
	}
}

// SetDefaults registers default values with viper.
func SetDefaults() {
	defaults := Default()

	viper.SetDefault("worker.grace_period_seconds", defaults.Worker.GracePeriodSeconds)
	viper.SetDefault("worker.kill_safety_timeout_ms", defaults.Worker.KillSafetyTimeoutMs)

	viper.SetDefault("classifier.window_bytes", defaults.Classifier.WindowBytes)

	viper.SetDefault("local.base_url", defaults.Local.BaseURL)
	viper.SetDefault("local.api_key", defaults.Local.APIKey)

	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.dir", defaults.Logging.Dir)

	viper.SetDefault("paths.extra_bin", defaults.Paths.ExtraBin)

	viper.SetDefault("notifications.enabled", defaults.Notifications.Enabled)
}

// Load reads the configuration from viper into a Config struct and
// validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field values that would otherwise fail deep inside a run.
func (c *Config) Validate() error {
	validLevel := false
	for _, lvl := range logging.ValidLevels() {
		if strings.EqualFold(c.Logging.Level, lvl) {
			validLevel = true
			break
		}
	}
	if !validLevel {
		return fmt.Errorf("logging.level: %q is not one of %v", c.Logging.Level, logging.ValidLevels())
	}
	if c.Classifier.WindowBytes < 0 {
		return fmt.Errorf("classifier.window_bytes must not be negative, got %d", c.Classifier.WindowBytes)
	}
	for phaseName, chain := range c.Fallback {
		if !phase.Phase(phaseName).Valid() {
			return fmt.Errorf("fallback.%s: unknown phase", phaseName)
		}
		for i, entry := range chain {
			switch entry.Ref.Kind {
			case profile.KindAccount, profile.KindAPI, profile.KindLocal:
			default:
				return fmt.Errorf("fallback.%s[%d]: unknown ref kind %q", phaseName, i, entry.Ref.Kind)
			}
		}
	}
	return nil
}

// Chains converts the configured fallback map onto phase keys for the
// chain resolver.
func (c *Config) Chains() map[phase.Phase][]profile.ChainEntry {
	out := make(map[phase.Phase][]profile.ChainEntry, len(c.Fallback))
	for name, chain := range c.Fallback {
		out[phase.Phase(name)] = chain
	}
	return out
}

// ConfigDir returns the path to the user's config directory.
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "autoclaude")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".autoclaude"
	}
	return filepath.Join(home, ".config", "autoclaude")
}

// ConfigFile returns the path to the config file.
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}
