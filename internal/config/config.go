// Package config handles configuration loading and management for coord.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for coord.
type Config struct {
	Store     StoreConfig     `mapstructure:"store"`
	Liveness  LivenessConfig  `mapstructure:"liveness"`
	Locks     LocksConfig     `mapstructure:"locks"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	TUI       TUIConfig       `mapstructure:"tui"`
}

// StoreConfig holds database settings.
type StoreConfig struct {
	// Path is the SQLite file. Empty means the XDG data directory.
	Path string `mapstructure:"path"`
	// Driver is "sqlite" (pure Go) or "sqlite3" (cgo).
	Driver      string        `mapstructure:"driver"`
	BusyTimeout time.Duration `mapstructure:"busy_timeout"`
}

// LivenessConfig holds heartbeat settings.
type LivenessConfig struct {
	HeartbeatTTL  time.Duration `mapstructure:"heartbeat_ttl"`
	Grace         time.Duration `mapstructure:"grace"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// LocksConfig holds lock manager settings.
type LocksConfig struct {
	DefaultTTL time.Duration `mapstructure:"default_ttl"`
}

// SchedulerConfig holds claim settings.
type SchedulerConfig struct {
	RecoverOnClaim bool `mapstructure:"recover_on_claim"`
}

// ServerConfig holds HTTP settings for "coord serve".
type ServerConfig struct {
	Addr        string   `mapstructure:"addr"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

// LogConfig holds debug log settings.
type LogConfig struct {
	// Path is the debug log file. Empty disables the debug log.
	Path  string `mapstructure:"path"`
	Level string `mapstructure:"level"`
}

// TUIConfig holds TUI display settings.
type TUIConfig struct {
	RefreshRate time.Duration `mapstructure:"refresh_rate"`
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (COORD_STORE_PATH, COORD_SERVER_ADDR, ...)
// 2. Project config (.coord.yaml in current directory or parent)
// 3. User config (~/.config/coord/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := newViper()

	// Load user config from XDG path
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(getUserConfigDir())

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	// Load project config if present
	if projectConfig := findProjectConfig(); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading project config %s: %w", projectConfig, err)
		}
		// Merge project config (takes precedence)
		if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
			return nil, fmt.Errorf("merging project config: %w", err)
		}
	}

	return unmarshal(v)
}

// LoadFromPath loads configuration from a specific path, with defaults and
// environment overrides but no user or project files.
func LoadFromPath(path string) (*Config, error) {
	v := newViper()

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	return unmarshal(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	// Environment variable overrides
	v.SetEnvPrefix("COORD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func unmarshal(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Store.Path = expandPath(cfg.Store.Path)
	cfg.Log.Path = expandPath(cfg.Log.Path)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the coordinator cannot run with.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite", "sqlite3":
	default:
		return fmt.Errorf("store.driver: unknown driver %q (want sqlite or sqlite3)", c.Store.Driver)
	}
	if c.Liveness.HeartbeatTTL <= 0 {
		return fmt.Errorf("liveness.heartbeat_ttl must be positive, got %s", c.Liveness.HeartbeatTTL)
	}
	if c.Liveness.Grace < 0 {
		return fmt.Errorf("liveness.grace must not be negative, got %s", c.Liveness.Grace)
	}
	if c.Locks.DefaultTTL <= 0 {
		return fmt.Errorf("locks.default_ttl must be positive, got %s", c.Locks.DefaultTTL)
	}
	return nil
}

// Save writes the configuration to the user config file.
func Save(cfg *Config) error {
	return SaveTo(cfg, GetUserConfigPath())
}

// SaveTo writes the configuration to path.
func SaveTo(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(path)

	v.Set("store.path", cfg.Store.Path)
	v.Set("store.driver", cfg.Store.Driver)
	v.Set("store.busy_timeout", cfg.Store.BusyTimeout.String())
	v.Set("liveness.heartbeat_ttl", cfg.Liveness.HeartbeatTTL.String())
	v.Set("liveness.grace", cfg.Liveness.Grace.String())
	v.Set("liveness.sweep_interval", cfg.Liveness.SweepInterval.String())
	v.Set("locks.default_ttl", cfg.Locks.DefaultTTL.String())
	v.Set("scheduler.recover_on_claim", cfg.Scheduler.RecoverOnClaim)
	v.Set("server.addr", cfg.Server.Addr)
	v.Set("server.cors_origins", cfg.Server.CORSOrigins)
	v.Set("log.path", cfg.Log.Path)
	v.Set("log.level", cfg.Log.Level)
	v.Set("tui.refresh_rate", cfg.TUI.RefreshRate.String())

	return v.WriteConfig()
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("store.path", d.Store.Path)
	v.SetDefault("store.driver", d.Store.Driver)
	v.SetDefault("store.busy_timeout", d.Store.BusyTimeout.String())

	v.SetDefault("liveness.heartbeat_ttl", d.Liveness.HeartbeatTTL.String())
	v.SetDefault("liveness.grace", d.Liveness.Grace.String())
	v.SetDefault("liveness.sweep_interval", d.Liveness.SweepInterval.String())

	v.SetDefault("locks.default_ttl", d.Locks.DefaultTTL.String())
	v.SetDefault("scheduler.recover_on_claim", d.Scheduler.RecoverOnClaim)

	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.cors_origins", d.Server.CORSOrigins)

	v.SetDefault("log.path", d.Log.Path)
	v.SetDefault("log.level", d.Log.Level)

	v.SetDefault("tui.refresh_rate", d.TUI.RefreshRate.String())
}

// getUserConfigDir returns the XDG config directory for coord.
func getUserConfigDir() string {
	// Check XDG_CONFIG_HOME first
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "coord")
	}

	// Fall back to ~/.config/coord
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "coord")
	}
	return filepath.Join(home, ".config", "coord")
}

// findProjectConfig searches for .coord.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".coord.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// expandPath expands ${VAR} references and a leading ~/.
func expandPath(s string) string {
	s = os.ExpandEnv(s)
	if strings.HasPrefix(s, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			s = filepath.Join(home, s[2:])
		}
	}
	return s
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Driver:      "sqlite",
			BusyTimeout: 5 * time.Second,
		},
		Liveness: LivenessConfig{
			HeartbeatTTL:  30 * time.Second,
			Grace:         15 * time.Second,
			SweepInterval: 10 * time.Second,
		},
		Locks: LocksConfig{
			DefaultTTL: 5 * time.Minute,
		},
		Scheduler: SchedulerConfig{
			RecoverOnClaim: true,
		},
		Server: ServerConfig{
			Addr:        "127.0.0.1:7420",
			CORSOrigins: []string{},
		},
		Log: LogConfig{
			Level: "info",
		},
		TUI: TUIConfig{
			RefreshRate: time.Second,
		},
	}
}
