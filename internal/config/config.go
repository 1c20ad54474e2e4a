// Package config loads tagweave configuration from file, environment,
// and defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config validation errors.
var (
	ErrDataDirEmpty    = errors.New("data_dir must not be empty")
	ErrRemotePathEmpty = errors.New("remote.db_path must not be empty")
	ErrPortInvalid     = errors.New("server.port must be between 1 and 65535")
	ErrIntervalInvalid = errors.New("sync.interval must not be negative")
)

// Remote configures the backend connection and identity.
type Remote struct {
	DBPath string `mapstructure:"db_path" yaml:"db_path"`
	UserID string `mapstructure:"user_id" yaml:"user_id"`
}

// Server configures the RPC boundary.
type Server struct {
	Port int `mapstructure:"port" yaml:"port"`
}

// Sync configures the background engine.
type Sync struct {
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
	Debounce time.Duration `mapstructure:"debounce" yaml:"debounce"`
}

// Log configures log output and rotation.
type Log struct {
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	Stacks     bool   `mapstructure:"stacks" yaml:"stacks"`
}

// Config is the full process configuration.
type Config struct {
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`
	Remote  Remote `mapstructure:"remote" yaml:"remote"`
	Server  Server `mapstructure:"server" yaml:"server"`
	Sync    Sync   `mapstructure:"sync" yaml:"sync"`
	Log     Log    `mapstructure:"log" yaml:"log"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataDir: ".tagweave/data",
		Remote:  Remote{DBPath: ".tagweave/remote.db"},
		Server:  Server{Port: 8723},
		Sync:    Sync{Interval: 5 * time.Minute, Debounce: 200 * time.Millisecond},
		Log:     Log{MaxSizeMB: 10, MaxBackups: 3, MaxAgeDays: 30},
	}
}

// Load reads configuration from the given file (optional), the
// environment (TAGWEAVE_ prefix), and defaults, in that precedence.
func Load(path string) (*Config, error) {
	v := viper.New()

	defaults := Default()
	v.SetDefault("data_dir", defaults.DataDir)
	v.SetDefault("remote.db_path", defaults.Remote.DBPath)
	v.SetDefault("remote.user_id", defaults.Remote.UserID)
	v.SetDefault("server.port", defaults.Server.Port)
	v.SetDefault("sync.interval", defaults.Sync.Interval)
	v.SetDefault("sync.debounce", defaults.Sync.Debounce)
	v.SetDefault("log.file", defaults.Log.File)
	v.SetDefault("log.max_size_mb", defaults.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", defaults.Log.MaxBackups)
	v.SetDefault("log.max_age_days", defaults.Log.MaxAgeDays)
	v.SetDefault("log.stacks", defaults.Log.Stacks)

	v.SetEnvPrefix("TAGWEAVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that the Config is well-formed.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return ErrDataDirEmpty
	}
	if c.Remote.DBPath == "" {
		return ErrRemotePathEmpty
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return ErrPortInvalid
	}
	if c.Sync.Interval < 0 {
		return ErrIntervalInvalid
	}
	return nil
}

// WriteDefault renders the built-in configuration as YAML at path,
// refusing to clobber an existing file.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists: %s", path)
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("failed to render default config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
