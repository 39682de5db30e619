// Package config handles reading and writing .baton/config.yaml.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level structure for .baton/config.yaml.
type Config struct {
	Version  int            `yaml:"version" validate:"eq=1"`
	Store    StoreConfig    `yaml:"store"`
	Workflow WorkflowConfig `yaml:"workflow"`
	Watch    WatchConfig    `yaml:"watch"`
	Retry    RetryConfig    `yaml:"retry"`
	Archive  ArchiveConfig  `yaml:"archive"`
	Server   ServerConfig   `yaml:"server"`
	LogLevel string         `yaml:"log_level" validate:"oneof=debug info warn error"`
}

// StoreConfig controls the SQLite database.
type StoreConfig struct {
	Path          string `yaml:"path" validate:"required"` // relative paths resolve against the project root
	BusyTimeoutMs int    `yaml:"busy_timeout_ms" validate:"min=0"`
	OpTimeoutMs   int    `yaml:"op_timeout_ms" validate:"min=0"`
	MaxOpenConns  int    `yaml:"max_open_conns" validate:"min=1,max=64"`
}

// WorkflowConfig controls routing and the lifecycle manager.
type WorkflowConfig struct {
	Transitions    string `yaml:"transitions"` // empty means the built-in table
	MaxRevisions   int    `yaml:"max_revisions" validate:"min=0"`
	EnforcePhases  bool   `yaml:"enforce_phases"`
	TerminalMarker string `yaml:"terminal_marker" validate:"required"`
	ReviewerRole   string `yaml:"reviewer_role" validate:"required"`
}

// WatchConfig controls the change-propagation service.
type WatchConfig struct {
	IntervalMs       int `yaml:"interval_ms" validate:"min=10"`
	BatchSize        int `yaml:"batch_size" validate:"min=1,max=10000"`
	SubscriberBuffer int `yaml:"subscriber_buffer" validate:"min=1"`
	FailureThreshold int `yaml:"failure_threshold" validate:"min=1"`
	MaxBackoffMs     int `yaml:"max_backoff_ms" validate:"min=0"`
	MaxReplays       int `yaml:"max_replays" validate:"min=1"` // concurrent SSE catch-up queries
}

// RetryConfig controls the bounded retry of transient store failures.
type RetryConfig struct {
	MaxAttempts    int     `yaml:"max_attempts" validate:"min=1,max=20"`
	InitialDelayMs int     `yaml:"initial_delay_ms" validate:"min=0"`
	Multiplier     float64 `yaml:"multiplier" validate:"gte=1"`
	MaxDelayMs     int     `yaml:"max_delay_ms" validate:"min=0"`
}

// ArchiveConfig controls scheduled archival of ended sessions.
type ArchiveConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Schedule      string `yaml:"schedule" validate:"required_if=Enabled true"`
	RetentionDays int    `yaml:"retention_days" validate:"min=0"`
}

// ServerConfig controls the observer HTTP server.
type ServerConfig struct {
	Addr string `yaml:"addr" validate:"required,hostname_port"`
}

const configDir = ".baton"
const configFile = "config.yaml"

// Environment variables that override file values.
const (
	EnvDB          = "BATON_DB"
	EnvAddr        = "BATON_ADDR"
	EnvLogLevel    = "BATON_LOG_LEVEL"
	EnvTransitions = "BATON_TRANSITIONS"
)

// Dir returns the .baton directory of the project rooted at dir.
func Dir(dir string) string {
	return filepath.Join(dir, configDir)
}

// ReadConfig reads .baton/config.yaml from the given project directory.
// dir is the project root (not .baton/ itself). Fields missing from the
// file keep their default values.
func ReadConfig(dir string) (*Config, error) {
	path := filepath.Join(dir, configDir, configFile)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	return cfg, nil
}

// WriteConfig writes cfg to .baton/config.yaml in the given project directory.
// Creates the .baton/ directory if it does not exist.
func WriteConfig(dir string, cfg *Config) error {
	dirPath := filepath.Join(dir, configDir)
	if err := os.MkdirAll(dirPath, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshalling config: %w", err)
	}

	path := filepath.Join(dirPath, configFile)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	return nil
}

// Load reads the project's config, falling back to defaults when the file
// does not exist, applies environment overrides and validates the result.
func Load(dir string) (*Config, error) {
	cfg, err := ReadConfig(dir)
	if errors.Is(err, fs.ErrNotExist) {
		cfg = DefaultConfig()
	} else if err != nil {
		return nil, err
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from environment variables. lookup is usually
// os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvDB); ok && v != "" {
		c.Store.Path = v
	}
	if v, ok := lookup(EnvAddr); ok && v != "" {
		c.Server.Addr = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.LogLevel = v
	}
	if v, ok := lookup(EnvTransitions); ok {
		c.Workflow.Transitions = v
	}
	if v, ok := lookup("BATON_MAX_REVISIONS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parsing BATON_MAX_REVISIONS: %w", err)
		}
		c.Workflow.MaxRevisions = n
	}
	return nil
}

// DBPath returns the database path, resolved against the project root.
func (c *Config) DBPath(dir string) string {
	return resolve(dir, c.Store.Path)
}

// TransitionsPath returns the transition table path resolved against the
// project root, or "" for the built-in table.
func (c *Config) TransitionsPath(dir string) string {
	if c.Workflow.Transitions == "" {
		return ""
	}
	return resolve(dir, c.Workflow.Transitions)
}

func resolve(dir, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// BusyTimeout returns the SQLite busy timeout.
func (s StoreConfig) BusyTimeout() time.Duration { return ms(s.BusyTimeoutMs) }

// OpTimeout returns the per-operation timeout.
func (s StoreConfig) OpTimeout() time.Duration { return ms(s.OpTimeoutMs) }

// Interval returns the poll interval.
func (w WatchConfig) Interval() time.Duration { return ms(w.IntervalMs) }

// MaxBackoff returns the poll backoff ceiling.
func (w WatchConfig) MaxBackoff() time.Duration { return ms(w.MaxBackoffMs) }

// InitialDelay returns the delay before the first retry.
func (r RetryConfig) InitialDelay() time.Duration { return ms(r.InitialDelayMs) }

// MaxDelay returns the retry delay ceiling.
func (r RetryConfig) MaxDelay() time.Duration { return ms(r.MaxDelayMs) }

// Retention returns how long ended sessions stay unarchived.
func (a ArchiveConfig) Retention() time.Duration {
	return time.Duration(a.RetentionDays) * 24 * time.Hour
}

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Version: 1,
		Store: StoreConfig{
			Path:          filepath.Join(configDir, "baton.db"),
			BusyTimeoutMs: 5000,
			OpTimeoutMs:   10000,
			MaxOpenConns:  8,
		},
		Workflow: WorkflowConfig{
			MaxRevisions:   3,
			EnforcePhases:  true,
			TerminalMarker: "BAZINGA",
			ReviewerRole:   "reviewer",
		},
		Watch: WatchConfig{
			IntervalMs:       500,
			BatchSize:        200,
			SubscriberBuffer: 256,
			FailureThreshold: 3,
			MaxBackoffMs:     10000,
			MaxReplays:       4,
		},
		Retry: RetryConfig{
			MaxAttempts:    3,
			InitialDelayMs: 50,
			Multiplier:     2,
			MaxDelayMs:     1000,
		},
		Archive: ArchiveConfig{
			Enabled:       true,
			Schedule:      "0 3 * * *",
			RetentionDays: 30,
		},
		Server: ServerConfig{
			Addr: "127.0.0.1:7420",
		},
		LogLevel: "info",
	}
}
