// Package config loads and validates the steward configuration file.
// Files are YAML with environment variables expanded before parsing, so
// secrets stay out of the file itself (`bot_token: ${TELEGRAM_BOT_TOKEN}`).
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration.
type Config struct {
	Telegram   TelegramConfig   `yaml:"telegram"`
	Anthropic  AnthropicConfig  `yaml:"anthropic"`
	Sessions   SessionsConfig   `yaml:"sessions"`
	Operations OperationsConfig `yaml:"operations"`
	Server     ServerConfig     `yaml:"server"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// TelegramConfig configures the chat transport.
type TelegramConfig struct {
	BotToken string `yaml:"bot_token"`

	// RateLimit is outbound messages per second; RateBurst is the bucket size.
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
}

// AnthropicConfig configures the agent runtime.
type AnthropicConfig struct {
	APIKey    string `yaml:"api_key"`
	BaseURL   string `yaml:"base_url"`
	Model     string `yaml:"model"`
	MaxTokens int    `yaml:"max_tokens"`
}

// SessionsConfig configures the per-user session registry.
type SessionsConfig struct {
	MaxPerUser int `yaml:"max_per_user"`
}

// OperationsConfig configures operation timeouts and streaming behavior.
// Interval fields are plain integers in the file; the accessor methods
// convert them to durations.
type OperationsConfig struct {
	BaseTimeoutMinutes      int     `yaml:"base_timeout_minutes"`
	ExtensionMinutes        int     `yaml:"extension_minutes"`
	HardCeilingMinutes      int     `yaml:"hard_ceiling_minutes"`
	ExtensionThreshold      float64 `yaml:"extension_threshold"`
	ActivityWindowMinutes   int     `yaml:"activity_window_minutes"`
	HeartbeatWarnSeconds    int     `yaml:"heartbeat_warn_seconds"`
	HeartbeatUpdateSeconds  int     `yaml:"heartbeat_update_seconds"`
	ProbeIntervalSeconds    int     `yaml:"probe_interval_seconds"`
	ProgressIntervalSeconds int     `yaml:"progress_interval_seconds"`
	ConfirmWaitSeconds      int     `yaml:"confirm_wait_seconds"`
	BufferLimitBytes        int     `yaml:"buffer_limit_bytes"`
	ChunkSizeBytes          int     `yaml:"chunk_size_bytes"`
}

// ServerConfig configures the operational HTTP endpoints.
type ServerConfig struct {
	Host        string `yaml:"host"`
	MetricsPort int    `yaml:"metrics_port"`
}

// LoggingConfig controls the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads, expands, parses, and validates the configuration at path.
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse([]byte(os.ExpandEnv(string(data))))
}

// Parse decodes and validates a configuration document. Unknown fields are
// rejected so typos fail loudly at startup.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, errors.New("failed to parse config: expected single document")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks required fields and applies defaults.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Telegram.BotToken) == "" {
		return errors.New("telegram.bot_token is required")
	}
	if strings.TrimSpace(c.Anthropic.APIKey) == "" {
		return errors.New("anthropic.api_key is required")
	}
	if c.Telegram.RateLimit <= 0 {
		c.Telegram.RateLimit = 30
	}
	if c.Telegram.RateBurst <= 0 {
		c.Telegram.RateBurst = 20
	}
	if c.Sessions.MaxPerUser <= 0 {
		c.Sessions.MaxPerUser = 3
	}

	ops := &c.Operations
	if ops.BaseTimeoutMinutes <= 0 {
		ops.BaseTimeoutMinutes = 60
	}
	if ops.ExtensionMinutes <= 0 {
		ops.ExtensionMinutes = 20
	}
	if ops.HardCeilingMinutes <= 0 {
		ops.HardCeilingMinutes = 120
	}
	if ops.HardCeilingMinutes < ops.BaseTimeoutMinutes {
		return fmt.Errorf("operations.hard_ceiling_minutes (%d) must be at least base_timeout_minutes (%d)",
			ops.HardCeilingMinutes, ops.BaseTimeoutMinutes)
	}
	if ops.ExtensionThreshold <= 0 || ops.ExtensionThreshold > 1 {
		ops.ExtensionThreshold = 0.7
	}
	if ops.ActivityWindowMinutes <= 0 {
		ops.ActivityWindowMinutes = 3
	}
	if ops.HeartbeatWarnSeconds <= 0 {
		ops.HeartbeatWarnSeconds = 60
	}
	if ops.HeartbeatUpdateSeconds <= 0 {
		ops.HeartbeatUpdateSeconds = 30
	}
	if ops.ProbeIntervalSeconds <= 0 {
		ops.ProbeIntervalSeconds = 30
	}
	if ops.ProgressIntervalSeconds <= 0 {
		ops.ProgressIntervalSeconds = 5
	}
	if ops.ConfirmWaitSeconds <= 0 {
		ops.ConfirmWaitSeconds = 60
	}
	if ops.BufferLimitBytes <= 0 {
		ops.BufferLimitBytes = 256 << 10
	}
	if ops.ChunkSizeBytes <= 0 {
		ops.ChunkSizeBytes = 4000
	}

	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.MetricsPort <= 0 {
		c.Server.MetricsPort = 9090
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format %q is not one of json, text", c.Logging.Format)
	}
	return nil
}

// BaseTimeout returns the soft timeout as a duration.
func (o OperationsConfig) BaseTimeout() time.Duration {
	return time.Duration(o.BaseTimeoutMinutes) * time.Minute
}

// ExtensionIncrement returns the per-extension increment as a duration.
func (o OperationsConfig) ExtensionIncrement() time.Duration {
	return time.Duration(o.ExtensionMinutes) * time.Minute
}

// HardCeiling returns the hard ceiling as a duration.
func (o OperationsConfig) HardCeiling() time.Duration {
	return time.Duration(o.HardCeilingMinutes) * time.Minute
}

// ActivityWindow returns the recent-activity window as a duration.
func (o OperationsConfig) ActivityWindow() time.Duration {
	return time.Duration(o.ActivityWindowMinutes) * time.Minute
}

// HeartbeatWarn returns the quiet period before heartbeat edits start.
func (o OperationsConfig) HeartbeatWarn() time.Duration {
	return time.Duration(o.HeartbeatWarnSeconds) * time.Second
}

// HeartbeatUpdate returns the heartbeat repeat interval.
func (o OperationsConfig) HeartbeatUpdate() time.Duration {
	return time.Duration(o.HeartbeatUpdateSeconds) * time.Second
}

// ProbeInterval returns the automatic-extension probe interval.
func (o OperationsConfig) ProbeInterval() time.Duration {
	return time.Duration(o.ProbeIntervalSeconds) * time.Second
}

// ProgressInterval returns the status-edit throttle interval.
func (o OperationsConfig) ProgressInterval() time.Duration {
	return time.Duration(o.ProgressIntervalSeconds) * time.Second
}

// ConfirmWait returns the bounded confirmation wait.
func (o OperationsConfig) ConfirmWait() time.Duration {
	return time.Duration(o.ConfirmWaitSeconds) * time.Second
}
