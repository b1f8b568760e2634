// Package config provides YAML-based configuration loading for Roundhouse.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level Roundhouse configuration, loaded from roundhouse.yaml.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Protocol  ProtocolConfig  `yaml:"protocol"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Tasks     TasksConfig     `yaml:"tasks"`
	Telegraph TelegraphConfig `yaml:"telegraph"`
	GitHub    GitHubConfig    `yaml:"github"`
	Dashboard DashboardConfig `yaml:"dashboard"`
}

// DatabaseConfig selects and addresses the backing store.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // "sqlite" (default) or "mysql"
	Path     string `yaml:"path"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
}

// ChannelsConfig holds channel manager limits.
type ChannelsConfig struct {
	MaxChannelsPerSession     int `yaml:"max_channels_per_session"`
	MaxParticipantsPerChannel int `yaml:"max_participants_per_channel"`
	MessageRetentionHours     int `yaml:"message_retention_hours"`
	CleanupIntervalSec        int `yaml:"cleanup_interval_sec"`
}

// SessionsConfig holds collaboration session limits.
type SessionsConfig struct {
	MaxParticipants    int `yaml:"max_participants"`
	MaxDurationHours   int `yaml:"max_duration_hours"`
	CleanupAfterHours  int `yaml:"cleanup_after_hours"`
	CleanupIntervalSec int `yaml:"cleanup_interval_sec"`
}

// ProtocolConfig holds message envelope settings.
type ProtocolConfig struct {
	Version               string `yaml:"version"`
	DefaultTTLMs          int64  `yaml:"default_ttl_ms"`
	MaxMessageSizeBytes   int    `yaml:"max_message_size_bytes"`
	RequireAcknowledgment bool   `yaml:"require_acknowledgment"`
}

// QuietHours is an hour range during which heartbeats are held back.
type QuietHours struct {
	Start int `yaml:"start"`
	End   int `yaml:"end"`
}

// HeartbeatConfig holds heartbeat engine settings.
type HeartbeatConfig struct {
	TickIntervalMs    int64       `yaml:"tick_interval_ms"`
	DefaultIntervalMs int64       `yaml:"default_interval_ms"`
	DefaultQuietHours *QuietHours `yaml:"default_quiet_hours"`
}

// TasksConfig holds background task supervision settings.
type TasksConfig struct {
	TimeoutSec        int `yaml:"timeout_sec"`
	SweepIntervalSec  int `yaml:"sweep_interval_sec"`
	DefaultMaxRetries int `yaml:"default_max_retries"`
}

// TelegraphConfig selects the chat platform heartbeats are relayed to.
type TelegraphConfig struct {
	Platform     string `yaml:"platform"` // "slack", "discord", or empty to disable
	Channel      string `yaml:"channel"`
	SlackToken   string `yaml:"slack_bot_token"`
	DiscordToken string `yaml:"discord_bot_token"`
}

// GitHubConfig holds credentials for the github_pulls generator.
type GitHubConfig struct {
	Token string `yaml:"token"`
}

// DashboardConfig holds the JSON API listener settings.
type DashboardConfig struct {
	Port int `yaml:"port"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

// applyDefaults fills in default values.
func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Driver == "sqlite" && c.Database.Path == "" {
		c.Database.Path = "roundhouse.db"
	}
	if c.Database.Driver == "mysql" {
		if c.Database.Host == "" {
			c.Database.Host = "127.0.0.1"
		}
		if c.Database.Port == 0 {
			c.Database.Port = 3306
		}
		if c.Database.User == "" {
			c.Database.User = "root"
		}
		if c.Database.Name == "" {
			c.Database.Name = "roundhouse"
		}
	}

	setInt(&c.Channels.MaxChannelsPerSession, 5)
	setInt(&c.Channels.MaxParticipantsPerChannel, 20)
	setInt(&c.Channels.MessageRetentionHours, 24)
	setInt(&c.Channels.CleanupIntervalSec, 3600)

	setInt(&c.Sessions.MaxParticipants, 10)
	setInt(&c.Sessions.MaxDurationHours, 24)
	setInt(&c.Sessions.CleanupAfterHours, 48)
	setInt(&c.Sessions.CleanupIntervalSec, 3600)

	if c.Protocol.Version == "" {
		c.Protocol.Version = "1.0"
	}
	if c.Protocol.DefaultTTLMs == 0 {
		c.Protocol.DefaultTTLMs = 86400000
	}
	setInt(&c.Protocol.MaxMessageSizeBytes, 65536)

	if c.Heartbeat.TickIntervalMs == 0 {
		c.Heartbeat.TickIntervalMs = 60000
	}
	if c.Heartbeat.DefaultIntervalMs == 0 {
		c.Heartbeat.DefaultIntervalMs = 86400000
	}
	if c.Heartbeat.DefaultQuietHours == nil {
		c.Heartbeat.DefaultQuietHours = &QuietHours{Start: 22, End: 8}
	}

	setInt(&c.Tasks.TimeoutSec, 1800)
	setInt(&c.Tasks.SweepIntervalSec, 60)
	if c.Tasks.DefaultMaxRetries == 0 {
		c.Tasks.DefaultMaxRetries = 3
	}

	setInt(&c.Dashboard.Port, 8080)
}

func setInt(v *int, def int) {
	if *v == 0 {
		*v = def
	}
}

// validate checks that all fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Database.Driver {
	case "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q must be sqlite or mysql", c.Database.Driver))
	}
	positive := []struct {
		name string
		v    int64
	}{
		{"channels.max_channels_per_session", int64(c.Channels.MaxChannelsPerSession)},
		{"channels.max_participants_per_channel", int64(c.Channels.MaxParticipantsPerChannel)},
		{"channels.message_retention_hours", int64(c.Channels.MessageRetentionHours)},
		{"channels.cleanup_interval_sec", int64(c.Channels.CleanupIntervalSec)},
		{"sessions.max_participants", int64(c.Sessions.MaxParticipants)},
		{"sessions.max_duration_hours", int64(c.Sessions.MaxDurationHours)},
		{"sessions.cleanup_after_hours", int64(c.Sessions.CleanupAfterHours)},
		{"sessions.cleanup_interval_sec", int64(c.Sessions.CleanupIntervalSec)},
		{"protocol.default_ttl_ms", c.Protocol.DefaultTTLMs},
		{"protocol.max_message_size_bytes", int64(c.Protocol.MaxMessageSizeBytes)},
		{"heartbeat.tick_interval_ms", c.Heartbeat.TickIntervalMs},
		{"heartbeat.default_interval_ms", c.Heartbeat.DefaultIntervalMs},
		{"tasks.timeout_sec", int64(c.Tasks.TimeoutSec)},
		{"tasks.sweep_interval_sec", int64(c.Tasks.SweepIntervalSec)},
	}
	for _, p := range positive {
		if p.v < 0 {
			errs = append(errs, fmt.Sprintf("%s must be positive", p.name))
		}
	}
	if c.Tasks.DefaultMaxRetries < 0 {
		errs = append(errs, "tasks.default_max_retries must not be negative")
	}
	if q := c.Heartbeat.DefaultQuietHours; q != nil {
		if q.Start < 0 || q.Start > 23 || q.End < 0 || q.End > 23 {
			errs = append(errs, "heartbeat.default_quiet_hours must be hours in 0-23")
		}
	}
	switch c.Telegraph.Platform {
	case "":
	case "slack":
		if c.Telegraph.SlackToken == "" {
			errs = append(errs, "telegraph.slack_bot_token is required for slack")
		}
	case "discord":
		if c.Telegraph.DiscordToken == "" {
			errs = append(errs, "telegraph.discord_bot_token is required for discord")
		}
	default:
		errs = append(errs, fmt.Sprintf("telegraph.platform %q must be slack or discord", c.Telegraph.Platform))
	}
	if c.Telegraph.Platform != "" && c.Telegraph.Channel == "" {
		errs = append(errs, "telegraph.channel is required when a platform is set")
	}
	if c.Dashboard.Port < 0 || c.Dashboard.Port > 65535 {
		errs = append(errs, "dashboard.port must be in 0-65535")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Retention returns the message retention window.
func (c ChannelsConfig) Retention() time.Duration {
	return time.Duration(c.MessageRetentionHours) * time.Hour
}

// CleanupInterval returns the channel cleanup period.
func (c ChannelsConfig) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalSec) * time.Second
}

// MaxDuration returns how long a session may stay open.
func (c SessionsConfig) MaxDuration() time.Duration {
	return time.Duration(c.MaxDurationHours) * time.Hour
}

// CleanupAfter returns how long terminal sessions are kept.
func (c SessionsConfig) CleanupAfter() time.Duration {
	return time.Duration(c.CleanupAfterHours) * time.Hour
}

// CleanupInterval returns the session cleanup period.
func (c SessionsConfig) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalSec) * time.Second
}

// DefaultTTL returns the default message time-to-live.
func (c ProtocolConfig) DefaultTTL() time.Duration {
	return time.Duration(c.DefaultTTLMs) * time.Millisecond
}

// TickInterval returns the heartbeat evaluation period.
func (c HeartbeatConfig) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalMs) * time.Millisecond
}

// DefaultInterval returns the interval given to heartbeats registered without one.
func (c HeartbeatConfig) DefaultInterval() time.Duration {
	return time.Duration(c.DefaultIntervalMs) * time.Millisecond
}

// Timeout returns how long a task may run before it is reclaimed.
func (c TasksConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// SweepInterval returns the timeout sweep period.
func (c TasksConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSec) * time.Second
}
