// ABOUTME: Configuration loading and parsing for deskgate
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete deskgate configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Agents    AgentsConfig    `yaml:"agents"`
	View      ViewConfig      `yaml:"view"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// AgentsConfig holds agent-channel timing configuration
type AgentsConfig struct {
	ProbeInterval   time.Duration `yaml:"-"`
	PresenceTTL     time.Duration `yaml:"-"`
	CommandTimeout  time.Duration `yaml:"-"`
	DownloadTimeout time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	ProbeIntervalRaw   string `yaml:"probe_interval"`
	PresenceTTLRaw     string `yaml:"presence_ttl"`
	CommandTimeoutRaw  string `yaml:"command_timeout"`
	DownloadTimeoutRaw string `yaml:"download_timeout"`
}

// ViewConfig holds directory view engine configuration
type ViewConfig struct {
	PageSize    int           `yaml:"page_size"`
	SnapshotTTL time.Duration `yaml:"-"`
	TokenTTL    time.Duration `yaml:"-"`

	SnapshotTTLRaw string `yaml:"snapshot_ttl"`
	TokenTTLRaw    string `yaml:"token_ttl"`
}

// TelegramConfig holds the chat control surface configuration
type TelegramConfig struct {
	Enabled       bool   `yaml:"enabled"`
	BotToken      string `yaml:"bot_token"`
	AdminChatID   int64  `yaml:"admin_chat_id"`
	WebhookURL    string `yaml:"webhook_url"`
	WebhookSecret string `yaml:"webhook_secret"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults applied when a field is absent from the file.
const (
	defaultProbeInterval   = 5 * time.Minute
	defaultPresenceTTL     = 2 * time.Minute
	defaultCommandTimeout  = 15 * time.Second
	defaultDownloadTimeout = 2 * time.Minute
	defaultSnapshotTTL     = 5 * time.Minute
	defaultTokenTTL        = 5 * time.Minute
	defaultPageSize        = 10
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills zero-valued timing and paging fields.
func (c *Config) applyDefaults() {
	if c.Agents.ProbeInterval == 0 {
		c.Agents.ProbeInterval = defaultProbeInterval
	}
	if c.Agents.PresenceTTL == 0 {
		c.Agents.PresenceTTL = defaultPresenceTTL
	}
	if c.Agents.CommandTimeout == 0 {
		c.Agents.CommandTimeout = defaultCommandTimeout
	}
	if c.Agents.DownloadTimeout == 0 {
		c.Agents.DownloadTimeout = defaultDownloadTimeout
	}
	if c.View.SnapshotTTL == 0 {
		c.View.SnapshotTTL = defaultSnapshotTTL
	}
	if c.View.TokenTTL == 0 {
		c.View.TokenTTL = defaultTokenTTL
	}
	if c.View.PageSize == 0 {
		c.View.PageSize = defaultPageSize
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// A server address is required unless Tailscale is enabled
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.AdminChatID == 0 {
			return fmt.Errorf("telegram.admin_chat_id is required when telegram is enabled")
		}
	}

	if c.View.PageSize < 0 {
		return fmt.Errorf("view.page_size must be positive")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{cfg.Agents.ProbeIntervalRaw, &cfg.Agents.ProbeInterval, "probe_interval"},
		{cfg.Agents.PresenceTTLRaw, &cfg.Agents.PresenceTTL, "presence_ttl"},
		{cfg.Agents.CommandTimeoutRaw, &cfg.Agents.CommandTimeout, "command_timeout"},
		{cfg.Agents.DownloadTimeoutRaw, &cfg.Agents.DownloadTimeout, "download_timeout"},
		{cfg.View.SnapshotTTLRaw, &cfg.View.SnapshotTTL, "snapshot_ttl"},
		{cfg.View.TokenTTLRaw, &cfg.View.TokenTTL, "token_ttl"},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
