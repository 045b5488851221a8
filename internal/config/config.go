// Package config provides YAML-based configuration loading for supportline.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultTokenEnv is consulted when no token is set in the config file.
const DefaultTokenEnv = "SUPPORTLINE_TOKEN"

// Config is the top-level supportline configuration, loaded from supportline.yaml.
type Config struct {
	Hub    HubConfig    `yaml:"hub"`
	API    APIConfig    `yaml:"api"`
	Auth   AuthConfig   `yaml:"auth"`
	Typing TypingConfig `yaml:"typing"`
	Log    LogConfig    `yaml:"log"`
	DevHub DevHubConfig `yaml:"devhub"`
}

// HubConfig holds the real-time hub endpoint and reconnect policy.
type HubConfig struct {
	URL                  string `yaml:"url"`
	BaseBackoffMs        int    `yaml:"base_backoff_ms"`
	MaxBackoffMs         int    `yaml:"max_backoff_ms"`
	MaxReconnectAttempts int    `yaml:"max_reconnect_attempts"` // 0 = retry forever
	WriteTimeoutSec      int    `yaml:"write_timeout_sec"`
	ReadIdleSec          int    `yaml:"read_idle_sec"`
}

// APIConfig holds the REST endpoint used for listings, history and creation.
type APIConfig struct {
	BaseURL    string `yaml:"base_url"`
	PageSize   int    `yaml:"page_size"`
	TimeoutSec int    `yaml:"timeout_sec"`
}

// AuthConfig locates the bearer token.
type AuthConfig struct {
	Token    string `yaml:"token"`
	TokenEnv string `yaml:"token_env"`
}

// TypingConfig tunes the typing indicator timers.
type TypingConfig struct {
	DebounceMs int `yaml:"debounce_ms"`
	ExpiryMs   int `yaml:"expiry_ms"`
}

// LogConfig controls the zap logger.
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// DevHubConfig configures the local development hub server.
type DevHubConfig struct {
	Port            int             `yaml:"port"`
	PingIntervalSec int             `yaml:"ping_interval_sec"`
	Database        DatabaseConfig  `yaml:"database"`
	Users           []UserConfig    `yaml:"users"`
	AutoClose       AutoCloseConfig `yaml:"auto_close"`
	Notify          NotifyConfig    `yaml:"notify"`
}

// DatabaseConfig selects the dev hub store backend.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // "sqlite" or "mysql"
	Path     string `yaml:"path"`   // sqlite file, ":memory:" allowed
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
}

// UserConfig maps a bearer token to a dev hub identity.
type UserConfig struct {
	Token string `yaml:"token"`
	ID    string `yaml:"id"`
	Name  string `yaml:"name"`
	Role  string `yaml:"role"` // "customer" or "agent"
}

// AutoCloseConfig schedules closing of conversations left in Resolved.
type AutoCloseConfig struct {
	Enabled          bool   `yaml:"enabled"`
	Cron             string `yaml:"cron"`
	ResolvedAfterMin int    `yaml:"resolved_after_min"`
}

// NotifyConfig announces new conversations to the support team.
type NotifyConfig struct {
	Platform string        `yaml:"platform"` // "", "slack" or "discord"
	Channel  string        `yaml:"channel"`
	Slack    SlackConfig   `yaml:"slack"`
	Discord  DiscordConfig `yaml:"discord"`
}

// SlackConfig holds Slack credentials.
type SlackConfig struct {
	BotToken string `yaml:"bot_token"`
}

// DiscordConfig holds Discord credentials.
type DiscordConfig struct {
	BotToken string `yaml:"bot_token"`
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

// Default returns a Config with every default applied, for running without
// a config file.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Hub.URL == "" {
		c.Hub.URL = "ws://127.0.0.1:8090/hubs/support-chat"
	}
	if c.Hub.BaseBackoffMs == 0 {
		c.Hub.BaseBackoffMs = 2000
	}
	if c.Hub.MaxBackoffMs == 0 {
		c.Hub.MaxBackoffMs = 30000
	}
	if c.Hub.WriteTimeoutSec == 0 {
		c.Hub.WriteTimeoutSec = 10
	}
	if c.Hub.ReadIdleSec == 0 {
		c.Hub.ReadIdleSec = 60
	}
	if c.API.BaseURL == "" {
		c.API.BaseURL = "http://127.0.0.1:8090/api"
	}
	if c.API.PageSize == 0 {
		c.API.PageSize = 20
	}
	if c.API.TimeoutSec == 0 {
		c.API.TimeoutSec = 15
	}
	if c.Auth.TokenEnv == "" {
		c.Auth.TokenEnv = DefaultTokenEnv
	}
	if c.Typing.DebounceMs == 0 {
		c.Typing.DebounceMs = 1000
	}
	if c.Typing.ExpiryMs == 0 {
		c.Typing.ExpiryMs = 3000
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	d := &c.DevHub
	if d.Port == 0 {
		d.Port = 8090
	}
	if d.PingIntervalSec == 0 {
		d.PingIntervalSec = 25
	}
	if d.Database.Driver == "" {
		d.Database.Driver = "sqlite"
	}
	if d.Database.Driver == "sqlite" && d.Database.Path == "" {
		d.Database.Path = "supportline.db"
	}
	if d.Database.Driver == "mysql" {
		if d.Database.Host == "" {
			d.Database.Host = "127.0.0.1"
		}
		if d.Database.Port == 0 {
			d.Database.Port = 3306
		}
		if d.Database.User == "" {
			d.Database.User = "root"
		}
		if d.Database.Name == "" {
			d.Database.Name = "supportline"
		}
	}
	if d.AutoClose.Cron == "" {
		d.AutoClose.Cron = "*/5 * * * *"
	}
	if d.AutoClose.ResolvedAfterMin == 0 {
		d.AutoClose.ResolvedAfterMin = 60
	}
	for i := range d.Users {
		if d.Users[i].Role == "" {
			d.Users[i].Role = "customer"
		}
		if d.Users[i].Name == "" {
			d.Users[i].Name = d.Users[i].ID
		}
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if err := checkURL(c.Hub.URL, "ws", "wss"); err != nil {
		errs = append(errs, "hub.url "+err.Error())
	}
	if c.Hub.BaseBackoffMs < 0 || c.Hub.MaxBackoffMs < 0 {
		errs = append(errs, "hub backoff must not be negative")
	} else if c.Hub.MaxBackoffMs < c.Hub.BaseBackoffMs {
		errs = append(errs, "hub.max_backoff_ms must be >= hub.base_backoff_ms")
	}
	if c.Hub.MaxReconnectAttempts < 0 {
		errs = append(errs, "hub.max_reconnect_attempts must not be negative")
	}
	if err := checkURL(c.API.BaseURL, "http", "https"); err != nil {
		errs = append(errs, "api.base_url "+err.Error())
	}
	if c.API.PageSize < 0 {
		errs = append(errs, "api.page_size must not be negative")
	}
	if c.Typing.DebounceMs < 0 || c.Typing.ExpiryMs < 0 {
		errs = append(errs, "typing timers must not be negative")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}

	d := c.DevHub
	switch d.Database.Driver {
	case "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("devhub.database.driver %q is not sqlite or mysql", d.Database.Driver))
	}
	seen := make(map[string]bool)
	for i, u := range d.Users {
		if u.Token == "" {
			errs = append(errs, fmt.Sprintf("devhub.users[%d].token is required", i))
		} else if seen[u.Token] {
			errs = append(errs, fmt.Sprintf("devhub.users[%d].token is duplicated", i))
		}
		seen[u.Token] = true
		if u.ID == "" {
			errs = append(errs, fmt.Sprintf("devhub.users[%d].id is required", i))
		}
		if u.Role != "customer" && u.Role != "agent" {
			errs = append(errs, fmt.Sprintf("devhub.users[%d].role %q is not customer or agent", i, u.Role))
		}
	}
	switch d.Notify.Platform {
	case "":
	case "slack":
		if d.Notify.Slack.BotToken == "" {
			errs = append(errs, "devhub.notify.slack.bot_token is required")
		}
	case "discord":
		if d.Notify.Discord.BotToken == "" {
			errs = append(errs, "devhub.notify.discord.bot_token is required")
		}
	default:
		errs = append(errs, fmt.Sprintf("devhub.notify.platform %q is not slack or discord", d.Notify.Platform))
	}
	if d.Notify.Platform != "" && d.Notify.Channel == "" {
		errs = append(errs, "devhub.notify.channel is required")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("is invalid: %v", err)
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%q must use %s", raw, strings.Join(schemes, " or "))
}

// ResolveToken returns the configured token, falling back to the token
// environment variable. Empty means no credentials.
func (a AuthConfig) ResolveToken() string {
	if a.Token != "" {
		return a.Token
	}
	if a.TokenEnv != "" {
		return os.Getenv(a.TokenEnv)
	}
	return ""
}

// BaseBackoff is the first reconnect delay.
func (h HubConfig) BaseBackoff() time.Duration {
	return time.Duration(h.BaseBackoffMs) * time.Millisecond
}

// MaxBackoff caps the reconnect delay.
func (h HubConfig) MaxBackoff() time.Duration {
	return time.Duration(h.MaxBackoffMs) * time.Millisecond
}

// WriteTimeout bounds a single frame write.
func (h HubConfig) WriteTimeout() time.Duration {
	return time.Duration(h.WriteTimeoutSec) * time.Second
}

// ReadIdle is how long the hub may stay silent before the connection is
// considered dead.
func (h HubConfig) ReadIdle() time.Duration {
	return time.Duration(h.ReadIdleSec) * time.Second
}

// Timeout bounds a single REST call.
func (a APIConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutSec) * time.Second
}

// Debounce is the local typing stop delay.
func (t TypingConfig) Debounce() time.Duration {
	return time.Duration(t.DebounceMs) * time.Millisecond
}

// Expiry is how long a remote typing indicator lives without refresh.
func (t TypingConfig) Expiry() time.Duration {
	return time.Duration(t.ExpiryMs) * time.Millisecond
}
