package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/linkgate/linkgate/internal/errors"
)

// Minimum signing secret length in bytes. Shorter secrets are rejected when signing.
const DefaultMinSecretBytes = 32

// Rate-limited action names.
const (
	ActionLogin      = "login"
	ActionLinkCode   = "link_code"
	ActionLinkRedeem = "link_redeem"
	ActionBotAPI     = "bot_api"
)

// Config represents the complete application configuration.
type Config struct {
	Version   string          `yaml:"version"`
	Server    ServerConfig    `yaml:"server"`
	Session   SessionConfig   `yaml:"session"`
	BotToken  BotTokenConfig  `yaml:"bot_token"`
	Linking   LinkingConfig   `yaml:"linking"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Redis     RedisConfig     `yaml:"redis"`
	Storage   StorageConfig   `yaml:"storage"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Realtime  RealtimeConfig  `yaml:"realtime"`
	Cleanup   CleanupConfig   `yaml:"cleanup"`
}

// ServerConfig contains server-related configuration.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	HTTPPort        int           `yaml:"http_port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	LogLevel        string        `yaml:"log_level"`
	// Per client IP, applied to every API request.
	RequestsPerSecond float64   `yaml:"requests_per_second"`
	Burst             int       `yaml:"burst"`
	TLS               TLSConfig `yaml:"tls"`
}

// TLSConfig contains TLS configuration.
type TLSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`
	MinVersion string `yaml:"min_version"` // "1.2" or "1.3"
}

// SessionConfig configures signed cookie sessions.
type SessionConfig struct {
	Secret         string        `yaml:"secret"`
	TTL            time.Duration `yaml:"ttl"`
	MinSecretBytes int           `yaml:"min_secret_bytes"`
	CookieName     string        `yaml:"cookie_name"`
	CookieDomain   string        `yaml:"cookie_domain"`
	CookiePath     string        `yaml:"cookie_path"`
	CookieSecure   bool          `yaml:"cookie_secure"`
	// lax, strict or none
	CookieSameSite string `yaml:"cookie_same_site"`
}

// BotTokenConfig configures bot bearer tokens.
type BotTokenConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

// LinkingConfig configures one-time linking codes.
type LinkingConfig struct {
	TTL               time.Duration `yaml:"ttl"`
	MaxInsertAttempts int           `yaml:"max_insert_attempts"`
}

// RateLimitRule is the admission threshold for a single action.
type RateLimitRule struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Window      time.Duration `yaml:"window"`
}

// RateLimitConfig contains rate limiting configuration.
type RateLimitConfig struct {
	// memory or redis
	Backend       string                   `yaml:"backend"`
	SweepInterval time.Duration            `yaml:"sweep_interval"`
	Rules         map[string]RateLimitRule `yaml:"rules"`
}

// Rule returns the rule for action and whether one is configured.
func (r *RateLimitConfig) Rule(action string) (RateLimitRule, bool) {
	rule, ok := r.Rules[action]
	return rule, ok
}

// RedisConfig contains the shared counter store connection.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// StorageConfig selects and configures the relational store.
type StorageConfig struct {
	// sqlite or postgres
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
	// How long used or expired linking codes are kept before purge.
	Retention time.Duration `yaml:"retention"`
}

// TelegramConfig contains Telegram bot configuration.
type TelegramConfig struct {
	Enabled           bool          `yaml:"enabled"`
	BotToken          string        `yaml:"bot_token"`
	PollTimeout       time.Duration `yaml:"poll_timeout"`
	MessagesPerSecond float64       `yaml:"messages_per_second"`
}

// WebhookConfig contains the shared secret for server-to-server calls.
type WebhookConfig struct {
	Secret string `yaml:"secret"`
}

// RealtimeConfig configures the event stream.
type RealtimeConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// CleanupConfig contains cleanup/retention configuration.
type CleanupConfig struct {
	Enabled bool `yaml:"enabled"`

	// Interval is the time between purge runs.
	// Default: 1h
	Interval time.Duration `yaml:"interval"`

	// ShutdownTimeout is the timeout for graceful shutdown.
	// Default: 30s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Version == "" {
		return fmt.Errorf("version is required")
	}

	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}

	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("session: %w", err)
	}

	if err := c.BotToken.Validate(); err != nil {
		return fmt.Errorf("bot_token: %w", err)
	}

	if err := c.Linking.Validate(); err != nil {
		return fmt.Errorf("linking: %w", err)
	}

	if err := c.RateLimit.Validate(); err != nil {
		return fmt.Errorf("rate_limit: %w", err)
	}

	if c.RateLimit.Backend == "redis" && c.Redis.URL == "" {
		return fmt.Errorf("redis: url is required when rate_limit.backend is redis")
	}

	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage: %w", err)
	}

	if err := c.Telegram.Validate(); err != nil {
		return fmt.Errorf("telegram: %w", err)
	}

	if c.Realtime.HeartbeatInterval <= 0 {
		c.Realtime.HeartbeatInterval = 25 * time.Second
	}

	if err := c.Cleanup.Validate(); err != nil {
		return fmt.Errorf("cleanup: %w", err)
	}

	return nil
}

// Validate validates server configuration.
func (s *ServerConfig) Validate() error {
	if s.Host == "" {
		return fmt.Errorf("host is required")
	}
	if s.HTTPPort <= 0 || s.HTTPPort > 65535 {
		return fmt.Errorf("http_port must be between 1 and 65535")
	}
	if s.ShutdownTimeout < 0 {
		return fmt.Errorf("shutdown_timeout must be positive")
	}
	if s.ShutdownTimeout == 0 {
		s.ShutdownTimeout = 30 * time.Second
	}
	if s.LogLevel == "" {
		s.LogLevel = "info"
	}
	if s.RequestsPerSecond <= 0 {
		s.RequestsPerSecond = 20
	}
	if s.Burst <= 0 {
		s.Burst = 40
	}
	if s.TLS.Enabled {
		if s.TLS.CertFile == "" {
			return fmt.Errorf("tls cert_file is required when TLS is enabled")
		}
		if s.TLS.KeyFile == "" {
			return fmt.Errorf("tls key_file is required when TLS is enabled")
		}
		if s.TLS.MinVersion != "" && s.TLS.MinVersion != "1.2" && s.TLS.MinVersion != "1.3" {
			return fmt.Errorf("tls min_version must be either \"1.2\" or \"1.3\"")
		}
		if s.TLS.MinVersion == "" {
			s.TLS.MinVersion = "1.3"
		}
	}
	return nil
}

// Validate applies session defaults. A short secret is not rejected here:
// the codec refuses to sign with it so the failure surfaces as a ConfigError.
// min_secret_bytes may raise the floor but never lower it.
func (s *SessionConfig) Validate() error {
	if s.TTL < 0 {
		return fmt.Errorf("ttl must be positive")
	}
	if s.TTL == 0 {
		s.TTL = 7 * 24 * time.Hour
	}
	if s.MinSecretBytes <= 0 {
		s.MinSecretBytes = DefaultMinSecretBytes
	}
	if s.MinSecretBytes < DefaultMinSecretBytes {
		return &errors.ConfigError{
			Field:  "session.min_secret_bytes",
			Reason: fmt.Sprintf("must be at least %d", DefaultMinSecretBytes),
		}
	}
	if s.CookieName == "" {
		s.CookieName = "lg_session"
	}
	if s.CookiePath == "" {
		s.CookiePath = "/"
	}
	switch strings.ToLower(s.CookieSameSite) {
	case "":
		s.CookieSameSite = "lax"
	case "lax", "strict", "none":
		s.CookieSameSite = strings.ToLower(s.CookieSameSite)
	default:
		return fmt.Errorf("cookie_same_site must be one of: lax, strict, none")
	}
	if s.CookieSameSite == "none" && !s.CookieSecure {
		return fmt.Errorf("cookie_same_site none requires cookie_secure")
	}
	return nil
}

// Validate applies bot token defaults.
func (b *BotTokenConfig) Validate() error {
	if b.TTL < 0 {
		return fmt.Errorf("ttl must be positive")
	}
	if b.TTL == 0 {
		b.TTL = 30 * 24 * time.Hour
	}
	return nil
}

// Validate applies linking defaults.
func (l *LinkingConfig) Validate() error {
	if l.TTL < 0 {
		return fmt.Errorf("ttl must be positive")
	}
	if l.TTL == 0 {
		l.TTL = 10 * time.Minute
	}
	if l.MaxInsertAttempts <= 0 {
		l.MaxInsertAttempts = 5
	}
	return nil
}

// DefaultRateLimitRules returns the built-in thresholds per action.
func DefaultRateLimitRules() map[string]RateLimitRule {
	return map[string]RateLimitRule{
		ActionLogin:      {MaxAttempts: 5, Window: 15 * time.Minute},
		ActionLinkCode:   {MaxAttempts: 5, Window: 10 * time.Minute},
		ActionLinkRedeem: {MaxAttempts: 10, Window: 10 * time.Minute},
		ActionBotAPI:     {MaxAttempts: 120, Window: time.Minute},
	}
}

// Validate validates rate limit configuration and fills missing rules.
func (r *RateLimitConfig) Validate() error {
	switch r.Backend {
	case "":
		r.Backend = "memory"
	case "memory", "redis":
	default:
		return fmt.Errorf("backend must be one of: memory, redis")
	}
	if r.SweepInterval <= 0 {
		r.SweepInterval = time.Minute
	}
	if r.Rules == nil {
		r.Rules = make(map[string]RateLimitRule)
	}
	for action, rule := range DefaultRateLimitRules() {
		if _, ok := r.Rules[action]; !ok {
			r.Rules[action] = rule
		}
	}
	for action, rule := range r.Rules {
		if rule.MaxAttempts <= 0 {
			return fmt.Errorf("rules.%s: max_attempts must be positive", action)
		}
		if rule.Window <= 0 {
			return fmt.Errorf("rules.%s: window must be positive", action)
		}
	}
	return nil
}

// Validate validates storage configuration.
func (s *StorageConfig) Validate() error {
	switch s.Driver {
	case "":
		s.Driver = "sqlite"
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("driver must be one of: sqlite, postgres")
	}
	if s.Driver == "sqlite" && s.Path == "" {
		s.Path = "linkgate.db"
	}
	if s.Driver == "postgres" && s.DSN == "" {
		return fmt.Errorf("dsn is required for postgres")
	}
	if s.Retention <= 0 {
		s.Retention = 24 * time.Hour
	}
	return nil
}

// Validate validates Telegram configuration.
func (t *TelegramConfig) Validate() error {
	if t.Enabled && t.BotToken == "" {
		return fmt.Errorf("bot_token is required when telegram is enabled")
	}
	if t.PollTimeout <= 0 {
		t.PollTimeout = 30 * time.Second
	}
	if t.MessagesPerSecond <= 0 {
		t.MessagesPerSecond = 1
	}
	return nil
}

// Validate validates cleanup configuration and applies defaults.
func (c *CleanupConfig) Validate() error {
	if c.Interval <= 0 {
		c.Interval = time.Hour
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	return nil
}
