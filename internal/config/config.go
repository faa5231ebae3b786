package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/foxzi/wacast/internal/ai"
	"github.com/foxzi/wacast/internal/events"
)

// Config is the main configuration structure
type Config struct {
	API        APIConfig        `yaml:"api"`
	SendAPI    SendAPIConfig    `yaml:"send_api"`
	Storage    StorageConfig    `yaml:"storage"`
	Database   DatabaseConfig   `yaml:"database"`
	AI         AIConfig         `yaml:"ai"`
	Campaign   CampaignConfig   `yaml:"campaign"`
	UsageLimit UsageLimitConfig `yaml:"usage_limit"`
	Events     events.Config    `yaml:"events"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// APIConfig contains HTTP API settings
type APIConfig struct {
	ListenAddr     string        `yaml:"listen_addr"`
	JWTSecret      string        `yaml:"jwt_secret"`       // Empty = trust X-Owner-ID (development only)
	MaxHeaderBytes int           `yaml:"max_header_bytes"` // Default: 1MB
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	AllowedIPs     []string      `yaml:"allowed_ips"` // Empty = allow all
}

// SendAPIConfig describes the external WhatsApp send backend
type SendAPIConfig struct {
	BaseURL    string        `yaml:"base_url"`
	Timeout    time.Duration `yaml:"timeout"`     // Default: 10s
	ProbePath  string        `yaml:"probe_path"`  // Default: /
	LiveStatus bool          `yaml:"live_status"` // Confirm instance status with the backend
}

// StorageConfig contains campaign store settings
type StorageConfig struct {
	Driver string `yaml:"driver"` // bolt, memory
	Path   string `yaml:"path"`
}

// DatabaseConfig points at the instance directory
type DatabaseConfig struct {
	Driver  string `yaml:"driver"` // postgres, sqlite3
	DSN     string `yaml:"dsn"`
	Migrate bool   `yaml:"migrate"`
}

// AIConfig contains provider settings and default credentials
type AIConfig struct {
	ai.Config       `yaml:",inline"`
	DefaultProvider string `yaml:"default_provider"`
	OpenAIAPIKey    string `yaml:"openai_api_key"`
	GeminiAPIKey    string `yaml:"gemini_api_key"`
}

// APIKey returns the configured key for provider
func (c AIConfig) APIKey(provider string) string {
	switch provider {
	case ai.ProviderGemini:
		return c.GeminiAPIKey
	default:
		return c.OpenAIAPIKey
	}
}

// CampaignConfig contains pacing and retention settings
type CampaignConfig struct {
	Tick            time.Duration `yaml:"tick"`             // Stop check granularity (default: 500ms)
	Cooldown        time.Duration `yaml:"cooldown"`         // Pause after a 429 (default: 5m)
	SendTimeout     time.Duration `yaml:"send_timeout"`     // Default: 10s
	WarmupMinDelay  time.Duration `yaml:"warmup_min_delay"` // Default: 30s
	WarmupMaxDelay  time.Duration `yaml:"warmup_max_delay"` // Default: 120s
	SafetyPause     time.Duration `yaml:"safety_pause"`     // Default: 5m
	PauseEveryMin   int           `yaml:"pause_every_min"`  // Default: 10
	PauseEveryMax   int           `yaml:"pause_every_max"`  // Default: 15
	Retention       time.Duration `yaml:"retention"`        // Delete completed campaigns older than this (0 = keep)
	CleanupInterval time.Duration `yaml:"cleanup_interval"` // Default: 1h
}

// UsageLimitConfig contains message caps
type UsageLimitConfig struct {
	Enabled       bool          `yaml:"enabled"`
	PerOwner      *LimitValues  `yaml:"per_owner,omitempty"`
	PerInstance   *LimitValues  `yaml:"per_instance,omitempty"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// LimitValues contains cap values; zero means unlimited
type LimitValues struct {
	MessagesPerHour int `yaml:"messages_per_hour"`
	MessagesPerDay  int `yaml:"messages_per_day"`
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled       bool          `yaml:"enabled"`
	ListenAddr    string        `yaml:"listen_addr"`    // Default: :9090
	Path          string        `yaml:"path"`           // Default: /metrics
	FlushInterval time.Duration `yaml:"flush_interval"` // Default: 10s
	AllowedIPs    []string      `yaml:"allowed_ips"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// Load loads configuration from a YAML file.
// WACAST_* environment variables override secrets from the file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnv()
	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyEnv overrides values from the environment
func (c *Config) applyEnv() {
	overrides := []struct {
		key string
		dst *string
	}{
		{"WACAST_API_JWT_SECRET", &c.API.JWTSecret},
		{"WACAST_SEND_API_URL", &c.SendAPI.BaseURL},
		{"WACAST_DATABASE_DSN", &c.Database.DSN},
		{"WACAST_OPENAI_API_KEY", &c.AI.OpenAIAPIKey},
		{"WACAST_GEMINI_API_KEY", &c.AI.GeminiAPIKey},
		{"WACAST_AMQP_URL", &c.Events.URL},
	}
	for _, o := range overrides {
		if v, ok := os.LookupEnv(o.key); ok && v != "" {
			*o.dst = v
		}
	}
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8080"
	}
	if c.API.MaxHeaderBytes == 0 {
		c.API.MaxHeaderBytes = 1 << 20 // 1 MB
	}
	if c.API.ReadTimeout == 0 {
		c.API.ReadTimeout = 30 * time.Second
	}
	if c.API.WriteTimeout == 0 {
		c.API.WriteTimeout = 30 * time.Second
	}
	if c.API.IdleTimeout == 0 {
		c.API.IdleTimeout = 60 * time.Second
	}

	if c.SendAPI.Timeout == 0 {
		c.SendAPI.Timeout = 10 * time.Second
	}
	if c.SendAPI.ProbePath == "" {
		c.SendAPI.ProbePath = "/"
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "bolt"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "/var/lib/wacast/campaigns.db"
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite3"
	}
	if c.Database.DSN == "" && c.Database.Driver == "sqlite3" {
		c.Database.DSN = "/var/lib/wacast/instances.db"
		c.Database.Migrate = true
	}

	// AI defaults
	if c.AI.DefaultProvider == "" {
		c.AI.DefaultProvider = ai.ProviderOpenAI
	}
	def := ai.DefaultConfig()
	if c.AI.OpenAIBaseURL == "" {
		c.AI.OpenAIBaseURL = def.OpenAIBaseURL
	}
	if c.AI.OpenAIModel == "" {
		c.AI.OpenAIModel = def.OpenAIModel
	}
	if c.AI.GeminiModel == "" {
		c.AI.GeminiModel = def.GeminiModel
	}
	if c.AI.Timeout == 0 {
		c.AI.Timeout = def.Timeout
	}
	if c.AI.MaxRetries == 0 {
		c.AI.MaxRetries = def.MaxRetries
	}
	if c.AI.RetryBase == 0 {
		c.AI.RetryBase = def.RetryBase
	}
	if c.AI.RequestsPerMinute == 0 {
		c.AI.RequestsPerMinute = def.RequestsPerMinute
	}

	// Campaign pacing defaults
	if c.Campaign.Tick == 0 {
		c.Campaign.Tick = 500 * time.Millisecond
	}
	if c.Campaign.Cooldown == 0 {
		c.Campaign.Cooldown = 5 * time.Minute
	}
	if c.Campaign.SendTimeout == 0 {
		c.Campaign.SendTimeout = 10 * time.Second
	}
	if c.Campaign.WarmupMinDelay == 0 {
		c.Campaign.WarmupMinDelay = 30 * time.Second
	}
	if c.Campaign.WarmupMaxDelay == 0 {
		c.Campaign.WarmupMaxDelay = 120 * time.Second
	}
	if c.Campaign.SafetyPause == 0 {
		c.Campaign.SafetyPause = 5 * time.Minute
	}
	if c.Campaign.PauseEveryMin == 0 {
		c.Campaign.PauseEveryMin = 10
	}
	if c.Campaign.PauseEveryMax == 0 {
		c.Campaign.PauseEveryMax = 15
	}
	if c.Campaign.CleanupInterval == 0 {
		c.Campaign.CleanupInterval = time.Hour
	}

	if c.UsageLimit.FlushInterval == 0 {
		c.UsageLimit.FlushInterval = 10 * time.Second
	}

	if c.Events.Exchange == "" {
		c.Events.Exchange = "wacast.campaigns"
	}

	// Metrics defaults
	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.FlushInterval == 0 {
		c.Metrics.FlushInterval = 10 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.SendAPI.BaseURL == "" {
		return fmt.Errorf("send_api.base_url is required")
	}
	if !strings.HasPrefix(c.SendAPI.BaseURL, "http://") && !strings.HasPrefix(c.SendAPI.BaseURL, "https://") {
		return fmt.Errorf("send_api.base_url must be an http(s) URL: %s", c.SendAPI.BaseURL)
	}

	switch c.Storage.Driver {
	case "bolt":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the bolt driver")
		}
	case "memory":
	default:
		return fmt.Errorf("invalid storage.driver: %s (must be bolt or memory)", c.Storage.Driver)
	}
	if c.UsageLimit.Enabled && c.Storage.Driver != "bolt" {
		return fmt.Errorf("usage_limit requires storage.driver bolt")
	}

	switch c.Database.Driver {
	case "postgres", "sqlite3":
	default:
		return fmt.Errorf("invalid database.driver: %s (must be postgres or sqlite3)", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}

	switch c.AI.DefaultProvider {
	case ai.ProviderOpenAI, ai.ProviderGemini:
	default:
		return fmt.Errorf("invalid ai.default_provider: %s (must be openai or gemini)", c.AI.DefaultProvider)
	}

	if c.Campaign.PauseEveryMin > c.Campaign.PauseEveryMax {
		return fmt.Errorf("campaign.pause_every_min (%d) must not exceed pause_every_max (%d)",
			c.Campaign.PauseEveryMin, c.Campaign.PauseEveryMax)
	}
	if c.Campaign.WarmupMinDelay > c.Campaign.WarmupMaxDelay {
		return fmt.Errorf("campaign.warmup_min_delay must not exceed warmup_max_delay")
	}
	if c.Campaign.Tick <= 0 {
		return fmt.Errorf("campaign.tick must be positive")
	}

	for name, l := range map[string]*LimitValues{"per_owner": c.UsageLimit.PerOwner, "per_instance": c.UsageLimit.PerInstance} {
		if l != nil && (l.MessagesPerHour < 0 || l.MessagesPerDay < 0) {
			return fmt.Errorf("usage_limit.%s values must not be negative", name)
		}
	}

	if c.Events.Enabled && c.Events.URL == "" {
		return fmt.Errorf("events.url is required when events are enabled")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	return nil
}
