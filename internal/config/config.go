package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/brieflyhq/briefly/internal/ai"
	"github.com/brieflyhq/briefly/internal/cache"
	"github.com/brieflyhq/briefly/internal/observability"
	"github.com/brieflyhq/briefly/internal/ratelimit"
)

// RedisConfig holds cache store connection settings
type RedisConfig struct {
	URL                  string   `json:"url" yaml:"url"`
	Password             string   `json:"password,omitempty" yaml:"password,omitempty"`
	DB                   int      `json:"db" yaml:"db"`
	PoolSize             int      `json:"pool_size" yaml:"pool_size"`
	ConnectTimeout       Duration `json:"connect_timeout" yaml:"connect_timeout"`
	MaxReconnectAttempts int      `json:"max_reconnect_attempts" yaml:"max_reconnect_attempts"`
	ReconnectStep        Duration `json:"reconnect_step" yaml:"reconnect_step"`
	MaxReconnectDelay    Duration `json:"max_reconnect_delay" yaml:"max_reconnect_delay"`
}

// CacheConfig holds cache-aside settings
type CacheConfig struct {
	DefaultTTL Duration `json:"default_ttl" yaml:"default_ttl"`
	SummaryTTL Duration `json:"summary_ttl" yaml:"summary_ttl"`
	ScanCount  int64    `json:"scan_count" yaml:"scan_count"`
	Coalesce   bool     `json:"coalesce" yaml:"coalesce"`
}

// TierConfig is one rate limit tier
type TierConfig struct {
	Requests int64    `json:"requests" yaml:"requests"`
	Window   Duration `json:"window" yaml:"window"`
	Message  string   `json:"message" yaml:"message"`
}

// RateLimitConfig holds request rate limiting settings
type RateLimitConfig struct {
	Enabled bool                  `json:"enabled" yaml:"enabled"`
	Tiers   map[string]TierConfig `json:"tiers" yaml:"tiers"`
}

// AIConfig holds summarization backend settings
type AIConfig struct {
	Enabled         bool     `json:"enabled" yaml:"enabled"`
	APIKey          string   `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	Model           string   `json:"model" yaml:"model"`
	FallbackModel   string   `json:"fallback_model" yaml:"fallback_model"`
	BaseURL         string   `json:"base_url" yaml:"base_url"`
	Timeout         Duration `json:"timeout" yaml:"timeout"`
	MaxTokens       int      `json:"max_tokens" yaml:"max_tokens"`
	BreakerFailures uint32   `json:"breaker_failures" yaml:"breaker_failures"`
	BreakerCooldown Duration `json:"breaker_cooldown" yaml:"breaker_cooldown"`
}

// DaemonConfig holds daemon-specific settings
type DaemonConfig struct {
	HTTPAddr        string   `json:"http_addr" yaml:"http_addr"`
	LogLevel        string   `json:"log_level" yaml:"log_level"`
	LogFormat       string   `json:"log_format" yaml:"log_format"`
	ShutdownTimeout Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// Config is the central configuration struct embedding all component configs
type Config struct {
	Redis         RedisConfig          `json:"redis" yaml:"redis"`
	Cache         CacheConfig          `json:"cache" yaml:"cache"`
	AI            AIConfig             `json:"ai" yaml:"ai"`
	RateLimit     RateLimitConfig      `json:"rate_limit" yaml:"rate_limit"`
	Daemon        DaemonConfig         `json:"daemon" yaml:"daemon"`
	Observability observability.Config `json:"observability" yaml:"observability"`
}

// Rate limit tier names
const (
	TierGeneral = "general"
	TierAI      = "ai"
	TierAuth    = "auth"
)

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	policy := cache.DefaultReconnectPolicy()
	return &Config{
		Redis: RedisConfig{
			URL:                  "redis://localhost:6379",
			ConnectTimeout:       Duration(policy.ConnectTimeout),
			MaxReconnectAttempts: policy.MaxAttempts,
			ReconnectStep:        Duration(policy.Step),
			MaxReconnectDelay:    Duration(policy.MaxDelay),
		},
		Cache: CacheConfig{
			DefaultTTL: Duration(cache.DefaultTTL),
			SummaryTTL: Duration(cache.DefaultTTL),
			ScanCount:  100,
		},
		AI: AIConfig{
			Enabled:         true,
			Model:           "gemini-2.0-flash-exp",
			FallbackModel:   "gemini-pro",
			BaseURL:         "https://generativelanguage.googleapis.com/v1beta/openai",
			Timeout:         Duration(60 * time.Second),
			MaxTokens:       512,
			BreakerFailures: 5,
			BreakerCooldown: Duration(30 * time.Second),
		},
		RateLimit: RateLimitConfig{
			Enabled: true,
			Tiers: map[string]TierConfig{
				TierGeneral: tierConfig(ratelimit.General),
				TierAI:      tierConfig(ratelimit.AI),
				TierAuth:    tierConfig(ratelimit.Auth),
			},
		},
		Daemon: DaemonConfig{
			HTTPAddr:        ":8080",
			LogLevel:        "info",
			LogFormat:       "text",
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Observability: observability.Config{
			Enabled:     false,
			Exporter:    "otlp-http",
			Endpoint:    "localhost:4318",
			ServiceName: "briefly",
			SampleRate:  1.0,
		},
	}
}

// LoadFromFile loads configuration from a JSON or YAML file. Values absent
// from the file keep their defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	return cfg, nil
}

// LoadFromEnv applies environment variable overrides to the config.
// BRIEFLY_REDIS_URL wins over REDIS_URL, which wins over REDIS_HOST and
// REDIS_PORT.
func LoadFromEnv(cfg *Config) error {
	host, port := os.Getenv("REDIS_HOST"), os.Getenv("REDIS_PORT")
	if host != "" || port != "" {
		if host == "" {
			host = "localhost"
		}
		if port == "" {
			port = "6379"
		}
		cfg.Redis.URL = "redis://" + net.JoinHostPort(host, port)
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("BRIEFLY_REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("BRIEFLY_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("BRIEFLY_HTTP_ADDR"); v != "" {
		cfg.Daemon.HTTPAddr = v
	}
	if v := os.Getenv("BRIEFLY_LOG_LEVEL"); v != "" {
		cfg.Daemon.LogLevel = v
	}
	if v := os.Getenv("BRIEFLY_LOG_FORMAT"); v != "" {
		cfg.Daemon.LogFormat = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		cfg.AI.APIKey = v
	}
	if v := os.Getenv("BRIEFLY_AI_API_KEY"); v != "" {
		cfg.AI.APIKey = v
	}
	if v := os.Getenv("BRIEFLY_AI_MODEL"); v != "" {
		cfg.AI.Model = v
	}
	if v := os.Getenv("BRIEFLY_AI_BASE_URL"); v != "" {
		cfg.AI.BaseURL = v
	}

	var errs []error
	if v := os.Getenv("BRIEFLY_CACHE_TTL"); v != "" {
		d, err := parseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("BRIEFLY_CACHE_TTL: %w", err))
		} else {
			cfg.Cache.DefaultTTL = d
			cfg.Cache.SummaryTTL = d
		}
	}
	if v := os.Getenv("BRIEFLY_RATE_LIMIT_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("BRIEFLY_RATE_LIMIT_ENABLED: %w", err))
		} else {
			cfg.RateLimit.Enabled = b
		}
	}
	if v := os.Getenv("BRIEFLY_TRACING_ENDPOINT"); v != "" {
		cfg.Observability.Enabled = true
		cfg.Observability.Endpoint = v
	}
	return errors.Join(errs...)
}

// Load reads path when it is non-empty, then applies environment overrides
// and validates the result.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		loaded, err := LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := LoadFromEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Redis.URL) == "" {
		errs = append(errs, errors.New("redis.url is required"))
	}
	if c.Redis.ConnectTimeout < 0 || c.Redis.ReconnectStep < 0 || c.Redis.MaxReconnectDelay < 0 {
		errs = append(errs, errors.New("redis durations must not be negative"))
	}
	if c.Redis.MaxReconnectAttempts < 0 {
		errs = append(errs, errors.New("redis.max_reconnect_attempts must not be negative"))
	}
	if c.Cache.DefaultTTL < 0 || c.Cache.SummaryTTL < 0 {
		errs = append(errs, errors.New("cache ttls must not be negative"))
	}
	if c.RateLimit.Enabled {
		for name, tier := range c.RateLimit.Tiers {
			if tier.Window <= 0 {
				errs = append(errs, fmt.Errorf("rate_limit.tiers.%s.window must be positive", name))
			}
			if tier.Requests <= 0 {
				errs = append(errs, fmt.Errorf("rate_limit.tiers.%s.requests must be positive", name))
			}
		}
	}
	if c.AI.Enabled && c.AI.BaseURL == "" {
		errs = append(errs, errors.New("ai.base_url is required when ai is enabled"))
	}
	return errors.Join(errs...)
}

// CacheOptions converts the Redis section into connection options.
func (c *Config) CacheOptions() cache.Options {
	return cache.Options{
		URL:      c.Redis.URL,
		Password: c.Redis.Password,
		DB:       c.Redis.DB,
		PoolSize: c.Redis.PoolSize,
		Policy: cache.ReconnectPolicy{
			MaxAttempts:    c.Redis.MaxReconnectAttempts,
			Step:           c.Redis.ReconnectStep.Std(),
			MaxDelay:       c.Redis.MaxReconnectDelay.Std(),
			ConnectTimeout: c.Redis.ConnectTimeout.Std(),
		},
	}
}

// StoreOptions converts the Cache section into store options.
func (c *Config) StoreOptions() []cache.StoreOption {
	opts := []cache.StoreOption{
		cache.WithDefaultTTL(c.Cache.DefaultTTL.Std()),
		cache.WithScanCount(c.Cache.ScanCount),
	}
	if c.Cache.Coalesce {
		opts = append(opts, cache.WithCoalescing())
	}
	return opts
}

// AIServiceConfig converts the AI section into the client config.
func (c *Config) AIServiceConfig() ai.Config {
	return ai.Config{
		Enabled:         c.AI.Enabled,
		APIKey:          c.AI.APIKey,
		Model:           c.AI.Model,
		FallbackModel:   c.AI.FallbackModel,
		BaseURL:         c.AI.BaseURL,
		Timeout:         c.AI.Timeout.Std(),
		MaxTokens:       c.AI.MaxTokens,
		BreakerFailures: c.AI.BreakerFailures,
		BreakerCooldown: c.AI.BreakerCooldown.Std(),
	}
}

// RateLimitTier returns the named tier, falling back to def when the config
// does not define it.
func (c *Config) RateLimitTier(name string, def ratelimit.Tier) ratelimit.Tier {
	t, ok := c.RateLimit.Tiers[name]
	if !ok {
		return def
	}
	msg := t.Message
	if msg == "" {
		msg = def.Message
	}
	return ratelimit.Tier{Name: name, Limit: t.Requests, Window: t.Window.Std(), Message: msg}
}

func tierConfig(t ratelimit.Tier) TierConfig {
	return TierConfig{Requests: t.Limit, Window: Duration(t.Window), Message: t.Message}
}
