// Package config provides unified configuration loading for the agent
// execution core: defaults, YAML file, then environment variable overrides.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the complete configuration of the execution core service.
type Config struct {
	Server    ServerConfig    `yaml:"server" env:"SERVER"`
	Queue     QueueConfig     `yaml:"queue" env:"QUEUE"`
	RateLimit RateLimitConfig `yaml:"rate_limit" env:"RATE_LIMIT"`
	Cache     CacheConfig     `yaml:"cache" env:"CACHE"`
	Redis     RedisConfig     `yaml:"redis" env:"REDIS"`
	Database  DatabaseConfig  `yaml:"database" env:"DATABASE"`
	Upstream  UpstreamConfig  `yaml:"upstream" env:"UPSTREAM"`
	Log       LogConfig       `yaml:"log" env:"LOG"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	HTTPPort           int           `yaml:"http_port" env:"HTTP_PORT"`
	MetricsPort        int           `yaml:"metrics_port" env:"METRICS_PORT"`
	ReadTimeout        time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout       time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	RateLimitRPS       int           `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	RateLimitBurst     int           `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
	APIKeys            []string      `yaml:"api_keys" env:"API_KEYS"`
	CORSAllowedOrigins []string      `yaml:"cors_allowed_origins" env:"CORS_ALLOWED_ORIGINS"`
}

// QueueConfig holds request queue settings.
type QueueConfig struct {
	MaxSize       int           `yaml:"max_size" env:"MAX_SIZE"`
	MaxConcurrent int           `yaml:"max_concurrent" env:"MAX_CONCURRENT"`
	MaxRetries    int           `yaml:"max_retries" env:"MAX_RETRIES"`
	RetryDelay    time.Duration `yaml:"retry_delay" env:"RETRY_DELAY"`
	TickInterval  time.Duration `yaml:"tick_interval" env:"TICK_INTERVAL"`
}

// RateLimitConfig holds per-principal quota window settings. The request and
// token ceilings are defaults; per-agent ceilings from the agent record take
// precedence when set.
type RateLimitConfig struct {
	Window      time.Duration `yaml:"window" env:"WINDOW"`
	MaxRequests int           `yaml:"max_requests" env:"MAX_REQUESTS"`
	MaxTokens   int           `yaml:"max_tokens" env:"MAX_TOKENS"`
	IdleTTL     time.Duration `yaml:"idle_ttl" env:"IDLE_TTL"`
}

// CacheConfig holds response cache settings.
type CacheConfig struct {
	TTL           time.Duration `yaml:"ttl" env:"TTL"`
	MaxEntries    int           `yaml:"max_entries" env:"MAX_ENTRIES"`
	SweepInterval time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL"`
	EnableRedis   bool          `yaml:"enable_redis" env:"ENABLE_REDIS"`
}

// RedisConfig holds the optional Redis cache tier settings.
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"ADDR"`
	Password string `yaml:"password" env:"PASSWORD"`
	DB       int    `yaml:"db" env:"DB"`
	PoolSize int    `yaml:"pool_size" env:"POOL_SIZE"`
}

// DatabaseConfig holds agent/audit store settings. Only the embedded sqlite
// driver is wired; Path is the database file ("file::memory:?cache=shared"
// for tests).
type DatabaseConfig struct {
	Path string `yaml:"path" env:"PATH"`
}

// UpstreamConfig holds model-call client settings.
type UpstreamConfig struct {
	Provider string        `yaml:"provider" env:"PROVIDER"`
	BaseURL  string        `yaml:"base_url" env:"BASE_URL"`
	APIKey   string        `yaml:"api_key" env:"API_KEY"`
	Timeout  time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// LogConfig holds zap logger settings.
type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:        8080,
			MetricsPort:     9091,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			RateLimitRPS:    100,
			RateLimitBurst:  200,
		},
		Queue: QueueConfig{
			MaxSize:       1000,
			MaxConcurrent: 5,
			MaxRetries:    3,
			RetryDelay:    time.Second,
			TickInterval:  100 * time.Millisecond,
		},
		RateLimit: RateLimitConfig{
			Window:      time.Minute,
			MaxRequests: 60,
			MaxTokens:   100000,
			IdleTTL:     10 * time.Minute,
		},
		Cache: CacheConfig{
			TTL:           time.Hour,
			MaxEntries:    10000,
			SweepInterval: 5 * time.Minute,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 10,
		},
		Database: DatabaseConfig{
			Path: "agentcore.db",
		},
		Upstream: UpstreamConfig{
			Provider: "openai",
			Timeout:  60 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate checks the configuration for obviously broken values.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}
	if c.Queue.MaxSize <= 0 {
		errs = append(errs, "queue max_size must be positive")
	}
	if c.Queue.MaxConcurrent <= 0 {
		errs = append(errs, "queue max_concurrent must be positive")
	}
	if c.Queue.MaxRetries < 0 {
		errs = append(errs, "queue max_retries must not be negative")
	}
	if c.RateLimit.Window <= 0 {
		errs = append(errs, "rate_limit window must be positive")
	}
	if c.Cache.TTL <= 0 {
		errs = append(errs, "cache ttl must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}
