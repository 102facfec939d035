package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sawpanic/copyrelay/infra/breakers"
	"github.com/sawpanic/copyrelay/internal/infrastructure/db"
	"github.com/sawpanic/copyrelay/internal/relay"
)

// Config is the complete relay configuration.
type Config struct {
	Prefix   string        `yaml:"prefix"`
	LogLevel string        `yaml:"log_level"`
	Auth     AuthConfig    `yaml:"auth"`
	Redis    RedisConfig   `yaml:"redis"`
	HTTP     HTTPConfig    `yaml:"http"`
	Relay    RelayConfig   `yaml:"relay"`
	Database db.Config     `yaml:"database"`
	Breaker  CircuitConfig `yaml:"circuit"`
}

// AuthConfig holds the two shared secrets. Neither has a default.
type AuthConfig struct {
	MasterKey string `yaml:"master_key"`
	SlaveKey  string `yaml:"slave_key"`
}

type RedisConfig struct {
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	OpTimeout time.Duration `yaml:"op_timeout"`
}

type HTTPConfig struct {
	Host            string          `yaml:"host"`
	Port            int             `yaml:"port"`
	ReadTimeout     time.Duration   `yaml:"read_timeout"`
	WriteTimeout    time.Duration   `yaml:"write_timeout"`
	RequestTimeout  time.Duration   `yaml:"request_timeout"`
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout"`
	RateLimit       RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig limits requests per client address. RPS 0 disables it.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type RelayConfig struct {
	EventCap          int           `yaml:"event_cap"`
	EventMaxAge       time.Duration `yaml:"event_max_age"`
	EventInterval     time.Duration `yaml:"event_interval"`
	PresenceThreshold time.Duration `yaml:"presence_threshold"`
	PresenceInterval  time.Duration `yaml:"presence_interval"`
}

// CircuitConfig tunes the breaker in front of the store.
type CircuitConfig struct {
	ConsecutiveFailures uint32        `yaml:"consecutive_failures"`
	MinRequests         uint32        `yaml:"min_requests"`
	FailureRatio        float64       `yaml:"failure_ratio"`
	Interval            time.Duration `yaml:"interval"`
	Timeout             time.Duration `yaml:"timeout"`
}

// Default returns a working configuration without keys.
func Default() *Config {
	br := breakers.DefaultSettings("redis")
	mc := relay.DefaultMaintenanceConfig()
	return &Config{
		Prefix:   "default_",
		LogLevel: "info",
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			OpTimeout: 2 * time.Second,
		},
		HTTP: HTTPConfig{
			Host:            "0.0.0.0",
			Port:            3000,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			RequestTimeout:  10 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			RateLimit:       RateLimitConfig{RPS: 20, Burst: 40},
		},
		Relay: RelayConfig{
			EventCap:          100,
			EventMaxAge:       mc.EventMaxAge,
			EventInterval:     mc.EventInterval,
			PresenceThreshold: mc.PresenceThreshold,
			PresenceInterval:  mc.PresenceInterval,
		},
		Database: db.DefaultConfig(),
		Breaker: CircuitConfig{
			ConsecutiveFailures: br.ConsecutiveFailures,
			MinRequests:         br.MinRequests,
			FailureRatio:        br.FailureRatio,
			Interval:            br.Interval,
			Timeout:             br.Timeout,
		},
	}
}

// Load reads path (optional) over the defaults, applies environment
// overrides and validates the result. Keys are checked separately by
// ValidateAuth because offline commands do not need them.
func Load(path string) (*Config, error) {
	return LoadWithEnv(path, os.LookupEnv)
}

// LoadWithEnv is Load with an injectable environment.
func LoadWithEnv(path string, lookup func(string) (string, bool)) (*Config, error) {
	config := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	if err := config.applyEnv(lookup); err != nil {
		return nil, fmt.Errorf("invalid environment: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return config, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok {
			*dst = v
		}
	}
	str("PREFIX", &c.Prefix)
	str("MASTER_KEY", &c.Auth.MasterKey)
	str("SLAVE_KEY", &c.Auth.SlaveKey)
	str("REDIS_ADDR", &c.Redis.Addr)
	str("REDIS_PASSWORD", &c.Redis.Password)
	str("HTTP_HOST", &c.HTTP.Host)
	str("LOG_LEVEL", &c.LogLevel)
	str("PG_DSN", &c.Database.DSN)

	if v, ok := lookup("REDIS_DB"); ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("REDIS_DB: %w", err)
		}
		c.Redis.DB = n
	}
	if v, ok := lookup("HTTP_PORT"); ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("HTTP_PORT: %w", err)
		}
		c.HTTP.Port = n
	}
	if v, ok := lookup("PG_ENABLED"); ok {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("PG_ENABLED: %w", err)
		}
		c.Database.Enabled = b
	}
	return nil
}

// Validate checks everything except the auth keys.
func (c *Config) Validate() error {
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis addr cannot be empty")
	}
	if c.Redis.DB < 0 {
		return fmt.Errorf("redis db cannot be negative, got %d", c.Redis.DB)
	}
	if c.Redis.OpTimeout <= 0 {
		return fmt.Errorf("redis op_timeout must be positive, got %s", c.Redis.OpTimeout)
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http port must be between 1 and 65535, got %d", c.HTTP.Port)
	}
	if c.HTTP.RateLimit.RPS < 0 {
		return fmt.Errorf("http rate_limit rps cannot be negative, got %f", c.HTTP.RateLimit.RPS)
	}
	if c.HTTP.RateLimit.RPS > 0 && c.HTTP.RateLimit.Burst < 1 {
		return fmt.Errorf("http rate_limit burst must be >= 1 when rps is set, got %d", c.HTTP.RateLimit.Burst)
	}
	if err := c.Relay.Validate(); err != nil {
		return fmt.Errorf("relay: %w", err)
	}
	if c.Breaker.ConsecutiveFailures == 0 {
		return fmt.Errorf("circuit consecutive_failures must be positive")
	}
	if c.Breaker.FailureRatio < 0 || c.Breaker.FailureRatio > 1 {
		return fmt.Errorf("circuit failure_ratio must be between 0 and 1, got %f", c.Breaker.FailureRatio)
	}
	if c.Database.Enabled && c.Database.DSN == "" {
		return fmt.Errorf("database dsn is required when enabled")
	}
	return nil
}

func (r *RelayConfig) Validate() error {
	if r.EventCap <= 0 {
		return fmt.Errorf("event_cap must be positive, got %d", r.EventCap)
	}
	for name, d := range map[string]time.Duration{
		"event_max_age":      r.EventMaxAge,
		"event_interval":     r.EventInterval,
		"presence_threshold": r.PresenceThreshold,
		"presence_interval":  r.PresenceInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	return nil
}

// ValidateAuth requires both keys and refuses to run with a shared value.
func (c *Config) ValidateAuth() error {
	if c.Auth.MasterKey == "" {
		return fmt.Errorf("master key is required (MASTER_KEY)")
	}
	if c.Auth.SlaveKey == "" {
		return fmt.Errorf("slave key is required (SLAVE_KEY)")
	}
	if c.Auth.MasterKey == c.Auth.SlaveKey {
		return fmt.Errorf("master and slave keys must differ")
	}
	return nil
}

func (c *Config) Address() string {
	return net.JoinHostPort(c.HTTP.Host, strconv.Itoa(c.HTTP.Port))
}

// BreakerSettings converts the circuit section for infra/breakers.
func (c *Config) BreakerSettings(name string) breakers.Settings {
	return breakers.Settings{
		Name:                name,
		ConsecutiveFailures: c.Breaker.ConsecutiveFailures,
		MinRequests:         c.Breaker.MinRequests,
		FailureRatio:        c.Breaker.FailureRatio,
		Interval:            c.Breaker.Interval,
		Timeout:             c.Breaker.Timeout,
	}
}

func (c *Config) Maintenance() relay.MaintenanceConfig {
	return relay.MaintenanceConfig{
		EventMaxAge:       c.Relay.EventMaxAge,
		EventInterval:     c.Relay.EventInterval,
		PresenceThreshold: c.Relay.PresenceThreshold,
		PresenceInterval:  c.Relay.PresenceInterval,
	}
}
