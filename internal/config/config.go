// Package config loads and validates server configuration from the
// environment. Priority: ENV vars > .env file > defaults.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all server configuration.
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server basics
	Addr        string `env:"CHATIFY_ADDR" envDefault:":3002"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// Event log
	Brokers        []string      `env:"BROKER_ADDRS" envSeparator:"," envDefault:"localhost:19092"`
	Topic          string        `env:"BROKER_TOPIC" envDefault:"chat-events"`
	Partitions     int           `env:"BROKER_PARTITIONS" envDefault:"8"`
	BroadcastGroup string        `env:"BROADCAST_GROUP_PREFIX" envDefault:"chatify-broadcast-"`
	HistoryGroup   string        `env:"HISTORY_GROUP" envDefault:"chatify-chat-history-writer"`
	AckTimeout     time.Duration `env:"BROKER_ACK_TIMEOUT" envDefault:"30s"`

	// UseInMemory swaps the Kafka client for the in-process broker. Dev and
	// CI only; single pod, no durability.
	UseInMemory bool `env:"BROKER_IN_MEMORY" envDefault:"false"`

	// Presence / rate limit store
	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD" envDefault:""`

	// Presence
	PresenceTTL time.Duration `env:"PRESENCE_TTL" envDefault:"60s"`

	// Rate limiting (messages per user per window)
	RateLimitThreshold int           `env:"RATE_LIMIT_THRESHOLD" envDefault:"100"`
	RateLimitWindow    time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"60s"`

	// History store
	HistoryHosts        []string      `env:"HISTORY_HOSTS" envSeparator:"," envDefault:"localhost:9042"`
	HistoryKeyspace     string        `env:"HISTORY_KEYSPACE" envDefault:"chatify"`
	HistoryWriteTimeout time.Duration `env:"HISTORY_WRITE_TIMEOUT" envDefault:"30s"`
	HistoryQueryTimeout time.Duration `env:"HISTORY_QUERY_TIMEOUT" envDefault:"10s"`
	HistoryWriterOn     bool          `env:"HISTORY_WRITER_ENABLED" envDefault:"true"`

	// History writer retry
	RetryMaxAttempts int           `env:"HISTORY_RETRY_MAX_ATTEMPTS" envDefault:"5"`
	RetryBaseDelay   time.Duration `env:"HISTORY_RETRY_BASE_DELAY" envDefault:"200ms"`
	RetryMaxDelay    time.Duration `env:"HISTORY_RETRY_MAX_DELAY" envDefault:"10s"`
	RetryJitter      time.Duration `env:"HISTORY_RETRY_JITTER" envDefault:"100ms"`
	RetryCooldown    time.Duration `env:"HISTORY_RETRY_COOLDOWN" envDefault:"30s"`

	// Poison payload preview cap in the writer's logs
	MaxPayloadLogBytes int `env:"HISTORY_MAX_PAYLOAD_LOG_BYTES" envDefault:"256"`

	// Transport
	MaxConnections  int `env:"CHATIFY_MAX_CONNECTIONS" envDefault:"10000"`
	SendBuffer      int `env:"CHATIFY_SEND_BUFFER" envDefault:"256"`
	InboundPerSec   int `env:"CHATIFY_INBOUND_PER_SEC" envDefault:"50"`
	SlowClientLimit int `env:"CHATIFY_SLOW_CLIENT_LIMIT" envDefault:"3"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from the .env file and environment variables.
func Load(logger *zerolog.Logger) (*Config, error) {
	// .env is a development convenience; in production the environment is
	// the only source.
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("CHATIFY_ADDR is required")
	}
	if !c.UseInMemory && len(c.Brokers) == 0 {
		return fmt.Errorf("BROKER_ADDRS is required unless BROKER_IN_MEMORY=true")
	}
	if c.Topic == "" {
		return fmt.Errorf("BROKER_TOPIC is required")
	}
	if c.Partitions < 1 {
		return fmt.Errorf("BROKER_PARTITIONS must be > 0, got %d", c.Partitions)
	}
	if c.MaxPayloadLogBytes < 1 {
		return fmt.Errorf("HISTORY_MAX_PAYLOAD_LOG_BYTES must be > 0, got %d", c.MaxPayloadLogBytes)
	}
	if c.SlowClientLimit < 1 {
		return fmt.Errorf("CHATIFY_SLOW_CLIENT_LIMIT must be > 0, got %d", c.SlowClientLimit)
	}
	if c.RateLimitThreshold < 1 {
		return fmt.Errorf("RATE_LIMIT_THRESHOLD must be > 0, got %d", c.RateLimitThreshold)
	}
	if c.RateLimitWindow < time.Second {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be >= 1s, got %s", c.RateLimitWindow)
	}
	if c.PresenceTTL < 5*time.Second {
		return fmt.Errorf("PRESENCE_TTL must be >= 5s, got %s", c.PresenceTTL)
	}
	if c.HistoryWriterOn && !c.UseInMemory && len(c.HistoryHosts) == 0 {
		return fmt.Errorf("HISTORY_HOSTS is required while HISTORY_WRITER_ENABLED=true")
	}
	if c.RetryMaxAttempts < 1 {
		return fmt.Errorf("HISTORY_RETRY_MAX_ATTEMPTS must be > 0, got %d", c.RetryMaxAttempts)
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("CHATIFY_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.SendBuffer < 1 {
		return fmt.Errorf("CHATIFY_SEND_BUFFER must be > 0, got %d", c.SendBuffer)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}
	return nil
}

// LogConfig logs the effective configuration using structured logging.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Strs("brokers", c.Brokers).
		Str("topic", c.Topic).
		Int("partitions", c.Partitions).
		Bool("in_memory_broker", c.UseInMemory).
		Str("redis_addr", c.RedisAddr).
		Dur("presence_ttl", c.PresenceTTL).
		Int("rate_limit_threshold", c.RateLimitThreshold).
		Dur("rate_limit_window", c.RateLimitWindow).
		Strs("history_hosts", c.HistoryHosts).
		Str("history_keyspace", c.HistoryKeyspace).
		Bool("history_writer", c.HistoryWriterOn).
		Int("max_connections", c.MaxConnections).
		Int("send_buffer", c.SendBuffer).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Server configuration loaded")
}
