// Package config loads subsystem configuration from the environment.
// Priority: ENV vars > .env file > defaults.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds every tunable of the event broadcasting subsystem.
// Tags:
//
//	env: environment variable name
//	envDefault: default value if not set
type Config struct {
	// Server basics
	Addr        string `env:"ES_ADDR" envDefault:":8530"`
	DatabaseURL string `env:"ES_DATABASE_URL"` // empty = in-memory repository
	JWTSecret   string `env:"ES_JWT_SECRET,required"`
	NATSURL     string `env:"ES_NATS_URL"` // empty = broker ingest disabled
	NATSSubject string `env:"ES_NATS_SUBJECT" envDefault:"dns.events.>"`

	// AdminUsers lists user ids that receive critical notifications even
	// when they have no live admin session.
	AdminUsers []string `env:"ES_ADMIN_USERS" envSeparator:","`

	// Bus
	IngressQueueSize int `env:"ES_INGRESS_QUEUE_SIZE" envDefault:"10000"`
	BusWorkers       int `env:"ES_BUS_WORKERS" envDefault:"8"`

	// Sessions
	MaxGlobalSessions  int           `env:"ES_MAX_SESSIONS" envDefault:"500"`
	MaxSessionsPerUser int           `env:"ES_MAX_SESSIONS_PER_USER" envDefault:"10"`
	SessionSendBuffer  int           `env:"ES_SESSION_SEND_BUFFER" envDefault:"256"`
	KeepaliveInterval  time.Duration `env:"ES_KEEPALIVE_INTERVAL" envDefault:"5m"`
	IdleTimeout        time.Duration `env:"ES_IDLE_TIMEOUT" envDefault:"10m"`

	// Batcher
	BatchMaxCount        int           `env:"ES_BATCH_MAX_COUNT" envDefault:"50"`
	BatchMaxBytes        int           `env:"ES_BATCH_MAX_BYTES" envDefault:"65536"`
	BatchTimeout         time.Duration `env:"ES_BATCH_TIMEOUT" envDefault:"500ms"`
	BatchQueueSize       int           `env:"ES_BATCH_QUEUE_SIZE" envDefault:"1000"`
	CompressionEnabled   bool          `env:"ES_COMPRESSION_ENABLED" envDefault:"true"`
	CompressionThreshold int           `env:"ES_COMPRESSION_THRESHOLD" envDefault:"1024"`
	AdaptiveSizing       bool          `env:"ES_ADAPTIVE_SIZING" envDefault:"true"`
	LoadThreshold        float64       `env:"ES_LOAD_THRESHOLD" envDefault:"0.8"`

	// Delivery retries
	DeliveryMaxAttempts int           `env:"ES_DELIVERY_MAX_ATTEMPTS" envDefault:"3"`
	DeliveryBaseBackoff time.Duration `env:"ES_DELIVERY_BASE_BACKOFF" envDefault:"5m"`
	RetrySweepInterval  time.Duration `env:"ES_RETRY_SWEEP_INTERVAL" envDefault:"5m"`

	// Retention
	RetentionTTL           time.Duration `env:"ES_RETENTION_TTL" envDefault:"720h"`
	RetentionSweepInterval time.Duration `env:"ES_RETENTION_SWEEP_INTERVAL" envDefault:"1h"`

	// Inbound rate limiting (per session)
	InboundRatePerSec int `env:"ES_INBOUND_RATE" envDefault:"10"`
	InboundBurst      int `env:"ES_INBOUND_BURST" envDefault:"100"`

	// System metrics producer
	SysmonInterval time.Duration `env:"ES_SYSMON_INTERVAL" envDefault:"30s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from a .env file (optional) and the environment,
// then validates it.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		}
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

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("ES_ADDR is required")
	}
	if c.IngressQueueSize < 1 {
		return fmt.Errorf("ES_INGRESS_QUEUE_SIZE must be > 0, got %d", c.IngressQueueSize)
	}
	if c.BusWorkers < 1 {
		return fmt.Errorf("ES_BUS_WORKERS must be > 0, got %d", c.BusWorkers)
	}
	if c.MaxGlobalSessions < 1 {
		return fmt.Errorf("ES_MAX_SESSIONS must be > 0, got %d", c.MaxGlobalSessions)
	}
	if c.MaxSessionsPerUser < 1 {
		return fmt.Errorf("ES_MAX_SESSIONS_PER_USER must be > 0, got %d", c.MaxSessionsPerUser)
	}
	if c.BatchMaxCount < 1 || c.BatchMaxBytes < 1 {
		return fmt.Errorf("batch size limits must be > 0")
	}
	if c.BatchTimeout <= 0 {
		return fmt.Errorf("ES_BATCH_TIMEOUT must be > 0")
	}
	if c.DeliveryMaxAttempts < 1 {
		return fmt.Errorf("ES_DELIVERY_MAX_ATTEMPTS must be > 0, got %d", c.DeliveryMaxAttempts)
	}
	if c.LoadThreshold <= 0 || c.LoadThreshold > 1 {
		return fmt.Errorf("ES_LOAD_THRESHOLD must be in (0,1], got %.2f", c.LoadThreshold)
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

// LogConfig logs the effective configuration with structured fields.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("addr", c.Addr).
		Bool("postgres", c.DatabaseURL != "").
		Bool("nats", c.NATSURL != "").
		Int("ingress_queue", c.IngressQueueSize).
		Int("bus_workers", c.BusWorkers).
		Int("max_sessions", c.MaxGlobalSessions).
		Int("max_sessions_per_user", c.MaxSessionsPerUser).
		Int("batch_max_count", c.BatchMaxCount).
		Int("batch_max_bytes", c.BatchMaxBytes).
		Dur("batch_timeout", c.BatchTimeout).
		Int("delivery_max_attempts", c.DeliveryMaxAttempts).
		Dur("delivery_base_backoff", c.DeliveryBaseBackoff).
		Dur("retention_ttl", c.RetentionTTL).
		Str("log_level", c.LogLevel).
		Msg("Configuration loaded")
}
