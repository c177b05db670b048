package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	DB       DBConfig
	Kafka    KafkaConfig
	Dispatch DispatchConfig

	HTTPPort int `env:"HTTP_PORT" envDefault:"8084"`
}

type DBConfig struct {
	Host     string `env:"OUTBOX_DB_HOST" envDefault:"localhost"`
	Port     int    `env:"OUTBOX_DB_PORT" envDefault:"5432"`
	User     string `env:"OUTBOX_DB_USER" envDefault:"user"`
	Password string `env:"OUTBOX_DB_PASSWORD" envDefault:"password"`
	Name     string `env:"OUTBOX_DB_NAME" envDefault:"lifeos_db"`
	SSLMode  string `env:"OUTBOX_DB_SSLMODE" envDefault:"disable"`
}

type KafkaConfig struct {
	BrokerURL   string `env:"KAFKA_BROKER_URL" envDefault:"localhost:9092"`
	EventsTopic string `env:"KAFKA_LIFE_EVENTS_TOPIC" envDefault:"lifeos_events"`
}

// DispatchConfig holds the dispatch loop knobs. All numeric knobs must be
// positive; there is no cross-field validation.
type DispatchConfig struct {
	// BatchSize caps how many messages one poll claims.
	BatchSize int `env:"OUTBOX_BATCH_SIZE" envDefault:"50"`
	// PollInterval is the idle sleep after an empty batch.
	PollInterval time.Duration `env:"OUTBOX_POLL_INTERVAL" envDefault:"1s"`
	// YieldInterval is the short sleep between non-empty batches while
	// draining a backlog.
	YieldInterval time.Duration `env:"OUTBOX_YIELD_INTERVAL" envDefault:"50ms"`
	// MaxAttempts is how many delivery attempts a message gets before it is
	// parked as failed.
	MaxAttempts int `env:"OUTBOX_MAX_ATTEMPTS" envDefault:"5"`
	// Backoff is the base retry delay; the n-th failure waits
	// Backoff * BackoffMultiplier^(n-1).
	Backoff           time.Duration `env:"OUTBOX_BACKOFF_BASE" envDefault:"4s"`
	BackoffMultiplier float64       `env:"OUTBOX_BACKOFF_MULTIPLIER" envDefault:"2"`
	// SendingTimeout is how long a claimed row may sit in sending before the
	// reaper assumes its claimant died and requeues it. Zero disables the
	// reaper.
	SendingTimeout time.Duration `env:"OUTBOX_SENDING_TIMEOUT" envDefault:"5m"`
	ReaperInterval time.Duration `env:"OUTBOX_REAPER_INTERVAL" envDefault:"1m"`
	// Dispatchers is how many concurrent dispatch loops this process runs.
	Dispatchers int `env:"OUTBOX_DISPATCHERS" envDefault:"1"`
}

func LoadConfig() (*Config, error) {
	// Local development convenience; a missing .env is not an error.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config from environment: %w", err)
	}
	if err := cfg.Dispatch.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c DispatchConfig) Validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("OUTBOX_BATCH_SIZE must be positive, got %d", c.BatchSize)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("OUTBOX_POLL_INTERVAL must be positive, got %s", c.PollInterval)
	}
	if c.YieldInterval <= 0 {
		return fmt.Errorf("OUTBOX_YIELD_INTERVAL must be positive, got %s", c.YieldInterval)
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("OUTBOX_MAX_ATTEMPTS must be positive, got %d", c.MaxAttempts)
	}
	if c.Backoff <= 0 {
		return fmt.Errorf("OUTBOX_BACKOFF_BASE must be positive, got %s", c.Backoff)
	}
	if c.BackoffMultiplier <= 0 {
		return fmt.Errorf("OUTBOX_BACKOFF_MULTIPLIER must be positive, got %g", c.BackoffMultiplier)
	}
	if c.Dispatchers <= 0 {
		return fmt.Errorf("OUTBOX_DISPATCHERS must be positive, got %d", c.Dispatchers)
	}
	return nil
}

func (c *Config) GetDBConnectionString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host, c.DB.Port, c.DB.User, c.DB.Password, c.DB.Name, c.DB.SSLMode)
}

func (c *Config) GetDBMigrationConnectionString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DB.User, c.DB.Password, c.DB.Host, c.DB.Port, c.DB.Name, c.DB.SSLMode)
}

func (c *Config) GetKafkaBrokers() []string {
	return strings.Split(c.Kafka.BrokerURL, ",")
}
