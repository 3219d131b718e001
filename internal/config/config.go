package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the schemaforge server and CLI.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Queue    QueueConfig
	Training TrainingConfig
	Notify   NotifyConfig
}

type ServerConfig struct {
	Port              int
	Env               string
	RequestsPerMinute int
	ShutdownTimeout   time.Duration
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	MigrationsDir   string
}

type RedisConfig struct {
	URL            string
	SchemaCacheTTL time.Duration
}

// QueueConfig sizes the worker pools and the expiry sweeper.
type QueueConfig struct {
	Concurrency   int
	PollInterval  time.Duration
	SweepInterval time.Duration
	DrainTimeout  time.Duration
}

// TrainingConfig controls the freshness and stuck-run guards and the
// periodic re-training of stale connections.
type TrainingConfig struct {
	FreshnessWindow time.Duration
	StuckAfter      time.Duration
	StaleMaxAge     time.Duration
	RetrainSchedule string
	RetrainEnabled  bool
	InlineTimeout   time.Duration
}

// NotifyConfig selects the cross-process bridge for job events.
type NotifyConfig struct {
	Bridge           string
	AMQPURL          string
	ClientBufferSize int
	MaxClients       int
}

var validBridges = map[string]bool{
	"none":  true,
	"redis": true,
	"amqp":  true,
}

// Load reads configuration from environment variables and returns a validated Config.
// A .env file in the working directory is loaded first when present; variables
// already set in the environment win.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:              envInt("SCHEMAFORGE_PORT", 8080),
			Env:               envString("SCHEMAFORGE_ENV", "development"),
			RequestsPerMinute: envInt("SCHEMAFORGE_REQUESTS_PER_MINUTE", 60),
			ShutdownTimeout:   envDuration("SCHEMAFORGE_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
			MigrationsDir:   envString("DATABASE_MIGRATIONS_DIR", "migrations"),
		},
		Redis: RedisConfig{
			URL:            os.Getenv("REDIS_URL"),
			SchemaCacheTTL: envDuration("REDIS_SCHEMA_CACHE_TTL", 10*time.Minute),
		},
		Queue: QueueConfig{
			Concurrency:   envInt("QUEUE_CONCURRENCY", 2),
			PollInterval:  envDuration("QUEUE_POLL_INTERVAL", 2*time.Second),
			SweepInterval: envDuration("QUEUE_SWEEP_INTERVAL", time.Minute),
			DrainTimeout:  envDurationSecs("QUEUE_DRAIN_TIMEOUT_SECS", 25*time.Second),
		},
		Training: TrainingConfig{
			FreshnessWindow: envDuration("TRAINING_FRESHNESS_WINDOW", time.Hour),
			StuckAfter:      envDuration("TRAINING_STUCK_AFTER", 30*time.Minute),
			StaleMaxAge:     envDuration("TRAINING_STALE_MAX_AGE", 7*24*time.Hour),
			RetrainSchedule: envString("TRAINING_RETRAIN_SCHEDULE", "0 3 * * *"),
			RetrainEnabled:  envBool("TRAINING_RETRAIN_ENABLED", true),
			InlineTimeout:   envDuration("TRAINING_INLINE_TIMEOUT", 5*time.Minute),
		},
		Notify: NotifyConfig{
			Bridge:           strings.ToLower(envString("NOTIFY_BRIDGE", "none")),
			AMQPURL:          os.Getenv("AMQP_URL"),
			ClientBufferSize: envInt("NOTIFY_CLIENT_BUFFER_SIZE", 100),
			MaxClients:       envInt("NOTIFY_MAX_CLIENTS", 1000),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}
	if !strings.HasPrefix(c.Redis.URL, "redis://") && !strings.HasPrefix(c.Redis.URL, "rediss://") {
		return fmt.Errorf("REDIS_URL must start with redis:// or rediss://, got %q", c.Redis.URL)
	}

	if c.Queue.Concurrency < 1 {
		return fmt.Errorf("QUEUE_CONCURRENCY must be at least 1, got %d", c.Queue.Concurrency)
	}
	if c.Queue.PollInterval <= 0 {
		return fmt.Errorf("QUEUE_POLL_INTERVAL must be positive")
	}

	if c.Training.StuckAfter <= 0 {
		return fmt.Errorf("TRAINING_STUCK_AFTER must be positive")
	}

	if !validBridges[c.Notify.Bridge] {
		return fmt.Errorf("NOTIFY_BRIDGE must be one of none, redis, amqp; got %q", c.Notify.Bridge)
	}
	if c.Notify.Bridge == "amqp" && c.Notify.AMQPURL == "" {
		return fmt.Errorf("AMQP_URL is required when NOTIFY_BRIDGE is amqp")
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}
