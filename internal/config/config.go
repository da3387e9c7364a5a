package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// ----------------------------
	// SMTP
	// ----------------------------
	SMTPHost     string `envconfig:"SMTP_HOST" default:"localhost"`
	SMTPPort     int    `envconfig:"SMTP_PORT" default:"1025"`
	SMTPUser     string `envconfig:"SMTP_USER" default:""`
	SMTPPassword string `envconfig:"SMTP_PASSWORD" default:""`
	SMTPFrom     string `envconfig:"SMTP_FROM" default:"noreply@chronosend.io"`

	// ----------------------------
	// Workers
	// ----------------------------
	WorkerCount      int           `envconfig:"WORKER_COUNT" default:"5"`
	MinSpacing       time.Duration `envconfig:"MIN_SPACING" default:"2s"`
	GlobalRatePerSec int           `envconfig:"GLOBAL_RATE_PER_SEC" default:"10"`
	MaxAttempts      int           `envconfig:"MAX_ATTEMPTS" default:"3"`
	BackoffCap       time.Duration `envconfig:"BACKOFF_CAP" default:"60s"`
	ShutdownGrace    time.Duration `envconfig:"SHUTDOWN_GRACE" default:"5s"`

	// ----------------------------
	// Rate limiting (per owner, fixed hour window)
	// ----------------------------
	OwnerHourlyLimit int `envconfig:"OWNER_HOURLY_LIMIT" default:"75"`

	// ----------------------------
	// Queue
	// ----------------------------
	PollInterval time.Duration `envconfig:"POLL_INTERVAL" default:"1s"`

	// ----------------------------
	// Recovery
	// ----------------------------
	MissedSendAfter      time.Duration `envconfig:"MISSED_SEND_AFTER" default:"24h"`
	ProcessingStaleAfter time.Duration `envconfig:"PROCESSING_STALE_AFTER" default:"10m"`

	// ----------------------------
	// HTTP API
	// ----------------------------
	APIPort string `envconfig:"API_PORT" default:"8080"`

	// ----------------------------
	// Metrics
	// ----------------------------
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`

	// ----------------------------
	// Database
	// ----------------------------
	DatabaseURL   string `envconfig:"DATABASE_URL" required:"true"`
	MigrationsDir string `envconfig:"MIGRATIONS_DIR" default:"migrations"`

	// ----------------------------
	// Redis
	// ----------------------------
	RedisAddr     string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD" default:""`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`
}

func Load() (*Config, error) {
	var cfg Config
	err := envconfig.Process("", &cfg)
	return &cfg, err
}
