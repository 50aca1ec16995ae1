// Package config loads the videoflow runtime configuration from the
// environment, optionally seeded from a .env file.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env"
	"github.com/joho/godotenv"

	"videoflow/internal/pkg/errors"
)

// Backend names accepted by HISTORY_BACKEND and CORRELATION_BACKEND.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendRedis    = "redis"
)

// Config is the complete runtime configuration shared by cmd/api,
// cmd/worker and cmd/gdrive-auth.
type Config struct {
	ServiceName string `env:"SERVICE_NAME" envDefault:"videoflow"`
	HTTPPort    string `env:"HTTP_PORT" envDefault:"8080"`
	PublicURL   string `env:"PUBLIC_URL" envDefault:"http://localhost:8080"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
	LogSource bool   `env:"LOG_SOURCE" envDefault:"false"`

	DatabaseURL        string `env:"DATABASE_URL"`
	HistoryBackend     string `env:"HISTORY_BACKEND" envDefault:"memory"`
	CorrelationBackend string `env:"CORRELATION_BACKEND" envDefault:"memory"`
	SQLitePath         string `env:"SQLITE_PATH" envDefault:"videoflow.db"`

	QueueBackend         string `env:"QUEUE_BACKEND" envDefault:"memory"`
	RedisAddr            string `env:"REDIS_ADDR"`
	TaskQueueName        string `env:"TASK_QUEUE_NAME" envDefault:"videoflow:tasks"`
	ResultQueueName      string `env:"RESULT_QUEUE_NAME" envDefault:"videoflow:results"`
	CorrelationKeyPrefix string `env:"CORRELATION_KEY_PREFIX" envDefault:"videoflow:approval:"`

	InProcessWorkers  int `env:"INPROCESS_WORKERS" envDefault:"4"`
	WorkerConcurrency int `env:"WORKER_CONCURRENCY" envDefault:"4"`

	// Activity tasks with no result after TaskRedeliveryTimeout are pushed
	// again; the sweep runs every TaskRedeliveryInterval.
	TaskRedeliveryTimeout  time.Duration `env:"TASK_REDELIVERY_TIMEOUT" envDefault:"5m"`
	TaskRedeliveryInterval time.Duration `env:"TASK_REDELIVERY_INTERVAL" envDefault:"30s"`

	TranscodeBitrates     string        `env:"TRANSCODE_BITRATES" envDefault:"480,720,1080"`
	ApprovalTimeout       time.Duration `env:"APPROVAL_TIMEOUT" envDefault:"30s"`
	IntroLocation         string        `env:"INTRO_LOCATION" envDefault:"intros/default-intro.mp4"`
	ActivitySimulatedWork time.Duration `env:"ACTIVITY_SIMULATED_WORK" envDefault:"0s"`

	ApproverEmail string `env:"APPROVER_EMAIL" envDefault:"approver@example.com"`
	SenderEmail   string `env:"SENDER_EMAIL" envDefault:"videoflow@example.com"`
	SMTPHost      string `env:"SMTP_HOST"`
	SMTPPort      int    `env:"SMTP_PORT" envDefault:"587"`
	SMTPUsername  string `env:"SMTP_USERNAME"`
	SMTPPassword  string `env:"SMTP_PASSWORD"`

	StorageProvider    string `env:"STORAGE_PROVIDER" envDefault:"localfs"`
	StorageLocalRoot   string `env:"STORAGE_LOCAL_ROOT" envDefault:"./data"`
	GDriveClientID     string `env:"GDRIVE_CLIENT_ID"`
	GDriveClientSecret string `env:"GDRIVE_CLIENT_SECRET"`
	GDriveRefreshToken string `env:"GDRIVE_REFRESH_TOKEN"`
	GDriveFolderID     string `env:"GDRIVE_FOLDER_ID"`

	CORSAllowedOrigins string        `env:"CORS_ALLOWED_ORIGINS" envDefault:"*"`
	RequestTimeout     time.Duration `env:"REQUEST_TIMEOUT" envDefault:"30s"`
	ShutdownTimeout    time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

// Load reads the optional env files (".env" when none are given) and parses
// the environment into a Config. Missing env files are not an error.
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return nil, errors.Wrapf(err, "config.Load", "load env file %s", f)
		}
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeValidation, "config.Load", "parse environment")
	}
	return cfg, nil
}

// Validate checks backend selections and the values the workflow depends on.
func (c *Config) Validate() error {
	switch c.HistoryBackend {
	case BackendMemory, BackendSQLite:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return errors.ValidationField("DATABASE_URL", "DATABASE_URL is required for the postgres history backend")
		}
	default:
		return errors.Validationf("unknown history backend %q", c.HistoryBackend)
	}

	switch c.CorrelationBackend {
	case BackendMemory, BackendSQLite:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return errors.ValidationField("DATABASE_URL", "DATABASE_URL is required for the postgres correlation backend")
		}
	case BackendRedis:
		if c.RedisAddr == "" {
			return errors.ValidationField("REDIS_ADDR", "REDIS_ADDR is required for the redis correlation backend")
		}
	default:
		return errors.Validationf("unknown correlation backend %q", c.CorrelationBackend)
	}

	switch c.QueueBackend {
	case BackendMemory:
	case BackendRedis:
		if c.RedisAddr == "" {
			return errors.ValidationField("REDIS_ADDR", "REDIS_ADDR is required for the redis queue backend")
		}
	default:
		return errors.Validationf("unknown queue backend %q", c.QueueBackend)
	}

	if _, err := c.Bitrates(); err != nil {
		return err
	}
	if c.ApprovalTimeout <= 0 {
		return errors.ValidationField("APPROVAL_TIMEOUT", "APPROVAL_TIMEOUT must be positive")
	}
	if _, err := url.ParseRequestURI(c.PublicURL); err != nil {
		return errors.ValidationField("PUBLIC_URL", fmt.Sprintf("PUBLIC_URL is not a valid URL: %v", err))
	}
	if c.TaskRedeliveryTimeout <= 0 || c.TaskRedeliveryInterval <= 0 {
		return errors.Validation("TASK_REDELIVERY_TIMEOUT and TASK_REDELIVERY_INTERVAL must be positive")
	}
	if c.InProcessWorkers < 0 || c.WorkerConcurrency < 1 {
		return errors.Validation("worker counts must be non-negative and WORKER_CONCURRENCY at least 1")
	}
	return nil
}

// Bitrates parses TRANSCODE_BITRATES into a list of positive kbps values,
// preserving order.
func (c *Config) Bitrates() ([]int, error) {
	parts := strings.Split(c.TranscodeBitrates, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		v, err := strconv.Atoi(p)
		if err != nil || v <= 0 {
			return nil, errors.ValidationField("TRANSCODE_BITRATES", fmt.Sprintf("invalid bitrate %q", p))
		}
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil, errors.ValidationField("TRANSCODE_BITRATES", "at least one transcode bitrate is required")
	}
	return out, nil
}

// CORSOrigins splits CORS_ALLOWED_ORIGINS on commas.
func (c *Config) CORSOrigins() []string {
	var out []string
	for _, o := range strings.Split(c.CORSAllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// RedisRequired reports whether any configured backend talks to Redis.
func (c *Config) RedisRequired() bool {
	return c.QueueBackend == BackendRedis || c.CorrelationBackend == BackendRedis
}
