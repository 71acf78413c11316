package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/Mindburn-Labs/steward/pkg/store"
)

// Notification sink names accepted in STEWARD_NOTIFY.
const (
	SinkLog     = "log"
	SinkRedis   = "redis"
	SinkKafka   = "kafka"
	SinkWebhook = "webhook"
)

// Baseline store backends accepted in STEWARD_BASELINE_BACKEND.
const (
	BaselineMemory = "memory"
	BaselineRedis  = "redis"
)

// Config holds process configuration read from the environment.
type Config struct {
	LogLevel string

	Ledger store.Config

	BaselineBackend string
	RedisAddr       string
	RedisPassword   string
	RedisDB         int

	Notify       []string
	KafkaBrokers []string
	KafkaTopic   string
	WebhookURL   string

	ProfilePath string
	WorkDir     string
	HealthURL   string
	LintCommand []string

	OTelEnabled  bool
	OTelEndpoint string
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		LogLevel: strings.ToUpper(getenv("LOG_LEVEL", "INFO")),
		Ledger: store.Config{
			Backend:     getenv("STEWARD_LEDGER_BACKEND", store.BackendMemory),
			DatabaseURL: os.Getenv("DATABASE_URL"),
			Path:        os.Getenv("STEWARD_LEDGER_PATH"),
			S3: store.S3Config{
				Bucket:   os.Getenv("STEWARD_S3_BUCKET"),
				Region:   getenv("STEWARD_S3_REGION", "us-east-1"),
				Endpoint: os.Getenv("STEWARD_S3_ENDPOINT"),
				Prefix:   getenv("STEWARD_S3_PREFIX", "ledger/"),
			},
			GCS: store.GCSConfig{
				Bucket: os.Getenv("STEWARD_GCS_BUCKET"),
				Prefix: getenv("STEWARD_GCS_PREFIX", "ledger/"),
			},
		},
		BaselineBackend: getenv("STEWARD_BASELINE_BACKEND", BaselineMemory),
		RedisAddr:       getenv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:   os.Getenv("REDIS_PASSWORD"),
		RedisDB:         getenvInt("REDIS_DB", 0),
		Notify:          splitList(getenv("STEWARD_NOTIFY", SinkLog)),
		KafkaBrokers:    splitList(getenv("KAFKA_BROKERS", "localhost:9092")),
		KafkaTopic:      getenv("KAFKA_TOPIC", "steward-events"),
		WebhookURL:      os.Getenv("STEWARD_NOTIFY_WEBHOOK"),
		ProfilePath:     os.Getenv("STEWARD_PROFILE"),
		WorkDir:         getenv("STEWARD_WORKDIR", "."),
		HealthURL:       os.Getenv("STEWARD_HEALTH_URL"),
		LintCommand:     strings.Fields(getenv("STEWARD_LINT_COMMAND", "go vet ./...")),
		OTelEnabled:     os.Getenv("OTEL_ENABLED") == "true",
		OTelEndpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
	}
}

// SlogLevel maps LogLevel onto a slog level. Unknown values yield INFO.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NotifyEnabled reports whether sink is listed in STEWARD_NOTIFY.
func (c *Config) NotifyEnabled(sink string) bool {
	for _, s := range c.Notify {
		if s == sink {
			return true
		}
	}
	return false
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return fallback
	}
	return v
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, strings.ToLower(part))
		}
	}
	return out
}
