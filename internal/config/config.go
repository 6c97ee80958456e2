// Package config loads configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all livesync server configuration.
type Config struct {
	// Server
	ListenAddr  string
	MetricsAddr string

	// Logging
	LogLevel  string
	LogFormat string

	// Metadata repository. Empty disables it; postgres:// uses lib/pq,
	// sqlite:// or file: uses SQLite.
	DatabaseURL           string
	MetadataRetryAttempts int

	// Storage backend ("local" or "s3", default: "local")
	StorageBackend   string
	LocalStoragePath string

	// S3 storage
	S3Endpoint  string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string
	S3Region    string
	S3UseSSL    bool

	// Synchronization
	DebounceDelay   time.Duration
	CacheRetention  time.Duration
	JanitorInterval time.Duration

	// Websocket transport
	AllowedOrigins    []string
	MaxMessageBytes   int64
	MessagesPerSecond float64
	MessageBurst      int
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:            envOr("LISTEN_ADDR", ":8080"),
		MetricsAddr:           envOr("METRICS_ADDR", ":9090"),
		LogLevel:              envOr("LOG_LEVEL", "info"),
		LogFormat:             envOr("LOG_FORMAT", "json"),
		DatabaseURL:           envOr("DATABASE_URL", ""),
		MetadataRetryAttempts: envInt("METADATA_RETRY_ATTEMPTS", 3),
		StorageBackend:        envOr("STORAGE_BACKEND", "local"),
		LocalStoragePath:      envOr("LOCAL_STORAGE_PATH", "./workspace"),
		S3Endpoint:            envOr("S3_ENDPOINT", "http://localhost:9000"),
		S3Bucket:              envOr("S3_BUCKET", "livesync"),
		S3AccessKey:           envOr("S3_ACCESS_KEY", "minioadmin"),
		S3SecretKey:           envOr("S3_SECRET_KEY", "minioadmin"),
		S3Region:              envOr("S3_REGION", "us-east-1"),
		S3UseSSL:              envBool("S3_USE_SSL", false),
		DebounceDelay:         envDuration("DEBOUNCE_DELAY", 5*time.Second),
		CacheRetention:        envDuration("CACHE_RETENTION", time.Hour),
		JanitorInterval:       envDuration("JANITOR_INTERVAL", 5*time.Minute),
		AllowedOrigins:        envList("WS_ALLOWED_ORIGINS"),
		MaxMessageBytes:       envInt64("WS_MAX_MESSAGE_BYTES", 4*1024*1024),
		MessagesPerSecond:     envFloat("WS_MESSAGES_PER_SECOND", 50),
		MessageBurst:          envInt("WS_BURST", 100),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail deep inside the server.
func (c *Config) Validate() error {
	switch c.StorageBackend {
	case "local":
		if c.LocalStoragePath == "" {
			return fmt.Errorf("LOCAL_STORAGE_PATH is required for the local backend")
		}
	case "s3":
		if c.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required for the s3 backend")
		}
	default:
		return fmt.Errorf("unknown STORAGE_BACKEND %q", c.StorageBackend)
	}
	if c.DebounceDelay <= 0 {
		return fmt.Errorf("DEBOUNCE_DELAY must be positive")
	}
	if c.CacheRetention <= 0 {
		return fmt.Errorf("CACHE_RETENTION must be positive")
	}
	if c.JanitorInterval <= 0 {
		return fmt.Errorf("JANITOR_INTERVAL must be positive")
	}
	if c.MaxMessageBytes <= 0 {
		return fmt.Errorf("WS_MAX_MESSAGE_BYTES must be positive")
	}
	if c.MetadataRetryAttempts < 1 {
		c.MetadataRetryAttempts = 1
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
