package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Default chunk size is 2 MB decimal (2,000,000 bytes), matching the
// endpoint's per-attachment limit with headroom.
const DefaultChunkSize = 2_000_000

// Config holds all application configuration
type Config struct {
	// Remote endpoints
	WebhookURL string
	ProxyBase  string

	// Catalog configuration
	CatalogDriver string
	CatalogDSN    string

	// Ingestion configuration
	ChunkSize  int64
	StagingDir string

	// RateLimitBudget optionally caps, per chunk, the wall-clock time
	// spent waiting out provider throttling. Zero means retry until
	// cancelled.
	RateLimitBudget time.Duration

	// Remote backend selection: "webhook" (default) or "s3"
	RemoteBackend string

	// MinIO / S3 configuration (only used when RemoteBackend == "s3")
	MinIOEndpoint   string
	MinIOAccessKey  string
	MinIOSecretKey  string
	MinIOBucketName string
	MinIOUseSSL     bool

	// Redis chunk cache; empty address disables the cache
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Tracing; empty endpoint disables the exporter
	OTLPEndpoint string
	ServiceName  string

	// Gateway
	ServeAddr string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		WebhookURL: getEnv("WEBHOOK_URL", ""),
		ProxyBase:  getEnv("PROXY_BASE", ""),

		CatalogDriver: getEnv("CATALOG_DRIVER", "sqlite"),
		CatalogDSN:    getEnv("CATALOG_DSN", "app-data/store.db"),

		ChunkSize:  getEnvAsInt64("CHUNK_SIZE", DefaultChunkSize),
		StagingDir: getEnv("STAGING_DIR", "storage"),

		RateLimitBudget: getEnvAsDuration("RATE_LIMIT_BUDGET", 0),

		RemoteBackend: getEnv("REMOTE_BACKEND", "webhook"),

		MinIOEndpoint:   getEnv("MINIO_ENDPOINT", "localhost:9000"),
		MinIOAccessKey:  getEnv("MINIO_ACCESS_KEY", "minioadmin"),
		MinIOSecretKey:  getEnv("MINIO_SECRET_KEY", "minioadmin"),
		MinIOBucketName: getEnv("MINIO_BUCKET_NAME", "octo-potato"),
		MinIOUseSSL:     getEnvAsBool("MINIO_USE_SSL", false),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),

		OTLPEndpoint: getEnv("OTLP_ENDPOINT", ""),
		ServiceName:  getEnv("SERVICE_NAME", "octo-potato"),

		ServeAddr: getEnv("SERVE_ADDR", ":8080"),
	}
}

// RequireWebhook validates that the upload endpoint is configured.
func (c *Config) RequireWebhook() error {
	if c.RemoteBackend == "webhook" && c.WebhookURL == "" {
		return fmt.Errorf("WEBHOOK_URL must be set")
	}
	return nil
}

// RequireProxy validates that the download proxy base is configured.
func (c *Config) RequireProxy() error {
	if c.RemoteBackend == "webhook" && c.ProxyBase == "" {
		return fmt.Errorf("PROXY_BASE must be set")
	}
	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseInt(valueStr, 10, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}
