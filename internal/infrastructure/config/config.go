package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Server ServerConfig
	OTLP   OTLPConfig
	Repo   RepoConfig
	Blob   BlobConfig
	Queue  QueueConfig
	Worker WorkerConfig
}

type ServerConfig struct {
	Port string
	Host string
	// AdminToken is checked by the boundary middleware on mutating routes.
	// The core service assumes callers of mutations already hold the admin
	// role; the check lives entirely at the HTTP edge.
	AdminToken string
}

type OTLPConfig struct {
	Endpoint    string
	ServiceName string
	Environment string
	// Disabled switches telemetry to no-op providers (no export).
	Disabled bool
}

type RepoConfig struct {
	// Driver selects the repository implementation: "memory" or "sqlite".
	Driver string
	DBPath string
}

type BlobConfig struct {
	// Driver selects the blob store implementation: "filesystem" or "jetstream".
	Driver string
	Dir    string
	Bucket string
}

type QueueConfig struct {
	// Driver selects the queue implementation: "memory" or "nats".
	Driver      string
	NATSURL     string
	MaxPending  int
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// AckWait is how long a dequeued job may stay unacknowledged before it
	// is considered abandoned and redelivered.
	AckWait time.Duration
}

type WorkerConfig struct {
	Count int
}

// LoadConfig loads configuration from environment variables
func LoadConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:       getEnv("SERVER_HOST", "0.0.0.0"),
			Port:       getEnv("SERVER_PORT", "8080"),
			AdminToken: getEnv("ADMIN_TOKEN", ""),
		},
		OTLP: OTLPConfig{
			Endpoint:    getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName: getEnv("OTEL_SERVICE_NAME", "product-catalog-api"),
			Environment: getEnv("OTEL_ENVIRONMENT", "development"),
			Disabled:    getEnvBool("OTEL_DISABLED", false),
		},
		Repo: RepoConfig{
			Driver: getEnv("REPO_DRIVER", "sqlite"),
			DBPath: getEnv("DB_PATH", "products.db"),
		},
		Blob: BlobConfig{
			Driver: getEnv("BLOB_DRIVER", "filesystem"),
			Dir:    getEnv("BLOB_DIR", "storage/products"),
			Bucket: getEnv("BLOB_BUCKET", "product-images"),
		},
		Queue: QueueConfig{
			Driver:      getEnv("QUEUE_DRIVER", "memory"),
			NATSURL:     getEnv("NATS_URL", "nats://localhost:4222"),
			MaxPending:  getEnvInt("QUEUE_MAX_PENDING", 1024),
			MaxAttempts: getEnvInt("QUEUE_MAX_ATTEMPTS", 5),
			BackoffBase: getEnvDuration("QUEUE_BACKOFF_BASE", time.Second),
			BackoffMax:  getEnvDuration("QUEUE_BACKOFF_MAX", time.Minute),
			AckWait:     getEnvDuration("QUEUE_ACK_WAIT", 30*time.Second),
		},
		Worker: WorkerConfig{
			Count: getEnvInt("WORKER_COUNT", 3),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
