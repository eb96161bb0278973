package config

import (
	"os"
	"strconv"
)

// Config is the single injected configuration struct threaded through the
// engine, the HTTP API, and process bootstrap.
type Config struct {
	// Object store connection (Domain-stack: minio-go/v7).
	ObjectStoreEndpoint  string
	ObjectStoreAccessKey string
	ObjectStoreSecretKey string
	ObjectStoreSecure    bool

	// State store.
	StateDBPath string

	// Engine tuning, exactly spec.md §6's recognized options.
	ChunkSize           int64
	WorkerConcurrency   int
	MonitorInterval     int // seconds; 0 disables the Monitor
	StabilityThreshold  int // seconds
	PartRetryAttempts   int

	// HTTP API surface.
	HTTPAddr            string
	APIRateLimitPerSec  float64

	// Logging.
	LogLevel  string
	LogFormat string

	Environment string // development, staging, production
}

const (
	defaultChunkSize          = 5 * 1024 * 1024 // 5 MiB, the object store's multipart minimum
	defaultWorkerConcurrency  = 5
	defaultMonitorInterval    = 60
	defaultStabilityThreshold = 2
	defaultPartRetryAttempts  = 3
)

func New() *Config {
	secure, _ := strconv.ParseBool(getEnv("OBJECT_STORE_SECURE", "false"))
	chunkSize, _ := strconv.ParseInt(getEnv("CHUNK_SIZE", "5242880"), 10, 64)
	workerConcurrency, _ := strconv.Atoi(getEnv("WORKER_CONCURRENCY", "5"))
	monitorInterval, _ := strconv.Atoi(getEnv("MONITOR_INTERVAL", "60"))
	stabilityThreshold, _ := strconv.Atoi(getEnv("STABILITY_THRESHOLD", "2"))
	partRetryAttempts, _ := strconv.Atoi(getEnv("PART_RETRY_ATTEMPTS", "3"))
	apiRateLimit, _ := strconv.ParseFloat(getEnv("API_RATE_LIMIT_PER_SEC", "20"), 64)

	// An explicitly empty HTTP_ADDR disables the HTTP API.
	httpAddr, ok := os.LookupEnv("HTTP_ADDR")
	if !ok {
		httpAddr = ":8080"
	}

	if workerConcurrency < 1 {
		workerConcurrency = defaultWorkerConcurrency
	}
	if chunkSize < defaultChunkSize {
		chunkSize = defaultChunkSize
	}

	return &Config{
		ObjectStoreEndpoint:  getEnv("OBJECT_STORE_ENDPOINT", "localhost:9000"),
		ObjectStoreAccessKey: getEnv("OBJECT_STORE_ACCESS_KEY", "minioadmin"),
		ObjectStoreSecretKey: getEnv("OBJECT_STORE_SECRET_KEY", "minioadmin"),
		ObjectStoreSecure:    secure,

		StateDBPath: getEnv("STATE_DB_PATH", "./data/engine.db"),

		ChunkSize:          chunkSize,
		WorkerConcurrency:  workerConcurrency,
		MonitorInterval:    monitorInterval,
		StabilityThreshold: stabilityThreshold,
		PartRetryAttempts:  partRetryAttempts,

		HTTPAddr:           httpAddr,
		APIRateLimitPerSec: apiRateLimit,

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		Environment: getEnv("ENVIRONMENT", "development"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
