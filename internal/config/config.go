// Package config provides configuration loading from environment variables.
package config

import (
	"path/filepath"
	"time"
)

// ServiceConfig holds configuration for the jobs service.
type ServiceConfig struct {
	Port              string
	MetricsPort       string
	APIKey            string
	ShutdownDrainWait time.Duration // Time to wait for load balancer to drain (0 to skip)

	DBPath        string // SQLite database holding jobs and the cache index
	BlobDir       string // Root directory for persisted output artifacts
	PublicBaseURL string // Base URL under which persisted artifacts are served

	StagingBaseURL string // Processor-visible storage inputs are re-uploaded to
	SlicerURL      string // Base URL of the slicing processor
	MeshGenURL     string // Base URL of the model-generation processor

	DefaultMaxRetries int
	ResumeOnStart     bool // Re-adopt non-terminal jobs left over from a previous run
}

// ExecutorConfig holds retry and polling knobs for the job executor.
type ExecutorConfig struct {
	BackoffInitial  time.Duration
	BackoffMax      time.Duration
	PollInterval    time.Duration
	PollMinInterval time.Duration
	PollMaxInterval time.Duration
	PollMaxWait     time.Duration
	PollMaxAttempts int
	HTTPTimeout     time.Duration
}

// PushConfig holds configuration for the push-notification queue.
type PushConfig struct {
	GatewayURL  string // empty disables push notifications
	SigningKey  string
	BufferSize  int
	Workers     int
	HTTPTimeout time.Duration
	MaxRetries  int
}

// secretOrEnv reads a secret from the file named by KEY_FILE, falling back
// to the KEY environment variable itself.
func secretOrEnv(key string) string {
	if v := GetSecretFile(GetEnv(key+"_FILE", "")); v != "" {
		return v
	}
	return GetEnv(key, "")
}

// LoadServiceConfig loads service configuration from environment variables.
func LoadServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		Port:              GetEnv("PORT", "8080"),
		MetricsPort:       GetEnv("METRICS_PORT", "9090"),
		APIKey:            secretOrEnv("API_KEY"),
		ShutdownDrainWait: GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 5*time.Second),
		DBPath:            GetEnv("DB_PATH", filepath.Join("data", "jobs.db")),
		BlobDir:           GetEnv("BLOB_DIR", filepath.Join("data", "artifacts")),
		PublicBaseURL:     GetEnv("PUBLIC_BASE_URL", "http://localhost:8080/artifacts"),
		StagingBaseURL:    GetEnv("STAGING_BASE_URL", ""),
		SlicerURL:         GetEnv("SLICER_URL", "http://localhost:9101"),
		MeshGenURL:        GetEnv("MESHGEN_URL", "http://localhost:9102"),
		DefaultMaxRetries: GetIntEnv("DEFAULT_MAX_RETRIES", 3),
		ResumeOnStart:     GetBoolEnv("RESUME_ON_START", true),
	}
}

// LoadExecutorConfig loads executor configuration from environment variables.
func LoadExecutorConfig() *ExecutorConfig {
	return &ExecutorConfig{
		BackoffInitial:  GetDurationEnv("RETRY_BACKOFF_INITIAL", 500*time.Millisecond),
		BackoffMax:      GetDurationEnv("RETRY_BACKOFF_MAX", 30*time.Second),
		PollInterval:    GetDurationEnv("POLL_INTERVAL", 2*time.Second),
		PollMinInterval: GetDurationEnv("POLL_MIN_INTERVAL", 500*time.Millisecond),
		PollMaxInterval: GetDurationEnv("POLL_MAX_INTERVAL", 30*time.Second),
		PollMaxWait:     GetDurationEnv("POLL_MAX_WAIT", 15*time.Minute),
		PollMaxAttempts: GetIntEnv("POLL_MAX_ATTEMPTS", 0),
		HTTPTimeout:     GetDurationEnv("PROCESSOR_HTTP_TIMEOUT", 60*time.Second),
	}
}

// LoadPushConfig loads push-notification configuration from environment variables.
func LoadPushConfig() *PushConfig {
	return &PushConfig{
		GatewayURL:  GetEnv("PUSH_GATEWAY_URL", ""),
		SigningKey:  secretOrEnv("PUSH_SIGNING_KEY"),
		BufferSize:  GetIntEnv("PUSH_BUFFER_SIZE", 256),
		Workers:     GetIntEnv("PUSH_WORKERS", 2),
		HTTPTimeout: GetDurationEnv("PUSH_HTTP_TIMEOUT", 10*time.Second),
		MaxRetries:  GetIntEnv("PUSH_MAX_RETRIES", 3),
	}
}
