package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration. It is built once at startup
// and passed into components; nothing reads the environment afterwards.
type Config struct {
	Environment   string
	Postgres      PostgresConfig
	AWS           AWSConfig
	API           APIConfig
	Worker        WorkerConfig
	Pipeline      PipelineConfig
	Sessions      SessionsConfig
	Observability ObservabilityConfig
	CORS          CORSConfig
}

// PostgresConfig holds job ledger database configuration.
type PostgresConfig struct {
	DSN      string
	MaxConns int32
}

// AWSConfig holds AWS-specific configuration.
type AWSConfig struct {
	Region            string
	SourceBucket      string
	TranscodedBucket  string
	ThumbnailBucket   string
	HLSBucket         string
	ImportQueueURL    string
	TranscodeQueueURL string
	CDNDomain         string
}

// QueueURL returns the queue endpoint for a job type, or "" if unknown.
func (a AWSConfig) QueueURL(jobType string) string {
	switch jobType {
	case "import":
		return a.ImportQueueURL
	case "transcode":
		return a.TranscodeQueueURL
	}
	return ""
}

// APIConfig holds API server configuration.
type APIConfig struct {
	Port      string
	Username  string
	Password  string
	JWTSecret string
}

// WorkerConfig holds worker pool configuration.
type WorkerConfig struct {
	ImportConcurrency    int
	TranscodeConcurrency int
	MetricsPort          int
	JobTimeout           time.Duration
	ShutdownGrace        time.Duration
	PollBackoffBase      time.Duration
	PollBackoffMax       time.Duration
	ReporterInterval     time.Duration
}

// PipelineConfig holds transcode and import policy.
type PipelineConfig struct {
	Presets           []string
	Platforms         []string
	MaxSourceBytes    int64
	RetryLimit        int
	ImportDedupWindow time.Duration
}

// PlatformAllowed reports whether the platform is on the import allow-list.
func (p PipelineConfig) PlatformAllowed(platform string) bool {
	for _, allowed := range p.Platforms {
		if allowed == platform {
			return true
		}
	}
	return false
}

// PresetConfigured reports whether the preset name is configured.
func (p PipelineConfig) PresetConfigured(name string) bool {
	for _, preset := range p.Presets {
		if preset == name {
			return true
		}
	}
	return false
}

// SessionsConfig holds view-session retention policy.
type SessionsConfig struct {
	RetentionWindow time.Duration
	ReapInterval    time.Duration
}

// ObservabilityConfig holds observability configuration.
type ObservabilityConfig struct {
	OTLPEndpoint string
}

// CORSConfig holds CORS configuration.
type CORSConfig struct {
	AllowedOrigins []string
}

// Default values
const (
	DefaultPort                 = "8080"
	DefaultMetricsPort          = 2112
	DefaultImportConcurrency    = 2
	DefaultTranscodeConcurrency = 2
	DefaultRetryLimit           = 3
	DefaultMaxSourceBytes       = 8 << 30 // 8 GiB
	DefaultJobTimeout           = 10 * time.Minute
	DefaultShutdownGrace        = 30 * time.Second
	DefaultPollBackoffBase      = time.Second
	DefaultPollBackoffMax       = 30 * time.Second
	DefaultReporterInterval     = 15 * time.Second
	DefaultDedupWindow          = 15 * time.Minute
	DefaultSessionRetention     = 90 * 24 * time.Hour
	DefaultSessionReapInterval  = time.Hour
	DefaultOTLPEndpoint         = "localhost:4317"
	DefaultRegion               = "us-west-2"
)

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Environment: getEnv("ENV", "dev"),
		Postgres: PostgresConfig{
			DSN:      os.Getenv("DATABASE_URL"),
			MaxConns: int32(getEnvInt("DATABASE_MAX_CONNS", 8)),
		},
		AWS: AWSConfig{
			Region:            getEnv("AWS_REGION", DefaultRegion),
			SourceBucket:      os.Getenv("SOURCE_BUCKET"),
			TranscodedBucket:  os.Getenv("TRANSCODED_BUCKET"),
			ThumbnailBucket:   os.Getenv("THUMBNAIL_BUCKET"),
			HLSBucket:         os.Getenv("HLS_BUCKET"),
			ImportQueueURL:    os.Getenv("IMPORT_QUEUE_URL"),
			TranscodeQueueURL: os.Getenv("TRANSCODE_QUEUE_URL"),
			CDNDomain:         os.Getenv("CDN_DOMAIN"),
		},
		API: APIConfig{
			Port:      getEnv("PORT", DefaultPort),
			Username:  os.Getenv("API_USERNAME"),
			Password:  os.Getenv("API_PASSWORD"),
			JWTSecret: os.Getenv("JWT_SECRET"),
		},
		Worker: WorkerConfig{
			ImportConcurrency:    getEnvInt("IMPORT_CONCURRENCY", DefaultImportConcurrency),
			TranscodeConcurrency: getEnvInt("TRANSCODING_CONCURRENCY", DefaultTranscodeConcurrency),
			MetricsPort:          getEnvInt("METRICS_PORT", DefaultMetricsPort),
			JobTimeout:           getEnvDuration("JOB_TIMEOUT", DefaultJobTimeout),
			ShutdownGrace:        getEnvDuration("SHUTDOWN_GRACE", DefaultShutdownGrace),
			PollBackoffBase:      getEnvDuration("POLL_BACKOFF_BASE", DefaultPollBackoffBase),
			PollBackoffMax:       getEnvDuration("POLL_BACKOFF_MAX", DefaultPollBackoffMax),
			ReporterInterval:     getEnvDuration("REPORTER_INTERVAL", DefaultReporterInterval),
		},
		Pipeline: PipelineConfig{
			Presets:           getEnvSlice("QUALITY_PRESETS", []string{"480p", "720p", "1080p"}),
			Platforms:         getEnvSlice("IMPORT_PLATFORMS", []string{"samplehost"}),
			MaxSourceBytes:    getEnvInt64("MAX_SOURCE_BYTES", DefaultMaxSourceBytes),
			RetryLimit:        getEnvInt("RETRY_LIMIT", DefaultRetryLimit),
			ImportDedupWindow: getEnvDuration("IMPORT_DEDUP_WINDOW", DefaultDedupWindow),
		},
		Sessions: SessionsConfig{
			RetentionWindow: getEnvDuration("SESSION_RETENTION", DefaultSessionRetention),
			ReapInterval:    getEnvDuration("SESSION_REAP_INTERVAL", DefaultSessionReapInterval),
		},
		Observability: ObservabilityConfig{
			OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", DefaultOTLPEndpoint),
		},
		CORS: CORSConfig{
			AllowedOrigins: getEnvSlice("CORS_ALLOWED_ORIGINS", nil),
		},
	}

	return cfg, nil
}

// LoadAPI loads and validates configuration for the API service.
func LoadAPI() (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.ValidateAPI(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadWorker loads and validates configuration for the worker service.
func LoadWorker() (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.ValidateWorker(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ValidateAPI validates configuration required by the API service.
func (c *Config) ValidateAPI() error {
	var errs []string

	if c.Postgres.DSN == "" {
		errs = append(errs, "DATABASE_URL is required")
	}
	if c.AWS.SourceBucket == "" {
		errs = append(errs, "SOURCE_BUCKET is required")
	}
	if c.AWS.ImportQueueURL == "" {
		errs = append(errs, "IMPORT_QUEUE_URL is required")
	}
	if c.AWS.TranscodeQueueURL == "" {
		errs = append(errs, "TRANSCODE_QUEUE_URL is required")
	}
	if len(c.Pipeline.Presets) == 0 {
		errs = append(errs, "QUALITY_PRESETS must not be empty")
	}

	if c.IsProduction() {
		if c.API.Username == "" {
			errs = append(errs, "API_USERNAME is required in production")
		}
		if c.API.Password == "" {
			errs = append(errs, "API_PASSWORD is required in production")
		}
		if len(c.API.JWTSecret) < 32 {
			errs = append(errs, "JWT_SECRET must be at least 32 characters in production")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// ValidateWorker validates configuration required by the worker service.
func (c *Config) ValidateWorker() error {
	var errs []string

	if c.Postgres.DSN == "" {
		errs = append(errs, "DATABASE_URL is required")
	}
	if c.AWS.SourceBucket == "" {
		errs = append(errs, "SOURCE_BUCKET is required")
	}
	if c.AWS.TranscodedBucket == "" {
		errs = append(errs, "TRANSCODED_BUCKET is required")
	}
	if c.AWS.ThumbnailBucket == "" {
		errs = append(errs, "THUMBNAIL_BUCKET is required")
	}
	if c.AWS.HLSBucket == "" {
		errs = append(errs, "HLS_BUCKET is required")
	}
	if c.AWS.ImportQueueURL == "" {
		errs = append(errs, "IMPORT_QUEUE_URL is required")
	}
	if c.AWS.TranscodeQueueURL == "" {
		errs = append(errs, "TRANSCODE_QUEUE_URL is required")
	}
	if c.AWS.CDNDomain == "" {
		errs = append(errs, "CDN_DOMAIN is required")
	}
	if len(c.Pipeline.Presets) == 0 {
		errs = append(errs, "QUALITY_PRESETS must not be empty")
	}
	if c.Worker.ImportConcurrency < 1 {
		errs = append(errs, "IMPORT_CONCURRENCY must be at least 1")
	}
	if c.Worker.TranscodeConcurrency < 1 {
		errs = append(errs, "TRANSCODING_CONCURRENCY must be at least 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// IsProduction returns true if running in production environment.
func (c *Config) IsProduction() bool {
	env := strings.ToLower(c.Environment)
	return env == "prod" || env == "production"
}

// GetAPICredentials returns API credentials with a development fallback.
func (c *Config) GetAPICredentials() (username, password string, err error) {
	username = c.API.Username
	password = c.API.Password

	if username == "" || password == "" {
		if c.IsProduction() {
			return "", "", errors.New("API credentials not configured")
		}
		return "admin", "secret", nil
	}
	return username, password, nil
}

// GetJWTSecret returns the JWT secret.
func (c *Config) GetJWTSecret() ([]byte, error) {
	secret := c.API.JWTSecret
	if secret == "" {
		return nil, errors.New("JWT_SECRET is required (set it even for development)")
	}
	if len(secret) < 32 && c.IsProduction() {
		return nil, errors.New("JWT_SECRET must be at least 32 characters")
	}
	return []byte(secret), nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil && intVal > 0 {
			return intVal
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil && intVal > 0 {
			return intVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
