package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/voicescribe/pkg/storage"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Storage       storage.Config
	Billing       BillingConfig
	Messaging     MessagingConfig
	Transcription TranscriptionConfig
	Metering      MeteringConfig
	Jobs          JobsConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	MaxUploadBytes  int64

	// Bearer token guarding the /v1/accounts routes.
	APIToken    string
	CORSOrigins []string

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// BillingConfig holds payment provider settings
type BillingConfig struct {
	WebhookSecret      string
	SignatureTolerance time.Duration
	ProviderURL        string
	ProviderAPIKey     string
	ProviderTimeout    time.Duration
	CatalogFile        string
	WatchCatalog       bool
}

// MessagingConfig holds messaging gateway settings
type MessagingConfig struct {
	WebhookSecret string
}

// TranscriptionConfig holds transcription provider settings
type TranscriptionConfig struct {
	ProviderURL     string
	ProviderAPIKey  string
	ProviderTimeout time.Duration
	CallbackBaseURL string
	CallbackSecret  string
	Language        string
	Workers         int
	QueueSize       int
}

// MeteringConfig holds quota settings
type MeteringConfig struct {
	FreeMinutes float64
}

// JobsConfig holds scheduled job settings
type JobsConfig struct {
	StaleAfter           time.Duration
	SweepSchedule        string
	GaugeRefreshSchedule string
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel  string
	LogFormat string

	MetricsEnabled bool

	// OpenTelemetry
	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool // Use insecure gRPC connection
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Storage:       loadStorageConfig(),
		Billing:       loadBillingConfig(),
		Messaging:     MessagingConfig{WebhookSecret: getEnv("VOICESCRIBE_MESSAGING_WEBHOOK_SECRET", "")},
		Transcription: loadTranscriptionConfig(),
		Metering:      MeteringConfig{FreeMinutes: getEnvFloat("VOICESCRIBE_FREE_MINUTES", 30)},
		Jobs:          loadJobsConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("VOICESCRIBE_HOST", "0.0.0.0"),
		Port:            getEnv("VOICESCRIBE_PORT", "8080"),
		ReadTimeout:     getEnvDuration("VOICESCRIBE_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("VOICESCRIBE_WRITE_TIMEOUT", 60*time.Second),
		IdleTimeout:     getEnvDuration("VOICESCRIBE_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("VOICESCRIBE_SHUTDOWN_TIMEOUT", 30*time.Second),
		MaxUploadBytes:  getEnvInt64("VOICESCRIBE_MAX_UPLOAD_BYTES", 32<<20),
		APIToken:        getEnv("VOICESCRIBE_API_TOKEN", ""),
		CORSOrigins:     getEnvList("VOICESCRIBE_CORS_ORIGINS"),
		HealthPort:      getEnv("VOICESCRIBE_HEALTH_PORT", "9090"),
	}
}

// loadStorageConfig loads storage configuration from environment
func loadStorageConfig() storage.Config {
	cfg := storage.DefaultConfig()

	if driver := getEnv("VOICESCRIBE_DB_DRIVER", ""); driver != "" {
		cfg.Driver = strings.ToLower(driver)
	}
	if dsn := getEnv("VOICESCRIBE_DB_URL", ""); dsn != "" {
		cfg.DSN = dsn
	}
	if maxConns := getEnvInt("VOICESCRIBE_DB_MAX_CONNS", 0); maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	if minConns := getEnvInt("VOICESCRIBE_DB_MIN_CONNS", 0); minConns > 0 {
		cfg.MinConns = minConns
	}
	if timeout := getEnvDuration("VOICESCRIBE_DB_QUERY_TIMEOUT", 0); timeout > 0 {
		cfg.Timeout = timeout
	}

	// S3 config
	cfg.S3Endpoint = getEnv("VOICESCRIBE_S3_ENDPOINT", cfg.S3Endpoint)
	cfg.S3Region = getEnv("VOICESCRIBE_S3_REGION", cfg.S3Region)
	cfg.S3Bucket = getEnv("VOICESCRIBE_S3_BUCKET", cfg.S3Bucket)
	cfg.S3AccessKey = getEnv("VOICESCRIBE_S3_ACCESS_KEY", cfg.S3AccessKey)
	cfg.S3SecretKey = getEnv("VOICESCRIBE_S3_SECRET_KEY", cfg.S3SecretKey)
	cfg.S3UsePathStyle = getEnvBool("VOICESCRIBE_S3_USE_PATH_STYLE", cfg.S3UsePathStyle)
	if ttl := getEnvDuration("VOICESCRIBE_S3_PRESIGN_TTL", 0); ttl > 0 {
		cfg.S3PresignTTL = ttl
	}

	// Redis config
	cfg.RedisURL = getEnv("VOICESCRIBE_REDIS_URL", cfg.RedisURL)
	cfg.RedisPassword = getEnv("VOICESCRIBE_REDIS_PASSWORD", cfg.RedisPassword)
	if redisDB := getEnvInt("VOICESCRIBE_REDIS_DB", -1); redisDB >= 0 {
		cfg.RedisDB = redisDB
	}
	if poolSize := getEnvInt("VOICESCRIBE_REDIS_POOL_SIZE", 0); poolSize > 0 {
		cfg.RedisPoolSize = poolSize
	}
	if ttl := getEnvDuration("VOICESCRIBE_EVENT_TTL", 0); ttl > 0 {
		cfg.EventTTL = ttl
	}

	return cfg
}

func loadBillingConfig() BillingConfig {
	return BillingConfig{
		WebhookSecret:      getEnv("VOICESCRIBE_BILLING_WEBHOOK_SECRET", ""),
		SignatureTolerance: getEnvDuration("VOICESCRIBE_BILLING_SIGNATURE_TOLERANCE", 5*time.Minute),
		ProviderURL:        getEnv("VOICESCRIBE_BILLING_PROVIDER_URL", ""),
		ProviderAPIKey:     getEnv("VOICESCRIBE_BILLING_PROVIDER_KEY", ""),
		ProviderTimeout:    getEnvDuration("VOICESCRIBE_BILLING_PROVIDER_TIMEOUT", 10*time.Second),
		CatalogFile:        getEnv("VOICESCRIBE_PLAN_CATALOG", ""),
		WatchCatalog:       getEnvBool("VOICESCRIBE_PLAN_CATALOG_WATCH", true),
	}
}

func loadTranscriptionConfig() TranscriptionConfig {
	return TranscriptionConfig{
		ProviderURL:     getEnv("VOICESCRIBE_TRANSCRIPTION_URL", ""),
		ProviderAPIKey:  getEnv("VOICESCRIBE_TRANSCRIPTION_KEY", ""),
		ProviderTimeout: getEnvDuration("VOICESCRIBE_TRANSCRIPTION_TIMEOUT", 30*time.Second),
		CallbackBaseURL: getEnv("VOICESCRIBE_CALLBACK_BASE_URL", ""),
		CallbackSecret:  getEnv("VOICESCRIBE_TRANSCRIPTION_CALLBACK_SECRET", ""),
		Language:        getEnv("VOICESCRIBE_TRANSCRIPTION_LANGUAGE", ""),
		Workers:         getEnvInt("VOICESCRIBE_TRANSCRIPTION_WORKERS", 4),
		QueueSize:       getEnvInt("VOICESCRIBE_TRANSCRIPTION_QUEUE", 256),
	}
}

func loadJobsConfig() JobsConfig {
	return JobsConfig{
		StaleAfter:           getEnvDuration("VOICESCRIBE_JOB_STALE_AFTER", 30*time.Minute),
		SweepSchedule:        getEnv("VOICESCRIBE_JOB_SWEEP_SCHEDULE", "@every 5m"),
		GaugeRefreshSchedule: getEnv("VOICESCRIBE_GAUGE_REFRESH_SCHEDULE", "@every 1m"),
	}
}

// loadObservabilityConfig loads observability configuration from environment
func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           strings.ToLower(getEnv("VOICESCRIBE_LOG_LEVEL", "info")),
		LogFormat:          strings.ToLower(getEnv("VOICESCRIBE_LOG_FORMAT", "text")),
		MetricsEnabled:     getEnvBool("VOICESCRIBE_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("VOICESCRIBE_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("VOICESCRIBE_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("VOICESCRIBE_OTEL_SERVICE_NAME", "voicescribe"),
		OTelServiceVersion: getEnv("VOICESCRIBE_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("VOICESCRIBE_OTEL_INSECURE", true),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}
	if c.Server.MaxUploadBytes <= 0 {
		return fmt.Errorf("max upload bytes must be positive")
	}

	switch c.Storage.Driver {
	case "postgres", "sqlite":
		if c.Storage.DSN == "" {
			return fmt.Errorf("database URL is required for %s", c.Storage.Driver)
		}
	default:
		return fmt.Errorf("invalid database driver: %s (must be postgres or sqlite)", c.Storage.Driver)
	}
	if c.Storage.Timeout <= 0 {
		return fmt.Errorf("database query timeout must be positive")
	}
	if (c.Storage.S3Endpoint != "" || c.Storage.S3AccessKey != "") && c.Storage.S3Bucket == "" {
		return fmt.Errorf("S3 bucket is required when S3 is configured")
	}

	if c.Billing.WebhookSecret == "" {
		return fmt.Errorf("billing webhook secret is required")
	}
	if c.Billing.SignatureTolerance < 0 {
		return fmt.Errorf("billing signature tolerance must not be negative")
	}

	if c.Metering.FreeMinutes < 0 {
		return fmt.Errorf("free minutes must not be negative")
	}

	if c.Transcription.ProviderURL != "" {
		if c.Transcription.CallbackBaseURL == "" {
			return fmt.Errorf("callback base URL is required when a transcription provider is configured")
		}
		if c.Transcription.Workers <= 0 {
			return fmt.Errorf("transcription workers must be positive")
		}
	}

	switch c.Observability.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format: %s (must be text or json)", c.Observability.LogFormat)
	}

	// Validate OpenTelemetry config
	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvInt64 returns an int64 environment variable or a default
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvList splits a comma-separated variable, dropping blanks.
func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
