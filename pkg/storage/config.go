package storage

import "time"

// Config for storage backends
type Config struct {
	Driver string // "postgres" or "sqlite"
	DSN    string

	MaxConns    int
	MinConns    int
	Timeout     time.Duration
	MaxLifetime time.Duration
	MaxIdleTime time.Duration

	// S3 config for uploaded media
	S3Endpoint     string
	S3Region       string
	S3Bucket       string
	S3AccessKey    string
	S3SecretKey    string
	S3UsePathStyle bool
	S3PresignTTL   time.Duration

	// Redis config for the webhook event log
	RedisURL      string
	RedisPassword string
	RedisDB       int
	RedisPoolSize int
	EventTTL      time.Duration

	// In-process event log fallback when Redis is not configured
	EventCacheSize int
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() Config {
	return Config{
		Driver:         "sqlite",
		DSN:            "file:voicescribe.db?_busy_timeout=5000&_journal_mode=WAL",
		MaxConns:       20,
		MinConns:       2,
		Timeout:        5 * time.Second,
		MaxLifetime:    time.Hour,
		MaxIdleTime:    10 * time.Minute,
		S3Region:       "us-east-1",
		S3PresignTTL:   15 * time.Minute,
		RedisPoolSize:  10,
		EventTTL:       7 * 24 * time.Hour,
		EventCacheSize: 10000,
	}
}
