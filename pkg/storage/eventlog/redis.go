package eventlog

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/platinummonkey/voicescribe/pkg/storage"
)

const keyPrefix = "voicescribe:billing:event:"

// RedisLog stores processed event ids as expiring Redis keys.
type RedisLog struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisClient builds a client from storage config and verifies it.
func NewRedisClient(config storage.Config) (*redis.Client, error) {
	opts, err := redis.ParseURL(config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	if config.RedisPassword != "" {
		opts.Password = config.RedisPassword
	}
	if config.RedisDB > 0 {
		opts.DB = config.RedisDB
	}
	if config.RedisPoolSize > 0 {
		opts.PoolSize = config.RedisPoolSize
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w: %w", storage.ErrUnavailable, err)
	}
	return client, nil
}

// NewRedisLog wraps an existing client. Keys expire after ttl.
func NewRedisLog(client *redis.Client, ttl time.Duration) *RedisLog {
	if ttl <= 0 {
		ttl = storage.DefaultConfig().EventTTL
	}
	return &RedisLog{client: client, ttl: ttl}
}

// Seen reports whether eventID was marked processed.
func (l *RedisLog) Seen(ctx context.Context, eventID string) (bool, error) {
	n, err := l.client.Exists(ctx, keyPrefix+eventID).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists failed: %w: %w", storage.ErrUnavailable, err)
	}
	return n > 0, nil
}

// MarkProcessed records eventID.
func (l *RedisLog) MarkProcessed(ctx context.Context, eventID string) error {
	if err := l.client.Set(ctx, keyPrefix+eventID, time.Now().UTC().Format(time.RFC3339), l.ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w: %w", storage.ErrUnavailable, err)
	}
	return nil
}

// Client exposes the underlying client for health checks.
func (l *RedisLog) Client() *redis.Client {
	return l.client
}
