package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisKV stores keys in Redis, for installs that sync chat history across
// devices through a shared instance.
type RedisKV struct {
	client        *redis.Client
	prefix        string
	maxValueBytes int64
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string
	// Password is the Redis password (optional).
	Password string
	// DB is the Redis database number.
	DB int
	// Prefix is prepended to every key (default "wayfarer:").
	Prefix string
	// MaxValueBytes bounds value size; 0 means unbounded.
	MaxValueBytes int64
}

// NewRedisKV connects to Redis and verifies the connection.
func NewRedisKV(cfg RedisConfig) (*RedisKV, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewRedisKVFromClient(client, cfg.Prefix, cfg.MaxValueBytes), nil
}

// NewRedisKVFromClient wraps an existing client, useful for testing with
// miniredis.
func NewRedisKVFromClient(client *redis.Client, prefix string, maxValueBytes int64) *RedisKV {
	if prefix == "" {
		prefix = "wayfarer:"
	}
	return &RedisKV{client: client, prefix: prefix, maxValueBytes: maxValueBytes}
}

// Get implements KV.
func (r *RedisKV) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis get failed: %w", err)
	}
	return data, nil
}

// Set implements KV.
func (r *RedisKV) Set(ctx context.Context, key string, value []byte) error {
	if r.maxValueBytes > 0 && int64(len(value)) > r.maxValueBytes {
		return ErrCapacityExceeded
	}
	if err := r.client.Set(ctx, r.prefix+key, value, 0).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Delete implements KV.
func (r *RedisKV) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}

// Close implements KV.
func (r *RedisKV) Close() error {
	return r.client.Close()
}
