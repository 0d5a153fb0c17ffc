package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisConfig holds Redis session store configuration
type RedisConfig struct {
	URL        string
	Password   string
	DB         int
	MaxRetries int
	PoolSize   int
	TTL        time.Duration
}

// DefaultRedisConfig returns sensible Redis session store defaults
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		URL:        "redis://localhost:6379/0",
		DB:         -1,
		MaxRetries: 3,
		PoolSize:   10,
		TTL:        12 * time.Hour,
	}
}

// RedisStore is a Redis-backed session store
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore creates a new Redis-backed session store
func NewRedisStore(config RedisConfig) (*RedisStore, error) {
	opts, err := redis.ParseURL(config.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	// Override with config values if provided
	if config.Password != "" {
		opts.Password = config.Password
	}
	if config.DB >= 0 {
		opts.DB = config.DB
	}
	if config.MaxRetries > 0 {
		opts.MaxRetries = config.MaxRetries
	}
	if config.PoolSize > 0 {
		opts.PoolSize = config.PoolSize
	}

	// Set connection timeouts
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.PoolTimeout = 4 * time.Second

	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStore{
		client: client,
		ttl:    config.TTL,
	}, nil
}

func sessionKey(sid string) string {
	return fmt.Sprintf("session:%s", sid)
}

// Get retrieves a session payload
func (s *RedisStore) Get(ctx context.Context, sid string) (*Payload, error) {
	data, err := s.client.Get(ctx, sessionKey(sid)).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	var payload Payload
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		// If unmarshal fails, delete corrupt data
		s.client.Del(ctx, sessionKey(sid))
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}

	return &payload, nil
}

// Set stores a session payload
func (s *RedisStore) Set(ctx context.Context, sid string, payload *Payload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	return s.client.Set(ctx, sessionKey(sid), data, s.ttl).Err()
}

// Destroy removes a session
func (s *RedisStore) Destroy(ctx context.Context, sid string) error {
	return s.client.Del(ctx, sessionKey(sid)).Err()
}

// Close closes the underlying Redis client
func (s *RedisStore) Close() error {
	return s.client.Close()
}
