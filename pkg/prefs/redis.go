package prefs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures a Redis-backed store.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Prefix is prepended to every key, followed by the namespace.
	Prefix    string
	Namespace string
	// TTL expires keys after the given duration; zero keeps them forever.
	TTL time.Duration
}

// RedisStore keeps preferences in Redis so several app servers share them.
type RedisStore struct {
	rdb redis.UniversalClient
	// base is the configured prefix; prefix adds the namespace and separator.
	base   string
	prefix string
	ttl    time.Duration
	owned  bool
}

// OpenRedis connects to Redis and verifies the connection.
func OpenRedis(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:        addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	store := NewRedisStore(rdb, cfg)
	store.owned = true
	return store, nil
}

// NewRedisStore wraps an existing client. The caller owns rdb.
func NewRedisStore(rdb redis.UniversalClient, cfg RedisConfig) *RedisStore {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "canvass"
	}
	base := prefix
	if cfg.Namespace != "" {
		prefix = prefix + ":" + cfg.Namespace
	}
	return &RedisStore{
		rdb:    rdb,
		base:   base,
		prefix: prefix + ":",
		ttl:    cfg.TTL,
	}
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	if err := validateKey(key); err != nil {
		return "", false, err
	}
	value, err := s.rdb.Get(ctx, s.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return value, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, s.prefix+key, value, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := s.rdb.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

// Close closes the client when the store opened it.
func (s *RedisStore) Close() error {
	if !s.owned {
		return nil
	}
	return s.rdb.Close()
}

// WithNamespace returns a store sharing the client under another namespace.
func (s *RedisStore) WithNamespace(namespace string) *RedisStore {
	clone := *s
	clone.prefix = s.base + ":" + namespace + ":"
	clone.owned = false
	return &clone
}
