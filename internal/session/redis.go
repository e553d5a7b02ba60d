package session

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// RedisConfig captures connection options for the redis backend.
type RedisConfig struct {
	Addr     string
	Username string
	Password string
	DB       int
	Prefix   string
}

const defaultRedisPrefix = "img2url:pending:"

// RedisStore stores one key per pending user. Expiry uses native key TTLs.
type RedisStore struct {
	client *redis.Client
	prefix string
	opts   Options
}

func NewRedis(ctx context.Context, cfg RedisConfig, opts Options) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix, opts: opts}, nil
}

func (s *RedisStore) key(userID string) string {
	return s.prefix + userID
}

func (s *RedisStore) MarkPending(ctx context.Context, userID string) error {
	now := s.opts.now()
	if err := s.client.Set(ctx, s.key(userID), strconv.FormatInt(now.Unix(), 10), s.opts.TTL).Err(); err != nil {
		return fmt.Errorf("mark pending %s: %w", userID, err)
	}
	return nil
}

func (s *RedisStore) IsPending(ctx context.Context, userID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(userID)).Result()
	if err != nil {
		return false, fmt.Errorf("query pending %s: %w", userID, err)
	}
	return n > 0, nil
}

func (s *RedisStore) ClearPending(ctx context.Context, userID string) error {
	if err := s.client.Del(ctx, s.key(userID)).Err(); err != nil {
		return fmt.Errorf("clear pending %s: %w", userID, err)
	}
	return nil
}

func (s *RedisStore) Len(ctx context.Context) (int, error) {
	var (
		cursor uint64
		count  int
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.prefix+"*", 100).Result()
		if err != nil {
			return 0, err
		}
		count += len(keys)
		cursor = next
		if cursor == 0 {
			return count, nil
		}
	}
}

// Prune is a no-op: redis expires keys on its own.
func (s *RedisStore) Prune(context.Context) (int, error) { return 0, nil }

func (s *RedisStore) Close() error {
	return s.client.Close()
}
