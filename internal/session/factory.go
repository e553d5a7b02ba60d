package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"img2url/internal/config"
)

// NewFromConfig builds the Store selected by cfg.Backend.
func NewFromConfig(ctx context.Context, cfg config.SessionConfig, logger *slog.Logger) (Store, error) {
	opts := Options{TTL: time.Duration(cfg.PendingTTLSeconds) * time.Second}

	backend := cfg.Backend
	if backend == "" {
		backend = BackendMemory
	}
	switch backend {
	case BackendMemory:
		return NewMemory(opts), nil
	case BackendSQLite:
		return NewSQLite(config.ExpandPath(cfg.DBPath), opts, logger)
	case BackendRedis:
		return NewRedis(ctx, RedisConfig{
			Addr:     cfg.Redis.Addr,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		}, opts)
	default:
		return nil, fmt.Errorf("unsupported session backend: %s", backend)
	}
}

// RunPruner calls Prune every interval until ctx is done.
func RunPruner(ctx context.Context, store Store, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := store.Prune(ctx); err != nil {
				logger.Warn("session prune failed", "err", err)
			}
		}
	}
}
