package storage

import (
	"context"
	"fmt"
	"strings"

	"console_agent/internal/config"
)

// Open builds the backend selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StoreConfig, opts Options) (Store, error) {
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	switch strings.ToLower(cfg.Driver) {
	case "", "memory":
		return NewMemoryStore(opts), nil
	case "redis":
		return NewRedisStore(ctx, cfg.RedisURL, opts)
	case "postgres":
		return NewPostgresStore(ctx, cfg.DatabaseURL, opts)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
