package storage

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/atlas-desktop/wf-validator/pkg/types"
)

// New builds the configured backend, wrapped in a breaker when enabled.
// The returned close function releases backend connections.
func New(ctx context.Context, logger *zap.Logger, cfg types.StorageConfig) (Store, func(), error) {
	var (
		store   Store
		closeFn = func() {}
	)
	switch cfg.Backend {
	case "", "memory":
		store = NewMemoryStore()
	case "postgres":
		pool, err := Connect(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, nil, err
		}
		pg := NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		store, closeFn = pg, pool.Close
	case "redis":
		client := NewRedisClient(cfg)
		rs := NewRedisStore(client, cfg.ReportTTL)
		if err := rs.Health(ctx); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("failed to ping redis: %w", err)
		}
		store, closeFn = rs, func() { client.Close() }
	default:
		return nil, nil, &types.ConfigError{Field: "storage.backend", Message: fmt.Sprintf("unknown backend %q", cfg.Backend)}
	}

	if cfg.Breaker {
		store = NewBreakerStore(logger, store, DefaultBreakerSettings())
	}
	logger.Info("Storage initialized",
		zap.String("backend", cfg.Backend),
		zap.Bool("breaker", cfg.Breaker),
	)
	return store, closeFn, nil
}
