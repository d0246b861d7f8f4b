package persistence

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/wayflow/config"
	"github.com/BaSui01/wayflow/internal/database"
)

// NewStore creates the Store selected by cfg.Store.Type.
func NewStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (Store, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := Options{KeyPrefix: cfg.Store.KeyPrefix, TTL: cfg.Store.TTL}

	switch StoreType(cfg.Store.Type) {
	case StoreTypeMemory, "":
		return NewMemoryStore(opts), nil
	case StoreTypeFile:
		return NewFileStore(cfg.Store.BaseDir, opts, logger)
	case StoreTypeRedis:
		return DialRedisStore(ctx, &redis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
		}, opts, logger)
	case StoreTypeDatabase:
		pool, err := database.Open(cfg.Database.Driver, cfg.Database.DSN(), database.PoolConfig{
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		}, logger)
		if err != nil {
			return nil, err
		}
		store, err := NewSQLStore(ctx, pool, opts, logger)
		if err != nil {
			_ = pool.Close()
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported store type: %s", cfg.Store.Type)
	}
}

// MustNewStore creates a Store or panics on error.
//
// WARNING: only use this during application initialization.
func MustNewStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) Store {
	store, err := NewStore(ctx, cfg, logger)
	if err != nil {
		panic(fmt.Sprintf("failed to create conversation store: %v", err))
	}
	return store
}
